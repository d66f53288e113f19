package discovery

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"

	"github.com/couchbase/gridlink/utils/latestonlychannel"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type jsonEtcdNodeMetaData struct {
	NodeID        string `json:"node_id"`
	AdvertiseAddr string `json:"advertise_addr"`
	AdvertisePort int    `json:"advertise_port"`
}

type EtcdSourceOptions struct {
	Logger    *zap.Logger
	KV        clientv3.KV
	Watcher   clientv3.Watcher
	KeyPrefix string
}

// EtcdSource lists grid endpoints registered under an etcd key prefix.  Each
// value is either a host:port string or a JSON node record.
type EtcdSource struct {
	logger    *zap.Logger
	kv        clientv3.KV
	watcher   clientv3.Watcher
	keyPrefix string
}

func NewEtcdSource(opts EtcdSourceOptions) (*EtcdSource, error) {
	if opts.KV == nil {
		return nil, errors.New("an etcd kv client is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EtcdSource{
		logger:    logger,
		kv:        opts.KV,
		watcher:   opts.Watcher,
		keyPrefix: opts.KeyPrefix,
	}, nil
}

// NewEtcdSourceFromClient builds a source backed by a full etcd client.
func NewEtcdSourceFromClient(cli *clientv3.Client, keyPrefix string, logger *zap.Logger) (*EtcdSource, error) {
	return NewEtcdSource(EtcdSourceOptions{
		Logger:    logger,
		KV:        cli.KV,
		Watcher:   cli.Watcher,
		KeyPrefix: keyPrefix,
	})
}

func parseEtcdEndpoint(value []byte) (string, error) {
	trimmed := strings.TrimSpace(string(value))
	if !strings.HasPrefix(trimmed, "{") {
		if trimmed == "" {
			return "", errors.New("empty endpoint value")
		}
		return trimmed, nil
	}

	var metaData jsonEtcdNodeMetaData
	err := json.Unmarshal([]byte(trimmed), &metaData)
	if err != nil {
		return "", errors.Wrap(err, "invalid node record")
	}

	if metaData.AdvertiseAddr == "" {
		return "", errors.New("node record has no advertise_addr")
	}
	if metaData.AdvertisePort <= 0 {
		return metaData.AdvertiseAddr, nil
	}

	return net.JoinHostPort(metaData.AdvertiseAddr, strconv.Itoa(metaData.AdvertisePort)), nil
}

// Endpoints returns the registered endpoints in key order.  Malformed entries
// are skipped.
func (s *EtcdSource) Endpoints(ctx context.Context) ([]string, error) {
	resp, err := s.kv.Get(ctx, s.keyPrefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list endpoints from etcd")
	}

	endpoints := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		endpoint, err := parseEtcdEndpoint(kv.Value)
		if err != nil {
			s.logger.Warn("skipping malformed endpoint entry",
				zap.ByteString("key", kv.Key),
				zap.Error(err))
			continue
		}

		if !slices.Contains(endpoints, endpoint) {
			endpoints = append(endpoints, endpoint)
		}
	}

	return endpoints, nil
}

// Watch delivers the full endpoint list whenever a key under the prefix
// changes.  Lists superseded before they are read are dropped.  The channel is
// closed when ctx is done or the watch fails.
func (s *EtcdSource) Watch(ctx context.Context) (<-chan []string, error) {
	if s.watcher == nil {
		return nil, errors.New("etcd source has no watcher")
	}

	initial, err := s.Endpoints(ctx)
	if err != nil {
		return nil, err
	}

	watchCh := s.watcher.Watch(ctx, s.keyPrefix, clientv3.WithPrefix())

	listCh := make(chan []string)
	outputCh := latestonlychannel.Wrap(listCh)

	go func() {
		defer close(listCh)

		select {
		case listCh <- initial:
		case <-ctx.Done():
			return
		}

		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				s.logger.Warn("etcd endpoint watch failed", zap.Error(err))
				return
			}

			endpoints, err := s.Endpoints(ctx)
			if err != nil {
				s.logger.Warn("failed to relist endpoints after change", zap.Error(err))
				continue
			}

			select {
			case listCh <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()

	return outputCh, nil
}
