// Package client implements a thin client for a partitioned in-memory data
// grid.  Requests are sent to the node owning the key's partition when that
// is known, and over a single failover connection otherwise.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/couchbase/gridlink/common/gridproto"
	"github.com/couchbase/gridlink/utils/latestonlychannel"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultClientName     = "gridlink"
)

var ErrNoPartitionMap = errors.New("no partition map available for cache")

type Config struct {
	// Endpoints lists node addresses as host, host:port or host:port..portEnd.
	Endpoints []string

	// AffinityAwareness enables routing keyed requests directly to the node
	// owning the key.
	AffinityAwareness bool

	// ReconnectDisabled leaves the client failed once its connection is
	// lost, instead of reconnecting on the next request.
	ReconnectDisabled bool

	Username   string
	Password   string
	ClientName string
	TLSConfig  *tls.Config

	// ConnectTimeout bounds dialing plus the handshake of one connection.
	// Defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration

	DialFunc DialFunc
	Resolver HostResolver
	Logger   *zap.Logger
}

type Client struct {
	logger    *zap.Logger
	endpoints []*Endpoint
	connOpts  nodeConnOptions

	failover   *failoverManager
	partitions *partitionCache
	pool       *nodePool
	router     *affinityRouter

	closed        atomic.Bool
	closeCh       chan struct{}
	versionSignal chan struct{}

	watchLock sync.Mutex
	watchers  map[chan gridproto.AffinityTopologyVersion]struct{}
}

// New resolves the configured endpoints and returns a client.  No connection
// is made until the first request.
func New(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	clientName := cfg.ClientName
	if clientName == "" {
		clientName = DefaultClientName
	}

	resolveCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	endpoints, err := resolveEndpoints(resolveCtx, resolver, cfg.Endpoints, logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:        logger,
		endpoints:     endpoints,
		closeCh:       make(chan struct{}),
		versionSignal: make(chan struct{}, 1),
		watchers:      make(map[chan gridproto.AffinityTopologyVersion]struct{}),
	}

	c.partitions = newPartitionCache(&partitionCacheOptions{
		Logger:          logger.Named("partitions"),
		OnVersionRaised: c.signalVersion,
	})

	c.connOpts = nodeConnOptions{
		Logger:           logger.Named("conn"),
		ClientName:       clientName,
		Username:         cfg.Username,
		Password:         cfg.Password,
		TLSConfig:        cfg.TLSConfig,
		ConnectTimeout:   connectTimeout,
		DialFunc:         cfg.DialFunc,
		OnTopologyChange: c.partitions.observeVersion,
		OnError:          c.handleConnError,
	}

	c.pool = newNodePool(&nodePoolOptions{
		Logger:    logger.Named("pool"),
		Endpoints: endpoints,
		Connect:   c.connect,
	})

	c.failover = newFailoverManager(&failoverManagerOptions{
		Logger:            logger.Named("failover"),
		Endpoints:         endpoints,
		ReconnectDisabled: cfg.ReconnectDisabled,
		Connect:           c.connect,
		OnConnected:       c.pool.offer,
	})

	c.router = newAffinityRouter(&affinityRouterOptions{
		Logger:     logger.Named("affinity"),
		Enabled:    cfg.AffinityAwareness,
		Partitions: c.partitions,
		Pool:       c.pool,
		GetConn:    c.failover.conn,
	})

	go c.dispatchVersions()

	logger.Debug("client created",
		zap.Int("endpoints", len(endpoints)),
		zap.Bool("affinityAwareness", cfg.AffinityAwareness),
		zap.Bool("reconnectDisabled", cfg.ReconnectDisabled))

	return c, nil
}

func (c *Client) connect(ctx context.Context, endpoint *Endpoint) (*nodeConn, error) {
	if c.closed.Load() {
		return nil, ErrDisposed
	}

	conn, err := connectNodeConn(ctx, endpoint, &c.connOpts)
	if err != nil {
		return nil, err
	}

	endpoint.attach(conn)

	if c.closed.Load() {
		endpoint.detach(conn)
		_ = conn.Close()
		return nil, ErrDisposed
	}

	return conn, nil
}

func (c *Client) handleConnError(conn *nodeConn, err error) {
	c.failover.handleConnError(conn, err)
	c.pool.evict(conn)
	conn.endpoint.detach(conn)
}

// Send performs a request over the failover connection.
func (c *Client) Send(ctx context.Context, op gridproto.OpCode, write BodyWriter, read BodyReader) error {
	return c.failover.send(ctx, op, write, read)
}

// SendAsync starts a request over the failover connection.  The returned
// channel receives exactly one result.
func (c *Client) SendAsync(ctx context.Context, op gridproto.OpCode, write BodyWriter, read BodyReader) <-chan error {
	return c.failover.sendAsync(ctx, op, write, read)
}

// SendAffinity performs a keyed request on the node owning key in cacheID,
// falling back to the failover connection when the owner is unknown or not
// connected.
func (c *Client) SendAffinity(
	ctx context.Context,
	op gridproto.OpCode,
	cacheID int32,
	key interface{},
	write BodyWriter,
	read BodyReader,
) error {
	info := c.router.route(ctx, cacheID, key)
	if info.conn != nil {
		return info.conn.send(ctx, op, write, read)
	}

	return c.failover.send(ctx, op, write, read)
}

// Route reports where SendAffinity would send a request for key.
func (c *Client) Route(ctx context.Context, cacheID int32, key interface{}) RouteInfo {
	return c.router.route(ctx, cacheID, key)
}

// EnsurePartitions makes sure the partition map of cacheID is known at the
// latest topology version.
func (c *Client) EnsurePartitions(ctx context.Context, cacheID int32) (*CachePartitionMap, error) {
	snap, err := c.partitions.ensureFresh(ctx, cacheID, c.failover.conn)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoPartitionMap, cacheID)
	}

	partitions, _ := snap.CachePartitions(cacheID)
	return partitions, nil
}

// PartitionSnapshot returns the latest partition maps, or nil if none have
// been fetched.
func (c *Client) PartitionSnapshot() *TopologyPartitionSnapshot {
	return c.partitions.Snapshot()
}

// TopologyVersion returns the newest topology version any node has reported.
func (c *Client) TopologyVersion() (gridproto.AffinityTopologyVersion, bool) {
	return c.partitions.LastKnownVersion()
}

func (c *Client) Endpoints() []*Endpoint {
	endpoints := make([]*Endpoint, len(c.endpoints))
	copy(endpoints, c.endpoints)
	return endpoints
}

// PooledNodes returns the ids of every node with a live affinity connection.
func (c *Client) PooledNodes() []uuid.UUID {
	return c.pool.nodeIDs()
}

// WaitUntilReady blocks until the failover connection is established, the
// context is done or the client can no longer connect.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		_, err := c.failover.conn(ctx)
		if errors.Is(err, ErrDisposed) || errors.Is(err, ErrReconnectDisabled) {
			return backoff.Permanent(err)
		}
		if err != nil {
			c.logger.Debug("client not ready yet", zap.Error(err))
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// RemoteAddr returns the address of the node behind the failover connection,
// or nil when not connected.
func (c *Client) RemoteAddr() net.Addr {
	if conn := c.failover.current.Load(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

func (c *Client) LocalAddr() net.Addr {
	if conn := c.failover.current.Load(); conn != nil {
		return conn.LocalAddr()
	}
	return nil
}

func (c *Client) signalVersion(gridproto.AffinityTopologyVersion) {
	select {
	case c.versionSignal <- struct{}{}:
	default:
	}
}

func (c *Client) dispatchVersions() {
	for {
		select {
		case <-c.versionSignal:
		case <-c.closeCh:
			return
		}

		version, ok := c.partitions.LastKnownVersion()
		if !ok {
			continue
		}

		c.watchLock.Lock()
		for watchCh := range c.watchers {
			watchCh <- version
		}
		c.watchLock.Unlock()
	}
}

// WatchTopology streams topology versions as nodes report them, starting with
// the current one if known.  Intermediate versions may be skipped when the
// reader is slow.  The channel is closed when ctx is done or the client is
// closed.
func (c *Client) WatchTopology(ctx context.Context) <-chan gridproto.AffinityTopologyVersion {
	watchCh := make(chan gridproto.AffinityTopologyVersion)
	outputCh := latestonlychannel.Wrap(watchCh)

	c.watchLock.Lock()
	if c.closed.Load() {
		close(watchCh)
		c.watchLock.Unlock()
		return outputCh
	}
	c.watchers[watchCh] = struct{}{}
	if version, ok := c.partitions.LastKnownVersion(); ok {
		watchCh <- version
	}
	c.watchLock.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.closeCh:
		}

		c.watchLock.Lock()
		if _, ok := c.watchers[watchCh]; ok {
			delete(c.watchers, watchCh)
			close(watchCh)
		}
		c.watchLock.Unlock()
	}()

	return outputCh
}

// Close disposes of the client and every connection it holds.  Later
// requests fail with ErrDisposed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.failover.dispose()
	c.pool.close()

	for _, endpoint := range c.endpoints {
		if conn := endpoint.conn.Swap(nil); conn != nil {
			_ = conn.Close()
		}
	}

	close(c.closeCh)

	c.watchLock.Lock()
	for watchCh := range c.watchers {
		delete(c.watchers, watchCh)
		close(watchCh)
	}
	c.watchLock.Unlock()

	c.logger.Debug("client closed")
	return nil
}
