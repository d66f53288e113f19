package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/couchbase/gridlink/common/discovery"
	"github.com/couchbase/gridlink/pkg/webapi"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect to the grid and report the node which answered",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		cli, err := newClient(ctx, logger, readConfig(logger))
		if err != nil {
			return err
		}
		defer cli.Close()

		stime := time.Now()
		err = cli.WaitUntilReady(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "connected to %s in %s\n", cli.RemoteAddr(), time.Since(stime))
		if version, ok := cli.TopologyVersion(); ok {
			fmt.Fprintf(cmd.OutOrStdout(), "topology version %s\n", version)
		}
		return nil
	},
}

var partitionsCmd = &cobra.Command{
	Use:   "partitions <cache>",
	Short: "Fetch and print the partition map of a cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		numeric, _ := cmd.Flags().GetBool("cache-id")

		cacheID, err := parseCacheID(args[0], numeric)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		cli, err := newClient(ctx, logger, readConfig(logger))
		if err != nil {
			return err
		}
		defer cli.Close()

		cacheMap, err := cli.EnsurePartitions(ctx, cacheID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "cache %d: %d partitions, version %s\n",
			cacheID, cacheMap.PartitionCount(), cli.PartitionSnapshot().Version())

		owned := make(map[uuid.UUID]int)
		unassigned := 0
		for part := 0; part < cacheMap.PartitionCount(); part++ {
			owner, ok := cacheMap.Owner(part)
			if !ok {
				unassigned++
				continue
			}
			owned[owner]++
		}

		nodeIDs := make([]uuid.UUID, 0, len(owned))
		for nodeID := range owned {
			nodeIDs = append(nodeIDs, nodeID)
		}
		sort.Slice(nodeIDs, func(i, j int) bool {
			return nodeIDs[i].String() < nodeIDs[j].String()
		})

		for _, nodeID := range nodeIDs {
			fmt.Fprintf(out, "  %s: %d\n", nodeID, owned[nodeID])
		}
		if unassigned > 0 {
			fmt.Fprintf(out, "  unassigned: %d\n", unassigned)
		}
		return nil
	},
}

var routeCmd = &cobra.Command{
	Use:   "route <cache> <key>",
	Short: "Show which node a key would be routed to",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		numeric, _ := cmd.Flags().GetBool("cache-id")
		keyType, _ := cmd.Flags().GetString("key-type")

		cacheID, err := parseCacheID(args[0], numeric)
		if err != nil {
			return err
		}

		key, err := parseKey(keyType, args[1])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		config := readConfig(logger)
		cli, err := newClient(ctx, logger, config)
		if err != nil {
			return err
		}
		defer cli.Close()

		info := cli.Route(ctx, cacheID, key)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "result: %s\n", info.Result)
		if info.Partition >= 0 {
			fmt.Fprintf(out, "partition: %d\n", info.Partition)
		}
		if info.NodeID != uuid.Nil {
			fmt.Fprintf(out, "node: %s\n", info.NodeID)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and log affinity topology changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		config := readConfig(logger)
		cli, err := newClient(ctx, logger, config)
		if err != nil {
			return err
		}
		defer cli.Close()

		if config.webPort >= 0 {
			webapi.InitializeWebServer(webapi.WebServerOptions{
				Logger:        logger.Named("web-server"),
				LogLevel:      &logLevel,
				ListenAddress: net.JoinHostPort(config.bindAddress, strconv.Itoa(config.webPort)),
				Status:        cli,
			})
		}

		if len(config.etcdEndpoints) > 0 {
			err := watchEtcdNodes(ctx, config)
			if err != nil {
				logger.Warn("failed to watch etcd for grid nodes", zap.Error(err))
			}
		}

		err = cli.WaitUntilReady(ctx)
		if err != nil {
			return err
		}

		logger.Info("connected to grid", zap.Stringer("remoteAddr", cli.RemoteAddr()))

		versions := cli.WatchTopology(ctx)
		for version := range versions {
			logger.Info("affinity topology changed",
				zap.Stringer("version", version))

			if config.affinityAwareness {
				logger.Debug("pooled node connections",
					zap.Int("count", len(cli.PooledNodes())))
			}
		}

		logger.Info("shutting down")
		return nil
	},
}

// watchEtcdNodes logs changes to the registered node list.  Membership is
// only read at startup, so a change is reported for operators to act on.
func watchEtcdNodes(ctx context.Context, config *config) error {
	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   config.etcdEndpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return err
	}

	source, err := discovery.NewEtcdSourceFromClient(etcdClient, config.etcdPrefix, logger)
	if err != nil {
		etcdClient.Close()
		return err
	}

	nodesCh, err := source.Watch(ctx)
	if err != nil {
		etcdClient.Close()
		return err
	}

	go func() {
		defer etcdClient.Close()
		for nodes := range nodesCh {
			logger.Info("registered grid nodes changed",
				zap.Strings("endpoints", nodes))
		}
	}()

	return nil
}

func init() {
	for _, cmd := range []*cobra.Command{pingCmd, partitionsCmd, routeCmd} {
		cmd.Flags().Duration("timeout", 10*time.Second, "how long to wait for the grid")
	}
	for _, cmd := range []*cobra.Command{partitionsCmd, routeCmd} {
		cmd.Flags().Bool("cache-id", false, "treat the cache argument as a numeric cache id")
	}
	routeCmd.Flags().String("key-type", "int32", "the type of the key: bool, int8, int16, char, int32, int64, float32, float64 or string")
}
