package client

import (
	"context"

	"github.com/couchbase/gridlink/common/affinity"
	"github.com/couchbase/gridlink/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	RouteHit            = "hit"
	RouteDisabled       = "disabled"
	RouteUnsupportedKey = "unsupported_key"
	RouteRefreshFailed  = "refresh_failed"
	RouteNoPartitionMap = "no_partition_map"
	RouteNoOwner        = "no_owner"
	RouteNoConnection   = "no_connection"
)

// RouteInfo describes one affinity routing decision.  Partition is -1 and
// NodeID is uuid.Nil when the decision was made before they were known.
type RouteInfo struct {
	Result    string
	Partition int
	NodeID    uuid.UUID

	conn *nodeConn
}

// Routed reports whether a direct connection to the owning node was found.
func (i RouteInfo) Routed() bool {
	return i.conn != nil
}

type affinityRouterOptions struct {
	Logger     *zap.Logger
	Enabled    bool
	Partitions *partitionCache
	Pool       *nodePool
	GetConn    func(ctx context.Context) (*nodeConn, error)
}

type affinityRouter struct {
	logger     *zap.Logger
	enabled    bool
	partitions *partitionCache
	pool       *nodePool
	getConn    func(ctx context.Context) (*nodeConn, error)
}

func newAffinityRouter(opts *affinityRouterOptions) *affinityRouter {
	return &affinityRouter{
		logger:     opts.Logger,
		enabled:    opts.Enabled,
		partitions: opts.Partitions,
		pool:       opts.Pool,
		getConn:    opts.GetConn,
	}
}

// route finds the pooled connection to the node owning key in cacheID.  A
// decision without a connection means the caller must use the failover path.
func (r *affinityRouter) route(ctx context.Context, cacheID int32, key interface{}) RouteInfo {
	info := r.decide(ctx, cacheID, key)
	metrics.GetGridMetrics().AffinityRoutes.Add(ctx, 1, metrics.RouteResult(info.Result))
	return info
}

func (r *affinityRouter) decide(ctx context.Context, cacheID int32, key interface{}) RouteInfo {
	info := RouteInfo{Partition: -1}

	if !r.enabled {
		info.Result = RouteDisabled
		return info
	}

	r.pool.warm()

	keyHash, ok := affinity.KeyHash(key)
	if !ok {
		info.Result = RouteUnsupportedKey
		return info
	}

	snap, err := r.partitions.ensureFresh(ctx, cacheID, r.getConn)
	if err != nil {
		r.logger.Debug("partition refresh failed, falling back",
			zap.Int32("cacheId", cacheID),
			zap.Error(err))
		info.Result = RouteRefreshFailed
		return info
	}
	if snap == nil {
		info.Result = RouteNoPartitionMap
		return info
	}

	partitions, ok := snap.CachePartitions(cacheID)
	if !ok || partitions.PartitionCount() == 0 {
		info.Result = RouteNoPartitionMap
		return info
	}

	info.Partition = affinity.Partition(keyHash, partitions.PartitionCount())

	nodeID, ok := partitions.Owner(info.Partition)
	if !ok {
		info.Result = RouteNoOwner
		return info
	}
	info.NodeID = nodeID

	conn := r.pool.get(nodeID)
	if conn == nil {
		info.Result = RouteNoConnection
		return info
	}

	info.conn = conn
	info.Result = RouteHit
	return info
}
