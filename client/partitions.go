package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/couchbase/gridlink/common/gridproto"
	"github.com/couchbase/gridlink/pkg/metrics"
	"github.com/couchbase/gridlink/utils/binstream"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var tracer = otel.Tracer("github.com/couchbase/gridlink/client")

// MaxPartitions is the largest partition count a node may report for a cache.
const MaxPartitions = 65536

var ErrStalePartitionMap = errors.New("partition map is older than the announced topology version")

// CachePartitionMap describes which node owns each partition of one cache.
type CachePartitionMap struct {
	CacheID int32

	// PartitionNodeIDs is indexed by partition number.  A uuid.Nil entry means
	// the owner is unknown.  The slice is empty for caches whose keys cannot
	// be routed.  It may be shared between caches and must not be modified.
	PartitionNodeIDs []uuid.UUID

	KeyConfigs []gridproto.KeyConfig
}

func (m *CachePartitionMap) PartitionCount() int {
	return len(m.PartitionNodeIDs)
}

// Owner returns the node which owns the given partition.
func (m *CachePartitionMap) Owner(partition int) (uuid.UUID, bool) {
	if partition < 0 || partition >= len(m.PartitionNodeIDs) {
		return uuid.Nil, false
	}

	nodeID := m.PartitionNodeIDs[partition]
	return nodeID, nodeID != uuid.Nil
}

// TopologyPartitionSnapshot is an immutable set of partition maps valid for
// one topology version.
type TopologyPartitionSnapshot struct {
	version gridproto.AffinityTopologyVersion
	caches  map[int32]*CachePartitionMap
}

func (s *TopologyPartitionSnapshot) Version() gridproto.AffinityTopologyVersion {
	return s.version
}

func (s *TopologyPartitionSnapshot) CachePartitions(cacheID int32) (*CachePartitionMap, bool) {
	m, ok := s.caches[cacheID]
	return m, ok
}

// CacheIDs returns the ids of every cache in the snapshot, in ascending order.
func (s *TopologyPartitionSnapshot) CacheIDs() []int32 {
	ids := make([]int32, 0, len(s.caches))
	for cacheID := range s.caches {
		ids = append(ids, cacheID)
	}
	slices.Sort(ids)
	return ids
}

type partitionCacheOptions struct {
	Logger *zap.Logger

	// OnVersionRaised is invoked whenever the last known topology version
	// moves forward.  It must not block.
	OnVersionRaised func(gridproto.AffinityTopologyVersion)
}

type partitionCache struct {
	logger          *zap.Logger
	onVersionRaised func(gridproto.AffinityTopologyVersion)

	lastKnownVersion atomic.Pointer[gridproto.AffinityTopologyVersion]
	snapshot         atomic.Pointer[TopologyPartitionSnapshot]

	// refreshSem holds a token while a refresh is in flight.  Waiters give up
	// when their context is done.
	refreshSem chan struct{}
}

func newPartitionCache(opts *partitionCacheOptions) *partitionCache {
	return &partitionCache{
		logger:          opts.Logger,
		onVersionRaised: opts.OnVersionRaised,
		refreshSem:      make(chan struct{}, 1),
	}
}

// observeVersion raises the last known topology version to v.  Lower or equal
// versions are ignored.
func (p *partitionCache) observeVersion(v gridproto.AffinityTopologyVersion) {
	for {
		cur := p.lastKnownVersion.Load()
		if cur != nil && !cur.Less(v) {
			return
		}

		if p.lastKnownVersion.CompareAndSwap(cur, &v) {
			if p.onVersionRaised != nil {
				p.onVersionRaised(v)
			}
			return
		}
	}
}

func (p *partitionCache) LastKnownVersion() (gridproto.AffinityTopologyVersion, bool) {
	v := p.lastKnownVersion.Load()
	if v == nil {
		return gridproto.AffinityTopologyVersion{}, false
	}
	return *v, true
}

func (p *partitionCache) Snapshot() *TopologyPartitionSnapshot {
	return p.snapshot.Load()
}

// freshSnapshot returns the current snapshot if it covers cacheID and is at
// least as new as the last known topology version.
func (p *partitionCache) freshSnapshot(cacheID int32) *TopologyPartitionSnapshot {
	snap := p.snapshot.Load()
	if snap == nil {
		return nil
	}

	if _, ok := snap.caches[cacheID]; !ok {
		return nil
	}

	if lastKnown := p.lastKnownVersion.Load(); lastKnown != nil && snap.version.Less(*lastKnown) {
		return nil
	}

	return snap
}

// ensureFresh refreshes the partition maps unless the current snapshot
// already covers cacheID at the last known version.  Concurrent callers
// collapse into a single request, and a caller waiting on another's refresh
// returns ctx.Err() once ctx is done.  getConn is only invoked when a request
// is needed, and before the refresh token is taken.
//
// A nil snapshot with a nil error means the nodes know nothing of cacheID.
// ErrStalePartitionMap is returned when the response was older than a version
// already announced by a node.
func (p *partitionCache) ensureFresh(
	ctx context.Context,
	cacheID int32,
	getConn func(ctx context.Context) (*nodeConn, error),
) (*TopologyPartitionSnapshot, error) {
	if snap := p.freshSnapshot(cacheID); snap != nil {
		return snap, nil
	}

	conn, err := getConn(ctx)
	if err != nil {
		return nil, err
	}

	select {
	case p.refreshSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() {
		<-p.refreshSem
	}()

	if snap := p.freshSnapshot(cacheID); snap != nil {
		return snap, nil
	}

	err = p.refresh(ctx, conn, cacheID)
	if err != nil {
		return nil, err
	}

	if snap := p.freshSnapshot(cacheID); snap != nil {
		return snap, nil
	}

	snap := p.snapshot.Load()
	if snap == nil {
		return nil, nil
	}
	if _, ok := snap.caches[cacheID]; !ok {
		return nil, nil
	}

	lastKnown, _ := p.LastKnownVersion()
	return nil, fmt.Errorf("%w: cache %d has version %s, last announced %s",
		ErrStalePartitionMap, cacheID, snap.version, lastKnown)
}

func (p *partitionCache) refresh(ctx context.Context, conn *nodeConn, cacheID int32) (err error) {
	ctx, span := tracer.Start(ctx, "RefreshPartitions",
		trace.WithAttributes(attribute.Int("cache_id", int(cacheID))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	stime := time.Now()

	req := &gridproto.PartitionsRequest{
		CacheIDs: p.requestCacheIDs(cacheID),
	}

	var resp gridproto.PartitionsResponse
	err = conn.send(ctx, gridproto.OpCachePartitions,
		func(w *binstream.Writer) error {
			req.Encode(w)
			return nil
		},
		func(r *binstream.Reader) error {
			return resp.Decode(r)
		})

	gridMetrics := metrics.GetGridMetrics()
	gridMetrics.PartitionRefreshes.Add(ctx, 1)
	gridMetrics.RefreshDuration.Record(ctx, float64(time.Since(stime).Microseconds())/1000)

	if err != nil {
		return fmt.Errorf("failed to fetch partition maps: %w", err)
	}

	caches, err := buildCacheMaps(&resp)
	if err != nil {
		return err
	}

	p.observeVersion(resp.Version)
	p.publish(resp.Version, caches)

	p.logger.Debug("refreshed partition maps",
		zap.Stringer("version", resp.Version),
		zap.Int32s("requested", req.CacheIDs),
		zap.Int("received", len(caches)))

	return nil
}

// requestCacheIDs is the single requested cache when nothing is known yet,
// otherwise every known cache plus the requested one.
func (p *partitionCache) requestCacheIDs(cacheID int32) []int32 {
	snap := p.snapshot.Load()
	if snap == nil {
		return []int32{cacheID}
	}

	cacheIDs := snap.CacheIDs()
	if idx, ok := slices.BinarySearch(cacheIDs, cacheID); !ok {
		cacheIDs = slices.Insert(cacheIDs, idx, cacheID)
	}
	return cacheIDs
}

func (p *partitionCache) publish(version gridproto.AffinityTopologyVersion, caches map[int32]*CachePartitionMap) {
	cur := p.snapshot.Load()

	if cur != nil {
		switch version.Compare(cur.version) {
		case -1:
			p.logger.Debug("discarding partition maps older than the current snapshot",
				zap.Stringer("received", version),
				zap.Stringer("current", cur.version))
			return
		case 0:
			for cacheID, m := range cur.caches {
				if _, ok := caches[cacheID]; !ok {
					caches[cacheID] = m
				}
			}
		}
	}

	p.snapshot.Store(&TopologyPartitionSnapshot{
		version: version,
		caches:  caches,
	})
}

func buildCacheMaps(resp *gridproto.PartitionsResponse) (map[int32]*CachePartitionMap, error) {
	caches := make(map[int32]*CachePartitionMap)

	for _, group := range resp.Groups {
		var nodeIDs []uuid.UUID

		if group.Applicable {
			maxPartition := -1
			for _, node := range group.NodePartitions {
				for _, part := range node.Partitions {
					if part < 0 || part >= MaxPartitions {
						return nil, fmt.Errorf("invalid partition index %d for node %s", part, node.NodeID)
					}
					maxPartition = max(maxPartition, int(part))
				}
			}

			nodeIDs = make([]uuid.UUID, maxPartition+1)
			for _, node := range group.NodePartitions {
				for _, part := range node.Partitions {
					nodeIDs[part] = node.NodeID
				}
			}
		}

		for _, cache := range group.Caches {
			caches[cache.CacheID] = &CachePartitionMap{
				CacheID:          cache.CacheID,
				PartitionNodeIDs: nodeIDs,
				KeyConfigs:       cache.KeyConfigs,
			}
		}
	}

	return caches, nil
}
