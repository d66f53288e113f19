package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/couchbase/gridlink/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type nodePoolOptions struct {
	Logger    *zap.Logger
	Endpoints []*Endpoint
	Connect   connectFunc
}

// nodePool holds one connection per known node, keyed by the node id the node
// reported during its handshake.
type nodePool struct {
	logger    *zap.Logger
	endpoints []*Endpoint
	connect   connectFunc

	ctx       context.Context
	ctxCancel context.CancelFunc

	warmStarted atomic.Bool
	warmDoneCh  chan struct{}

	lock  sync.Mutex
	conns atomic.Pointer[map[uuid.UUID]*nodeConn]
}

func newNodePool(opts *nodePoolOptions) *nodePool {
	ctx, ctxCancel := context.WithCancel(context.Background())

	p := &nodePool{
		logger:     opts.Logger,
		endpoints:  opts.Endpoints,
		connect:    opts.Connect,
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		warmDoneCh: make(chan struct{}),
	}

	empty := make(map[uuid.UUID]*nodeConn)
	p.conns.Store(&empty)
	return p
}

// warm schedules a connection attempt to every endpoint.  Only the first call
// does anything and it never waits for the connections.
func (p *nodePool) warm() {
	if !p.warmStarted.CompareAndSwap(false, true) {
		return
	}

	go p.populate()
}

func (p *nodePool) populate() {
	defer close(p.warmDoneCh)

	for _, endpoint := range p.endpoints {
		if p.ctx.Err() != nil {
			return
		}

		conn := endpoint.liveConn()
		if conn == nil {
			var err error
			conn, err = p.connect(p.ctx, endpoint)
			if err != nil {
				p.logger.Debug("failed to connect to endpoint while warming node pool",
					zap.String("address", endpoint.Addr()),
					zap.Error(err))
				continue
			}
		}

		p.offer(conn)
	}

	p.logger.Debug("node pool warmed", zap.Int("nodes", len(*p.conns.Load())))
}

// offer indexes conn by its node id.  Connections without a node id, or for a
// node which already has a live connection, are not pooled.  They stay
// attached to their endpoint for the failover path.
func (p *nodePool) offer(conn *nodeConn) {
	nodeID := conn.NodeID()
	if nodeID == uuid.Nil || conn.isClosed() {
		return
	}

	p.lock.Lock()
	cur := *p.conns.Load()
	if existing := cur[nodeID]; existing != nil && !existing.isClosed() {
		p.lock.Unlock()
		return
	}

	if p.ctx.Err() != nil {
		p.lock.Unlock()
		return
	}

	updated := make(map[uuid.UUID]*nodeConn, len(cur)+1)
	for id, c := range cur {
		updated[id] = c
	}
	updated[nodeID] = conn
	p.conns.Store(&updated)
	p.lock.Unlock()

	metrics.GetGridMetrics().PooledNodes.Record(context.Background(), int64(len(updated)))
}

// evict drops conn from the pool if it is the pooled connection for its node.
func (p *nodePool) evict(conn *nodeConn) {
	nodeID := conn.NodeID()
	if nodeID == uuid.Nil {
		return
	}

	p.lock.Lock()
	cur := *p.conns.Load()
	if cur[nodeID] != conn {
		p.lock.Unlock()
		return
	}

	updated := make(map[uuid.UUID]*nodeConn, len(cur))
	for id, c := range cur {
		if id != nodeID {
			updated[id] = c
		}
	}
	p.conns.Store(&updated)
	p.lock.Unlock()

	metrics.GetGridMetrics().PooledNodes.Record(context.Background(), int64(len(updated)))
}

// get returns the live pooled connection for nodeID.
func (p *nodePool) get(nodeID uuid.UUID) *nodeConn {
	conn := (*p.conns.Load())[nodeID]
	if conn == nil || conn.isClosed() {
		return nil
	}
	return conn
}

func (p *nodePool) nodeIDs() []uuid.UUID {
	conns := *p.conns.Load()
	ids := make([]uuid.UUID, 0, len(conns))
	for id, conn := range conns {
		if !conn.isClosed() {
			ids = append(ids, id)
		}
	}
	return ids
}

// close stops warming and closes every pooled connection.
func (p *nodePool) close() {
	p.ctxCancel()

	p.lock.Lock()
	cur := *p.conns.Load()
	empty := make(map[uuid.UUID]*nodeConn)
	p.conns.Store(&empty)
	p.lock.Unlock()

	for _, conn := range cur {
		_ = conn.Close()
	}
}
