package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/couchbase/gridlink/common/gridproto"
	"github.com/couchbase/gridlink/pkg/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type connectFunc func(ctx context.Context, endpoint *Endpoint) (*nodeConn, error)

type failoverManagerOptions struct {
	Logger            *zap.Logger
	Endpoints         []*Endpoint
	ReconnectDisabled bool
	Connect           connectFunc

	// OnConnected receives every connection the manager establishes.  It is
	// invoked without the manager lock held.
	OnConnected func(conn *nodeConn)
}

// failoverManager owns the single current connection used for every request
// which is not routed by affinity.
type failoverManager struct {
	logger            *zap.Logger
	endpoints         []*Endpoint
	reconnectDisabled bool
	connect           connectFunc
	onConnected       func(conn *nodeConn)

	current atomic.Pointer[nodeConn]

	lock      sync.Mutex
	cursor    int
	connected bool
	disposed  bool
	failedErr error
}

func newFailoverManager(opts *failoverManagerOptions) *failoverManager {
	return &failoverManager{
		logger:            opts.Logger,
		endpoints:         opts.Endpoints,
		reconnectDisabled: opts.ReconnectDisabled,
		connect:           opts.Connect,
		onConnected:       opts.OnConnected,
	}
}

// conn returns the current connection, connecting first if there is none.
func (m *failoverManager) conn(ctx context.Context) (*nodeConn, error) {
	if conn := m.current.Load(); conn != nil && !conn.isClosed() {
		return conn, nil
	}

	m.lock.Lock()
	conn, isNew, err := m.connLocked(ctx)
	m.lock.Unlock()

	if isNew && m.onConnected != nil {
		m.onConnected(conn)
	}

	return conn, err
}

func (m *failoverManager) connLocked(ctx context.Context) (*nodeConn, bool, error) {
	if m.disposed {
		return nil, false, ErrDisposed
	}

	if m.failedErr != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrReconnectDisabled, m.failedErr)
	}

	if conn := m.current.Load(); conn != nil {
		if !conn.isClosed() {
			return conn, false, nil
		}

		// the error callback may not have run yet
		m.current.Store(nil)
		if m.reconnectDisabled {
			m.failedErr = ErrConnectionClosed
			return nil, false, fmt.Errorf("%w: %w", ErrReconnectDisabled, m.failedErr)
		}
	}

	if m.connected {
		metrics.GetGridMetrics().Reconnects.Add(ctx, 1)
	}

	conn, isNew, err := m.connectNext(ctx)
	if err != nil {
		return nil, false, err
	}

	m.current.Store(conn)
	m.connected = true
	return conn, isNew, nil
}

// connectNext tries every endpoint once, starting at the rotation cursor.  The
// cursor advances by one per call regardless of which endpoint succeeds.
func (m *failoverManager) connectNext(ctx context.Context) (*nodeConn, bool, error) {
	numEndpoints := len(m.endpoints)
	startIdx := m.cursor % numEndpoints
	m.cursor = (startIdx + 1) % numEndpoints

	var errs error
	for i := 0; i < numEndpoints; i++ {
		endpoint := m.endpoints[(startIdx+i)%numEndpoints]

		if conn := endpoint.liveConn(); conn != nil {
			return conn, false, nil
		}

		conn, err := m.connect(ctx, endpoint)
		if err == nil {
			m.logger.Debug("connected to endpoint",
				zap.String("address", endpoint.Addr()),
				zap.Stringer("nodeId", conn.NodeID()))
			return conn, true, nil
		}

		metrics.GetGridMetrics().ConnectFailures.Add(ctx, 1)
		m.logger.Debug("failed to connect to endpoint",
			zap.String("address", endpoint.Addr()),
			zap.Error(err))

		errs = multierr.Append(errs, fmt.Errorf("%s: %w", endpoint.Addr(), err))

		if ctx.Err() != nil {
			break
		}
	}

	return nil, false, &ConnectError{errs: errs}
}

// handleConnError is invoked by a failed connection.  The current connection
// is cleared so the next caller reconnects, unless reconnect is disabled.
func (m *failoverManager) handleConnError(conn *nodeConn, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.current.Load() != conn {
		return
	}

	m.current.Store(nil)
	if m.reconnectDisabled && !m.disposed {
		m.failedErr = err
	}

	m.logger.Info("current connection lost",
		zap.String("address", conn.endpoint.Addr()),
		zap.Bool("reconnect", !m.reconnectDisabled),
		zap.Error(err))
}

func (m *failoverManager) send(ctx context.Context, op gridproto.OpCode, write BodyWriter, read BodyReader) error {
	conn, err := m.conn(ctx)
	if err != nil {
		return err
	}

	return conn.send(ctx, op, write, read)
}

func (m *failoverManager) sendAsync(ctx context.Context, op gridproto.OpCode, write BodyWriter, read BodyReader) <-chan error {
	conn, err := m.conn(ctx)
	if err != nil {
		resultCh := make(chan error, 1)
		resultCh <- err
		return resultCh
	}

	return conn.sendAsync(op, write, read)
}

// dispose closes the current connection.  Every later call fails with
// ErrDisposed.
func (m *failoverManager) dispose() {
	m.lock.Lock()
	if m.disposed {
		m.lock.Unlock()
		return
	}
	m.disposed = true
	conn := m.current.Swap(nil)
	m.lock.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}
