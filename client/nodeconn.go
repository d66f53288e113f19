/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/gridlink/common/gridproto"
	"github.com/couchbase/gridlink/pkg/metrics"
	"github.com/couchbase/gridlink/utils/binstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DialFunc opens the transport to a node.  It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// BodyWriter encodes a request body.  BodyReader decodes a successful
// response body; it runs on the connection's read goroutine.
type (
	BodyWriter func(w *binstream.Writer) error
	BodyReader func(r *binstream.Reader) error
)

type wrappedReadWriter struct {
	*bufio.Reader
	io.Writer
}

func makeBufferedMemdConn(s io.ReadWriter) *memd.Conn {
	return memd.NewConn(wrappedReadWriter{
		Reader: bufio.NewReader(s),
		Writer: s,
	})
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

type nodeConnOptions struct {
	Logger         *zap.Logger
	ClientName     string
	Username       string
	Password       string
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
	DialFunc       DialFunc

	// OnTopologyChange is invoked from the read loop whenever a response
	// announces a topology version.
	OnTopologyChange func(gridproto.AffinityTopologyVersion)

	// OnError is invoked at most once, when the connection fails.  It is not
	// invoked for an explicit Close.
	OnError func(conn *nodeConn, err error)
}

type pendingRequest struct {
	op       gridproto.OpCode
	read     BodyReader
	resultCh chan error
}

type nodeConn struct {
	logger   *zap.Logger
	endpoint *Endpoint
	conn     net.Conn
	memdConn *memd.Conn
	nodeID   uuid.UUID

	onTopologyChange func(gridproto.AffinityTopologyVersion)
	onError          func(conn *nodeConn, err error)

	writeLock sync.Mutex

	lock     sync.Mutex
	closed   atomic.Bool
	opaque   uint32
	pending  map[uint32]*pendingRequest
	closeErr error
}

func connectNodeConn(ctx context.Context, endpoint *Endpoint, opts *nodeConnOptions) (*nodeConn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	dial := opts.DialFunc
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	netConn, err := dial(ctx, "tcp", endpoint.Addr())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", endpoint.Addr())
	}

	if opts.TLSConfig != nil {
		tlsConfig := opts.TLSConfig.Clone()
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = endpoint.Host()
		}

		tlsConn := tls.Client(netConn, tlsConfig)
		err := tlsConn.HandshakeContext(ctx)
		if err != nil {
			_ = netConn.Close()
			return nil, errors.Wrap(err, "tls handshake failed")
		}
		netConn = tlsConn
	}

	c := &nodeConn{
		logger:           logger,
		endpoint:         endpoint,
		conn:             netConn,
		memdConn:         makeBufferedMemdConn(netConn),
		onTopologyChange: opts.OnTopologyChange,
		onError:          opts.OnError,
		pending:          make(map[uint32]*pendingRequest),
	}

	err = c.handshake(ctx, opts)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}

	c.logger = logger.With(
		zap.String("address", endpoint.Addr()),
		zap.Stringer("nodeId", c.nodeID))

	metrics.GetGridMetrics().NewConnections.Add(ctx, 1)
	metrics.GetGridMetrics().ActiveConnections.Add(ctx, 1)

	go c.readLoop()

	return c, nil
}

func (c *nodeConn) handshake(ctx context.Context, opts *nodeConnOptions) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer func() {
			_ = c.conn.SetDeadline(time.Time{})
		}()
	}

	ver := gridproto.CurrentProtocolVersion
	verBytes := binstream.NewWriter()
	verBytes.WriteInt16(ver.Major)
	verBytes.WriteInt16(ver.Minor)
	verBytes.WriteInt16(ver.Patch)

	resp, err := c.roundTripSync(gridproto.OpHello, []byte(opts.ClientName), verBytes.Bytes())
	if err != nil {
		return errors.Wrap(err, "hello handshake failed")
	}

	if len(resp.Value) == 16 {
		c.nodeID, err = uuid.FromBytes(resp.Value)
		if err != nil {
			return errors.Wrap(err, "invalid node id in hello response")
		}
	}

	if opts.Username != "" {
		_, err := c.roundTripSync(
			gridproto.OpSASLAuth,
			[]byte(gridproto.SASLPlainMechanism),
			gridproto.EncodePlainAuth(opts.Username, opts.Password))
		if err != nil {
			var serverErr *ServerError
			if errors.As(err, &serverErr) && serverErr.Status == memd.StatusAuthError {
				return errors.Wrap(ErrAuthenticationFailed, serverErr.Message)
			}
			return errors.Wrap(err, "authentication failed")
		}
	}

	return nil
}

// roundTripSync is used during the handshake, before the read loop owns the
// connection.
func (c *nodeConn) roundTripSync(op gridproto.OpCode, key, value []byte) (*memd.Packet, error) {
	c.opaque++
	req := &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdCode(op),
		Opaque:  c.opaque,
		Key:     key,
		Value:   value,
	}

	err := c.memdConn.WritePacket(req)
	if err != nil {
		return nil, err
	}

	resp, _, err := c.memdConn.ReadPacket()
	if err != nil {
		return nil, err
	}

	if resp.Opaque != req.Opaque {
		return nil, errors.Errorf("unexpected opaque %d in %s response", resp.Opaque, op)
	}

	if resp.Status != memd.StatusSuccess {
		return nil, &ServerError{Op: op, Status: resp.Status, Message: string(resp.Value)}
	}

	return resp, nil
}

func (c *nodeConn) NodeID() uuid.UUID {
	return c.nodeID
}

func (c *nodeConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *nodeConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *nodeConn) isClosed() bool {
	return c.closed.Load()
}

func (c *nodeConn) readLoop() {
	for {
		pak, _, err := c.memdConn.ReadPacket()
		if err != nil {
			c.fail(err)
			return
		}

		c.handlePacket(pak)
	}
}

func (c *nodeConn) handlePacket(pak *memd.Packet) {
	if pak.Magic != memd.CmdMagicRes {
		c.logger.Debug("ignoring unexpected request packet",
			zap.Uint8("command", uint8(pak.Command)))
		return
	}

	if ver, ok := gridproto.ParseExtras(pak.Extras); ok && c.onTopologyChange != nil {
		c.onTopologyChange(ver)
	}

	c.lock.Lock()
	req := c.pending[pak.Opaque]
	delete(c.pending, pak.Opaque)
	c.lock.Unlock()

	if req == nil {
		c.logger.Debug("received response for unknown request",
			zap.Uint32("opaque", pak.Opaque))
		return
	}

	if pak.Status != memd.StatusSuccess {
		req.resultCh <- &ServerError{Op: req.op, Status: pak.Status, Message: string(pak.Value)}
		return
	}

	var err error
	if req.read != nil {
		rd := binstream.NewReader(pak.Value)
		err = req.read(rd)
		if err == nil {
			err = rd.Err()
		}
		if err != nil {
			err = errors.Wrapf(err, "failed to decode %s response", req.op)
		}
	}

	req.resultCh <- err
}

// sendAsync writes a request and returns a channel which receives exactly one
// result: nil once read has consumed a successful response, or the failure.
func (c *nodeConn) sendAsync(op gridproto.OpCode, write BodyWriter, read BodyReader) <-chan error {
	resultCh := make(chan error, 1)

	var value []byte
	if write != nil {
		w := binstream.NewWriter()
		err := write(w)
		if err != nil {
			resultCh <- err
			return resultCh
		}
		value = w.Bytes()
	}

	c.lock.Lock()
	if c.closed.Load() {
		closeErr := c.closeErr
		c.lock.Unlock()
		resultCh <- closeErr
		return resultCh
	}

	c.opaque++
	opaque := c.opaque
	c.pending[opaque] = &pendingRequest{
		op:       op,
		read:     read,
		resultCh: resultCh,
	}
	c.lock.Unlock()

	c.writeLock.Lock()
	err := c.memdConn.WritePacket(&memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdCode(op),
		Opaque:  opaque,
		Value:   value,
	})
	c.writeLock.Unlock()

	if err != nil {
		// the caller may be holding locks of its own, so the error callback
		// must not run on this goroutine
		go c.fail(err)
	}

	return resultCh
}

func (c *nodeConn) send(ctx context.Context, op gridproto.OpCode, write BodyWriter, read BodyReader) error {
	select {
	case err := <-c.sendAsync(op, write, read):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *nodeConn) shutdown(cause error) bool {
	c.lock.Lock()
	if c.closed.Load() {
		c.lock.Unlock()
		return false
	}

	closeErr := errors.Wrap(ErrConnectionClosed, cause.Error())
	if errors.Is(cause, ErrConnectionClosed) {
		closeErr = cause
	}

	c.closed.Store(true)
	c.closeErr = closeErr
	pending := c.pending
	c.pending = nil
	c.lock.Unlock()

	err := c.conn.Close()
	if err != nil && !isClosedErr(err) {
		c.logger.Debug("failed to close node connection", zap.Error(err))
	}

	for _, req := range pending {
		req.resultCh <- closeErr
	}

	metrics.GetGridMetrics().ActiveConnections.Add(context.Background(), -1)

	return true
}

func (c *nodeConn) fail(err error) {
	if !c.shutdown(err) {
		return
	}

	if isClosedErr(err) {
		c.logger.Debug("node connection closed by peer", zap.Error(err))
	} else {
		c.logger.Warn("node connection failed", zap.Error(err))
	}

	if c.onError != nil {
		c.onError(c, err)
	}
}

// Close shuts the connection down without invoking the error callback.
func (c *nodeConn) Close() error {
	c.shutdown(ErrConnectionClosed)
	return nil
}
