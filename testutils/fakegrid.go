package testutils

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/gridlink/common/gridproto"
	"github.com/couchbase/gridlink/utils/binstream"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Ops understood by the fake grid in addition to the handshake and partition
// ops.
const (
	OpCachePut = gridproto.OpCode(0xf0)
	OpCacheGet = gridproto.OpCode(0xf1)
	OpWhoAmI   = gridproto.OpCode(0xf2)
)

type FakeGridOptions struct {
	Nodes    int
	Username string
	Password string

	// OmitNodeIDs makes nodes answer HELLO without a node id.
	OmitNodeIDs bool

	// TLSConfig makes every node accept tls connections only.
	TLSConfig *tls.Config

	Logger *zap.Logger
}

// FakeGrid is an in-process cluster of nodes speaking the grid protocol on
// loopback listeners.
type FakeGrid struct {
	logger   *zap.Logger
	username string
	password string
	omitIDs  bool
	nodes    []*FakeNode

	partitionRequests atomic.Int64

	lock                  sync.Mutex
	version               gridproto.AffinityTopologyVersion
	groups                map[int32]gridproto.PartitionGroup
	store                 map[string][]byte
	partitionsDelay       time.Duration
	lastPartitionsRequest []int32
}

type FakeNode struct {
	grid     *FakeGrid
	id       uuid.UUID
	listener net.Listener

	served  atomic.Int64
	accepts atomic.Int64

	lock    sync.Mutex
	conns   map[net.Conn]struct{}
	stopped bool
}

func NewFakeGrid(t *testing.T, opts FakeGridOptions) *FakeGrid {
	logger := opts.Logger
	if logger == nil {
		logger = GetTestLogger(t)
	}

	numNodes := opts.Nodes
	if numNodes <= 0 {
		numNodes = 1
	}

	g := &FakeGrid{
		logger:   logger.Named("fakegrid"),
		username: opts.Username,
		password: opts.Password,
		omitIDs:  opts.OmitNodeIDs,
		version:  gridproto.AffinityTopologyVersion{Major: 1},
		groups:   make(map[int32]gridproto.PartitionGroup),
		store:    make(map[string][]byte),
	}

	for i := 0; i < numNodes; i++ {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		if opts.TLSConfig != nil {
			lis = tls.NewListener(lis, opts.TLSConfig)
		}

		node := &FakeNode{
			grid:     g,
			id:       uuid.New(),
			listener: lis,
			conns:    make(map[net.Conn]struct{}),
		}
		g.nodes = append(g.nodes, node)

		go node.acceptLoop()
	}

	t.Cleanup(g.Close)

	return g
}

func (g *FakeGrid) Nodes() []*FakeNode {
	return g.nodes
}

func (g *FakeGrid) Node(idx int) *FakeNode {
	return g.nodes[idx]
}

// Addrs returns the host:port of every node.
func (g *FakeGrid) Addrs() []string {
	addrs := make([]string, len(g.nodes))
	for i, node := range g.nodes {
		addrs[i] = node.Addr()
	}
	return addrs
}

func (g *FakeGrid) NodeByID(id uuid.UUID) *FakeNode {
	for _, node := range g.nodes {
		if node.id == id {
			return node
		}
	}
	return nil
}

func (g *FakeGrid) Version() gridproto.AffinityTopologyVersion {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.version
}

// SetVersion sets the topology version reported by partition responses and
// announced on later responses.  It may move backwards.
func (g *FakeGrid) SetVersion(v gridproto.AffinityTopologyVersion) {
	g.lock.Lock()
	g.version = v
	g.lock.Unlock()
}

// BumpTopology raises the major topology version by one and returns it.
func (g *FakeGrid) BumpTopology() gridproto.AffinityTopologyVersion {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.version = gridproto.AffinityTopologyVersion{Major: g.version.Major + 1}
	return g.version
}

// SetCachePartitions assigns partition i of cacheID to node owners[i].  An
// owner of -1 leaves the partition unassigned.
func (g *FakeGrid) SetCachePartitions(cacheID int32, owners []int) {
	byNode := make(map[int][]int32)
	var order []int
	for part, owner := range owners {
		if owner < 0 {
			continue
		}
		if _, ok := byNode[owner]; !ok {
			order = append(order, owner)
		}
		byNode[owner] = append(byNode[owner], int32(part))
	}

	group := gridproto.PartitionGroup{
		Applicable: true,
		Caches: []gridproto.CacheKeyConfigs{
			{CacheID: cacheID},
		},
	}
	for _, owner := range order {
		group.NodePartitions = append(group.NodePartitions, gridproto.NodePartitions{
			NodeID:     g.nodes[owner].id,
			Partitions: byNode[owner],
		})
	}

	g.lock.Lock()
	g.groups[cacheID] = group
	g.lock.Unlock()
}

// SetCustomAffinity marks cacheID as using an affinity function clients cannot
// reproduce.
func (g *FakeGrid) SetCustomAffinity(cacheID int32) {
	g.lock.Lock()
	g.groups[cacheID] = gridproto.PartitionGroup{
		Applicable: false,
		Caches: []gridproto.CacheKeyConfigs{
			{CacheID: cacheID},
		},
	}
	g.lock.Unlock()
}

// SetPartitionsDelay delays every partitions response.
func (g *FakeGrid) SetPartitionsDelay(d time.Duration) {
	g.lock.Lock()
	g.partitionsDelay = d
	g.lock.Unlock()
}

func (g *FakeGrid) PartitionRequests() int64 {
	return g.partitionRequests.Load()
}

func (g *FakeGrid) LastPartitionsRequest() []int32 {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.lastPartitionsRequest
}

func (g *FakeGrid) Close() {
	for _, node := range g.nodes {
		node.Stop()
	}
}

func (n *FakeNode) ID() uuid.UUID {
	return n.id
}

func (n *FakeNode) Addr() string {
	return n.listener.Addr().String()
}

// Served counts the cache requests this node answered.
func (n *FakeNode) Served() int64 {
	return n.served.Load()
}

// Accepts counts the connections this node accepted.
func (n *FakeNode) Accepts() int64 {
	return n.accepts.Load()
}

// KillConnections drops every open connection to the node.  The node keeps
// accepting new ones.
func (n *FakeNode) KillConnections() {
	n.lock.Lock()
	conns := n.conns
	n.conns = make(map[net.Conn]struct{})
	n.lock.Unlock()

	for conn := range conns {
		_ = conn.Close()
	}
}

// Stop closes the listener and every connection.
func (n *FakeNode) Stop() {
	n.lock.Lock()
	if n.stopped {
		n.lock.Unlock()
		return
	}
	n.stopped = true
	n.lock.Unlock()

	_ = n.listener.Close()
	n.KillConnections()
}

func (n *FakeNode) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				n.grid.logger.Debug("fake node accept failed", zap.Error(err))
			}
			return
		}

		n.lock.Lock()
		if n.stopped {
			n.lock.Unlock()
			_ = conn.Close()
			return
		}
		n.conns[conn] = struct{}{}
		n.lock.Unlock()

		n.accepts.Add(1)
		go n.serve(conn)
	}
}

type wrappedReadWriter struct {
	*bufio.Reader
	io.Writer
}

type fakeSession struct {
	node          *FakeNode
	memdConn      *memd.Conn
	authenticated bool
	announced     gridproto.AffinityTopologyVersion
}

func (n *FakeNode) serve(conn net.Conn) {
	defer func() {
		n.lock.Lock()
		delete(n.conns, conn)
		n.lock.Unlock()
		_ = conn.Close()
	}()

	s := &fakeSession{
		node: n,
		memdConn: memd.NewConn(wrappedReadWriter{
			Reader: bufio.NewReader(conn),
			Writer: conn,
		}),
		authenticated: n.grid.username == "",
		announced:     n.grid.Version(),
	}

	for {
		pak, _, err := s.memdConn.ReadPacket()
		if err != nil {
			return
		}

		err = s.handle(pak)
		if err != nil {
			return
		}
	}
}

func (s *fakeSession) reply(req *memd.Packet, status memd.StatusCode, value []byte) error {
	resp := &memd.Packet{
		Magic:   memd.CmdMagicRes,
		Command: req.Command,
		Status:  status,
		Opaque:  req.Opaque,
		Value:   value,
	}

	// announce topology changes the client has not been told about
	if current := s.node.grid.Version(); s.announced.Less(current) {
		resp.Extras = current.AppendExtras(nil)
		s.announced = current
	}

	return s.memdConn.WritePacket(resp)
}

func (s *fakeSession) handle(pak *memd.Packet) error {
	op := gridproto.OpCode(pak.Command)

	switch op {
	case gridproto.OpHello:
		if s.node.grid.omitIDs {
			return s.reply(pak, memd.StatusSuccess, nil)
		}
		return s.reply(pak, memd.StatusSuccess, s.node.id[:])

	case gridproto.OpSASLAuth:
		expected := gridproto.EncodePlainAuth(s.node.grid.username, s.node.grid.password)
		if string(pak.Key) != gridproto.SASLPlainMechanism || string(pak.Value) != string(expected) {
			return s.reply(pak, memd.StatusAuthError, []byte("invalid credentials"))
		}
		s.authenticated = true
		return s.reply(pak, memd.StatusSuccess, nil)
	}

	if !s.authenticated {
		return s.reply(pak, memd.StatusAccessError, []byte("not authenticated"))
	}

	switch op {
	case gridproto.OpCachePartitions:
		return s.handlePartitions(pak)
	case OpCachePut, OpCacheGet:
		return s.handleCache(pak, op)
	case OpWhoAmI:
		s.node.served.Add(1)
		return s.reply(pak, memd.StatusSuccess, s.node.id[:])
	}

	return s.reply(pak, memd.StatusUnknownCommand, nil)
}

func (s *fakeSession) handlePartitions(pak *memd.Packet) error {
	var req gridproto.PartitionsRequest
	err := req.Decode(binstream.NewReader(pak.Value))
	if err != nil {
		return s.reply(pak, memd.StatusInvalidArgs, []byte(err.Error()))
	}

	g := s.node.grid
	g.partitionRequests.Add(1)

	g.lock.Lock()
	delay := g.partitionsDelay
	g.lastPartitionsRequest = req.CacheIDs
	resp := gridproto.PartitionsResponse{
		Version: g.version,
	}
	for _, cacheID := range req.CacheIDs {
		if group, ok := g.groups[cacheID]; ok {
			resp.Groups = append(resp.Groups, group)
		}
	}
	g.lock.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	w := binstream.NewWriter()
	resp.Encode(w)
	return s.reply(pak, memd.StatusSuccess, w.Bytes())
}

func storeKey(cacheID int32, key []byte) string {
	w := binstream.NewWriter()
	w.WriteInt32(cacheID)
	w.WriteBytes(key)
	return string(w.Bytes())
}

// EncodeCacheRequest builds the body of OpCachePut (with value) or
// OpCacheGet (value nil).
func EncodeCacheRequest(w *binstream.Writer, cacheID int32, key, value []byte) {
	w.WriteInt32(cacheID)
	w.WriteBytes(key)
	if value != nil {
		w.WriteBytes(value)
	}
}

func (s *fakeSession) handleCache(pak *memd.Packet, op gridproto.OpCode) error {
	rd := binstream.NewReader(pak.Value)
	cacheID := rd.ReadInt32()
	key := rd.ReadBytes()

	var value []byte
	if op == OpCachePut {
		value = rd.ReadBytes()
	}
	if rd.Err() != nil {
		return s.reply(pak, memd.StatusInvalidArgs, []byte(rd.Err().Error()))
	}

	s.node.served.Add(1)

	g := s.node.grid
	g.lock.Lock()
	if op == OpCachePut {
		g.store[storeKey(cacheID, key)] = value
		g.lock.Unlock()
		return s.reply(pak, memd.StatusSuccess, nil)
	}

	value, ok := g.store[storeKey(cacheID, key)]
	g.lock.Unlock()

	if !ok {
		return s.reply(pak, memd.StatusKeyNotFound, nil)
	}

	w := binstream.NewWriter()
	w.WriteBytes(value)
	return s.reply(pak, memd.StatusSuccess, w.Bytes())
}
