package client

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/couchbase/gridlink/testutils"
	"github.com/couchbase/gridlink/utils/binstream"
	"github.com/couchbase/gridlink/utils/selfsignedcert"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, grid *testutils.FakeGrid, configure func(cfg *Config)) *Client {
	cfg := Config{
		Endpoints:      grid.Addrs(),
		ConnectTimeout: 2 * time.Second,
		Logger:         testutils.GetTestLogger(t),
	}
	if configure != nil {
		configure(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})

	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func whoAmI(ctx context.Context, c *Client) (uuid.UUID, error) {
	var nodeID uuid.UUID
	err := c.Send(ctx, testutils.OpWhoAmI, nil, func(r *binstream.Reader) error {
		nodeID = r.ReadUUID()
		return nil
	})
	return nodeID, err
}

// waitForConnLoss waits until the client notices its failover connection is
// gone.
func waitForConnLoss(t *testing.T, c *Client) {
	require.Eventually(t, func() bool {
		conn := c.failover.current.Load()
		return conn == nil || conn.isClosed()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClientPutGet(t *testing.T) {
	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{Nodes: 1})
	c := newTestClient(t, grid, nil)
	ctx := testContext(t)

	err := c.Send(ctx, testutils.OpCachePut, func(w *binstream.Writer) error {
		testutils.EncodeCacheRequest(w, 5, []byte("key"), []byte("value"))
		return nil
	}, nil)
	require.NoError(t, err)

	var value []byte
	err = c.Send(ctx, testutils.OpCacheGet, func(w *binstream.Writer) error {
		testutils.EncodeCacheRequest(w, 5, []byte("key"), nil)
		return nil
	}, func(r *binstream.Reader) error {
		value = r.ReadBytes()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), value)
}

func TestClientServerError(t *testing.T) {
	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{Nodes: 1})
	c := newTestClient(t, grid, nil)

	err := c.Send(testContext(t), testutils.OpCacheGet, func(w *binstream.Writer) error {
		testutils.EncodeCacheRequest(w, 5, []byte("missing"), nil)
		return nil
	}, nil)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, testutils.OpCacheGet, serverErr.Op)
}

func TestClientSendAsync(t *testing.T) {
	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{Nodes: 1})
	c := newTestClient(t, grid, nil)

	var nodeID uuid.UUID
	resultCh := c.SendAsync(testContext(t), testutils.OpWhoAmI, nil, func(r *binstream.Reader) error {
		nodeID = r.ReadUUID()
		return nil
	})

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("async send did not complete")
	}
	assert.Equal(t, grid.Node(0).ID(), nodeID)
}

func TestClientAuthentication(t *testing.T) {
	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{
		Nodes:    1,
		Username: "user",
		Password: "secret",
	})

	t.Run("valid", func(t *testing.T) {
		c := newTestClient(t, grid, func(cfg *Config) {
			cfg.Username = "user"
			cfg.Password = "secret"
		})

		_, err := whoAmI(testContext(t), c)
		require.NoError(t, err)
	})

	t.Run("invalid", func(t *testing.T) {
		c := newTestClient(t, grid, func(cfg *Config) {
			cfg.Username = "user"
			cfg.Password = "wrong"
		})

		_, err := whoAmI(testContext(t), c)
		require.ErrorIs(t, err, ErrAuthenticationFailed)

		var connectErr *ConnectError
		require.ErrorAs(t, err, &connectErr)
	})
}

func TestClientAddrs(t *testing.T) {
	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{Nodes: 1})
	c := newTestClient(t, grid, nil)

	assert.Nil(t, c.RemoteAddr())
	assert.Nil(t, c.LocalAddr())

	require.NoError(t, c.WaitUntilReady(testContext(t)))

	require.NotNil(t, c.RemoteAddr())
	assert.Equal(t, grid.Node(0).Addr(), c.RemoteAddr().String())
	assert.NotNil(t, c.LocalAddr())
}

func TestClientWaitUntilReadyTimesOut(t *testing.T) {
	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{Nodes: 1})
	addrs := grid.Addrs()
	grid.Close()

	c := newTestClient(t, grid, func(cfg *Config) {
		cfg.Endpoints = addrs
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := c.WaitUntilReady(ctx)
	require.Error(t, err)
}

func TestClientWatchTopology(t *testing.T) {
	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{Nodes: 1})
	c := newTestClient(t, grid, nil)
	ctx := testContext(t)

	_, err := whoAmI(ctx, c)
	require.NoError(t, err)

	watchCh := c.WatchTopology(ctx)

	bumped := grid.BumpTopology()
	_, err = whoAmI(ctx, c)
	require.NoError(t, err)

	select {
	case v := <-watchCh:
		assert.Equal(t, bumped, v)
	case <-time.After(2 * time.Second):
		t.Fatalf("topology change was not delivered")
	}

	v, ok := c.TopologyVersion()
	require.True(t, ok)
	assert.Equal(t, bumped, v)

	require.NoError(t, c.Close())

	select {
	case _, ok := <-watchCh:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatalf("watch channel was not closed")
	}
}

func TestClientWatchTopologyStartsWithCurrent(t *testing.T) {
	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{Nodes: 1})
	grid.SetCachePartitions(1, []int{0})
	c := newTestClient(t, grid, nil)
	ctx := testContext(t)

	_, err := c.EnsurePartitions(ctx, 1)
	require.NoError(t, err)

	select {
	case v := <-c.WatchTopology(ctx):
		assert.Equal(t, grid.Version(), v)
	case <-time.After(2 * time.Second):
		t.Fatalf("current topology version was not delivered")
	}
}

func TestClientClosed(t *testing.T) {
	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{Nodes: 1})
	c := newTestClient(t, grid, nil)
	ctx := testContext(t)

	_, err := whoAmI(ctx, c)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = whoAmI(ctx, c)
	require.ErrorIs(t, err, ErrDisposed)

	err = c.WaitUntilReady(ctx)
	require.ErrorIs(t, err, ErrDisposed)

	_, err = c.EnsurePartitions(ctx, 1)
	require.ErrorIs(t, err, ErrDisposed)
}

func TestClientTLS(t *testing.T) {
	cert, err := selfsignedcert.Generate("127.0.0.1")
	require.NoError(t, err)

	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{
		Nodes:     2,
		TLSConfig: cert.ServerConfig(),
	})

	t.Run("Trusted", func(t *testing.T) {
		c := newTestClient(t, grid, func(cfg *Config) {
			cfg.TLSConfig = cert.ClientConfig()
		})
		ctx := testContext(t)

		nodeID, err := whoAmI(ctx, c)
		require.NoError(t, err)
		assert.NotNil(t, grid.NodeByID(nodeID))
	})

	t.Run("Untrusted", func(t *testing.T) {
		c := newTestClient(t, grid, func(cfg *Config) {
			cfg.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		})
		ctx := testContext(t)

		_, err := whoAmI(ctx, c)
		var connectErr *ConnectError
		require.ErrorAs(t, err, &connectErr)
		assert.Len(t, connectErr.Errors(), 2)
	})
}
