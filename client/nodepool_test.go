package client

import (
	"sync"
	"testing"
	"time"

	"github.com/couchbase/gridlink/testutils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodePoolWarmsOnce(t *testing.T) {
	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{Nodes: 3})
	c := newTestClient(t, grid, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pool.warm()
		}()
	}
	wg.Wait()
	waitForWarmPool(t, c)

	// warming again after completion does nothing
	c.pool.warm()

	for _, node := range grid.Nodes() {
		assert.Equal(t, int64(1), node.Accepts())
		assert.NotNil(t, c.pool.get(node.ID()))
	}
	assert.Len(t, c.PooledNodes(), 3)
}

func TestNodePoolReusesFailoverConnection(t *testing.T) {
	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{Nodes: 2})
	c := newTestClient(t, grid, nil)

	_, err := whoAmI(testContext(t), c)
	require.NoError(t, err)

	// the failover connection is offered to the pool
	assert.Equal(t, []uuid.UUID{grid.Node(0).ID()}, c.PooledNodes())

	c.pool.warm()
	waitForWarmPool(t, c)

	assert.Equal(t, int64(1), grid.Node(0).Accepts())
	assert.Equal(t, int64(1), grid.Node(1).Accepts())
	assert.Same(t, c.failover.current.Load(), c.pool.get(grid.Node(0).ID()))
}

func TestNodePoolToleratesDeadEndpoints(t *testing.T) {
	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{Nodes: 3})
	grid.Node(1).Stop()

	c := newTestClient(t, grid, nil)
	c.pool.warm()
	waitForWarmPool(t, c)

	assert.ElementsMatch(t, []uuid.UUID{grid.Node(0).ID(), grid.Node(2).ID()}, c.PooledNodes())
}

func TestNodePoolEvictsFailedConnections(t *testing.T) {
	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{Nodes: 2})
	c := newTestClient(t, grid, nil)
	c.pool.warm()
	waitForWarmPool(t, c)
	require.Len(t, c.PooledNodes(), 2)

	grid.Node(1).KillConnections()

	require.Eventually(t, func() bool {
		return len(*c.pool.conns.Load()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, c.pool.get(grid.Node(1).ID()))
	assert.NotNil(t, c.pool.get(grid.Node(0).ID()))
}

func TestNodePoolSkipsNodesWithoutIDs(t *testing.T) {
	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{
		Nodes:       2,
		OmitNodeIDs: true,
	})
	c := newTestClient(t, grid, func(cfg *Config) {
		cfg.AffinityAwareness = true
	})

	nodeID, err := whoAmI(testContext(t), c)
	require.NoError(t, err)
	assert.Equal(t, grid.Node(0).ID(), nodeID)

	c.pool.warm()
	waitForWarmPool(t, c)
	assert.Empty(t, c.PooledNodes())
}

func TestNodePoolClosed(t *testing.T) {
	grid := testutils.NewFakeGrid(t, testutils.FakeGridOptions{Nodes: 2})
	c := newTestClient(t, grid, nil)
	c.pool.warm()
	waitForWarmPool(t, c)

	conns := *c.pool.conns.Load()
	require.NoError(t, c.Close())

	assert.Empty(t, c.PooledNodes())
	for _, conn := range conns {
		assert.True(t, conn.isClosed())
	}
}
