package redispatch

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, seeds ...string) (*monitor, *slotCache) {
	t.Helper()
	cfg := testConfig(t, seeds...)
	require.NoError(t, cfg.Validate())
	cache := &slotCache{}
	reg := newPoolRegistry(cfg, NewDiscardLogger())
	t.Cleanup(reg.close)
	return newMonitor(cfg, NewDiscardLogger(), cache, reg), cache
}

func TestRefreshMappingPublishes(t *testing.T) {
	node := newStubNode(t)
	node.reply("CLUSTER SLOTS", slotsAll(node.Addr()))

	mon, cache := newTestMonitor(t, node.Addr())
	require.NoError(t, mon.RefreshMapping(contextT(t), 0))

	assert.Equal(t, uint64(1), cache.version())
	v, pool := cache.poolFor(866)
	assert.Equal(t, uint64(1), v)
	host, port, err := splitHostPort(node.Addr())
	require.NoError(t, err)
	assert.Equal(t, PoolName(host, port), pool)

	// a pool exists for every discovered endpoint
	assert.Contains(t, mon.reg.stats(), pool)
}

func TestRefreshMappingStaleVersionReturnsImmediately(t *testing.T) {
	node := newStubNode(t)
	node.reply("CLUSTER SLOTS", slotsAll(node.Addr()))

	mon, cache := newTestMonitor(t, node.Addr())
	require.NoError(t, mon.RefreshMapping(contextT(t), 0))
	require.Equal(t, uint64(1), cache.version())
	calls := node.callCount("CLUSTER SLOTS")

	// the refresh this request asks for has already happened
	require.NoError(t, mon.RefreshMapping(contextT(t), 0))
	assert.Equal(t, uint64(1), cache.version())
	assert.Equal(t, calls, node.callCount("CLUSTER SLOTS"))
}

func TestRefreshMappingCoalescesConcurrentRequests(t *testing.T) {
	node := newStubNode(t)
	node.handle("CLUSTER SLOTS", func([]string) interface{} {
		time.Sleep(100 * time.Millisecond)
		return slotsAll(node.Addr())
	})

	mon, cache := newTestMonitor(t, node.Addr())
	require.NoError(t, mon.RefreshMapping(contextT(t), 0))
	require.Equal(t, uint64(1), cache.version())
	before := node.callCount("CLUSTER SLOTS")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, mon.RefreshMapping(contextT(t), 1))
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(2), cache.version())
	assert.Equal(t, before+1, node.callCount("CLUSTER SLOTS"))
}

func TestRefreshMappingSeedsTriedInOrder(t *testing.T) {
	dead := deadAddr(t)
	node := newStubNode(t)
	node.reply("CLUSTER SLOTS", slotsAll(node.Addr()))

	mon, cache := newTestMonitor(t, dead, node.Addr())
	require.NoError(t, mon.RefreshMapping(contextT(t), 0))
	assert.Equal(t, uint64(1), cache.version())
	assert.Equal(t, 1, node.callCount("CLUSTER SLOTS"))
}

func TestRefreshMappingAllSeedsDown(t *testing.T) {
	mon, cache := newTestMonitor(t, deadAddr(t), deadAddr(t))
	err := mon.RefreshMapping(contextT(t), 0)
	require.Error(t, err)
	// total failure: the version is not bumped, a later request re-attempts
	assert.Equal(t, uint64(0), cache.version())
}

// deadAddr returns an address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}
