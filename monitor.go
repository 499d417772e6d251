package redispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// monitor owns the single writer of the slot map. All refresh requests go
// through RefreshMapping; at most one refresh runs at a time and requests
// carrying an already-superseded version return without touching the
// network.
type monitor struct {
	cfg   *Config
	log   *slog.Logger
	cache *slotCache
	reg   *poolRegistry

	mu         sync.Mutex
	cond       *sync.Cond
	refreshing bool
}

func newMonitor(cfg *Config, log *slog.Logger, cache *slotCache, reg *poolRegistry) *monitor {
	m := &monitor{cfg: cfg, log: log, cache: cache, reg: reg}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// RefreshMapping refreshes the slot map if the topology version is still
// seen. A request carrying an older version returns immediately: the refresh
// it asks for has already happened. Concurrent requests for the current
// version coalesce onto the single in-flight refresh and block until it
// completes.
func (m *monitor) RefreshMapping(ctx context.Context, seen uint64) error {
	m.mu.Lock()
	for {
		if m.cache.version() != seen {
			m.mu.Unlock()
			refreshStaleTotal.Inc()
			return nil
		}
		if !m.refreshing {
			break
		}
		m.cond.Wait()
	}
	m.refreshing = true
	m.mu.Unlock()

	err := m.refresh(ctx, seen)

	m.mu.Lock()
	m.refreshing = false
	m.cond.Broadcast()
	m.mu.Unlock()
	return err
}

// refresh queries the seed nodes in order and publishes the first usable
// CLUSTER SLOTS reply as version seen+1. On total failure the version stays
// put and the error is returned; a later request will re-attempt.
func (m *monitor) refresh(ctx context.Context, seen uint64) error {
	for _, seed := range m.cfg.ClusterNodes {
		name := m.reg.ensure(seed.Host, seed.Port)
		attempt, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout.Duration)
		ranges, err := m.fetchSlots(attempt, name, seed.Addr())
		cancel()
		if err != nil {
			m.log.Warn("seed refresh failed", "seed", seed.Addr(), "err", err)
			continue
		}
		next := buildSlotMap(seen+1, ranges)
		for _, n := range next.Nodes() {
			m.reg.ensure(n.Host, n.Port)
		}
		m.cache.publish(next)
		refreshTotal.Inc()
		m.log.Info("topology refreshed", "version", next.Version, "ranges", len(next.Ranges))
		return nil
	}
	refreshFailedTotal.Inc()
	return errors.New("all seed nodes failed")
}

func (m *monitor) fetchSlots(ctx context.Context, pool, seedAddr string) ([]SlotRange, error) {
	conn, err := m.reg.checkout(ctx, pool)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	rep, err := doContext(conn, ctx, "CLUSTER", "SLOTS")
	if err != nil {
		return nil, err
	}
	return parseClusterSlots(rep, seedAddr)
}
