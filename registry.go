package redispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
)

// dialGate tracks dial failures for one endpoint. After a failed dial the
// endpoint backs off for a window that doubles per consecutive failure,
// bounded by the configured maximum. The gate never sleeps; within the
// window dials fail fast.
type dialGate struct {
	mu     sync.Mutex
	until  time.Time
	window time.Duration
}

func (g *dialGate) allow(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !now.Before(g.until)
}

func (g *dialGate) fail(now time.Time, initial, max time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.window == 0 {
		g.window = initial
	} else if g.window*2 <= max {
		g.window *= 2
	} else {
		g.window = max
	}
	g.until = now.Add(g.window)
}

func (g *dialGate) success() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.window = 0
	g.until = time.Time{}
}

// poolRegistry owns the named connection pools. Pools are created lazily and
// never destroyed during a run; an idle pool to a departed endpoint is
// harmless.
type poolRegistry struct {
	cfg *Config
	log *slog.Logger

	mu    sync.Mutex
	pools map[string]*redis.Pool
	gates map[string]*dialGate
}

func newPoolRegistry(cfg *Config, log *slog.Logger) *poolRegistry {
	return &poolRegistry{
		cfg:   cfg,
		log:   log,
		pools: make(map[string]*redis.Pool),
		gates: make(map[string]*dialGate),
	}
}

// ensure registers a pool for host:port under its deterministic name and
// returns that name. Idempotent: an existing pool is left untouched.
func (r *poolRegistry) ensure(host string, port int) string {
	name := PoolName(host, port)
	addr := fmt.Sprintf("%s:%d", host, port)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[name]; ok {
		return name
	}
	r.pools[name] = r.newPool(addr)
	poolsCreatedTotal.Inc()
	r.log.Info("pool created", "pool", name, "addr", addr)
	return name
}

func (r *poolRegistry) newPool(addr string) *redis.Pool {
	return &redis.Pool{
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return r.dial(ctx, addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) > time.Minute {
				_, err := c.Do("PING")
				return err
			}
			return nil
		},
		MaxIdle:     r.cfg.PoolSize,
		MaxActive:   r.cfg.PoolSize + r.cfg.PoolMaxOverflow,
		Wait:        true,
		IdleTimeout: 10 * time.Minute,
	}
}

func (r *poolRegistry) dial(ctx context.Context, addr string) (redis.Conn, error) {
	gate := r.gateFor(addr)
	if !gate.allow(time.Now()) {
		return nil, fmt.Errorf("dial %s: endpoint backing off", addr)
	}
	conn, err := redis.DialContext(ctx, "tcp", addr,
		redis.DialConnectTimeout(r.cfg.SocketOpts.ConnectTimeout.Duration),
		redis.DialReadTimeout(r.cfg.SocketOpts.ReadTimeout.Duration),
		redis.DialWriteTimeout(r.cfg.SocketOpts.WriteTimeout.Duration),
	)
	if err != nil {
		gate.fail(time.Now(), r.cfg.BackoffInitial.Duration, r.cfg.BackoffMax.Duration)
		r.log.Warn("dial failed", "addr", addr, "err", err)
		return nil, err
	}
	gate.success()
	return conn, nil
}

func (r *poolRegistry) gateFor(addr string) *dialGate {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[addr]
	if !ok {
		g = &dialGate{}
		r.gates[addr] = g
	}
	return g
}

// checkout borrows a connection from the named pool. The caller must Close
// the connection to return it, on every exit path.
func (r *poolRegistry) checkout(ctx context.Context, name string) (redis.Conn, error) {
	r.mu.Lock()
	p, ok := r.pools[name]
	r.mu.Unlock()
	if !ok {
		return nil, errors.New("unknown pool " + name)
	}
	return p.GetContext(ctx)
}

// stats returns the redis.PoolStats of every registered pool.
func (r *poolRegistry) stats() map[string]redis.PoolStats {
	ps := make(map[string]redis.PoolStats)
	r.mu.Lock()
	for k, p := range r.pools {
		ps[k] = p.Stats()
	}
	r.mu.Unlock()
	return ps
}

// activeCount returns the total active connection count across pools.
func (r *poolRegistry) activeCount() int {
	n := 0
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		n += p.ActiveCount()
	}
	return n
}

// idleCount returns the total idle connection count across pools.
func (r *poolRegistry) idleCount() int {
	n := 0
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		n += p.IdleCount()
	}
	return n
}

func (r *poolRegistry) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, p := range r.pools {
		p.Close()
		delete(r.pools, k)
	}
}
