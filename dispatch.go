package redispatch

import (
	"context"
	"log/slog"

	"github.com/gomodule/redigo/redis"
)

// Client routes commands and pipelines to the cluster shard owning their
// keys and absorbs the cluster redirection protocol: ASK is followed inline,
// MOVED, CLUSTERDOWN and connection loss request a topology refresh and
// surface ErrRetry. The client never sleeps and never retries on its own;
// retry scheduling belongs to the caller.
type Client struct {
	cfg   *Config
	log   *slog.Logger
	cache *slotCache
	reg   *poolRegistry
	mon   *monitor
}

// Reply is the outcome of one command inside a pipeline or transaction.
// Server-side errors (WRONGTYPE and friends) ride in Err; Value carries the
// payload otherwise.
type Reply struct {
	Value interface{}
	Err   error
}

// New builds a Client, creates a pool per seed node and performs the
// mandatory initial topology refresh. A nil logger discards output.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NewDiscardLogger()
	}
	cache := &slotCache{}
	reg := newPoolRegistry(cfg, logger)
	mon := newMonitor(cfg, logger, cache, reg)

	for _, n := range cfg.ClusterNodes {
		reg.ensure(n.Host, n.Port)
	}
	if err := mon.RefreshMapping(ctx, 0); err != nil {
		reg.close()
		return nil, err
	}
	return &Client{cfg: cfg, log: logger, cache: cache, reg: reg, mon: mon}, nil
}

// Command routes a single command by its key. Verbs that address no key
// (INFO, CONFIG, SHUTDOWN, SLAVEOF) are rejected; route those explicitly
// with CommandOnNode.
func (c *Client) Command(ctx context.Context, cmd Command) (interface{}, error) {
	key, ok := ExtractKey(cmd)
	if !ok {
		return nil, ErrInvalidClusterCommand
	}
	replies, err := c.dispatch(ctx, Slot(key), []Command{cmd}, false)
	if err != nil {
		return nil, err
	}
	return replies[0].Value, replies[0].Err
}

// Pipeline dispatches the commands as one batch to the single slot their
// keys share. Keys disagreeing on the slot fail with ErrCrossSlot before any
// network I/O.
func (c *Client) Pipeline(ctx context.Context, cmds []Command) ([]Reply, error) {
	slot, err := c.sharedSlot(cmds)
	if err != nil {
		return nil, err
	}
	return c.dispatch(ctx, slot, cmds, false)
}

// Transaction wraps the commands in MULTI/EXEC and dispatches them as one
// batch, with the same key-coherence requirement as Pipeline. The returned
// replies are the EXEC results, one per user command.
func (c *Client) Transaction(ctx context.Context, cmds []Command) ([]Reply, error) {
	slot, err := c.sharedSlot(cmds)
	if err != nil {
		return nil, err
	}
	wrapped := make([]Command, 0, len(cmds)+2)
	wrapped = append(wrapped, Cmd("MULTI"))
	wrapped = append(wrapped, cmds...)
	wrapped = append(wrapped, Cmd("EXEC"))
	return c.dispatch(ctx, slot, wrapped, true)
}

// CommandOnNode runs a command against a named node (host:port), bypassing
// key routing. This is the explicit opt-in for admin verbs that address no
// key; replies are passed through verbatim.
func (c *Client) CommandOnNode(ctx context.Context, addr string, cmd Command) (interface{}, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}
	conn, err := c.reg.checkout(ctx, c.reg.ensure(host, port))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return doContext(conn, ctx, cmd.Name, cmd.Args...)
}

// FlushDB issues FLUSHDB to every unique node of the current snapshot.
// Best-effort: per-node failures are absorbed and "OK" is returned
// unconditionally.
func (c *Client) FlushDB(ctx context.Context) (string, error) {
	m := c.cache.snapshot()
	if m == nil {
		return "OK", nil
	}
	for _, n := range m.Nodes() {
		c.flushNode(ctx, n)
	}
	return "OK", nil
}

func (c *Client) flushNode(ctx context.Context, n Node) {
	conn, err := c.reg.checkout(ctx, c.reg.ensure(n.Host, n.Port))
	if err != nil {
		c.log.Warn("flushdb checkout failed", "node", n.Addr(), "err", err)
		return
	}
	defer conn.Close()
	fanoutNodesTotal.Inc()
	if _, err := doContext(conn, ctx, "FLUSHDB"); err != nil {
		c.log.Warn("flushdb failed", "node", n.Addr(), "err", err)
	}
}

// Stats returns the redis.PoolStats of every registered pool.
func (c *Client) Stats() map[string]redis.PoolStats {
	return c.reg.stats()
}

// ActiveCount returns the total active connection count across pools.
func (c *Client) ActiveCount() int {
	return c.reg.activeCount()
}

// IdleCount returns the total idle connection count across pools.
func (c *Client) IdleCount() int {
	return c.reg.idleCount()
}

// DescribeTopology renders the current slot mapping as a readable string.
func (c *Client) DescribeTopology() string {
	m := c.cache.snapshot()
	if m == nil {
		return "no topology"
	}
	return m.Describe()
}

// Topology returns the current snapshot, nil before the initial refresh.
func (c *Client) Topology() *SlotMap {
	return c.cache.snapshot()
}

// Close shuts every pool down. The client must not be used afterwards.
func (c *Client) Close() {
	c.reg.close()
}

// sharedSlot extracts the keys of a pipeline and requires them to agree on
// one slot.
func (c *Client) sharedSlot(cmds []Command) (int, error) {
	keys, err := ExtractPipelineKeys(cmds)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, ErrInvalidClusterCommand
	}
	slot := Slot(keys[0])
	for _, k := range keys[1:] {
		if Slot(k) != slot {
			return 0, ErrCrossSlot
		}
	}
	return slot, nil
}

func (c *Client) dispatch(ctx context.Context, slot int, cmds []Command, txn bool) ([]Reply, error) {
	version, pool := c.cache.poolFor(slot)
	if pool == "" {
		c.requestRefresh(ctx, version)
		retryTotal.Inc()
		return nil, ErrRetry
	}
	return c.dispatchTo(ctx, version, pool, cmds, txn, true)
}

// dispatchTo runs the batch on one pool and classifies the outcome. The only
// recursion is the single ASK hop, disabled on the redirected attempt.
func (c *Client) dispatchTo(ctx context.Context, version uint64, pool string, cmds []Command, txn, followAsk bool) ([]Reply, error) {
	replies, err := c.execute(ctx, pool, cmds)
	if err != nil {
		c.log.Warn("dispatch transport failure", "pool", pool, "err", err)
		c.requestRefresh(ctx, version)
		retryTotal.Inc()
		return nil, ErrRetry
	}

	for _, rep := range replies {
		if rep.Err == nil {
			continue
		}
		redir, down := classifyReply(rep.Err)
		if down {
			clusterDownTotal.Inc()
			c.requestRefresh(ctx, version)
			retryTotal.Inc()
			return nil, ErrRetry
		}
		if redir == nil {
			continue
		}
		if redir.OneShot {
			// ASK: follow once, never cache. A second one-shot redirect
			// from the target passes through like any other reply.
			if !followAsk {
				continue
			}
			host, port, aerr := splitHostPort(redir.To)
			if aerr != nil {
				return nil, aerr
			}
			askTotal.Inc()
			c.log.Debug("following ASK", "slot", redir.Slot, "addr", redir.To)
			return c.dispatchTo(ctx, version, c.reg.ensure(host, port), cmds, txn, false)
		}
		movedTotal.Inc()
		c.log.Debug("MOVED observed", "slot", redir.Slot, "addr", redir.To, "version", version)
		c.requestRefresh(ctx, version)
		retryTotal.Inc()
		return nil, ErrRetry
	}

	if txn {
		return execReplies(replies)
	}
	return replies, nil
}

// execute checks a connection out of the pool, runs the batch and collects
// one Reply per command. The connection is returned on every exit path. A
// non-server error aborts the batch: the transport state is unknown.
func (c *Client) execute(ctx context.Context, pool string, cmds []Command) ([]Reply, error) {
	conn, err := c.reg.checkout(ctx, pool)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if len(cmds) == 1 {
		rep, err := doContext(conn, ctx, cmds[0].Name, cmds[0].Args...)
		if err != nil {
			if _, ok := err.(redis.Error); !ok {
				return nil, err
			}
			return []Reply{{Err: err}}, nil
		}
		return []Reply{{Value: rep}}, nil
	}

	for _, cmd := range cmds {
		if err := conn.Send(cmd.Name, cmd.Args...); err != nil {
			return nil, err
		}
	}
	if err := conn.Flush(); err != nil {
		return nil, err
	}
	replies := make([]Reply, len(cmds))
	for i := range cmds {
		rep, err := receiveContext(conn, ctx)
		if err != nil {
			if _, ok := err.(redis.Error); !ok {
				return nil, err
			}
			replies[i] = Reply{Err: err}
			continue
		}
		replies[i] = Reply{Value: rep}
	}
	return replies, nil
}

// execReplies unwraps a MULTI/EXEC batch: the EXEC reply carries one result
// per queued command.
func execReplies(raw []Reply) ([]Reply, error) {
	last := raw[len(raw)-1]
	if last.Err != nil {
		return nil, last.Err
	}
	vals, err := redis.Values(last.Value, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Reply, len(vals))
	for i, v := range vals {
		if e, ok := v.(redis.Error); ok {
			out[i] = Reply{Err: e}
		} else {
			out[i] = Reply{Value: v}
		}
	}
	return out, nil
}

// requestRefresh asks the monitor for a refresh at the observed version.
// Refresh failures are logged, not propagated: the call outcome is already
// ErrRetry either way.
func (c *Client) requestRefresh(ctx context.Context, version uint64) {
	if err := c.mon.RefreshMapping(ctx, version); err != nil {
		c.log.Warn("topology refresh failed", "version", version, "err", err)
	}
}

func doContext(conn redis.Conn, ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	if cwt, ok := conn.(redis.ConnWithContext); ok {
		return cwt.DoContext(ctx, cmd, args...)
	}
	return conn.Do(cmd, args...)
}

func receiveContext(conn redis.Conn, ctx context.Context) (interface{}, error) {
	if cwt, ok := conn.(redis.ConnWithContext); ok {
		return cwt.ReceiveContext(ctx)
	}
	return conn.Receive()
}
