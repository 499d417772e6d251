package redispatch

import "sync/atomic"

// slotCache holds the current SlotMap snapshot. Reads are wait-free: the
// whole map is published through a single atomic pointer, so a reader always
// observes a version and a mapping that belong together.
type slotCache struct {
	v atomic.Pointer[SlotMap]
}

func (c *slotCache) snapshot() *SlotMap {
	return c.v.Load()
}

func (c *slotCache) publish(m *SlotMap) {
	c.v.Store(m)
}

// version returns the current topology version, 0 before the first refresh.
func (c *slotCache) version() uint64 {
	m := c.v.Load()
	if m == nil {
		return 0
	}
	return m.Version
}

// poolFor resolves a slot to the owning pool name at the current version.
// An empty pool name means the slot is unmapped; the dispatcher treats that
// as a retriable miss that forces a refresh.
func (c *slotCache) poolFor(slot int) (uint64, string) {
	m := c.v.Load()
	if m == nil {
		return 0, ""
	}
	return m.Version, m.PoolFor(slot)
}
