package redispatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gomodule/redigo/redis"
)

// Node is one cluster master as discovered via CLUSTER SLOTS.
type Node struct {
	Host string
	Port int
	Pool string
}

// Addr returns the host:port form of the node address.
func (n Node) Addr() string {
	return n.Host + ":" + strconv.Itoa(n.Port)
}

// PoolName derives the stable pool identifier for an endpoint.
func PoolName(host string, port int) string {
	return "Pool" + host + ":" + strconv.Itoa(port)
}

// SlotRange is an inclusive slot interval owned by one node.
type SlotRange struct {
	Start, End int
	Node       Node
}

// SlotMap is one immutable snapshot of the cluster topology. It is never
// mutated after construction; the Monitor publishes replacements wholesale.
type SlotMap struct {
	Version uint64
	Ranges  []SlotRange

	// index[s] is the 1-based position in Ranges of the range containing
	// slot s, 0 when the slot is unassigned at this version.
	index [TotalSlots]uint16
}

func buildSlotMap(version uint64, ranges []SlotRange) *SlotMap {
	m := &SlotMap{Version: version, Ranges: ranges}
	for i, sr := range ranges {
		for s := sr.Start; s <= sr.End && s < TotalSlots; s++ {
			m.index[s] = uint16(i + 1)
		}
	}
	return m
}

// RangeFor returns the range containing the slot, if any.
func (m *SlotMap) RangeFor(slot int) (SlotRange, bool) {
	if slot < 0 || slot >= TotalSlots {
		return SlotRange{}, false
	}
	ix := m.index[slot]
	if ix == 0 {
		return SlotRange{}, false
	}
	return m.Ranges[ix-1], true
}

// PoolFor returns the pool name owning the slot, or "" when the slot is
// unassigned at this version.
func (m *SlotMap) PoolFor(slot int) string {
	sr, ok := m.RangeFor(slot)
	if !ok {
		return ""
	}
	return sr.Node.Pool
}

// Nodes returns the unique nodes of the snapshot in range order.
func (m *SlotMap) Nodes() []Node {
	seen := make(map[string]bool, len(m.Ranges))
	var nodes []Node
	for _, sr := range m.Ranges {
		if seen[sr.Node.Pool] {
			continue
		}
		seen[sr.Node.Pool] = true
		nodes = append(nodes, sr.Node)
	}
	return nodes
}

// Describe renders the slot mapping as a readable string.
func (m *SlotMap) Describe() string {
	var s []string
	s = append(s, fmt.Sprintf("version %d", m.Version))
	for i, sr := range m.Ranges {
		s = append(s, fmt.Sprintf("%d) slots %d - %d -> %s", i+1, sr.Start, sr.End, sr.Node.Addr()))
	}
	return strings.Join(s, "\n")
}

// parseClusterSlots turns a CLUSTER SLOTS reply into slot ranges. Only the
// master entry of each range is kept. A node can report a blank ip for the
// address the query went to; seedAddr fills the gap.
func parseClusterSlots(reply interface{}, seedAddr string) ([]SlotRange, error) {
	slots, err := redis.Values(reply, nil)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, errors.New("empty CLUSTER SLOTS reply")
	}
	var ranges []SlotRange
	for _, sl := range slots {
		si, err := redis.Values(sl, nil)
		if err != nil {
			return nil, err
		}
		var start, end int
		nis, err := redis.Scan(si, &start, &end)
		if err != nil {
			return nil, err
		}
		if len(nis) == 0 {
			return nil, errors.New("slot range without nodes")
		}
		fs, err := redis.Values(nis[0], nil)
		if err != nil {
			return nil, err
		}
		var host string
		var port int
		if _, err := redis.Scan(fs, &host, &port); err != nil {
			return nil, err
		}
		if host == "" {
			if host, _, err = splitHostPort(seedAddr); err != nil {
				return nil, err
			}
		}
		ranges = append(ranges, SlotRange{
			Start: start,
			End:   end,
			Node:  Node{Host: host, Port: port, Pool: PoolName(host, port)},
		})
	}
	return ranges, nil
}
