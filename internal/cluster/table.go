package cluster

import (
	"sort"
	"sync"

	"github.com/playhouse/playhouse-go/internal/config"
)

// Table holds the static cluster membership plus the live reachability of
// each peer. Selection for a service only considers peers whose outbound
// connection is currently up.
type Table struct {
	mu      sync.RWMutex
	entries map[string]config.NodeEntry // by nodeId
	up      map[string]bool
	rr      map[uint16]int // per-service round-robin cursor
}

// NewTable creates a Table from the static config, excluding selfNodeId.
func NewTable(nodes []config.NodeEntry, selfNodeId string) *Table {
	t := &Table{
		entries: make(map[string]config.NodeEntry, len(nodes)),
		up:      make(map[string]bool, len(nodes)),
		rr:      make(map[uint16]int),
	}
	for _, n := range nodes {
		if n.NodeId == selfNodeId {
			continue
		}
		t.entries[n.NodeId] = n
	}
	return t
}

// Entry returns the static entry for nodeId.
func (t *Table) Entry(nodeId string) (config.NodeEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[nodeId]
	return e, ok
}

// Entries returns every known peer.
func (t *Table) Entries() []config.NodeEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]config.NodeEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Snapshot lists every peer with its reachability, sorted by node id, for
// the admin surface.
func (t *Table) Snapshot() []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerInfo, 0, len(t.entries))
	for id, e := range t.entries {
		out = append(out, PeerInfo{
			NodeId:    id,
			ServiceId: e.ServiceId,
			Address:   e.Address,
			Up:        t.up[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeId < out[j].NodeId })
	return out
}

// PeerInfo is one row of the admin cluster listing.
type PeerInfo struct {
	NodeId    string `json:"nodeId"`
	ServiceId uint16 `json:"serviceId"`
	Address   string `json:"address"`
	Up        bool   `json:"up"`
}

// SetUp marks nodeId reachable or not.
func (t *Table) SetUp(nodeId string, up bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, known := t.entries[nodeId]; known {
		t.up[nodeId] = up
	}
}

// IsUp reports whether nodeId is currently reachable.
func (t *Table) IsUp(nodeId string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.up[nodeId]
}

// UpCount returns the number of reachable peers.
func (t *Table) UpCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, up := range t.up {
		if up {
			n++
		}
	}
	return n
}

// PickForService returns the next reachable node of the given service,
// rotating across candidates so load spreads evenly. Returns "" when no
// node of that service is reachable.
func (t *Table) PickForService(serviceId uint16) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var candidates []string
	for id, e := range t.entries {
		if e.ServiceId == serviceId && t.up[id] {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	// Map iteration order shifts between calls; sort for a stable rotation.
	sort.Strings(candidates)
	idx := t.rr[serviceId] % len(candidates)
	t.rr[serviceId]++
	return candidates[idx]
}
