package capture

import (
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/netreplay/internal/types"
)

// PendingTable holds in-flight requests keyed by the transport request id.
// Every entry is mutated independently; Take is the single exit used for
// finalization, so an id is finalized at most once.
type PendingTable struct {
	mu    sync.RWMutex
	items map[string]*types.PendingRequest
}

func NewPendingTable() *PendingTable {
	return &PendingTable{items: make(map[string]*types.PendingRequest)}
}

// Insert adds p. When the id is already pending (a redirect hop) the entry's
// url, method, headers and body are replaced and Insert reports false.
func (t *PendingTable) Insert(p *types.PendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.items[p.ID]; ok {
		cur.URL = p.URL
		cur.Method = p.Method
		cur.RequestHeaders = p.RequestHeaders
		cur.RequestBody = p.RequestBody
		return false
	}
	t.items[p.ID] = p
	return true
}

// Update applies fn to the entry for id under the table lock.
func (t *PendingTable) Update(id string, fn func(p *types.PendingRequest)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[id]
	if ok {
		fn(p)
	}
	return ok
}

func (t *PendingTable) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.items[id]
	return ok
}

// Take removes and returns the entry for id.
func (t *PendingTable) Take(id string) (*types.PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[id]
	if ok {
		delete(t.items, id)
	}
	return p, ok
}

// Drop discards the entry for id.
func (t *PendingTable) Drop(id string) bool {
	_, ok := t.Take(id)
	return ok
}

// DrainAll empties the table and returns the entries oldest first.
func (t *PendingTable) DrainAll() []*types.PendingRequest {
	t.mu.Lock()
	out := make([]*types.PendingRequest, 0, len(t.items))
	for _, p := range t.items {
		out = append(out, p)
	}
	t.items = make(map[string]*types.PendingRequest)
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CleanupStale drops entries started before threshold and returns how many.
func (t *PendingTable) CleanupStale(threshold time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, p := range t.items {
		if p.Timestamp.Before(threshold) {
			delete(t.items, id)
			n++
		}
	}
	return n
}

func (t *PendingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}
