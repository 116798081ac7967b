package replay

import (
	"sync"

	"github.com/dgnsrekt/netreplay/internal/types"
)

// Counters counts replayed hits per path (query excluded).
type Counters struct {
	mu     sync.Mutex
	counts types.ReplayCounters
}

func NewCounters() *Counters {
	return &Counters{counts: types.ReplayCounters{}}
}

func (c *Counters) Reset() {
	c.mu.Lock()
	c.counts = types.ReplayCounters{}
	c.mu.Unlock()
}

// Inc bumps path and returns a snapshot of all counters.
func (c *Counters) Inc(path string) types.ReplayCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[path]++
	return c.snapshotLocked()
}

func (c *Counters) Snapshot() types.ReplayCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Counters) snapshotLocked() types.ReplayCounters {
	out := make(types.ReplayCounters, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
