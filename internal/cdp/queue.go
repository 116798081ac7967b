package cdp

import (
	"sync"

	"github.com/dgnsrekt/netreplay/internal/channel"
)

// eventQueue is an unbounded FIFO between the websocket read loop and a
// listener, so a slow listener never stalls command responses.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []channel.Event
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(ev channel.Event) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, ev)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// close stops delivery; queued events are dropped.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *eventQueue) run(l channel.Listener) {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		ev := q.items[0]
		q.items[0] = channel.Event{}
		q.items = q.items[1:]
		q.mu.Unlock()
		l(ev)
	}
}
