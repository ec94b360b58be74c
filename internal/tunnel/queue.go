package tunnel

import (
	"sync"
	"time"

	"github.com/HaloDragon7410/http-tunnel/internal/reorder"
)

// InboundQueue is the per-session unbounded, single-consumer,
// multi-producer queue of inbound chunks (spec.md §3's "unbounded inbound
// queue"). It implements reorder.Source so the reassembler can read it
// directly. Closing it is the Go-idiomatic stand-in for the Python
// original's sentinel nil value posted onto its queue.
type InboundQueue struct {
	mu     sync.Mutex
	items  []reorder.Item
	closed bool
	notify chan struct{}
}

// NewInboundQueue creates an empty, open inbound queue.
func NewInboundQueue() *InboundQueue {
	return &InboundQueue{notify: make(chan struct{}, 1)}
}

// Push enqueues item for the writer to consume. It is a no-op once the
// queue has been closed.
func (q *InboundQueue) Push(item reorder.Item) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.wake()
}

// Close permanently closes the queue: later Pushes are dropped, items
// already queued are still returned by Recv, and once they are gone any
// Recv in flight (or future) observes ok=false.
func (q *InboundQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *InboundQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Recv implements reorder.Source.
func (q *InboundQueue) Recv(timeout time.Duration) (item reorder.Item, ok bool, timedOut bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true, false
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return reorder.Item{}, false, false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return reorder.Item{}, true, true
		}

		timer := time.NewTimer(remaining)
		select {
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
			return reorder.Item{}, true, true
		}
	}
}

// OutboundQueue is the per-session bounded queue of items read from the
// backend, awaiting delivery through a long-poll response or WebSocket
// push. Its capacity is the single end-to-end flow-control point: once
// full, the reader backs up against the backend socket (spec.md §4.3).
type OutboundQueue struct {
	ch chan Outbound
}

// NewOutboundQueue creates a queue bounded at capacity items.
func NewOutboundQueue(capacity int) *OutboundQueue {
	return &OutboundQueue{ch: make(chan Outbound, capacity)}
}

// Push blocks until there is room, exactly like the Python original's
// queue.Queue(maxsize) semantics.
func (q *OutboundQueue) Push(item Outbound) {
	q.ch <- item
}

// Get blocks up to timeout for the next item.
func (q *OutboundQueue) Get(timeout time.Duration) (Outbound, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case item := <-q.ch:
		return item, true
	case <-t.C:
		return Outbound{}, false
	}
}

// TryGet returns an item without blocking, reporting ok=false if the
// queue is currently empty.
func (q *OutboundQueue) TryGet() (Outbound, bool) {
	select {
	case item := <-q.ch:
		return item, true
	default:
		return Outbound{}, false
	}
}

// Drain discards every pending item without blocking. Used by Forwarder
// teardown so a session that never gets polled again doesn't leak queued
// backend data.
func (q *OutboundQueue) Drain() {
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}
