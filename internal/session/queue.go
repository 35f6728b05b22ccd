package session

import (
	"fmt"
	"sync"

	"github.com/eugenetaranov/daggy/internal/event"
)

// Overflow selects what a full source queue does with a new event.
type Overflow int

const (
	// DropOldest discards the oldest queued event.
	DropOldest Overflow = iota
	// Block makes the producing command wait for room.
	Block
)

func (o Overflow) String() string {
	if o == Block {
		return "block"
	}
	return "drop-oldest"
}

// ParseOverflow converts a policy name to an Overflow.
func ParseOverflow(name string) (Overflow, error) {
	switch name {
	case "", "drop-oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return DropOldest, fmt.Errorf("unknown overflow policy %q (must be drop-oldest or block)", name)
	}
}

// queue is a bounded FIFO of data events for one source.
type queue struct {
	size   int
	policy Overflow

	mu      sync.Mutex
	cond    *sync.Cond
	items   []event.DataEvent
	closed  bool
	dropped uint64
}

func newQueue(size int, policy Overflow) *queue {
	q := &queue{size: size, policy: policy}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push adds ev. It reports whether an older event had to be dropped.
func (q *queue) push(ev event.DataEvent) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.policy == Block && len(q.items) >= q.size && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return false
	}
	if len(q.items) >= q.size {
		q.items[0] = event.DataEvent{}
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, ev)
	q.cond.Broadcast()
	return dropped
}

// pop waits for the next event. It returns false once the queue is closed
// and empty.
func (q *queue) pop() (event.DataEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return event.DataEvent{}, false
	}
	ev := q.items[0]
	q.items[0] = event.DataEvent{}
	q.items = q.items[1:]
	q.cond.Broadcast()
	return ev, true
}

// close lets pop drain what is left and then report the end.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *queue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// mailbox is the unbounded inbox of the session loop.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []any
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// post never blocks. Messages posted after close are discarded.
func (m *mailbox) post(msg any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.items = append(m.items, msg)
	m.cond.Signal()
}

func (m *mailbox) next() (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.items) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.items) == 0 {
		return nil, false
	}
	msg := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	return msg, true
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}
