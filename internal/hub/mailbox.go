package hub

import "sync"

// mailbox is an unbounded FIFO of events for one subscriber.
//
// push never blocks. The signal channel has a buffer of one so that any
// number of pushes between two pops wake the consumer once.
type mailbox struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		events: make([]Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// push appends e. It reports false once the mailbox is closed.
func (m *mailbox) push(e Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.events = append(m.events, e)
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// pop removes the oldest event. done is true when the mailbox is closed
// and drained.
func (m *mailbox) pop() (e Event, ok bool, done bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return Event{}, false, m.closed
	}
	e = m.events[0]
	m.events[0] = Event{}
	if len(m.events) == 1 {
		m.events = m.events[:0]
	} else {
		m.events = m.events[1:]
	}
	return e, true, false
}

func (m *mailbox) wait() <-chan struct{} {
	return m.signal
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// close stops further pushes and drops undelivered events.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.events = nil
	close(m.signal)
}
