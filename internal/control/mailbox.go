package control

import "sync"

// mailboxCapacity bounds the number of pending outbound frames per session.
// Overflow drops the oldest pending frame so a stalled consumer can never
// pin server memory.
const mailboxCapacity = 256

// mailbox is the bounded outbound queue of one session. Enqueue never
// blocks; the session's writer goroutine drains it in FIFO order.
type mailbox struct {
	mu      sync.Mutex
	items   []any
	closed  bool
	dropped uint64
	wake    chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

// enqueue appends msg, evicting the oldest pending frame if the mailbox is
// full. It reports whether a frame was dropped. Enqueue after close is a
// no-op.
func (m *mailbox) enqueue(msg any) (dropped bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if len(m.items) >= mailboxCapacity {
		copy(m.items, m.items[1:])
		m.items = m.items[:len(m.items)-1]
		m.dropped++
		dropped = true
	}
	m.items = append(m.items, msg)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return dropped
}

// next blocks until a frame is pending or the mailbox is closed. The second
// return is false once the mailbox is closed and drained.
func (m *mailbox) next() (any, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			msg := m.items[0]
			m.items = m.items[1:]
			m.mu.Unlock()
			return msg, true
		}
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return nil, false
		}
		<-m.wake
	}
}

// close marks the mailbox closed and wakes the writer. Pending frames are
// still drained.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// drops returns the number of frames evicted so far.
func (m *mailbox) drops() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
