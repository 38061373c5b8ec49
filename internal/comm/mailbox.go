package comm

import (
	"context"
	"sync"
)

type envelope struct {
	src, tag int
}

// mailbox is an unbounded FIFO per (source, tag) with blocking takes.
type mailbox struct {
	mu     sync.Mutex
	queues map[envelope][][]byte
	wake   map[envelope]chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{
		queues: make(map[envelope][][]byte),
		wake:   make(map[envelope]chan struct{}),
	}
}

func (m *mailbox) put(src, tag int, data []byte) error {
	key := envelope{src, tag}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.queues[key] = append(m.queues[key], data)
	if ch, ok := m.wake[key]; ok {
		close(ch)
		delete(m.wake, key)
	}
	return nil
}

func (m *mailbox) take(ctx context.Context, src, tag int) ([]byte, error) {
	key := envelope{src, tag}
	for {
		m.mu.Lock()
		if q := m.queues[key]; len(q) > 0 {
			data := q[0]
			if len(q) == 1 {
				delete(m.queues, key)
			} else {
				m.queues[key] = q[1:]
			}
			m.mu.Unlock()
			return data, nil
		}
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		ch, ok := m.wake[key]
		if !ok {
			ch = make(chan struct{})
			m.wake[key] = ch
		}
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// close wakes every blocked take.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for key, ch := range m.wake {
		close(ch)
		delete(m.wake, key)
	}
}

// pending counts undelivered messages.
func (m *mailbox) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}
