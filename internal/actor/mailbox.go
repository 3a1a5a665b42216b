package actor

import (
	"context"
	"sync"
)

// Mailbox is an unbounded FIFO with a single consumer.
//
// Producers on any goroutine call Tell. The owning goroutine drains it with
// Run, or with TryReceive plus Wait inside its own select loop. The signal
// channel has a buffer of one, so many sends coalesce into one wakeup.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		items:  make([]T, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Tell enqueues msg. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Tell(msg T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.items = append(m.items, msg)

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// TryReceive dequeues without blocking.
func (m *Mailbox[T]) TryReceive() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if len(m.items) == 0 {
		return zero, false
	}
	msg := m.items[0]
	// Clear the slot so the backing array does not pin the message.
	m.items[0] = zero
	if len(m.items) == 1 {
		m.items = m.items[:0]
	} else {
		m.items = m.items[1:]
	}
	return msg, true
}

// Wait returns a channel that signals when messages may be available. It is
// closed when the mailbox is closed.
func (m *Mailbox[T]) Wait() <-chan struct{} {
	return m.signal
}

// Len returns the number of queued messages.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Closed reports whether Close has been called.
func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close rejects further messages. Queued messages can still be received.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}

// Run drains the mailbox on the calling goroutine, invoking handle for each
// message in order, until ctx is done or the mailbox is closed and empty.
func (m *Mailbox[T]) Run(ctx context.Context, handle func(T)) error {
	for {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			msg, ok := m.TryReceive()
			if !ok {
				break
			}
			handle(msg)
		}

		if m.Closed() && m.Len() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.Wait():
		}
	}
}
