package semaphore

import (
	"math"
	"slices"
)

// Semaphore is a ticket-based concurrency limiter with a FIFO of waiters.
// Implementations are not safe for concurrent use; each is owned by one
// actor.
type Semaphore[T any] interface {
	// Wait takes one ticket for w, or queues w and returns false.
	Wait(w T) bool
	// Get takes up to n tickets and returns how many were taken. When fewer
	// than n are free it drains what is left and returns that count.
	Get(n int) int
	// Drain takes every free ticket and returns the count.
	Drain() int
	// Release returns n tickets and hands them to queued waiters in FIFO
	// order. It returns the waiters that were admitted. An Aggregating
	// semaphore accepts an optional child key to release only that child.
	Release(n int, key ...string) []T
	// Admit hands currently free tickets to queued waiters and returns
	// the admitted ones.
	Admit() []T
	// Cancel removes queued waiters matching fn and returns them.
	Cancel(fn func(T) bool) []T
	HasWaiting() bool
	Free() int
	Tickets() int
}

// Saver persists the ticket state of a Stateful semaphore.
type Saver interface {
	SaveSemaphore(name string, tickets, free int)
}

// Loader reads ticket state written by a Saver. ok is false when nothing
// was persisted under name.
type Loader interface {
	LoadSemaphore(name string) (tickets, free int, ok bool)
}

// waitQueue is the FIFO shared by all implementations.
type waitQueue[T any] struct {
	waiting []T
}

func (q *waitQueue[T]) push(w T) { q.waiting = append(q.waiting, w) }

func (q *waitQueue[T]) pop() (T, bool) {
	var zero T
	if len(q.waiting) == 0 {
		return zero, false
	}
	w := q.waiting[0]
	q.waiting[0] = zero
	q.waiting = q.waiting[1:]
	return w, true
}

func (q *waitQueue[T]) HasWaiting() bool { return len(q.waiting) > 0 }

func (q *waitQueue[T]) Cancel(fn func(T) bool) []T {
	var removed []T
	q.waiting = slices.DeleteFunc(q.waiting, func(w T) bool {
		if fn(w) {
			removed = append(removed, w)
			return true
		}
		return false
	})
	return removed
}

// admit pops waiters for as long as get hands out a ticket.
func (q *waitQueue[T]) admit(get func(int) int) []T {
	var admitted []T
	for q.HasWaiting() {
		if get(1) != 1 {
			break
		}
		w, _ := q.pop()
		admitted = append(admitted, w)
	}
	return admitted
}

// Stateful holds a fixed number of tickets and persists {tickets, free}
// after every change so limits survive restarts.
type Stateful[T any] struct {
	waitQueue[T]
	name    string
	tickets int
	free    int
	saver   Saver
}

// NewStateful creates a semaphore with every ticket free. saver may be nil.
func NewStateful[T any](name string, tickets int, saver Saver) *Stateful[T] {
	return Restore[T](name, tickets, tickets, saver)
}

// Restore creates a semaphore from persisted state. free is clamped to
// [0, tickets].
func Restore[T any](name string, tickets, free int, saver Saver) *Stateful[T] {
	s := &Stateful[T]{name: name, tickets: tickets, free: min(max(free, 0), tickets), saver: saver}
	s.save()
	return s
}

// Name returns the persisted name.
func (s *Stateful[T]) Name() string { return s.name }

// Wait takes a ticket or queues w.
func (s *Stateful[T]) Wait(w T) bool {
	if s.Get(1) == 1 {
		return true
	}
	s.push(w)
	return false
}

// Get takes n tickets, or drains the rest if fewer than n are free. A
// non-positive n takes nothing.
func (s *Stateful[T]) Get(n int) int {
	if n <= 0 {
		return 0
	}
	if n > s.free {
		return s.Drain()
	}
	s.free -= n
	s.save()
	return n
}

// Drain takes every free ticket.
func (s *Stateful[T]) Drain() int {
	n := s.free
	s.free = 0
	s.save()
	return n
}

// Release returns tickets, capped at the configured maximum, then admits
// waiters. A non-positive n returns nothing.
func (s *Stateful[T]) Release(n int, _ ...string) []T {
	if n > 0 {
		s.free = min(s.free+n, s.tickets)
		s.save()
	}
	return s.Admit()
}

// Admit hands free tickets to waiters.
func (s *Stateful[T]) Admit() []T { return s.admit(s.Get) }

// Free returns the number of available tickets.
func (s *Stateful[T]) Free() int { return s.free }

// Tickets returns the configured maximum.
func (s *Stateful[T]) Tickets() int { return s.tickets }

func (s *Stateful[T]) save() {
	if s.saver != nil {
		s.saver.SaveSemaphore(s.name, s.tickets, s.free)
	}
}

// Named pairs a child semaphore with its key inside an Aggregating one.
type Named[T any] struct {
	Key       string
	Semaphore Semaphore[T]
}

// Aggregating admits only when every child has a free ticket, modelling
// several limits that apply at once (a global limit and a per-queue limit).
// Children keep no waiters of their own; waiting happens here.
type Aggregating[T any] struct {
	waitQueue[T]
	children []Named[T]
}

// NewAggregating composes children. Order is preserved for Release.
func NewAggregating[T any](children ...Named[T]) *Aggregating[T] {
	return &Aggregating[T]{children: children}
}

// Wait takes a ticket from every child or queues w.
func (a *Aggregating[T]) Wait(w T) bool {
	if a.Get(1) == 1 {
		return true
	}
	a.push(w)
	return false
}

// Get takes min(n, Free()) tickets from every child.
func (a *Aggregating[T]) Get(n int) int {
	take := min(n, a.Free())
	if take <= 0 {
		return 0
	}
	for _, c := range a.children {
		c.Semaphore.Get(take)
	}
	return take
}

// Drain takes every ticket available across all children.
func (a *Aggregating[T]) Drain() int { return a.Get(a.Free()) }

// Release returns tickets to every child, or only to the child named by
// key, then admits waiters.
func (a *Aggregating[T]) Release(n int, key ...string) []T {
	for _, c := range a.children {
		if len(key) > 0 && c.Key != key[0] {
			continue
		}
		c.Semaphore.Release(n)
	}
	return a.Admit()
}

// Admit hands free tickets to waiters.
func (a *Aggregating[T]) Admit() []T { return a.admit(a.Get) }

// Free is the smallest free count among children.
func (a *Aggregating[T]) Free() int {
	free := math.MaxInt
	for _, c := range a.children {
		free = min(free, c.Semaphore.Free())
	}
	if len(a.children) == 0 {
		return 0
	}
	return free
}

// Tickets is the smallest configured maximum among children.
func (a *Aggregating[T]) Tickets() int {
	tickets := math.MaxInt
	for _, c := range a.children {
		tickets = min(tickets, c.Semaphore.Tickets())
	}
	if len(a.children) == 0 {
		return 0
	}
	return tickets
}

// Dummy never limits anything.
type Dummy[T any] struct{}

func (Dummy[T]) Wait(T) bool { return true }
func (Dummy[T]) Get(n int) int { return max(n, 0) }
func (Dummy[T]) Drain() int { return 0 }
func (Dummy[T]) Release(int, ...string) []T { return nil }
func (Dummy[T]) Admit() []T { return nil }
func (Dummy[T]) Cancel(func(T) bool) []T { return nil }
func (Dummy[T]) HasWaiting() bool { return false }
func (Dummy[T]) Free() int { return math.MaxInt }
func (Dummy[T]) Tickets() int { return math.MaxInt }
