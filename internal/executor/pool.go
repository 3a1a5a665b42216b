package executor

import (
	"container/heap"
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/conductor/internal/director"
)

// Pool runs work items on a fixed number of goroutines. Queued items are
// taken by priority, then in submission order.
type Pool struct {
	size    int
	execute func(context.Context, director.WorkItem) director.Result
	deliver func(director.Result)

	mu      sync.Mutex
	queue   itemHeap
	nextSeq int64
	signal  chan struct{}
	busy    int
}

// NewPool creates a pool of size goroutines. execute runs an item and
// deliver receives its result.
func NewPool(size int, execute func(context.Context, director.WorkItem) director.Result, deliver func(director.Result)) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:    size,
		execute: execute,
		deliver: deliver,
		signal:  make(chan struct{}, size),
	}
}

// Submit queues an item. It never blocks.
func (p *Pool) Submit(item director.WorkItem) {
	p.mu.Lock()
	p.nextSeq++
	heap.Push(&p.queue, queued{item: item, seq: p.nextSeq})
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of queued items.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Busy returns the number of items being executed.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Run executes items until ctx is done. Items still queued are dropped;
// their plans are recovered by whoever resumes them.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range p.size {
		g.Go(func() error {
			for {
				if ctx.Err() != nil {
					return nil
				}
				item, ok := p.take()
				if !ok {
					select {
					case <-ctx.Done():
						return nil
					case <-p.signal:
					}
					continue
				}
				res := p.execute(ctx, item)
				p.done()
				p.deliver(res)
			}
		})
	}
	return g.Wait()
}

func (p *Pool) take() (director.WorkItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue.Len() == 0 {
		return director.WorkItem{}, false
	}
	p.busy++
	q := heap.Pop(&p.queue).(queued)
	// Wake another goroutine if more work is waiting.
	if p.queue.Len() > 0 {
		select {
		case p.signal <- struct{}{}:
		default:
		}
	}
	return q.item, true
}

func (p *Pool) done() {
	p.mu.Lock()
	p.busy--
	p.mu.Unlock()
}

type queued struct {
	item director.WorkItem
	seq  int64
}

type itemHeap []queued

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
