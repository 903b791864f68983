package worker

import (
	"context"
	"sync"
)

// recheckItem is one unit of on-demand work (§4.5 enqueue_recheck):
// either a single member (MemberID set) or a whole server (nil).
type recheckItem struct {
	ServerID string
	MemberID *string
}

// queue is the FIFO on-demand recheck queue with a guarded single
// consumer (§5, §9 Open Question: "guard the draining flag with a mutex
// even though only one consumer drains at a time, since enqueue can race
// with the drain loop's exit check"). A new drain goroutine is started
// only when one isn't already running; concurrent EnqueueRecheck calls
// never spawn more than one drainer.
type queue struct {
	mu       sync.Mutex
	items    []recheckItem
	draining bool
	process  func(ctx context.Context, item recheckItem)
}

func newQueue(process func(ctx context.Context, item recheckItem)) *queue {
	return &queue{process: process}
}

func (q *queue) enqueue(item recheckItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	alreadyDraining := q.draining
	if !alreadyDraining {
		q.draining = true
	}
	q.mu.Unlock()

	if !alreadyDraining {
		go q.drain()
	}
}

func (q *queue) drain() {
	ctx := context.Background()
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.process(ctx, item)
	}
}

// depth reports the number of items not yet drained, for observability.
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
