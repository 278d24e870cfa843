package pipeline

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
)

// Item is one queue entry: a segment or the end-of-stream sentinel.
type Item struct {
	Segment Segment
	End     bool
}

// Queue is an unbounded FIFO of segments terminated by one sentinel.
// Put never blocks, so capture cadence is independent of analysis latency.
type Queue struct {
	mu     sync.Mutex
	items  []Item
	closed bool
	signal chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Put appends a segment. It fails once the sentinel has been enqueued.
func (q *Queue) Put(seg Segment) error {
	return q.push(Item{Segment: seg}, "put after end of stream")
}

// Close enqueues the sentinel. Only the first call succeeds.
func (q *Queue) Close() error {
	return q.push(Item{End: true}, "end of stream enqueued twice")
}

func (q *Queue) push(it Item, violation string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return apperrors.New(apperrors.QueueProtocol, violation)
	}
	q.items = append(q.items, it)
	q.closed = it.End
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// TryGet pops the next item without waiting.
func (q *Queue) TryGet() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	it := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	return it, true
}

// Get waits up to wait for the next item. A false result only means nothing
// arrived in time; end of stream is reported by Item.End.
func (q *Queue) Get(ctx context.Context, wait time.Duration) (Item, bool) {
	if it, ok := q.TryGet(); ok || wait <= 0 {
		return it, ok
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-q.signal:
			if it, ok := q.TryGet(); ok {
				return it, true
			}
		case <-timer.C:
			return q.TryGet()
		case <-ctx.Done():
			return Item{}, false
		}
	}
}

// Len reports the number of queued items, sentinel included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
