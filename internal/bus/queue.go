package bus

import (
	"context"
	"sync/atomic"

	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/yanun0323/errors"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Event is one delivery: the header stamped at publish time and the payload
// value of the lane's event type.
type Event struct {
	Header  schema.EventHeader
	Payload any
}

// queue is the bounded FIFO behind one lane. Publishing never blocks; a full
// queue rejects the event.
type queue struct {
	ch     chan Event
	closed atomic.Bool
	peak   atomic.Int64
}

func newQueue(capacity int) *queue {
	return &queue{ch: make(chan Event, max(capacity, 1))}
}

// push must not race close; the bus holds its lock around both.
func (q *queue) push(e Event) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		if n := int64(len(q.ch)); n > q.peak.Load() {
			q.peak.Store(n)
		}
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *queue) len() int {
	return len(q.ch)
}

// highWater is the deepest the queue has been since creation.
func (q *queue) highWater() int {
	return int(q.peak.Load())
}

// close stops intake; queued events stay deliverable.
func (q *queue) close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.ch)
	}
}

// drain hands events to deliver until the queue is closed and empty or ctx ends.
func (q *queue) drain(ctx context.Context, deliver func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			deliver(e)
		}
	}
}
