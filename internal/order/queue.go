package order

import (
	"context"
	"errors"
)

// ErrQueueFull is returned when the executor backlog is at capacity.
var ErrQueueFull = errors.New("order queue full")

// Queue buffers orders between signal processing and execution. Enqueue
// never blocks: a full queue means the executor is stuck (venue outage,
// retry storm) and stalling the tick loop behind it would be worse than
// refusing the order.
type Queue struct {
	ch chan Order
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan Order, size)}
}

func (q *Queue) Enqueue(o Order) error {
	select {
	case q.ch <- o:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) Chan() <-chan Order {
	return q.ch
}

func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) Close() {
	close(q.ch)
}

// Drain consumes orders with a handler until the context is canceled or
// the queue is closed.
func (q *Queue) Drain(ctx context.Context, handler func(Order)) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-q.ch:
			if !ok {
				return
			}
			handler(o)
		}
	}
}
