package queue

import (
	"context"

	"github.com/pitabwire/callhook/model"
)

// MemoryQueue is a buffered-channel-backed Queue. Channel semantics give
// goroutine-safety and backpressure (a full channel blocks the sender) for
// free — the default and the only implementation the distilled spec
// requires.
type MemoryQueue struct {
	items  chan *model.CallbackRequest
	closed chan struct{}
}

// NewMemoryQueue creates a MemoryQueue with the given capacity. A
// non-positive capacity falls back to DefaultCapacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryQueue{
		items:  make(chan *model.CallbackRequest, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, req *model.CallbackRequest) error {
	select {
	case q.items <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrClosed
	}
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*model.CallbackRequest, error) {
	select {
	case req, ok := <-q.items:
		if !ok {
			return nil, ErrClosed
		}
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Queue. Safe to call once; a second call panics, same
// as closing a Go channel twice.
func (q *MemoryQueue) Close() {
	close(q.closed)
	close(q.items)
}

// Len reports the number of items currently buffered. For tests and the
// /debug/queue ops endpoint.
func (q *MemoryQueue) Len() int {
	return len(q.items)
}
