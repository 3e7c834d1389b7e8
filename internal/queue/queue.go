// Package queue provides the bounded handoff between request construction
// and the dispatcher worker.
package queue

import (
	"context"

	"github.com/pitabwire/callhook/model"
)

// Queue is a bounded FIFO producers block on when full and consumers
// drain in enqueue order. Implementations must be safe for concurrent
// use — it is the only shared mutable structure on the fast path.
type Queue interface {
	// Enqueue blocks until req is accepted or ctx is done.
	Enqueue(ctx context.Context, req *model.CallbackRequest) error
	// Dequeue blocks until an item is available, the queue is closed, or
	// ctx is done.
	Dequeue(ctx context.Context) (*model.CallbackRequest, error)
	// Close shuts the queue down; pending Dequeue calls return
	// ErrClosed once drained.
	Close()
}

// ErrClosed is returned by Dequeue once a closed queue has been drained.
var ErrClosed = queueClosedError{}

type queueClosedError struct{}

func (queueClosedError) Error() string { return "queue: closed" }

// DefaultCapacity is the spec's default bounded capacity.
const DefaultCapacity = 10_000
