// Package store persists callback request state transitions. A Store is
// optional: the dispatcher worker runs correctly without one, recording
// nothing durable. When present, the Store is a passive recorder — the
// worker alone decides and sequences transitions.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/callhook/model"
)

// State is one of the five states a callback request passes through.
type State string

const (
	StateNew             State = "New"
	StateInFlight        State = "InFlight"
	StateSucceeded       State = "Succeeded"
	StateRetryScheduled  State = "RetryScheduled"
	StateFailedPermanent State = "FailedPermanent"
)

// Record is a Store's view of one CallbackRequest's current state.
type Record struct {
	Request       model.CallbackRequest
	State         State
	LastResult    *model.CallbackResult
	LastError     string
	NextAttemptAt time.Time
	UpdatedAt     time.Time
}

// Store persists CallbackRequest lifecycle transitions. Implementations
// must be safe for concurrent calls; transitions for a single request id
// need not be serialized by the Store itself because the worker owns
// sequencing.
type Store interface {
	// MarkNew records a freshly enqueued request.
	MarkNew(ctx context.Context, req model.CallbackRequest) error
	// MarkInFlight records that a send attempt has started.
	MarkInFlight(ctx context.Context, requestID string) error
	// MarkSucceeded records a terminal success. Must be called at most
	// once per request id, and never after MarkFailedPermanent.
	MarkSucceeded(ctx context.Context, requestID string, result model.CallbackResult) error
	// MarkRetryScheduled records a transient failure and the time of the
	// next attempt.
	MarkRetryScheduled(ctx context.Context, requestID string, result model.CallbackResult, nextAttemptAt time.Time) error
	// MarkFailedPermanent records a terminal failure.
	MarkFailedPermanent(ctx context.Context, requestID string, result model.CallbackResult) error
	// Get returns the current record for a request id.
	Get(ctx context.Context, requestID string) (Record, error)
	// DequeueDue returns up to max requests whose NextAttemptAt is at or
	// before now, in FIFO order of NextAttemptAt (ties broken by
	// insertion order, since the source spec leaves the tiebreaker
	// unspecified). Used to recover in-flight work after a restart.
	DequeueDue(ctx context.Context, now time.Time, max int) ([]Record, error)
}

// ErrNotFound is returned by Get when no record exists for a request id.
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "store: request not found" }
