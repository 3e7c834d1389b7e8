package model

import "time"

// Mandatory header names every dispatched CallbackRequest must carry.
const (
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderIdempotency   = "Idempotency-Key"
	HeaderCallbackID    = "X-Kestrun-CallbackId"
	HeaderSignature     = "X-Signature"
)

// CallbackRequest is the mutable-across-attempts record the dispatcher
// worker carries through each send attempt. Only the worker advances
// Attempt, NextAttemptAt, and the Store transitions that accompany them;
// everything else is fixed at factory time.
type CallbackRequest struct {
	ID              string
	CallbackID      string
	OperationID     string
	TargetURL       string
	Method          string
	Headers         Headers
	ContentType     string
	Body            []byte
	CorrelationID   string
	IdempotencyKey  string
	Attempt         uint32
	CreatedAt       time.Time
	NextAttemptAt   time.Time
	Timeout         time.Duration
	SignatureKeyID  string // empty when unsigned
}

// HasMandatoryHeaders reports whether the three mandatory headers are all
// present with non-empty values. Used by tests asserting testable
// property #7.
func (r *CallbackRequest) HasMandatoryHeaders() bool {
	for _, name := range []string{HeaderCorrelationID, HeaderIdempotency, HeaderCallbackID} {
		v, ok := r.Headers.Get(name)
		if !ok || v == "" {
			return false
		}
	}
	return true
}
