// Package retrypolicy decides whether a failed callback delivery attempt
// should be retried, and if so, after how long.
//
// Grounded on the teacher's calculateBackoff/isRetryableStatus helpers in
// internal/invoker/openapi.go, extended with jitter and the spec's Stop
// reasons.
package retrypolicy

import (
	"math/rand"
	"time"

	"github.com/pitabwire/callhook/model"
)

// Policy decides the next action after a delivery attempt.
type Policy interface {
	Evaluate(req *model.CallbackRequest, result model.CallbackResult, now time.Time) model.RetryDecision
}

// Options configures DefaultPolicy.
type Options struct {
	MaxAttempts uint32
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultOptions returns the spec's default retry parameters.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// retryableStatuses are the HTTP status codes treated as transient for an
// HttpError result.
var retryableStatuses = map[int]struct{}{
	408: {}, 425: {}, 429: {}, 500: {}, 502: {}, 503: {}, 504: {},
}

// DefaultPolicy implements the spec's exponential-backoff-with-jitter
// retry policy.
type DefaultPolicy struct {
	Options Options
	// Rand, when nil, defaults to the package-level math/rand source.
	// Injectable so tests can assert exact delays.
	Rand func() float64
}

// NewDefaultPolicy builds a DefaultPolicy with the given options, falling
// back to DefaultOptions for any zero-valued field.
func NewDefaultPolicy(opts Options) *DefaultPolicy {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultOptions().BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultOptions().MaxDelay
	}
	return &DefaultPolicy{Options: opts}
}

// Evaluate implements Policy.
func (p *DefaultPolicy) Evaluate(req *model.CallbackRequest, result model.CallbackResult, now time.Time) model.RetryDecision {
	if uint32(req.Attempt)+1 >= p.Options.MaxAttempts {
		return model.Stop("max_attempts")
	}

	if !isTransient(result) {
		return model.Stop("non_retryable_status")
	}

	delay := p.backoff(req.Attempt)
	return model.Retry(now.Add(delay), delay, classifyReason(result))
}

func isTransient(result model.CallbackResult) bool {
	switch result.ErrorType {
	case model.ErrorTypeTimeout, model.ErrorTypeDNS, model.ErrorTypeTLS, model.ErrorTypeHTTPRequestException:
		return true
	case model.ErrorTypeHandlerException:
		return true
	case model.ErrorTypeHTTPError:
		_, ok := retryableStatuses[result.StatusCode]
		return ok
	default:
		return false
	}
}

func classifyReason(result model.CallbackResult) string {
	if result.ErrorType == "" {
		return "unknown"
	}
	return string(result.ErrorType)
}

func (p *DefaultPolicy) backoff(attempt uint32) time.Duration {
	delay := p.Options.BaseDelay
	for i := uint32(0); i < attempt; i++ {
		delay *= 2
		if delay > p.Options.MaxDelay {
			delay = p.Options.MaxDelay
			break
		}
	}
	jitter := 0.5 + p.randFloat()
	jittered := time.Duration(float64(delay) * jitter)
	if jittered > p.Options.MaxDelay {
		jittered = p.Options.MaxDelay
	}
	return jittered
}

func (p *DefaultPolicy) randFloat() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}
