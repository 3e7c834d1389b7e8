// Package runtimectx builds a model.CallbackRuntimeContext from the values
// known at the moment an incoming request triggers a callback dispatch.
package runtimectx

import (
	"net/url"

	"github.com/pitabwire/callhook/internal/seed"
	"github.com/pitabwire/callhook/model"
)

// Input carries the per-request values the builder assembles into a
// CallbackRuntimeContext.
type Input struct {
	TraceID        string
	Parameters     map[string]string
	TypedBody      any
	URLTemplate    string
	DefaultBaseURI *url.URL
}

// Build assembles a CallbackRuntimeContext from in. The idempotency seed is
// computed over in.URLTemplate and in.Parameters using internal/seed, the
// same algorithm the request factory (internal/requestfactory) applies
// later over the merged plan parameters — both callers must agree byte for
// byte, which is why the algorithm lives in one shared package.
func Build(in Input) model.CallbackRuntimeContext {
	vars := model.VarsFromMap(in.Parameters)

	idempotencySeed := seed.FromTemplate(in.URLTemplate, vars)
	if idempotencySeed == "" {
		// No template placeholders to seed from: fall back to the
		// correlation id so the seed is still non-empty and stable.
		idempotencySeed = in.TraceID
	}

	return model.CallbackRuntimeContext{
		CorrelationID:   in.TraceID,
		IdempotencySeed: idempotencySeed,
		DefaultBaseURI:  in.DefaultBaseURI,
		Vars:            vars,
		CallbackPayload: in.TypedBody,
	}
}
