package model

import "net/url"

// CallbackRuntimeContext carries the request-scoped values a dispatch is
// resolved against: correlation id, resolved parameters, the typed
// incoming request body, and an optional default base URI for relative
// callback URLs. It is built once per incoming request and never mutated
// afterward — every field is read-only for the lifetime of one dispatch.
type CallbackRuntimeContext struct {
	CorrelationID   string
	IdempotencySeed string
	DefaultBaseURI  *url.URL
	Vars            Vars
	CallbackPayload any // decoded JSON value (map[string]any, []any, scalar, or nil)
}
