package model

import "fmt"

// ResolutionErrorKind enumerates the ways URL/body resolution can fail.
type ResolutionErrorKind string

const (
	ResolutionMissingPayload   ResolutionErrorKind = "MissingPayload"
	ResolutionPointerNotFound  ResolutionErrorKind = "PointerNotFound"
	ResolutionPointerTypeError ResolutionErrorKind = "PointerTypeError"
	ResolutionMissingToken     ResolutionErrorKind = "MissingToken"
	ResolutionUnresolvable     ResolutionErrorKind = "Unresolvable"
)

// ResolutionError reports a failure to resolve a runtime expression or
// token placeholder against a CallbackRuntimeContext. Kind identifies which
// of the five documented failure modes occurred; Detail carries the
// human-readable specifics (the offending pointer or token name).
type ResolutionError struct {
	Kind   ResolutionErrorKind
	Detail string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolution error (%s): %s", e.Kind, e.Detail)
}

// NewResolutionError constructs a ResolutionError of the given kind.
func NewResolutionError(kind ResolutionErrorKind, detail string) *ResolutionError {
	return &ResolutionError{Kind: kind, Detail: detail}
}

// ConfigError reports a malformed or unsatisfiable plan discovered at
// compile time (bad OpenAPI callback declaration, unparseable template,
// unsupported media type). ConfigError is raised eagerly by the plan
// compiler and never reaches the dispatcher.
type ConfigError struct {
	CallbackID string
	Detail     string
}

func (e *ConfigError) Error() string {
	if e.CallbackID == "" {
		return fmt.Sprintf("config error: %s", e.Detail)
	}
	return fmt.Sprintf("config error in callback %q: %s", e.CallbackID, e.Detail)
}

// NewConfigError constructs a ConfigError for the given callback.
func NewConfigError(callbackID, detail string) *ConfigError {
	return &ConfigError{CallbackID: callbackID, Detail: detail}
}
