// Package model defines the immutable data types shared across the
// callback dispatch pipeline: plans, runtime context, requests, results,
// and retry decisions.
package model

import (
	"encoding/json"
	"strings"
)

// Vars is a case-insensitive string-keyed map used for template
// placeholders, resolved path parameters, and merged execution-plan
// parameters. Keys are stored under their lowercase form; Keys() returns
// the original casing of the first insertion.
type Vars struct {
	values map[string]string
	casing map[string]string
}

// NewVars creates an empty Vars map.
func NewVars() Vars {
	return Vars{
		values: make(map[string]string),
		casing: make(map[string]string),
	}
}

// VarsFromMap builds a Vars map from a plain string map.
func VarsFromMap(m map[string]string) Vars {
	v := NewVars()
	for k, val := range m {
		v.Set(k, val)
	}
	return v
}

// Set stores a value under the given key, case-insensitively.
func (v *Vars) Set(key, value string) {
	if v.values == nil {
		v.values = make(map[string]string)
		v.casing = make(map[string]string)
	}
	lower := strings.ToLower(key)
	v.values[lower] = value
	if _, ok := v.casing[lower]; !ok {
		v.casing[lower] = key
	}
}

// Get returns the value for key and whether it was present.
func (v Vars) Get(key string) (string, bool) {
	if v.values == nil {
		return "", false
	}
	val, ok := v.values[strings.ToLower(key)]
	return val, ok
}

// Len returns the number of stored entries.
func (v Vars) Len() int {
	return len(v.values)
}

// Keys returns the original-cased keys in insertion order is not
// guaranteed; callers that need deterministic order should sort.
func (v Vars) Keys() []string {
	keys := make([]string, 0, len(v.casing))
	for _, original := range v.casing {
		keys = append(keys, original)
	}
	return keys
}

// Merge returns a new Vars with other's entries layered on top of v's,
// i.e. keys present in both take other's value. Neither input is mutated.
func (v Vars) Merge(other Vars) Vars {
	result := NewVars()
	for lower, val := range v.values {
		result.values[lower] = val
		result.casing[lower] = v.casing[lower]
	}
	for lower, val := range other.values {
		result.values[lower] = val
		result.casing[lower] = other.casing[lower]
	}
	return result
}

// Headers is a case-insensitive ordered header map. Unlike http.Header it
// preserves the first-seen casing for each key and tracks insertion order,
// which matters for deterministic test assertions on the mandatory header
// set.
type Headers struct {
	order  []string
	values map[string]string
	casing map[string]string
}

// NewHeaders creates an empty Headers map.
func NewHeaders() Headers {
	return Headers{
		values: make(map[string]string),
		casing: make(map[string]string),
	}
}

// Set stores a header value, overwriting any existing value for the same
// case-insensitive key while preserving its original position.
func (h *Headers) Set(key, value string) {
	if h.values == nil {
		h.values = make(map[string]string)
		h.casing = make(map[string]string)
	}
	lower := strings.ToLower(key)
	if _, exists := h.values[lower]; !exists {
		h.order = append(h.order, lower)
		h.casing[lower] = key
	}
	h.values[lower] = value
}

// SetIfAbsent stores a header value only if the key is not already set.
// Returns false when the key already existed (no-op).
func (h *Headers) SetIfAbsent(key, value string) bool {
	lower := strings.ToLower(key)
	if h.values != nil {
		if _, exists := h.values[lower]; exists {
			return false
		}
	}
	h.Set(key, value)
	return true
}

// Get returns the value for key and whether it was present.
func (h Headers) Get(key string) (string, bool) {
	if h.values == nil {
		return "", false
	}
	val, ok := h.values[strings.ToLower(key)]
	return val, ok
}

// Range calls fn for each header in insertion order.
func (h Headers) Range(fn func(key, value string)) {
	for _, lower := range h.order {
		fn(h.casing[lower], h.values[lower])
	}
}

// Len returns the number of stored headers.
func (h Headers) Len() int {
	return len(h.values)
}

// headerEntry is the wire shape one Headers key/value pair marshals to,
// preserving original casing and insertion order (fields Store
// implementations need to serialize a Headers value verbatim).
type headerEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MarshalJSON implements json.Marshaler, since Headers' fields are
// unexported and would otherwise serialize as an empty object.
func (h Headers) MarshalJSON() ([]byte, error) {
	entries := make([]headerEntry, 0, len(h.order))
	h.Range(func(key, value string) {
		entries = append(entries, headerEntry{Key: key, Value: value})
	})
	return json.Marshal(entries)
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *Headers) UnmarshalJSON(data []byte) error {
	var entries []headerEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	*h = NewHeaders()
	for _, e := range entries {
		h.Set(e.Key, e.Value)
	}
	return nil
}
