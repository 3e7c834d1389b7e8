// Package serializer turns a CallbackRuntimeContext's payload into the
// bytes and content type a CallbackRequest carries.
package serializer

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"

	"github.com/pitabwire/callhook/model"
)

// Serializer produces a content type and body for a plan's declared media
// type and the context's callback payload.
type Serializer interface {
	Serialize(plan model.BodyPlan, payload any) (contentType string, body []byte, err error)
}

// JSONSerializer is the mandatory default: it JSON-encodes the payload,
// or produces an empty body when plan.Present is false or payload is nil.
type JSONSerializer struct{}

// Serialize implements Serializer.
func (JSONSerializer) Serialize(plan model.BodyPlan, payload any) (string, []byte, error) {
	if !plan.Present {
		return "application/json", nil, nil
	}
	contentType := plan.MediaType
	if contentType == "" {
		contentType = "application/json"
	}
	if payload == nil {
		return contentType, nil, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("serializer: marshal payload: %w", err)
	}
	return contentType, body, nil
}

// FormSerializer encodes the payload as application/x-www-form-urlencoded,
// wired as a domain-stack extension for callback operations that declare
// that media type. The payload must be a flat map[string]any; nested
// values are rejected.
type FormSerializer struct{}

// Serialize implements Serializer.
func (FormSerializer) Serialize(plan model.BodyPlan, payload any) (string, []byte, error) {
	if !plan.Present || payload == nil {
		return "application/x-www-form-urlencoded", nil, nil
	}

	fields, ok := payload.(map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("serializer: form payload must be a flat object, got %T", payload)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		values.Set(k, fmt.Sprintf("%v", fields[k]))
	}
	return "application/x-www-form-urlencoded", []byte(values.Encode()), nil
}

// Resolve picks the Serializer for a plan's declared media type, falling
// back to JSONSerializer for application/json or an absent body.
func Resolve(mediaType string) Serializer {
	if mediaType == "application/x-www-form-urlencoded" {
		return FormSerializer{}
	}
	return JSONSerializer{}
}

// Auto is a Serializer that dispatches to Resolve(plan.MediaType) per call,
// so a single Factory can serve plans declaring different body media
// types without the caller picking a Serializer up front.
type Auto struct{}

// Serialize implements Serializer.
func (Auto) Serialize(plan model.BodyPlan, payload any) (string, []byte, error) {
	return Resolve(plan.MediaType).Serialize(plan, payload)
}
