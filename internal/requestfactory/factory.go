// Package requestfactory assembles a model.CallbackRequest from a compiled
// execution plan and the runtime context it was triggered by.
package requestfactory

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/callhook/internal/seed"
	"github.com/pitabwire/callhook/internal/serializer"
	"github.com/pitabwire/callhook/model"
)

// URLResolver resolves a plan's url_template against a runtime context.
// Satisfied by internal/resolver.Resolve.
type URLResolver func(urlTemplate string, rt model.CallbackRuntimeContext) (string, error)

// Options carries factory-wide settings and any static headers a caller
// wants attached to every request it builds.
type Options struct {
	DefaultTimeout time.Duration
	StaticHeaders  map[string]string
	SignatureKeyID string
}

// Factory assembles CallbackRequest values.
type Factory struct {
	Resolve    URLResolver
	Serializer serializer.Serializer
}

// New builds a Factory.
func New(resolve URLResolver, ser serializer.Serializer) *Factory {
	return &Factory{Resolve: resolve, Serializer: ser}
}

// Build produces a CallbackRequest from plan and rt, per Options opts.
func (f *Factory) Build(plan model.CallbackExecutionPlan, rt model.CallbackRuntimeContext, opts Options) (*model.CallbackRequest, error) {
	merged := rt.Vars.Merge(plan.Parameters)

	idempotencySeed := seed.FromTemplate(plan.Plan.URLTemplate, merged)
	if idempotencySeed == "" {
		idempotencySeed = rt.CorrelationID
	}
	idempotencyKey := idempotencySeed + ":" + plan.Plan.CallbackID + ":" + plan.Plan.OperationID

	mergedCtx := rt
	mergedCtx.Vars = merged

	targetURL, err := f.Resolve(plan.Plan.URLTemplate, mergedCtx)
	if err != nil {
		return nil, err
	}

	payload := rt.CallbackPayload
	if plan.BodyParameterName != "" {
		if v, ok := merged.Get(plan.BodyParameterName); ok {
			payload = v
		}
	}

	contentType, body, err := f.Serializer.Serialize(plan.Plan.Body, payload)
	if err != nil {
		return nil, err
	}

	headers := model.NewHeaders()
	for k, v := range opts.StaticHeaders {
		headers.SetIfAbsent(k, v)
	}
	headers.Set(model.HeaderCorrelationID, rt.CorrelationID)
	headers.Set(model.HeaderIdempotency, idempotencyKey)
	headers.Set(model.HeaderCallbackID, plan.Plan.CallbackID)

	now := time.Now().UTC()
	return &model.CallbackRequest{
		ID:             uuid.NewString(),
		CallbackID:     plan.Plan.CallbackID,
		OperationID:    plan.Plan.OperationID,
		TargetURL:      targetURL,
		Method:         strings.ToUpper(plan.Plan.Method),
		Headers:        headers,
		ContentType:    contentType,
		Body:           body,
		CorrelationID:  rt.CorrelationID,
		IdempotencyKey: idempotencyKey,
		Attempt:        0,
		CreatedAt:      now,
		NextAttemptAt:  now,
		Timeout:        opts.DefaultTimeout,
		SignatureKeyID: opts.SignatureKeyID,
	}, nil
}
