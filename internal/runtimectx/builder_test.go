package runtimectx

import "testing"

func TestBuild_SeedsVarsAndCorrelationID(t *testing.T) {
	ctx := Build(Input{
		TraceID:     "trace-1",
		Parameters:  map[string]string{"orderId": "42"},
		URLTemplate: "https://example.com/orders/{orderId}",
	})

	if ctx.CorrelationID != "trace-1" {
		t.Errorf("CorrelationID = %q, want trace-1", ctx.CorrelationID)
	}
	v, ok := ctx.Vars.Get("orderId")
	if !ok || v != "42" {
		t.Errorf("Vars[orderId] = %q, %v; want 42, true", v, ok)
	}
	if ctx.IdempotencySeed != "orderId=42" {
		t.Errorf("IdempotencySeed = %q, want orderId=42", ctx.IdempotencySeed)
	}
}

func TestBuild_EmptyTemplateFallsBackToCorrelationID(t *testing.T) {
	ctx := Build(Input{TraceID: "t", Parameters: map[string]string{"a": "1"}})
	if ctx.IdempotencySeed != "t" {
		t.Errorf("IdempotencySeed = %q, want %q", ctx.IdempotencySeed, "t")
	}
}

func TestBuild_CarriesTypedBodyAndBaseURI(t *testing.T) {
	ctx := Build(Input{TypedBody: map[string]any{"id": float64(1)}})
	body, ok := ctx.CallbackPayload.(map[string]any)
	if !ok {
		t.Fatalf("CallbackPayload type = %T, want map[string]any", ctx.CallbackPayload)
	}
	if body["id"] != float64(1) {
		t.Errorf("CallbackPayload[id] = %v, want 1", body["id"])
	}
}
