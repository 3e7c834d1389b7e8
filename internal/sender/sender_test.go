package sender

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pitabwire/callhook/model"
)

func testRequest(ts *httptest.Server) *model.CallbackRequest {
	headers := model.NewHeaders()
	headers.Set(model.HeaderCorrelationID, "corr-1")
	return &model.CallbackRequest{
		ID:          "r1",
		TargetURL:   ts.URL,
		Method:      http.MethodPost,
		Headers:     headers,
		ContentType: "application/json",
		Body:        []byte(`{"ok":true}`),
		Timeout:     2 * time.Second,
	}
}

func TestSend_SuccessClassification(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s := New(nil, nil, nil)
	result := s.Send(context.Background(), testRequest(ts))
	if !result.Success || result.StatusCode != 200 {
		t.Errorf("result = %+v, want success 200", result)
	}
}

func TestSend_HTTPErrorClassification(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	s := New(nil, nil, nil)
	result := s.Send(context.Background(), testRequest(ts))
	if result.Success || result.ErrorType != model.ErrorTypeHTTPError || result.StatusCode != 503 {
		t.Errorf("result = %+v, want HttpError 503", result)
	}
}

func TestSend_TimeoutClassification(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	req := testRequest(ts)
	req.Timeout = 10 * time.Millisecond

	s := New(nil, nil, nil)
	result := s.Send(context.Background(), req)
	if result.Success || result.ErrorType != model.ErrorTypeTimeout {
		t.Errorf("result = %+v, want Timeout", result)
	}
}

func TestSend_SendsMandatoryHeaders(t *testing.T) {
	var gotCorrelation string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get(model.HeaderCorrelationID)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s := New(nil, nil, nil)
	s.Send(context.Background(), testRequest(ts))
	if gotCorrelation != "corr-1" {
		t.Errorf("X-Correlation-Id = %q, want corr-1", gotCorrelation)
	}
}
