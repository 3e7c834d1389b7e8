// Package sender performs a single HTTP delivery attempt for a
// CallbackRequest and classifies the outcome into a model.CallbackResult.
//
// Grounded on executeOnce's request construction and the
// isConnectionError/isServerError classification helpers in the teacher's
// internal/invoker/openapi.go, generalized to the spec's full error
// taxonomy (Timeout, Dns, Tls, HttpRequestException, HttpError).
package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/callhook/internal/signer"
	"github.com/pitabwire/callhook/model"
)

// maxResponseBody bounds how much of a response body is read, mirroring
// the teacher's 10MB response-read cap.
const maxResponseBody = 10 << 20

// Sender performs a single send attempt.
type Sender struct {
	Client *http.Client
	Signer signer.Signer // optional; nil means unsigned
	Tracer trace.Tracer  // optional; nil disables span creation
}

// New builds a Sender. client may be nil, in which case http.DefaultClient
// is used with per-request timeouts applied via context.
func New(client *http.Client, sgn signer.Signer, tracer trace.Tracer) *Sender {
	if client == nil {
		client = http.DefaultClient
	}
	return &Sender{Client: client, Signer: sgn, Tracer: tracer}
}

// Send performs one attempt at delivering req and returns the classified
// result. Send never returns a Go error for delivery failures — every
// failure mode is materialized into the returned CallbackResult, per the
// spec's propagation policy that the worker loop never throws except on
// shutdown cancellation.
func (s *Sender) Send(ctx context.Context, req *model.CallbackRequest) model.CallbackResult {
	ctx, span := s.startSpan(ctx, req)
	defer span.End()

	if s.Signer != nil && len(req.Body) > 0 {
		if err := s.Signer.Sign(req); err != nil {
			result := model.CallbackResult{
				Success:      false,
				ErrorType:    model.ErrorTypeHandlerException,
				ErrorMessage: err.Error(),
				CompletedAt:  time.Now().UTC(),
			}
			recordOutcome(span, result)
			return result
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.TargetURL, bodyReader)
	if err != nil {
		result := classifyError(err, attemptCtx)
		recordOutcome(span, result)
		return result
	}

	req.Headers.Range(func(key, value string) {
		if !isLegalHeaderName(key) {
			return
		}
		httpReq.Header.Set(key, value)
	})
	if req.ContentType != "" && req.Body != nil {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	resp, err := s.Client.Do(httpReq)
	if err != nil {
		result := classifyError(err, attemptCtx)
		recordOutcome(span, result)
		return result
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	result := classifyStatus(resp.StatusCode)
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		result.RetryAfter = time.Duration(secs) * time.Second
	}
	recordOutcome(span, result)
	return result
}

func isLegalHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r <= ' ' || r == ':' || r > '~' {
			return false
		}
	}
	return true
}

func classifyStatus(code int) model.CallbackResult {
	now := time.Now().UTC()
	if code >= 200 && code < 300 {
		return model.CallbackResult{Success: true, StatusCode: code, CompletedAt: now}
	}
	return model.CallbackResult{
		Success:      false,
		StatusCode:   code,
		ErrorType:    model.ErrorTypeHTTPError,
		ErrorMessage: http.StatusText(code),
		CompletedAt:  now,
	}
}

func classifyError(err error, attemptCtx context.Context) model.CallbackResult {
	now := time.Now().UTC()
	errType := classifyErrorType(err, attemptCtx)
	return model.CallbackResult{
		Success:      false,
		ErrorType:    errType,
		ErrorMessage: err.Error(),
		CompletedAt:  now,
	}
}

func classifyErrorType(err error, attemptCtx context.Context) model.ErrorType {
	if attemptCtx.Err() == context.DeadlineExceeded {
		return model.ErrorTypeTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.ErrorTypeDNS
	}

	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return model.ErrorTypeTLS
	}
	var recordHeaderErr tls.RecordHeaderError
	if errors.As(err, &recordHeaderErr) {
		return model.ErrorTypeTLS
	}

	var netOpErr *net.OpError
	if errors.As(err, &netOpErr) {
		return model.ErrorTypeHTTPRequestException
	}

	return model.ErrorTypeHTTPRequestException
}

func (s *Sender) startSpan(ctx context.Context, req *model.CallbackRequest) (context.Context, trace.Span) {
	if s.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := s.Tracer.Start(ctx, "callback.send",
		trace.WithAttributes(
			attribute.String("callback_id", req.CallbackID),
			attribute.Int64("attempt", int64(req.Attempt)),
		),
	)
	return ctx, span
}

func recordOutcome(span trace.Span, result model.CallbackResult) {
	if result.StatusCode != 0 {
		span.SetAttributes(attribute.Int("status_code", result.StatusCode))
	}
	if !result.Success {
		span.SetStatus(codes.Error, string(result.ErrorType))
	}
}
