package model

import "time"

// ErrorType classifies a failed delivery attempt.
type ErrorType string

const (
	ErrorTypeTimeout               ErrorType = "Timeout"
	ErrorTypeDNS                   ErrorType = "Dns"
	ErrorTypeTLS                   ErrorType = "Tls"
	ErrorTypeHTTPError             ErrorType = "HttpError"
	ErrorTypeHTTPRequestException  ErrorType = "HttpRequestException"
	ErrorTypeHandlerException      ErrorType = "HandlerException"
)

// CallbackResult is the outcome of one HTTP send attempt.
type CallbackResult struct {
	Success      bool
	StatusCode   int // 0 when no response was received
	ErrorType    ErrorType
	ErrorMessage string
	RetryAfter   time.Duration // from a delta-seconds Retry-After header; 0 when absent or an HTTP-date; unused by DefaultPolicy
	CompletedAt  time.Time
}
