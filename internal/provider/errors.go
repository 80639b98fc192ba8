package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/sells-group/cartrouter/internal/resilience"
)

// ErrorCode classifies why a provider attempt failed.
type ErrorCode string

const (
	CodeTimeout     ErrorCode = "PROVIDER_TIMEOUT"
	CodeUpstream5xx ErrorCode = "PROVIDER_UPSTREAM_5XX"
	CodeUpstream4xx ErrorCode = "PROVIDER_UPSTREAM_4XX"
	CodeAuthFailed  ErrorCode = "PROVIDER_AUTH_FAILED"
	CodeConfig      ErrorCode = "PROVIDER_CONFIG"
	CodeInvalid     ErrorCode = "INVALID_QUOTE"
	CodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
)

// ProviderError is the failure contract of Provider.GetQuote. Message is safe
// to show callers; Detail may carry upstream bodies and is only logged after
// Redact.
type ProviderError struct {
	ProviderID string
	Code       ErrorCode
	Retryable  bool
	StatusCode int
	Message    string
	Detail     string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s (%s)", e.ProviderID, e.Code, e.Message, Redact(e.Detail))
	}
	return fmt.Sprintf("%s: %s: %s", e.ProviderID, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewError builds a ProviderError whose retryability follows its code.
func NewError(providerID string, code ErrorCode, message string) *ProviderError {
	return &ProviderError{
		ProviderID: providerID,
		Code:       code,
		Retryable:  code == CodeTimeout || code == CodeUpstream5xx,
		Message:    message,
	}
}

// FromStatus classifies an upstream HTTP status.
func FromStatus(providerID string, status int, body string) *ProviderError {
	var pe *ProviderError
	switch {
	case status == 401 || status == 403:
		pe = NewError(providerID, CodeAuthFailed, "provider rejected credentials")
	case resilience.IsTransientHTTPStatus(status) && status >= 500:
		pe = NewError(providerID, CodeUpstream5xx, "provider unavailable")
	case resilience.IsTransientHTTPStatus(status):
		// 408/425/429 are client-range but worth another attempt.
		pe = NewError(providerID, CodeUpstream4xx, "provider throttled the request")
		pe.Retryable = true
	case status >= 500:
		pe = NewError(providerID, CodeUpstream5xx, "provider error")
	default:
		pe = NewError(providerID, CodeUpstream4xx, "provider rejected the request")
	}
	pe.StatusCode = status
	pe.Detail = body
	return pe
}

// Classify converts any error from a provider call into a ProviderError.
func Classify(providerID string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		pe = NewError(providerID, CodeTimeout, "provider timed out")
	case errors.Is(err, resilience.ErrCircuitOpen):
		pe = NewError(providerID, CodeCircuitOpen, "provider temporarily disabled after repeated failures")
	case resilience.IsTransient(err):
		pe = NewError(providerID, CodeUpstream5xx, "provider unreachable")
	default:
		pe = NewError(providerID, CodeUpstream4xx, "provider call failed")
	}
	pe.Detail = err.Error()
	pe.Err = err
	return pe
}

// IsRetryable reports whether err is a retryable provider failure.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return resilience.IsTransient(err)
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`),
	regexp.MustCompile(`(?i)((?:api[_-]?key|access_token|client_secret|token|password|secret)["']?\s*[:=]\s*["']?)[^\s"'&,}]+`),
}

// Redact masks credentials in upstream text before it reaches a log line.
func Redact(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "${1}[REDACTED]")
	}
	return s
}
