// Package errors classifies raw failures into normalized, user-actionable
// error records and owns the reconnect backoff budget shared with the
// streaming layer.
package errors

import (
	"fmt"
)

// Kind buckets a failure for retry decisions and user messaging.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindValidation Kind = "validation"
	KindPermission Kind = "permission"
	KindServer     Kind = "server"
	KindBusiness   Kind = "business"
	KindUnknown    Kind = "unknown"
)

// Classified is the normalized error record surfaced to the task layer.
// Every instance carries a kind and an explicit retryability verdict; the
// friendly message and suggestion are safe to show to end users as-is.
type Classified struct {
	Kind       Kind   `json:"kind"`
	Code       string `json:"code,omitempty"`        // business code, e.g. "QUOTA_EXCEEDED"
	StatusCode int    `json:"status_code,omitempty"` // transport status if applicable
	Raw        string `json:"raw_message,omitempty"`
	Friendly   string `json:"friendly_message"`
	Suggestion string `json:"suggestion,omitempty"`
	Retryable  bool   `json:"retryable"`

	cause error
}

func (e *Classified) Error() string {
	if e.Friendly != "" {
		return e.Friendly
	}
	if e.Raw != "" {
		return e.Raw
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *Classified) Unwrap() error {
	return e.cause
}

// StatusError represents a response-bearing failure from the backend: a
// numeric HTTP-style status plus an optional structured body with a business
// code. The streaming and poll clients produce these for non-2xx responses.
type StatusError struct {
	StatusCode   int
	Status       string
	BusinessCode string
	Body         string
}

func (e *StatusError) Error() string {
	if e.BusinessCode != "" {
		return fmt.Sprintf("HTTP %d (%s): %s", e.StatusCode, e.BusinessCode, e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// NewStatusError creates a response-bearing error.
func NewStatusError(statusCode int, status, body string) *StatusError {
	return &StatusError{StatusCode: statusCode, Status: status, Body: body}
}

// BusinessError is an application-raised failure with an explicit code, e.g.
// the generation pipeline rejecting over-long input.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBusinessError creates an application error with an explicit code.
func NewBusinessError(code, message string) *BusinessError {
	return &BusinessError{Code: code, Message: message}
}
