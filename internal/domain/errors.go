package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Error type names surfaced in HTTP error bodies
const (
	ErrorTypeWebhook      = "WebhookError"
	ErrorTypeDatabase     = "DatabaseError"
	ErrorTypeVerification = "VerificationError"
	ErrorTypeConfig       = "ConfigError"
)

// WebhookError is the error the HTTP entry point maps to a response status
type WebhookError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Type       string `json:"type,omitempty"`
	Code       string `json:"code,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Err        error  `json:"-"`
}

// Error implements the error interface
func (e *WebhookError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *WebhookError) Unwrap() error {
	return e.Err
}

// NewWebhookError wraps cause into a WebhookError with the given status
func NewWebhookError(statusCode int, message string, cause error) *WebhookError {
	werr := &WebhookError{
		StatusCode: statusCode,
		Message:    message,
		Type:       ErrorTypeWebhook,
		Err:        cause,
	}

	// Surface store details so the response says what failed
	var dbErr *DatabaseError
	if errors.As(cause, &dbErr) {
		werr.Type = dbErr.Type
		werr.Code = dbErr.Code
		werr.Detail = dbErr.Detail
	}
	return werr
}

// DatabaseError wraps any store failure
type DatabaseError struct {
	Type       string
	Op         string
	Detail     string
	Code       string
	StatusCode int
	Err        error
}

// Error implements the error interface
func (e *DatabaseError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("database %s failed (%s): %s", e.Op, e.Code, e.Detail)
	}
	return fmt.Sprintf("database %s failed: %s", e.Op, e.Detail)
}

// Unwrap returns the driver error
func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// NewDatabaseError creates a DatabaseError for the named operation
func NewDatabaseError(op, code string, cause error) *DatabaseError {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &DatabaseError{
		Type:       ErrorTypeDatabase,
		Op:         op,
		Detail:     detail,
		Code:       code,
		StatusCode: http.StatusInternalServerError,
		Err:        cause,
	}
}

// IsDatabaseError checks if an error is or wraps a DatabaseError
func IsDatabaseError(err error) bool {
	var dbErr *DatabaseError
	return errors.As(err, &dbErr)
}

// VerificationError is returned when a webhook signature cannot be verified
type VerificationError struct {
	Code   string
	Detail string
	Err    error
}

// Error implements the error interface
func (e *VerificationError) Error() string {
	return fmt.Sprintf("signature verification failed (%s): %s", e.Code, e.Detail)
}

// Unwrap returns the SDK error
func (e *VerificationError) Unwrap() error {
	return e.Err
}

// HandlerErrorKind decides how the dispatcher treats a failed handler
type HandlerErrorKind int

const (
	// KindRetryable failures may succeed on redelivery
	KindRetryable HandlerErrorKind = iota
	// KindFatal failures will fail the same way on every redelivery
	KindFatal
)

// String returns a string representation of the kind
func (k HandlerErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// HandlerError is the failure result of a per-event-type handler
type HandlerError struct {
	Kind HandlerErrorKind
	Err  error
}

// Error implements the error interface
func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler error: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a failure that redelivery may fix
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Kind: KindRetryable, Err: err}
}

// Fatal wraps err as a failure that redelivery cannot fix
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Kind: KindFatal, Err: err}
}

// KindOf classifies err; unclassified errors are retryable
func KindOf(err error) HandlerErrorKind {
	var herr *HandlerError
	if errors.As(err, &herr) {
		return herr.Kind
	}
	return KindRetryable
}
