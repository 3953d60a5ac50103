// Package errors provides the error taxonomy shared by all sync components.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind categorizes an error for retry and surfacing decisions.
type Kind string

const (
	// KindConfiguration covers missing credentials or URLs. Fatal, never retried.
	KindConfiguration Kind = "configuration"
	// KindTransient covers timeouts, 5xx and 429. Retried per component policy.
	KindTransient Kind = "transient"
	// KindAuth covers 401/403. Triggers cache invalidation, not retried in place.
	KindAuth Kind = "auth"
	// KindNotFound covers absent secrets or documents. Terminal per call.
	KindNotFound Kind = "not_found"
	// KindData covers malformed payloads. Logged, operation skipped.
	KindData Kind = "data"
)

// Error is a classified error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a classified error wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Configuration creates a configuration error.
func Configuration(message string) *Error { return New(KindConfiguration, message) }

// Transient wraps a retryable network failure.
func Transient(message string, cause error) *Error { return Wrap(KindTransient, message, cause) }

// Auth wraps a 401/403-class failure.
func Auth(message string, cause error) *Error { return Wrap(KindAuth, message, cause) }

// NotFound creates a not-found error.
func NotFound(message string) *Error { return New(KindNotFound, message) }

// Data wraps a malformed-payload failure.
func Data(message string, cause error) *Error { return Wrap(KindData, message, cause) }

// KindOf extracts the kind from err, defaulting to KindTransient for plain
// network-shaped errors and KindData otherwise.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if IsTimeout(err) {
		return KindTransient
	}
	return KindData
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var classified *Error
	return errors.As(err, &classified) && classified.Kind == kind
}

// IsTimeout reports whether err is a timeout or cancellation-shaped failure.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// FromHTTPStatus classifies an upstream HTTP status code.
//
// 429 and 5xx are transient, 401/403 are auth failures, 404 is not-found,
// and any other 4xx is a configuration problem on our side of the request.
func FromHTTPStatus(status int, message string) *Error {
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return New(KindTransient, message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return New(KindAuth, message)
	case status == http.StatusNotFound:
		return New(KindNotFound, message)
	default:
		return New(KindConfiguration, message)
	}
}
