package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownProvider indicates the requested provider is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrDuplicateProvider indicates an attempt to register the same provider twice.
var ErrDuplicateProvider = errors.New("provider already registered")

// ErrNoProviders indicates the registry holds no usable providers.
var ErrNoProviders = errors.New("no providers registered")

// ErrUnsupportedOperation indicates the provider cannot fulfill the requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

// Kind classifies a backend failure for retry purposes.
type Kind int

const (
	// KindTransient marks failures where a retry may succeed: network
	// errors, upstream 5xx, rate limiting, timeouts.
	KindTransient Kind = iota
	// KindFatal marks failures caused by the request itself; retrying the
	// same request cannot succeed.
	KindFatal
	// KindUnavailable marks requests no registered backend can serve.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified backend failure. Status carries the upstream HTTP
// status when one was observed, zero otherwise.
type Error struct {
	Kind     Kind
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient builds a retryable failure.
func Transient(providerName, message string, cause error) *Error {
	return &Error{Kind: KindTransient, Provider: providerName, Message: message, Err: cause}
}

// Fatal builds a non-retryable failure.
func Fatal(providerName, message string, cause error) *Error {
	return &Error{Kind: KindFatal, Provider: providerName, Message: message, Err: cause}
}

// Unavailable builds a failure meaning no backend can serve the request.
func Unavailable(message string) *Error {
	return &Error{Kind: KindUnavailable, Message: message}
}

// ClassifyStatus maps an upstream HTTP status to a failure kind. Client
// errors are fatal except for 408 and 429, which signal load rather than a
// malformed request.
func ClassifyStatus(status int) Kind {
	switch {
	case status == 408 || status == 429:
		return KindTransient
	case status >= 400 && status < 500:
		return KindFatal
	default:
		return KindTransient
	}
}

// IsTransient reports whether err should be retried. Unclassified errors are
// treated as transient: most of what backends surface without classification
// is connection-level noise. An expired per-attempt deadline is transient;
// client cancellation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindTransient
	}
	return true
}
