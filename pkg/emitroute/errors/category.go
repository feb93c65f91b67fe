// Package errors defines the error taxonomy of the routing layer and how each
// kind of failure should be treated by callers.
//
// Errors fall into five kinds:
//   - ProtocolError: a control-plane payload could not be decoded
//   - StatusError: a correlated response carried a non-200 status
//   - TimeoutError: no response arrived before the request deadline
//   - HandlerError: a registered handler failed or panicked during dispatch
//   - ConfigurationError: an operation was rejected before any network activity
//
// Each kind maps to a Category. Only transient failures are worth retrying, and
// the core never retries on its own; WithRetry is offered for callers that opt in.
package errors

import (
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: request timeouts, rate limiting, server-side failures.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: unauthorized keys, malformed payloads, missing configuration.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Transient marks err as worth retrying.
func Transient(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryTransient, Context: context}
}

// Permanent marks err as not worth retrying.
func Permanent(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryPermanent, Context: context}
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == 429:
			return CategoryTransient
		case statusErr.Code >= 500:
			return CategoryTransient
		default:
			return CategoryPermanent
		}
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	if errors.Is(err, ErrNotConnected) {
		return CategoryTransient
	}

	// Protocol, handler and configuration errors, closed or canceled
	// requests, and anything unknown are permanent.
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsTimeout reports whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// StatusCode returns the status code carried by err, or 0 if err does not
// wrap a StatusError.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return 0
}
