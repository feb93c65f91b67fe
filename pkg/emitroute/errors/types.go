package errors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the correlator, client and transports.
var (
	// ErrClosed indicates the client or correlator has been closed.
	ErrClosed = errors.New("emitroute: closed")

	// ErrCanceled indicates the caller abandoned a pending request.
	ErrCanceled = errors.New("emitroute: request canceled")

	// ErrTooManyPending indicates every request id is in flight.
	ErrTooManyPending = errors.New("emitroute: too many pending requests")

	// ErrNotConnected indicates the transport is not connected.
	ErrNotConnected = errors.New("emitroute: not connected")
)

// StatusOK is the only success status on the control plane.
const StatusOK = 200

// ProtocolError indicates a control-plane payload could not be understood.
type ProtocolError struct {
	Topic   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error on %s: %s: %v", e.Topic, e.Message, e.Err)
	}
	return fmt.Sprintf("protocol error on %s: %s", e.Topic, e.Message)
}

// Unwrap returns the decode error, if any.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// StatusError carries a non-200 status returned by the service.
type StatusError struct {
	Code    int
	Message string

	// Request is the correlated request id, or 0 for unsolicited errors.
	Request uint16
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Request != 0 {
		return fmt.Sprintf("status %d (request %d): %s", e.Code, e.Request, e.Message)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// NewStatusError returns nil for StatusOK and a *StatusError otherwise.
// A zero code is treated as StatusOK since the service omits it on success.
func NewStatusError(code int, message string, request uint16) error {
	if code == 0 || code == StatusOK {
		return nil
	}
	return &StatusError{Code: code, Message: message, Request: request}
}

// TimeoutError indicates no response arrived before the request deadline.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Request   uint16
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s (request %d)", e.Duration, e.Operation, e.Request)
}

// HandlerError wraps a failure raised inside a registered handler.
// Panic is set when the handler panicked instead of returning an error.
type HandlerError struct {
	Topic   string
	Handler string
	Err     error
	Panic   any
	Stack   string
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler %s panicked on %s: %v", e.Handler, e.Topic, e.Panic)
	}
	return fmt.Sprintf("handler %s failed on %s: %v", e.Handler, e.Topic, e.Err)
}

// Unwrap returns the error returned by the handler.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// ConfigurationError rejects an operation before any network activity.
type ConfigurationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
