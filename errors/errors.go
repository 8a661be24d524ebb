// Package errors provides standardized error handling for shortbus components.
// It defines the gateway error taxonomy, standard error variables, and helper
// functions for consistent error wrapping and classification across the system.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies gateway errors by where they occur and how they propagate.
type Kind int

const (
	// KindProtocol is a malformed command or line; logged, session continues.
	KindProtocol Kind = iota
	// KindValidation is a well-formed command missing a required field.
	KindValidation
	// KindConnection means the storage engine is unreachable; recoverable.
	KindConnection
	// KindEngine means the engine answered with a failure status.
	KindEngine
	// KindSupervisor is a start/stop/health failure of the engine subprocess.
	KindSupervisor
	// KindCallback is a failure inside a registered notification callback.
	KindCallback
)

// String returns the string representation of the error kind.
func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	case KindConnection:
		return "connection"
	case KindEngine:
		return "engine"
	case KindSupervisor:
		return "supervisor"
	case KindCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Session and protocol errors
	ErrMalformedLine    = errors.New("malformed input line")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrMissingTopic     = errors.New("topic is required")
	ErrMissingPayload   = errors.New("payload is required")
	ErrSessionClosed    = errors.New("session closed")

	// Engine connectivity errors
	ErrEngineUnreachable = errors.New("engine unreachable")
	ErrEngineUnhealthy   = errors.New("engine health check failed")
	ErrRequestTimeout    = errors.New("engine request timeout")

	// Supervisor lifecycle errors
	ErrNotStopped     = errors.New("engine process not stopped")
	ErrNotRunning     = errors.New("engine process not running")
	ErrAlreadyRunning = errors.New("engine process already running")
	ErrStartupTimeout = errors.New("engine startup timeout")

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrRegistryClosed       = errors.New("subscription registry closed")

	// Bridge errors
	ErrWatchUnavailable = errors.New("filesystem watch unavailable")
	ErrBridgeStopped    = errors.New("notification bridge stopped")
)

// GatewayError wraps an error with its kind and origin.
type GatewayError struct {
	Kind      Kind
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ge *GatewayError) Error() string {
	if ge.Message != "" {
		return ge.Message
	}
	return ge.Err.Error()
}

// Unwrap returns the underlying error.
func (ge *GatewayError) Unwrap() error {
	return ge.Err
}

// KindOf returns the kind of a classified error, or ok=false for
// unclassified errors.
func KindOf(err error) (Kind, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return 0, false
}

// IsConnection reports whether an error is an engine connectivity failure.
// Connectivity failures are recoverable: the caller gets an error response
// and the gateway keeps running.
func IsConnection(err error) bool {
	if err == nil {
		return false
	}
	if k, ok := KindOf(err); ok {
		return k == KindConnection
	}
	if errors.Is(err, ErrEngineUnreachable) ||
		errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "timeout", "no such host", "broken pipe", "reset by peer"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsValidation reports whether an error is a caller-input validation failure.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	if k, ok := KindOf(err); ok {
		return k == KindValidation
	}
	return errors.Is(err, ErrMissingTopic) ||
		errors.Is(err, ErrMissingPayload) ||
		errors.Is(err, ErrUnknownOperation)
}

// IsSupervisor reports whether an error came from engine process lifecycle
// management. Supervisor errors fail the operation that produced them, never
// the whole gateway.
func IsSupervisor(err error) bool {
	if err == nil {
		return false
	}
	if k, ok := KindOf(err); ok {
		return k == KindSupervisor
	}
	return errors.Is(err, ErrNotStopped) ||
		errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrStartupTimeout)
}

// newClassified creates a new classified error.
// Internal helper - use the Wrap* functions instead.
func newClassified(kind Kind, err error, component, operation, message string) *GatewayError {
	return &GatewayError{
		Kind:      kind,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapKind wraps an error with the given kind and context.
func WrapKind(kind Kind, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(kind, wrapped, component, method, wrapped.Error())
}

// WrapProtocol wraps an error as a protocol error with context.
func WrapProtocol(err error, component, method, action string) error {
	return WrapKind(KindProtocol, err, component, method, action)
}

// WrapValidation wraps an error as a validation error with context.
func WrapValidation(err error, component, method, action string) error {
	return WrapKind(KindValidation, err, component, method, action)
}

// WrapConnection wraps an error as a connection error with context.
func WrapConnection(err error, component, method, action string) error {
	return WrapKind(KindConnection, err, component, method, action)
}

// WrapEngine wraps an error as an engine failure with context.
func WrapEngine(err error, component, method, action string) error {
	return WrapKind(KindEngine, err, component, method, action)
}

// WrapSupervisor wraps an error as a supervisor error with context.
func WrapSupervisor(err error, component, method, action string) error {
	return WrapKind(KindSupervisor, err, component, method, action)
}

// WrapCallback wraps an error as a callback error with context.
func WrapCallback(err error, component, method, action string) error {
	return WrapKind(KindCallback, err, component, method, action)
}
