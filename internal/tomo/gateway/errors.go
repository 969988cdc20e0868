package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind classifies execution failures so callers can map them to
// user-facing replies and decide on retries without string matching.
type ErrorKind int

const (
	// KindUnknown covers unclassified failures.
	KindUnknown ErrorKind = iota
	// KindHandlerNotFound means no executor exists for the action at all.
	KindHandlerNotFound
	// KindFallbackDestinationMissing means a handler requested a hand-off
	// without naming a destination.
	KindFallbackDestinationMissing
	// KindFallbackLoop means a fallback executor itself requested a
	// hand-off; execution fails closed rather than bouncing.
	KindFallbackLoop
	// KindInvalidArguments means argument validation rejected the action.
	KindInvalidArguments
	// KindExpiredIntent means the confirmation arrived after the TTL.
	KindExpiredIntent
	// KindAlreadyInProgress means a concurrent confirmation won the claim.
	KindAlreadyInProgress
	// KindExecutionFailure means the executor itself failed.
	KindExecutionFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindHandlerNotFound:
		return "handler_not_found"
	case KindFallbackDestinationMissing:
		return "fallback_destination_missing"
	case KindFallbackLoop:
		return "fallback_loop"
	case KindInvalidArguments:
		return "invalid_arguments"
	case KindExpiredIntent:
		return "expired_intent"
	case KindAlreadyInProgress:
		return "already_in_progress"
	case KindExecutionFailure:
		return "execution_failure"
	default:
		return "unknown"
	}
}

// Error is the gateway's classified error. Retryable means the same request
// can be repeated (the underlying failure was transient); configuration
// errors like a missing handler are never retryable.
type Error struct {
	Kind      ErrorKind
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error chain.
func KindOf(err error) ErrorKind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether a failed request may be retried.
func IsRetryable(err error) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Retryable
	}
	return false
}

func newError(kind ErrorKind, retryable bool, format string, args ...any) *Error {
	return &Error{Kind: kind, Retryable: retryable, Err: fmt.Errorf(format, args...)}
}
