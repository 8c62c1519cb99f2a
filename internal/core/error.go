// Package core holds cross-cutting types shared by every service in a
// fedi3 node: the error taxonomy and the process-wide handle registry.
package core

import "fmt"

// Kind classifies a CoreError for dispatch: whether it is terminal,
// retryable, or fatal to the whole process.
type Kind string

const (
	KindConfig            Kind = "config"
	KindAuth              Kind = "auth"
	KindRateLimit         Kind = "rate_limit"
	KindPeerGone          Kind = "peer_gone"
	KindTransient         Kind = "transient"
	KindProtocolViolation Kind = "protocol_violation"
	KindFatal             Kind = "fatal"
)

// CoreError is the single error type every service returns, carrying a Kind
// that callers switch on to decide retry/terminal/fatal handling without
// string-matching error messages.
type CoreError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

// NewError builds a CoreError of the given kind, optionally wrapping cause.
func NewError(kind Kind, message string, cause error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Err: cause}
}

// Terminal reports whether a job experiencing this error should be marked
// Dead immediately rather than rescheduled.
func (e *CoreError) Terminal() bool {
	return e.Kind == KindPeerGone || e.Kind == KindProtocolViolation
}

// Retryable reports whether the caller should reschedule with backoff.
func (e *CoreError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimit
}
