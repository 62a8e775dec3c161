package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable error category reported to clients.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation_error"
	KindComputation      ErrorKind = "computation_error"
	KindEnqueue          ErrorKind = "enqueue_error"
	KindRetriesExhausted ErrorKind = "retries_exhausted"
	KindNotFound         ErrorKind = "not_found"
	KindRateLimited      ErrorKind = "rate_limited"
	KindInternal         ErrorKind = "internal_error"
)

// Error carries a kind and a client-safe message. Err holds the internal cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// JobError converts the error into the form persisted on a failed job.
func (e *Error) JobError() JobError {
	return JobError{Kind: e.Kind, Message: e.Message}
}

func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func ComputationError(err error) *Error {
	return &Error{Kind: KindComputation, Message: "prediction failed", Err: err}
}

func EnqueueError(err error) *Error {
	return &Error{Kind: KindEnqueue, Message: "failed to enqueue prediction", Err: err}
}

// RetriesExhausted reports a job that failed on every allowed attempt. The cause of the
// last attempt is kept as the wrapped error and never reaches the message.
func RetriesExhausted(attempts int, cause error) *Error {
	return &Error{
		Kind:    KindRetriesExhausted,
		Message: fmt.Sprintf("retries exhausted after %d attempts", attempts),
		Err:     cause,
	}
}

func NotFound(id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("prediction %s not found", id)}
}

func RateLimited() *Error {
	return &Error{Kind: KindRateLimited, Message: "too many requests"}
}

// KindOf returns the kind of err, or KindInternal for errors outside the taxonomy.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
