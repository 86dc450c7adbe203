package backend

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies adapter errors so the coordinator can decide between
// retry, rollback and plain propagation without inspecting driver errors.
type Kind string

const (
	// KindTransient errors are retry-safe.
	KindTransient Kind = "TRANSIENT"
	// KindPermanent errors must not be retried.
	KindPermanent Kind = "PERMANENT"
	// KindNotFound is surfaced on reads; it is not a saga failure.
	KindNotFound Kind = "NOT_FOUND"
	// KindConflict is a duplicate key or version mismatch.
	KindConflict Kind = "CONFLICT"
	// KindIntegrity is a hash, size or count mismatch. Never retried.
	KindIntegrity Kind = "INTEGRITY"
	// KindBackpressure asks the caller to retry with delay.
	KindBackpressure Kind = "BACKPRESSURE"
	// KindDeadline marks a deadline or cancellation expiry.
	KindDeadline Kind = "DEADLINE_EXCEEDED"
)

// Error is the tagged-variant error type every adapter surfaces. Callers
// match on Kind; the wrapped error is for logs only.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Constructors for the taxonomy. Adapters wrap their driver errors with
// these; anything an adapter returns without a Kind is treated as PERMANENT.

func Transient(op string, err error) error    { return &Error{Kind: KindTransient, Op: op, Err: err} }
func Permanent(op string, err error) error    { return &Error{Kind: KindPermanent, Op: op, Err: err} }
func NotFound(op string, err error) error     { return &Error{Kind: KindNotFound, Op: op, Err: err} }
func Conflict(op string, err error) error     { return &Error{Kind: KindConflict, Op: op, Err: err} }
func Integrity(op string, err error) error    { return &Error{Kind: KindIntegrity, Op: op, Err: err} }
func Backpressure(op string, err error) error { return &Error{Kind: KindBackpressure, Op: op, Err: err} }

// KindOf extracts the taxonomy kind from an error. Context cancellation maps
// to DEADLINE_EXCEEDED; every unclassified error is PERMANENT.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindDeadline
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindPermanent
}

// IsRetryable reports whether the coordinator may retry the operation.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindBackpressure
}

// IsNotFound reports whether the error is an absent-record read.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
