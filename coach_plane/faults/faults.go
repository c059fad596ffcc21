package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the handling contract the caller must apply.
type Kind int

const (
	// Unknown is the zero kind; treated like PersistenceFailure by ingress.
	Unknown Kind = iota
	// NotFound means a user or catalog lookup missed. The event is rejected
	// and dropped after a warning.
	NotFound
	// PersistenceFailure means a store read or write failed. The event is not
	// acknowledged and may be redelivered; no partial transition is kept.
	PersistenceFailure
	// ScheduleFailure means the task queue rejected an enqueue or cancel.
	ScheduleFailure
	// IllegalTransition means the current phase state does not handle the
	// event. Logged at INFO and ignored.
	IllegalTransition
	// DeliveryFailure means the trigger sink could not reach the front end.
	// The queue retries with backoff.
	DeliveryFailure
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case PersistenceFailure:
		return "persistence_failure"
	case ScheduleFailure:
		return "schedule_failure"
	case IllegalTransition:
		return "illegal_transition"
	case DeliveryFailure:
		return "delivery_failure"
	default:
		return "unknown"
	}
}

// Error carries a kind, the operation that failed, and the underlying cause.
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

// E builds a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain, Unknown when unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
