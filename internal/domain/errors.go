package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrStaleSnapshot        = errors.New("stale snapshot")
	ErrReconciliation       = errors.New("ledger reconciliation required")
	ErrNotFound             = errors.New("not found")
	ErrLockTimeout          = errors.New("lock acquisition timed out")
	ErrForbidden            = errors.New("actor is not permitted to perform this action")
	ErrDuplicate            = errors.New("duplicate record")
)

// ValidationError reports malformed input rejected before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientQuantityError is returned when applying an entry would drive a
// counter below zero.
type InsufficientQuantityError struct {
	EquipmentID int32
	Counter     string
	Requested   int32
	Available   int32
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("insufficient quantity for equipment %d: requested %d, %s %d",
		e.EquipmentID, e.Requested, e.Counter, e.Available)
}

func (e *InsufficientQuantityError) Unwrap() error { return ErrInsufficientQuantity }

// InvalidTransitionError carries the current status and the events that are
// legal from it.
type InvalidTransitionError struct {
	OrderID int32
	Kind    OrderKind
	From    OrderStatus
	Event   Event
	Allowed []Event
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, ev := range e.Allowed {
		allowed[i] = string(ev)
	}
	msg := fmt.Sprintf("invalid transition: %s %d cannot %s from %s", e.Kind, e.OrderID, e.Event, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg + fmt.Sprintf(" (allowed: [%s])", strings.Join(allowed, ", "))
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

type StaleSnapshotError struct {
	Entity   string
	ID       int32
	Expected int64
	Actual   int64
}

func (e *StaleSnapshotError) Error() string {
	return fmt.Sprintf("stale snapshot: %s %d expected version %d, found %d", e.Entity, e.ID, e.Expected, e.Actual)
}

func (e *StaleSnapshotError) Unwrap() error { return ErrStaleSnapshot }

// ReconciliationError means the ledger replay disagrees with the stored
// counters. Writes to the item stay blocked until the hold is resolved.
type ReconciliationError struct {
	EquipmentID int32
	Stored      Counters
	Replayed    Counters
	Detail      string
}

func (e *ReconciliationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("equipment %d requires reconciliation: %s", e.EquipmentID, e.Detail)
	}
	return fmt.Sprintf("equipment %d requires reconciliation: stored %s, ledger %s", e.EquipmentID, e.Stored, e.Replayed)
}

func (e *ReconciliationError) Unwrap() error { return ErrReconciliation }

// IsRetryable reports whether the operation can be repeated as-is because
// nothing was changed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleSnapshot) || errors.Is(err, ErrLockTimeout)
}

// FailureClass tells a front end how to present an error.
type FailureClass string

const (
	FailureRetry          FailureClass = "retry"
	FailureActionNeeded   FailureClass = "action_needed"
	FailureContactSupport FailureClass = "contact_support"
	FailureUnknown        FailureClass = "unknown"
)

func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrReconciliation):
		return FailureContactSupport
	case errors.Is(err, ErrValidation), errors.Is(err, ErrStaleSnapshot), errors.Is(err, ErrLockTimeout):
		return FailureRetry
	case errors.Is(err, ErrInsufficientQuantity), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrForbidden), errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicate):
		return FailureActionNeeded
	default:
		return FailureUnknown
	}
}

// Code returns a stable name for the failure err wraps, for transports and
// logs.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInsufficientQuantity):
		return "insufficient_quantity"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrStaleSnapshot):
		return "stale_snapshot"
	case errors.Is(err, ErrReconciliation):
		return "reconciliation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	default:
		return "internal"
	}
}

// IsExpected reports whether err is a business rejection rather than a fault.
func IsExpected(err error) bool {
	switch Classify(err) {
	case FailureRetry, FailureActionNeeded:
		return true
	}
	return false
}
