package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAlreadyAssigned     = errors.New("task already assigned")

	// ErrVersionConflict means a conditional task update matched no row.
	ErrVersionConflict = errors.New("task version conflict")

	// ErrTransitionFailed wraps storage failures that outlived the commit retry budget.
	// Safe to retry with the same idempotency key.
	ErrTransitionFailed = errors.New("transition failed")
)

// ValidationError reports a malformed request. Nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Guard violation codes.
const (
	GuardForbidden     = "forbidden"
	GuardIllegalState  = "illegal_state"
	GuardRevisionLimit = "revision_limit"
	GuardPrecondition  = "precondition"
)

// GuardViolation reports a transition that is not legal for the task's state or the caller.
type GuardViolation struct {
	Code   string
	Status TaskStatus
	Event  string
	Reason string
}

func (e *GuardViolation) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("guard %s in status %s: %s", e.Code, e.Status, e.Reason)
	}
	return fmt.Sprintf("guard %s: %s in status %s: %s", e.Code, e.Event, e.Status, e.Reason)
}

// DeliveryFailed is a non-fatal channel failure. It never reaches the transition caller.
type DeliveryFailed struct {
	Channel     string
	RecipientID uuid.UUID
	TaskID      uuid.UUID
	Err         error
}

func (e *DeliveryFailed) Error() string {
	return fmt.Sprintf("delivery via %s to %s failed: %v", e.Channel, e.RecipientID, e.Err)
}

func (e *DeliveryFailed) Unwrap() error { return e.Err }

// IsCallerError reports whether err is a typed error the caller can act on, as opposed to a storage failure.
func IsCallerError(err error) bool {
	var ve *ValidationError
	var gv *GuardViolation
	return errors.As(err, &ve) ||
		errors.As(err, &gv) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrAlreadyAssigned) ||
		errors.Is(err, ErrNotFound)
}
