package billing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ValidationError reports a malformed line item, payment, or request field.
// It is always surfaced to the caller, never auto-corrected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

// BillLockedError reports a mutation attempted against a paid or void bill.
// The mutation has no partial effect and appends no history.
type BillLockedError struct {
	BillID uuid.UUID
	Status BillStatus
}

func (e *BillLockedError) Error() string {
	return fmt.Sprintf("bill %s is %s and cannot be modified", e.BillID, e.Status)
}

// InvalidPaymentError reports a payment rejected before any ledger mutation:
// non-positive amount or a missing method-specific field.
type InvalidPaymentError struct {
	Message string
}

func (e *InvalidPaymentError) Error() string {
	return "invalid payment: " + e.Message
}

// ErrConcurrencyConflict is returned when a save detects that the bill
// changed since it was loaded. Callers must reload and retry.
var ErrConcurrencyConflict = errors.New("bill was modified concurrently")

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// DuplicateBillingError signals that a source record already has a line
// item. Completion-event hooks treat it as a no-op success so that event
// redelivery stays idempotent; it never reaches an external caller.
type DuplicateBillingError struct {
	SourceType string
	SourceID   uuid.UUID
}

func (e *DuplicateBillingError) Error() string {
	return fmt.Sprintf("%s %s is already billed", e.SourceType, e.SourceID)
}

// InvalidTransitionError reports a status change the lifecycle state
// machine does not permit.
type InvalidTransitionError struct {
	From BillStatus
	To   BillStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition bill from %s to %s", e.From, e.To)
}
