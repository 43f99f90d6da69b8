package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outbox event types emitted by the billing service. Delivery is
// best-effort and at-least-once; consumers must tolerate duplicates.
const (
	EventBillCreated     = "billing.bill.created"
	EventBillVoided      = "billing.bill.voided"
	EventPaymentRecorded = "billing.payment.recorded"
	EventClaimSubmitted  = "billing.claim.submitted"
	EventClaimDecided    = "billing.claim.decided"
	EventRefundProcessed = "billing.refund.processed"
)

// Inbound event types consumed off the outbox by the billing hooks.
const (
	EventAppointmentCompleted = "appointment.completed"
	EventLabResultFinalized   = "lab_result.finalized"
)

// Source types carried on line items created from completion events.
const (
	SourceAppointment = "appointment"
	SourceLabResult   = "lab_result"
)

// AppointmentCompleted is the inbound event raised when a visit finishes.
// AppointmentID keys idempotency: the same appointment never produces a
// second line item.
type AppointmentCompleted struct {
	AppointmentID uuid.UUID       `json:"appointment_id"`
	PatientID     uuid.UUID       `json:"patient_id"`
	DoctorID      *uuid.UUID      `json:"doctor_id,omitempty"`
	ServiceName   string          `json:"service_name"`
	Fee           decimal.Decimal `json:"fee"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// LabResultFinalized is the inbound event raised when a lab result is
// released. LabResultID keys idempotency.
type LabResultFinalized struct {
	LabResultID uuid.UUID       `json:"lab_result_id"`
	PatientID   uuid.UUID       `json:"patient_id"`
	TestName    string          `json:"test_name"`
	Price       decimal.Decimal `json:"price"`
	FinalizedAt time.Time       `json:"finalized_at"`
}

// PaymentRecordedEvent is the outbox payload for a completed payment.
type PaymentRecordedEvent struct {
	BillID    uuid.UUID       `json:"bill_id"`
	PaymentID uuid.UUID       `json:"payment_id"`
	PatientID uuid.UUID       `json:"patient_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    PaymentMethod   `json:"method"`
	Status    BillStatus      `json:"bill_status"`
}

// ClaimDecidedEvent is the outbox payload for a claim decision.
type ClaimDecidedEvent struct {
	ClaimID        uuid.UUID        `json:"claim_id"`
	BillID         uuid.UUID        `json:"bill_id"`
	Status         ClaimStatus      `json:"status"`
	ApprovedAmount *decimal.Decimal `json:"approved_amount,omitempty"`
}

// RefundProcessedEvent is the outbox payload for a processed refund.
type RefundProcessedEvent struct {
	RefundID uuid.UUID       `json:"refund_id"`
	BillID   uuid.UUID       `json:"bill_id"`
	Amount   decimal.Decimal `json:"amount"`
	Type     RefundType      `json:"refund_type"`
}
