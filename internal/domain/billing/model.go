package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/pkg/money"
)

// BillStatus is the lifecycle state of a bill. Overdue is derived at read
// time from the due date and balance, never stored.
type BillStatus string

const (
	BillStatusDraft   BillStatus = "draft"
	BillStatusPending BillStatus = "pending"
	BillStatusPartial BillStatus = "partial"
	BillStatusPaid    BillStatus = "paid"
	BillStatusVoid    BillStatus = "void"
	BillStatusOverdue BillStatus = "overdue"
)

// ItemType classifies the origin of a bill line item.
type ItemType string

const (
	ItemTypeAppointment       ItemType = "appointment"
	ItemTypeLabTest           ItemType = "lab_test"
	ItemTypePharmacy          ItemType = "pharmacy"
	ItemTypeDepartmentService ItemType = "department_service"
	ItemTypeManual            ItemType = "manual"
)

var validItemTypes = map[ItemType]bool{
	ItemTypeAppointment:       true,
	ItemTypeLabTest:           true,
	ItemTypePharmacy:          true,
	ItemTypeDepartmentService: true,
	ItemTypeManual:            true,
}

// DiscountType selects the bill-level discount mode. Fixed and percentage
// are mutually exclusive; line-item discounts are additive on top.
type DiscountType string

const (
	DiscountFixed      DiscountType = "fixed"
	DiscountPercentage DiscountType = "percentage"
)

// PaymentMethod is the tender type of a payment.
type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCheck        PaymentMethod = "check"
	MethodMobileMoney  PaymentMethod = "mobile_money"
)

var validPaymentMethods = map[PaymentMethod]bool{
	MethodCash: true, MethodCard: true, MethodBankTransfer: true,
	MethodCheck: true, MethodMobileMoney: true,
}

// PaymentStatus is the only mutable field on a recorded payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// ClaimStatus is the insurance-claim workflow state.
type ClaimStatus string

const (
	ClaimDraft           ClaimStatus = "draft"
	ClaimSubmitted       ClaimStatus = "submitted"
	ClaimUnderReview     ClaimStatus = "under_review"
	ClaimApproved        ClaimStatus = "approved"
	ClaimPartialApproved ClaimStatus = "partial_approved"
	ClaimRejected        ClaimStatus = "rejected"
	ClaimAppealed        ClaimStatus = "appealed"
)

// RefundStatus is the two-phase refund workflow state. Only processed
// refunds touch the ledger.
type RefundStatus string

const (
	RefundRequested RefundStatus = "requested"
	RefundApproved  RefundStatus = "approved"
	RefundRejected  RefundStatus = "rejected"
	RefundProcessed RefundStatus = "processed"
)

// RefundType distinguishes full from partial refunds.
type RefundType string

const (
	RefundFull    RefundType = "full"
	RefundPartial RefundType = "partial"
)

// BillLineItem is one billable charge on a bill. Owned exclusively by its
// parent bill and immutable once the bill is paid or void. SourceType and
// SourceID key completion-event items so a clinical record is never billed
// twice.
type BillLineItem struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	BillID             uuid.UUID       `db:"bill_id" json:"bill_id"`
	Description        string          `db:"description" json:"description"`
	ItemType           ItemType        `db:"item_type" json:"item_type"`
	Quantity           int             `db:"quantity" json:"quantity"`
	UnitPrice          decimal.Decimal `db:"unit_price" json:"unit_price"`
	DiscountAmount     decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	DiscountPercentage decimal.Decimal `db:"discount_percentage" json:"discount_percentage"`
	SourceType         *string         `db:"source_type" json:"source_type,omitempty"`
	SourceID           *uuid.UUID      `db:"source_id" json:"source_id,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
}

// Bill aggregates line items for one patient encounter or billing period.
// Stored totals are recomputed from the raw line items on every mutation so
// the aggregate fields always reconcile.
type Bill struct {
	ID                      uuid.UUID       `db:"id" json:"id"`
	PatientID               uuid.UUID       `db:"patient_id" json:"patient_id"`
	DoctorID                *uuid.UUID      `db:"doctor_id" json:"doctor_id,omitempty"`
	InsuranceID             *uuid.UUID      `db:"insurance_id" json:"insurance_id,omitempty"`
	Status                  BillStatus      `db:"status" json:"status"`
	Discount                decimal.Decimal `db:"discount" json:"discount"`
	DiscountType            DiscountType    `db:"discount_type" json:"discount_type"`
	TaxRate                 decimal.Decimal `db:"tax_rate" json:"tax_rate"`
	SubTotal                decimal.Decimal `db:"sub_total" json:"sub_total"`
	TotalDiscount           decimal.Decimal `db:"total_discount" json:"total_discount"`
	TotalTax                decimal.Decimal `db:"total_tax" json:"total_tax"`
	TotalAmount             decimal.Decimal `db:"total_amount" json:"total_amount"`
	AmountPaid              decimal.Decimal `db:"amount_paid" json:"amount_paid"`
	InsuranceApprovedAmount decimal.Decimal `db:"insurance_approved_amount" json:"insurance_approved_amount"`
	DueDate                 *time.Time      `db:"due_date" json:"due_date,omitempty"`
	VoidReason              *string         `db:"void_reason" json:"void_reason,omitempty"`
	Version                 int             `db:"version" json:"version"`
	CreatedAt               time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time       `db:"updated_at" json:"updated_at"`
	Items                   []*BillLineItem `db:"-" json:"items,omitempty"`
}

// GetVersion returns the current optimistic-concurrency version.
func (b *Bill) GetVersion() int { return b.Version }

// SetVersion sets the optimistic-concurrency version.
func (b *Bill) SetVersion(v int) { b.Version = v }

// BalanceDue is the remaining unpaid amount after payments and insurance
// settlement, floored at zero.
func (b *Bill) BalanceDue() decimal.Decimal {
	return money.FloorZero(b.TotalAmount.Sub(b.AmountPaid).Sub(b.InsuranceApprovedAmount))
}

// Locked reports whether the bill rejects mutations to its items, discount
// and references.
func (b *Bill) Locked() bool {
	return b.Status == BillStatusPaid || b.Status == BillStatusVoid
}

// EffectiveStatus derives the display status at read time: a pending or
// partial bill past its due date with a balance outstanding reads as
// overdue. The stored status is never rewritten.
func (b *Bill) EffectiveStatus(now time.Time) BillStatus {
	switch b.Status {
	case BillStatusPending, BillStatusPartial:
		if b.DueDate != nil && now.After(*b.DueDate) && b.BalanceDue().IsPositive() {
			return BillStatusOverdue
		}
	}
	return b.Status
}

// StatusHistory is one append-only audit row: a status transition or a
// single field-level edit on a bill. Rows are never rewritten or deleted.
type StatusHistory struct {
	ID         uuid.UUID         `db:"id" json:"id"`
	BillID     uuid.UUID         `db:"bill_id" json:"bill_id"`
	StatusFrom string            `db:"status_from" json:"status_from"`
	StatusTo   string            `db:"status_to" json:"status_to"`
	FieldName  string            `db:"field_name" json:"field_name"`
	ChangedBy  string            `db:"changed_by" json:"changed_by"`
	Reason     *string           `db:"reason" json:"reason,omitempty"`
	Metadata   map[string]string `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
}

// PatientInsurance is a coverage policy. DeductibleMet and AnnualUsedAmount
// are monotonically non-decreasing running totals, incremented exactly once
// per approved claim.
type PatientInsurance struct {
	ID                uuid.UUID        `db:"id" json:"id"`
	PatientID         uuid.UUID        `db:"patient_id" json:"patient_id"`
	PayorName         string           `db:"payor_name" json:"payor_name"`
	PolicyNumber      string           `db:"policy_number" json:"policy_number"`
	CoPayAmount       decimal.Decimal  `db:"co_pay_amount" json:"co_pay_amount"`
	CoPayPercentage   decimal.Decimal  `db:"co_pay_percentage" json:"co_pay_percentage"`
	DeductibleAmount  decimal.Decimal  `db:"deductible_amount" json:"deductible_amount"`
	DeductibleMet     decimal.Decimal  `db:"deductible_met" json:"deductible_met"`
	AnnualMaxCoverage *decimal.Decimal `db:"annual_max_coverage" json:"annual_max_coverage,omitempty"`
	AnnualUsedAmount  decimal.Decimal  `db:"annual_used_amount" json:"annual_used_amount"`
	Active            bool             `db:"active" json:"active"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updated_at"`
}

// RemainingDeductible is the patient-borne amount left before coverage
// begins, floored at zero.
func (p *PatientInsurance) RemainingDeductible() decimal.Decimal {
	return money.FloorZero(p.DeductibleAmount.Sub(p.DeductibleMet))
}

// RemainingAnnualCoverage returns the insurer capacity left this policy
// year, or nil when the policy is uncapped.
func (p *PatientInsurance) RemainingAnnualCoverage() *decimal.Decimal {
	if p.AnnualMaxCoverage == nil {
		return nil
	}
	rem := money.FloorZero(p.AnnualMaxCoverage.Sub(p.AnnualUsedAmount))
	return &rem
}

// Payment is one tender applied against a bill. Immutable after creation
// except for Status and the refund linkage.
type Payment struct {
	ID             uuid.UUID        `db:"id" json:"id"`
	BillID         uuid.UUID        `db:"bill_id" json:"bill_id"`
	Amount         decimal.Decimal  `db:"amount" json:"amount"`
	Method         PaymentMethod    `db:"method" json:"method"`
	PaymentDate    time.Time        `db:"payment_date" json:"payment_date"`
	AmountTendered *decimal.Decimal `db:"amount_tendered" json:"amount_tendered,omitempty"`
	ChangeDue      decimal.Decimal  `db:"change_due" json:"change_due"`
	CardLastFour   *string          `db:"card_last_four" json:"card_last_four,omitempty"`
	CardType       *string          `db:"card_type" json:"card_type,omitempty"`
	BankName       *string          `db:"bank_name" json:"bank_name,omitempty"`
	CheckNumber    *string          `db:"check_number" json:"check_number,omitempty"`
	TransactionID  *string          `db:"transaction_id" json:"transaction_id,omitempty"`
	Status         PaymentStatus    `db:"status" json:"status"`
	RefundID       *uuid.UUID       `db:"refund_id" json:"refund_id,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
}

// InsuranceClaim is a claim filed against a bill's policy.
// ConsumptionApplied guards the one-time deductible and annual-counter
// increment so approval retries never double-count.
type InsuranceClaim struct {
	ID                 uuid.UUID        `db:"id" json:"id"`
	BillID             uuid.UUID        `db:"bill_id" json:"bill_id"`
	InsuranceID        uuid.UUID        `db:"insurance_id" json:"insurance_id"`
	ClaimAmount        decimal.Decimal  `db:"claim_amount" json:"claim_amount"`
	ApprovedAmount     *decimal.Decimal `db:"approved_amount" json:"approved_amount,omitempty"`
	Status             ClaimStatus      `db:"status" json:"status"`
	ConsumptionApplied bool             `db:"consumption_applied" json:"consumption_applied"`
	DecisionNote       *string          `db:"decision_note" json:"decision_note,omitempty"`
	DecidedAt          *time.Time       `db:"decided_at" json:"decided_at,omitempty"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updated_at"`
}

// PatientResponsibility is the claimed amount the insurer did not approve.
func (c *InsuranceClaim) PatientResponsibility() decimal.Decimal {
	approved := decimal.Zero
	if c.ApprovedAmount != nil {
		approved = *c.ApprovedAmount
	}
	return money.FloorZero(c.ClaimAmount.Sub(approved))
}

// ApprovalRate is approved over claimed as a percentage, zero when the
// claim is undecided or the claimed amount is zero.
func (c *InsuranceClaim) ApprovalRate() decimal.Decimal {
	if c.ApprovedAmount == nil || !c.ClaimAmount.IsPositive() {
		return decimal.Zero
	}
	return money.Round2(c.ApprovedAmount.Mul(decimal.NewFromInt(100)).Div(c.ClaimAmount))
}

// BillRefund is a two-phase refund against exactly one payment or line
// item. Request and approve are workflow gates; the ledger moves only when
// the refund is processed.
type BillRefund struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	BillID       uuid.UUID       `db:"bill_id" json:"bill_id"`
	PaymentID    *uuid.UUID      `db:"payment_id" json:"payment_id,omitempty"`
	LineItemID   *uuid.UUID      `db:"line_item_id" json:"line_item_id,omitempty"`
	RefundAmount decimal.Decimal `db:"refund_amount" json:"refund_amount"`
	RefundType   RefundType      `db:"refund_type" json:"refund_type"`
	Status       RefundStatus    `db:"status" json:"status"`
	Reason       *string         `db:"reason" json:"reason,omitempty"`
	ProcessedAt  *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}
