package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/pkg/money"
)

// AuditLogger records operator-visible activity. Implementations must
// never fail the calling operation.
type AuditLogger interface {
	LogActivity(ctx context.Context, action, category, message, severity string)
}

// EventPublisher enqueues a domain event for asynchronous, at-least-once
// delivery. Publishing inside a transaction commits atomically with the
// business write.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
}

// Transactor runs fn inside a database transaction carried on the context.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	bills     BillRepository
	payments  PaymentRepository
	insurance InsuranceRepository
	claims    ClaimRepository
	refunds   RefundRepository
	tx        Transactor
	audit     AuditLogger
	events    EventPublisher
}

func NewService(bills BillRepository, payments PaymentRepository, ins InsuranceRepository,
	claims ClaimRepository, refunds RefundRepository, tx Transactor, audit AuditLogger, events EventPublisher) *Service {
	return &Service{
		bills: bills, payments: payments, insurance: ins,
		claims: claims, refunds: refunds,
		tx: tx, audit: audit, events: events,
	}
}

// -- Bills --

func validateBillDiscount(b *Bill) error {
	if b.Discount.IsNegative() {
		return &ValidationError{Field: "discount", Message: "discount must not be negative"}
	}
	switch b.DiscountType {
	case DiscountFixed, DiscountPercentage:
	case "":
		b.DiscountType = DiscountFixed
	default:
		return &ValidationError{Field: "discount_type", Message: "discount type must be fixed or percentage"}
	}
	if b.DiscountType == DiscountPercentage && b.Discount.GreaterThan(decimal.NewFromInt(100)) {
		return &ValidationError{Field: "discount", Message: "percentage discount must not exceed 100"}
	}
	if b.TaxRate.IsNegative() {
		return &ValidationError{Field: "tax_rate", Message: "tax rate must not be negative"}
	}
	return nil
}

func (s *Service) CreateBill(ctx context.Context, b *Bill, actor string) error {
	if b.PatientID == uuid.Nil {
		return &ValidationError{Field: "patient_id", Message: "patient_id is required"}
	}
	if err := validateBillDiscount(b); err != nil {
		return err
	}
	if b.Status == "" {
		b.Status = BillStatusDraft
	}
	if b.Status != BillStatusDraft && b.Status != BillStatusPending {
		return &ValidationError{Field: "status", Message: "a new bill must start as draft or pending"}
	}
	for _, it := range b.Items {
		if err := ValidateLineItem(it); err != nil {
			return err
		}
	}
	ApplyTotals(b)

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.bills.Create(ctx, b); err != nil {
			return err
		}
		for _, it := range b.Items {
			it.BillID = b.ID
			if err := s.bills.AddLineItem(ctx, it); err != nil {
				return err
			}
		}
		if err := s.bills.AppendHistory(ctx, &StatusHistory{
			BillID: b.ID, StatusTo: string(b.Status), FieldName: "status", ChangedBy: actor,
		}); err != nil {
			return err
		}
		return s.events.Publish(ctx, EventBillCreated, map[string]interface{}{
			"bill_id": b.ID, "patient_id": b.PatientID, "total_amount": b.TotalAmount,
		})
	})
	if err != nil {
		return err
	}
	s.audit.LogActivity(ctx, "bill.create", "billing", fmt.Sprintf("bill %s created for patient %s", b.ID, b.PatientID), "info")
	return nil
}

func (s *Service) GetBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return s.bills.GetByID(ctx, id)
}

func (s *Service) ListBills(ctx context.Context, status BillStatus, limit, offset int) ([]*Bill, int, error) {
	return s.bills.List(ctx, status, limit, offset)
}

func (s *Service) ListBillsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	return s.bills.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) GetBillHistory(ctx context.Context, billID uuid.UUID) ([]*StatusHistory, error) {
	return s.bills.GetHistory(ctx, billID)
}

// AddLineItem appends an item to an open bill and recomputes the totals.
// The write is version-checked; a concurrent modification surfaces as
// ErrConcurrencyConflict and must be retried by the caller.
func (s *Service) AddLineItem(ctx context.Context, billID uuid.UUID, item *BillLineItem, actor string) error {
	if err := ValidateLineItem(item); err != nil {
		return err
	}
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		b, err := s.bills.GetByID(ctx, billID)
		if err != nil {
			return err
		}
		if b.Locked() {
			return &BillLockedError{BillID: b.ID, Status: b.Status}
		}
		if item.SourceType != nil && item.SourceID != nil {
			if _, err := s.bills.FindLineItemBySource(ctx, *item.SourceType, *item.SourceID); err == nil {
				return &DuplicateBillingError{SourceType: *item.SourceType, SourceID: *item.SourceID}
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		item.BillID = b.ID
		if err := s.bills.AddLineItem(ctx, item); err != nil {
			return err
		}
		b.Items = append(b.Items, item)
		ApplyTotals(b)
		b.Status = StatusForLedger(b)
		if err := s.bills.Update(ctx, b); err != nil {
			return err
		}
		return s.bills.AppendHistory(ctx, &StatusHistory{
			BillID: b.ID, FieldName: "line_item_added", ChangedBy: actor,
			Metadata: map[string]string{"item_id": item.ID.String(), "description": item.Description},
		})
	})
	if err != nil {
		return err
	}
	s.audit.LogActivity(ctx, "bill.item.add", "billing", fmt.Sprintf("item %q added to bill %s", item.Description, billID), "info")
	return nil
}

// RemoveLineItem removes an item from an open bill and recomputes totals.
func (s *Service) RemoveLineItem(ctx context.Context, billID, itemID uuid.UUID, actor string) error {
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		b, err := s.bills.GetByID(ctx, billID)
		if err != nil {
			return err
		}
		if b.Locked() {
			return &BillLockedError{BillID: b.ID, Status: b.Status}
		}
		if err := s.bills.RemoveLineItem(ctx, billID, itemID); err != nil {
			return err
		}
		kept := b.Items[:0]
		for _, it := range b.Items {
			if it.ID != itemID {
				kept = append(kept, it)
			}
		}
		b.Items = kept
		ApplyTotals(b)
		b.Status = StatusForLedger(b)
		if err := s.bills.Update(ctx, b); err != nil {
			return err
		}
		return s.bills.AppendHistory(ctx, &StatusHistory{
			BillID: b.ID, FieldName: "line_item_removed", ChangedBy: actor,
			Metadata: map[string]string{"item_id": itemID.String()},
		})
	})
	if err != nil {
		return err
	}
	s.audit.LogActivity(ctx, "bill.item.remove", "billing", fmt.Sprintf("item %s removed from bill %s", itemID, billID), "info")
	return nil
}

// UpdateDiscount replaces the bill-level discount on an open bill.
func (s *Service) UpdateDiscount(ctx context.Context, billID uuid.UUID, discount decimal.Decimal, discountType DiscountType, actor string) error {
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		b, err := s.bills.GetByID(ctx, billID)
		if err != nil {
			return err
		}
		if b.Locked() {
			return &BillLockedError{BillID: b.ID, Status: b.Status}
		}
		old := b.Discount
		b.Discount = discount
		b.DiscountType = discountType
		if err := validateBillDiscount(b); err != nil {
			return err
		}
		ApplyTotals(b)
		b.Status = StatusForLedger(b)
		if err := s.bills.Update(ctx, b); err != nil {
			return err
		}
		return s.bills.AppendHistory(ctx, &StatusHistory{
			BillID: b.ID, FieldName: "discount", ChangedBy: actor,
			Metadata: map[string]string{"from": old.String(), "to": discount.String()},
		})
	})
}

// FinalizeBill moves a draft bill to pending and stamps its due date.
func (s *Service) FinalizeBill(ctx context.Context, billID uuid.UUID, dueDate *time.Time, actor string) error {
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		b, err := s.bills.GetByID(ctx, billID)
		if err != nil {
			return err
		}
		from := b.Status
		if err := Transition(b, BillStatusPending); err != nil {
			return err
		}
		if dueDate != nil {
			b.DueDate = dueDate
		}
		if err := s.bills.Update(ctx, b); err != nil {
			return err
		}
		return s.bills.AppendHistory(ctx, &StatusHistory{
			BillID: b.ID, StatusFrom: string(from), StatusTo: string(b.Status),
			FieldName: "status", ChangedBy: actor,
		})
	})
	if err != nil {
		return err
	}
	s.audit.LogActivity(ctx, "bill.finalize", "billing", fmt.Sprintf("bill %s finalized", billID), "info")
	return nil
}

// VoidBill cancels a bill. Void is terminal; the bill keeps its history
// and ledger rows but rejects all further mutation.
func (s *Service) VoidBill(ctx context.Context, billID uuid.UUID, reason string, actor string) error {
	if reason == "" {
		return &ValidationError{Field: "reason", Message: "a void reason is required"}
	}
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		b, err := s.bills.GetByID(ctx, billID)
		if err != nil {
			return err
		}
		from := b.Status
		if err := Transition(b, BillStatusVoid); err != nil {
			return err
		}
		b.VoidReason = &reason
		if err := s.bills.Update(ctx, b); err != nil {
			return err
		}
		if err := s.bills.AppendHistory(ctx, &StatusHistory{
			BillID: b.ID, StatusFrom: string(from), StatusTo: string(BillStatusVoid),
			FieldName: "status", ChangedBy: actor, Reason: &reason,
		}); err != nil {
			return err
		}
		return s.events.Publish(ctx, EventBillVoided, map[string]interface{}{
			"bill_id": b.ID, "reason": reason,
		})
	})
	if err != nil {
		return err
	}
	s.audit.LogActivity(ctx, "bill.void", "billing", fmt.Sprintf("bill %s voided: %s", billID, reason), "warn")
	return nil
}

// -- Payments --

func validatePayment(p *Payment) error {
	if !p.Amount.IsPositive() {
		return &InvalidPaymentError{Message: "payment amount must be positive"}
	}
	if !validPaymentMethods[p.Method] {
		return &InvalidPaymentError{Message: fmt.Sprintf("unknown payment method %q", p.Method)}
	}
	switch p.Method {
	case MethodCash:
		if p.AmountTendered != nil {
			if p.AmountTendered.LessThan(p.Amount) {
				return &InvalidPaymentError{Message: "amount tendered is less than the payment amount"}
			}
			p.ChangeDue = money.Round2(p.AmountTendered.Sub(p.Amount))
		}
	case MethodCard:
		if p.CardLastFour == nil || len(*p.CardLastFour) != 4 {
			return &InvalidPaymentError{Message: "card payments require the last four digits"}
		}
	case MethodCheck:
		if p.CheckNumber == nil || *p.CheckNumber == "" {
			return &InvalidPaymentError{Message: "check payments require a check number"}
		}
	case MethodBankTransfer, MethodMobileMoney:
		if p.TransactionID == nil || *p.TransactionID == "" {
			return &InvalidPaymentError{Message: "transfer payments require a transaction id"}
		}
	}
	return nil
}

// RecordPayment applies a tender to a bill: the payment row, the running
// amount-paid total and the ledger-derived status commit atomically with
// the payment-recorded event. Overpayment is accepted; the balance due
// floors at zero and cash tenders report the change due.
func (s *Service) RecordPayment(ctx context.Context, billID uuid.UUID, p *Payment, actor string) error {
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		b, err := s.bills.GetByID(ctx, billID)
		if err != nil {
			return err
		}
		if b.Status == BillStatusVoid || b.Status == BillStatusDraft {
			return &BillLockedError{BillID: b.ID, Status: b.Status}
		}
		if err := validatePayment(p); err != nil {
			return err
		}
		p.BillID = b.ID
		p.Status = PaymentCompleted
		if p.PaymentDate.IsZero() {
			p.PaymentDate = time.Now().UTC()
		}
		if err := s.payments.Create(ctx, p); err != nil {
			return err
		}
		from := b.Status
		b.AmountPaid = money.Round2(b.AmountPaid.Add(p.Amount))
		b.Status = StatusForLedger(b)
		if err := s.bills.Update(ctx, b); err != nil {
			return err
		}
		if err := s.bills.AppendHistory(ctx, &StatusHistory{
			BillID: b.ID, StatusFrom: string(from), StatusTo: string(b.Status),
			FieldName: "payment", ChangedBy: actor,
			Metadata: map[string]string{"payment_id": p.ID.String(), "amount": p.Amount.String()},
		}); err != nil {
			return err
		}
		return s.events.Publish(ctx, EventPaymentRecorded, PaymentRecordedEvent{
			BillID: b.ID, PaymentID: p.ID, PatientID: b.PatientID,
			Amount: p.Amount, Method: p.Method, Status: b.Status,
		})
	})
	if err != nil {
		return err
	}
	s.audit.LogActivity(ctx, "payment.record", "billing", fmt.Sprintf("payment %s of %s on bill %s", p.ID, p.Amount, billID), "info")
	return nil
}

func (s *Service) ListPayments(ctx context.Context, billID uuid.UUID) ([]*Payment, error) {
	return s.payments.ListByBill(ctx, billID)
}

// -- Insurance --

func validateInsurance(pi *PatientInsurance) error {
	if pi.PatientID == uuid.Nil {
		return &ValidationError{Field: "patient_id", Message: "patient_id is required"}
	}
	if pi.PayorName == "" {
		return &ValidationError{Field: "payor_name", Message: "payor name is required"}
	}
	if pi.PolicyNumber == "" {
		return &ValidationError{Field: "policy_number", Message: "policy number is required"}
	}
	if pi.CoPayAmount.IsNegative() || pi.CoPayPercentage.IsNegative() ||
		pi.CoPayPercentage.GreaterThan(decimal.NewFromInt(100)) {
		return &ValidationError{Field: "co_pay", Message: "co-pay must be non-negative; percentage at most 100"}
	}
	if pi.DeductibleAmount.IsNegative() {
		return &ValidationError{Field: "deductible_amount", Message: "deductible must not be negative"}
	}
	if pi.AnnualMaxCoverage != nil && pi.AnnualMaxCoverage.IsNegative() {
		return &ValidationError{Field: "annual_max_coverage", Message: "annual max coverage must not be negative"}
	}
	return nil
}

func (s *Service) AddInsurance(ctx context.Context, pi *PatientInsurance) error {
	if err := validateInsurance(pi); err != nil {
		return err
	}
	pi.Active = true
	if err := s.insurance.Create(ctx, pi); err != nil {
		return err
	}
	s.audit.LogActivity(ctx, "insurance.add", "billing", fmt.Sprintf("policy %s added for patient %s", pi.PolicyNumber, pi.PatientID), "info")
	return nil
}

func (s *Service) UpdateInsurance(ctx context.Context, pi *PatientInsurance) error {
	if err := validateInsurance(pi); err != nil {
		return err
	}
	return s.insurance.Update(ctx, pi)
}

func (s *Service) DeactivateInsurance(ctx context.Context, id uuid.UUID) error {
	return s.insurance.Deactivate(ctx, id)
}

func (s *Service) ListInsurance(ctx context.Context, patientID uuid.UUID, activeOnly bool) ([]*PatientInsurance, error) {
	return s.insurance.ListByPatient(ctx, patientID, activeOnly)
}

// -- Claims --

// SubmitClaim files a claim against the bill's policy for the insurer
// share of the bill total under the current policy counters.
func (s *Service) SubmitClaim(ctx context.Context, billID, insuranceID uuid.UUID, actor string) (*InsuranceClaim, error) {
	var claim *InsuranceClaim
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		b, err := s.bills.GetByID(ctx, billID)
		if err != nil {
			return err
		}
		if b.Status == BillStatusVoid {
			return &BillLockedError{BillID: b.ID, Status: b.Status}
		}
		policy, err := s.insurance.GetByID(ctx, insuranceID)
		if err != nil {
			return err
		}
		if !policy.Active {
			return &ValidationError{Field: "insurance_id", Message: "policy is not active"}
		}
		if policy.PatientID != b.PatientID {
			return &ValidationError{Field: "insurance_id", Message: "policy does not belong to the bill's patient"}
		}
		app := Apportion(b.TotalAmount, policy)
		if !app.InsurerShare.IsPositive() {
			return &ValidationError{Field: "claim_amount", Message: "nothing claimable under this policy"}
		}
		claim = &InsuranceClaim{
			BillID:      b.ID,
			InsuranceID: policy.ID,
			ClaimAmount: app.InsurerShare,
			Status:      ClaimSubmitted,
		}
		if err := s.claims.Create(ctx, claim); err != nil {
			return err
		}
		if b.InsuranceID == nil {
			b.InsuranceID = &policy.ID
			if err := s.bills.Update(ctx, b); err != nil {
				return err
			}
		}
		return s.events.Publish(ctx, EventClaimSubmitted, map[string]interface{}{
			"claim_id": claim.ID, "bill_id": b.ID, "claim_amount": claim.ClaimAmount,
		})
	})
	if err != nil {
		return nil, err
	}
	s.audit.LogActivity(ctx, "claim.submit", "billing", fmt.Sprintf("claim %s for %s on bill %s", claim.ID, claim.ClaimAmount, billID), "info")
	return claim, nil
}

// DecideClaim records the payor's decision. On approval the approved
// amount settles against the bill and the policy's deductible and annual
// counters advance, guarded by ConsumptionApplied so a replayed decision
// never double-counts.
func (s *Service) DecideClaim(ctx context.Context, claimID uuid.UUID, status ClaimStatus, approvedAmount *decimal.Decimal, note *string, actor string) error {
	if status != ClaimApproved && status != ClaimPartialApproved && status != ClaimRejected && status != ClaimUnderReview {
		return &ValidationError{Field: "status", Message: "decision must be under_review, approved, partial_approved or rejected"}
	}
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		c, err := s.claims.GetByID(ctx, claimID)
		if err != nil {
			return err
		}
		if !CanTransitionClaim(c.Status, status) {
			return &ValidationError{Field: "status", Message: fmt.Sprintf("claim cannot move from %s to %s", c.Status, status)}
		}

		// Validate the decision inputs before touching the loaded claim,
		// so a rejected decision leaves it decidable.
		approved := decimal.Zero
		switch status {
		case ClaimApproved:
			approved = c.ClaimAmount
		case ClaimPartialApproved:
			if approvedAmount == nil || !approvedAmount.IsPositive() || approvedAmount.GreaterThan(c.ClaimAmount) {
				return &ValidationError{Field: "approved_amount", Message: "partial approval needs an amount between zero and the claim amount"}
			}
			approved = money.Round2(*approvedAmount)
		}

		c.Status = status
		c.DecisionNote = note
		if status == ClaimUnderReview {
			return s.claims.Update(ctx, c)
		}
		now := time.Now().UTC()
		c.DecidedAt = &now
		if status != ClaimRejected {
			c.ApprovedAmount = &approved
		}

		if approved.IsPositive() && !c.ConsumptionApplied {
			b, err := s.bills.GetByID(ctx, c.BillID)
			if err != nil {
				return err
			}
			policy, err := s.insurance.GetByID(ctx, c.InsuranceID)
			if err != nil {
				return err
			}
			app := Apportion(b.TotalAmount, policy)

			from := b.Status
			b.InsuranceApprovedAmount = money.Round2(b.InsuranceApprovedAmount.Add(approved))
			b.Status = StatusForLedger(b)
			if err := s.bills.Update(ctx, b); err != nil {
				return err
			}
			policy.DeductibleMet = money.Round2(policy.DeductibleMet.Add(app.DeductibleConsumed))
			policy.AnnualUsedAmount = money.Round2(policy.AnnualUsedAmount.Add(approved))
			if err := s.insurance.Update(ctx, policy); err != nil {
				return err
			}
			c.ConsumptionApplied = true
			if err := s.bills.AppendHistory(ctx, &StatusHistory{
				BillID: b.ID, StatusFrom: string(from), StatusTo: string(b.Status),
				FieldName: "insurance_settlement", ChangedBy: actor,
				Metadata: map[string]string{"claim_id": c.ID.String(), "approved": approved.String()},
			}); err != nil {
				return err
			}
		}
		if err := s.claims.Update(ctx, c); err != nil {
			return err
		}
		return s.events.Publish(ctx, EventClaimDecided, ClaimDecidedEvent{
			ClaimID: c.ID, BillID: c.BillID, Status: c.Status, ApprovedAmount: c.ApprovedAmount,
		})
	})
	if err != nil {
		return err
	}
	s.audit.LogActivity(ctx, "claim.decide", "billing", fmt.Sprintf("claim %s decided: %s", claimID, status), "info")
	return nil
}

// AppealClaim reopens a rejected or partially approved claim.
func (s *Service) AppealClaim(ctx context.Context, claimID uuid.UUID, actor string) error {
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		c, err := s.claims.GetByID(ctx, claimID)
		if err != nil {
			return err
		}
		if !CanTransitionClaim(c.Status, ClaimAppealed) {
			return &ValidationError{Field: "status", Message: fmt.Sprintf("claim in status %s cannot be appealed", c.Status)}
		}
		c.Status = ClaimAppealed
		return s.claims.Update(ctx, c)
	})
	if err != nil {
		return err
	}
	s.audit.LogActivity(ctx, "claim.appeal", "billing", fmt.Sprintf("claim %s appealed", claimID), "info")
	return nil
}

func (s *Service) ListClaims(ctx context.Context, billID uuid.UUID) ([]*InsuranceClaim, error) {
	return s.claims.ListByBill(ctx, billID)
}

// -- Refunds --

// RequestRefund opens a refund against exactly one payment or line item.
// No money moves until the refund is processed.
func (s *Service) RequestRefund(ctx context.Context, r *BillRefund, actor string) error {
	if (r.PaymentID == nil) == (r.LineItemID == nil) {
		return &ValidationError{Field: "payment_id", Message: "a refund targets exactly one payment or one line item"}
	}
	if !r.RefundAmount.IsPositive() {
		return &ValidationError{Field: "refund_amount", Message: "refund amount must be positive"}
	}
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		b, err := s.bills.GetByID(ctx, r.BillID)
		if err != nil {
			return err
		}
		if b.Status == BillStatusDraft || b.Status == BillStatusVoid {
			return &BillLockedError{BillID: b.ID, Status: b.Status}
		}
		if r.PaymentID != nil {
			p, err := s.payments.GetByID(ctx, *r.PaymentID)
			if err != nil {
				return err
			}
			if p.BillID != b.ID {
				return &ValidationError{Field: "payment_id", Message: "payment does not belong to this bill"}
			}
			if r.RefundAmount.GreaterThan(p.Amount) {
				return &ValidationError{Field: "refund_amount", Message: "refund exceeds the payment amount"}
			}
			if r.RefundAmount.Equal(p.Amount) {
				r.RefundType = RefundFull
			} else {
				r.RefundType = RefundPartial
			}
		} else {
			found := false
			for _, it := range b.Items {
				if it.ID == *r.LineItemID {
					found = true
					if r.RefundAmount.GreaterThan(ComputeLine(it).NetAmount) {
						return &ValidationError{Field: "refund_amount", Message: "refund exceeds the line item amount"}
					}
				}
			}
			if !found {
				return &ValidationError{Field: "line_item_id", Message: "line item does not belong to this bill"}
			}
			r.RefundType = RefundPartial
		}
		if r.RefundAmount.GreaterThan(b.AmountPaid) {
			return &ValidationError{Field: "refund_amount", Message: "refund exceeds the amount paid on the bill"}
		}
		r.Status = RefundRequested
		return s.refunds.Create(ctx, r)
	})
	if err != nil {
		return err
	}
	s.audit.LogActivity(ctx, "refund.request", "billing", fmt.Sprintf("refund %s of %s requested on bill %s", r.ID, r.RefundAmount, r.BillID), "info")
	return nil
}

func (s *Service) reviewRefund(ctx context.Context, refundID uuid.UUID, to RefundStatus, reason *string, actor string) error {
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		r, err := s.refunds.GetByID(ctx, refundID)
		if err != nil {
			return err
		}
		if !CanTransitionRefund(r.Status, to) {
			return &ValidationError{Field: "status", Message: fmt.Sprintf("refund cannot move from %s to %s", r.Status, to)}
		}
		r.Status = to
		if reason != nil {
			r.Reason = reason
		}
		return s.refunds.Update(ctx, r)
	})
}

func (s *Service) ApproveRefund(ctx context.Context, refundID uuid.UUID, actor string) error {
	if err := s.reviewRefund(ctx, refundID, RefundApproved, nil, actor); err != nil {
		return err
	}
	s.audit.LogActivity(ctx, "refund.approve", "billing", fmt.Sprintf("refund %s approved", refundID), "info")
	return nil
}

func (s *Service) RejectRefund(ctx context.Context, refundID uuid.UUID, reason string, actor string) error {
	if err := s.reviewRefund(ctx, refundID, RefundRejected, &reason, actor); err != nil {
		return err
	}
	s.audit.LogActivity(ctx, "refund.reject", "billing", fmt.Sprintf("refund %s rejected", refundID), "info")
	return nil
}

// ProcessRefund executes an approved refund: the amount comes off the
// bill's paid total, the ledger-derived status is recomputed (a paid bill
// may reopen to partial), and the refunded payment is linked.
func (s *Service) ProcessRefund(ctx context.Context, refundID uuid.UUID, actor string) error {
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		r, err := s.refunds.GetByID(ctx, refundID)
		if err != nil {
			return err
		}
		if !CanTransitionRefund(r.Status, RefundProcessed) {
			return &ValidationError{Field: "status", Message: fmt.Sprintf("refund in status %s cannot be processed", r.Status)}
		}
		b, err := s.bills.GetByID(ctx, r.BillID)
		if err != nil {
			return err
		}
		if r.RefundAmount.GreaterThan(b.AmountPaid) {
			return &ValidationError{Field: "refund_amount", Message: "refund exceeds the amount paid on the bill"}
		}
		from := b.Status
		b.AmountPaid = money.Round2(b.AmountPaid.Sub(r.RefundAmount))
		b.Status = StatusForLedger(b)
		if err := s.bills.Update(ctx, b); err != nil {
			return err
		}
		now := time.Now().UTC()
		r.Status = RefundProcessed
		r.ProcessedAt = &now
		if err := s.refunds.Update(ctx, r); err != nil {
			return err
		}
		if r.PaymentID != nil {
			if err := s.payments.UpdateStatus(ctx, *r.PaymentID, PaymentCompleted, &r.ID); err != nil {
				return err
			}
		}
		if err := s.bills.AppendHistory(ctx, &StatusHistory{
			BillID: b.ID, StatusFrom: string(from), StatusTo: string(b.Status),
			FieldName: "refund", ChangedBy: actor,
			Metadata: map[string]string{"refund_id": r.ID.String(), "amount": r.RefundAmount.String()},
		}); err != nil {
			return err
		}
		return s.events.Publish(ctx, EventRefundProcessed, RefundProcessedEvent{
			RefundID: r.ID, BillID: b.ID, Amount: r.RefundAmount, Type: r.RefundType,
		})
	})
	if err != nil {
		return err
	}
	s.audit.LogActivity(ctx, "refund.process", "billing", fmt.Sprintf("refund %s processed", refundID), "info")
	return nil
}

func (s *Service) ListRefunds(ctx context.Context, billID uuid.UUID) ([]*BillRefund, error) {
	return s.refunds.ListByBill(ctx, billID)
}

// -- Completion hooks --

// BillAppointment creates the billing line item for a completed
// appointment. Replays are no-ops keyed on the appointment id; the item
// lands on the patient's open bill or a fresh draft.
func (s *Service) BillAppointment(ctx context.Context, ev AppointmentCompleted) (*BillLineItem, error) {
	return s.billFromSource(ctx, SourceAppointment, ev.AppointmentID, ev.PatientID, ev.DoctorID, &BillLineItem{
		Description: ev.ServiceName,
		ItemType:    ItemTypeAppointment,
		Quantity:    1,
		UnitPrice:   ev.Fee,
	})
}

// BillLabResult creates the billing line item for a finalized lab result,
// idempotent on the lab result id.
func (s *Service) BillLabResult(ctx context.Context, ev LabResultFinalized) (*BillLineItem, error) {
	return s.billFromSource(ctx, SourceLabResult, ev.LabResultID, ev.PatientID, nil, &BillLineItem{
		Description: ev.TestName,
		ItemType:    ItemTypeLabTest,
		Quantity:    1,
		UnitPrice:   ev.Price,
	})
}

func (s *Service) billFromSource(ctx context.Context, sourceType string, sourceID, patientID uuid.UUID, doctorID *uuid.UUID, item *BillLineItem) (*BillLineItem, error) {
	if err := ValidateLineItem(item); err != nil {
		return nil, err
	}
	var out *BillLineItem
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		existing, err := s.bills.FindLineItemBySource(ctx, sourceType, sourceID)
		if err == nil {
			log.Ctx(ctx).Debug().
				Str("source_type", sourceType).
				Str("source_id", sourceID.String()).
				Msg("source already billed, skipping")
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		b, err := s.bills.FindOpenByPatient(ctx, patientID)
		if errors.Is(err, ErrNotFound) {
			b = &Bill{PatientID: patientID, DoctorID: doctorID, Status: BillStatusDraft, DiscountType: DiscountFixed}
			if err := s.bills.Create(ctx, b); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		item.BillID = b.ID
		item.SourceType = &sourceType
		sid := sourceID
		item.SourceID = &sid
		if err := s.bills.AddLineItem(ctx, item); err != nil {
			return err
		}
		b.Items = append(b.Items, item)
		ApplyTotals(b)
		if err := s.bills.Update(ctx, b); err != nil {
			return err
		}
		out = item
		return s.bills.AppendHistory(ctx, &StatusHistory{
			BillID: b.ID, FieldName: "line_item_added", ChangedBy: "system",
			Metadata: map[string]string{"source_type": sourceType, "source_id": sourceID.String()},
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
