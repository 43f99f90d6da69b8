package billing

import (
	"context"

	"github.com/google/uuid"
)

type BillRepository interface {
	Create(ctx context.Context, b *Bill) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bill, error)
	// Update performs a version-checked write: it matches the bill's
	// current Version, bumps it by one, and returns
	// ErrConcurrencyConflict when no row matched.
	Update(ctx context.Context, b *Bill) error
	FindOpenByPatient(ctx context.Context, patientID uuid.UUID) (*Bill, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error)
	List(ctx context.Context, status BillStatus, limit, offset int) ([]*Bill, int, error)
	// Line items
	AddLineItem(ctx context.Context, li *BillLineItem) error
	GetLineItems(ctx context.Context, billID uuid.UUID) ([]*BillLineItem, error)
	RemoveLineItem(ctx context.Context, billID, itemID uuid.UUID) error
	FindLineItemBySource(ctx context.Context, sourceType string, sourceID uuid.UUID) (*BillLineItem, error)
	// History
	AppendHistory(ctx context.Context, h *StatusHistory) error
	GetHistory(ctx context.Context, billID uuid.UUID) ([]*StatusHistory, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status PaymentStatus, refundID *uuid.UUID) error
	ListByBill(ctx context.Context, billID uuid.UUID) ([]*Payment, error)
}

type InsuranceRepository interface {
	Create(ctx context.Context, pi *PatientInsurance) error
	GetByID(ctx context.Context, id uuid.UUID) (*PatientInsurance, error)
	Update(ctx context.Context, pi *PatientInsurance) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, activeOnly bool) ([]*PatientInsurance, error)
}

type ClaimRepository interface {
	Create(ctx context.Context, c *InsuranceClaim) error
	GetByID(ctx context.Context, id uuid.UUID) (*InsuranceClaim, error)
	Update(ctx context.Context, c *InsuranceClaim) error
	ListByBill(ctx context.Context, billID uuid.UUID) ([]*InsuranceClaim, error)
}

type RefundRepository interface {
	Create(ctx context.Context, r *BillRefund) error
	GetByID(ctx context.Context, id uuid.UUID) (*BillRefund, error)
	Update(ctx context.Context, r *BillRefund) error
	ListByBill(ctx context.Context, billID uuid.UUID) ([]*BillRefund, error)
}
