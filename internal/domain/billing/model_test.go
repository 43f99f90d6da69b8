package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestBillBalanceDue(t *testing.T) {
	tests := []struct {
		name     string
		total    string
		paid     string
		approved string
		want     string
	}{
		{"nothing paid", "100.00", "0", "0", "100.00"},
		{"partially paid", "100.00", "40.00", "0", "60.00"},
		{"insurance settled", "100.00", "20.00", "50.00", "30.00"},
		{"fully settled", "100.00", "50.00", "50.00", "0.00"},
		{"over settled floors at zero", "100.00", "60.00", "50.00", "0.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Bill{
				TotalAmount:             dec(tt.total),
				AmountPaid:              dec(tt.paid),
				InsuranceApprovedAmount: dec(tt.approved),
			}
			if got := b.BalanceDue(); !got.Equal(dec(tt.want)) {
				t.Errorf("BalanceDue() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBillLocked(t *testing.T) {
	for _, st := range []BillStatus{BillStatusDraft, BillStatusPending, BillStatusPartial} {
		b := Bill{Status: st}
		if b.Locked() {
			t.Errorf("bill in %s should not be locked", st)
		}
	}
	for _, st := range []BillStatus{BillStatusPaid, BillStatusVoid} {
		b := Bill{Status: st}
		if !b.Locked() {
			t.Errorf("bill in %s should be locked", st)
		}
	}
}

func TestBillEffectiveStatus(t *testing.T) {
	now := time.Now()
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	t.Run("pending past due with balance reads overdue", func(t *testing.T) {
		b := Bill{Status: BillStatusPending, DueDate: &past, TotalAmount: dec("50.00")}
		if got := b.EffectiveStatus(now); got != BillStatusOverdue {
			t.Errorf("EffectiveStatus() = %s, want overdue", got)
		}
		// Stored status is untouched.
		if b.Status != BillStatusPending {
			t.Errorf("stored status mutated to %s", b.Status)
		}
	})

	t.Run("partial past due reads overdue", func(t *testing.T) {
		b := Bill{Status: BillStatusPartial, DueDate: &past, TotalAmount: dec("50.00"), AmountPaid: dec("10.00")}
		if got := b.EffectiveStatus(now); got != BillStatusOverdue {
			t.Errorf("EffectiveStatus() = %s, want overdue", got)
		}
	})

	t.Run("future due date stays pending", func(t *testing.T) {
		b := Bill{Status: BillStatusPending, DueDate: &future, TotalAmount: dec("50.00")}
		if got := b.EffectiveStatus(now); got != BillStatusPending {
			t.Errorf("EffectiveStatus() = %s, want pending", got)
		}
	})

	t.Run("zero balance never reads overdue", func(t *testing.T) {
		b := Bill{Status: BillStatusPending, DueDate: &past, TotalAmount: dec("50.00"), AmountPaid: dec("50.00")}
		if got := b.EffectiveStatus(now); got != BillStatusPending {
			t.Errorf("EffectiveStatus() = %s, want pending", got)
		}
	})

	t.Run("paid and void are never overdue", func(t *testing.T) {
		for _, st := range []BillStatus{BillStatusPaid, BillStatusVoid, BillStatusDraft} {
			b := Bill{Status: st, DueDate: &past, TotalAmount: dec("50.00")}
			if got := b.EffectiveStatus(now); got != st {
				t.Errorf("EffectiveStatus() = %s, want %s", got, st)
			}
		}
	})
}

func TestPolicyRemainingDeductible(t *testing.T) {
	p := PatientInsurance{DeductibleAmount: dec("200.00"), DeductibleMet: dec("150.00")}
	if got := p.RemainingDeductible(); !got.Equal(dec("50.00")) {
		t.Errorf("RemainingDeductible() = %s, want 50.00", got)
	}
	p.DeductibleMet = dec("250.00")
	if got := p.RemainingDeductible(); !got.Equal(decimal.Zero) {
		t.Errorf("RemainingDeductible() = %s, want 0", got)
	}
}

func TestPolicyRemainingAnnualCoverage(t *testing.T) {
	p := PatientInsurance{AnnualUsedAmount: dec("800.00")}
	if got := p.RemainingAnnualCoverage(); got != nil {
		t.Errorf("uncapped policy should return nil, got %s", got)
	}
	p.AnnualMaxCoverage = decPtr("1000.00")
	if got := p.RemainingAnnualCoverage(); got == nil || !got.Equal(dec("200.00")) {
		t.Errorf("RemainingAnnualCoverage() = %v, want 200.00", got)
	}
	p.AnnualUsedAmount = dec("1200.00")
	if got := p.RemainingAnnualCoverage(); got == nil || !got.Equal(decimal.Zero) {
		t.Errorf("exhausted coverage should floor at zero, got %v", got)
	}
}

func TestClaimPatientResponsibility(t *testing.T) {
	c := InsuranceClaim{ClaimAmount: dec("100.00")}
	if got := c.PatientResponsibility(); !got.Equal(dec("100.00")) {
		t.Errorf("undecided claim responsibility = %s, want 100.00", got)
	}
	c.ApprovedAmount = decPtr("70.00")
	if got := c.PatientResponsibility(); !got.Equal(dec("30.00")) {
		t.Errorf("PatientResponsibility() = %s, want 30.00", got)
	}
}

func TestClaimApprovalRate(t *testing.T) {
	c := InsuranceClaim{ClaimAmount: dec("200.00"), ApprovedAmount: decPtr("50.00")}
	if got := c.ApprovalRate(); !got.Equal(dec("25.00")) {
		t.Errorf("ApprovalRate() = %s, want 25.00", got)
	}
	undecided := InsuranceClaim{ClaimAmount: dec("200.00")}
	if got := undecided.ApprovalRate(); !got.Equal(decimal.Zero) {
		t.Errorf("undecided ApprovalRate() = %s, want 0", got)
	}
}
