package billing

import (
	"github.com/shopspring/decimal"

	"github.com/hms/hms/pkg/money"
)

// LineComputation is the breakdown of one line item after discounts.
type LineComputation struct {
	BaseAmount     decimal.Decimal
	DiscountAmount decimal.Decimal
	NetAmount      decimal.Decimal
}

// BillTotals is the aggregate of a bill's line items with the bill-level
// discount and tax applied. Discount applies before tax; every step is
// rounded half-up to two decimal places before the next.
type BillTotals struct {
	SubTotal      decimal.Decimal
	TotalDiscount decimal.Decimal
	TotalTax      decimal.Decimal
	TotalAmount   decimal.Decimal
}

// ComputeLine evaluates one line item. Fixed and percentage discounts on a
// line are additive; the combined discount is capped at the base amount so
// a line never nets negative.
func ComputeLine(item *BillLineItem) LineComputation {
	base := money.Round2(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))

	disc := decimal.Zero
	if item.DiscountAmount.IsPositive() {
		disc = disc.Add(item.DiscountAmount)
	}
	if item.DiscountPercentage.IsPositive() {
		disc = disc.Add(money.Percent(base, item.DiscountPercentage))
	}
	disc = money.Round2(money.Min(disc, base))

	return LineComputation{
		BaseAmount:     base,
		DiscountAmount: disc,
		NetAmount:      base.Sub(disc),
	}
}

// ValidateLineItem checks the invariants a line item must satisfy before
// it is accepted onto a bill.
func ValidateLineItem(item *BillLineItem) error {
	if item.Description == "" {
		return &ValidationError{Field: "description", Message: "description is required"}
	}
	if !validItemTypes[item.ItemType] {
		return &ValidationError{Field: "item_type", Message: "unknown item type"}
	}
	if item.Quantity < 1 {
		return &ValidationError{Field: "quantity", Message: "quantity must be at least 1"}
	}
	if item.UnitPrice.IsNegative() {
		return &ValidationError{Field: "unit_price", Message: "unit price must not be negative"}
	}
	if item.DiscountAmount.IsNegative() {
		return &ValidationError{Field: "discount_amount", Message: "discount amount must not be negative"}
	}
	if item.DiscountPercentage.IsNegative() || item.DiscountPercentage.GreaterThan(decimal.NewFromInt(100)) {
		return &ValidationError{Field: "discount_percentage", Message: "discount percentage must be between 0 and 100"}
	}
	return nil
}

// Aggregate folds the bill's line items into totals and applies the
// bill-level discount and tax. The subtotal is the sum of line net
// amounts; the bill discount (fixed or percentage of the subtotal, capped
// at the subtotal) comes off before tax; tax applies to the discounted
// base. TotalDiscount reports line discounts and the bill discount
// together.
func Aggregate(b *Bill) BillTotals {
	sub := decimal.Zero
	lineDisc := decimal.Zero
	for _, it := range b.Items {
		lc := ComputeLine(it)
		sub = sub.Add(lc.NetAmount)
		lineDisc = lineDisc.Add(lc.DiscountAmount)
	}
	sub = money.Round2(sub)

	billDisc := decimal.Zero
	if b.Discount.IsPositive() {
		switch b.DiscountType {
		case DiscountPercentage:
			billDisc = money.Percent(sub, b.Discount)
		default:
			billDisc = money.Round2(b.Discount)
		}
		billDisc = money.Min(billDisc, sub)
	}

	taxable := sub.Sub(billDisc)
	tax := decimal.Zero
	if b.TaxRate.IsPositive() {
		tax = money.Percent(taxable, b.TaxRate)
	}

	return BillTotals{
		SubTotal:      sub,
		TotalDiscount: money.Round2(lineDisc.Add(billDisc)),
		TotalTax:      tax,
		TotalAmount:   money.Round2(taxable.Add(tax)),
	}
}

// ApplyTotals recomputes and stores the aggregate fields on the bill.
func ApplyTotals(b *Bill) {
	t := Aggregate(b)
	b.SubTotal = t.SubTotal
	b.TotalDiscount = t.TotalDiscount
	b.TotalTax = t.TotalTax
	b.TotalAmount = t.TotalAmount
}
