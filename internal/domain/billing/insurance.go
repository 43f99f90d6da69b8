package billing

import (
	"github.com/shopspring/decimal"

	"github.com/hms/hms/pkg/money"
)

// Apportionment splits one bill total between the insurer and the patient
// under a policy. DeductibleConsumed and AnnualConsumed report how much of
// the policy counters this settlement uses, so the caller can increment
// them exactly once on claim approval.
type Apportionment struct {
	DeductiblePortion  decimal.Decimal
	CoPay              decimal.Decimal
	InsurerShare       decimal.Decimal
	PatientShare       decimal.Decimal
	DeductibleConsumed decimal.Decimal
	AnnualConsumed     decimal.Decimal
}

// Apportion computes the insurer/patient split of total under policy. The
// order is fixed: the remaining deductible is satisfied first, the co-pay
// applies to the amount after deductible (percentage wins over a fixed
// co-pay when both are set), the insurer covers the rest up to the
// remaining annual coverage, and everything not covered falls to the
// patient. Each step rounds half-up to two places. The sum of the two
// shares always equals the total. Without a policy the patient owes the
// whole total.
func Apportion(total decimal.Decimal, policy *PatientInsurance) Apportionment {
	total = money.Round2(total)
	if !total.IsPositive() {
		return Apportionment{}
	}
	if policy == nil {
		return Apportionment{PatientShare: total}
	}

	dedPortion := money.Min(total, policy.RemainingDeductible())
	afterDed := total.Sub(dedPortion)

	var coPay decimal.Decimal
	if policy.CoPayPercentage.IsPositive() {
		coPay = money.Percent(afterDed, policy.CoPayPercentage)
	} else {
		coPay = money.Min(policy.CoPayAmount, afterDed)
	}
	coPay = money.FloorZero(coPay)

	insurer := money.FloorZero(afterDed.Sub(coPay))
	if rem := policy.RemainingAnnualCoverage(); rem != nil {
		insurer = money.Min(insurer, *rem)
	}

	return Apportionment{
		DeductiblePortion:  dedPortion,
		CoPay:              coPay,
		InsurerShare:       insurer,
		PatientShare:       money.Round2(total.Sub(insurer)),
		DeductibleConsumed: dedPortion,
		AnnualConsumed:     insurer,
	}
}
