package billing

// billTransitions enumerates the allowed bill status transitions. Void is
// reachable from every non-terminal state; paid bills may still be voided
// to reverse an erroneous settlement. Paid and void are otherwise terminal.
var billTransitions = map[BillStatus][]BillStatus{
	BillStatusDraft:   {BillStatusPending, BillStatusVoid},
	BillStatusPending: {BillStatusPartial, BillStatusPaid, BillStatusVoid},
	BillStatusPartial: {BillStatusPaid, BillStatusVoid},
	BillStatusPaid:    {BillStatusVoid},
	BillStatusVoid:    {},
}

// CanTransition reports whether a bill may move from one status to
// another. Self-transitions are allowed so idempotent recomputation never
// fails.
func CanTransition(from, to BillStatus) bool {
	if from == to {
		return true
	}
	for _, s := range billTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the bill to the target status or returns
// InvalidTransitionError. It mutates only the status field; the caller
// records history and persists.
func Transition(b *Bill, to BillStatus) error {
	if !CanTransition(b.Status, to) {
		return &InvalidTransitionError{From: b.Status, To: to}
	}
	b.Status = to
	return nil
}

// claimTransitions enumerates the claim workflow. A rejected claim may be
// appealed; an appealed claim re-enters review.
var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimDraft:           {ClaimSubmitted},
	ClaimSubmitted:       {ClaimUnderReview, ClaimApproved, ClaimPartialApproved, ClaimRejected},
	ClaimUnderReview:     {ClaimApproved, ClaimPartialApproved, ClaimRejected},
	ClaimApproved:        {},
	ClaimPartialApproved: {ClaimAppealed},
	ClaimRejected:        {ClaimAppealed},
	ClaimAppealed:        {ClaimUnderReview, ClaimApproved, ClaimPartialApproved, ClaimRejected},
}

// CanTransitionClaim reports whether a claim may move between two states.
func CanTransitionClaim(from, to ClaimStatus) bool {
	for _, s := range claimTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// refundTransitions enumerates the refund workflow; processed and rejected
// are terminal.
var refundTransitions = map[RefundStatus][]RefundStatus{
	RefundRequested: {RefundApproved, RefundRejected},
	RefundApproved:  {RefundProcessed},
	RefundRejected:  {},
	RefundProcessed: {},
}

// CanTransitionRefund reports whether a refund may move between two states.
func CanTransitionRefund(from, to RefundStatus) bool {
	for _, s := range refundTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusForLedger derives the payment status a bill should carry from its
// totals. A zero-balance bill with any money applied is paid; any money
// applied with balance remaining is partial; otherwise the bill stays
// pending. Draft and void bills are never rewritten by the ledger.
func StatusForLedger(b *Bill) BillStatus {
	if b.Status == BillStatusDraft || b.Status == BillStatusVoid {
		return b.Status
	}
	settled := b.AmountPaid.Add(b.InsuranceApprovedAmount)
	switch {
	case settled.IsPositive() && !b.BalanceDue().IsPositive():
		return BillStatusPaid
	case settled.IsPositive():
		return BillStatusPartial
	default:
		return BillStatusPending
	}
}
