package ledger

import "context"

// BalanceDrift reports one pledge whose cached balance fields disagree with
// the value recomputed from its receipt and allocation rows.
type BalanceDrift struct {
	PledgeID               string
	StoredVerifiedTotal     int64
	RecomputedVerifiedTotal int64
	StoredBalance           int64
	RecomputedBalance       int64
	StoredOutstanding       int64
	RecomputedOutstanding   int64
}

// Drifted reports whether any of the three cached fields disagree with the
// recomputed value.
func (d BalanceDrift) Drifted() bool {
	return d.StoredVerifiedTotal != d.RecomputedVerifiedTotal ||
		d.StoredBalance != d.RecomputedBalance ||
		d.StoredOutstanding != d.RecomputedOutstanding
}

// VerifyInvariants is spec §9's "Dynamic balances" diagnostic: the stored
// verified_total/balance/outstanding cells on every pledge are an
// optimisation only, and the authoritative values are always the ones
// recomputable from the receipt and allocation scan. It walks every pledge,
// recomputes those three cells the same way the Receipt Ingestor (C5) does
// after each receipt, and returns one BalanceDrift per pledge whose cache has
// drifted from the recomputed value. An empty, nil-error result means every
// pledge's cache matches the scan.
func VerifyInvariants(ctx context.Context, pledges *PledgeRepo, receipts *ReceiptRepo, allocations *AllocationRepo) ([]BalanceDrift, error) {
	all, err := pledges.ScanAll(ctx)
	if err != nil {
		return nil, err
	}
	var drifts []BalanceDrift
	for _, p := range all {
		rs, err := receipts.ScanByPledge(ctx, p.PledgeID)
		if err != nil {
			return nil, err
		}
		verifiedTotal := VerifiedTotal(rs)

		allocs, err := allocations.ScanByPledge(ctx, p.PledgeID)
		if err != nil {
			return nil, err
		}
		var activeAllocated int64
		for _, a := range allocs {
			if a.Status != AllocationStatusCancelled {
				activeAllocated += a.Amount
			}
		}

		balance := verifiedTotal - activeAllocated
		outstanding := p.PromisedAmount - verifiedTotal

		d := BalanceDrift{
			PledgeID:                p.PledgeID,
			StoredVerifiedTotal:     p.VerifiedTotal,
			RecomputedVerifiedTotal: verifiedTotal,
			StoredBalance:           p.Balance,
			RecomputedBalance:       balance,
			StoredOutstanding:       p.Outstanding,
			RecomputedOutstanding:   outstanding,
		}
		if d.Drifted() {
			drifts = append(drifts, d)
		}
	}
	return drifts, nil
}
