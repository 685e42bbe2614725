package ledger

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReceiptRepo is the typed repository over the receipts table.
type ReceiptRepo struct {
	store Store
}

func NewReceiptRepo(store Store) *ReceiptRepo {
	return &ReceiptRepo{store: store}
}

// Create inserts a new receipt row.
func (r *ReceiptRepo) Create(ctx context.Context, rcpt Receipt) error {
	payload, err := json.Marshal(rcpt)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	return r.store.Append(ctx, TableReceipts, Row{Key: rcpt.ReceiptID, Payload: payload})
}

// FindDuplicate implements the dedup tuple from spec §3's Receipt
// invariant: (pledge_id, filename, verified amount, transfer date)
// matching an existing VALID row. Returns ok=false when no match exists.
func (r *ReceiptRepo) FindDuplicate(ctx context.Context, pledgeID string, candidate Receipt) (bool, error) {
	rows, err := r.store.Scan(ctx, TableReceipts, func(row Row) bool {
		var existing Receipt
		if err := json.Unmarshal(row.Payload, &existing); err != nil {
			return false
		}
		return existing.PledgeID == pledgeID &&
			existing.Status == ReceiptStatusValid &&
			existing.NormalisedFilename == candidate.NormalisedFilename &&
			existing.VerifiedAmount == candidate.VerifiedAmount &&
			existing.TransferDate.Equal(candidate.TransferDate)
	})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// ScanByPledge returns every receipt belonging to pledgeID, in insertion
// order — used for rollup (C5) and reporting.
func (r *ReceiptRepo) ScanByPledge(ctx context.Context, pledgeID string) ([]Receipt, error) {
	rows, err := r.store.Scan(ctx, TableReceipts, func(row Row) bool {
		var rcpt Receipt
		if err := json.Unmarshal(row.Payload, &rcpt); err != nil {
			return false
		}
		return rcpt.PledgeID == pledgeID
	})
	if err != nil {
		return nil, err
	}
	out := make([]Receipt, 0, len(rows))
	for _, row := range rows {
		var rcpt Receipt
		if err := json.Unmarshal(row.Payload, &rcpt); err != nil {
			return nil, err
		}
		out = append(out, rcpt)
	}
	return out, nil
}

// VerifiedTotal sums the verified amount of every VALID receipt for a
// pledge — the source of truth for Pledge.verified_total.
func VerifiedTotal(receipts []Receipt) int64 {
	var total int64
	for _, rcpt := range receipts {
		if rcpt.Status == ReceiptStatusValid {
			total += rcpt.VerifiedAmount
		}
	}
	return total
}
