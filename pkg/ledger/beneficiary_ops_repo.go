package ledger

import (
	"context"
	"encoding/json"
	"fmt"
)

// BeneficiaryOpsRepo is the typed repository over the beneficiary_ops
// table — the OPERATIONS-store projection the core is permitted to read
// (spec §9's sanitised proxy boundary). It never carries the confidential
// attributes (name, sensitive identifiers); those live only behind
// pkg/beneficiary's proxy client.
type BeneficiaryOpsRepo struct {
	store Store
}

func NewBeneficiaryOpsRepo(store Store) *BeneficiaryOpsRepo {
	return &BeneficiaryOpsRepo{store: store}
}

// Upsert creates or replaces the ops projection for a beneficiary. The
// operations store is an external system of record in production; this
// repo's copy is the core's working cache of it, refreshed on each sync.
func (r *BeneficiaryOpsRepo) Upsert(ctx context.Context, b BeneficiaryOps) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal beneficiary ops: %w", err)
	}
	_, pos, err := r.store.FindRow(ctx, TableBeneficiaryOps, "beneficiary_id", b.BeneficiaryID)
	if err != nil {
		if err == ErrNotFound {
			return r.store.Append(ctx, TableBeneficiaryOps, Row{Key: b.BeneficiaryID, Payload: payload})
		}
		return err
	}
	return r.store.UpdateCells(ctx, TableBeneficiaryOps, pos, map[string]any{
		"school":    b.School,
		"total_due": b.TotalDue,
		"cleared":   b.Cleared,
		"pending":   b.Pending,
	})
}

// Get returns a beneficiary's ops projection and row position for a
// subsequent UpdatePending call.
func (r *BeneficiaryOpsRepo) Get(ctx context.Context, beneficiaryID string) (BeneficiaryOps, RowPosition, error) {
	row, pos, err := r.store.FindRow(ctx, TableBeneficiaryOps, "beneficiary_id", beneficiaryID)
	if err != nil {
		return BeneficiaryOps{}, RowPosition{}, err
	}
	var b BeneficiaryOps
	if err := json.Unmarshal(row.Payload, &b); err != nil {
		return BeneficiaryOps{}, RowPosition{}, fmt.Errorf("unmarshal beneficiary ops: %w", err)
	}
	return b, pos, nil
}

// UpdatePending writes a recomputed pending figure after a commit, per
// spec §4.6 step 6 ("Recompute beneficiary pending").
func (r *BeneficiaryOpsRepo) UpdatePending(ctx context.Context, pos RowPosition, pending int64) error {
	return r.store.UpdateCells(ctx, TableBeneficiaryOps, pos, map[string]any{"pending": pending})
}

// ScanAll returns every beneficiary ops row, used by the batch picker
// (`available_pledges`) to list beneficiaries alongside open pledges.
func (r *BeneficiaryOpsRepo) ScanAll(ctx context.Context) ([]BeneficiaryOps, error) {
	rows, err := r.store.Snapshot(ctx, TableBeneficiaryOps)
	if err != nil {
		return nil, err
	}
	out := make([]BeneficiaryOps, 0, len(rows))
	for _, row := range rows {
		var b BeneficiaryOps
		if err := json.Unmarshal(row.Payload, &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
