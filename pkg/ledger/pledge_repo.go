package ledger

import (
	"context"
	"encoding/json"
	"fmt"
)

// PledgeRepo is the typed repository over the pledges table.
type PledgeRepo struct {
	store Store
}

func NewPledgeRepo(store Store) *PledgeRepo {
	return &PledgeRepo{store: store}
}

// Create inserts a new pledge row in PLEDGED status.
func (r *PledgeRepo) Create(ctx context.Context, p Pledge) error {
	p.Outstanding = p.PromisedAmount
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pledge: %w", err)
	}
	return r.store.Append(ctx, TablePledges, Row{Key: p.PledgeID, Payload: payload})
}

// Get returns the pledge by id along with its row position for a
// subsequent WriteStatus or UpdateBalances call.
func (r *PledgeRepo) Get(ctx context.Context, pledgeID string) (Pledge, RowPosition, error) {
	row, pos, err := r.store.FindRow(ctx, TablePledges, "pledge_id", pledgeID)
	if err != nil {
		return Pledge{}, RowPosition{}, err
	}
	var p Pledge
	if err := json.Unmarshal(row.Payload, &p); err != nil {
		return Pledge{}, RowPosition{}, fmt.Errorf("unmarshal pledge: %w", err)
	}
	return p, pos, nil
}

// WriteStatus transitions a pledge to newStatus, enforcing the state
// machine in types.go. Returns ErrInvalidTransition for any transition not
// in the table — the write boundary the spec requires.
func (r *PledgeRepo) WriteStatus(ctx context.Context, pos RowPosition, from, to PledgeStatus) error {
	if !ValidPledgeTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return r.store.UpdateCells(ctx, TablePledges, pos, map[string]any{"status": string(to)})
}

// ReinstatePledge is the explicit escape hatch from a terminal pledge
// status (CLOSED, CANCELLED, REJECTED). It never mutates the terminal row
// in place — it appends a fresh row copied from original under
// newPledgeID, with status PLEDGED, verified_total and balance zeroed and
// outstanding reset to the promised amount. The new row stores no link
// back to original, and this method records no audit event.
func (r *PledgeRepo) ReinstatePledge(ctx context.Context, original Pledge, newPledgeID string) (Pledge, error) {
	reinstated := original
	reinstated.PledgeID = newPledgeID
	reinstated.Status = PledgeStatusPledged
	reinstated.VerifiedTotal = 0
	reinstated.Balance = 0
	reinstated.Outstanding = original.PromisedAmount
	if err := r.Create(ctx, reinstated); err != nil {
		return Pledge{}, err
	}
	return reinstated, nil
}

// UpdateBalances recomputes and persists verified_total/balance/outstanding
// after a receipt rollup or allocation commit.
func (r *PledgeRepo) UpdateBalances(ctx context.Context, pos RowPosition, verifiedTotal, balance, outstanding int64) error {
	return r.store.UpdateCells(ctx, TablePledges, pos, map[string]any{
		"verified_total": verifiedTotal,
		"balance":         balance,
		"outstanding":     outstanding,
	})
}

// SetLatestReceiptEmailID records the message id of the most recently
// processed receipt email on the pledge row (spec §4.5 step 6).
func (r *PledgeRepo) SetLatestReceiptEmailID(ctx context.Context, pos RowPosition, messageID string) error {
	return r.store.UpdateCells(ctx, TablePledges, pos, map[string]any{"latest_receipt_email_id": messageID})
}

// SetConfirmationEmailID records the message id of the initial pledge
// confirmation email, sent by the intake collaborator's handoff path.
func (r *PledgeRepo) SetConfirmationEmailID(ctx context.Context, pos RowPosition, messageID string) error {
	return r.store.UpdateCells(ctx, TablePledges, pos, map[string]any{"confirmation_email_id": messageID})
}

// ScanByStatus returns every pledge whose status is one of the given
// values, in insertion order.
func (r *PledgeRepo) ScanByStatus(ctx context.Context, statuses ...PledgeStatus) ([]Pledge, error) {
	want := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		want[string(s)] = true
	}
	rows, err := r.store.Scan(ctx, TablePledges, func(row Row) bool {
		var p Pledge
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			return false
		}
		return want[string(p.Status)]
	})
	if err != nil {
		return nil, err
	}
	out := make([]Pledge, 0, len(rows))
	for _, row := range rows {
		var p Pledge
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ScanAll returns every pledge row regardless of status, used by the
// verify_invariants balance-drift diagnostic.
func (r *PledgeRepo) ScanAll(ctx context.Context) ([]Pledge, error) {
	rows, err := r.store.Snapshot(ctx, TablePledges)
	if err != nil {
		return nil, err
	}
	out := make([]Pledge, 0, len(rows))
	for _, row := range rows {
		var p Pledge
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
