package ledger

import (
	"context"
	"encoding/json"
	"fmt"
)

// AllocationRepo is the typed repository over the allocations table.
type AllocationRepo struct {
	store Store
}

func NewAllocationRepo(store Store) *AllocationRepo {
	return &AllocationRepo{store: store}
}

// Create inserts a new allocation row in PENDING_HOSTEL status.
func (r *AllocationRepo) Create(ctx context.Context, a Allocation) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal allocation: %w", err)
	}
	return r.store.Append(ctx, TableAllocations, Row{Key: a.AllocID, Payload: payload})
}

// Get returns an allocation by id along with its row position.
func (r *AllocationRepo) Get(ctx context.Context, allocID string) (Allocation, RowPosition, error) {
	row, pos, err := r.store.FindRow(ctx, TableAllocations, "alloc_id", allocID)
	if err != nil {
		return Allocation{}, RowPosition{}, err
	}
	var a Allocation
	if err := json.Unmarshal(row.Payload, &a); err != nil {
		return Allocation{}, RowPosition{}, fmt.Errorf("unmarshal allocation: %w", err)
	}
	return a, pos, nil
}

// WriteStatus transitions an allocation to newStatus, enforcing the state
// machine in types.go.
func (r *AllocationRepo) WriteStatus(ctx context.Context, pos RowPosition, from, to AllocationStatus, extraCells map[string]any) error {
	if !ValidAllocationTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	cells := map[string]any{"status": string(to)}
	for k, v := range extraCells {
		cells[k] = v
	}
	return r.store.UpdateCells(ctx, TableAllocations, pos, cells)
}

// ScanByPledge returns every allocation against pledgeID, in insertion
// order.
func (r *AllocationRepo) ScanByPledge(ctx context.Context, pledgeID string) ([]Allocation, error) {
	return r.scanWhere(ctx, func(a Allocation) bool { return a.PledgeID == pledgeID })
}

// ScanByBatch returns every allocation sharing batchID.
func (r *AllocationRepo) ScanByBatch(ctx context.Context, batchID string) ([]Allocation, error) {
	return r.scanWhere(ctx, func(a Allocation) bool { return a.BatchID == batchID })
}

// OpenAllocationsByPledge returns every PENDING_HOSTEL allocation against
// pledgeID — the slice the Reply Watchdog (C7) dispatches confirmations
// against.
func (r *AllocationRepo) OpenAllocationsByPledge(ctx context.Context, pledgeID string) ([]Allocation, error) {
	return r.scanWhere(ctx, func(a Allocation) bool {
		return a.PledgeID == pledgeID && a.Status == AllocationStatusPendingHostel
	})
}

// OpenAllocationsByBatch returns every PENDING_HOSTEL allocation sharing
// batchID.
func (r *AllocationRepo) OpenAllocationsByBatch(ctx context.Context, batchID string) ([]Allocation, error) {
	return r.scanWhere(ctx, func(a Allocation) bool {
		return a.BatchID == batchID && a.Status == AllocationStatusPendingHostel
	})
}

// ScanAll returns every allocation row, used for monotonic alloc_id/batch_id
// generation under the write lock (see pkg/allocation).
func (r *AllocationRepo) ScanAll(ctx context.Context) ([]Allocation, error) {
	rows, err := r.store.Snapshot(ctx, TableAllocations)
	if err != nil {
		return nil, err
	}
	out := make([]Allocation, 0, len(rows))
	for _, row := range rows {
		var a Allocation
		if err := json.Unmarshal(row.Payload, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *AllocationRepo) scanWhere(ctx context.Context, match func(Allocation) bool) ([]Allocation, error) {
	rows, err := r.store.Scan(ctx, TableAllocations, func(row Row) bool {
		var a Allocation
		if err := json.Unmarshal(row.Payload, &a); err != nil {
			return false
		}
		return match(a)
	})
	if err != nil {
		return nil, err
	}
	out := make([]Allocation, 0, len(rows))
	for _, row := range rows {
		var a Allocation
		if err := json.Unmarshal(row.Payload, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// SumAmount sums the amount field across a slice of allocations — used to
// validate "sum of allocations for a pledge ≤ verified_total".
func SumAmount(allocations []Allocation) int64 {
	var total int64
	for _, a := range allocations {
		total += a.Amount
	}
	return total
}
