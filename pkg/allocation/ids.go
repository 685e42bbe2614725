package allocation

import (
	"context"
	"fmt"
)

// idSequence counts existing rows once per lock-held transaction and hands
// out monotonic alloc_id/batch_id values for the rest of that transaction.
// Safe without further locking: every caller of Allocate/AllocateBatch
// already holds the single SCRIPT_LOCK for the whole commit.
type idSequence struct {
	nextAlloc int
	nextBatch int
}

func (s *Service) newIDSequence(ctx context.Context) (*idSequence, error) {
	all, err := s.allocations.ScanAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocation: scan existing allocations: %w", err)
	}
	batches := make(map[string]bool)
	for _, a := range all {
		if a.BatchID != "" {
			batches[a.BatchID] = true
		}
	}
	return &idSequence{nextAlloc: len(all) + 1, nextBatch: len(batches) + 1}, nil
}

func (seq *idSequence) allocID() string {
	id := fmt.Sprintf("ALLOC-%05d", seq.nextAlloc)
	seq.nextAlloc++
	return id
}

func (seq *idSequence) batchID() string {
	id := fmt.Sprintf("BATCH-%05d", seq.nextBatch)
	seq.nextBatch++
	return id
}
