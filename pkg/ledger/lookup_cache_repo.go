package ledger

import (
	"context"
	"encoding/json"
	"fmt"
)

// LookupCacheRepo is the typed repository over the lookup_cache table — a
// soft, derived snapshot per spec §3. Never authoritative; C6 refreshes it
// after every commit, and readers (the operator UI) must tolerate slightly
// stale values rather than block on the lock.
type LookupCacheRepo struct {
	store Store
}

func NewLookupCacheRepo(store Store) *LookupCacheRepo {
	return &LookupCacheRepo{store: store}
}

// Refresh upserts the cache entry for a pledge, recomputed after a commit.
func (r *LookupCacheRepo) Refresh(ctx context.Context, entry LookupCacheEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal lookup cache entry: %w", err)
	}
	_, pos, err := r.store.FindRow(ctx, TableLookupCache, "pledge_id", entry.PledgeID)
	if err != nil {
		if err == ErrNotFound {
			return r.store.Append(ctx, TableLookupCache, Row{Key: entry.PledgeID, Payload: payload})
		}
		return err
	}
	return r.store.UpdateCells(ctx, TableLookupCache, pos, map[string]any{
		"balance":             entry.Balance,
		"beneficiary_id":      entry.BeneficiaryID,
		"beneficiary_pending": entry.BeneficiaryPending,
		"refreshed_at":        entry.RefreshedAt,
	})
}

// Get returns the cached entry for a pledge, if present. Callers must
// recompute from the ledger tables when correctness matters — this is a
// soft cache, never authoritative.
func (r *LookupCacheRepo) Get(ctx context.Context, pledgeID string) (LookupCacheEntry, bool, error) {
	row, _, err := r.store.FindRow(ctx, TableLookupCache, "pledge_id", pledgeID)
	if err != nil {
		if err == ErrNotFound {
			return LookupCacheEntry{}, false, nil
		}
		return LookupCacheEntry{}, false, err
	}
	var entry LookupCacheEntry
	if err := json.Unmarshal(row.Payload, &entry); err != nil {
		return LookupCacheEntry{}, false, fmt.Errorf("unmarshal lookup cache entry: %w", err)
	}
	return entry, true, nil
}
