package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nust-lifeline/ledger/pkg/audit"
)

// AuditRepo satisfies audit.Appender against the audit_events table. It is
// the narrow persistence boundary the audit Logger depends on — it knows
// nothing about hash chaining, only how to append and replay rows.
type AuditRepo struct {
	store Store
}

func NewAuditRepo(store Store) *AuditRepo {
	return &AuditRepo{store: store}
}

// AppendAuditEvent persists e. Audit events are append-only: there is no
// update or delete path anywhere in this repo.
func (r *AuditRepo) AppendAuditEvent(ctx context.Context, e *audit.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return r.store.Append(ctx, TableAuditEvents, Row{Key: e.ID, Payload: payload})
}

// LastEvent returns the most recently appended audit event, used to
// recover the hash-chain head across a process restart. ok=false on an
// empty (freshly bootstrapped) ledger.
func (r *AuditRepo) LastEvent(ctx context.Context) (audit.Event, bool, error) {
	rows, err := r.store.Snapshot(ctx, TableAuditEvents)
	if err != nil {
		return audit.Event{}, false, err
	}
	if len(rows) == 0 {
		return audit.Event{}, false, nil
	}
	var e audit.Event
	if err := json.Unmarshal(rows[len(rows)-1].Payload, &e); err != nil {
		return audit.Event{}, false, fmt.Errorf("unmarshal audit event: %w", err)
	}
	return e, true, nil
}

// ScanByTarget returns every audit event recorded against targetID, in
// chronological order.
func (r *AuditRepo) ScanByTarget(ctx context.Context, targetID string) ([]audit.Event, error) {
	rows, err := r.store.Scan(ctx, TableAuditEvents, func(row Row) bool {
		var e audit.Event
		if err := json.Unmarshal(row.Payload, &e); err != nil {
			return false
		}
		return e.TargetID == targetID
	})
	if err != nil {
		return nil, err
	}
	out := make([]audit.Event, 0, len(rows))
	for _, row := range rows {
		var e audit.Event
		if err := json.Unmarshal(row.Payload, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ScanAll returns every audit event in the ledger, in append order — the
// input the `verify` entrypoint command walks with audit.VerifyChain.
func (r *AuditRepo) ScanAll(ctx context.Context) ([]audit.Event, error) {
	rows, err := r.store.Snapshot(ctx, TableAuditEvents)
	if err != nil {
		return nil, err
	}
	out := make([]audit.Event, 0, len(rows))
	for _, row := range rows {
		var e audit.Event
		if err := json.Unmarshal(row.Payload, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
