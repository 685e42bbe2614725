package ledger

import "context"

// RowPosition identifies the physical location of a row within a table, as
// returned by FindRow and required by UpdateCells. It is opaque to callers
// beyond equality comparison; the SQL-backed stores use the row's primary
// key plus an optimistic-concurrency version stamp so a stale position is
// detected rather than silently overwriting a reordered row.
type RowPosition struct {
	Table   string
	Key     string
	Version int64
}

// Row is a generic table row: the indexed columns a store needs for
// predicates and ordering, carried alongside the full JSON-encodable
// payload. The typed repos (PledgeRepo, ReceiptRepo, AllocationRepo)
// marshal/unmarshal Payload into the structs in types.go.
type Row struct {
	Key     string
	Payload []byte
	Version int64
}

// Predicate filters rows during a Scan. Implementations decode Payload into
// their own struct before testing.
type Predicate func(Row) bool

// Store is the C1 Ledger Store contract from spec §4.1. All mutating
// operations are expected to run inside the lock held by pkg/lock; the
// store itself does not serialize writers beyond what the underlying SQL
// engine's row locking provides.
type Store interface {
	// FindRow returns the first row in table matching column=value, along
	// with its position for a later UpdateCells. ErrNotFound if none.
	FindRow(ctx context.Context, table, column, value string) (Row, RowPosition, error)

	// Append atomically inserts row into table.
	Append(ctx context.Context, table string, row Row) error

	// UpdateCells atomically applies cells to the row at pos. Fails with
	// ErrConcurrentModification if pos.Version no longer matches the
	// stored row — the spec disallows concurrent reorder under update.
	UpdateCells(ctx context.Context, table string, pos RowPosition, cells map[string]any) error

	// Scan streams every row in table matching pred, in insertion order.
	Scan(ctx context.Context, table string, pred Predicate) ([]Row, error)

	// Snapshot returns an immutable view of every row in table, used by
	// rollup (C5) and watchdog grouping (C7).
	Snapshot(ctx context.Context, table string) ([]Row, error)
}

// Table names used across the ledger store.
const (
	TablePledges       = "pledges"
	TableReceipts      = "receipts"
	TableAllocations   = "allocations"
	TableAuditEvents   = "audit_events"
	TableLookupCache   = "lookup_cache"
	TableBeneficiaryOps = "beneficiary_ops"
)
