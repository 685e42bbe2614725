package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore is a durable, hybrid-schema implementation of Store: each
// table is a single Postgres table with an indexed primary key column, a
// JSONB payload column carrying the full row, and a version column used for
// optimistic concurrency on UpdateCells.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pledges (
	key TEXT PRIMARY KEY,
	payload JSONB NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS receipts (
	key TEXT PRIMARY KEY,
	payload JSONB NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS allocations (
	key TEXT PRIMARY KEY,
	payload JSONB NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS audit_events (
	key TEXT PRIMARY KEY,
	payload JSONB NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS lookup_cache (
	key TEXT PRIMARY KEY,
	payload JSONB NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS beneficiary_ops (
	key TEXT PRIMARY KEY,
	payload JSONB NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_pledges_status ON pledges ((payload->>'status'));
CREATE INDEX IF NOT EXISTS idx_receipts_pledge_id ON receipts ((payload->>'pledge_id'));
CREATE INDEX IF NOT EXISTS idx_allocations_pledge_id ON allocations ((payload->>'pledge_id'));
CREATE INDEX IF NOT EXISTS idx_allocations_batch_id ON allocations ((payload->>'batch_id'));
CREATE INDEX IF NOT EXISTS idx_allocations_status ON allocations ((payload->>'status'));
`

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) FindRow(ctx context.Context, table, column, value string) (Row, RowPosition, error) {
	query := fmt.Sprintf(`SELECT key, payload, version FROM %s WHERE payload->>'%s' = $1 ORDER BY inserted_at ASC LIMIT 1`, table, column)
	var row Row
	err := s.db.QueryRowContext(ctx, query, value).Scan(&row.Key, &row.Payload, &row.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Row{}, RowPosition{}, ErrNotFound
		}
		return Row{}, RowPosition{}, err
	}
	return row, RowPosition{Table: table, Key: row.Key, Version: row.Version}, nil
}

func (s *PostgresStore) Append(ctx context.Context, table string, row Row) error {
	query := fmt.Sprintf(`INSERT INTO %s (key, payload, version) VALUES ($1, $2, 1)`, table)
	_, err := s.db.ExecContext(ctx, query, row.Key, row.Payload)
	return err
}

func (s *PostgresStore) UpdateCells(ctx context.Context, table string, pos RowPosition, cells map[string]any) error {
	query := fmt.Sprintf(`UPDATE %s SET payload = payload || $1::jsonb, version = version + 1 WHERE key = $2 AND version = $3`, table)
	patch, err := marshalCells(cells)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, patch, pos.Key, pos.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (s *PostgresStore) Scan(ctx context.Context, table string, pred Predicate) ([]Row, error) {
	rows, err := s.queryAll(ctx, table)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return rows, nil
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *PostgresStore) Snapshot(ctx context.Context, table string) ([]Row, error) {
	return s.queryAll(ctx, table)
}

func (s *PostgresStore) queryAll(ctx context.Context, table string) ([]Row, error) {
	query := fmt.Sprintf(`SELECT key, payload, version FROM %s ORDER BY inserted_at ASC`, table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Row, 0)
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Key, &r.Payload, &r.Version); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
