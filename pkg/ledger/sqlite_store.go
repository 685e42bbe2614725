package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SQLiteStore is the lite-mode Store backend used when Config.LiteMode()
// is true — a single embedded database file, no external Postgres
// dependency. Same key/payload/version shape as PostgresStore; SQLite has
// no jsonb merge operator so UpdateCells decodes, patches, and re-encodes
// the payload in application code under a transaction.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pledges (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	seq INTEGER
);
CREATE TABLE IF NOT EXISTS receipts (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	seq INTEGER
);
CREATE TABLE IF NOT EXISTS allocations (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	seq INTEGER
);
CREATE TABLE IF NOT EXISTS audit_events (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	seq INTEGER
);
CREATE TABLE IF NOT EXISTS lookup_cache (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	seq INTEGER
);
CREATE TABLE IF NOT EXISTS beneficiary_ops (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	seq INTEGER
);
`

func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteStore) FindRow(ctx context.Context, table, column, value string) (Row, RowPosition, error) {
	rows, err := s.queryAll(ctx, table)
	if err != nil {
		return Row{}, RowPosition{}, err
	}
	for _, r := range rows {
		var doc map[string]any
		if err := json.Unmarshal(r.Payload, &doc); err != nil {
			return Row{}, RowPosition{}, err
		}
		if fmt.Sprintf("%v", doc[column]) == value {
			return r, RowPosition{Table: table, Key: r.Key, Version: r.Version}, nil
		}
	}
	return Row{}, RowPosition{}, ErrNotFound
}

func (s *SQLiteStore) Append(ctx context.Context, table string, row Row) error {
	query := fmt.Sprintf(`INSERT INTO %s (key, payload, version, seq) VALUES (?, ?, 1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM %s))`, table, table)
	_, err := s.db.ExecContext(ctx, query, row.Key, string(row.Payload))
	return err
}

func (s *SQLiteStore) UpdateCells(ctx context.Context, table string, pos RowPosition, cells map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var payload string
	var version int64
	query := fmt.Sprintf(`SELECT payload, version FROM %s WHERE key = ?`, table)
	if err := tx.QueryRowContext(ctx, query, pos.Key).Scan(&payload, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if version != pos.Version {
		return ErrConcurrentModification
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return err
	}
	for k, v := range cells {
		doc[k] = v
	}
	patched, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	update := fmt.Sprintf(`UPDATE %s SET payload = ?, version = version + 1 WHERE key = ? AND version = ?`, table)
	res, err := tx.ExecContext(ctx, update, string(patched), pos.Key, pos.Version)
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
	return tx.Commit()
}

func (s *SQLiteStore) Scan(ctx context.Context, table string, pred Predicate) ([]Row, error) {
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

func (s *SQLiteStore) Snapshot(ctx context.Context, table string) ([]Row, error) {
	return s.queryAll(ctx, table)
}

func (s *SQLiteStore) queryAll(ctx context.Context, table string) ([]Row, error) {
	query := fmt.Sprintf(`SELECT key, payload, version FROM %s ORDER BY seq ASC`, table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Row, 0)
	for rows.Next() {
		var r Row
		var payload string
		if err := rows.Scan(&r.Key, &payload, &r.Version); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}
