package ledger

import (
	"context"
	"encoding/json"
)

// memStore is a minimal in-process Store used only by this package's own
// tests, standing in for PostgresStore/SQLiteStore so repo logic can be
// exercised without a real database connection.
type memStore struct {
	tables map[string][]Row
}

func newMemStore() *memStore {
	return &memStore{tables: make(map[string][]Row)}
}

func (m *memStore) FindRow(ctx context.Context, table, column, value string) (Row, RowPosition, error) {
	for _, row := range m.tables[table] {
		doc := decodeJSON(row.Payload)
		if doc[column] == value {
			return row, RowPosition{Table: table, Key: row.Key, Version: row.Version}, nil
		}
	}
	return Row{}, RowPosition{}, ErrNotFound
}

func (m *memStore) Append(ctx context.Context, table string, row Row) error {
	row.Version = 1
	m.tables[table] = append(m.tables[table], row)
	return nil
}

func (m *memStore) UpdateCells(ctx context.Context, table string, pos RowPosition, cells map[string]any) error {
	rows := m.tables[table]
	for i, row := range rows {
		if row.Key == pos.Key {
			if row.Version != pos.Version {
				return ErrConcurrentModification
			}
			doc := decodeJSON(row.Payload)
			for k, v := range cells {
				doc[k] = v
			}
			rows[i].Payload = encodeJSON(doc)
			rows[i].Version++
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) Scan(ctx context.Context, table string, pred Predicate) ([]Row, error) {
	rows := m.tables[table]
	if pred == nil {
		return append([]Row{}, rows...), nil
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) Snapshot(ctx context.Context, table string) ([]Row, error) {
	return append([]Row{}, m.tables[table]...), nil
}

func decodeJSON(b []byte) map[string]any {
	var doc map[string]any
	_ = json.Unmarshal(b, &doc)
	return doc
}

func encodeJSON(doc map[string]any) []byte {
	b, _ := json.Marshal(doc)
	return b
}
