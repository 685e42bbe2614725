package ledger

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresStore_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO pledges").
		WithArgs("PLEDGE-2026-001", []byte(`{"pledge_id":"PLEDGE-2026-001"}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Append(ctx, TablePledges, Row{Key: "PLEDGE-2026-001", Payload: []byte(`{"pledge_id":"PLEDGE-2026-001"}`)})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_UpdateCells_ConcurrentModification(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)
	ctx := context.Background()

	mock.ExpectExec("UPDATE pledges SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.UpdateCells(ctx, TablePledges, RowPosition{Table: TablePledges, Key: "PLEDGE-2026-001", Version: 3}, map[string]any{"status": "VERIFIED"})
	if err != ErrConcurrentModification {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestPostgresStore_FindRow_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT key, payload, version FROM pledges").
		WillReturnRows(sqlmock.NewRows([]string{"key", "payload", "version"}))

	_, _, err = store.FindRow(ctx, TablePledges, "pledge_id", "PLEDGE-2026-999")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
