package ledger

import (
	"context"
	"testing"

	"github.com/nust-lifeline/ledger/pkg/audit"
)

func TestAuditRepo_AppendAndScanByTarget(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepo(newMemStore())

	e1 := &audit.Event{ID: "evt-1", Actor: audit.SystemActor, Kind: audit.EventNewPledge, TargetID: "PLEDGE-2026-001"}
	e2 := &audit.Event{ID: "evt-2", Actor: audit.SystemActor, Kind: audit.EventAllocation, TargetID: "PLEDGE-2026-001"}
	e3 := &audit.Event{ID: "evt-3", Actor: audit.SystemActor, Kind: audit.EventNewPledge, TargetID: "PLEDGE-2026-002"}

	for _, e := range []*audit.Event{e1, e2, e3} {
		if err := repo.AppendAuditEvent(ctx, e); err != nil {
			t.Fatalf("AppendAuditEvent: %v", err)
		}
	}

	got, err := repo.ScanByTarget(ctx, "PLEDGE-2026-001")
	if err != nil {
		t.Fatalf("ScanByTarget: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

func TestAuditRepo_LastEvent_EmptyLedger(t *testing.T) {
	repo := NewAuditRepo(newMemStore())
	_, ok, err := repo.LastEvent(context.Background())
	if err != nil {
		t.Fatalf("LastEvent: %v", err)
	}
	if ok {
		t.Error("expected ok=false on an empty ledger")
	}
}

func TestAuditRepo_LastEvent_ReturnsMostRecent(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepo(newMemStore())
	_ = repo.AppendAuditEvent(ctx, &audit.Event{ID: "evt-1", ContentHash: "hash-1"})
	_ = repo.AppendAuditEvent(ctx, &audit.Event{ID: "evt-2", ContentHash: "hash-2"})

	last, ok, err := repo.LastEvent(ctx)
	if err != nil {
		t.Fatalf("LastEvent: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if last.ID != "evt-2" {
		t.Errorf("ID = %q, want evt-2", last.ID)
	}
}

func TestLoggerIntegratesWithAuditRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepo(newMemStore())
	logger := audit.NewLogger(repo, "")

	e, err := logger.Record(ctx, audit.EventNewPledge, "PLEDGE-2026-001", "pledge created", "", "", nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if e.PrevHash != "" {
		t.Errorf("first event PrevHash = %q, want empty (genesis)", e.PrevHash)
	}
	if logger.Head() != e.ContentHash {
		t.Error("logger head should equal the last recorded event's content hash")
	}

	events, err := repo.ScanByTarget(ctx, "PLEDGE-2026-001")
	if err != nil {
		t.Fatalf("ScanByTarget: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len = %d, want 1", len(events))
	}
	if idx := audit.VerifyChain(events); idx != -1 {
		t.Errorf("VerifyChain broke at index %d", idx)
	}
}
