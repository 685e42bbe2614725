package allocation_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nust-lifeline/ledger/pkg/allocation"
	"github.com/nust-lifeline/ledger/pkg/audit"
	"github.com/nust-lifeline/ledger/pkg/beneficiary"
	"github.com/nust-lifeline/ledger/pkg/config"
	"github.com/nust-lifeline/ledger/pkg/ledger"
	"github.com/nust-lifeline/ledger/pkg/lock"
	"github.com/nust-lifeline/ledger/pkg/mail"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *ledger.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := ledger.NewSQLiteStore(db)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return store
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway is a minimal mail.Gateway: every Send succeeds and returns a
// deterministic message id so allocation tests can assert on ids without
// touching a real mailbox.
type fakeGateway struct {
	sent   []mail.Draft
	nextID int
}

func (g *fakeGateway) Search(ctx context.Context, query string, limit int) ([]mail.Message, error) {
	return nil, nil
}
func (g *fakeGateway) FetchMessages(ctx context.Context, ids []string) ([]mail.Message, error) {
	return nil, nil
}
func (g *fakeGateway) EnsureLabel(ctx context.Context, label string) error { return nil }
func (g *fakeGateway) ApplyLabel(ctx context.Context, messageID, label string) error { return nil }
func (g *fakeGateway) RemoveLabel(ctx context.Context, messageID, label string) error { return nil }
func (g *fakeGateway) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	return nil, nil
}
func (g *fakeGateway) Send(ctx context.Context, draft mail.Draft) (string, error) {
	g.sent = append(g.sent, draft)
	g.nextID++
	return "msg-" + string(rune('a'+g.nextID)), nil
}

type stubConfidentialSource struct {
	records map[string]beneficiary.Confidential
}

func (s *stubConfidentialSource) LookupConfidential(ctx context.Context, beneficiaryID string) (beneficiary.Confidential, error) {
	rec, ok := s.records[beneficiaryID]
	if !ok {
		return beneficiary.Confidential{}, ledger.ErrNotFound
	}
	return rec, nil
}

func testProfile() *config.CampaignProfile {
	return &config.CampaignProfile{
		Templates: map[config.TemplateID]config.TemplateDef{
			config.TemplateHostelVerification: {
				Subject:              "Allocation for {{pledge_id}}",
				Body:                 "{{beneficiary_school}} will receive {{amount}} for {{pledge_id}}. {{reply_mailto_link}}",
				RequiredPlaceholders: []string{"pledge_id", "beneficiary_school", "amount"},
			},
			config.TemplateDonorAllocationIntermediate: {
				Subject:              "Your pledge {{pledge_id}} is being disbursed",
				Body:                 "Dear {{donor_name}}, {{amount}} of your pledge is going to {{beneficiary_school}}.",
				RequiredPlaceholders: []string{"donor_name", "pledge_id", "beneficiary_school", "amount"},
			},
			config.TemplateBatchIntimation: {
				Subject:              "Batch {{batch_id}} allocation",
				Body:                 "{{beneficiary_school}}: {{entries_summary}} totalling {{total_amount}}. {{reply_mailto_link}}",
				RequiredPlaceholders: []string{"batch_id", "beneficiary_school", "entries_summary", "total_amount"},
			},
			config.TemplateHostelMailto: {
				Subject:              "",
				Body:                 "mailto:{{to}}?subject={{subject}}&bcc={{bcc}}",
				RequiredPlaceholders: []string{"to", "subject"},
			},
			config.TemplateBatchMailto: {
				Subject:              "",
				Body:                 "mailto:{{to}}?subject={{subject}}&bcc={{bcc}}",
				RequiredPlaceholders: []string{"to", "subject"},
			},
		},
	}
}

func newTestService(t *testing.T, store *ledger.SQLiteStore, gw *fakeGateway) (*allocation.Service, *ledger.PledgeRepo, *ledger.BeneficiaryOpsRepo, *ledger.AllocationRepo, *ledger.AuditRepo) {
	t.Helper()
	pledges := ledger.NewPledgeRepo(store)
	allocations := ledger.NewAllocationRepo(store)
	benOps := ledger.NewBeneficiaryOpsRepo(store)
	lookupCache := ledger.NewLookupCacheRepo(store)
	auditRepo := ledger.NewAuditRepo(store)
	auditLog := audit.NewLogger(auditRepo, "")
	proxy := beneficiary.NewProxy(benOps, &stubConfidentialSource{records: map[string]beneficiary.Confidential{
		"BEN-1": {BeneficiaryID: "BEN-1", Name: "Boitekanelo Hostel", ContactEmail: "hostel@example.org"},
	}})
	locker := lock.NewInProcessLocker()
	svc := allocation.New(gw, locker, pledges, allocations, benOps, lookupCache, auditLog, proxy, testProfile(), lock.DefaultTimeout, discardLogger())
	return svc, pledges, benOps, allocations, auditRepo
}

func seedPledge(t *testing.T, pledges *ledger.PledgeRepo, id string, promised, verifiedTotal, balance int64, status ledger.PledgeStatus) {
	t.Helper()
	if err := pledges.Create(context.Background(), ledger.Pledge{
		PledgeID:       id,
		DonorEmail:     "donor@example.org",
		DonorName:      "A Donor",
		DonorChapter:   "main",
		PromisedAmount: promised,
		CreatedAt:      time.Now().UTC().Add(-72 * time.Hour),
	}); err != nil {
		t.Fatalf("seed pledge: %v", err)
	}
	_, pos, err := pledges.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("reload seeded pledge: %v", err)
	}
	if err := pledges.UpdateBalances(context.Background(), pos, verifiedTotal, balance, promised-verifiedTotal); err != nil {
		t.Fatalf("seed pledge balances: %v", err)
	}
	_, pos, err = pledges.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("reload seeded pledge: %v", err)
	}
	if status != ledger.PledgeStatusPledged {
		if err := pledges.WriteStatus(context.Background(), pos, ledger.PledgeStatusPledged, status); err != nil {
			t.Fatalf("seed pledge status: %v", err)
		}
	}
}

func seedBeneficiary(t *testing.T, benOps *ledger.BeneficiaryOpsRepo, id string, totalDue, cleared, pending int64) {
	t.Helper()
	if err := benOps.Upsert(context.Background(), ledger.BeneficiaryOps{
		BeneficiaryID: id,
		School:        "Boitekanelo Hostel",
		TotalDue:      totalDue,
		Cleared:       cleared,
		Pending:       pending,
	}); err != nil {
		t.Fatalf("seed beneficiary: %v", err)
	}
}

func TestAllocate_HappyPath_PartialAllocation(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{}
	svc, pledges, benOps, allocations, _ := newTestService(t, store, gw)

	seedPledge(t, pledges, "PLEDGE-2026-001", 100000, 100000, 100000, ledger.PledgeStatusProofSubmitted)
	seedBeneficiary(t, benOps, "BEN-1", 200000, 0, 200000)

	alloc, err := svc.Allocate(context.Background(), "PLEDGE-2026-001", "BEN-1", 40000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if alloc.Status != ledger.AllocationStatusPendingHostel {
		t.Errorf("status = %s, want PENDING_HOSTEL", alloc.Status)
	}
	if alloc.HostelIntimationEmailID == "" || alloc.DonorIntermediateEmailID == "" {
		t.Error("expected both hostel and donor message ids to be captured")
	}

	p, _, err := pledges.Get(context.Background(), "PLEDGE-2026-001")
	if err != nil {
		t.Fatalf("reload pledge: %v", err)
	}
	if p.Balance != 60000 {
		t.Errorf("pledge balance = %d, want 60000", p.Balance)
	}
	if p.Status != ledger.PledgeStatusPartiallyAllocated {
		t.Errorf("pledge status = %s, want PARTIALLY_ALLOCATED", p.Status)
	}

	ben, _, err := benOps.Get(context.Background(), "BEN-1")
	if err != nil {
		t.Fatalf("reload beneficiary: %v", err)
	}
	if ben.Pending != 160000 {
		t.Errorf("beneficiary pending = %d, want 160000", ben.Pending)
	}

	allocs, err := allocations.ScanByPledge(context.Background(), "PLEDGE-2026-001")
	if err != nil || len(allocs) != 1 {
		t.Fatalf("expected exactly one allocation row, got %d (err %v)", len(allocs), err)
	}
	if len(gw.sent) != 2 {
		t.Errorf("expected 2 emails sent (hostel + donor), got %d", len(gw.sent))
	}
}

func TestAllocate_FullAllocation_TwoHopPledgeTransition(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{}
	svc, pledges, benOps, _, auditRepo := newTestService(t, store, gw)

	seedPledge(t, pledges, "PLEDGE-2026-002", 50000, 50000, 50000, ledger.PledgeStatusProofSubmitted)
	seedBeneficiary(t, benOps, "BEN-1", 200000, 0, 200000)

	if _, err := svc.Allocate(context.Background(), "PLEDGE-2026-002", "BEN-1", 50000); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	p, _, err := pledges.Get(context.Background(), "PLEDGE-2026-002")
	if err != nil {
		t.Fatalf("reload pledge: %v", err)
	}
	if p.Balance != 0 {
		t.Errorf("pledge balance = %d, want 0", p.Balance)
	}
	if p.Status != ledger.PledgeStatusFullyAllocated {
		t.Errorf("pledge status = %s, want FULLY_ALLOCATED (via the PARTIALLY_ALLOCATED two-hop)", p.Status)
	}

	events, err := auditRepo.ScanByTarget(context.Background(), "PLEDGE-2026-002")
	if err != nil {
		t.Fatalf("scan audit events: %v", err)
	}
	var sawAllocation, sawStatusChange bool
	for _, e := range events {
		switch e.Kind {
		case audit.EventAllocation:
			sawAllocation = true
		case audit.EventStatusChange:
			sawStatusChange = true
			if e.PrevValue != string(ledger.PledgeStatusProofSubmitted) || e.NewValue != string(ledger.PledgeStatusFullyAllocated) {
				t.Errorf("status change event = %s -> %s, want PROOF_SUBMITTED -> FULLY_ALLOCATED", e.PrevValue, e.NewValue)
			}
		}
	}
	if !sawAllocation || !sawStatusChange {
		t.Errorf("expected both ALLOCATION and STATUS_CHANGE audit events, got %d events (allocation=%v, status_change=%v)", len(events), sawAllocation, sawStatusChange)
	}
}

func TestAllocate_InsufficientFunds_NoLedgerWrite(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{}
	svc, pledges, benOps, allocations, _ := newTestService(t, store, gw)

	seedPledge(t, pledges, "PLEDGE-2026-003", 50000, 50000, 30000, ledger.PledgeStatusProofSubmitted)
	seedBeneficiary(t, benOps, "BEN-1", 200000, 0, 200000)

	_, err := svc.Allocate(context.Background(), "PLEDGE-2026-003", "BEN-1", 40000)
	if err == nil {
		t.Fatal("expected INSUFFICIENT_FUNDS error")
	}

	allocs, err := allocations.ScanByPledge(context.Background(), "PLEDGE-2026-003")
	if err != nil {
		t.Fatalf("scan allocations: %v", err)
	}
	if len(allocs) != 0 {
		t.Errorf("expected no allocation row on validation failure, got %d", len(allocs))
	}
	if len(gw.sent) != 0 {
		t.Errorf("expected no emails sent on validation failure, got %d", len(gw.sent))
	}
}

func TestAllocate_ExceedsBeneficiaryNeed(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{}
	svc, pledges, benOps, _, _ := newTestService(t, store, gw)

	seedPledge(t, pledges, "PLEDGE-2026-004", 50000, 50000, 50000, ledger.PledgeStatusProofSubmitted)
	seedBeneficiary(t, benOps, "BEN-1", 10000, 0, 10000)

	_, err := svc.Allocate(context.Background(), "PLEDGE-2026-004", "BEN-1", 40000)
	if err == nil {
		t.Fatal("expected EXCEEDS_BENEFICIARY_NEED error")
	}
}

func TestAllocateBatch_GreedyCapTruncatesLastEntry(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{}
	svc, pledges, benOps, allocations, _ := newTestService(t, store, gw)

	seedPledge(t, pledges, "PLEDGE-2026-010", 60000, 60000, 60000, ledger.PledgeStatusProofSubmitted)
	seedPledge(t, pledges, "PLEDGE-2026-011", 60000, 60000, 60000, ledger.PledgeStatusProofSubmitted)
	seedBeneficiary(t, benOps, "BEN-1", 100000, 20000, 80000)

	result, err := svc.AllocateBatch(context.Background(), []allocation.BatchEntry{
		{PledgeID: "PLEDGE-2026-010", Amount: 50000},
		{PledgeID: "PLEDGE-2026-011", Amount: 50000},
	}, "BEN-1")
	if err != nil {
		t.Fatalf("AllocateBatch: %v", err)
	}
	if len(result.Allocations) != 2 {
		t.Fatalf("expected 2 committed allocations, got %d", len(result.Allocations))
	}

	var total int64
	for _, a := range result.Allocations {
		total += a.Amount
	}
	if total != 80000 {
		t.Errorf("total committed = %d, want 80000 (capped to beneficiary.pending)", total)
	}

	last := result.Allocations[1]
	if last.Amount != 30000 {
		t.Errorf("capped last entry amount = %d, want 30000", last.Amount)
	}
	for _, a := range result.Allocations {
		if a.BatchID != result.BatchID {
			t.Errorf("allocation %s batch_id = %s, want %s", a.AllocID, a.BatchID, result.BatchID)
		}
	}

	allAllocs, err := allocations.ScanByBatch(context.Background(), result.BatchID)
	if err != nil || len(allAllocs) != 2 {
		t.Fatalf("expected 2 allocations sharing batch id, got %d (err %v)", len(allAllocs), err)
	}
	// One shared hostel email, two individual donor emails.
	if len(gw.sent) != 3 {
		t.Errorf("expected 3 emails sent (1 hostel + 2 donor), got %d", len(gw.sent))
	}
}

func TestAllocateBatch_IntermediateEntryExceedsBalance_FailsWholeBatch(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{}
	svc, pledges, benOps, allocations, _ := newTestService(t, store, gw)

	seedPledge(t, pledges, "PLEDGE-2026-020", 10000, 10000, 10000, ledger.PledgeStatusProofSubmitted)
	seedPledge(t, pledges, "PLEDGE-2026-021", 60000, 60000, 60000, ledger.PledgeStatusProofSubmitted)
	seedBeneficiary(t, benOps, "BEN-1", 200000, 0, 200000)

	_, err := svc.AllocateBatch(context.Background(), []allocation.BatchEntry{
		{PledgeID: "PLEDGE-2026-020", Amount: 50000}, // exceeds its own pledge balance of 10000
		{PledgeID: "PLEDGE-2026-021", Amount: 50000},
	}, "BEN-1")
	if err == nil {
		t.Fatal("expected the whole batch to fail")
	}

	if len(gw.sent) != 0 {
		t.Errorf("expected no emails sent when the batch fails validation, got %d", len(gw.sent))
	}
	allocs, err := allocations.ScanAll(context.Background())
	if err != nil {
		t.Fatalf("scan allocations: %v", err)
	}
	if len(allocs) != 0 {
		t.Errorf("expected no allocation rows committed, got %d", len(allocs))
	}
}
