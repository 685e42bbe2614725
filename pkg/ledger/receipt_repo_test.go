package ledger

import (
	"context"
	"testing"
	"time"
)

func TestReceiptRepo_FindDuplicate_MatchesDedupTuple(t *testing.T) {
	ctx := context.Background()
	repo := NewReceiptRepo(newMemStore())
	transferDate := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	existing := Receipt{
		ReceiptID:          "PLEDGE-2026-001-R1",
		PledgeID:           "PLEDGE-2026-001",
		NormalisedFilename: "receipt.pdf",
		VerifiedAmount:     5000,
		TransferDate:       transferDate,
		Status:             ReceiptStatusValid,
	}
	if err := repo.Create(ctx, existing); err != nil {
		t.Fatalf("Create: %v", err)
	}

	candidate := Receipt{
		NormalisedFilename: "receipt.pdf",
		VerifiedAmount:     5000,
		TransferDate:       transferDate,
	}
	isDup, err := repo.FindDuplicate(ctx, "PLEDGE-2026-001", candidate)
	if err != nil {
		t.Fatalf("FindDuplicate: %v", err)
	}
	if !isDup {
		t.Error("expected duplicate to be detected")
	}
}

func TestReceiptRepo_FindDuplicate_DifferentAmountNotDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewReceiptRepo(newMemStore())
	transferDate := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_ = repo.Create(ctx, Receipt{
		ReceiptID:          "PLEDGE-2026-001-R1",
		PledgeID:           "PLEDGE-2026-001",
		NormalisedFilename: "receipt.pdf",
		VerifiedAmount:     5000,
		TransferDate:       transferDate,
		Status:             ReceiptStatusValid,
	})

	candidate := Receipt{
		NormalisedFilename: "receipt.pdf",
		VerifiedAmount:     6000,
		TransferDate:       transferDate,
	}
	isDup, err := repo.FindDuplicate(ctx, "PLEDGE-2026-001", candidate)
	if err != nil {
		t.Fatalf("FindDuplicate: %v", err)
	}
	if isDup {
		t.Error("different verified amount must not be flagged a duplicate")
	}
}

func TestReceiptRepo_FindDuplicate_IgnoresNonValidRows(t *testing.T) {
	ctx := context.Background()
	repo := NewReceiptRepo(newMemStore())
	transferDate := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_ = repo.Create(ctx, Receipt{
		ReceiptID:          "PLEDGE-2026-001-R1",
		PledgeID:           "PLEDGE-2026-001",
		NormalisedFilename: "receipt.pdf",
		VerifiedAmount:     5000,
		TransferDate:       transferDate,
		Status:             ReceiptStatusDuplicate,
	})

	candidate := Receipt{NormalisedFilename: "receipt.pdf", VerifiedAmount: 5000, TransferDate: transferDate}
	isDup, err := repo.FindDuplicate(ctx, "PLEDGE-2026-001", candidate)
	if err != nil {
		t.Fatalf("FindDuplicate: %v", err)
	}
	if isDup {
		t.Error("a non-VALID row must not itself be treated as the duplicate target")
	}
}

func TestReceiptRepo_ScanByPledge(t *testing.T) {
	ctx := context.Background()
	repo := NewReceiptRepo(newMemStore())
	_ = repo.Create(ctx, Receipt{ReceiptID: "PLEDGE-2026-001-R1", PledgeID: "PLEDGE-2026-001", Status: ReceiptStatusValid, VerifiedAmount: 1000})
	_ = repo.Create(ctx, Receipt{ReceiptID: "PLEDGE-2026-001-R2", PledgeID: "PLEDGE-2026-001", Status: ReceiptStatusValid, VerifiedAmount: 2000})
	_ = repo.Create(ctx, Receipt{ReceiptID: "PLEDGE-2026-002-R1", PledgeID: "PLEDGE-2026-002", Status: ReceiptStatusValid, VerifiedAmount: 500})

	got, err := repo.ScanByPledge(ctx, "PLEDGE-2026-001")
	if err != nil {
		t.Fatalf("ScanByPledge: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if VerifiedTotal(got) != 3000 {
		t.Errorf("VerifiedTotal = %d, want 3000", VerifiedTotal(got))
	}
}
