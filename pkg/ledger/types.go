// Package ledger is the Ledger Store (C1): a relational-flavoured row store
// over the pledge, receipt, allocation, and audit-event tables, plus the
// typed repositories built on top of it. All mutation of these tables is
// expected to happen inside the lock held by pkg/lock.
package ledger

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by find_row and the typed repos when no row
	// matches.
	ErrNotFound = errors.New("ledger: row not found")
	// ErrConcurrentModification is returned by update_cells when the row
	// position supplied by the caller is no longer valid — the spec
	// forbids concurrent reorder of rows under update.
	ErrConcurrentModification = errors.New("ledger: row position is stale")
	// ErrInvalidTransition is returned when a status write is not present
	// in the pledge or allocation state-machine tables.
	ErrInvalidTransition = errors.New("ledger: invalid state transition")
)

// PledgeStatus is the closed set of pledge lifecycle states.
type PledgeStatus string

const (
	PledgeStatusPledged             PledgeStatus = "PLEDGED"
	PledgeStatusPartialReceipt      PledgeStatus = "PARTIAL_RECEIPT"
	PledgeStatusProofSubmitted      PledgeStatus = "PROOF_SUBMITTED"
	PledgeStatusVerified            PledgeStatus = "VERIFIED"
	PledgeStatusPartiallyAllocated  PledgeStatus = "PARTIALLY_ALLOCATED"
	PledgeStatusFullyAllocated      PledgeStatus = "FULLY_ALLOCATED"
	PledgeStatusClosed              PledgeStatus = "CLOSED"
	PledgeStatusCancelled           PledgeStatus = "CANCELLED"
	PledgeStatusRejected            PledgeStatus = "REJECTED"
)

// pledgeTransitions enumerates every allowed pledge status transition per
// spec §4.6. CLOSED, CANCELLED, and REJECTED are terminal; reactivation
// goes only through ReinstatePledge, which appends a fresh row, never
// through WriteStatus.
var pledgeTransitions = map[PledgeStatus]map[PledgeStatus]bool{
	PledgeStatusPledged: {
		PledgeStatusPartialReceipt: true,
		PledgeStatusProofSubmitted: true,
		PledgeStatusCancelled:      true,
	},
	PledgeStatusPartialReceipt: {
		PledgeStatusPartialReceipt: true,
		PledgeStatusProofSubmitted: true,
		PledgeStatusCancelled:      true,
	},
	PledgeStatusProofSubmitted: {
		PledgeStatusVerified:           true,
		PledgeStatusPartiallyAllocated: true,
		PledgeStatusRejected:           true,
	},
	PledgeStatusVerified: {
		PledgeStatusPartiallyAllocated: true,
		PledgeStatusFullyAllocated:     true,
	},
	PledgeStatusPartiallyAllocated: {
		PledgeStatusFullyAllocated: true,
		PledgeStatusVerified:       true, // undo
	},
	PledgeStatusFullyAllocated: {
		PledgeStatusClosed:             true,
		PledgeStatusPartiallyAllocated: true, // undo
	},
}

// ValidPledgeTransition reports whether from→to is a permitted pledge
// status transition.
func ValidPledgeTransition(from, to PledgeStatus) bool {
	if from == to {
		return true
	}
	next, ok := pledgeTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// AllocationStatus is the closed set of allocation lifecycle states.
type AllocationStatus string

const (
	AllocationStatusPendingHostel  AllocationStatus = "PENDING_HOSTEL"
	AllocationStatusHostelQuery    AllocationStatus = "HOSTEL_QUERY"
	AllocationStatusHostelVerified AllocationStatus = "HOSTEL_VERIFIED"
	AllocationStatusCompleted      AllocationStatus = "COMPLETED"
	AllocationStatusCancelled      AllocationStatus = "CANCELLED"
)

var allocationTransitions = map[AllocationStatus]map[AllocationStatus]bool{
	AllocationStatusPendingHostel: {
		AllocationStatusHostelVerified: true,
		AllocationStatusHostelQuery:    true,
		AllocationStatusCancelled:      true,
	},
	AllocationStatusHostelQuery: {
		AllocationStatusPendingHostel: true,
		AllocationStatusCancelled:     true,
	},
	AllocationStatusHostelVerified: {
		AllocationStatusCompleted: true,
	},
}

// ValidAllocationTransition reports whether from→to is a permitted
// allocation status transition.
func ValidAllocationTransition(from, to AllocationStatus) bool {
	if from == to {
		return true
	}
	next, ok := allocationTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ReceiptStatus is the closed set of receipt outcomes.
type ReceiptStatus string

const (
	ReceiptStatusValid           ReceiptStatus = "VALID"
	ReceiptStatusDuplicate       ReceiptStatus = "DUPLICATE"
	ReceiptStatusRejected        ReceiptStatus = "REJECTED"
	ReceiptStatusRequiresReview  ReceiptStatus = "REQUIRES_REVIEW"
)

// Confidence is the LM extraction confidence band.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Pledge mirrors spec §3's Pledge entity.
type Pledge struct {
	PledgeID             string       `json:"pledge_id"`
	DonorEmail           string       `json:"donor_email"`
	DonorName            string       `json:"donor_name"`
	DonorChapter         string       `json:"donor_chapter"`
	Duration             string       `json:"duration"`
	PromisedAmount       int64        `json:"promised_amount"`
	Zakat                bool         `json:"zakat"`
	RequestReceipt       bool         `json:"request_receipt"`
	Status               PledgeStatus `json:"status"`
	VerifiedTotal        int64        `json:"verified_total"`
	Balance              int64        `json:"balance"`
	Outstanding          int64        `json:"outstanding"`
	ConfirmationEmailID  string       `json:"confirmation_email_id"`
	LatestReceiptEmailID string       `json:"latest_receipt_email_id"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// Receipt mirrors spec §3's Receipt entity.
type Receipt struct {
	ReceiptID          string        `json:"receipt_id"`
	PledgeID           string        `json:"pledge_id"`
	ProcessedAt        time.Time     `json:"processed_at"`
	EmailTimestamp     time.Time     `json:"email_timestamp"`
	TransferDate       time.Time     `json:"transfer_date"`
	DeclaredAmount     int64         `json:"declared_amount"`
	VerifiedAmount     int64         `json:"verified_amount"`
	Confidence         Confidence    `json:"confidence"`
	StorageLink        string        `json:"storage_link"`
	Filename           string        `json:"filename"`
	NormalisedFilename string        `json:"normalised_filename"`
	Status             ReceiptStatus `json:"status"`
}

// Allocation mirrors spec §3's Allocation entity.
type Allocation struct {
	AllocID      string           `json:"alloc_id"`
	PledgeID     string           `json:"pledge_id"`
	BeneficiaryID string          `json:"beneficiary_id"`
	Amount       int64            `json:"amount"`
	CreatedAt    time.Time        `json:"created_at"`
	Status       AllocationStatus `json:"status"`
	BatchID      string           `json:"batch_id,omitempty"`

	HostelIntimationEmailID   string    `json:"hostel_intimation_email_id"`
	HostelIntimationAt        time.Time `json:"hostel_intimation_at"`
	DonorIntermediateEmailID  string    `json:"donor_intermediate_email_id"`
	DonorIntermediateAt       time.Time `json:"donor_intermediate_at"`
	HostelReplyEmailID        string    `json:"hostel_reply_email_id"`
	HostelReplyAt             time.Time `json:"hostel_reply_at"`
	DonorFinalEmailID         string    `json:"donor_final_email_id"`
	DonorFinalAt              time.Time `json:"donor_final_at"`
}

// BeneficiaryOps is the OPERATIONS-store projection of a beneficiary — the
// only view the core ever reads (see spec §9 on the sanitised proxy
// boundary). Confidential attributes (name, sensitive identifiers) live only
// in the CONFIDENTIAL store behind pkg/beneficiary's proxy client.
type BeneficiaryOps struct {
	BeneficiaryID string `json:"beneficiary_id"`
	School        string `json:"school"`
	TotalDue      int64  `json:"total_due"`
	Cleared       int64  `json:"cleared"`
	Pending       int64  `json:"pending"`
}

// LookupCacheEntry is a soft, derived snapshot refreshed after every C6
// commit. Never authoritative — callers must recompute from the ledger
// tables when correctness matters.
type LookupCacheEntry struct {
	PledgeID          string    `json:"pledge_id"`
	Balance           int64     `json:"balance"`
	BeneficiaryID     string    `json:"beneficiary_id"`
	BeneficiaryPending int64    `json:"beneficiary_pending"`
	RefreshedAt       time.Time `json:"refreshed_at"`
}
