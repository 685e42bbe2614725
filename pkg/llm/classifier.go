package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Confidence mirrors ledger.Confidence without importing pkg/ledger, so
// this package stays free of a dependency on the store layer.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// ReceiptCategory is the closed category set for receipt extraction.
type ReceiptCategory string

const (
	CategoryReceiptSubmission ReceiptCategory = "RECEIPT_SUBMISSION"
	CategoryQuestion          ReceiptCategory = "QUESTION"
	CategoryIrrelevant        ReceiptCategory = "IRRELEVANT"
)

// ValidReceipt is one attachment the classifier resolved to a transfer.
type ValidReceipt struct {
	Filename        string     `json:"filename"`
	Amount          int64      `json:"amount"`
	Date            string     `json:"date"` // ISO-8601, bounded pledge_date ≤ date ≤ email_date
	ConfidenceScore Confidence `json:"confidence_score"`
	DuplicateOf     *string    `json:"duplicate_of"`
	RejectionReason *string    `json:"rejection_reason"`
}

// ReceiptExtractionResult is the enforced structured output of spec
// §4.4's receipt extraction operation.
type ReceiptExtractionResult struct {
	Category       ReceiptCategory `json:"category"`
	Summary        string          `json:"summary"`
	ValidReceipts  []ValidReceipt  `json:"valid_receipts"`
	SuggestedReply *string         `json:"suggested_reply"` // only when Category == QUESTION
	Reasoning      string          `json:"reasoning"`
}

// ReceiptExtractionInput is everything the prompt needs per spec §4.4.
type ReceiptExtractionInput struct {
	BodyText           string
	Attachments        []AttachmentBlob
	PledgeCreationDate time.Time
	EmailReceivedDate  time.Time
	PromisedAmount     int64
}

// AttachmentBlob is a receipt email attachment passed to the classifier.
type AttachmentBlob struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ReplyStatus is the closed status set for hostel-reply classification.
type ReplyStatus string

const (
	ReplyConfirmedAll ReplyStatus = "CONFIRMED_ALL"
	ReplyPartial      ReplyStatus = "PARTIAL"
	ReplyAmbiguous    ReplyStatus = "AMBIGUOUS"
	ReplyQuery        ReplyStatus = "QUERY"
)

// HostelReplyResult is the enforced structured output of spec §4.4's
// hostel-reply classification operation.
type HostelReplyResult struct {
	Status            ReplyStatus `json:"status"`
	ConfirmedAllocIDs []string    `json:"confirmed_alloc_ids"`
	Reasoning         string      `json:"reasoning"`
}

// OpenAllocationRef is one entry of the open-allocations array passed
// in-prompt to hostel-reply classification.
type OpenAllocationRef struct {
	AllocID       string `json:"alloc_id"`
	Amount        int64  `json:"amount"`
	BeneficiaryID string `json:"beneficiary_id"`
}

// NoDecision is the sentinel spec §4.4 requires on any classifier
// failure — network error, malformed output, or schema violation. The
// caller (C5/C7) must treat this as "escalate for human review", never as
// confirmation.
var NoDecision = HostelReplyResult{Status: ReplyAmbiguous, Reasoning: "classifier no-decision: escalate for human review"}

// IsNoDecision reports whether r is the no-decision sentinel.
func (r HostelReplyResult) IsNoDecision() bool {
	return r.Status == ReplyAmbiguous && r.Reasoning == NoDecision.Reasoning
}

// NoDecisionReceipt is the sentinel returned from receipt extraction on
// any classifier failure. Its Category is QUESTION, but C5 checks
// IsNoDecision before dispatching on category and labels the thread for
// manual review instead: it is never silently processed.
var NoDecisionReceipt = ReceiptExtractionResult{
	Category:  CategoryQuestion,
	Summary:   "classifier no-decision: escalate for human review",
	Reasoning: "classifier no-decision",
}

// IsNoDecision reports whether r is the no-decision sentinel.
func (r ReceiptExtractionResult) IsNoDecision() bool {
	return r.Reasoning == "classifier no-decision"
}

// Classifier is the C4 contract: two operations, both enforced structured
// output via tool-forced completion against receiptExtractionSchema /
// hostelReplySchema below.
type Classifier interface {
	ExtractReceipt(ctx context.Context, input ReceiptExtractionInput) ReceiptExtractionResult
	ClassifyHostelReply(ctx context.Context, threadText string, openAllocations []OpenAllocationRef) HostelReplyResult
}

// receiptExtractionSchema and hostelReplySchema are the JSON Schemas
// enforced as tool-call parameters on every classifier backend, so a
// malformed completion is rejected by the provider itself rather than
// requiring downstream regex salvage.
var receiptExtractionSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"category": {"type": "string", "enum": ["RECEIPT_SUBMISSION", "QUESTION", "IRRELEVANT"]},
		"summary": {"type": "string"},
		"valid_receipts": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"filename": {"type": "string"},
					"amount": {"type": "integer"},
					"date": {"type": "string"},
					"confidence_score": {"type": "string", "enum": ["HIGH", "MEDIUM", "LOW"]},
					"duplicate_of": {"type": ["string", "null"]},
					"rejection_reason": {"type": ["string", "null"]}
				},
				"required": ["filename", "amount", "date", "confidence_score"]
			}
		},
		"suggested_reply": {"type": ["string", "null"]},
		"reasoning": {"type": "string"}
	},
	"required": ["category", "summary", "valid_receipts", "reasoning"]
}`)

var hostelReplySchema = mustSchema(`{
	"type": "object",
	"properties": {
		"status": {"type": "string", "enum": ["CONFIRMED_ALL", "PARTIAL", "AMBIGUOUS", "QUERY"]},
		"confirmed_alloc_ids": {"type": "array", "items": {"type": "string"}},
		"reasoning": {"type": "string"}
	},
	"required": ["status", "confirmed_alloc_ids", "reasoning"]
}`)

func mustSchema(raw string) map[string]any {
	var schema map[string]any
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		panic("llm: invalid embedded schema: " + err.Error())
	}
	return schema
}
