// Package audit records the immutable audit trail: every pledge, receipt,
// allocation, and watchdog state transition is journalled here and never
// updated or deleted.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nust-lifeline/ledger/pkg/auth"
)

// EventKind enumerates the closed set of audit event kinds.
type EventKind string

const (
	EventNewPledge           EventKind = "NEW_PLEDGE"
	EventReceiptProcessed    EventKind = "RECEIPT_PROCESSED"
	EventReceiptIgnored      EventKind = "RECEIPT_IGNORED"
	EventDonorQuery          EventKind = "DONOR_QUERY"
	EventAllocation          EventKind = "ALLOCATION"
	EventBatchAllocation     EventKind = "BATCH_ALLOCATION"
	EventPartialVerification EventKind = "PARTIAL_VERIFICATION"
	EventHostelVerification  EventKind = "HOSTEL_VERIFICATION"
	EventHostelQuery         EventKind = "HOSTEL_QUERY"
	EventStatusChange        EventKind = "STATUS_CHANGE"
	EventAlert               EventKind = "ALERT"
)

// SystemActor is the sentinel actor recorded for scheduled, unattended work.
const SystemActor = "SYSTEM"

// Event is one immutable row in the audit log. PrevHash/ContentHash form a
// sha256 chain over the canonical JSON encoding of each event, in arrival
// order, so the whole log can be verified for tamper-evidence independent
// of the store it lives in.
type Event struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Actor       string                 `json:"actor"`
	Kind        EventKind              `json:"event_kind"`
	TargetID    string                 `json:"target_id"`
	Description string                 `json:"description"`
	PrevValue   string                 `json:"previous_value,omitempty"`
	NewValue    string                 `json:"new_value,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	PrevHash    string                 `json:"prev_hash,omitempty"`
	ContentHash string                 `json:"content_hash,omitempty"`
}

// Logger defines the interface for recording audit events. Implementations
// must never allow Record to silently drop an event: a storage failure is
// an error, not a logged-and-ignored condition.
type Logger interface {
	Record(ctx context.Context, kind EventKind, targetID, description, prevValue, newValue string, metadata map[string]interface{}) (*Event, error)
	Head() string
}

// Appender is the narrow slice of a ledger store the logger needs: durable,
// ordered, append-only event storage.
type Appender interface {
	AppendAuditEvent(ctx context.Context, e *Event) error
}

// logger implements Logger against an Appender, maintaining the running
// hash chain in memory (mirrored durably in whatever Appender persists it).
type logger struct {
	mu       sync.Mutex
	store    Appender
	headHash string
}

// NewLogger creates a Logger that appends events through store. headHash is
// the content_hash of the last event known to the store (empty for a fresh
// ledger), so the chain resumes correctly across process restarts.
func NewLogger(store Appender, headHash string) Logger {
	return &logger{store: store, headHash: headHash}
}

// Record builds an Event, chains it off the current head, and appends it.
// The actor is taken from the context's Principal when present, else
// SystemActor — so scheduled tasks never need to fabricate a human actor.
func (l *logger) Record(ctx context.Context, kind EventKind, targetID, description, prevValue, newValue string, metadata map[string]interface{}) (*Event, error) {
	actor := SystemActor
	if p, err := auth.GetPrincipal(ctx); err == nil {
		actor = p.GetID()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := &Event{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		Actor:       actor,
		Kind:        kind,
		TargetID:    targetID,
		Description: description,
		PrevValue:   prevValue,
		NewValue:    newValue,
		Metadata:    metadata,
		PrevHash:    l.headHash,
	}
	hash, err := contentHash(e)
	if err != nil {
		return nil, fmt.Errorf("audit: hashing event: %w", err)
	}
	e.ContentHash = hash

	if err := l.store.AppendAuditEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("audit: append failed: %w", err)
	}
	l.headHash = hash
	return e, nil
}

func (l *logger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headHash
}

// contentHash hashes the event with ContentHash cleared, so the hash never
// depends on itself.
func contentHash(e *Event) (string, error) {
	clone := *e
	clone.ContentHash = ""
	b, err := json.Marshal(clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain walks events in order and confirms every PrevHash/ContentHash
// link, returning the index of the first broken link, or -1 if the chain is
// intact.
func VerifyChain(events []Event) int {
	prev := ""
	for i := range events {
		if events[i].PrevHash != prev {
			return i
		}
		want, err := contentHash(&events[i])
		if err != nil || want != events[i].ContentHash {
			return i
		}
		prev = events[i].ContentHash
	}
	return -1
}
