// Package ingest is the Receipt Ingestor (C5): polls the to-process mail
// label, resolves each thread to a pledge, invokes the LM classifier on
// its attachments, and rolls the result up into the pledge's receipt and
// balance rows. Triggered every ~10 minutes by the scheduler.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nust-lifeline/ledger/pkg/audit"
	"github.com/nust-lifeline/ledger/pkg/blob"
	"github.com/nust-lifeline/ledger/pkg/ledger"
	"github.com/nust-lifeline/ledger/pkg/llm"
	"github.com/nust-lifeline/ledger/pkg/lock"
	"github.com/nust-lifeline/ledger/pkg/mail"
)

// receiptDateLayout is the ISO-8601 date-only layout the classifier is
// instructed to emit for valid_receipts[].date.
const receiptDateLayout = "2006-01-02"

// Ingestor wires together the mail gateway, the single named lock, the LM
// classifier, blob storage, and the ledger repositories into spec §4.5's
// seven-step pseudo-protocol.
type Ingestor struct {
	mail        mail.Gateway
	locker      lock.Locker
	classifier  llm.Classifier
	blobs       blob.Store
	pledges     *ledger.PledgeRepo
	receipts    *ledger.ReceiptRepo
	allocations *ledger.AllocationRepo
	auditLog    audit.Logger
	selfAddress string
	adminAlert  string
	lockTimeout time.Duration
	logger      *slog.Logger
}

// New constructs an Ingestor. selfAddress is the campaign mailbox's own
// address, used for step 1's loop-suppression check. adminAlertEmail may
// be empty, in which case a classifier no-decision is still labelled for
// manual review and audited, just without an email page.
func New(
	gw mail.Gateway,
	locker lock.Locker,
	classifier llm.Classifier,
	blobs blob.Store,
	pledges *ledger.PledgeRepo,
	receipts *ledger.ReceiptRepo,
	allocations *ledger.AllocationRepo,
	auditLog audit.Logger,
	selfAddress string,
	adminAlertEmail string,
	lockTimeout time.Duration,
	logger *slog.Logger,
) *Ingestor {
	return &Ingestor{
		mail:        gw,
		locker:      locker,
		classifier:  classifier,
		blobs:       blobs,
		pledges:     pledges,
		receipts:    receipts,
		allocations: allocations,
		auditLog:    auditLog,
		selfAddress: selfAddress,
		adminAlert:  adminAlertEmail,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// Run executes one ingestor poll cycle: step 1 of §4.5, then step 2-7 per
// thread. A single thread's failure is logged and does not abort the
// cycle — the remaining threads still get processed.
func (in *Ingestor) Run(ctx context.Context) error {
	msgs, err := in.mail.Search(ctx, "label:"+mail.LabelReceiptsToProcess, 0)
	if err != nil {
		return fmt.Errorf("ingest: search %s: %w", mail.LabelReceiptsToProcess, err)
	}

	for threadID, thread := range groupByThread(msgs) {
		if in.isSystemOnlyThread(thread) {
			continue
		}
		if err := in.processThread(ctx, thread); err != nil {
			in.logger.Error("ingest: thread processing failed", "thread_id", threadID, "error", err)
		}
	}
	return nil
}

// groupByThread buckets messages by ThreadID, preserving the newest-first
// order Search already returns within each bucket.
func groupByThread(msgs []mail.Message) map[string][]mail.Message {
	threads := make(map[string][]mail.Message)
	for _, m := range msgs {
		threads[m.ThreadID] = append(threads[m.ThreadID], m)
	}
	return threads
}

// isSystemOnlyThread implements step 1's loop suppression: a thread whose
// every message was sent by the campaign mailbox itself (e.g. an
// auto-reply bounced back into the label) is never a genuine receipt.
func (in *Ingestor) isSystemOnlyThread(thread []mail.Message) bool {
	if in.selfAddress == "" {
		return false
	}
	for _, m := range thread {
		if !strings.EqualFold(m.From, in.selfAddress) {
			return false
		}
	}
	return true
}

// newest returns the most recently received message in a thread bucket.
func newest(thread []mail.Message) mail.Message {
	sorted := append([]mail.Message(nil), thread...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ReceivedAt.After(sorted[j].ReceivedAt) })
	return sorted[0]
}

// flattenThreadText joins every message body in a thread for the §4.4
// classifier prompt, oldest first so the conversation reads naturally.
func flattenThreadText(thread []mail.Message) string {
	sorted := append([]mail.Message(nil), thread...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt) })
	var b strings.Builder
	for i, m := range sorted {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		b.WriteString(m.BodyText)
	}
	return b.String()
}

// processThread implements steps 2-7 for one thread.
func (in *Ingestor) processThread(ctx context.Context, thread []mail.Message) error {
	primary := newest(thread)

	match, ok := parseSubjectReference(primary.Subject)
	if !ok {
		return in.labelUnmatched(ctx, primary)
	}
	if match.isBatch {
		// A batch reference belongs to the Reply Watchdog (C7) — the
		// ingestor has no pledge to roll receipts up against here.
		return nil
	}

	token, err := in.locker.TryAcquire(ctx, in.lockTimeout)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	defer in.locker.Release(ctx, token)

	pledge, pos, err := in.resolvePledge(ctx, match.pledgeID)
	if err != nil {
		return in.labelUnmatched(ctx, primary)
	}

	attachments, err := in.fetchAttachments(ctx, thread)
	if err != nil {
		return fmt.Errorf("ingest: fetch attachments: %w", err)
	}

	result := in.classifier.ExtractReceipt(ctx, llm.ReceiptExtractionInput{
		BodyText:           flattenThreadText(thread),
		Attachments:        attachments,
		PledgeCreationDate: pledge.CreatedAt,
		EmailReceivedDate:  primary.ReceivedAt,
		PromisedAmount:     pledge.PromisedAmount,
	})

	if result.IsNoDecision() {
		return in.escalateManualReview(ctx, pledge, primary, result.Summary)
	}

	switch result.Category {
	case llm.CategoryIrrelevant:
		return in.handleIrrelevant(ctx, pledge, primary)
	case llm.CategoryQuestion:
		return in.handleQuestion(ctx, pledge, primary, result)
	case llm.CategoryReceiptSubmission:
		return in.handleReceiptSubmission(ctx, pledge, pos, primary, attachments, result)
	default:
		return in.escalateManualReview(ctx, pledge, primary, "unrecognised classifier category: "+string(result.Category))
	}
}

func (in *Ingestor) labelUnmatched(ctx context.Context, msg mail.Message) error {
	if err := in.mail.EnsureLabel(ctx, mail.LabelReceiptsUnmatched); err != nil {
		return fmt.Errorf("ingest: ensure unmatched label: %w", err)
	}
	if err := in.mail.ApplyLabel(ctx, msg.MessageID, mail.LabelReceiptsUnmatched); err != nil {
		return fmt.Errorf("ingest: apply unmatched label: %w", err)
	}
	return in.mail.RemoveLabel(ctx, msg.MessageID, mail.LabelReceiptsToProcess)
}

func (in *Ingestor) relabelProcessed(ctx context.Context, messageID string) error {
	if err := in.mail.EnsureLabel(ctx, mail.LabelReceiptsProcessed); err != nil {
		return fmt.Errorf("ingest: ensure processed label: %w", err)
	}
	if err := in.mail.ApplyLabel(ctx, messageID, mail.LabelReceiptsProcessed); err != nil {
		return fmt.Errorf("ingest: apply processed label: %w", err)
	}
	return in.mail.RemoveLabel(ctx, messageID, mail.LabelReceiptsToProcess)
}

func (in *Ingestor) handleIrrelevant(ctx context.Context, pledge ledger.Pledge, primary mail.Message) error {
	if err := in.relabelProcessed(ctx, primary.MessageID); err != nil {
		return err
	}
	_, err := in.auditLog.Record(ctx, audit.EventReceiptIgnored, pledge.PledgeID, "thread judged irrelevant to receipt processing", "", "", nil)
	return err
}

// escalateManualReview labels the thread for human attention, pages the
// admin alert address if one is configured, and audits the escalation.
// Never a silent pass, per spec §7's classifier no-decision rule — the
// mirror of watchdog.escalateManualReview for C5's own no-decision case.
func (in *Ingestor) escalateManualReview(ctx context.Context, pledge ledger.Pledge, primary mail.Message, reason string) error {
	if err := in.mail.EnsureLabel(ctx, mail.LabelReceiptsManualReview); err != nil {
		return fmt.Errorf("ingest: ensure manual-review label: %w", err)
	}
	if err := in.mail.ApplyLabel(ctx, primary.MessageID, mail.LabelReceiptsManualReview); err != nil {
		return fmt.Errorf("ingest: apply manual-review label: %w", err)
	}
	if err := in.mail.RemoveLabel(ctx, primary.MessageID, mail.LabelReceiptsToProcess); err != nil {
		return fmt.Errorf("ingest: remove to-process label: %w", err)
	}
	if in.adminAlert != "" {
		if _, err := in.mail.Send(ctx, mail.Draft{
			To:       []string{in.adminAlert},
			Subject:  "Manual review needed: " + pledge.PledgeID,
			BodyHTML: reason,
		}); err != nil {
			in.logger.Error("ingest: admin alert send failed", "pledge_id", pledge.PledgeID, "error", err)
		}
	}
	_, err := in.auditLog.Record(ctx, audit.EventAlert, pledge.PledgeID, reason, "", "", nil)
	return err
}

func (in *Ingestor) handleQuestion(ctx context.Context, pledge ledger.Pledge, primary mail.Message, result llm.ReceiptExtractionResult) error {
	if result.SuggestedReply != nil && *result.SuggestedReply != "" {
		if _, err := in.mail.Send(ctx, mail.Draft{
			To:               []string{primary.From},
			Subject:          "Re: " + primary.Subject,
			BodyHTML:         *result.SuggestedReply,
			ReplyToMessageID: primary.MessageID,
			ThreadID:         primary.ThreadID,
		}); err != nil {
			return fmt.Errorf("ingest: send donor reply: %w", err)
		}
	}
	if err := in.relabelProcessed(ctx, primary.MessageID); err != nil {
		return err
	}
	_, err := in.auditLog.Record(ctx, audit.EventDonorQuery, pledge.PledgeID, result.Summary, "", "", nil)
	return err
}

func (in *Ingestor) handleReceiptSubmission(
	ctx context.Context,
	pledge ledger.Pledge,
	pos ledger.RowPosition,
	primary mail.Message,
	attachments []llm.AttachmentBlob,
	result llm.ReceiptExtractionResult,
) error {
	existing, err := in.receipts.ScanByPledge(ctx, pledge.PledgeID)
	if err != nil {
		return fmt.Errorf("ingest: scan existing receipts: %w", err)
	}
	nextSeq := len(existing) + 1

	for _, vr := range result.ValidReceipts {
		rcpt, err := in.buildReceipt(ctx, pledge.PledgeID, nextSeq, primary, attachments, vr)
		if err != nil {
			in.logger.Error("ingest: skipping unprocessable receipt entry", "pledge_id", pledge.PledgeID, "filename", vr.Filename, "error", err)
			continue
		}
		if err := in.receipts.Create(ctx, rcpt); err != nil {
			return fmt.Errorf("ingest: persist receipt %s: %w", rcpt.ReceiptID, err)
		}
		nextSeq++
	}

	all, err := in.receipts.ScanByPledge(ctx, pledge.PledgeID)
	if err != nil {
		return fmt.Errorf("ingest: rescan receipts: %w", err)
	}
	verifiedTotal := ledger.VerifiedTotal(all)

	activeAllocated, err := in.sumActiveAllocations(ctx, pledge.PledgeID)
	if err != nil {
		return fmt.Errorf("ingest: sum allocations: %w", err)
	}
	balance := verifiedTotal - activeAllocated
	outstanding := pledge.PromisedAmount - verifiedTotal
	if err := in.pledges.UpdateBalances(ctx, pos, verifiedTotal, balance, outstanding); err != nil {
		return fmt.Errorf("ingest: update pledge balances: %w", err)
	}

	// Every UpdateCells call bumps the row's version stamp, so pos must be
	// refreshed before each subsequent write against the same row.
	_, pos, err = in.pledges.Get(ctx, pledge.PledgeID)
	if err != nil {
		return fmt.Errorf("ingest: reload pledge after balance update: %w", err)
	}

	next := nextPledgeStatus(pledge.Status, verifiedTotal, pledge.PromisedAmount)
	if next != pledge.Status {
		if err := in.pledges.WriteStatus(ctx, pos, pledge.Status, next); err != nil {
			return fmt.Errorf("ingest: transition pledge status: %w", err)
		}
		_, pos, err = in.pledges.Get(ctx, pledge.PledgeID)
		if err != nil {
			return fmt.Errorf("ingest: reload pledge after status transition: %w", err)
		}
	}

	if err := in.pledges.SetLatestReceiptEmailID(ctx, pos, primary.MessageID); err != nil {
		return fmt.Errorf("ingest: store latest receipt email id: %w", err)
	}
	if err := in.relabelProcessed(ctx, primary.MessageID); err != nil {
		return err
	}

	_, err = in.auditLog.Record(ctx, audit.EventReceiptProcessed, pledge.PledgeID, result.Summary, string(pledge.Status), string(next), map[string]interface{}{
		"verified_total": verifiedTotal,
	})
	return err
}

// buildReceipt resolves one classifier-reported valid_receipts entry into
// a persistable ledger.Receipt, persisting its attachment to blob storage
// and running the authoritative duplicate check — the LM's duplicate_of
// hint is advisory only, never taken as the final word.
func (in *Ingestor) buildReceipt(
	ctx context.Context,
	pledgeID string,
	seq int,
	primary mail.Message,
	attachments []llm.AttachmentBlob,
	vr llm.ValidReceipt,
) (ledger.Receipt, error) {
	transferDate, err := time.Parse(receiptDateLayout, vr.Date)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("parse transfer date %q: %w", vr.Date, err)
	}

	status := ledger.ReceiptStatusValid
	switch {
	case vr.RejectionReason != nil && *vr.RejectionReason != "":
		status = ledger.ReceiptStatusRejected
	case ledger.Confidence(vr.ConfidenceScore) != ledger.ConfidenceHigh:
		// A LOW or MEDIUM confidence extraction is not an authoritative
		// VALID receipt — it needs an operator's eyes before it counts
		// toward the pledge's verified total.
		status = ledger.ReceiptStatusRequiresReview
	}

	normalised := blob.NormalizeFilename(vr.Filename)
	storageLink := ""
	if data := attachmentData(attachments, vr.Filename); data != nil {
		key := fmt.Sprintf("%s/%s-%s", pledgeID, time.Now().UTC().Format("20060102150405"), normalised)
		link, err := in.blobs.Put(ctx, key, "application/octet-stream", data)
		if err != nil {
			return ledger.Receipt{}, fmt.Errorf("persist attachment %q: %w", vr.Filename, err)
		}
		storageLink = link
	}

	if status == ledger.ReceiptStatusValid {
		dup, err := in.receipts.FindDuplicate(ctx, pledgeID, ledger.Receipt{
			PledgeID:           pledgeID,
			VerifiedAmount:     vr.Amount,
			TransferDate:       transferDate,
			NormalisedFilename: normalised,
		})
		if err != nil {
			return ledger.Receipt{}, fmt.Errorf("duplicate check: %w", err)
		}
		if dup {
			status = ledger.ReceiptStatusDuplicate
		}
	}

	return ledger.Receipt{
		ReceiptID:          fmt.Sprintf("%s-R%d", pledgeID, seq),
		PledgeID:           pledgeID,
		ProcessedAt:        time.Now().UTC(),
		EmailTimestamp:     primary.ReceivedAt,
		TransferDate:       transferDate,
		DeclaredAmount:     vr.Amount,
		VerifiedAmount:     vr.Amount,
		Confidence:         ledger.Confidence(vr.ConfidenceScore),
		StorageLink:        storageLink,
		Filename:           vr.Filename,
		NormalisedFilename: normalised,
		Status:             status,
	}, nil
}

func attachmentData(attachments []llm.AttachmentBlob, filename string) []byte {
	for _, a := range attachments {
		if a.Filename == filename {
			return a.Data
		}
	}
	return nil
}

func (in *Ingestor) sumActiveAllocations(ctx context.Context, pledgeID string) (int64, error) {
	allocs, err := in.allocations.ScanByPledge(ctx, pledgeID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, a := range allocs {
		if a.Status != ledger.AllocationStatusCancelled {
			total += a.Amount
		}
	}
	return total, nil
}

// nextPledgeStatus decides the pledge status transition step 5 requires.
// Only PLEDGED and PARTIAL_RECEIPT ever move here; a pledge already at
// PROOF_SUBMITTED or later is left untouched by the ingestor.
func nextPledgeStatus(current ledger.PledgeStatus, verifiedTotal, promised int64) ledger.PledgeStatus {
	switch current {
	case ledger.PledgeStatusPledged, ledger.PledgeStatusPartialReceipt:
		switch {
		case verifiedTotal >= promised && promised > 0:
			return ledger.PledgeStatusProofSubmitted
		case verifiedTotal > 0:
			return ledger.PledgeStatusPartialReceipt
		default:
			return current
		}
	default:
		return current
	}
}

// resolvePledge looks candidateID up directly first (the common case: an
// explicit PLEDGE-YYYY-N id or an id lifted from "Ref:"), then falls back
// to a suffix match against open pledges for the permissive numeric case.
func (in *Ingestor) resolvePledge(ctx context.Context, candidateID string) (ledger.Pledge, ledger.RowPosition, error) {
	if p, pos, err := in.pledges.Get(ctx, candidateID); err == nil {
		return p, pos, nil
	}
	if strings.HasPrefix(candidateID, "PLEDGE-") {
		return ledger.Pledge{}, ledger.RowPosition{}, ledger.ErrNotFound
	}

	open, err := in.pledges.ScanByStatus(ctx,
		ledger.PledgeStatusPledged,
		ledger.PledgeStatusPartialReceipt,
		ledger.PledgeStatusProofSubmitted,
		ledger.PledgeStatusVerified,
		ledger.PledgeStatusPartiallyAllocated,
	)
	if err != nil {
		return ledger.Pledge{}, ledger.RowPosition{}, err
	}
	for _, p := range open {
		if strings.HasSuffix(p.PledgeID, candidateID) {
			return in.pledges.Get(ctx, p.PledgeID)
		}
	}
	return ledger.Pledge{}, ledger.RowPosition{}, ledger.ErrNotFound
}

func (in *Ingestor) fetchAttachments(ctx context.Context, thread []mail.Message) ([]llm.AttachmentBlob, error) {
	var out []llm.AttachmentBlob
	for _, m := range thread {
		for _, a := range m.Attachments {
			data, err := in.mail.FetchAttachment(ctx, m.MessageID, a.AttachmentID)
			if err != nil {
				return nil, fmt.Errorf("fetch attachment %q: %w", a.Filename, err)
			}
			out = append(out, llm.AttachmentBlob{Filename: a.Filename, ContentType: a.ContentType, Data: data})
		}
	}
	return out, nil
}
