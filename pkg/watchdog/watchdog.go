// Package watchdog is the Reply Watchdog (C7): polls hostel-reply threads
// every ~15 minutes, classifies each against its open allocations, and
// drives those allocations through HOSTEL_VERIFIED/COMPLETED (or escalates
// to manual review). Unlike C6, which holds the lock for a whole
// single-or-batch transaction, this service yields the lock between
// threads — each thread is its own short critical section.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nust-lifeline/ledger/pkg/audit"
	"github.com/nust-lifeline/ledger/pkg/beneficiary"
	"github.com/nust-lifeline/ledger/pkg/config"
	"github.com/nust-lifeline/ledger/pkg/finance"
	"github.com/nust-lifeline/ledger/pkg/ledger"
	"github.com/nust-lifeline/ledger/pkg/llm"
	"github.com/nust-lifeline/ledger/pkg/lock"
	"github.com/nust-lifeline/ledger/pkg/mail"
	"github.com/nust-lifeline/ledger/pkg/templates"
)

// searchQuery finds every thread carrying a pledge or batch reference that
// has not already been resolved or escalated.
const searchQuery = `(Ref: PLEDGE- OR Ref: BATCH-) -label:` + mail.LabelWatchdogProcessed + ` -label:` + mail.LabelWatchdogManualReview

// Watchdog wires the mail gateway, the single named lock, the LM
// classifier, and the ledger repositories into spec §4.7's reply
// correlation and dispatch protocol.
type Watchdog struct {
	mail        mail.Gateway
	locker      lock.Locker
	classifier  llm.Classifier
	pledges     *ledger.PledgeRepo
	allocations *ledger.AllocationRepo
	proxy       *beneficiary.Proxy
	auditLog    audit.Logger
	profile     *config.CampaignProfile
	adminAlert  string
	lockTimeout time.Duration
	logger      *slog.Logger
}

// New constructs a Watchdog. adminAlertEmail may be empty, in which case
// QUERY/AMBIGUOUS/no-decision outcomes are still escalated via the label
// and the audit log, just without an email page.
func New(
	gw mail.Gateway,
	locker lock.Locker,
	classifier llm.Classifier,
	pledges *ledger.PledgeRepo,
	allocations *ledger.AllocationRepo,
	proxy *beneficiary.Proxy,
	auditLog audit.Logger,
	profile *config.CampaignProfile,
	adminAlertEmail string,
	lockTimeout time.Duration,
	logger *slog.Logger,
) *Watchdog {
	return &Watchdog{
		mail:        gw,
		locker:      locker,
		classifier:  classifier,
		pledges:     pledges,
		allocations: allocations,
		proxy:       proxy,
		auditLog:    auditLog,
		profile:     profile,
		adminAlert:  adminAlertEmail,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// Run executes one watchdog poll cycle. A single thread's failure is
// logged and does not abort the cycle.
func (w *Watchdog) Run(ctx context.Context) error {
	msgs, err := w.mail.Search(ctx, searchQuery, 0)
	if err != nil {
		return fmt.Errorf("watchdog: search: %w", err)
	}

	for threadID, thread := range groupByThread(msgs) {
		if alreadyHandled(thread) {
			continue
		}
		if err := w.processThread(ctx, thread); err != nil {
			w.logger.Error("watchdog: thread processing failed", "thread_id", threadID, "error", err)
		}
	}
	return nil
}

func groupByThread(msgs []mail.Message) map[string][]mail.Message {
	threads := make(map[string][]mail.Message)
	for _, m := range msgs {
		threads[m.ThreadID] = append(threads[m.ThreadID], m)
	}
	return threads
}

// alreadyHandled is a defence-in-depth recheck of the search query's own
// label exclusion — a thread can pick up a label between search and
// processing if two polls overlap.
func alreadyHandled(thread []mail.Message) bool {
	for _, m := range thread {
		for _, l := range m.Labels {
			if l == mail.LabelWatchdogProcessed || l == mail.LabelWatchdogManualReview {
				return true
			}
		}
	}
	return false
}

func newest(thread []mail.Message) mail.Message {
	sorted := append([]mail.Message(nil), thread...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ReceivedAt.After(sorted[j].ReceivedAt) })
	return sorted[0]
}

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

// processThread implements spec §4.7 step 3 for one thread: acquire the
// lock, resolve the open allocations the reference names, classify, and
// release the lock again before returning — this service never holds the
// lock across more than one thread at a time.
func (w *Watchdog) processThread(ctx context.Context, thread []mail.Message) error {
	primary := newest(thread)

	ref, ok := parseThreadReference(primary.Subject)
	if !ok {
		return nil // not this system's concern
	}

	token, err := w.locker.TryAcquire(ctx, w.lockTimeout)
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	defer w.locker.Release(ctx, token)

	var open []ledger.Allocation
	if ref.isBatch {
		open, err = w.allocations.OpenAllocationsByBatch(ctx, ref.id)
	} else {
		open, err = w.allocations.OpenAllocationsByPledge(ctx, ref.id)
	}
	if err != nil {
		return fmt.Errorf("watchdog: load open allocations for %s: %w", ref.id, err)
	}
	if len(open) == 0 {
		return w.escalateManualReview(ctx, primary, ref.id, "no open allocation matches this reference")
	}

	refs := make([]llm.OpenAllocationRef, len(open))
	for i, a := range open {
		refs[i] = llm.OpenAllocationRef{AllocID: a.AllocID, Amount: a.Amount, BeneficiaryID: a.BeneficiaryID}
	}
	result := w.classifier.ClassifyHostelReply(ctx, flattenThreadText(thread), refs)

	if result.IsNoDecision() || result.Status == llm.ReplyAmbiguous {
		return w.escalateManualReview(ctx, primary, ref.id, result.Reasoning)
	}

	switch result.Status {
	case llm.ReplyQuery:
		return w.handleQuery(ctx, primary, ref.id, open)
	case llm.ReplyConfirmedAll, llm.ReplyPartial:
		return w.handleConfirmation(ctx, primary, ref.id, open, result)
	default:
		return w.escalateManualReview(ctx, primary, ref.id, "unrecognised classifier status "+string(result.Status))
	}
}

// handleQuery marks every open allocation HOSTEL_QUERY and escalates for
// human follow-up — the hostel asked something the watchdog cannot answer
// on its own.
func (w *Watchdog) handleQuery(ctx context.Context, primary mail.Message, refID string, open []ledger.Allocation) error {
	for _, a := range open {
		_, pos, err := w.allocations.Get(ctx, a.AllocID)
		if err != nil {
			return fmt.Errorf("watchdog: reload allocation %s: %w", a.AllocID, err)
		}
		if err := w.allocations.WriteStatus(ctx, pos, ledger.AllocationStatusPendingHostel, ledger.AllocationStatusHostelQuery, nil); err != nil {
			return fmt.Errorf("watchdog: transition allocation %s to HOSTEL_QUERY: %w", a.AllocID, err)
		}
	}
	if _, err := w.auditLog.Record(ctx, audit.EventHostelQuery, refID, "hostel reply raised a query", "", "", map[string]interface{}{
		"message_id": primary.MessageID,
	}); err != nil {
		return err
	}
	return w.escalateManualReview(ctx, primary, refID, "hostel reply requires a human answer")
}

// handleConfirmation drives every allocation named in ConfirmedAllocIDs to
// HOSTEL_VERIFIED, sends that donor's final notification, then completes
// it. Allocations not named (the PARTIAL case) are left PENDING_HOSTEL for
// a later reply to pick up — the thread is not labelled processed until
// every open allocation against this reference has resolved.
func (w *Watchdog) handleConfirmation(ctx context.Context, primary mail.Message, refID string, open []ledger.Allocation, result llm.HostelReplyResult) error {
	confirmed := make(map[string]bool, len(result.ConfirmedAllocIDs))
	for _, id := range result.ConfirmedAllocIDs {
		confirmed[id] = true
	}

	var completedPledgeIDs []string
	for _, a := range open {
		if !confirmed[a.AllocID] {
			continue
		}
		if err := w.completeAllocation(ctx, a, primary); err != nil {
			return fmt.Errorf("watchdog: complete allocation %s: %w", a.AllocID, err)
		}
		completedPledgeIDs = append(completedPledgeIDs, a.PledgeID)
	}

	kind := audit.EventPartialVerification
	if result.Status == llm.ReplyConfirmedAll {
		kind = audit.EventHostelVerification
	}
	if _, err := w.auditLog.Record(ctx, kind, refID, "hostel confirmed allocations", "", "", map[string]interface{}{
		"confirmed_alloc_ids": result.ConfirmedAllocIDs,
		"message_id":          primary.MessageID,
	}); err != nil {
		return err
	}

	for _, pledgeID := range completedPledgeIDs {
		if err := w.maybeClosePledge(ctx, pledgeID); err != nil {
			return fmt.Errorf("watchdog: close pledge %s: %w", pledgeID, err)
		}
	}

	remaining, err := w.remainingOpen(ctx, refID, open)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return w.markProcessed(ctx, primary.MessageID)
	}
	return nil
}

// remainingOpen reports how many of the allocations the original thread
// named are still PENDING_HOSTEL after this round's confirmations.
func (w *Watchdog) remainingOpen(ctx context.Context, refID string, original []ledger.Allocation) (int, error) {
	still := 0
	for _, a := range original {
		current, _, err := w.allocations.Get(ctx, a.AllocID)
		if err != nil {
			return 0, err
		}
		if current.Status == ledger.AllocationStatusPendingHostel {
			still++
		}
	}
	return still, nil
}

// completeAllocation runs HOSTEL_VERIFIED then sends the donor-final
// notification then COMPLETED, capturing the reply's message id and the
// outbound notification's id on the allocation row.
func (w *Watchdog) completeAllocation(ctx context.Context, a ledger.Allocation, reply mail.Message) error {
	now := time.Now().UTC()

	_, pos, err := w.allocations.Get(ctx, a.AllocID)
	if err != nil {
		return err
	}
	if err := w.allocations.WriteStatus(ctx, pos, ledger.AllocationStatusPendingHostel, ledger.AllocationStatusHostelVerified, map[string]any{
		"hostel_reply_email_id": reply.MessageID,
		"hostel_reply_at":       now,
	}); err != nil {
		return err
	}

	pledge, _, err := w.pledges.Get(ctx, a.PledgeID)
	if err != nil {
		return fmt.Errorf("load pledge %s: %w", a.PledgeID, err)
	}
	ben, err := w.proxy.Sanitised(ctx, a.BeneficiaryID)
	if err != nil {
		return fmt.Errorf("load beneficiary %s: %w", a.BeneficiaryID, err)
	}

	money := finance.NewMoney(a.Amount, "")
	def, ok := w.profile.Template(config.TemplateDonorFinal)
	if !ok {
		return fmt.Errorf("no template configured for %s", config.TemplateDonorFinal)
	}
	rendered, err := templates.Render(config.TemplateDonorFinal, def, map[string]string{
		"donor_name":         pledge.DonorName,
		"pledge_id":          pledge.PledgeID,
		"beneficiary_school": ben.School,
		"amount":             money.FormatMajor(),
	})
	if err != nil {
		return fmt.Errorf("render donor-final notification: %w", err)
	}
	msgID, err := w.mail.Send(ctx, mail.Draft{
		To:               []string{pledge.DonorEmail},
		Subject:          rendered.Subject,
		BodyHTML:         rendered.HTMLBody,
		ReplyToMessageID: a.DonorIntermediateEmailID,
	})
	if err != nil {
		return fmt.Errorf("send donor-final notification: %w", err)
	}

	_, pos, err = w.allocations.Get(ctx, a.AllocID)
	if err != nil {
		return err
	}
	return w.allocations.WriteStatus(ctx, pos, ledger.AllocationStatusHostelVerified, ledger.AllocationStatusCompleted, map[string]any{
		"donor_final_email_id": msgID,
		"donor_final_at":       now,
	})
}

// maybeClosePledge applies §4.6.3's FULLY_ALLOCATED → CLOSED edge once
// every allocation the pledge owns has reached HOSTEL_VERIFIED or
// COMPLETED.
func (w *Watchdog) maybeClosePledge(ctx context.Context, pledgeID string) error {
	pledge, pos, err := w.pledges.Get(ctx, pledgeID)
	if err != nil {
		return err
	}
	if pledge.Status != ledger.PledgeStatusFullyAllocated {
		return nil
	}
	all, err := w.allocations.ScanByPledge(ctx, pledgeID)
	if err != nil {
		return err
	}
	for _, a := range all {
		if a.Status != ledger.AllocationStatusHostelVerified && a.Status != ledger.AllocationStatusCompleted {
			return nil
		}
	}
	if err := w.pledges.WriteStatus(ctx, pos, ledger.PledgeStatusFullyAllocated, ledger.PledgeStatusClosed); err != nil {
		return err
	}
	_, err = w.auditLog.Record(ctx, audit.EventStatusChange, pledgeID, "every allocation hostel-verified, pledge closed",
		string(ledger.PledgeStatusFullyAllocated), string(ledger.PledgeStatusClosed), nil)
	return err
}

// escalateManualReview labels the thread for human attention, pages the
// admin alert address if one is configured, and audits the escalation.
// Never a silent pass, per spec §7's classifier no-decision rule.
func (w *Watchdog) escalateManualReview(ctx context.Context, primary mail.Message, refID, reason string) error {
	if err := w.mail.EnsureLabel(ctx, mail.LabelWatchdogManualReview); err != nil {
		return fmt.Errorf("ensure manual-review label: %w", err)
	}
	if err := w.mail.ApplyLabel(ctx, primary.MessageID, mail.LabelWatchdogManualReview); err != nil {
		return fmt.Errorf("apply manual-review label: %w", err)
	}
	if w.adminAlert != "" {
		if _, err := w.mail.Send(ctx, mail.Draft{
			To:       []string{w.adminAlert},
			Subject:  "Manual review needed: " + refID,
			BodyHTML: reason,
		}); err != nil {
			w.logger.Error("watchdog: admin alert send failed", "ref_id", refID, "error", err)
		}
	}
	_, err := w.auditLog.Record(ctx, audit.EventAlert, refID, reason, "", "", nil)
	return err
}

func (w *Watchdog) markProcessed(ctx context.Context, messageID string) error {
	if err := w.mail.EnsureLabel(ctx, mail.LabelWatchdogProcessed); err != nil {
		return fmt.Errorf("ensure processed label: %w", err)
	}
	return w.mail.ApplyLabel(ctx, messageID, mail.LabelWatchdogProcessed)
}
