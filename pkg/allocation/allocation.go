// Package allocation is the Allocation Service (C6): the single interactive
// entry point into the ledger. It validates a pledge/beneficiary pair under
// the one named lock, sends the hostel and donor notifications before
// committing anything (notify first, commit last — §4.6 step 4), then
// writes the allocation row, recomputes pledge and beneficiary state, and
// refreshes the lookup cache.
package allocation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nust-lifeline/ledger/pkg/audit"
	"github.com/nust-lifeline/ledger/pkg/beneficiary"
	"github.com/nust-lifeline/ledger/pkg/config"
	"github.com/nust-lifeline/ledger/pkg/finance"
	"github.com/nust-lifeline/ledger/pkg/ledger"
	"github.com/nust-lifeline/ledger/pkg/lock"
	"github.com/nust-lifeline/ledger/pkg/mail"
	"github.com/nust-lifeline/ledger/pkg/templates"
)

// Service wires the mail gateway, the single named lock, the ledger
// repositories, the sanitised beneficiary proxy, and the campaign's template
// set into the single + batch allocation protocols of spec §4.6.
type Service struct {
	mail          mail.Gateway
	locker        lock.Locker
	pledges       *ledger.PledgeRepo
	allocations   *ledger.AllocationRepo
	beneficiaries *ledger.BeneficiaryOpsRepo
	lookupCache   *ledger.LookupCacheRepo
	auditLog      audit.Logger
	proxy         *beneficiary.Proxy
	profile       *config.CampaignProfile
	lockTimeout   time.Duration
	logger        *slog.Logger
	budgets       *finance.InMemoryTracker
}

// New constructs a Service.
func New(
	gw mail.Gateway,
	locker lock.Locker,
	pledges *ledger.PledgeRepo,
	allocations *ledger.AllocationRepo,
	beneficiaries *ledger.BeneficiaryOpsRepo,
	lookupCache *ledger.LookupCacheRepo,
	auditLog audit.Logger,
	proxy *beneficiary.Proxy,
	profile *config.CampaignProfile,
	lockTimeout time.Duration,
	logger *slog.Logger,
) *Service {
	return &Service{
		mail:          gw,
		locker:        locker,
		pledges:       pledges,
		allocations:   allocations,
		beneficiaries: beneficiaries,
		lookupCache:   lookupCache,
		auditLog:      auditLog,
		proxy:         proxy,
		profile:       profile,
		lockTimeout:   lockTimeout,
		logger:        logger,
		budgets:       finance.NewInMemoryTracker(),
	}
}

// BatchEntry is one (pledge_id, amount) line of a batch allocation request.
type BatchEntry struct {
	PledgeID string
	Amount   int64
}

// BatchResult reports what a batch allocation actually committed, after the
// greedy cap may have shrunk or dropped entries.
type BatchResult struct {
	BatchID     string
	Allocations []ledger.Allocation
	// Dropped lists pledge ids whose entry was zeroed out entirely because
	// the beneficiary's pending need was already exhausted by earlier
	// entries in the same batch.
	Dropped []string
}

// batchLine is one resolved, lock-held-read batch entry, carried through
// validation, notify, and commit.
type batchLine struct {
	entry  BatchEntry
	pledge ledger.Pledge
	pos    ledger.RowPosition
}

// pledgeOpenForAllocation reports whether status is one of the three
// pledge states §4.6 step 3 allows an allocation against.
func pledgeOpenForAllocation(status ledger.PledgeStatus) bool {
	switch status {
	case ledger.PledgeStatusProofSubmitted, ledger.PledgeStatusVerified, ledger.PledgeStatusPartiallyAllocated:
		return true
	}
	return false
}

// Allocate is the single-allocation entry point.
func (s *Service) Allocate(ctx context.Context, pledgeID, beneficiaryID string, amount int64) (*ledger.Allocation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("allocation: amount must be positive")
	}

	token, err := s.locker.TryAcquire(ctx, s.lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("allocation: %w", err)
	}
	defer s.locker.Release(ctx, token)

	pledge, pledgePos, err := s.pledges.Get(ctx, pledgeID)
	if err != nil {
		return nil, fmt.Errorf("allocation: load pledge %s: %w", pledgeID, err)
	}
	benOps, benPos, err := s.beneficiaries.Get(ctx, beneficiaryID)
	if err != nil {
		return nil, fmt.Errorf("allocation: load beneficiary %s: %w", beneficiaryID, err)
	}

	if !pledgeOpenForAllocation(pledge.Status) {
		return nil, fmt.Errorf("%w: pledge %s is %s", ErrPledgeNotOpen, pledgeID, pledge.Status)
	}
	if amount > pledge.Balance {
		return nil, fmt.Errorf("%w: pledge %s balance is %d", ErrInsufficientFunds, pledgeID, pledge.Balance)
	}
	if amount > benOps.Pending {
		return nil, fmt.Errorf("%w: beneficiary %s pending is %d", ErrExceedsBeneficiaryNeed, beneficiaryID, benOps.Pending)
	}

	s.budgets.Seed(finance.Budget{ID: beneficiaryID, ResourceType: "pending_need", Limit: benOps.Pending})
	if err := s.budgets.Consume(beneficiaryID, finance.Cost{Money: finance.NewMoney(amount, "")}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExceedsBeneficiaryNeed, err)
	}

	full, err := s.proxy.Full(ctx, beneficiaryID)
	if err != nil {
		return nil, fmt.Errorf("allocation: load beneficiary confidentials: %w", err)
	}

	seq, err := s.newIDSequence(ctx)
	if err != nil {
		return nil, err
	}

	// Notify first, commit last: either send failing aborts the whole
	// transaction before any ledger write, and nothing is audited.
	hostelMsgID, donorMsgID, err := s.notifySingle(ctx, pledge, full, amount)
	if err != nil {
		return nil, fmt.Errorf("allocation: notify: %w", err)
	}

	now := time.Now().UTC()
	alloc := ledger.Allocation{
		AllocID:                  seq.allocID(),
		PledgeID:                 pledge.PledgeID,
		BeneficiaryID:            beneficiaryID,
		Amount:                   amount,
		CreatedAt:                now,
		Status:                   ledger.AllocationStatusPendingHostel,
		HostelIntimationEmailID:  hostelMsgID,
		HostelIntimationAt:       now,
		DonorIntermediateEmailID: donorMsgID,
		DonorIntermediateAt:      now,
	}
	if err := s.allocations.Create(ctx, alloc); err != nil {
		return nil, fmt.Errorf("allocation: persist allocation: %w", err)
	}

	newBalance := pledge.Balance - amount
	if err := s.pledges.UpdateBalances(ctx, pledgePos, pledge.VerifiedTotal, newBalance, pledge.Outstanding); err != nil {
		return nil, fmt.Errorf("allocation: update pledge balance: %w", err)
	}
	if _, pledgePos, err = s.pledges.Get(ctx, pledge.PledgeID); err != nil {
		return nil, fmt.Errorf("allocation: reload pledge after balance update: %w", err)
	}
	finalStatus, err := s.transitionPledge(ctx, &pledgePos, pledge.PledgeID, pledge.Status, newBalance)
	if err != nil {
		return nil, fmt.Errorf("allocation: transition pledge status: %w", err)
	}

	newPending := benOps.Pending - amount
	if err := s.beneficiaries.UpdatePending(ctx, benPos, newPending); err != nil {
		return nil, fmt.Errorf("allocation: update beneficiary pending: %w", err)
	}

	if _, err := s.auditLog.Record(ctx, audit.EventAllocation, pledge.PledgeID,
		fmt.Sprintf("allocated %d to beneficiary %s", amount, beneficiaryID),
		string(pledge.Status), string(finalStatus),
		map[string]interface{}{
			"alloc_id":        alloc.AllocID,
			"beneficiary_id":  beneficiaryID,
			"amount":          amount,
			"hostel_email_id": hostelMsgID,
			"donor_email_id":  donorMsgID,
		},
	); err != nil {
		return nil, fmt.Errorf("allocation: audit record: %w", err)
	}

	if err := s.lookupCache.Refresh(ctx, ledger.LookupCacheEntry{
		PledgeID:           pledge.PledgeID,
		Balance:            newBalance,
		BeneficiaryID:      beneficiaryID,
		BeneficiaryPending: newPending,
		RefreshedAt:        now,
	}); err != nil {
		s.logger.Warn("allocation: lookup cache refresh failed, cache is reconstructible", "pledge_id", pledge.PledgeID, "error", err)
	}

	return &alloc, nil
}

// AllocateBatch is the batch-allocation entry point. All child allocations
// share one batch_id and one held lock; a failure partway through (other
// than the documented greedy cap) fails the whole batch before any send or
// ledger write for that call.
func (s *Service) AllocateBatch(ctx context.Context, entries []BatchEntry, beneficiaryID string) (*BatchResult, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyBatch
	}

	token, err := s.locker.TryAcquire(ctx, s.lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("allocation: %w", err)
	}
	defer s.locker.Release(ctx, token)

	benOps, benPos, err := s.beneficiaries.Get(ctx, beneficiaryID)
	if err != nil {
		return nil, fmt.Errorf("allocation: load beneficiary %s: %w", beneficiaryID, err)
	}
	full, err := s.proxy.Full(ctx, beneficiaryID)
	if err != nil {
		return nil, fmt.Errorf("allocation: load beneficiary confidentials: %w", err)
	}

	lines := make([]batchLine, 0, len(entries))
	for _, e := range entries {
		if e.Amount <= 0 {
			return nil, fmt.Errorf("allocation: batch entry for %s has non-positive amount", e.PledgeID)
		}
		p, pos, err := s.pledges.Get(ctx, e.PledgeID)
		if err != nil {
			return nil, fmt.Errorf("allocation: load pledge %s: %w", e.PledgeID, err)
		}
		if !pledgeOpenForAllocation(p.Status) {
			return nil, fmt.Errorf("%w: pledge %s is %s", ErrPledgeNotOpen, e.PledgeID, p.Status)
		}
		lines = append(lines, batchLine{entry: e, pledge: p, pos: pos})
	}

	s.budgets.Seed(finance.Budget{ID: beneficiaryID, ResourceType: "pending_need", Limit: benOps.Pending})

	// Greedy-cap: truncate the last entry if the requested sum exceeds
	// beneficiary.pending; an intermediate entry exceeding its own
	// pledge's balance fails the whole batch.
	var dropped []string
	var cumulative int64
	for i := range lines {
		remaining := benOps.Pending - cumulative
		isLast := i == len(lines)-1
		amount := lines[i].entry.Amount
		if amount > remaining {
			if !isLast {
				return nil, fmt.Errorf("%w: entry for pledge %s exceeds beneficiary pending before the final entry", ErrExceedsBeneficiaryNeed, lines[i].pledge.PledgeID)
			}
			amount = remaining
		}
		if amount <= 0 {
			dropped = append(dropped, lines[i].pledge.PledgeID)
			lines[i].entry.Amount = 0
			continue
		}
		if amount > lines[i].pledge.Balance {
			return nil, fmt.Errorf("%w: pledge %s", ErrInsufficientFunds, lines[i].pledge.PledgeID)
		}
		if err := s.budgets.Consume(beneficiaryID, finance.Cost{Money: finance.NewMoney(amount, "")}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExceedsBeneficiaryNeed, err)
		}
		lines[i].entry.Amount = amount
		cumulative += amount
	}

	active := lines[:0]
	for _, l := range lines {
		if l.entry.Amount > 0 {
			active = append(active, l)
		}
	}
	lines = active
	if len(lines) == 0 {
		return nil, ErrBatchExhausted
	}

	seq, err := s.newIDSequence(ctx)
	if err != nil {
		return nil, err
	}
	batchID := seq.batchID()

	donorEmails := make([]string, 0, len(lines))
	for _, l := range lines {
		donorEmails = append(donorEmails, l.pledge.DonorEmail)
	}

	// Notify first, commit last, for the whole batch: one hostel email
	// (BCC every donor via its mailto-reply link), then one individual
	// intermediate notification per donor.
	hostelMsgID, err := s.notifyBatchHostel(ctx, full, batchID, lines, donorEmails)
	if err != nil {
		return nil, fmt.Errorf("allocation: notify hostel: %w", err)
	}

	donorMsgIDs := make([]string, len(lines))
	for i, l := range lines {
		money := finance.NewMoney(l.entry.Amount, "")
		donorData := map[string]string{
			"donor_name":         l.pledge.DonorName,
			"pledge_id":          l.pledge.PledgeID,
			"beneficiary_school": full.Ops.School,
			"amount":             money.FormatMajor(),
		}
		rendered, err := s.render(config.TemplateDonorAllocationIntermediate, donorData)
		if err != nil {
			return nil, fmt.Errorf("allocation: render donor notification for %s: %w", l.pledge.PledgeID, err)
		}
		msgID, err := s.mail.Send(ctx, mail.Draft{
			To:               []string{l.pledge.DonorEmail},
			Subject:          rendered.Subject,
			BodyHTML:         rendered.HTMLBody,
			ReplyToMessageID: latestPledgeThreadID(l.pledge),
		})
		if err != nil {
			return nil, fmt.Errorf("allocation: send donor notification for %s: %w", l.pledge.PledgeID, err)
		}
		donorMsgIDs[i] = msgID
	}

	now := time.Now().UTC()
	committed := make([]ledger.Allocation, 0, len(lines))
	var totalCommitted int64
	for i, l := range lines {
		alloc := ledger.Allocation{
			AllocID:                  seq.allocID(),
			PledgeID:                 l.pledge.PledgeID,
			BeneficiaryID:            beneficiaryID,
			Amount:                   l.entry.Amount,
			CreatedAt:                now,
			Status:                   ledger.AllocationStatusPendingHostel,
			BatchID:                  batchID,
			HostelIntimationEmailID:  hostelMsgID,
			HostelIntimationAt:       now,
			DonorIntermediateEmailID: donorMsgIDs[i],
			DonorIntermediateAt:      now,
		}
		if err := s.allocations.Create(ctx, alloc); err != nil {
			return nil, fmt.Errorf("allocation: persist allocation %s: %w", alloc.AllocID, err)
		}

		newBalance := l.pledge.Balance - l.entry.Amount
		if err := s.pledges.UpdateBalances(ctx, l.pos, l.pledge.VerifiedTotal, newBalance, l.pledge.Outstanding); err != nil {
			return nil, fmt.Errorf("allocation: update pledge balance %s: %w", l.pledge.PledgeID, err)
		}
		_, pos, err := s.pledges.Get(ctx, l.pledge.PledgeID)
		if err != nil {
			return nil, fmt.Errorf("allocation: reload pledge %s after balance update: %w", l.pledge.PledgeID, err)
		}
		if _, err := s.transitionPledge(ctx, &pos, l.pledge.PledgeID, l.pledge.Status, newBalance); err != nil {
			return nil, fmt.Errorf("allocation: transition pledge %s: %w", l.pledge.PledgeID, err)
		}

		totalCommitted += l.entry.Amount
		if err := s.lookupCache.Refresh(ctx, ledger.LookupCacheEntry{
			PledgeID:           l.pledge.PledgeID,
			Balance:            newBalance,
			BeneficiaryID:      beneficiaryID,
			BeneficiaryPending: benOps.Pending - totalCommitted,
			RefreshedAt:        now,
		}); err != nil {
			s.logger.Warn("allocation: lookup cache refresh failed, cache is reconstructible", "pledge_id", l.pledge.PledgeID, "error", err)
		}

		committed = append(committed, alloc)
	}

	newPending := benOps.Pending - totalCommitted
	if err := s.beneficiaries.UpdatePending(ctx, benPos, newPending); err != nil {
		return nil, fmt.Errorf("allocation: update beneficiary pending: %w", err)
	}

	pledgeIDs := make([]string, len(committed))
	for i, a := range committed {
		pledgeIDs[i] = a.PledgeID
	}
	if _, err := s.auditLog.Record(ctx, audit.EventBatchAllocation, batchID,
		fmt.Sprintf("batch allocated %d across %d pledges to beneficiary %s", totalCommitted, len(committed), beneficiaryID),
		"", "",
		map[string]interface{}{
			"pledge_ids":      pledgeIDs,
			"beneficiary_id":  beneficiaryID,
			"total_amount":    totalCommitted,
			"hostel_email_id": hostelMsgID,
			"dropped":         dropped,
		},
	); err != nil {
		return nil, fmt.Errorf("allocation: audit record: %w", err)
	}

	return &BatchResult{BatchID: batchID, Allocations: committed, Dropped: dropped}, nil
}

// transitionPledge applies §4.6.3's pledge status table and records its own
// STATUS_CHANGE audit event alongside the caller's ALLOCATION/
// BATCH_ALLOCATION event (spec.md:237 scenario 1 expects both for a single
// allocation that exhausts a pledge). PROOF_SUBMITTED has no direct edge to
// FULLY_ALLOCATED, so a first allocation that exhausts the whole balance in
// one step routes through PARTIALLY_ALLOCATED within the same commit rather
// than violating the table — that intermediate hop is not itself audited,
// only the net current -> target change the caller observes.
func (s *Service) transitionPledge(ctx context.Context, pos *ledger.RowPosition, pledgeID string, current ledger.PledgeStatus, balance int64) (ledger.PledgeStatus, error) {
	target := ledger.PledgeStatusPartiallyAllocated
	if balance <= 0 {
		target = ledger.PledgeStatusFullyAllocated
	}
	if target == current {
		return current, nil
	}
	if ledger.ValidPledgeTransition(current, target) {
		if err := s.pledges.WriteStatus(ctx, *pos, current, target); err != nil {
			return current, err
		}
		if err := s.recordStatusChange(ctx, pledgeID, current, target); err != nil {
			return current, err
		}
		return target, nil
	}
	if current == ledger.PledgeStatusProofSubmitted && target == ledger.PledgeStatusFullyAllocated {
		if err := s.pledges.WriteStatus(ctx, *pos, current, ledger.PledgeStatusPartiallyAllocated); err != nil {
			return current, err
		}
		_, refreshed, err := s.pledges.Get(ctx, pledgeID)
		if err != nil {
			return current, fmt.Errorf("reload pledge mid-transition: %w", err)
		}
		if err := s.pledges.WriteStatus(ctx, refreshed, ledger.PledgeStatusPartiallyAllocated, target); err != nil {
			return current, err
		}
		if err := s.recordStatusChange(ctx, pledgeID, current, target); err != nil {
			return current, err
		}
		return target, nil
	}
	return current, fmt.Errorf("%w: %s -> %s", ledger.ErrInvalidTransition, current, target)
}

// recordStatusChange audits a pledge status transition, mirroring
// watchdog.maybeClosePledge's STATUS_CHANGE event.
func (s *Service) recordStatusChange(ctx context.Context, pledgeID string, from, to ledger.PledgeStatus) error {
	_, err := s.auditLog.Record(ctx, audit.EventStatusChange, pledgeID,
		fmt.Sprintf("pledge %s -> %s", from, to), string(from), string(to), nil)
	return err
}

// notifySingle sends the hostel-verification and donor-intermediate emails
// for one allocation, returning their RFC-822 message ids.
func (s *Service) notifySingle(ctx context.Context, pledge ledger.Pledge, ben beneficiary.Full, amount int64) (hostelMsgID, donorMsgID string, err error) {
	money := finance.NewMoney(amount, "")

	replyLink, err := s.renderMailtoLink(config.TemplateHostelMailto, ben.Confidential.ContactEmail, "Re: "+pledge.PledgeID, []string{pledge.DonorEmail})
	if err != nil {
		return "", "", err
	}
	hostelData := map[string]string{
		"pledge_id":          pledge.PledgeID,
		"beneficiary_school": ben.Ops.School,
		"amount":             money.FormatMajor(),
		"donor_chapter":      pledge.DonorChapter,
		"reply_mailto_link":  replyLink,
	}
	hostelRendered, err := s.render(config.TemplateHostelVerification, hostelData)
	if err != nil {
		return "", "", err
	}
	hostelMsgID, err = s.mail.Send(ctx, mail.Draft{
		To:       []string{ben.Confidential.ContactEmail},
		Subject:  hostelRendered.Subject,
		BodyHTML: hostelRendered.HTMLBody,
	})
	if err != nil {
		return "", "", fmt.Errorf("send hostel intimation: %w", err)
	}

	donorData := map[string]string{
		"donor_name":         pledge.DonorName,
		"pledge_id":          pledge.PledgeID,
		"beneficiary_school": ben.Ops.School,
		"amount":             money.FormatMajor(),
	}
	donorRendered, err := s.render(config.TemplateDonorAllocationIntermediate, donorData)
	if err != nil {
		return "", "", err
	}
	donorMsgID, err = s.mail.Send(ctx, mail.Draft{
		To:               []string{pledge.DonorEmail},
		Subject:          donorRendered.Subject,
		BodyHTML:         donorRendered.HTMLBody,
		ReplyToMessageID: latestPledgeThreadID(pledge),
	})
	if err != nil {
		return "", "", fmt.Errorf("send donor intermediate notification: %w", err)
	}
	return hostelMsgID, donorMsgID, nil
}

// notifyBatchHostel sends the single hostel email listing every donor in
// the batch, BCC'ing each donor directly and embedding a mailto-reply link
// that also BCCs them, so the hostel's one reply reaches every donor
// privately in addition to the batch watchdog correlation.
func (s *Service) notifyBatchHostel(ctx context.Context, full beneficiary.Full, batchID string, lines []batchLine, donorEmails []string) (string, error) {
	var summary strings.Builder
	var total int64
	for i, l := range lines {
		if i > 0 {
			summary.WriteString("; ")
		}
		money := finance.NewMoney(l.entry.Amount, "")
		fmt.Fprintf(&summary, "%s: %s", l.pledge.PledgeID, money.FormatMajor())
		total += l.entry.Amount
	}
	totalMoney := finance.NewMoney(total, "")

	replyLink, err := s.renderMailtoLink(config.TemplateBatchMailto, full.Confidential.ContactEmail, "Re: "+batchID, donorEmails)
	if err != nil {
		return "", err
	}

	data := map[string]string{
		"batch_id":           batchID,
		"beneficiary_school": full.Ops.School,
		"entries_summary":    summary.String(),
		"total_amount":       totalMoney.FormatMajor(),
		"reply_mailto_link":  replyLink,
	}
	rendered, err := s.render(config.TemplateBatchIntimation, data)
	if err != nil {
		return "", err
	}
	return s.mail.Send(ctx, mail.Draft{
		To:       []string{full.Confidential.ContactEmail},
		Bcc:      donorEmails,
		Subject:  rendered.Subject,
		BodyHTML: rendered.HTMLBody,
	})
}

// renderMailtoLink renders one of the hostel-mailto/batch-mailto template
// ids, which produce a literal "mailto:" URI (the campaign profile controls
// the exact query-string shape), not a sendable email.
func (s *Service) renderMailtoLink(id config.TemplateID, to, subject string, bcc []string) (string, error) {
	def, ok := s.profile.Template(id)
	if !ok {
		return "", fmt.Errorf("allocation: no template configured for %s", id)
	}
	rendered, err := templates.Render(id, def, map[string]string{
		"to":      to,
		"subject": subject,
		"bcc":     strings.Join(bcc, ","),
	})
	if err != nil {
		return "", err
	}
	return rendered.HTMLBody, nil
}

func (s *Service) render(id config.TemplateID, data map[string]string) (templates.Rendered, error) {
	def, ok := s.profile.Template(id)
	if !ok {
		return templates.Rendered{}, fmt.Errorf("allocation: no template configured for %s", id)
	}
	return templates.Render(id, def, data)
}

// latestPledgeThreadID picks the message id a donor notification should
// thread into: the most recent receipt email if one exists, else the
// original pledge confirmation.
func latestPledgeThreadID(pledge ledger.Pledge) string {
	if pledge.LatestReceiptEmailID != "" {
		return pledge.LatestReceiptEmailID
	}
	return pledge.ConfirmationEmailID
}
