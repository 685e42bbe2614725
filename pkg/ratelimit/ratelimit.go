// Package ratelimit throttles calls to the two external systems spec §5's
// shared-resource policy names: the mail gateway and the LM classifier.
// Single process-wide token buckets, grounded on the rate.Limiter the
// pack already reaches for in pkg/api/middleware.go — generalised here
// from per-IP buckets to one bucket per external dependency, since there
// is exactly one mailbox and one model endpoint to protect, not one per
// caller.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/nust-lifeline/ledger/pkg/llm"
	"github.com/nust-lifeline/ledger/pkg/mail"
)

// MailGateway wraps a mail.Gateway, applying a shared limiter to every
// method that spends a Gmail API call — Search/FetchMessages/EnsureLabel/
// ApplyLabel/RemoveLabel/FetchAttachment/Send all count against it.
type MailGateway struct {
	next    mail.Gateway
	limiter *rate.Limiter
}

// NewMailGateway wraps next with a token bucket allowing rps calls per
// second, bursting up to burst.
func NewMailGateway(next mail.Gateway, rps float64, burst int) *MailGateway {
	return &MailGateway{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (g *MailGateway) Search(ctx context.Context, query string, limit int) ([]mail.Message, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return g.next.Search(ctx, query, limit)
}

func (g *MailGateway) FetchMessages(ctx context.Context, messageIDs []string) ([]mail.Message, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return g.next.FetchMessages(ctx, messageIDs)
}

func (g *MailGateway) EnsureLabel(ctx context.Context, label string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.next.EnsureLabel(ctx, label)
}

func (g *MailGateway) ApplyLabel(ctx context.Context, messageID, label string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.next.ApplyLabel(ctx, messageID, label)
}

func (g *MailGateway) RemoveLabel(ctx context.Context, messageID, label string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.next.RemoveLabel(ctx, messageID, label)
}

func (g *MailGateway) Send(ctx context.Context, draft mail.Draft) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return g.next.Send(ctx, draft)
}

func (g *MailGateway) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return g.next.FetchAttachment(ctx, messageID, attachmentID)
}

// Classifier wraps an llm.Classifier with a shared limiter — the LM
// endpoint is the other external dependency spec §5 names a rate policy
// for, distinct from the mail gateway's bucket.
type Classifier struct {
	next    llm.Classifier
	limiter *rate.Limiter
}

// NewClassifier wraps next with a token bucket allowing rps calls per
// second, bursting up to burst.
func NewClassifier(next llm.Classifier, rps float64, burst int) *Classifier {
	return &Classifier{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// ExtractReceipt blocks until the limiter admits the call, then delegates.
// A limiter wait failure (a cancelled ctx) degrades to the same
// no-decision sentinel the wrapped classifiers return on any other
// failure — callers never see a third error shape to handle.
func (c *Classifier) ExtractReceipt(ctx context.Context, input llm.ReceiptExtractionInput) llm.ReceiptExtractionResult {
	if err := c.limiter.Wait(ctx); err != nil {
		return llm.NoDecisionReceipt
	}
	return c.next.ExtractReceipt(ctx, input)
}

func (c *Classifier) ClassifyHostelReply(ctx context.Context, threadText string, openAllocations []llm.OpenAllocationRef) llm.HostelReplyResult {
	if err := c.limiter.Wait(ctx); err != nil {
		return llm.NoDecision
	}
	return c.next.ClassifyHostelReply(ctx, threadText, openAllocations)
}
