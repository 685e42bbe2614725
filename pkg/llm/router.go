package llm

import (
	"context"
	"log/slog"
)

// FallbackRouter implements Classifier by trying the primary backend first
// and falling back to a secondary backend only for receipt extraction.
// Hostel-reply classification never falls back: a primary failure there
// already returns NoDecision, and trying a second provider would just
// trade one no-decision for a less-trusted one on the confirmation path
// that actually moves money.
type FallbackRouter struct {
	primary  Classifier
	fallback Classifier // may be nil
	logger   *slog.Logger
}

func NewFallbackRouter(primary, fallback Classifier, logger *slog.Logger) *FallbackRouter {
	return &FallbackRouter{primary: primary, fallback: fallback, logger: logger}
}

func (r *FallbackRouter) ExtractReceipt(ctx context.Context, input ReceiptExtractionInput) ReceiptExtractionResult {
	result := r.primary.ExtractReceipt(ctx, input)
	if !result.IsNoDecision() || r.fallback == nil {
		return result
	}
	r.logger.Info("primary classifier returned no-decision on receipt extraction, trying fallback")
	return r.fallback.ExtractReceipt(ctx, input)
}

func (r *FallbackRouter) ClassifyHostelReply(ctx context.Context, threadText string, openAllocations []OpenAllocationRef) HostelReplyResult {
	return r.primary.ClassifyHostelReply(ctx, threadText, openAllocations)
}
