package llm

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/nust-lifeline/ledger/pkg/util/resiliency"
)

// OpenAIClassifier is the fallback C4 backend. It only implements receipt
// extraction — per the fallback policy decided for this domain, hostel
// reply classification has no fallback path and always returns NoDecision
// on the primary backend's failure rather than trying a second provider.
type OpenAIClassifier struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

func NewOpenAIClassifier(apiKey, model string, logger *slog.Logger) *OpenAIClassifier {
	return &OpenAIClassifier{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithHTTPClient(resiliency.WrapTransport(nil, "openai")),
		),
		model:  model,
		logger: logger,
	}
}

func (c *OpenAIClassifier) ExtractReceipt(ctx context.Context, input ReceiptExtractionInput) ReceiptExtractionResult {
	prompt := buildReceiptExtractionPrompt(input)

	schemaParam := shared.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:   extractReceiptToolName,
		Schema: receiptExtractionSchema,
		Strict: openai.Bool(true),
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: schemaParam,
			},
		},
	})
	if err != nil {
		c.logger.Warn("openai fallback extraction failed, returning no-decision", "error", err)
		return NoDecisionReceipt
	}
	if len(resp.Choices) == 0 {
		c.logger.Warn("openai fallback extraction returned no choices")
		return NoDecisionReceipt
	}

	raw := []byte(resp.Choices[0].Message.Content)
	if err := validateAgainst(receiptExtractionSchema, raw); err != nil {
		c.logger.Warn("openai fallback extraction failed schema validation", "error", err)
		return NoDecisionReceipt
	}
	var result ReceiptExtractionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.logger.Warn("openai fallback extraction output did not decode", "error", err)
		return NoDecisionReceipt
	}
	return result
}

// ClassifyHostelReply is unused on this backend: the fallback router never
// routes hostel-reply classification here. Implemented to satisfy
// Classifier so OpenAIClassifier can still be unit-tested standalone.
func (c *OpenAIClassifier) ClassifyHostelReply(ctx context.Context, threadText string, openAllocations []OpenAllocationRef) HostelReplyResult {
	return NoDecision
}
