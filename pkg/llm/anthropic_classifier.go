package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nust-lifeline/ledger/pkg/util/resiliency"
)

// AnthropicClassifier is the primary C4 backend. Both operations force a
// single tool call against the enforced schema so a malformed completion
// is rejected by the provider rather than needing downstream regex
// salvage, per spec §4.4.
type AnthropicClassifier struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

func NewAnthropicClassifier(apiKey, model string, logger *slog.Logger) *AnthropicClassifier {
	return &AnthropicClassifier{
		client: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithHTTPClient(resiliency.WrapTransport(nil, "anthropic")),
		),
		model:  model,
		logger: logger,
	}
}

const extractReceiptToolName = "extract_receipt"
const classifyHostelReplyToolName = "classify_hostel_reply"

func (c *AnthropicClassifier) ExtractReceipt(ctx context.Context, input ReceiptExtractionInput) ReceiptExtractionResult {
	prompt := buildReceiptExtractionPrompt(input)
	raw, err := c.invokeTool(ctx, prompt, extractReceiptToolName, "Extract structured receipt data from a donor email.", receiptExtractionSchema)
	if err != nil {
		c.logger.Warn("receipt extraction failed, returning no-decision", "error", err)
		return NoDecisionReceipt
	}
	if err := validateAgainst(receiptExtractionSchema, raw); err != nil {
		c.logger.Warn("receipt extraction failed schema validation", "error", err)
		return NoDecisionReceipt
	}
	var result ReceiptExtractionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.logger.Warn("receipt extraction output did not decode", "error", err)
		return NoDecisionReceipt
	}
	return result
}

func (c *AnthropicClassifier) ClassifyHostelReply(ctx context.Context, threadText string, openAllocations []OpenAllocationRef) HostelReplyResult {
	prompt := buildHostelReplyPrompt(threadText, openAllocations)
	raw, err := c.invokeTool(ctx, prompt, classifyHostelReplyToolName, "Classify a hostel's reply against its open allocations.", hostelReplySchema)
	if err != nil {
		c.logger.Warn("hostel reply classification failed, returning no-decision", "error", err)
		return NoDecision
	}
	if err := validateAgainst(hostelReplySchema, raw); err != nil {
		c.logger.Warn("hostel reply classification failed schema validation", "error", err)
		return NoDecision
	}
	var result HostelReplyResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.logger.Warn("hostel reply output did not decode", "error", err)
		return NoDecision
	}
	return result
}

// invokeTool sends prompt with a single forced tool choice and returns the
// tool-call's raw JSON arguments.
func (c *AnthropicClassifier) invokeTool(ctx context.Context, prompt, toolName, toolDescription string, schema map[string]any) ([]byte, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 2048,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Tools: []anthropic.ToolUnionParam{
			{
				OfTool: &anthropic.ToolParam{
					Name:        toolName,
					Description: anthropic.String(toolDescription),
					InputSchema: anthropic.ToolInputSchemaParam{
						Properties: schema["properties"],
						Required:   toStringSlice(schema["required"]),
					},
				},
			},
		},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: toolName},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "tool_use" && block.Name == toolName {
			return block.Input, nil
		}
	}
	return nil, fmt.Errorf("anthropic: no tool_use block for %s in response", toolName)
}

func toStringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
