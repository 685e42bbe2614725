package llm

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// buildReceiptExtractionPrompt renders the donor email body plus bounded
// extraction constraints per spec §4.4: amounts must reconcile with body
// text when the body declares a sum, and pledge_date ≤ date ≤ email_date.
func buildReceiptExtractionPrompt(input ReceiptExtractionInput) string {
	var b strings.Builder
	b.WriteString("You are classifying a donor reply to a hostel-fees pledge thread.\n\n")
	fmt.Fprintf(&b, "Pledge created: %s\n", input.PledgeCreationDate.Format("2006-01-02"))
	fmt.Fprintf(&b, "Email received: %s\n", input.EmailReceivedDate.Format("2006-01-02"))
	fmt.Fprintf(&b, "Promised amount (minor units): %d\n\n", input.PromisedAmount)
	b.WriteString("Email body:\n")
	b.WriteString(input.BodyText)
	b.WriteString("\n\n")

	if len(input.Attachments) == 0 {
		b.WriteString("No attachments.\n")
	} else {
		b.WriteString("Attachments (base64-encoded):\n")
		for _, a := range input.Attachments {
			fmt.Fprintf(&b, "- %s (%s): %s\n", a.Filename, a.ContentType, base64.StdEncoding.EncodeToString(a.Data))
		}
	}

	b.WriteString("\nRules:\n")
	b.WriteString("- Every extracted date must satisfy pledge_date <= date <= email_date.\n")
	b.WriteString("- If the body text declares a total sum, every valid_receipts amount must reconcile with it.\n")
	b.WriteString("- If you cannot confidently extract a transfer, classify as QUESTION or IRRELEVANT instead of guessing.\n")
	return b.String()
}

// buildHostelReplyPrompt renders a hostel's reply thread against its
// currently open allocations for status classification.
func buildHostelReplyPrompt(threadText string, openAllocations []OpenAllocationRef) string {
	var b strings.Builder
	b.WriteString("You are classifying a hostel's reply to an allocation confirmation request.\n\n")
	b.WriteString("Open allocations awaiting confirmation:\n")
	for _, a := range openAllocations {
		fmt.Fprintf(&b, "- alloc_id=%s amount=%d beneficiary_id=%s\n", a.AllocID, a.Amount, a.BeneficiaryID)
	}
	b.WriteString("\nThread text:\n")
	b.WriteString(threadText)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- confirmed_alloc_ids must be a subset of the alloc_id values listed above.\n")
	b.WriteString("- Use CONFIRMED_ALL only when every listed allocation is confirmed.\n")
	b.WriteString("- Use PARTIAL when some but not all are confirmed.\n")
	b.WriteString("- Use QUERY when the hostel is asking a question rather than confirming.\n")
	b.WriteString("- Use AMBIGUOUS if the reply cannot be mapped to the listed allocations with confidence.\n")
	return b.String()
}
