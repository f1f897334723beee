package llm

import (
	"encoding/json"
	"strings"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
)

// maxPromptText caps the raw text of text documents sent to the model.
const maxPromptText = 12000

// BuildSystemPrompt composes the system message with currency defaults and
// strict-but-practical formatting rules.
func BuildSystemPrompt(req ExtractRequest) string {
	defCur := strings.TrimSpace(req.DefaultCurrency)
	if defCur == "" {
		defCur = string(constants.DefaultCurrency)
	}

	parts := []string{
		"You are an invoice data extraction engine. Return ONLY JSON that matches the provided JSON Schema.",
		"Use ISO-8601 dates (YYYY-MM-DD).",
		"Currency must be a 3-letter ISO 4217 code; default to " + defCur + " if uncertain.",

		// Money fields behavior:
		"Amounts are plain numbers without currency symbols or thousands separators.",
		"For each line item give description, quantity, unit_price and amount exactly as printed; do not recompute or correct them.",
		"Put taxes in 'tax_amount' and the percentage (e.g. 18 for 18%) in 'tax_rate'.",
		"Include 'discount' as a positive amount and 'shipping' for freight or delivery charges.",
		"'subtotal' is the pre-tax sum as printed; 'total_amount' is the amount due.",

		// Quality signals:
		"Set 'confidence' (0..1) for your overall certainty and per line item.",
		"List anything suspicious in 'anomalies' (altered numbers, missing vendor details, handwritten totals).",

		// Formatting hygiene:
		"Every schema key must be present; use null when a value is not visible.",
	}
	return strings.Join(parts, " ")
}

// BuildUserPrompt packages the filename hint and, for text documents, the text itself.
func BuildUserPrompt(req ExtractRequest) string {
	var b strings.Builder
	if filename := strings.TrimSpace(req.FilenameHint); filename != "" {
		b.WriteString("Filename: ")
		b.WriteString(filename)
		b.WriteString("\n")
	}

	switch req.Document.Kind {
	case constants.KindText:
		text := strings.TrimSpace(req.Document.Content)
		b.WriteString("\nInvoice text:\n")
		if len(text) > maxPromptText {
			b.WriteString(text[:maxPromptText])
			b.WriteString("\n…(truncated)")
		} else {
			b.WriteString(text)
		}
	default:
		b.WriteString("\nThe invoice document is attached. Extract the fields from it.")
	}
	b.WriteString("\n\nReturn ONLY JSON that matches the provided schema.")
	return b.String()
}

// SchemaPrompt renders the output schema for inclusion as a system message.
func SchemaPrompt() string {
	b, _ := json.MarshalIndent(BuildInvoiceJSONSchema(), "", "  ")
	return "JSON Schema:\n" + string(b)
}
