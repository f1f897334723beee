package llm

// BuildInvoiceJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a generic map.
// It is sent to the model as the output contract and used locally to validate.
// Required keys must be present but may be null when the document does not show them;
// validation downstream reports missing values.
func BuildInvoiceJSONSchema() map[string]any {
	props := map[string]any{
		"vendor_name":      nullableString(),
		"vendor_address":   nullableString(),
		"vendor_email":     nullableString(),
		"vendor_phone":     nullableString(),
		"vendor_tax_id":    nullableString(),
		"customer_name":    nullableString(),
		"customer_address": nullableString(),
		"invoice_number":   nullableString(),
		"po_number":        nullableString(),
		"invoice_date":     nullableString(),
		"due_date":         nullableString(),
		"line_items": map[string]any{
			"type":  "array",
			"items": lineItemSchema(),
		},
		"subtotal":      decimalProp(),
		"tax_rate":      decimalProp(),
		"tax_amount":    decimalProp(),
		"discount":      decimalProp(),
		"shipping":      decimalProp(),
		"total_amount":  decimalProp(),
		"currency":      nullableString(),
		"payment_terms": nullableString(),
		"confidence":    map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
		"anomalies": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	}
	required := []string{"vendor_name", "invoice_number", "invoice_date", "line_items", "total_amount", "confidence"}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             required,
	}
}

func lineItemSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"description": map[string]any{"type": "string"},
			"quantity":    decimalProp(),
			"unit_price":  decimalProp(),
			"amount":      decimalProp(),
			"confidence":  map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
		},
		"required": []string{"description", "quantity", "unit_price", "amount"},
	}
}

func nullableString() map[string]any {
	return map[string]any{"type": []string{"string", "null"}}
}

// decimalProp accepts JSON numbers or plain decimal strings; the pattern only
// constrains the string form.
func decimalProp() map[string]any {
	return map[string]any{
		"type":    []string{"number", "string", "null"},
		"pattern": `^-?\d+(\.\d+)?$`,
	}
}
