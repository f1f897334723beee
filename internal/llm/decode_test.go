package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validOutput = `{
  "vendor_name": "Acme Corp",
  "vendor_address": null,
  "vendor_email": "billing@acme.test",
  "invoice_number": "INV-1001",
  "invoice_date": "2024-03-01",
  "due_date": "2024-03-31",
  "line_items": [
    {"description": "Widget", "quantity": 2, "unit_price": "10.00", "amount": 20, "confidence": 0.9}
  ],
  "subtotal": 20,
  "tax_rate": 10,
  "tax_amount": 2,
  "total_amount": "22.00",
  "currency": "usd",
  "confidence": 0.88,
  "anomalies": ["  ", "handwritten total"]
}`

func TestDecodeCandidate_Valid(t *testing.T) {
	c, raw, err := DecodeCandidate([]byte(validOutput), false, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	assert.Equal(t, "Acme Corp", c.VendorName)
	assert.Equal(t, "", c.VendorAddress)
	assert.Equal(t, "INV-1001", c.InvoiceNumber)
	assert.Equal(t, "USD", c.Currency)
	require.Len(t, c.LineItems, 1)
	assert.Equal(t, 2.0, c.LineItems[0].Quantity)
	assert.Equal(t, 10.0, c.LineItems[0].UnitPrice)
	assert.Equal(t, 20.0, c.LineItems[0].Amount)
	require.NotNil(t, c.Total)
	assert.Equal(t, 22.0, *c.Total)
	assert.Nil(t, c.Discount)
	require.NotNil(t, c.ExtractorConfidence)
	assert.Equal(t, 0.88, *c.ExtractorConfidence)
	assert.Equal(t, []string{"handwritten total"}, c.Anomalies)
}

func TestDecodeCandidate_CodeFence(t *testing.T) {
	c, _, err := DecodeCandidate([]byte("```json\n"+validOutput+"\n```"), false, nil)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", c.VendorName)
}

func TestDecodeCandidate_FailsClosed(t *testing.T) {
	tests := map[string]string{
		"empty":            ``,
		"not json":         `Sorry, I cannot read this invoice.`,
		"missing required": `{"vendor_name": "Acme", "invoice_number": "1", "invoice_date": "2024-01-01", "line_items": [], "confidence": 0.5}`,
		"mistyped total":   `{"vendor_name": "Acme", "invoice_number": "1", "invoice_date": "2024-01-01", "line_items": [], "total_amount": true, "confidence": 0.5}`,
		"items not array":  `{"vendor_name": "Acme", "invoice_number": "1", "invoice_date": "2024-01-01", "line_items": "none", "total_amount": 1, "confidence": 0.5}`,
		"unknown key":      `{"vendor_name": "Acme", "invoice_number": "1", "invoice_date": "2024-01-01", "line_items": [], "total_amount": 1, "confidence": 0.5, "notes": "x"}`,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := DecodeCandidate([]byte(in), false, nil)
			require.Error(t, err)
			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, KindMalformed, kind)
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestDecodeCandidate_LenientRepairs(t *testing.T) {
	in := `{
	  "vendor": "Acme Corp",
	  "invoice_no": "INV-7",
	  "invoice_date": "2024-03-01",
	  "items": [{"description": "Widget", "qty": "3", "price": "$1,000.50", "total": "3,001.50"}],
	  "total": "USD 3,001.50",
	  "currency_code": "$",
	  "confidence": "85%",
	  "notes": "thank you"
	}`

	_, _, err := DecodeCandidate([]byte(in), false, nil)
	require.Error(t, err)

	c, _, err := DecodeCandidate([]byte(in), true, nil)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", c.VendorName)
	assert.Equal(t, "INV-7", c.InvoiceNumber)
	assert.Equal(t, "USD", c.Currency)
	require.Len(t, c.LineItems, 1)
	assert.Equal(t, 3.0, c.LineItems[0].Quantity)
	assert.Equal(t, 1000.5, c.LineItems[0].UnitPrice)
	assert.Equal(t, 3001.5, c.LineItems[0].Amount)
	require.NotNil(t, c.Total)
	assert.Equal(t, 3001.5, *c.Total)
	require.NotNil(t, c.ExtractorConfidence)
	assert.InDelta(t, 0.85, *c.ExtractorConfidence, 1e-9)
}

func TestDecodeCandidate_LenientStillRequiresKeys(t *testing.T) {
	in := `{"vendor_name": "Acme", "line_items": [], "total_amount": 10, "confidence": 0.9}`
	_, _, err := DecodeCandidate([]byte(in), true, nil)
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, KindMalformed, kind)
}
