package llm

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestSyntheticExtractor_ArithmeticIsExact(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewSyntheticExtractor(WithSyntheticClock(func() time.Time { return now }))

	for i := 0; i < 200; i++ {
		req := ExtractRequest{Document: entity.Document{Kind: constants.KindText, Content: "doc-" + decimal.NewFromInt(int64(i)).String()}}
		c, raw, err := s.ExtractFields(context.Background(), req)
		require.NoError(t, err)
		require.NotEmpty(t, raw)

		require.NotEmpty(t, c.LineItems)
		sum := decimal.Zero
		for _, it := range c.LineItems {
			assert.True(t, d(it.Quantity).Mul(d(it.UnitPrice)).Equal(d(it.Amount)), "qty x price = amount")
			sum = sum.Add(d(it.Amount))
		}
		require.NotNil(t, c.Subtotal)
		require.NotNil(t, c.TaxAmount)
		require.NotNil(t, c.Total)
		assert.True(t, sum.Equal(d(*c.Subtotal)), "subtotal = sum(amounts)")
		assert.True(t, d(*c.Subtotal).Mul(decimal.NewFromFloat(0.18)).Round(2).Equal(d(*c.TaxAmount)), "tax = 18%")
		assert.True(t, d(*c.Subtotal).Add(d(*c.TaxAmount)).Equal(d(*c.Total)), "total = subtotal + tax")

		require.NotNil(t, c.ExtractorConfidence)
		assert.GreaterOrEqual(t, *c.ExtractorConfidence, 0.85)
		assert.LessOrEqual(t, *c.ExtractorConfidence, 0.95)
		assert.Equal(t, float64(SyntheticTaxRate), *c.TaxRate)
		assert.Equal(t, "USD", c.Currency)
		assert.NotEmpty(t, c.VendorName)
		assert.NotEmpty(t, c.CustomerName)
		assert.NotEmpty(t, c.InvoiceNumber)
	}
}

func TestSyntheticExtractor_Deterministic(t *testing.T) {
	now := func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	req := ExtractRequest{Document: entity.Document{Kind: constants.KindImage, Content: "aGVsbG8="}, FilenameHint: "a.png"}

	a, _, _ := NewSyntheticExtractor(WithSyntheticClock(now)).ExtractFields(context.Background(), req)
	b, _, _ := NewSyntheticExtractor(WithSyntheticClock(now)).ExtractFields(context.Background(), req)
	assert.Equal(t, a, b)

	seeded := NewSyntheticExtractor(WithSyntheticClock(now), WithSeed(42))
	c1, _, _ := seeded.ExtractFields(context.Background(), req)
	c2, _, _ := seeded.ExtractFields(context.Background(), req)
	assert.Equal(t, c1, c2)
}
