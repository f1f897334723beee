// Package confidence turns an extracted candidate and its validation result
// into a single reliability score in [0, 1].
package confidence

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/validation"
)

const importantFields = 5

var (
	errorPenalty   = decimal.New(1, -1) // 0.10 per error
	warningPenalty = decimal.New(2, -2) // 0.02 per warning
	one            = decimal.NewFromInt(1)
)

// Scorer averages the available quality signals with equal weight and then
// subtracts validation penalties.
type Scorer struct{}

func NewScorer() *Scorer { return &Scorer{} }

// Score returns the persisted confidence for c. Signals are field presence,
// mean line-item confidence (when items exist) and the extractor's own
// confidence (when reported).
func (s *Scorer) Score(c entity.Candidate, res validation.Result) float64 {
	parts := []decimal.Decimal{FieldPresence(c)}
	if mean, ok := meanItemConfidence(c.LineItems); ok {
		parts = append(parts, mean)
	}
	if c.ExtractorConfidence != nil {
		parts = append(parts, clamp(decimal.NewFromFloat(*c.ExtractorConfidence)))
	}

	sum := decimal.Zero
	for _, p := range parts {
		sum = sum.Add(p)
	}
	base := sum.Div(decimal.NewFromInt(int64(len(parts))))

	penalty := errorPenalty.Mul(decimal.NewFromInt(int64(len(res.Errors)))).
		Add(warningPenalty.Mul(decimal.NewFromInt(int64(len(res.Warnings)))))

	return clamp(base.Sub(penalty)).Round(4).InexactFloat64()
}

// FieldPresence is the fraction of vendor name, invoice number, invoice date,
// total amount and line items that the candidate carries.
func FieldPresence(c entity.Candidate) decimal.Decimal {
	present := 0
	if strings.TrimSpace(c.VendorName) != "" {
		present++
	}
	if strings.TrimSpace(c.InvoiceNumber) != "" {
		present++
	}
	if strings.TrimSpace(c.InvoiceDate) != "" {
		present++
	}
	if c.Total != nil {
		present++
	}
	if len(c.LineItems) > 0 {
		present++
	}
	return decimal.NewFromInt(int64(present)).Div(decimal.NewFromInt(importantFields))
}

// meanItemConfidence averages the confidences the items report. Items without
// one are left out; if none report, the signal is absent.
func meanItemConfidence(items []entity.LineItem) (decimal.Decimal, bool) {
	sum, n := decimal.Zero, 0
	for _, it := range items {
		if it.Confidence != nil {
			sum = sum.Add(clamp(decimal.NewFromFloat(*it.Confidence)))
			n++
		}
	}
	if n == 0 {
		return decimal.Zero, false
	}
	return sum.Div(decimal.NewFromInt(int64(n))), true
}

func clamp(d decimal.Decimal) decimal.Decimal {
	switch {
	case d.IsNegative():
		return decimal.Zero
	case d.GreaterThan(one):
		return one
	}
	return d
}
