// Package validation cross-checks an extracted invoice candidate for internal
// consistency and decides whether a human must review it.
package validation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// MaxWarningsWithoutReview is the largest warning count that still lets an
// error-free invoice complete without review.
const MaxWarningsWithoutReview = 2

var (
	tolerance         = decimal.New(1, -2) // 0.01
	relativeThreshold = decimal.New(5, -2) // 5%
	largeTotal        = decimal.NewFromInt(1_000_000)
	roundTotalFloor   = decimal.NewFromInt(1_000)
	maxTaxRate        = decimal.NewFromInt(50)
	hundred           = decimal.NewFromInt(100)
	half              = decimal.New(5, -1)
)

// Result is the structured outcome of validation. Anomalies is the subset of
// warnings raised by the anomaly heuristics.
type Result struct {
	Errors         []string `json:"errors"`
	Warnings       []string `json:"warnings"`
	Anomalies      []string `json:"anomalies"`
	RequiresReview bool     `json:"requiresReview"`
}

// Engine runs every check in a fixed order; findings accumulate and no check
// short-circuits another. Validate has no side effects.
type Engine struct {
	now func() time.Time
}

type Option func(*Engine)

// WithClock sets the reference time for date-range checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Validate checks c and returns errors, warnings and the review decision.
func (e *Engine) Validate(c entity.Candidate) Result {
	r := &report{
		errors:    []string{},
		warnings:  []string{},
		anomalies: []string{},
	}
	f := newFacts(c)

	checkRequired(c, r)
	checkLineItems(f, r)
	checkSubtotal(f, r)
	checkTotal(f, r)
	checkTaxRate(f, r)
	dates := checkFormats(c, e.now(), r)
	checkBusinessRules(f, dates, r)
	checkAnomalies(c, f, r)

	return Result{
		Errors:         r.errors,
		Warnings:       r.warnings,
		Anomalies:      r.anomalies,
		RequiresReview: RequiresReview(len(r.errors), len(r.warnings)),
	}
}

// RequiresReview is the single gate between review_required and completed.
func RequiresReview(errorCount, warningCount int) bool {
	return errorCount > 0 || warningCount > MaxWarningsWithoutReview
}

type report struct {
	errors    []string
	warnings  []string
	anomalies []string
}

func (r *report) fail(msg string) { r.errors = append(r.errors, msg) }
func (r *report) warn(msg string) { r.warnings = append(r.warnings, msg) }
func (r *report) anomaly(msg string) {
	r.warnings = append(r.warnings, msg)
	r.anomalies = append(r.anomalies, msg)
}

// facts holds the candidate's money fields as decimals so comparisons are exact.
type facts struct {
	items     []itemFacts
	itemsSum  decimal.Decimal
	subtotal  *decimal.Decimal
	taxRate   *decimal.Decimal
	taxAmount *decimal.Decimal
	discount  *decimal.Decimal
	shipping  *decimal.Decimal
	total     *decimal.Decimal
}

type itemFacts struct {
	quantity  decimal.Decimal
	unitPrice decimal.Decimal
	amount    decimal.Decimal
}

func newFacts(c entity.Candidate) facts {
	f := facts{
		subtotal:  dec(c.Subtotal),
		taxRate:   dec(c.TaxRate),
		taxAmount: dec(c.TaxAmount),
		discount:  dec(c.Discount),
		shipping:  dec(c.Shipping),
		total:     dec(c.Total),
		itemsSum:  decimal.Zero,
	}
	for _, it := range c.LineItems {
		fi := itemFacts{
			quantity:  decimal.NewFromFloat(it.Quantity),
			unitPrice: decimal.NewFromFloat(it.UnitPrice),
			amount:    decimal.NewFromFloat(it.Amount),
		}
		f.items = append(f.items, fi)
		f.itemsSum = f.itemsSum.Add(fi.amount)
	}
	return f
}

func dec(p *float64) *decimal.Decimal {
	if p == nil {
		return nil
	}
	d := decimal.NewFromFloat(*p)
	return &d
}

// num renders an amount for messages: 20, 20.5, 1234.56.
func num(d decimal.Decimal) string {
	return d.Round(2).String()
}
