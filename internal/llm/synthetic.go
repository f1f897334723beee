package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// SyntheticTaxRate is the fixed tax percentage of generated invoices.
const SyntheticTaxRate = 18

var (
	syntheticVendors = []string{
		"Acme Industrial Supply", "Northwind Traders", "Globex Logistics", "Initech Software",
		"Umbrella Office Solutions", "Stark Components", "Wayne Facilities Services", "Hooli Cloud Services",
	}
	syntheticCustomers = []string{
		"Blue Harbor Consulting", "Cedar & Pine Architects", "Riverside Medical Group",
		"Summit Retail Partners", "Lakeside Manufacturing", "Oakridge Analytics",
	}
	syntheticItems = []string{
		"Consulting services", "Software license", "Office chairs", "Network switch",
		"Printer toner", "Cloud hosting (monthly)", "Maintenance contract", "Training workshop",
		"Shipping pallets", "Laptop docking station",
	}
)

// SyntheticExtractor generates internally consistent candidates without calling
// a model. Output is deterministic for a given document and seed:
// quantity x unit price equals amount, the amounts sum to the subtotal, tax is
// 18% of the subtotal and total equals subtotal plus tax, all to the cent.
type SyntheticExtractor struct {
	seed uint64
	now  func() time.Time
}

type SyntheticOption func(*SyntheticExtractor)

// WithSeed mixes seed into the per-document seed.
func WithSeed(seed uint64) SyntheticOption {
	return func(s *SyntheticExtractor) { s.seed = seed }
}

// WithSyntheticClock sets the clock used for invoice and due dates.
func WithSyntheticClock(now func() time.Time) SyntheticOption {
	return func(s *SyntheticExtractor) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSyntheticExtractor(opts ...SyntheticOption) *SyntheticExtractor {
	s := &SyntheticExtractor{now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ExtractFields implements FieldExtractor.
func (s *SyntheticExtractor) ExtractFields(_ context.Context, req ExtractRequest) (entity.Candidate, []byte, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Document.Content))
	_, _ = h.Write([]byte(req.FilenameHint))
	rng := rand.New(rand.NewPCG(h.Sum64(), s.seed))

	c := s.generate(rng)
	raw, _ := json.Marshal(c)
	return c, raw, nil
}

func (s *SyntheticExtractor) generate(rng *rand.Rand) entity.Candidate {
	vendor := syntheticVendors[rng.IntN(len(syntheticVendors))]
	customer := syntheticCustomers[rng.IntN(len(syntheticCustomers))]

	n := 1 + rng.IntN(4)
	items := make([]entity.LineItem, 0, n)
	subtotal := decimal.Zero
	for i := 0; i < n; i++ {
		// (i+1) x k never repeats across all four items
		qty := decimal.NewFromInt(int64((i + 1) * (1 + rng.IntN(3))))
		price := decimal.New(int64(500+rng.IntN(49500)), -2) // 5.00 .. 499.99
		amt := qty.Mul(price).Round(2)
		subtotal = subtotal.Add(amt)
		items = append(items, entity.LineItem{
			Description: syntheticItems[rng.IntN(len(syntheticItems))],
			Quantity:    qty.InexactFloat64(),
			UnitPrice:   price.InexactFloat64(),
			Amount:      amt.InexactFloat64(),
			Confidence:  entity.Float(decimal.NewFromFloat(0.85 + rng.Float64()*0.14).Round(2).InexactFloat64()),
		})
	}

	tax := subtotal.Mul(decimal.NewFromInt(SyntheticTaxRate)).Div(decimal.NewFromInt(100)).Round(2)
	total := subtotal.Add(tax)

	issued := s.now().UTC().AddDate(0, 0, -rng.IntN(20))
	due := issued.AddDate(0, 0, 30)

	conf := decimal.NewFromFloat(0.85 + rng.Float64()*0.10).Round(2)
	if conf.GreaterThan(decimal.NewFromFloat(0.95)) {
		conf = decimal.NewFromFloat(0.95)
	}

	return entity.Candidate{
		VendorName:          vendor,
		VendorAddress:       fmt.Sprintf("%d Commerce Way, Springfield", 100+rng.IntN(900)),
		VendorEmail:         "billing@" + slug(vendor) + ".example.com",
		CustomerName:        customer,
		InvoiceNumber:       fmt.Sprintf("INV-%06d", 1+rng.IntN(999998)),
		InvoiceDate:         issued.Format("2006-01-02"),
		DueDate:             due.Format("2006-01-02"),
		LineItems:           items,
		Subtotal:            entity.Float(subtotal.InexactFloat64()),
		TaxRate:             entity.Float(SyntheticTaxRate),
		TaxAmount:           entity.Float(tax.InexactFloat64()),
		Total:               entity.Float(total.InexactFloat64()),
		Currency:            string(constants.USD),
		PaymentTerms:        "Net 30",
		ExtractorConfidence: entity.Float(conf.InexactFloat64()),
		Anomalies:           []string{},
	}
}

func slug(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		}
	}
	return string(out)
}
