package pipeline

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/confidence"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/logging"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
	"github.com/joseph-ayodele/invoice-pipeline/internal/validation"
)

// Changes is a human edit of extracted fields. Nil fields are left alone.
type Changes struct {
	VendorName      *string           `json:"vendorName" validate:"omitempty,min=1,max=500"`
	VendorAddress   *string           `json:"vendorAddress" validate:"omitempty,max=1000"`
	VendorEmail     *string           `json:"vendorEmail" validate:"omitempty,max=320"`
	CustomerName    *string           `json:"customerName" validate:"omitempty,max=500"`
	CustomerAddress *string           `json:"customerAddress" validate:"omitempty,max=1000"`
	InvoiceNumber   *string           `json:"invoiceNumber" validate:"omitempty,min=1,max=100"`
	PONumber        *string           `json:"poNumber" validate:"omitempty,max=100"`
	InvoiceDate     *string           `json:"invoiceDate" validate:"omitempty,max=50"`
	DueDate         *string           `json:"dueDate" validate:"omitempty,max=50"`
	Currency        *string           `json:"currency" validate:"omitempty,len=3,alpha"`
	PaymentTerms    *string           `json:"paymentTerms" validate:"omitempty,max=200"`
	Subtotal        *float64          `json:"subtotal"`
	TaxRate         *float64          `json:"taxRate" validate:"omitempty,gte=0,lte=100"`
	TaxAmount       *float64          `json:"taxAmount"`
	Discount        *float64          `json:"discount" validate:"omitempty,gte=0"`
	Shipping        *float64          `json:"shipping" validate:"omitempty,gte=0"`
	Total           *float64          `json:"totalAmount"`
	LineItems       []entity.LineItem `json:"lineItems" validate:"omitempty,dive"`
}

// Corrector applies human corrections to finished invoices, keeping an
// append-only history and re-deciding the review status.
type Corrector struct {
	repo      repository.InvoiceRepository
	validator *validation.Engine
	scorer    *confidence.Scorer
	now       func() time.Time
	logger    *zap.SugaredLogger
}

func NewCorrector(repo repository.InvoiceRepository, validator *validation.Engine, scorer *confidence.Scorer, logger *zap.SugaredLogger) *Corrector {
	if validator == nil {
		validator = validation.NewEngine()
	}
	if scorer == nil {
		scorer = confidence.NewScorer()
	}
	return &Corrector{repo: repo, validator: validator, scorer: scorer, now: time.Now, logger: logging.OrNop(logger)}
}

// Apply records every field ch actually changes, then re-runs validation and
// scoring. Only completed and review_required invoices can be corrected.
func (c *Corrector) Apply(ctx context.Context, id string, ch Changes, correctedBy string) (*entity.Invoice, error) {
	inv, err := c.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, common.NotFoundf("invoice %s not found", id)
	}
	if inv.Status != constants.StatusCompleted && inv.Status != constants.StatusReviewRequired {
		return nil, common.NewAppError("INVALID_TRANSITION",
			"invoice "+id+" is "+string(inv.Status)+" and cannot be corrected", common.ErrInvalidTransition)
	}

	at := c.now().UTC()
	cand := inv.Candidate.Clone()
	var edits []entity.Correction
	record := func(field, before, after string) {
		if before != after {
			edits = append(edits, entity.Correction{
				Field: field, OriginalValue: before, CorrectedValue: after, CorrectedBy: correctedBy, CorrectedAt: at,
			})
		}
	}

	for _, f := range []struct {
		name string
		dst  *string
		val  *string
	}{
		{"vendorName", &cand.VendorName, ch.VendorName},
		{"vendorAddress", &cand.VendorAddress, ch.VendorAddress},
		{"vendorEmail", &cand.VendorEmail, ch.VendorEmail},
		{"customerName", &cand.CustomerName, ch.CustomerName},
		{"customerAddress", &cand.CustomerAddress, ch.CustomerAddress},
		{"invoiceNumber", &cand.InvoiceNumber, ch.InvoiceNumber},
		{"poNumber", &cand.PONumber, ch.PONumber},
		{"invoiceDate", &cand.InvoiceDate, ch.InvoiceDate},
		{"dueDate", &cand.DueDate, ch.DueDate},
		{"currency", &cand.Currency, ch.Currency},
		{"paymentTerms", &cand.PaymentTerms, ch.PaymentTerms},
	} {
		if f.val == nil {
			continue
		}
		record(f.name, *f.dst, *f.val)
		*f.dst = *f.val
	}

	for _, f := range []struct {
		name string
		dst  **float64
		val  *float64
	}{
		{"subtotal", &cand.Subtotal, ch.Subtotal},
		{"taxRate", &cand.TaxRate, ch.TaxRate},
		{"taxAmount", &cand.TaxAmount, ch.TaxAmount},
		{"discount", &cand.Discount, ch.Discount},
		{"shipping", &cand.Shipping, ch.Shipping},
		{"totalAmount", &cand.Total, ch.Total},
	} {
		if f.val == nil {
			continue
		}
		record(f.name, formatAmount(*f.dst), formatAmount(f.val))
		v := *f.val
		*f.dst = &v
	}

	if ch.LineItems != nil {
		record("lineItems", encodeItems(cand.LineItems), encodeItems(ch.LineItems))
		cand.LineItems = append([]entity.LineItem(nil), ch.LineItems...)
	}

	if len(edits) == 0 {
		return inv, nil
	}

	// Validation anomalies are recomputed; only those the extractor reported survive.
	cand.Anomalies = extractorAnomalies(inv)
	from := inv.Status
	applyEvaluation(inv, cand, c.validator, c.scorer)
	inv.Corrections = append(inv.Corrections, edits...)
	inv.UpdatedAt = at
	ok, err := c.repo.SaveIfStatus(ctx, inv, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.NewAppError("INVALID_TRANSITION",
			"invoice "+id+" changed status during correction", common.ErrInvalidTransition)
	}
	c.logger.Infow("corrections.applied",
		"invoice_id", id,
		"fields", len(edits),
		"corrected_by", correctedBy,
		"status", inv.Status,
		"confidence", inv.ConfidenceScore,
	)
	return inv, nil
}

// extractorAnomalies drops the anomalies the last validation added.
func extractorAnomalies(inv *entity.Invoice) []string {
	fromValidation := make(map[string]struct{}, len(inv.ValidationWarnings))
	for _, w := range inv.ValidationWarnings {
		fromValidation[w] = struct{}{}
	}
	out := make([]string, 0, len(inv.Anomalies))
	for _, a := range inv.Anomalies {
		if _, ok := fromValidation[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}

func formatAmount(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func encodeItems(items []entity.LineItem) string {
	if items == nil {
		items = []entity.LineItem{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}
