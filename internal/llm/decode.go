package llm

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// amount decodes a JSON number, a decimal string or null.
type amount struct {
	set bool
	val decimal.Decimal
}

func (a *amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*a = amount{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return errors.Wrapf(err, "invalid decimal %q", s)
		}
		*a = amount{set: true, val: d}
		return nil
	}
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return errors.Wrapf(err, "invalid number %s", b)
	}
	*a = amount{set: true, val: d}
	return nil
}

func (a amount) ptr() *float64 {
	if !a.set {
		return nil
	}
	f := a.val.InexactFloat64()
	return &f
}

func (a amount) float() float64 {
	if !a.set {
		return 0
	}
	return a.val.InexactFloat64()
}

type wireLineItem struct {
	Description string   `json:"description"`
	Quantity    amount   `json:"quantity"`
	UnitPrice   amount   `json:"unit_price"`
	Amount      amount   `json:"amount"`
	Confidence  *float64 `json:"confidence"`
}

// wireInvoice mirrors BuildInvoiceJSONSchema.
type wireInvoice struct {
	VendorName      *string        `json:"vendor_name"`
	VendorAddress   *string        `json:"vendor_address"`
	VendorEmail     *string        `json:"vendor_email"`
	VendorPhone     *string        `json:"vendor_phone"`
	VendorTaxID     *string        `json:"vendor_tax_id"`
	CustomerName    *string        `json:"customer_name"`
	CustomerAddress *string        `json:"customer_address"`
	InvoiceNumber   *string        `json:"invoice_number"`
	PONumber        *string        `json:"po_number"`
	InvoiceDate     *string        `json:"invoice_date"`
	DueDate         *string        `json:"due_date"`
	LineItems       []wireLineItem `json:"line_items"`
	Subtotal        amount         `json:"subtotal"`
	TaxRate         amount         `json:"tax_rate"`
	TaxAmount       amount         `json:"tax_amount"`
	Discount        amount         `json:"discount"`
	Shipping        amount         `json:"shipping"`
	TotalAmount     amount         `json:"total_amount"`
	Currency        *string        `json:"currency"`
	PaymentTerms    *string        `json:"payment_terms"`
	Confidence      *float64       `json:"confidence"`
	Anomalies       []string       `json:"anomalies"`
}

// DecodeCandidate turns model output into a candidate. Output that does not
// match the schema fails closed with a Malformed ExtractionError; in lenient
// mode one sanitize pass is attempted first. The returned bytes are the JSON
// that was actually decoded.
func DecodeCandidate(raw []byte, lenient bool, logger *zap.SugaredLogger) (entity.Candidate, []byte, error) {
	content := StripCodeFence(raw)
	if len(content) == 0 {
		return entity.Candidate{}, raw, NewExtractionError(KindMalformed, "empty model output", nil)
	}

	if err := ValidateInvoiceJSON(content); err != nil {
		if !lenient {
			return entity.Candidate{}, content, NewExtractionError(KindMalformed, "schema validation failed", err)
		}
		cleaned, changes, sErr := NormalizeAndSanitizeJSON(content, logger)
		if sErr != nil {
			return entity.Candidate{}, content, NewExtractionError(KindMalformed, "sanitize failed", sErr)
		}
		if vErr := ValidateInvoiceJSON(cleaned); vErr != nil {
			return entity.Candidate{}, cleaned, NewExtractionError(KindMalformed, "schema validation failed", vErr)
		}
		if logger != nil {
			logger.Warnw("extract.lenient_sanitize_applied", "changes", changes)
		}
		content = cleaned
	}

	var w wireInvoice
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return entity.Candidate{}, content, NewExtractionError(KindMalformed, "decode fields", err)
	}
	return w.toCandidate(), content, nil
}

func (w wireInvoice) toCandidate() entity.Candidate {
	c := entity.Candidate{
		VendorName:          str(w.VendorName),
		VendorAddress:       str(w.VendorAddress),
		VendorEmail:         str(w.VendorEmail),
		VendorPhone:         str(w.VendorPhone),
		VendorTaxID:         str(w.VendorTaxID),
		CustomerName:        str(w.CustomerName),
		CustomerAddress:     str(w.CustomerAddress),
		InvoiceNumber:       str(w.InvoiceNumber),
		PONumber:            str(w.PONumber),
		InvoiceDate:         str(w.InvoiceDate),
		DueDate:             str(w.DueDate),
		LineItems:           make([]entity.LineItem, 0, len(w.LineItems)),
		Subtotal:            w.Subtotal.ptr(),
		TaxRate:             w.TaxRate.ptr(),
		TaxAmount:           w.TaxAmount.ptr(),
		Discount:            w.Discount.ptr(),
		Shipping:            w.Shipping.ptr(),
		Total:               w.TotalAmount.ptr(),
		Currency:            strings.ToUpper(str(w.Currency)),
		PaymentTerms:        str(w.PaymentTerms),
		ExtractorConfidence: w.Confidence,
		Anomalies:           make([]string, 0, len(w.Anomalies)),
	}
	for _, it := range w.LineItems {
		c.LineItems = append(c.LineItems, entity.LineItem{
			Description: strings.TrimSpace(it.Description),
			Quantity:    it.Quantity.float(),
			UnitPrice:   it.UnitPrice.float(),
			Amount:      it.Amount.float(),
			Confidence:  it.Confidence,
		})
	}
	for _, a := range w.Anomalies {
		if a = strings.TrimSpace(a); a != "" {
			c.Anomalies = append(c.Anomalies, a)
		}
	}
	return c
}

// StripCodeFence removes a surrounding ```json fence some models emit despite instructions.
func StripCodeFence(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	return []byte(s)
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}
