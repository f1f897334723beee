package entity

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
)

// LineItem is one billed line of an invoice.
type LineItem struct {
	Description string   `json:"description"`
	Quantity    float64  `json:"quantity"`
	UnitPrice   float64  `json:"unitPrice"`
	Amount      float64  `json:"amount"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// Candidate is the structured output of extraction, prior to validation and scoring.
// Optional money fields are pointers so that "absent" and "zero" stay distinct.
type Candidate struct {
	VendorName      string     `json:"vendorName,omitempty"`
	VendorAddress   string     `json:"vendorAddress,omitempty"`
	VendorEmail     string     `json:"vendorEmail,omitempty"`
	VendorPhone     string     `json:"vendorPhone,omitempty"`
	VendorTaxID     string     `json:"vendorTaxId,omitempty"`
	CustomerName    string     `json:"customerName,omitempty"`
	CustomerAddress string     `json:"customerAddress,omitempty"`
	InvoiceNumber   string     `json:"invoiceNumber,omitempty"`
	PONumber        string     `json:"poNumber,omitempty"`
	InvoiceDate     string     `json:"invoiceDate,omitempty"`
	DueDate         string     `json:"dueDate,omitempty"`
	LineItems       []LineItem `json:"lineItems"`
	Subtotal        *float64   `json:"subtotal,omitempty"`
	TaxRate         *float64   `json:"taxRate,omitempty"`
	TaxAmount       *float64   `json:"taxAmount,omitempty"`
	Discount        *float64   `json:"discount,omitempty"`
	Shipping        *float64   `json:"shipping,omitempty"`
	Total           *float64   `json:"totalAmount,omitempty"`
	Currency        string     `json:"currency,omitempty"`
	PaymentTerms    string     `json:"paymentTerms,omitempty"`

	// ExtractorConfidence is the model's self-reported confidence, when given.
	ExtractorConfidence *float64 `json:"extractorConfidence,omitempty"`
	Anomalies           []string `json:"anomalies"`
}

// Correction is one human edit of a field after processing. Entries are append-only.
type Correction struct {
	Field          string    `json:"field"`
	OriginalValue  string    `json:"originalValue"`
	CorrectedValue string    `json:"correctedValue"`
	CorrectedBy    string    `json:"correctedBy"`
	CorrectedAt    time.Time `json:"correctedAt"`
}

// Invoice is the job record: identity, lifecycle status and the accumulated
// extraction and validation output of one document.
type Invoice struct {
	ID               string                  `json:"id"`
	OwnerID          string                  `json:"ownerId,omitempty"`
	Status           constants.InvoiceStatus `json:"status"`
	DocumentRef      string                  `json:"documentRef"`
	OriginalFilename string                  `json:"originalFilename,omitempty"`
	MimeType         string                  `json:"mimeType,omitempty"`

	Candidate

	ConfidenceScore    float64  `json:"confidenceScore"`
	ValidationErrors   []string `json:"validationErrors"`
	ValidationWarnings []string `json:"validationWarnings"`
	RequiresReview     bool     `json:"requiresReview"`

	ProcessingStartedAt   *time.Time `json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processingCompletedAt,omitempty"`
	ProcessingTimeMs      int64      `json:"processingTimeMs"`
	RetryCount            int        `json:"retryCount"`
	LastError             string     `json:"lastError,omitempty"`
	BatchID               string     `json:"batchId,omitempty"`
	WebhookURL            string     `json:"webhookUrl,omitempty"`
	WebhookSent           bool       `json:"webhookSent"`
	WebhookSentAt         *time.Time `json:"webhookSentAt,omitempty"`

	Corrections   []Correction    `json:"corrections"`
	RawExtraction json.RawMessage `json:"rawExtraction,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so that callers never share slices or pointers.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	out := *inv
	out.Candidate = inv.Candidate.Clone()
	out.ValidationErrors = cloneStrings(inv.ValidationErrors)
	out.ValidationWarnings = cloneStrings(inv.ValidationWarnings)
	out.ProcessingStartedAt = cloneTime(inv.ProcessingStartedAt)
	out.ProcessingCompletedAt = cloneTime(inv.ProcessingCompletedAt)
	out.WebhookSentAt = cloneTime(inv.WebhookSentAt)
	if inv.Corrections != nil {
		out.Corrections = make([]Correction, len(inv.Corrections))
		copy(out.Corrections, inv.Corrections)
	}
	if inv.RawExtraction != nil {
		out.RawExtraction = append(json.RawMessage(nil), inv.RawExtraction...)
	}
	return &out
}

// Clone returns a deep copy of the candidate.
func (c Candidate) Clone() Candidate {
	out := c
	if c.LineItems != nil {
		out.LineItems = make([]LineItem, len(c.LineItems))
		for i, it := range c.LineItems {
			it.Confidence = cloneFloat(it.Confidence)
			out.LineItems[i] = it
		}
	}
	out.Subtotal = cloneFloat(c.Subtotal)
	out.TaxRate = cloneFloat(c.TaxRate)
	out.TaxAmount = cloneFloat(c.TaxAmount)
	out.Discount = cloneFloat(c.Discount)
	out.Shipping = cloneFloat(c.Shipping)
	out.Total = cloneFloat(c.Total)
	out.ExtractorConfidence = cloneFloat(c.ExtractorConfidence)
	out.Anomalies = cloneStrings(c.Anomalies)
	return out
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
