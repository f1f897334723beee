package entity

import (
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
)

// Webhook event names.
const (
	EventInvoiceProcessed = "invoice.processed"
	EventInvoiceFailed    = "invoice.failed"
	EventBatchCompleted   = "batch.completed"
	EventTest             = "test"
)

// WebhookEvent is the payload delivered to notification URLs. Its JSON shape
// is a contract with external consumers.
type WebhookEvent struct {
	Event            string   `json:"event"`
	InvoiceID        string   `json:"invoiceId,omitempty"`
	Status           string   `json:"status,omitempty"`
	ConfidenceScore  *float64 `json:"confidenceScore,omitempty"`
	ProcessingTimeMs *int64   `json:"processingTimeMs,omitempty"`
	Error            string   `json:"error,omitempty"`
	Timestamp        string   `json:"timestamp"`
}

// JobEvent is published to in-process subscribers on every status change.
type JobEvent struct {
	InvoiceID string                  `json:"invoiceId"`
	BatchID   string                  `json:"batchId,omitempty"`
	Status    constants.InvoiceStatus `json:"status"`
	Error     string                  `json:"error,omitempty"`
	At        time.Time               `json:"at"`
}

// BatchStatus is a read-only aggregation over all invoices sharing a batch id.
type BatchStatus struct {
	BatchID        string `json:"batchId"`
	Total          int    `json:"total"`
	Pending        int    `json:"pending"`
	Processing     int    `json:"processing"`
	Completed      int    `json:"completed"`
	ReviewRequired int    `json:"reviewRequired"`
	Failed         int    `json:"failed"`
	Done           bool   `json:"done"`
}

// QueueStatus is a snapshot of the orchestrator's admission state.
type QueueStatus struct {
	Queued        int `json:"queued"`
	InFlight      int `json:"inFlight"`
	MaxConcurrent int `json:"maxConcurrent"`
}
