package constants

// InvoiceStatus is the lifecycle status of an invoice processing job.
type InvoiceStatus string

// Stable values (store these exact strings in DB).
const (
	StatusPending        InvoiceStatus = "pending"
	StatusProcessing     InvoiceStatus = "processing"
	StatusCompleted      InvoiceStatus = "completed"
	StatusReviewRequired InvoiceStatus = "review_required"
	StatusFailed         InvoiceStatus = "failed"
)

var allStatuses = []InvoiceStatus{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusReviewRequired,
	StatusFailed,
}

// legal transitions; failed -> pending is the manual retry path
var transitions = map[InvoiceStatus][]InvoiceStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusReviewRequired, StatusFailed},
	StatusFailed:     {StatusPending},
}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []InvoiceStatus {
	out := make([]InvoiceStatus, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus reports whether s is a known status.
func ParseStatus(s string) (InvoiceStatus, bool) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal is true for the states a processing attempt ends in.
func (s InvoiceStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusReviewRequired || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to InvoiceStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
