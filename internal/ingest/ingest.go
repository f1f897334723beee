// Package ingest moves invoice documents from disk into the pipeline: it owns
// the upload store, walks directories and watches an inbox.
package ingest

import (
	"context"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// FileResult is the per-file ingest outcome.
type FileResult struct {
	Path         string
	InvoiceID    string
	Deduplicated bool
	HashHex      string
	FileExt      string
	SubmittedAt  time.Time
	Err          string
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned      uint32
	Matched      uint32
	Succeeded    uint32
	Deduplicated uint32
	Failed       uint32
}

// SubmitFunc hands an upload to the pipeline and returns the new invoice id.
type SubmitFunc func(ctx context.Context, up entity.Upload) (string, error)
