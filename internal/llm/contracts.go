package llm

import (
	"context"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

type ExtractRequest struct {
	Document        entity.Document
	FilenameHint    string
	DefaultCurrency string
}

// FieldExtractor is the interface our pipeline depends on. Errors are
// *ExtractionError values; raw is the model output when one was received.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, req ExtractRequest) (entity.Candidate, []byte /*rawJSON*/, error)
}

// ExtractorFunc adapts a function to FieldExtractor.
type ExtractorFunc func(ctx context.Context, req ExtractRequest) (entity.Candidate, []byte, error)

func (f ExtractorFunc) ExtractFields(ctx context.Context, req ExtractRequest) (entity.Candidate, []byte, error) {
	return f(ctx, req)
}
