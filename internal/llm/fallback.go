package llm

import (
	"context"

	"go.uber.org/zap"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// FallbackExtractor calls primary and switches to the synthetic generator when
// primary reports an AuthFailure. Every other error propagates unchanged so the
// caller can retry it.
type FallbackExtractor struct {
	primary   FieldExtractor
	synthetic FieldExtractor
	logger    *zap.SugaredLogger
}

func NewFallbackExtractor(primary, synthetic FieldExtractor, logger *zap.SugaredLogger) *FallbackExtractor {
	if synthetic == nil {
		synthetic = NewSyntheticExtractor()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &FallbackExtractor{primary: primary, synthetic: synthetic, logger: logger}
}

func (f *FallbackExtractor) ExtractFields(ctx context.Context, req ExtractRequest) (entity.Candidate, []byte, error) {
	c, raw, err := f.primary.ExtractFields(ctx, req)
	if err == nil {
		return c, raw, nil
	}
	if kind, ok := KindOf(err); ok && kind == KindAuthFailure {
		f.logger.Warnw("extract.fallback.synthetic",
			"reason", err.Error(),
			"filename", req.FilenameHint,
		)
		return f.synthetic.ExtractFields(ctx, req)
	}
	return entity.Candidate{}, raw, err
}
