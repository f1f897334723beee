package llm

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

func failing(kind ErrorKind) ExtractorFunc {
	return func(context.Context, ExtractRequest) (entity.Candidate, []byte, error) {
		return entity.Candidate{}, nil, NewExtractionError(kind, "boom", nil)
	}
}

func TestFallbackExtractor_AuthFailureUsesSynthetic(t *testing.T) {
	f := NewFallbackExtractor(failing(KindAuthFailure), nil, nil)
	c, _, err := f.ExtractFields(context.Background(), ExtractRequest{
		Document: entity.Document{Kind: constants.KindText, Content: "invoice"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, c.VendorName)
	assert.NotEmpty(t, c.LineItems)
}

func TestFallbackExtractor_OtherKindsPropagate(t *testing.T) {
	for _, kind := range []ErrorKind{KindRateLimited, KindTransient, KindMalformed} {
		f := NewFallbackExtractor(failing(kind), nil, nil)
		_, _, err := f.ExtractFields(context.Background(), ExtractRequest{})
		require.Error(t, err)
		got, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, kind, got)
	}
}

func TestFallbackExtractor_PrimarySuccess(t *testing.T) {
	primary := ExtractorFunc(func(context.Context, ExtractRequest) (entity.Candidate, []byte, error) {
		return entity.Candidate{VendorName: "Real Vendor"}, []byte(`{}`), nil
	})
	c, raw, err := NewFallbackExtractor(primary, nil, nil).ExtractFields(context.Background(), ExtractRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Real Vendor", c.VendorName)
	assert.Equal(t, []byte(`{}`), raw)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewExtractionError(KindTransient, "x", nil)))
	assert.True(t, IsRetryable(NewExtractionError(KindRateLimited, "x", nil)))
	assert.False(t, IsRetryable(NewExtractionError(KindMalformed, "x", nil)))
	assert.True(t, IsRetryable(errors.Wrap(NewExtractionError(KindTransient, "x", nil), "attempt 1")))
	assert.True(t, IsRetryable(errors.New("unclassified")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(nil))
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, KindAuthFailure, ClassifyStatus(401))
	assert.Equal(t, KindAuthFailure, ClassifyStatus(403))
	assert.Equal(t, KindRateLimited, ClassifyStatus(429))
	assert.Equal(t, KindTransient, ClassifyStatus(503))
}

func TestParseMoney(t *testing.T) {
	tests := map[string]string{
		"1,234.50":   "1234.5",
		"$ 99":       "99",
		"USD -20":    "-20",
		"(12.00)":    "-12",
		"1.234,56":   "1234.56",
		"€12,5":      "12.5",
		"1,000,000":  "1000000",
		"  42.10  ":  "42.1",
	}
	for in, want := range tests {
		got, err := ParseMoney(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.String(), in)
	}
	_, err := ParseMoney("n/a")
	assert.Error(t, err)
}
