package pipeline

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/validation"
)

func strp(s string) *string { return &s }

func TestCorrector_FixesMismatchAndClearsReview(t *testing.T) {
	c := cleanCandidate()
	c.LineItems[0].Amount = 25
	c.Subtotal = entity.Float(25)
	c.TaxAmount = nil
	c.Total = entity.Float(25)
	h := newHarness(t, fixed(c))
	ctx := context.Background()

	inv, err := h.orch.Submit(ctx, Submission{Upload: upload("a.txt")})
	require.NoError(t, err)
	h.waitFor(t, inv.ID, constants.StatusReviewRequired)

	corr := NewCorrector(h.repo, validation.NewEngine(validation.WithClock(clock)), nil, nil)
	out, err := corr.Apply(ctx, inv.ID, Changes{
		LineItems:  []entity.LineItem{{Description: "Widget", Quantity: 2, UnitPrice: 10, Amount: 20}},
		Subtotal:   entity.Float(20),
		Total:      entity.Float(20),
		VendorName: strp("Acme Supplies"), // unchanged, not recorded
	}, "reviewer@acme.example")
	require.NoError(t, err)

	assert.Equal(t, constants.StatusCompleted, out.Status)
	assert.Empty(t, out.ValidationErrors)
	assert.False(t, out.RequiresReview)
	require.Len(t, out.Corrections, 3)
	fields := []string{out.Corrections[0].Field, out.Corrections[1].Field, out.Corrections[2].Field}
	assert.Equal(t, []string{"subtotal", "totalAmount", "lineItems"}, fields)
	assert.Equal(t, "25", out.Corrections[0].OriginalValue)
	assert.Equal(t, "20", out.Corrections[0].CorrectedValue)
	assert.Equal(t, "reviewer@acme.example", out.Corrections[0].CorrectedBy)

	stored, err := h.repo.Load(ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Corrections, 3)

	// a second edit appends rather than replaces
	out, err = corr.Apply(ctx, inv.ID, Changes{DueDate: strp("2025-05-01")}, "reviewer@acme.example")
	require.NoError(t, err)
	assert.Len(t, out.Corrections, 4)
	assert.Equal(t, constants.StatusReviewRequired, out.Status)
	assert.Equal(t, []string{"Due date is before invoice date"}, out.ValidationErrors)
}

func TestCorrector_RejectsUnfinishedInvoices(t *testing.T) {
	h := newHarness(t, fixed(cleanCandidate()))
	ctx := context.Background()
	require.NoError(t, h.repo.Create(ctx, &entity.Invoice{ID: "p", Status: constants.StatusPending}))

	corr := NewCorrector(h.repo, nil, nil, nil)
	_, err := corr.Apply(ctx, "p", Changes{VendorName: strp("x")}, "u")
	assert.True(t, errors.Is(err, common.ErrInvalidTransition))

	_, err = corr.Apply(ctx, "missing", Changes{}, "u")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestCorrector_NoChangesIsNoop(t *testing.T) {
	h := newHarness(t, fixed(cleanCandidate()))
	ctx := context.Background()
	inv, err := h.orch.Submit(ctx, Submission{Upload: upload("a.txt")})
	require.NoError(t, err)
	done := h.waitFor(t, inv.ID, constants.StatusCompleted)

	out, err := NewCorrector(h.repo, nil, nil, nil).Apply(ctx, inv.ID, Changes{InvoiceNumber: strp("INV-1001")}, "u")
	require.NoError(t, err)
	assert.Empty(t, out.Corrections)
	assert.Equal(t, done.UpdatedAt, out.UpdatedAt)
}
