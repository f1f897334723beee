package app

import (
	"context"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ingest"
	"github.com/joseph-ayodele/invoice-pipeline/internal/pipeline"
)

// InboxDebounce coalesces the write bursts of a file being copied in.
const InboxDebounce = 500 * time.Millisecond

// Submitter adapts the orchestrator to the ingest package.
func (a *App) Submitter(ownerID, batchID, webhookURL string) ingest.SubmitFunc {
	return func(ctx context.Context, up entity.Upload) (string, error) {
		inv, err := a.Orch.Submit(ctx, pipeline.Submission{
			Upload:     up,
			OwnerID:    ownerID,
			BatchID:    batchID,
			WebhookURL: webhookURL,
		})
		if err != nil {
			return "", err
		}
		return inv.ID, nil
	}
}

// RunInbox submits every document already in dir and every document that
// lands there later, until ctx is done. Identical content is submitted once.
func (a *App) RunInbox(ctx context.Context, dir string) error {
	ing := ingest.NewDirectoryIngestor(a.Submitter("", "", ""), a.logger)
	paths, errs, err := ingest.Watch(ctx, ingest.WatchConfig{
		Roots:       []string{dir},
		InitialScan: true,
		Debounce:    InboxDebounce,
		SkipHidden:  true,
	}, a.logger)
	if err != nil {
		return err
	}

	for {
		select {
		case p, ok := <-paths:
			if !ok {
				return nil
			}
			res, err := ing.IngestPath(ctx, p)
			if err != nil {
				a.logger.Warnw("inbox.submit.error", "path", p, "err", err)
				continue
			}
			a.logger.Infow("inbox.submit", "path", p, "invoice_id", res.InvoiceID, "duplicate", res.Deduplicated)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			a.logger.Warnw("inbox.watch.error", "err", err)
		}
	}
}
