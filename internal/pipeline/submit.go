package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// Submission is one document to process.
type Submission struct {
	Upload     entity.Upload
	OwnerID    string
	BatchID    string
	WebhookURL string
}

// BatchOptions apply to every job of a batch.
type BatchOptions struct {
	WebhookURL string
}

// Submit stores the document, creates a pending job and enqueues it.
func (o *Orchestrator) Submit(ctx context.Context, s Submission) (*entity.Invoice, error) {
	if err := o.accepting(); err != nil {
		return nil, err
	}
	if err := checkUpload(s.Upload); err != nil {
		return nil, err
	}
	inv, err := o.create(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := o.Enqueue(inv.ID); err != nil {
		return nil, err
	}
	return inv, nil
}

// EnqueueBatch creates one job per upload under a fresh batch id, enqueueing
// each as soon as it exists. Every upload is checked before any job is
// created; if a later create fails, the jobs already created keep running.
func (o *Orchestrator) EnqueueBatch(ctx context.Context, uploads []entity.Upload, ownerID string, opts BatchOptions) (string, []*entity.Invoice, error) {
	if err := o.accepting(); err != nil {
		return "", nil, err
	}
	if len(uploads) == 0 {
		return "", nil, common.InvalidInputf("batch contains no documents")
	}
	for i, up := range uploads {
		if err := checkUpload(up); err != nil {
			return "", nil, errors.Wrapf(err, "document %d", i+1)
		}
	}

	batchID := uuid.NewString()
	created := make([]*entity.Invoice, 0, len(uploads))
	for _, up := range uploads {
		inv, err := o.create(ctx, Submission{Upload: up, OwnerID: ownerID, BatchID: batchID, WebhookURL: opts.WebhookURL})
		if err != nil {
			o.logger.Errorw("orchestrator.batch.partial", "batch_id", batchID, "created", len(created), "requested", len(uploads), "err", err)
			return batchID, created, err
		}
		created = append(created, inv)
		if err := o.Enqueue(inv.ID); err != nil {
			return batchID, created, err
		}
	}
	o.logger.Infow("orchestrator.batch.submitted", "batch_id", batchID, "count", len(created))
	return batchID, created, nil
}

func (o *Orchestrator) create(ctx context.Context, s Submission) (*entity.Invoice, error) {
	id := uuid.NewString()
	ref, err := o.docs.Save(ctx, id, s.Upload)
	if err != nil {
		return nil, common.WrapError(err, "store document")
	}

	now := o.now().UTC()
	mime := s.Upload.MimeType
	if mime == "" {
		mime = constants.MIMEForExt(filepath.Ext(s.Upload.Filename))
	}
	inv := &entity.Invoice{
		ID:               id,
		OwnerID:          s.OwnerID,
		Status:           constants.StatusPending,
		DocumentRef:      ref,
		OriginalFilename: s.Upload.Filename,
		MimeType:         mime,
		Candidate: entity.Candidate{
			LineItems: []entity.LineItem{},
			Anomalies: []string{},
		},
		ValidationErrors:   []string{},
		ValidationWarnings: []string{},
		Corrections:        []entity.Correction{},
		BatchID:            s.BatchID,
		WebhookURL:         s.WebhookURL,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := o.repo.Create(ctx, inv); err != nil {
		return nil, err
	}
	o.publish(inv)
	o.logger.Infow("orchestrator.job.created", "invoice_id", id, "batch_id", s.BatchID, "filename", s.Upload.Filename)
	return inv.Clone(), nil
}

func checkUpload(up entity.Upload) error {
	if len(up.Data) == 0 {
		return common.InvalidInputf("document %q is empty", up.Filename)
	}
	if _, ok := constants.KindForExt(filepath.Ext(up.Filename)); !ok {
		if _, ok := constants.KindForMIME(up.MimeType); !ok {
			return common.InvalidInputf("unsupported document type %q", up.Filename)
		}
	}
	return nil
}

// Retry resets a failed job to pending, counts the retry and re-enqueues it.
// Any other status is rejected with ErrInvalidTransition.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*entity.Invoice, error) {
	inv, err := o.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, common.NotFoundf("invoice %s not found", id)
	}
	if inv.Status != constants.StatusFailed || !constants.CanTransition(inv.Status, constants.StatusPending) {
		return nil, common.NewAppError("INVALID_TRANSITION",
			"only failed invoices can be retried, invoice "+id+" is "+string(inv.Status), common.ErrInvalidTransition)
	}

	from := inv.Status
	inv.Status = constants.StatusPending
	inv.RetryCount++
	inv.LastError = ""
	inv.ProcessingStartedAt = nil
	inv.ProcessingCompletedAt = nil
	inv.ProcessingTimeMs = 0
	inv.WebhookSent = false
	inv.WebhookSentAt = nil
	inv.UpdatedAt = o.now().UTC()
	ok, err := o.repo.SaveIfStatus(ctx, inv, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.NewAppError("INVALID_TRANSITION",
			"invoice "+id+" changed status during retry", common.ErrInvalidTransition)
	}
	if inv.BatchID != "" {
		o.batchNotified.Delete(inv.BatchID)
	}
	o.publish(inv)
	o.logger.Infow("orchestrator.job.manual_retry", "invoice_id", id, "retry_count", inv.RetryCount)

	if err := o.Enqueue(id); err != nil {
		return nil, err
	}
	return inv, nil
}

// BatchStatus aggregates the statuses of every job sharing batchID.
func (o *Orchestrator) BatchStatus(ctx context.Context, batchID string) (entity.BatchStatus, error) {
	invs, err := o.repo.FindByBatch(ctx, batchID)
	if err != nil {
		return entity.BatchStatus{}, err
	}
	if len(invs) == 0 {
		return entity.BatchStatus{}, common.NotFoundf("batch %s not found", batchID)
	}
	return aggregate(batchID, invs), nil
}

func aggregate(batchID string, invs []*entity.Invoice) entity.BatchStatus {
	st := entity.BatchStatus{BatchID: batchID, Total: len(invs)}
	for _, inv := range invs {
		switch inv.Status {
		case constants.StatusPending:
			st.Pending++
		case constants.StatusProcessing:
			st.Processing++
		case constants.StatusCompleted:
			st.Completed++
		case constants.StatusReviewRequired:
			st.ReviewRequired++
		case constants.StatusFailed:
			st.Failed++
		}
	}
	st.Done = st.Pending == 0 && st.Processing == 0
	return st
}

// afterTerminal publishes the outcome to the job's webhook and, when this job
// finished its batch, sends batch.completed once.
func (o *Orchestrator) afterTerminal(inv *entity.Invoice) {
	if inv.WebhookURL != "" && o.notifier != nil {
		o.notifyJob(inv)
	}
	if inv.BatchID != "" {
		o.maybeNotifyBatch(inv)
	}
}

func (o *Orchestrator) notifyJob(inv *entity.Invoice) {
	ctx := context.Background()
	ev := entity.WebhookEvent{
		Event:     entity.EventInvoiceProcessed,
		InvoiceID: inv.ID,
		Status:    string(inv.Status),
		Timestamp: o.now().UTC().Format(time.RFC3339Nano),
	}
	ms := inv.ProcessingTimeMs
	ev.ProcessingTimeMs = &ms
	if inv.Status == constants.StatusFailed {
		ev.Event = entity.EventInvoiceFailed
		ev.Error = inv.LastError
	} else {
		score := inv.ConfidenceScore
		ev.ConfidenceScore = &score
	}

	res := o.notifier.Notify(ctx, inv.WebhookURL, ev)
	if !res.Delivered {
		o.logger.Warnw("orchestrator.webhook.undelivered", "invoice_id", inv.ID, "status_code", res.StatusCode)
		return
	}

	// Reload so a concurrent manual retry is not overwritten.
	cur, err := o.repo.Load(ctx, inv.ID)
	if err != nil || cur == nil || cur.Status != inv.Status {
		return
	}
	sent := o.now().UTC()
	cur.WebhookSent = true
	cur.WebhookSentAt = &sent
	if err := o.repo.Save(ctx, cur); err != nil {
		o.logger.Errorw("orchestrator.webhook.mark.error", "invoice_id", inv.ID, "err", err)
	}
}

func (o *Orchestrator) maybeNotifyBatch(inv *entity.Invoice) {
	ctx := context.Background()
	st, err := o.BatchStatus(ctx, inv.BatchID)
	if err != nil || !st.Done {
		return
	}
	if _, already := o.batchNotified.LoadOrStore(inv.BatchID, struct{}{}); already {
		return
	}
	o.logger.Infow("orchestrator.batch.completed",
		"batch_id", inv.BatchID,
		"total", st.Total,
		"completed", st.Completed,
		"review_required", st.ReviewRequired,
		"failed", st.Failed,
	)
	if inv.WebhookURL == "" || o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, inv.WebhookURL, entity.WebhookEvent{
		Event:     entity.EventBatchCompleted,
		Status:    string(batchOutcome(st)),
		Timestamp: o.now().UTC().Format(time.RFC3339Nano),
	})
}

// batchOutcome summarises a finished batch: completed when every job
// completed, failed when any job failed, review_required otherwise.
func batchOutcome(st entity.BatchStatus) constants.InvoiceStatus {
	switch {
	case st.Failed > 0:
		return constants.StatusFailed
	case st.ReviewRequired > 0:
		return constants.StatusReviewRequired
	default:
		return constants.StatusCompleted
	}
}
