package pipeline

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/confidence"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/llm"
	"github.com/joseph-ayodele/invoice-pipeline/internal/validation"
)

var errShutdown = errors.New("retry aborted by shutdown")

// process runs one attempt for id: extraction with retry, then validation and
// scoring. It returns the record in its terminal state, or nil when the job
// was skipped or handed back to the queue.
func (o *Orchestrator) process(id string) *entity.Invoice {
	// Persistence and extraction are not cancelled by shutdown; only waits are.
	ctx := context.Background()

	resumed := o.takeStranded(id)
	inv, err := o.repo.Load(ctx, id)
	if err != nil {
		o.logger.Errorw("orchestrator.job.load.error", "invoice_id", id, "err", err)
		o.requeueAfter(id, o.requeueDelay())
		return nil
	}
	if inv == nil {
		o.logger.Warnw("orchestrator.job.missing", "invoice_id", id)
		return nil
	}
	// A stranded job may still read processing from an attempt whose final
	// write was lost; it restarts like an orphan.
	restart := resumed && inv.Status == constants.StatusProcessing
	if !restart && !constants.CanTransition(inv.Status, constants.StatusProcessing) {
		o.logger.Warnw("orchestrator.job.skip", "invoice_id", id, "status", inv.Status)
		return nil
	}

	start := o.now().UTC()
	inv.Status = constants.StatusProcessing
	inv.ProcessingStartedAt = &start
	inv.ProcessingCompletedAt = nil
	inv.LastError = ""
	inv.UpdatedAt = start
	if err := o.save(ctx, inv); err != nil {
		o.logger.Errorw("orchestrator.job.save.error", "invoice_id", id, "status", inv.Status, "err", err)
		o.requeueAfter(id, o.requeueDelay())
		return nil
	}
	o.publish(inv)
	o.logger.Infow("orchestrator.job.processing", "invoice_id", id, "batch_id", inv.BatchID, "retry_count", inv.RetryCount)

	doc, err := o.docs.Load(ctx, inv.DocumentRef)
	if err != nil {
		return o.fail(ctx, inv, common.WrapError(err, "load document"), start)
	}

	cand, raw, err := o.extract(ctx, inv, doc)
	if errors.Is(err, errShutdown) {
		o.requeueLater(ctx, inv)
		return nil
	}
	if err != nil {
		return o.fail(ctx, inv, err, start)
	}

	if err := o.evaluate(inv, cand, raw); err != nil {
		return o.fail(ctx, inv, err, start)
	}
	o.finish(inv, start)
	if err := o.save(ctx, inv); err != nil {
		o.logger.Errorw("orchestrator.job.save.error", "invoice_id", id, "status", inv.Status, "err", err)
		return o.fail(ctx, inv, common.WrapError(err, "persist result"), start)
	}
	o.publish(inv)
	o.logger.Infow("orchestrator.job.done",
		"invoice_id", id,
		"status", inv.Status,
		"confidence", inv.ConfidenceScore,
		"errors", len(inv.ValidationErrors),
		"warnings", len(inv.ValidationWarnings),
		"elapsed_ms", inv.ProcessingTimeMs,
	)
	return inv
}

// extract calls the extractor up to o.attempts times. Malformed output ends
// the loop at once; other failures wait attempt*baseDelay before the next try.
func (o *Orchestrator) extract(ctx context.Context, inv *entity.Invoice, doc entity.Document) (entity.Candidate, []byte, error) {
	req := llm.ExtractRequest{
		Document:        doc,
		FilenameHint:    inv.OriginalFilename,
		DefaultCurrency: string(constants.DefaultCurrency),
	}

	var lastErr error
	for attempt := 1; attempt <= o.attempts; attempt++ {
		if o.limiter != nil {
			if err := o.limiter.Wait(o.ctx); err != nil {
				return entity.Candidate{}, nil, errShutdown
			}
		}

		attemptCtx, cancel := common.WithTimeout(ctx, o.timeout)
		cand, raw, err := o.extractor.ExtractFields(attemptCtx, req)
		cancel()
		if err == nil {
			return cand, raw, nil
		}
		lastErr = err

		kind, _ := llm.KindOf(err)
		o.logger.Warnw("orchestrator.extract.failed",
			"invoice_id", inv.ID,
			"attempt", attempt,
			"max_attempts", o.attempts,
			"kind", kind,
			"err", err,
		)
		if !llm.IsRetryable(err) || attempt == o.attempts {
			break
		}

		delay := time.Duration(attempt) * o.baseDelay
		o.logger.Infow("orchestrator.job.retry", "invoice_id", inv.ID, "attempt", attempt+1, "delay_ms", delay.Milliseconds())
		if !o.sleep(delay) {
			return entity.Candidate{}, nil, errShutdown
		}
	}
	return entity.Candidate{}, nil, lastErr
}

// sleep waits d unless Shutdown is called first.
func (o *Orchestrator) sleep(d time.Duration) bool {
	if d <= 0 {
		return o.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-o.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// evaluate validates and scores cand into inv. A panic in either stage is
// reported as an error so the job fails instead of the process.
func (o *Orchestrator) evaluate(inv *entity.Invoice, cand entity.Candidate, raw []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("validation panicked: %v", r)
		}
	}()
	applyEvaluation(inv, cand, o.validator, o.scorer)
	if len(raw) > 0 {
		inv.RawExtraction = append([]byte(nil), raw...)
	}
	return nil
}

// applyEvaluation merges cand with its validation result and score and sets
// the review decision. Extractor anomalies and validation anomalies are kept
// together without duplicates.
func applyEvaluation(inv *entity.Invoice, cand entity.Candidate, v *validation.Engine, s *confidence.Scorer) {
	res := v.Validate(cand)

	inv.Candidate = cand.Clone()
	inv.Anomalies = mergeUnique(cand.Anomalies, res.Anomalies)
	inv.ValidationErrors = res.Errors
	inv.ValidationWarnings = res.Warnings
	inv.RequiresReview = res.RequiresReview
	inv.ConfidenceScore = s.Score(cand, res)
	if res.RequiresReview {
		inv.Status = constants.StatusReviewRequired
	} else {
		inv.Status = constants.StatusCompleted
	}
}

func (o *Orchestrator) finish(inv *entity.Invoice, start time.Time) {
	done := o.now().UTC()
	inv.ProcessingCompletedAt = &done
	inv.ProcessingTimeMs = done.Sub(start).Milliseconds()
	inv.UpdatedAt = done
}

// fail records err as the job's terminal failure.
func (o *Orchestrator) fail(ctx context.Context, inv *entity.Invoice, err error, start time.Time) *entity.Invoice {
	inv.Status = constants.StatusFailed
	inv.LastError = err.Error()
	inv.RetryCount++
	o.finish(inv, start)
	if saveErr := o.save(ctx, inv); saveErr != nil {
		o.logger.Errorw("orchestrator.job.save.error", "invoice_id", inv.ID, "status", inv.Status, "err", saveErr)
		o.requeueAfter(inv.ID, o.requeueDelay())
		return nil
	}
	o.publish(inv)
	o.logger.Errorw("orchestrator.job.failed",
		"invoice_id", inv.ID,
		"retry_count", inv.RetryCount,
		"elapsed_ms", inv.ProcessingTimeMs,
		"err", err,
	)
	return inv
}

// save writes inv, trying up to saveAttempts times with a linear wait. The
// waits end early on shutdown.
func (o *Orchestrator) save(ctx context.Context, inv *entity.Invoice) error {
	var err error
	for attempt := 1; attempt <= o.saveAttempts; attempt++ {
		if err = o.repo.Save(ctx, inv); err == nil {
			return nil
		}
		o.logger.Warnw("orchestrator.job.save.retry",
			"invoice_id", inv.ID,
			"status", inv.Status,
			"attempt", attempt,
			"max_attempts", o.saveAttempts,
			"err", err,
		)
		if attempt < o.saveAttempts && !o.sleep(time.Duration(attempt)*o.saveDelay) {
			break
		}
	}
	return err
}

func (o *Orchestrator) requeueDelay() time.Duration {
	return time.Duration(o.saveAttempts) * o.saveDelay
}

// requeueLater hands a job interrupted by shutdown back to pending so the next
// Start picks it up.
func (o *Orchestrator) requeueLater(ctx context.Context, inv *entity.Invoice) {
	inv.Status = constants.StatusPending
	inv.ProcessingStartedAt = nil
	inv.UpdatedAt = o.now().UTC()
	if err := o.repo.Save(ctx, inv); err != nil {
		o.logger.Errorw("orchestrator.job.save.error", "invoice_id", inv.ID, "status", inv.Status, "err", err)
		return
	}
	o.publish(inv)
	o.logger.Infow("orchestrator.job.deferred", "invoice_id", inv.ID)
}

func mergeUnique(lists ...[]string) []string {
	out := make([]string, 0)
	seen := make(map[string]struct{})
	for _, l := range lists {
		for _, s := range l {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
