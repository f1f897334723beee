// Package pipeline schedules invoice jobs through extraction, validation and
// scoring under a concurrency budget.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/confidence"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/llm"
	"github.com/joseph-ayodele/invoice-pipeline/internal/logging"
	"github.com/joseph-ayodele/invoice-pipeline/internal/notify"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
	"github.com/joseph-ayodele/invoice-pipeline/internal/validation"
)

const (
	DefaultMaxConcurrent  = 3
	DefaultRetryAttempts  = 3
	DefaultRetryBaseDelay = time.Second
	DefaultSaveAttempts   = 3
	DefaultSaveDelay      = 200 * time.Millisecond

	subscriberBuffer = 64
)

// DocumentStore owns document bytes. Save stores an upload for an invoice id
// and returns an opaque reference; Load turns that reference back into the
// payload handed to extraction.
type DocumentStore interface {
	Save(ctx context.Context, invoiceID string, up entity.Upload) (string, error)
	Load(ctx context.Context, ref string) (entity.Document, error)
}

// Notifier delivers webhook events. Delivery never fails the caller.
type Notifier interface {
	Notify(ctx context.Context, url string, event entity.WebhookEvent) notify.Result
}

// Orchestrator owns the FIFO queue of pending job ids and the in-flight
// counter. Admission and the counter are guarded by mu so a job is never
// admitted past maxConcurrent.
type Orchestrator struct {
	repo      repository.InvoiceRepository
	docs      DocumentStore
	extractor llm.FieldExtractor
	notifier  Notifier
	validator *validation.Engine
	scorer    *confidence.Scorer
	logger    *zap.SugaredLogger

	maxConcurrent int
	attempts      int
	baseDelay     time.Duration
	timeout       time.Duration
	limiter       *rate.Limiter
	now           func() time.Time
	saveAttempts  int
	saveDelay     time.Duration

	mu       sync.Mutex
	queue    []string
	queued   map[string]struct{}
	inFlight int
	closed   bool
	// stranded holds ids requeued after a failed write; their stored status
	// may still read processing.
	stranded map[string]struct{}

	wg     sync.WaitGroup
	ctx    context.Context // cancelled by Shutdown; aborts backoff and rate waits
	cancel context.CancelFunc

	subsMu  sync.Mutex
	subs    map[int]chan entity.JobEvent
	nextSub int

	batchNotified sync.Map
}

type Option func(*Orchestrator)

func WithMaxConcurrent(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithRetry sets the extraction attempt budget and the linear backoff unit:
// the wait after failed attempt k is k*baseDelay.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.attempts = attempts
		}
		if baseDelay >= 0 {
			o.baseDelay = baseDelay
		}
	}
}

// WithSaveRetry sets how often a status write is attempted before the job is
// handed back to the queue, and the linear wait between attempts.
func WithSaveRetry(attempts int, delay time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.saveAttempts = attempts
		}
		if delay > 0 {
			o.saveDelay = delay
		}
	}
}

// WithProcessTimeout bounds each extraction attempt.
func WithProcessTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRateLimit caps extraction calls per minute across all jobs.
func WithRateLimit(perMinute int) Option {
	return func(o *Orchestrator) {
		if perMinute > 0 {
			o.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
		}
	}
}

func WithValidator(v *validation.Engine) Option {
	return func(o *Orchestrator) {
		if v != nil {
			o.validator = v
		}
	}
}

func WithScorer(s *confidence.Scorer) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.scorer = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds an orchestrator. notifier may be nil when no webhooks are sent.
func New(
	repo repository.InvoiceRepository,
	docs DocumentStore,
	extractor llm.FieldExtractor,
	notifier Notifier,
	logger *zap.SugaredLogger,
	opts ...Option,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		repo:          repo,
		docs:          docs,
		extractor:     extractor,
		notifier:      notifier,
		scorer:        confidence.NewScorer(),
		logger:        logging.OrNop(logger),
		maxConcurrent: DefaultMaxConcurrent,
		attempts:      DefaultRetryAttempts,
		baseDelay:     DefaultRetryBaseDelay,
		now:           time.Now,
		saveAttempts:  DefaultSaveAttempts,
		saveDelay:     DefaultSaveDelay,
		queued:        make(map[string]struct{}),
		stranded:      make(map[string]struct{}),
		ctx:           ctx,
		cancel:        cancel,
		subs:          make(map[int]chan entity.JobEvent),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.validator == nil {
		o.validator = validation.NewEngine(validation.WithClock(o.now))
	}
	return o
}

// Start recovers from an unclean stop: jobs left processing go back to
// pending, then every pending job is enqueued oldest first.
func (o *Orchestrator) Start(ctx context.Context) error {
	orphaned, err := o.repo.ListByStatus(ctx, constants.StatusProcessing)
	if err != nil {
		return common.WrapError(err, "list orphaned jobs")
	}
	for _, inv := range orphaned {
		inv.Status = constants.StatusPending
		inv.ProcessingStartedAt = nil
		inv.UpdatedAt = o.now().UTC()
		if err := o.repo.Save(ctx, inv); err != nil {
			return common.WrapError(err, "reset orphaned job")
		}
		o.logger.Warnw("orchestrator.recover.reset", "invoice_id", inv.ID)
	}

	pending, err := o.repo.ListByStatus(ctx, constants.StatusPending)
	if err != nil {
		return common.WrapError(err, "list pending jobs")
	}
	for _, inv := range pending {
		if err := o.Enqueue(inv.ID); err != nil {
			return err
		}
	}
	o.logger.Infow("orchestrator.started",
		"recovered", len(orphaned),
		"queued", len(pending),
		"max_concurrent", o.maxConcurrent,
		"retry_attempts", o.attempts,
	)
	return nil
}

func (o *Orchestrator) accepting() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errClosed()
	}
	return nil
}

func errClosed() error {
	return common.NewAppError("UNAVAILABLE", "orchestrator is shutting down", common.ErrShuttingDown)
}

// Enqueue appends id to the queue and admits jobs while capacity allows.
// An id already waiting in the queue is not added twice.
func (o *Orchestrator) Enqueue(id string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.logger.Warnw("orchestrator.enqueue.rejected", "invoice_id", id, "reason", "shutting down")
		return errClosed()
	}
	if _, dup := o.queued[id]; !dup {
		o.queue = append(o.queue, id)
		o.queued[id] = struct{}{}
	}
	o.mu.Unlock()

	o.drain()
	return nil
}

// drain admits jobs from the queue head until the in-flight budget is spent.
// The check and the increment happen under one lock.
func (o *Orchestrator) drain() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for !o.closed && o.inFlight < o.maxConcurrent && len(o.queue) > 0 {
		id := o.queue[0]
		o.queue = o.queue[1:]
		delete(o.queued, id)
		o.inFlight++
		o.wg.Add(1)
		o.logger.Debugw("orchestrator.job.admitted", "invoice_id", id, "in_flight", o.inFlight)
		go o.run(id)
	}
}

// run processes one admitted job. The permit is released as soon as the
// terminal status is persisted; notification happens outside the budget.
func (o *Orchestrator) run(id string) {
	defer o.wg.Done()

	inv := func() *entity.Invoice {
		defer o.release()
		return o.process(id)
	}()
	if inv != nil {
		o.afterTerminal(inv)
	}
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.inFlight--
	o.mu.Unlock()
	o.drain()
}

// requeueAfter puts id back on the queue once d has passed, unless Shutdown
// comes first; the next Start then finds the job in the store.
func (o *Orchestrator) requeueAfter(id string, d time.Duration) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.stranded[id] = struct{}{}
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Warnw("orchestrator.job.requeue", "invoice_id", id, "delay_ms", d.Milliseconds())
	go func() {
		defer o.wg.Done()
		if !o.sleep(d) {
			return
		}
		_ = o.Enqueue(id)
	}()
}

// takeStranded reports whether id was requeued after a failed write and
// clears the mark.
func (o *Orchestrator) takeStranded(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.stranded[id]
	delete(o.stranded, id)
	return ok
}

// QueueStatus returns a snapshot of the admission state.
func (o *Orchestrator) QueueStatus() entity.QueueStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return entity.QueueStatus{Queued: len(o.queue), InFlight: o.inFlight, MaxConcurrent: o.maxConcurrent}
}

// Subscribe returns a channel of job status changes and a function that
// cancels the subscription. Slow subscribers miss events rather than stall jobs.
func (o *Orchestrator) Subscribe() (<-chan entity.JobEvent, func()) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	id := o.nextSub
	o.nextSub++
	ch := make(chan entity.JobEvent, subscriberBuffer)
	o.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subsMu.Lock()
			defer o.subsMu.Unlock()
			if c, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(c)
			}
		})
	}
}

func (o *Orchestrator) publish(inv *entity.Invoice) {
	ev := entity.JobEvent{
		InvoiceID: inv.ID,
		BatchID:   inv.BatchID,
		Status:    inv.Status,
		Error:     inv.LastError,
		At:        o.now().UTC(),
	}
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Shutdown stops admission, cancels backoff waits and waits for in-flight jobs
// or ctx. Jobs still queued stay pending and are picked up by the next Start.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	left := len(o.queue)
	o.queue = nil
	o.queued = make(map[string]struct{})
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() { defer close(done); o.wg.Wait() }()

	select {
	case <-ctx.Done():
		o.logger.Warnw("orchestrator.shutdown.interrupted", "queued_left", left)
	case <-done:
		o.logger.Infow("orchestrator.shutdown.ok", "queued_left", left)
	}

	o.subsMu.Lock()
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
	o.subsMu.Unlock()
}
