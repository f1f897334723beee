// Package app wires configuration into a running pipeline: database,
// document store, extractor, orchestrator and the services around it.
package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/confidence"
	"github.com/joseph-ayodele/invoice-pipeline/internal/export"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ingest"
	"github.com/joseph-ayodele/invoice-pipeline/internal/llm"
	"github.com/joseph-ayodele/invoice-pipeline/internal/llm/openai"
	"github.com/joseph-ayodele/invoice-pipeline/internal/logging"
	"github.com/joseph-ayodele/invoice-pipeline/internal/notify"
	"github.com/joseph-ayodele/invoice-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
	"github.com/joseph-ayodele/invoice-pipeline/internal/validation"
)

// App is a fully wired pipeline. DB is nil for the memory driver.
type App struct {
	Config    *common.Config
	DB        *repository.DB
	Repo      repository.InvoiceRepository
	Docs      *ingest.FileStore
	Notifier  *notify.Dispatcher
	Orch      *pipeline.Orchestrator
	Corrector *pipeline.Corrector
	Exporter  *export.Service
	Validator *validation.Engine
	Scorer    *confidence.Scorer

	logger *zap.SugaredLogger
}

// Build opens storage, applies migrations and constructs every component.
// The orchestrator is not started.
func Build(ctx context.Context, cfg *common.Config, logger *zap.SugaredLogger) (*App, error) {
	logger = logging.OrNop(logger)
	a := &App{Config: cfg, logger: logger}

	if cfg.Database.Driver == "memory" {
		a.Repo = repository.NewMemoryInvoiceRepository()
		logger.Infow("db.memory")
	} else {
		db, err := repository.Open(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, logger); err != nil {
			db.Close(logger)
			return nil, err
		}
		a.DB = db
		a.Repo = repository.NewInvoiceRepository(db, logger)
	}

	docs, err := ingest.NewFileStore(cfg.Server.UploadDir, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Docs = docs

	a.Validator = validation.NewEngine()
	a.Scorer = confidence.NewScorer()
	a.Notifier = notify.NewDispatcher(cfg.Webhook.Secret, logger, notify.WithTimeout(cfg.Webhook.Timeout))
	a.Orch = pipeline.New(a.Repo, a.Docs, NewExtractor(cfg.LLM, logger), a.Notifier, logger,
		pipeline.WithMaxConcurrent(cfg.Pipeline.MaxConcurrent),
		pipeline.WithRetry(cfg.Pipeline.RetryAttempts, cfg.Pipeline.RetryBaseDelay),
		pipeline.WithProcessTimeout(cfg.Pipeline.ProcessTimeout),
		pipeline.WithRateLimit(cfg.Pipeline.RatePerMinute),
		pipeline.WithValidator(a.Validator),
		pipeline.WithScorer(a.Scorer),
	)
	a.Corrector = pipeline.NewCorrector(a.Repo, a.Validator, a.Scorer, logger)
	a.Exporter = export.NewService(a.Repo, logger)
	return a, nil
}

// NewExtractor builds the OpenAI client, wrapped with the synthetic fallback
// when enabled.
func NewExtractor(cfg common.LLMConfig, logger *zap.SugaredLogger) llm.FieldExtractor {
	client := openai.NewClient(openai.Config{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
		Lenient:     cfg.Lenient,
	}, logger)
	if !cfg.SyntheticFallback {
		return client
	}
	if cfg.APIKey == "" {
		logging.OrNop(logger).Warnw("extract.no_api_key", "fallback", "synthetic")
	}
	return llm.NewFallbackExtractor(client, llm.NewSyntheticExtractor(), logger)
}

// Close releases the database handle.
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close(a.logger)
		a.DB = nil
	}
}
