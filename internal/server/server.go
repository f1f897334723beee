// Package server exposes the invoice pipeline over HTTP (gin) and reports
// liveness over the gRPC health protocol.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/export"
	"github.com/joseph-ayodele/invoice-pipeline/internal/logging"
	"github.com/joseph-ayodele/invoice-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
)

// DefaultMaxUploadBytes caps a single request body.
const DefaultMaxUploadBytes = 20 << 20

// Pipeline is the part of the orchestrator the API drives.
type Pipeline interface {
	Submit(ctx context.Context, s pipeline.Submission) (*entity.Invoice, error)
	EnqueueBatch(ctx context.Context, uploads []entity.Upload, ownerID string, opts pipeline.BatchOptions) (string, []*entity.Invoice, error)
	Retry(ctx context.Context, id string) (*entity.Invoice, error)
	BatchStatus(ctx context.Context, batchID string) (entity.BatchStatus, error)
	QueueStatus() entity.QueueStatus
	Subscribe() (<-chan entity.JobEvent, func())
}

// Corrector applies human edits to finished invoices.
type Corrector interface {
	Apply(ctx context.Context, id string, ch pipeline.Changes, correctedBy string) (*entity.Invoice, error)
}

// DocumentRemover deletes a stored document by reference.
type DocumentRemover interface {
	Remove(ctx context.Context, ref string) error
}

// Pinger reports database reachability for /health.
type Pinger interface {
	HealthCheck(ctx context.Context, timeout time.Duration, logger *zap.SugaredLogger) error
}

// Deps are the collaborators behind the HTTP API. DB and Docs are optional.
type Deps struct {
	Pipeline  Pipeline
	Repo      repository.InvoiceRepository
	Corrector Corrector
	Exporter  *export.Service
	Notifier  pipeline.Notifier
	Docs      DocumentRemover
	DB        Pinger
}

// Server holds the HTTP handlers.
type Server struct {
	Deps
	maxUploadBytes int64
	logger         *zap.SugaredLogger
}

type Option func(*Server)

// WithMaxUploadBytes caps request bodies on upload routes.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

func New(deps Deps, logger *zap.SugaredLogger, opts ...Option) *Server {
	s := &Server{Deps: deps, maxUploadBytes: DefaultMaxUploadBytes, logger: logging.OrNop(logger)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.MaxMultipartMemory = s.maxUploadBytes
	r.Use(recovery(s.logger), requestID(), ownerID(), accessLog(s.logger))

	r.GET("/health", s.health)
	r.GET("/ws/events", s.events)

	api := r.Group("/api")
	api.POST("/invoices", s.limitBody, s.submitInvoice)
	api.POST("/invoices/batch", s.limitBody, s.submitBatch)
	api.GET("/invoices", s.listInvoices)
	api.GET("/invoices/:id", s.getInvoice)
	api.PATCH("/invoices/:id", s.correctInvoice)
	api.DELETE("/invoices/:id", s.deleteInvoice)
	api.POST("/invoices/:id/retry", s.retryInvoice)
	api.GET("/batches/:id", s.batchStatus)
	api.GET("/queue", s.queueStatus)
	api.GET("/export", s.exportInvoices)
	api.POST("/webhooks/test", s.testWebhook)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", "route not found"))
	})
	return r
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok", "queue": s.Pipeline.QueueStatus()}
	if s.DB != nil {
		if err := s.DB.HealthCheck(c.Request.Context(), 2*time.Second, s.logger); err != nil {
			body["status"] = "degraded"
			body["database"] = "unreachable"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "ok"
	}
	c.JSON(http.StatusOK, body)
}
