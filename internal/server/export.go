package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/export"
)

type webhookTestRequest struct {
	URL string `json:"url" validate:"required,http_url"`
}

// exportInvoices streams invoices matching the list filters as an attachment.
// Pagination is ignored unless limit is given explicitly.
func (s *Server) exportInvoices(c *gin.Context) {
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	f, err := listFilter(c)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if strings.TrimSpace(c.Query("limit")) == "" {
		f.Limit = 0
	}
	out, err := s.Exporter.Export(c.Request.Context(), format, f)
	if err != nil {
		s.renderError(c, err)
		return
	}
	name := fmt.Sprintf("invoices-%s.%s", time.Now().UTC().Format("20060102-150405"), format)
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, format.ContentType(), out)
}

// testWebhook sends a signed test event to url and reports the outcome.
func (s *Server) testWebhook(c *gin.Context) {
	var req webhookTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, bindError(err))
		return
	}
	if err := common.ValidateStruct(req); err != nil {
		s.renderError(c, err)
		return
	}
	if s.Notifier == nil {
		s.renderError(c, common.NewAppError("UNAVAILABLE", "webhooks are not configured", common.ErrShuttingDown))
		return
	}
	res := s.Notifier.Notify(c.Request.Context(), req.URL, entity.WebhookEvent{
		Event:     entity.EventTest,
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	c.JSON(http.StatusOK, res)
}
