package server

import (
	"encoding/base64"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// inlineDocument is the JSON alternative to a multipart upload.
type inlineDocument struct {
	Filename   string `json:"filename" validate:"required,max=255"`
	MimeType   string `json:"mimeType" validate:"omitempty,max=100"`
	Content    string `json:"content" validate:"required"`
	Encoding   string `json:"encoding" validate:"omitempty,oneof=base64 text"`
	WebhookURL string `json:"webhookUrl" validate:"omitempty,http_url"`
}

type listResponse struct {
	Invoices []*entity.Invoice `json:"invoices"`
	Total    int               `json:"total"`
	Limit    uint64            `json:"limit"`
	Offset   uint64            `json:"offset"`
}

type batchResponse struct {
	BatchID  string            `json:"batchId"`
	Invoices []*entity.Invoice `json:"invoices"`
}

func (s *Server) submitInvoice(c *gin.Context) {
	ctx := c.Request.Context()
	sub := pipeline.Submission{OwnerID: common.OwnerIDFromContext(ctx)}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			s.renderError(c, formError(err, "file"))
			return
		}
		up, err := readPart(fh)
		if err != nil {
			s.renderError(c, err)
			return
		}
		sub.Upload = up
		sub.WebhookURL = strings.TrimSpace(c.PostForm("webhookUrl"))
		if err := checkWebhookURL(sub.WebhookURL); err != nil {
			s.renderError(c, err)
			return
		}
	} else {
		var doc inlineDocument
		if err := c.ShouldBindJSON(&doc); err != nil {
			s.renderError(c, bindError(err))
			return
		}
		if err := common.ValidateStruct(doc); err != nil {
			s.renderError(c, err)
			return
		}
		up, err := doc.upload()
		if err != nil {
			s.renderError(c, err)
			return
		}
		sub.Upload = up
		sub.WebhookURL = doc.WebhookURL
	}

	inv, err := s.Pipeline.Submit(ctx, sub)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, inv)
}

func (d inlineDocument) upload() (entity.Upload, error) {
	up := entity.Upload{Filename: d.Filename, MimeType: d.MimeType}
	encoding := d.Encoding
	if encoding == "" {
		encoding = "base64"
		if kind, ok := constants.KindForExt(filepath.Ext(d.Filename)); ok && kind == constants.KindText {
			encoding = "text"
		}
	}
	if encoding == "text" {
		up.Data = []byte(d.Content)
		return up, nil
	}
	data, err := base64.StdEncoding.DecodeString(d.Content)
	if err != nil {
		return up, common.InvalidInputf("content is not valid base64")
	}
	up.Data = data
	return up, nil
}

func (s *Server) submitBatch(c *gin.Context) {
	ctx := c.Request.Context()
	form, err := c.MultipartForm()
	if err != nil {
		s.renderError(c, formError(err, "files"))
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		s.renderError(c, common.InvalidInputf("at least one file is required in field \"files\""))
		return
	}
	uploads := make([]entity.Upload, 0, len(files))
	for _, fh := range files {
		up, err := readPart(fh)
		if err != nil {
			s.renderError(c, err)
			return
		}
		uploads = append(uploads, up)
	}
	webhookURL := strings.TrimSpace(c.PostForm("webhookUrl"))
	if err := checkWebhookURL(webhookURL); err != nil {
		s.renderError(c, err)
		return
	}

	batchID, invs, err := s.Pipeline.EnqueueBatch(ctx, uploads, common.OwnerIDFromContext(ctx), pipeline.BatchOptions{WebhookURL: webhookURL})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, batchResponse{BatchID: batchID, Invoices: invs})
}

func (s *Server) listInvoices(c *gin.Context) {
	f, err := listFilter(c)
	if err != nil {
		s.renderError(c, err)
		return
	}
	invs, total, err := s.Repo.List(c.Request.Context(), f)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if invs == nil {
		invs = []*entity.Invoice{}
	}
	c.JSON(http.StatusOK, listResponse{Invoices: invs, Total: total, Limit: f.Limit, Offset: f.Offset})
}

func (s *Server) getInvoice(c *gin.Context) {
	inv, err := s.load(c)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) correctInvoice(c *gin.Context) {
	if _, err := s.load(c); err != nil {
		s.renderError(c, err)
		return
	}
	var ch pipeline.Changes
	if err := c.ShouldBindJSON(&ch); err != nil {
		s.renderError(c, bindError(err))
		return
	}
	if err := common.ValidateStruct(ch); err != nil {
		s.renderError(c, err)
		return
	}
	if err := checkChanges(ch); err != nil {
		s.renderError(c, err)
		return
	}
	by := common.OwnerIDFromContext(c.Request.Context())
	if by == "" {
		by = "api"
	}
	inv, err := s.Corrector.Apply(c.Request.Context(), c.Param("id"), ch, by)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) deleteInvoice(c *gin.Context) {
	ctx := c.Request.Context()
	inv, err := s.load(c)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if inv.Status == constants.StatusProcessing {
		s.renderError(c, common.NewAppError("INVALID_TRANSITION", "invoice "+inv.ID+" is processing", common.ErrInvalidTransition))
		return
	}
	if err := s.Repo.Delete(ctx, inv.ID); err != nil {
		s.renderError(c, err)
		return
	}
	if s.Docs != nil && inv.DocumentRef != "" {
		if err := s.Docs.Remove(ctx, inv.DocumentRef); err != nil {
			s.logger.Warnw("http.invoice.delete.document", "invoice_id", inv.ID, "err", err)
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) retryInvoice(c *gin.Context) {
	if _, err := s.load(c); err != nil {
		s.renderError(c, err)
		return
	}
	inv, err := s.Pipeline.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, inv)
}

func (s *Server) batchStatus(c *gin.Context) {
	st, err := s.Pipeline.BatchStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	if st.Total == 0 {
		s.renderError(c, common.NotFoundf("batch %s not found", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) queueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Pipeline.QueueStatus())
}

// load fetches :id, hiding invoices that belong to another owner.
func (s *Server) load(c *gin.Context) (*entity.Invoice, error) {
	id := c.Param("id")
	inv, err := s.Repo.Load(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	owner := common.OwnerIDFromContext(c.Request.Context())
	if inv == nil || (owner != "" && inv.OwnerID != "" && inv.OwnerID != owner) {
		return nil, common.NotFoundf("invoice %s not found", id)
	}
	return inv, nil
}

// listFilter reads status, batchId, requiresReview, limit and offset. The
// owner header always scopes the listing.
func listFilter(c *gin.Context) (repository.ListFilter, error) {
	f := repository.ListFilter{
		BatchID: strings.TrimSpace(c.Query("batchId")),
		OwnerID: common.OwnerIDFromContext(c.Request.Context()),
		Limit:   defaultPageSize,
	}
	if err := common.NewValidator().Field("batchId", f.BatchID, common.UUID).Err(); err != nil {
		return f, err
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		st, ok := constants.ParseStatus(raw)
		if !ok {
			return f, common.InvalidInputf("unknown status %q", raw)
		}
		f.Status = st
	}
	if raw := strings.TrimSpace(c.Query("requiresReview")); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return f, common.InvalidInputf("requiresReview must be a boolean")
		}
		f.RequiresReview = &b
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || n == 0 {
			return f, common.InvalidInputf("limit must be a positive integer")
		}
		f.Limit = min(n, maxPageSize)
	}
	if raw := strings.TrimSpace(c.Query("offset")); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return f, common.InvalidInputf("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

func readPart(fh *multipart.FileHeader) (entity.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return entity.Upload{}, errors.Wrapf(err, "open part %s", fh.Filename)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return entity.Upload{}, errors.Wrapf(err, "read part %s", fh.Filename)
	}
	return entity.Upload{
		Filename: fh.Filename,
		MimeType: fh.Header.Get("Content-Type"),
		Data:     data,
	}, nil
}

func checkWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	return common.ValidateStruct(struct {
		WebhookURL string `json:"webhookUrl" validate:"http_url"`
	}{raw})
}

// formError keeps oversized bodies distinguishable from missing fields.
func formError(err error, field string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	if errors.Is(err, http.ErrMissingFile) {
		return common.InvalidInputf("multipart field %q is required", field)
	}
	return common.InvalidInputf("invalid multipart form: %v", err)
}

func bindError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return common.InvalidInputf("invalid JSON body: %v", err)
}

// checkChanges rejects corrections that blank out identity fields or carry a
// malformed email or currency.
func checkChanges(ch pipeline.Changes) error {
	v := common.NewValidator()
	if ch.VendorName != nil {
		v.Field("vendorName", *ch.VendorName, common.Required)
	}
	if ch.InvoiceNumber != nil {
		v.Field("invoiceNumber", *ch.InvoiceNumber, common.Required)
	}
	if ch.VendorEmail != nil {
		v.Field("vendorEmail", *ch.VendorEmail, common.Email)
	}
	if ch.Currency != nil {
		v.Field("currency", strings.ToUpper(*ch.Currency), common.CurrencyCode)
	}
	return v.Err()
}
