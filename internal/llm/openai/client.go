package openai

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/llm"
)

// ExtractFields implements llm.FieldExtractor using chat/completions. Images are
// sent as image_url data URIs and PDFs as file parts; text documents go inline.
func (c *Client) ExtractFields(ctx context.Context, req llm.ExtractRequest) (entity.Candidate, []byte, error) {
	rid := uuid.New().String()
	start := time.Now()

	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return entity.Candidate{}, nil, llm.NewExtractionError(llm.KindAuthFailure, "missing API key", nil)
	}

	c.logger.Infow("extract.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"temp", c.cfg.Temperature,
		"kind", req.Document.Kind,
		"content_len", len(req.Document.Content),
		"filename", req.FilenameHint,
	)

	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": llm.BuildSystemPrompt(req)},
			{"role": "system", "content": llm.SchemaPrompt()},
			{"role": "user", "content": userContent(req)},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	raw, status, err := llm.SendJSON(ctx, c.http, endpoint, body, headers, c.logger)
	if err != nil {
		c.logger.Errorw("extract.http_error",
			"req_id", rid, "status", status, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return entity.Candidate{}, nil, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.logger.Errorw("extract.decode_error",
			"req_id", rid, "error", err, "raw_bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return entity.Candidate{}, raw, llm.NewExtractionError(llm.KindMalformed, "decode provider response", err)
	}
	if len(cc.Choices) == 0 {
		c.logger.Errorw("extract.no_choices",
			"req_id", rid,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return entity.Candidate{}, raw, llm.NewExtractionError(llm.KindMalformed, "no choices in provider response", nil)
	}

	out, content, err := llm.DecodeCandidate([]byte(cc.Choices[0].Message.Content), c.cfg.Lenient, c.logger)
	if err != nil {
		c.logger.Errorw("extract.schema_validation_failed",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return entity.Candidate{}, content, err
	}

	c.logger.Infow("extract.ok",
		"req_id", rid,
		"vendor", out.VendorName,
		"invoice_number", out.InvoiceNumber,
		"line_items", len(out.LineItems),
		"currency", out.Currency,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, content, nil
}

func userContent(req llm.ExtractRequest) any {
	prompt := llm.BuildUserPrompt(req)
	doc := req.Document
	switch doc.Kind {
	case constants.KindImage:
		return []map[string]any{
			{"type": "text", "text": prompt},
			{"type": "image_url", "image_url": map[string]any{"url": dataURL(doc), "detail": "high"}},
		}
	case constants.KindPDF:
		filename := doc.Filename
		if filename == "" {
			filename = "invoice.pdf"
		}
		return []map[string]any{
			{"type": "text", "text": prompt},
			{"type": "file", "file": map[string]any{"filename": filename, "file_data": dataURL(doc)}},
		}
	default:
		return prompt
	}
}

func dataURL(doc entity.Document) string {
	mt := doc.MimeType
	if mt == "" {
		if doc.Kind == constants.KindPDF {
			mt = "application/pdf"
		} else {
			mt = "image/png"
		}
	}
	return "data:" + mt + ";base64," + doc.Content
}
