package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxResponseBytes bounds provider responses read into memory.
const maxResponseBytes = 8 << 20

// SendJSON posts body to a full URL with optional headers and returns the raw response body.
// It does not assume any provider (OpenAI/Azure/etc.). Callers decide the URL and headers.
// Transport failures and non-2xx statuses come back as *ExtractionError.
func SendJSON(ctx context.Context, client *http.Client, url string, body any, headers map[string]string, logger *zap.SugaredLogger) ([]byte, int, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	reqID := uuid.New().String()
	start := time.Now()

	bs, err := json.Marshal(body)
	if err != nil {
		logger.Errorw("llm.http.encode_error", "req_id", reqID, "error", err)
		return nil, 0, NewExtractionError(KindMalformed, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		logger.Errorw("llm.http.build_request_error", "req_id", reqID, "error", err)
		return nil, 0, NewExtractionError(KindTransient, "build request", err)
	}

	// Default headers; allow caller overrides.
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	logger.Debugw("llm.http.request",
		"req_id", reqID,
		"url", url,
		"content_length", len(bs),
	)

	resp, err := client.Do(req)
	if err != nil {
		logger.Errorw("llm.http.send_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, 0, NewExtractionError(KindTransient, "send request", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			logger.Warnw("llm.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, NewExtractionError(KindTransient, "read response", err)
	}

	logger.Debugw("llm.http.response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		kind := ClassifyStatus(resp.StatusCode)
		return raw, resp.StatusCode, NewExtractionError(kind, "provider returned non-2xx status",
			errors.Newf("status %d: %s", resp.StatusCode, truncate(string(raw), 512)))
	}
	return raw, resp.StatusCode, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
