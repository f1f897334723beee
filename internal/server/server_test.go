package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/confidence"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/export"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ingest"
	"github.com/joseph-ayodele/invoice-pipeline/internal/llm"
	"github.com/joseph-ayodele/invoice-pipeline/internal/notify"
	"github.com/joseph-ayodele/invoice-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
	"github.com/joseph-ayodele/invoice-pipeline/internal/validation"
)

var fixedNow = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

// extractor returns a clean invoice, a line-item mismatch for names containing
// "mismatch" and a malformed-output failure for names containing "broken".
func extractor() llm.FieldExtractor {
	return llm.ExtractorFunc(func(_ context.Context, req llm.ExtractRequest) (entity.Candidate, []byte, error) {
		name := req.FilenameHint
		if strings.Contains(name, "broken") {
			return entity.Candidate{}, nil, llm.NewExtractionError(llm.KindMalformed, "not json", nil)
		}
		c := entity.Candidate{
			VendorName:    "Acme Supplies",
			InvoiceNumber: "INV-1",
			InvoiceDate:   "2025-05-20",
			LineItems:     []entity.LineItem{{Description: "Widget", Quantity: 2, UnitPrice: 10, Amount: 20}},
			Subtotal:      entity.Float(20),
			TaxAmount:     entity.Float(2),
			Total:         entity.Float(22),
			Currency:      "USD",
		}
		if strings.Contains(name, "mismatch") {
			c.LineItems[0].Amount = 25
			c.Subtotal = entity.Float(25)
			c.Total = entity.Float(27)
		}
		return c, []byte(`{}`), nil
	})
}

type testEnv struct {
	srv  *httptest.Server
	repo repository.InvoiceRepository
	orch *pipeline.Orchestrator
}

func newEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	repo := repository.NewMemoryInvoiceRepository()
	docs, err := ingest.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	dispatcher := notify.NewDispatcher("s3cret", nil, notify.WithTimeout(time.Second))
	v := validation.NewEngine(validation.WithClock(clock))
	sc := confidence.NewScorer()

	orch := pipeline.New(repo, docs, extractor(), dispatcher, nil,
		pipeline.WithClock(clock), pipeline.WithRetry(1, 0), pipeline.WithValidator(v), pipeline.WithScorer(sc))

	s := New(Deps{
		Pipeline:  orch,
		Repo:      repo,
		Corrector: pipeline.NewCorrector(repo, v, sc, nil),
		Exporter:  export.NewService(repo, nil),
		Notifier:  dispatcher,
		Docs:      docs,
	}, nil, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return &testEnv{srv: ts, repo: repo, orch: orch}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func (e *testEnv) doJSON(t *testing.T, method, path string, v any, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	h := map[string]string{"Content-Type": "application/json"}
	for k, val := range header {
		h[k] = val
	}
	return e.do(t, method, path, bytes.NewReader(b), h)
}

func multipartBody(t *testing.T, field string, files map[string]string, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := w.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func (e *testEnv) submit(t *testing.T, name string, header map[string]string) entity.Invoice {
	t.Helper()
	body, ct := multipartBody(t, "file", map[string]string{name: "Invoice " + name}, nil)
	h := map[string]string{"Content-Type": ct}
	for k, v := range header {
		h[k] = v
	}
	resp, out := e.do(t, http.MethodPost, "/api/invoices", body, h)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(out))
	var inv entity.Invoice
	require.NoError(t, json.Unmarshal(out, &inv))
	return inv
}

func (e *testEnv) waitFor(t *testing.T, id string, want constants.InvoiceStatus) *entity.Invoice {
	t.Helper()
	var got *entity.Invoice
	require.Eventually(t, func() bool {
		inv, err := e.repo.Load(context.Background(), id)
		if err != nil || inv == nil {
			return false
		}
		got = inv
		return inv.Status == want
	}, 3*time.Second, 5*time.Millisecond)
	return got
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, body []byte) apiError {
	t.Helper()
	var e apiError
	require.NoError(t, json.Unmarshal(body, &e), string(body))
	return e
}

func TestHealth(t *testing.T) {
	env := newEnv(t)
	resp, body := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, float64(pipeline.DefaultMaxConcurrent), got["queue"].(map[string]any)["maxConcurrent"])
}

func TestSubmitMultipartAndGet(t *testing.T) {
	env := newEnv(t)
	inv := env.submit(t, "acme.txt", map[string]string{RequestIDHeader: "req-1"})
	assert.Equal(t, constants.StatusPending, inv.Status)
	assert.Equal(t, "acme.txt", inv.OriginalFilename)

	env.waitFor(t, inv.ID, constants.StatusCompleted)

	resp, body := env.do(t, http.MethodGet, "/api/invoices/"+inv.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got entity.Invoice
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "Acme Supplies", got.VendorName)
	assert.False(t, got.RequiresReview)
	assert.Greater(t, got.ConfidenceScore, 0.0)
}

func TestSubmitInlineJSON(t *testing.T) {
	env := newEnv(t)
	resp, body := env.doJSON(t, http.MethodPost, "/api/invoices", map[string]string{
		"filename": "note.txt",
		"content":  "Invoice INV-1 total 22",
	}, map[string]string{OwnerIDHeader: "alice"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var inv entity.Invoice
	require.NoError(t, json.Unmarshal(body, &inv))
	assert.Equal(t, "alice", inv.OwnerID)
	env.waitFor(t, inv.ID, constants.StatusCompleted)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	env := newEnv(t)

	resp, body := env.doJSON(t, http.MethodPost, "/api/invoices", map[string]string{"filename": "a.pdf"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", decodeError(t, body).Error.Code)

	resp, body = env.doJSON(t, http.MethodPost, "/api/invoices", map[string]string{"filename": "a.pdf", "content": "%%%"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeError(t, body).Error.Message, "base64")

	mp, ct := multipartBody(t, "file", map[string]string{"tool.exe": "MZ"}, nil)
	resp, body = env.do(t, http.MethodPost, "/api/invoices", mp, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeError(t, body).Error.Message, "unsupported document type")

	mp, ct = multipartBody(t, "other", map[string]string{"a.pdf": "x"}, nil)
	resp, _ = env.do(t, http.MethodPost, "/api/invoices", mp, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	mp, ct = multipartBody(t, "file", map[string]string{"a.pdf": "x"}, map[string]string{"webhookUrl": "not a url"})
	resp, _ = env.do(t, http.MethodPost, "/api/invoices", mp, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	items, _, err := env.repo.List(context.Background(), repository.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSubmitTooLarge(t *testing.T) {
	env := newEnv(t, WithMaxUploadBytes(1024))
	mp, ct := multipartBody(t, "file", map[string]string{"big.txt": strings.Repeat("x", 4096)}, nil)
	resp, body := env.do(t, http.MethodPost, "/api/invoices", mp, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", decodeError(t, body).Error.Code)
}

func TestBatchSubmitAndStatus(t *testing.T) {
	env := newEnv(t)
	mp, ct := multipartBody(t, "files", map[string]string{"a.txt": "one", "mismatch.txt": "two"}, nil)
	resp, body := env.do(t, http.MethodPost, "/api/invoices/batch", mp, map[string]string{"Content-Type": ct})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var br batchResponse
	require.NoError(t, json.Unmarshal(body, &br))
	require.Len(t, br.Invoices, 2)
	assert.NotEmpty(t, br.BatchID)

	var st entity.BatchStatus
	require.Eventually(t, func() bool {
		resp, body := env.do(t, http.MethodGet, "/api/batches/"+br.BatchID, nil, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		require.NoError(t, json.Unmarshal(body, &st))
		return st.Done
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.ReviewRequired)

	resp, _ = env.do(t, http.MethodGet, "/api/batches/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListInvoicesFiltersAndOwnerScope(t *testing.T) {
	env := newEnv(t)
	a := env.submit(t, "a.txt", map[string]string{OwnerIDHeader: "alice"})
	b := env.submit(t, "mismatch.txt", map[string]string{OwnerIDHeader: "bob"})
	env.waitFor(t, a.ID, constants.StatusCompleted)
	env.waitFor(t, b.ID, constants.StatusReviewRequired)

	resp, body := env.do(t, http.MethodGet, "/api/invoices?status=review_required", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lr listResponse
	require.NoError(t, json.Unmarshal(body, &lr))
	require.Len(t, lr.Invoices, 1)
	assert.Equal(t, b.ID, lr.Invoices[0].ID)
	assert.Equal(t, uint64(defaultPageSize), lr.Limit)

	_, body = env.do(t, http.MethodGet, "/api/invoices", nil, map[string]string{OwnerIDHeader: "alice"})
	require.NoError(t, json.Unmarshal(body, &lr))
	require.Len(t, lr.Invoices, 1)
	assert.Equal(t, a.ID, lr.Invoices[0].ID)
	assert.Equal(t, 1, lr.Total)

	resp, _ = env.do(t, http.MethodGet, "/api/invoices/"+a.ID, nil, map[string]string{OwnerIDHeader: "bob"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/invoices?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/invoices?limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/invoices?batchId=not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownInvoice(t *testing.T) {
	env := newEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/invoices/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	e := decodeError(t, body)
	assert.Equal(t, "NOT_FOUND", e.Error.Code)
	assert.Equal(t, "invoice missing not found", e.Error.Message)
}

func TestRetryEndpoint(t *testing.T) {
	env := newEnv(t)
	ok := env.submit(t, "a.txt", nil)
	bad := env.submit(t, "broken.txt", nil)
	env.waitFor(t, ok.ID, constants.StatusCompleted)
	failed := env.waitFor(t, bad.ID, constants.StatusFailed)
	assert.Equal(t, 1, failed.RetryCount)

	resp, body := env.do(t, http.MethodPost, "/api/invoices/"+ok.ID+"/retry", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_TRANSITION", decodeError(t, body).Error.Code)

	resp, body = env.do(t, http.MethodPost, "/api/invoices/"+bad.ID+"/retry", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var inv entity.Invoice
	require.NoError(t, json.Unmarshal(body, &inv))
	assert.Equal(t, constants.StatusPending, inv.Status)

	again := env.waitFor(t, bad.ID, constants.StatusFailed)
	assert.Equal(t, 3, again.RetryCount)
}

func TestCorrectInvoice(t *testing.T) {
	env := newEnv(t)
	inv := env.submit(t, "mismatch.txt", nil)
	env.waitFor(t, inv.ID, constants.StatusReviewRequired)

	resp, body := env.doJSON(t, http.MethodPatch, "/api/invoices/"+inv.ID, map[string]any{"currency": "usdollars"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, body = env.doJSON(t, http.MethodPatch, "/api/invoices/"+inv.ID, map[string]any{"vendorName": "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
	assert.Contains(t, decodeError(t, body).Error.Message, "vendorName")

	fix := map[string]any{
		"lineItems":   []map[string]any{{"description": "Widget", "quantity": 2, "unitPrice": 10, "amount": 20}},
		"subtotal":    20,
		"totalAmount": 22,
	}
	resp, body = env.doJSON(t, http.MethodPatch, "/api/invoices/"+inv.ID, fix, map[string]string{OwnerIDHeader: "reviewer"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var got entity.Invoice
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, constants.StatusCompleted, got.Status)
	require.Len(t, got.Corrections, 3)
	assert.Equal(t, "reviewer", got.Corrections[0].CorrectedBy)
}

func TestDeleteInvoice(t *testing.T) {
	env := newEnv(t)
	inv := env.submit(t, "a.txt", nil)
	env.waitFor(t, inv.ID, constants.StatusCompleted)

	resp, _ := env.do(t, http.MethodDelete, "/api/invoices/"+inv.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/invoices/"+inv.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/api/invoices/"+inv.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExportEndpoint(t *testing.T) {
	env := newEnv(t)
	inv := env.submit(t, "a.txt", nil)
	env.waitFor(t, inv.ID, constants.StatusCompleted)

	resp, body := env.do(t, http.MethodGet, "/api/export?format=csv", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".csv")
	assert.Contains(t, string(body), inv.ID)

	resp, body = env.do(t, http.MethodGet, "/api/export?format=xlsx", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bytes.HasPrefix(body, []byte("PK")))

	resp, _ = env.do(t, http.MethodGet, "/api/export?format=doc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookTestEndpoint(t *testing.T) {
	var got atomic.Value
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ok := notify.Verify([]byte("s3cret"), r.Header.Get(notify.TimestampHeader), body, r.Header.Get(notify.SignatureHeader))
		got.Store(ok)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	env := newEnv(t)
	resp, body := env.doJSON(t, http.MethodPost, "/api/webhooks/test", map[string]string{"url": hook.URL}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res notify.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Delivered)
	assert.Equal(t, true, got.Load())

	resp, _ = env.doJSON(t, http.MethodPost, "/api/webhooks/test", map[string]string{"url": "ftp://x"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsWebsocket(t *testing.T) {
	env := newEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// let the handler subscribe before the job is created
	time.Sleep(50 * time.Millisecond)
	inv := env.submit(t, "a.txt", nil)

	var seen []constants.InvoiceStatus
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for len(seen) < 3 {
		var ev entity.JobEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.InvoiceID == inv.ID {
			seen = append(seen, ev.Status)
		}
	}
	assert.Equal(t, []constants.InvoiceStatus{constants.StatusPending, constants.StatusProcessing, constants.StatusCompleted}, seen)
}

func TestUnknownRoute(t *testing.T) {
	env := newEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/nothing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeError(t, body).Error.Code)
}
