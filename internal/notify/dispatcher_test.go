package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestNotify_SignsPayload(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
		gotTS   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotSig = r.Header.Get(SignatureHeader)
		gotTS = r.Header.Get(TimestampHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	d := NewDispatcher("s3cret", nil, WithClock(func() time.Time { return fixedNow }))
	score := 0.92
	ms := int64(1500)
	res := d.Notify(context.Background(), server.URL, entity.WebhookEvent{
		Event:            entity.EventInvoiceProcessed,
		InvoiceID:        "inv-1",
		Status:           "completed",
		ConfidenceScore:  &score,
		ProcessingTimeMs: &ms,
	})

	assert.Equal(t, Result{Delivered: true, StatusCode: http.StatusNoContent}, res)
	assert.Equal(t, "1748779200000", gotTS)
	assert.True(t, Verify([]byte("s3cret"), gotTS, gotBody, gotSig))
	assert.False(t, Verify([]byte("other"), gotTS, gotBody, gotSig))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "invoice.processed", payload["event"])
	assert.Equal(t, "inv-1", payload["invoiceId"])
	assert.Equal(t, 0.92, payload["confidenceScore"])
	assert.Equal(t, float64(1500), payload["processingTimeMs"])
	assert.Equal(t, "2025-06-01T12:00:00Z", payload["timestamp"])
	assert.NotContains(t, payload, "error")
}

func TestNotify_NonSuccessStatus(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	res := NewDispatcher("k", nil).Notify(context.Background(), server.URL, entity.WebhookEvent{Event: entity.EventInvoiceFailed})
	assert.False(t, res.Delivered)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, 1, calls)
}

func TestNotify_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	res := NewDispatcher("k", nil, WithTimeout(50*time.Millisecond)).
		Notify(context.Background(), server.URL, entity.WebhookEvent{Event: entity.EventTest})
	assert.False(t, res.Delivered)
	assert.Zero(t, res.StatusCode)
}

func TestNotify_BadURL(t *testing.T) {
	res := NewDispatcher("k", nil).Notify(context.Background(), "://nope", entity.WebhookEvent{Event: entity.EventTest})
	assert.False(t, res.Delivered)
}

func TestSignVerify(t *testing.T) {
	sig := Sign([]byte("key"), "1", []byte("{}"))
	assert.Len(t, sig, 64)
	assert.True(t, Verify([]byte("key"), "1", []byte("{}"), sig))
	assert.False(t, Verify([]byte("key"), "2", []byte("{}"), sig))
	assert.False(t, Verify([]byte("key"), "1", []byte("{}"), "zz"))
}
