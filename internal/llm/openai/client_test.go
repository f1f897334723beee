package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/llm"
)

const modelJSON = `{"vendor_name":"Acme","invoice_number":"A-1","invoice_date":"2024-05-01","line_items":[{"description":"Bolt","quantity":4,"unit_price":2.5,"amount":10}],"subtotal":10,"total_amount":10,"currency":"EUR","confidence":0.9}`

func chatResponse(content string) []byte {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": content}}},
	})
	return b
}

func TestExtractFields_ImageRequestShape(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(chatResponse(modelJSON))
	}))
	defer server.Close()

	c := NewClient(Config{APIKey: "sk-test", BaseURL: server.URL}, nil)
	out, raw, err := c.ExtractFields(context.Background(), llm.ExtractRequest{
		Document:     entity.Document{Kind: constants.KindImage, Content: "iVBORw0KGgo=", MimeType: "image/png"},
		FilenameHint: "scan.png",
	})
	require.NoError(t, err)
	assert.JSONEq(t, modelJSON, string(raw))
	assert.Equal(t, "Acme", out.VendorName)
	assert.Equal(t, "EUR", out.Currency)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 3)
	user := msgs[2].(map[string]any)
	parts := user["content"].([]any)
	require.Len(t, parts, 2)
	img := parts[1].(map[string]any)
	assert.Equal(t, "image_url", img["type"])
	assert.Equal(t, "data:image/png;base64,iVBORw0KGgo=", img["image_url"].(map[string]any)["url"])
}

func TestExtractFields_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   llm.ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad key"}`, llm.KindAuthFailure},
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, llm.KindRateLimited},
		{"server error", http.StatusBadGateway, `oops`, llm.KindTransient},
		{"malformed content", http.StatusOK, string(chatResponse(`{"vendor_name": 12}`)), llm.KindMalformed},
		{"no choices", http.StatusOK, `{"choices": []}`, llm.KindMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewClient(Config{APIKey: "sk-test", BaseURL: server.URL}, nil)
			_, _, err := c.ExtractFields(context.Background(), llm.ExtractRequest{
				Document: entity.Document{Kind: constants.KindText, Content: "Invoice #1"},
			})
			require.Error(t, err)
			kind, ok := llm.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestExtractFields_MissingKeyIsAuthFailure(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	_, _, err := c.ExtractFields(context.Background(), llm.ExtractRequest{})
	kind, ok := llm.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, llm.KindAuthFailure, kind)
}

func TestExtractFields_FallbackEndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	f := llm.NewFallbackExtractor(NewClient(Config{APIKey: "expired", BaseURL: server.URL}, nil), nil, nil)
	c, _, err := f.ExtractFields(context.Background(), llm.ExtractRequest{
		Document: entity.Document{Kind: constants.KindPDF, Content: "JVBERi0x"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, c.LineItems)
}
