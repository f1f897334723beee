package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { validateStrict = false })
	err := rootCmd.Execute()
	return out.String(), err
}

func writeCandidate(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "candidate.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestValidateCommand_Mismatch(t *testing.T) {
	path := writeCandidate(t, `{
		"vendorName": "Acme", "invoiceNumber": "INV-7",
		"lineItems": [{"description": "Widget", "quantity": 2, "unitPrice": 10, "amount": 25}],
		"subtotal": 25, "totalAmount": 25, "currency": "USD"
	}`)

	out, err := runCLI(t, "validate", path, "--log-level", "error")
	require.NoError(t, err)

	var rep map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "review_required", rep["status"])
	assert.Equal(t, true, rep["requiresReview"])
	assert.Contains(t, rep["errors"], "Line item 1: Amount mismatch (expected 20, got 25)")

	_, err = runCLI(t, "validate", path, "--strict", "--log-level", "error")
	assert.Error(t, err)
}

func TestValidateCommand_BadJSON(t *testing.T) {
	_, err := runCLI(t, "validate", writeCandidate(t, "{not json"), "--log-level", "error")
	assert.Error(t, err)
}
