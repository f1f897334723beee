package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/llm"
	"github.com/joseph-ayodele/invoice-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
)

func testConfig(t *testing.T, driver, dsn string) *common.Config {
	t.Helper()
	return &common.Config{
		Database: common.DatabaseConfig{Driver: driver, DSN: dsn},
		Server:   common.ServerConfig{UploadDir: filepath.Join(t.TempDir(), "uploads"), HTTPAddr: ":0"},
		LLM:      common.LLMConfig{BaseURL: "http://127.0.0.1:1", SyntheticFallback: true},
		Pipeline: common.PipelineConfig{MaxConcurrent: 2, RetryAttempts: 1},
		Webhook:  common.WebhookConfig{Timeout: time.Second},
	}
}

func TestBuild_SQLiteEndToEnd(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "app.db")
	a, err := Build(ctx, testConfig(t, "sqlite", dsn), nil)
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.DB)
	require.NoError(t, a.Orch.Start(ctx))
	defer a.Orch.Shutdown(ctx)

	// no API key: the extractor falls back to synthetic candidates
	inv, err := a.Orch.Submit(ctx, pipeline.Submission{Upload: entity.Upload{Filename: "a.txt", Data: []byte("Invoice A")}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := a.Repo.Load(ctx, inv.ID)
		return err == nil && got != nil && got.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	got, err := a.Repo.Load(ctx, inv.ID)
	require.NoError(t, err)
	assert.NotEqual(t, constants.StatusFailed, got.Status, got.LastError)
	assert.NotEmpty(t, got.LineItems)
}

func TestBuild_Memory(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t, "memory", ""), nil)
	require.NoError(t, err)
	assert.Nil(t, a.DB)
	a.Close()
}

func TestBuild_BadDriver(t *testing.T) {
	_, err := Build(context.Background(), testConfig(t, "oracle", "x"), nil)
	assert.Error(t, err)
}

func TestNewExtractor_FallbackToggle(t *testing.T) {
	_, ok := NewExtractor(common.LLMConfig{SyntheticFallback: true}, nil).(*llm.FallbackExtractor)
	assert.True(t, ok)
	_, ok = NewExtractor(common.LLMConfig{}, nil).(*llm.FallbackExtractor)
	assert.False(t, ok)
}

func TestRunInbox_SubmitsDroppedFiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(ctx, testConfig(t, "memory", ""), nil)
	require.NoError(t, err)
	defer a.Orch.Shutdown(context.Background())

	inbox := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "first.txt"), []byte("Invoice 1"), 0o644))

	done := make(chan error, 1)
	go func() { done <- a.RunInbox(ctx, inbox) }()

	count := func() int {
		invs, _, err := a.Repo.List(ctx, repository.ListFilter{})
		require.NoError(t, err)
		return len(invs)
	}
	require.Eventually(t, func() bool { return count() == 1 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(inbox, "second.txt"), []byte("Invoice 2"), 0o644))
	require.Eventually(t, func() bool { return count() == 2 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("inbox did not stop")
	}
}
