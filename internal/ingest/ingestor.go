package ingest

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/logging"
)

// DirectoryIngestor submits files from disk. A file whose content was already
// submitted by this ingestor is reported as deduplicated and not resubmitted.
type DirectoryIngestor struct {
	submit SubmitFunc
	logger *zap.SugaredLogger

	mu   sync.Mutex
	seen map[string]string // content hash -> invoice id
}

func NewDirectoryIngestor(submit SubmitFunc, logger *zap.SugaredLogger) *DirectoryIngestor {
	return &DirectoryIngestor{submit: submit, logger: logging.OrNop(logger), seen: make(map[string]string)}
}

// IngestPath submits a single file.
func (i *DirectoryIngestor) IngestPath(ctx context.Context, path string) (FileResult, error) {
	out := FileResult{Path: path}

	abs, err := filepath.Abs(path)
	if err != nil {
		return out, errors.Wrap(err, "abs path")
	}
	ext := constants.NormalizeExt(filepath.Ext(abs))
	if ext == "" || !AllowedExt(ext) {
		return out, common.InvalidInputf("unsupported or missing extension %q", ext)
	}
	out.FileExt = ext

	up, hashHex, err := ReadUpload(abs)
	if err != nil {
		return out, err
	}
	out.HashHex = hashHex

	i.mu.Lock()
	if id, ok := i.seen[hashHex]; ok {
		i.mu.Unlock()
		out.InvoiceID = id
		out.Deduplicated = true
		i.logger.Debugw("ingest.file.duplicate", "path", abs, "invoice_id", id)
		return out, nil
	}
	i.mu.Unlock()

	id, err := i.submit(ctx, up)
	if err != nil {
		i.logger.Warnw("ingest.file.error", "path", abs, "err", err)
		return out, err
	}

	i.mu.Lock()
	i.seen[hashHex] = id
	i.mu.Unlock()

	out.InvoiceID = id
	out.SubmittedAt = time.Now().UTC()
	i.logger.Infow("ingest.file.submitted", "path", abs, "invoice_id", id, "bytes", len(up.Data))
	return out, nil
}

// IngestDirectory walks root, skips hidden entries if requested, and submits
// every allowed file. Per-file failures are recorded and the walk continues.
func (i *DirectoryIngestor) IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]FileResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, common.InvalidInputf("root path is required")
	}

	var results []FileResult
	var stats DirStats
	paths, err := Walk(root, skipHidden)
	if err != nil {
		return nil, stats, err
	}
	stats.Scanned = uint32(len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return results, stats, err
		}
		stats.Matched++
		r, err := i.IngestPath(ctx, path)
		if err != nil {
			r.Err = err.Error()
			results = append(results, r)
			stats.Failed++
			continue
		}
		results = append(results, r)
		stats.Succeeded++
		if r.Deduplicated {
			stats.Deduplicated++
		}
	}
	return results, stats, nil
}

// Walk returns the allowed files under root in lexical order.
func Walk(root string, skipHidden bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if skipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !AllowedExt(filepath.Ext(path)) {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walk")
	}
	return out, nil
}
