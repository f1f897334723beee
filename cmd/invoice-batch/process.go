package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/invoice-pipeline/internal/app"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/export"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ingest"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
)

var (
	processOut        string
	processFormat     string
	processOwner      string
	processWebhook    string
	processShowHidden bool
)

var processCmd = &cobra.Command{
	Use:   "process <dir>",
	Short: "Ingest a directory, process every document and write an export",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcess,
}

func init() {
	processCmd.Flags().StringVar(&processOut, "out", "", "output file (default <parent of dir>/invoices.<format>)")
	processCmd.Flags().StringVar(&processFormat, "format", "xlsx", "export format: xlsx, csv or json")
	processCmd.Flags().StringVar(&processOwner, "owner", "", "owner id recorded on every invoice")
	processCmd.Flags().StringVar(&processWebhook, "webhook", "", "notification URL for each invoice and the batch")
	processCmd.Flags().BoolVar(&processShowHidden, "hidden", false, "include hidden files and directories")
}

func runProcess(cmd *cobra.Command, args []string) error {
	dir := args[0]
	format, err := export.ParseFormat(processFormat)
	if err != nil {
		return err
	}
	out := processOut
	if out == "" {
		out = filepath.Join(filepath.Dir(filepath.Clean(dir)), "invoices."+string(format))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.Orch.Shutdown(sctx)
	}()

	batchID := uuid.NewString()
	ing := ingest.NewDirectoryIngestor(a.Submitter(processOwner, batchID, processWebhook), log)
	log.Infow("batch.ingest.start", "dir", dir, "batch_id", batchID)
	results, stats, err := ing.IngestDirectory(ctx, dir, !processShowHidden)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Err != "" {
			log.Warnw("batch.ingest.file.failed", "path", r.Path, "err", r.Err)
		}
	}
	log.Infow("batch.ingest.done",
		"scanned", stats.Scanned,
		"succeeded", stats.Succeeded,
		"deduplicated", stats.Deduplicated,
		"failed", stats.Failed,
	)
	if stats.Succeeded == stats.Deduplicated {
		return fmt.Errorf("no documents submitted from %s", dir)
	}

	st, err := waitForBatch(ctx, a, batchID)
	if err != nil {
		return err
	}

	data, err := a.Exporter.Export(ctx, format, repository.ListFilter{BatchID: batchID})
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}

	log.Infow("batch.complete",
		"batch_id", batchID,
		"total", st.Total,
		"completed", st.Completed,
		"review_required", st.ReviewRequired,
		"failed", st.Failed,
		"output", out,
	)
	return nil
}

func waitForBatch(ctx context.Context, a *app.App, batchID string) (entity.BatchStatus, error) {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		st, err := a.Orch.BatchStatus(ctx, batchID)
		if err != nil {
			return st, err
		}
		if st.Done {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}
