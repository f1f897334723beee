package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/app"
	"github.com/joseph-ayodele/invoice-pipeline/internal/export"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
)

var (
	exportOut    string
	exportFormat string
	exportStatus string
	exportBatch  string
	exportOwner  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored invoices as xlsx, csv or json",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "xlsx", "export format: xlsx, csv or json")
	exportCmd.Flags().StringVar(&exportStatus, "status", "", "only invoices with this status")
	exportCmd.Flags().StringVar(&exportBatch, "batch", "", "only invoices of this batch")
	exportCmd.Flags().StringVar(&exportOwner, "owner", "", "only invoices of this owner")
}

func runExport(cmd *cobra.Command, _ []string) error {
	format, err := export.ParseFormat(exportFormat)
	if err != nil {
		return err
	}
	f := repository.ListFilter{BatchID: exportBatch, OwnerID: exportOwner}
	if exportStatus != "" {
		st, ok := constants.ParseStatus(exportStatus)
		if !ok {
			return fmt.Errorf("unknown status %q", exportStatus)
		}
		f.Status = st
	}

	a, err := app.Build(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	data, err := a.Exporter.Export(cmd.Context(), format, f)
	if err != nil {
		return err
	}
	if exportOut == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(exportOut, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", exportOut, err)
	}
	log.Infow("export.written", "path", exportOut, "bytes", len(data))
	return nil
}
