package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/logging"
)

var (
	inmem    bool
	logLevel string

	cfg *common.Config
	log *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "invoice-batch",
	Short: "Process, validate and export invoices from the command line",
	Long: `invoice-batch runs the invoice pipeline in-process.

Examples:
  invoice-batch process ./inbox --out invoices.xlsx
  invoice-batch validate candidate.json
  invoice-batch export --format csv --status review_required`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		var err error
		if cfg, err = common.LoadConfig(); err != nil {
			return err
		}
		if inmem {
			cfg.Database.Driver = "memory"
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if log, err = logging.New(cfg.Log.Level, "console"); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&inmem, "inmem", false, "use an in-memory repository")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
