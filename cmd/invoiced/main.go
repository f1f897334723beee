package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/invoice-pipeline/internal/app"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/logging"
	"github.com/joseph-ayodele/invoice-pipeline/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := common.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Errorw("invoiced.exit", "err", err)
		os.Exit(1)
	}
}

func run(cfg *common.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Orch.Start(ctx); err != nil {
		return err
	}

	deps := server.Deps{
		Pipeline:  a.Orch,
		Repo:      a.Repo,
		Corrector: a.Corrector,
		Exporter:  a.Exporter,
		Notifier:  a.Notifier,
		Docs:      a.Docs,
	}
	var pinger server.Pinger
	if a.DB != nil {
		pinger = a.DB
		deps.DB = a.DB
	}
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           server.New(deps, log, server.WithMaxUploadBytes(cfg.Server.MaxUploadBytes)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 3)
	go func() {
		log.Infow("http.serving", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	if cfg.Server.GRPCAddr != "" {
		hs := server.NewHealthServer(pinger, log)
		go func() {
			if err := hs.Serve(ctx, cfg.Server.GRPCAddr, 15*time.Second); err != nil {
				errc <- err
			}
		}()
	}
	if cfg.Server.WatchDir != "" {
		go func() {
			if err := a.RunInbox(ctx, cfg.Server.WatchDir); err != nil {
				log.Errorw("inbox.stopped", "dir", cfg.Server.WatchDir, "err", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Infow("invoiced.shutdown", "reason", "signal")
	case err = <-errc:
		log.Errorw("invoiced.shutdown", "reason", "server error", "err", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		log.Warnw("http.shutdown.error", "err", serr)
	}
	a.Orch.Shutdown(shutdownCtx)
	return err
}
