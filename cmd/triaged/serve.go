package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/studiorosalind/triage"
	"github.com/studiorosalind/triage/config"
	"github.com/studiorosalind/triage/httpapi"
	"github.com/studiorosalind/triage/logging"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the triage daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "triage.yaml", "Path to the configuration file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	// The default config file is optional; an explicitly given one is not.
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			configPath = ""
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewFromConfig(cfg.Log.Level, cfg.Log.Format)

	tr, err := triage.FromConfig(cfg, logger)
	if err != nil {
		return err
	}

	srv := httpapi.New(tr, func(o *httpapi.Options) {
		o.Addr = cfg.ListenAddr
		o.Logger = logger
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Shutdown(closeCtx)
		return err
	}
	logger.Info("triaged.started", "version", version, "addr", srv.Addr(), "engine", tr.EngineName())

	<-ctx.Done()
	stop()
	logger.Info("triaged.stopping")

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Warn("triaged.http.shutdown_error", "error", err.Error())
	}
	if err := tr.Shutdown(drainCtx); err != nil {
		logger.Warn("triaged.shutdown_error", "error", err.Error())
	}
	logger.Info("triaged.stopped")
	return nil
}
