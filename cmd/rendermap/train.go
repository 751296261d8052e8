package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-rendermap/archive"
	"github.com/tsawler/go-rendermap/config"
	"github.com/tsawler/go-rendermap/pairstore"
	"github.com/tsawler/go-rendermap/training"
)

func newTrainCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train every configured profile, resuming from checkpoints",
		Long: `Trains the configured profiles one after another. Each profile resumes from
its latest checkpoint when one exists. A profile that fails is skipped and the
rest continue; the command exits non-zero only when no profile was trained.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			return runTrain(cmd, cfg)
		},
	}
}

func runTrain(cmd *cobra.Command, cfg config.Config) error {
	ctx := cmd.Context()
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return wrapExit(exitCommandError, "failed to configure logging", err)
	}

	store, err := pairstore.Open(cfg.Store.Path, pairstore.Options{Logger: logger, CacheSize: cfg.Store.CacheSize})
	if err != nil {
		return wrapExit(exitCommandError, "failed to open pair store", err)
	}
	defer store.Close()

	ccfg, err := training.CheckpointConfigFrom(cfg.Checkpoint)
	if err != nil {
		return wrapExit(exitCommandError, "invalid checkpoint settings", err)
	}
	managerOpts := []training.ManagerOption{training.WithCheckpointLogger(logger)}
	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return wrapExit(exitCommandError, "failed to open milestone archive", err)
	}
	if arch != nil {
		logger.Info("mirroring milestones", "driver", arch.Driver())
		managerOpts = append(managerOpts, training.WithArchive(arch))
	}
	manager := training.NewCheckpointManager(ccfg, managerOpts...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := training.NewMetrics(reg)

	if cfg.Metrics.Addr != "" {
		shutdown, err := serveMetrics(cfg.Metrics.Addr, reg, logger)
		if err != nil {
			return wrapExit(exitCommandError, "failed to start metrics server", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("metrics server shutdown", "error", err)
			}
		}()
	}

	opts := []training.Option{
		training.WithLogger(logger),
		training.WithMetrics(metrics),
	}
	if cfg.Training.ShowProgress {
		opts = append(opts, training.WithProgressOutput(cmd.ErrOrStderr()))
	}
	orch, err := training.NewOrchestrator(cfg, store, manager, opts...)
	if err != nil {
		return wrapExit(exitCommandError, "failed to set up training", err)
	}

	report, runErr := orch.Run(ctx)
	if err := report.Render(cmd.OutOrStdout()); err != nil {
		logger.Warn("failed to render report", "error", err)
	}

	switch {
	case runErr != nil:
		return wrapExit(exitInterrupted, "training interrupted", runErr)
	case !report.Succeeded():
		return wrapExit(exitFailure, "no profile was trained", nil)
	}
	return nil
}

// serveMetrics exposes reg on addr and returns the server's shutdown func.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (func(context.Context) error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return srv.Shutdown, nil
}
