package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-rendermap/config"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "rendermap",
		Short: "Train per-display rendering surrogates",
		Long: `rendermap learns, for every configured monitor profile, a small network
that maps raw page captures to what that monitor shows.

  rendermap pack  --config rendermap.yaml
  rendermap train --config rendermap.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "rendermap.yaml", "path to the YAML configuration")

	cmd.AddCommand(newPackCommand(opts))
	cmd.AddCommand(newTrainCommand(opts))
	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, wrapExit(exitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

// newLogger builds the slog handler selected by lc.
func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	hopts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(lc.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", lc.Format)
	}
}
