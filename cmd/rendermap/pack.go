package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-rendermap/config"
	"github.com/tsawler/go-rendermap/pairstore"
)

func newPackCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pack",
		Short: "Pack crawler screenshots into a pair store",
		Long: `Reads the crawler's dataset_metadata.json, pairs every rendered screenshot
with its raw capture per profile and writes them into a new store at store.path.
Pairs whose two images differ in size are skipped and reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			return runPack(cmd, cfg)
		},
	}
}

func runPack(cmd *cobra.Command, cfg config.Config) error {
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return wrapExit(exitCommandError, "failed to configure logging", err)
	}

	profiles := make([]string, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		profiles = append(profiles, p.ID)
	}

	scan, err := pairstore.LoadSourceManifest(cfg.Source.MetadataPath, cfg.Source.RenderedDir, cfg.Source.RawDir, profiles, logger)
	if err != nil {
		return wrapExit(exitCommandError, "failed to scan sources", err)
	}
	for profile, n := range scan.Missing {
		logger.Warn("records missing a screenshot", "profile", profile, "count", n)
	}
	if len(scan.Pairs) == 0 {
		return wrapExit(exitFailure, "no complete pairs found", nil)
	}

	logger.Info("packing pairs", "pairs", len(scan.Pairs), "path", cfg.Store.Path)
	report, err := pairstore.Build(cmd.Context(), scan.Pairs, cfg.Store.Path, pairstore.Options{
		Logger:  logger,
		Workers: cfg.Source.Workers,
	})
	if err != nil {
		if cmd.Context().Err() != nil {
			return wrapExit(exitInterrupted, "packing interrupted", err)
		}
		return wrapExit(exitCommandError, "failed to build pair store", err)
	}
	return printBuildReport(cmd.OutOrStdout(), cfg.Store.Path, report)
}

func printBuildReport(w io.Writer, path string, report *pairstore.BuildReport) error {
	profiles := make([]string, 0, len(report.PerProfile))
	for p := range report.PerProfile {
		profiles = append(profiles, p)
	}
	sort.Strings(profiles)

	fmt.Fprintf(w, "packed %d pairs into %s\n", report.Written, path)
	for _, p := range profiles {
		fmt.Fprintf(w, "  %-24s %d\n", p, report.PerProfile[p])
	}
	for _, s := range report.Skipped {
		fmt.Fprintf(w, "skipped %s: %v\n", s.Source.RenderedPath, s.Err)
	}
	_, err := fmt.Fprintf(w, "%d skipped\n", len(report.Skipped))
	return err
}
