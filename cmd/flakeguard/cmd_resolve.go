package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/miradorstack/flakeguard/internal/inventory"
	"github.com/miradorstack/flakeguard/internal/patterns"
)

var resolveFlags struct {
	flakyFile string
	buildDir  string
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show which tests each flaky pattern selects, without running them",
	Args:  cobra.NoArgs,
	RunE:  runResolve,
}

func init() {
	f := resolveCmd.Flags()
	f.StringVar(&resolveFlags.flakyFile, "flaky-file", "", "Flaky pattern list (default tests/FLAKY_TESTS.txt)")
	f.StringVar(&resolveFlags.buildDir, "build-dir", "", "CTest build tree (default build/dev-debug)")
}

func runResolve(cmd *cobra.Command, _ []string) error {
	cfg, cfgErr := loadConfig(cmd)
	if cmd.Flags().Changed("flaky-file") {
		cfg.Quarantine.FlakyFile = resolveFlags.flakyFile
	}
	if cmd.Flags().Changed("build-dir") {
		cfg.CTest.BuildDir = resolveFlags.buildDir
	}
	logger := newLogger(cmd, cfg)
	if cfgErr != nil {
		logger.Warn("config unreadable, using defaults", slog.Any("error", cfgErr))
	}

	pats, err := patterns.NewFileStore(cfg.Quarantine.FlakyFile).Load()
	if err != nil {
		return fmt.Errorf("load flaky list: %w", err)
	}
	inv, err := inventory.NewCTestSource(cfg.CTest.BuildDir, logger).Discover(cmd.Context())
	if err != nil {
		return fmt.Errorf("discover tests: %w", err)
	}

	res := patterns.NewResolver(logger).Resolve(pats, inv.Names())
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Inventory: %d tests in %s\n", len(inv), cfg.CTest.BuildDir)
	for _, p := range pats {
		matched := res.PerPattern[p.Raw]
		if len(matched) == 0 {
			fmt.Fprintf(out, "  %s -> (no match)\n", p.Raw)
			continue
		}
		fmt.Fprintf(out, "  %s -> [%s] %s\n", p.Raw, res.Strategy[p.Raw], strings.Join(matched, ", "))
	}
	fmt.Fprintf(out, "Selected: %d tests\n", len(res.Tests))
	return nil
}
