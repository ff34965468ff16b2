package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/miradorstack/flakeguard/internal/config"
	"github.com/miradorstack/flakeguard/internal/utils"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
}

var rootCmd = &cobra.Command{
	Use:   "flakeguard",
	Short: "Quarantine stabilization for flaky CTest tests",
	Long: "flakeguard re-runs the tests named in the flaky list, scores their instability,\n" +
		"and removes patterns that stayed clean long enough. It never fails the pipeline it runs in.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.configPath, "config", "", "Path to configuration file (default $FLAKEGUARD_CONFIG)")
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&rootFlags.logJSON, "log-json", false, "Emit logs as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.Version = version
}

// loadConfig reads the config file and applies the root flags. A broken config file falls
// back to defaults; the error is returned for logging once the logger exists.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		def := config.Default()
		cfg = &def
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = rootFlags.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Logging.JSON = rootFlags.logJSON
	}
	return cfg, err
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON, cmd.ErrOrStderr())
}
