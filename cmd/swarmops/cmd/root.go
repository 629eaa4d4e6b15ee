// Package cmd implements the swarmops operator CLI: the webhook listener
// (serve), pipeline start/status (run), the human escalation queue
// (escalations), and an environment sanity check (doctor).
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	noColor   bool
	quiet     bool

	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"

	cfg *config.Config
	log *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "swarmops",
	Short: "Operator CLI for the swarmops pipeline orchestrator",
	Long: `swarmops drives a pipeline orchestrator that fans a project's task
graph out to coding-agent workers, merges their branches in phase order,
and runs an approval chain before advancing. It answers worker/review
webhooks from the session gateway and exposes a small operator surface for
starting runs and managing the human escalation queue.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return loadConfig()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion injects build-time version info, shown by `swarmops version`.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .swarmops/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format override (auto, text, json)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the swarmops version",
	RunE: func(_ *cobra.Command, _ []string) error {
		fmt.Printf("swarmops %s (commit %s, built %s)\n", appVersion, appCommit, appDate)
		return nil
	},
}

// loadConfig loads and validates configuration, then builds the process
// logger. It is idempotent so PersistentPreRunE can run once per command
// invocation even though Execute() may be called repeatedly in tests.
func loadConfig() error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	loaded, err := loader.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if logFormat != "" {
		loaded.Log.Format = logFormat
	}
	if quiet {
		loaded.Log.Level = "warn"
	}
	if err := config.ValidateConfig(loaded); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = loaded.Log.Level
	logCfg.Format = loaded.Log.Format
	if noColor {
		logCfg.Format = "json"
	}
	log = logging.New(logCfg)
	cfg = loaded
	return nil
}
