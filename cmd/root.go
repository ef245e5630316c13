package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/config"
)

// cfg is loaded once per invocation, before any subcommand runs.
var cfg *config.Config

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "registry-cli",
	Short: "Company registry ingestion and reconciliation pipeline",
	Long: `Pulls organizations from the employer directory, the company registry site
and the party lookup service, reconciles them by registry id and exports the
companies that meet the headcount threshold.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) { _ = zap.L().Sync() },
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load()
	if err != nil {
		return eris.Wrap(err, "registry-cli: load config")
	}
	if cmd.Flags().Changed("log-level") {
		loaded.Log.Level = logLevel
	}
	if err := config.InitLogger(loaded.Log); err != nil {
		return eris.Wrap(err, "registry-cli: init logger")
	}
	cfg = loaded
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "override log.level (debug, info, warn, error)")
}

func main() {
	if rootCmd.Execute() != nil {
		os.Exit(1)
	}
}
