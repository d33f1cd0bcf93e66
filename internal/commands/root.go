package commands

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inSight-mk1/DWAD/pkg/config"
	"github.com/inSight-mk1/DWAD/pkg/logger"
)

var (
	configPath string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dwad",
	Short: "Daily A-share data acquisition daemon",
	Long: `DWAD synchronizes daily front-adjusted price series for the Chinese
A-share universe into an atomic local columnar store.

Features:
• Automatic mode resolution (initial load vs destructive full refresh)
• Batch-checkpointed runs resumable after interruption
• Bounded-concurrency fetching with provider rate limiting
• Read-only HTTP dashboard over the local store`,
	Version: "1.0.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig builds the runtime configuration and logger shared by all
// subcommands.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	config.LoadDotEnv()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, log, nil
}
