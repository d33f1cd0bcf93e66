package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inSight-mk1/DWAD/internal/checkpoint"
	"github.com/inSight-mk1/DWAD/internal/fetch"
	"github.com/inSight-mk1/DWAD/internal/provider"
	"github.com/inSight-mk1/DWAD/internal/store"
	syncengine "github.com/inSight-mk1/DWAD/internal/sync"
)

var (
	syncMode   string
	syncDryRun bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize daily price series",
	Long: `Synchronize daily front-adjusted price series into the local store.

The effective mode is resolved from configuration and storage state:
an empty store gets an initial full-history load; with existing data the
default is a full refresh so every series shares one adjustment basis.
Incremental append is an explicit opt-in.

Examples:
  # Resolve mode automatically from storage state
  dwad sync

  # Force a destructive full refresh
  dwad sync --mode refresh

  # Append newly elapsed dates without rebuilding history
  dwad sync --mode update

  # Show the resolved mode and plan without fetching anything
  dwad sync --dry-run`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncMode, "mode", "", "override configured mode (auto, initial, update, refresh)")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "resolve the mode and report the plan without fetching")

	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	if syncMode != "" {
		switch syncMode {
		case "auto", "initial", "update", "refresh":
			cfg.DataFetcher.Mode = syncMode
		default:
			return fmt.Errorf("invalid mode: %s (valid: auto, initial, update, refresh)", syncMode)
		}
	}

	st, err := store.New(&cfg.DataStorage, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	client := provider.NewRESTClient(&cfg.Provider, cfg.DataFetcher.MinCallInterval, log)
	defer client.Close()

	fetcher := fetch.New(client, &cfg.DataFetcher, log)
	ckpt := checkpoint.NewStore(st.DB(), log)
	orch := syncengine.New(fetcher, st, ckpt, cfg, log)

	if syncDryRun {
		mode := syncengine.ResolveMode(cfg.DataFetcher.Mode, orch.InspectStorage(), log.WithField("component", "sync-orchestrator"))
		log.WithFields(logrus.Fields{
			"configured_mode": cfg.DataFetcher.Mode,
			"resolved_mode":   mode,
			"start_date":      cfg.DataFetcher.DefaultStartDate,
			"batch_size":      cfg.DataFetcher.BatchSize,
		}).Info("Dry run, no data will be fetched")
		return nil
	}

	// A signal interrupts the run cleanly: the current batch drains, the
	// checkpoint flushes and the run finalizes as aborted.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stats, err := orch.Run(ctx)
	if err != nil {
		if stats != nil {
			log.WithFields(logrus.Fields{
				"run_id":    stats.RunID,
				"succeeded": stats.Succeeded,
				"failed":    len(stats.Failed),
			}).Warn("Run aborted; rerun `dwad sync` to resume from the checkpoint")
		}
		return fmt.Errorf("sync aborted: %w", err)
	}

	log.WithFields(logrus.Fields{
		"run_id":    stats.RunID,
		"mode":      stats.Mode,
		"total":     stats.Total,
		"succeeded": stats.Succeeded,
		"failed":    len(stats.Failed),
		"skipped":   stats.Skipped,
		"duration":  stats.EndTime.Sub(stats.StartTime).Round(time.Second).String(),
	}).Info("Sync completed")

	for sym, reason := range stats.Failed {
		fmt.Fprintf(os.Stderr, "failed: %s: %s\n", sym, reason)
	}
	return nil
}
