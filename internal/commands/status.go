package commands

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inSight-mk1/DWAD/internal/checkpoint"
	"github.com/inSight-mk1/DWAD/internal/store"
)

var statusRuns int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and sync status",
	Long: `Show the local store summary, recent run history and any interrupted
run waiting to be resumed.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusRuns, "runs", 5, "number of recent runs to show")

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.New(&cfg.DataStorage, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	stats, err := st.Stats()
	if err != nil {
		return fmt.Errorf("failed to read store stats: %w", err)
	}
	fmt.Printf("Store: %s\n", cfg.DataStorage.BasePath)
	fmt.Printf("  symbols: %d\n", stats.TotalSymbols)
	fmt.Printf("  size:    %.1f MiB\n", float64(stats.SizeBytes)/(1024*1024))

	ckpt := checkpoint.NewStore(st.DB(), log)
	cp, err := ckpt.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp != nil {
		fmt.Printf("\nInterrupted run %s (%s):\n", cp.RunID, cp.Mode)
		fmt.Printf("  done:      %d\n", len(cp.Done))
		fmt.Printf("  failed:    %d\n", len(cp.Failed))
		fmt.Printf("  remaining: %d\n", len(cp.Remaining()))
		fmt.Printf("  heartbeat: %s\n", cp.LastHeartbeat.Format("2006-01-02 15:04:05"))
		fmt.Println("  run `dwad sync` to resume")
	}

	entries, err := st.ListUpdates(ctx, statusRuns)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(entries) > 0 {
		fmt.Println("\nRecent runs:")
		for _, e := range entries {
			fmt.Printf("  %s  %-12s %-9s ok=%d failed=%d skipped=%d  [%s .. %s]\n",
				e.EndTime.Format("2006-01-02 15:04"), e.Mode, e.Status,
				e.SymbolsSucceeded, e.SymbolsFailed, e.SymbolsSkipped,
				e.DateFrom, e.DateTo)
		}
	}

	log.WithFields(logrus.Fields{
		"symbols": stats.TotalSymbols,
		"runs":    len(entries),
	}).Debug("Status reported")
	return nil
}
