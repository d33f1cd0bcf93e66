package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inSight-mk1/DWAD/internal/checkpoint"
	"github.com/inSight-mk1/DWAD/internal/dashboard"
	"github.com/inSight-mk1/DWAD/internal/fetch"
	"github.com/inSight-mk1/DWAD/internal/provider"
	"github.com/inSight-mk1/DWAD/internal/quote"
	"github.com/inSight-mk1/DWAD/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only dashboard API",
	Long: `Serve the HTTP dashboard over the local store: sync status, run
history, the symbol registry, per-symbol series and realtime quotes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.New(&cfg.DataStorage, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	client := provider.NewRESTClient(&cfg.Provider, cfg.DataFetcher.MinCallInterval, log)
	defer client.Close()

	fetcher := fetch.New(client, &cfg.DataFetcher, log)
	quotes := quote.NewService(fetcher, &cfg.Cache, log)
	defer quotes.Close()

	ckpt := checkpoint.NewStore(st.DB(), log)
	server := dashboard.NewServer(st, ckpt, quotes, &cfg.Dashboard, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("Dashboard stopped")
	return nil
}
