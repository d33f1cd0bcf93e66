package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inSight-mk1/DWAD/internal/fetch"
	"github.com/inSight-mk1/DWAD/internal/provider"
	"github.com/inSight-mk1/DWAD/internal/store"
)

var (
	symbolsRefresh  bool
	symbolsExchange string
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "List the tradable symbol universe",
	Long: `List the symbol registry from the local store.

Examples:
  # List the locally cached universe
  dwad symbols

  # Refresh the registry from the provider first
  dwad symbols --refresh

  # Only Shenzhen listings
  dwad symbols --exchange SZSE`,
	RunE: runSymbols,
}

func init() {
	symbolsCmd.Flags().BoolVar(&symbolsRefresh, "refresh", false, "refresh the registry from the provider before listing")
	symbolsCmd.Flags().StringVar(&symbolsExchange, "exchange", "", "filter by exchange (SHSE or SZSE)")

	rootCmd.AddCommand(symbolsCmd)
}

func runSymbols(cmd *cobra.Command, args []string) error {
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

	if symbolsRefresh {
		client := provider.NewRESTClient(&cfg.Provider, cfg.DataFetcher.MinCallInterval, log)
		defer client.Close()

		fetcher := fetch.New(client, &cfg.DataFetcher, log)
		universe, err := fetcher.FetchSymbolList(ctx)
		if err != nil {
			return fmt.Errorf("failed to refresh universe: %w", err)
		}
		if err := st.SaveSymbolInfo(ctx, universe); err != nil {
			return fmt.Errorf("failed to persist universe: %w", err)
		}
	}

	symbols, err := st.LoadSymbolInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to load symbols: %w", err)
	}

	count := 0
	for _, sym := range symbols {
		if symbolsExchange != "" && !strings.EqualFold(sym.Exchange, symbolsExchange) {
			continue
		}
		fmt.Printf("%-12s %-24s %s\n", sym.String(), sym.Name, sym.ListingDate)
		count++
	}
	fmt.Printf("\n%d symbols\n", count)
	return nil
}
