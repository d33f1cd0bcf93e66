package provider

import (
	"context"
	"time"

	"github.com/inSight-mk1/DWAD/pkg/models"
)

// BarPage is one FetchBars response: front-adjusted daily bars plus the
// anchor date of the adjustment they were computed against. Bars from pages
// with different bases must never be merged into one series.
type BarPage struct {
	AdjustBasis string
	Bars        []models.PriceBar
}

// Client is the capability exposed by the remote market-data terminal.
// Implementations carry their own session (token, terminal address); there is
// no process-wide provider state.
type Client interface {
	// ListSymbols returns the current tradable universe in provider order.
	ListSymbols(ctx context.Context) ([]models.Symbol, error)

	// FetchBars returns the front-adjusted daily bars for one symbol over
	// [start, end], ascending by date.
	FetchBars(ctx context.Context, symbol string, start, end time.Time) (*BarPage, error)

	// FetchValuation returns realtime price/market-cap snapshots for a
	// batch of symbols.
	FetchValuation(ctx context.Context, symbols []string) ([]models.Quote, error)

	Close() error
}
