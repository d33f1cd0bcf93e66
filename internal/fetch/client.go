package fetch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inSight-mk1/DWAD/internal/provider"
	"github.com/inSight-mk1/DWAD/pkg/config"
	"github.com/inSight-mk1/DWAD/pkg/models"
)

// Client wraps the provider with batching, admission control and bounded
// retry. The semaphore is the sole admission gate: at most batch_size fetch
// units are in flight at any time, and callers beyond that block until
// capacity frees.
type Client struct {
	provider provider.Client
	sem      chan struct{}
	logger   *logrus.Entry

	maxRetries int
	backoff    time.Duration
}

// New creates a fetch client over the given provider session.
func New(p provider.Client, cfg *config.FetcherConfig, logger *logrus.Logger) *Client {
	return &Client{
		provider:   p,
		sem:        make(chan struct{}, cfg.BatchSize),
		logger:     logger.WithField("component", "fetch-client"),
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
	}
}

// FetchSymbolList refreshes the tradable universe. Failures here are fatal:
// without a universe there is nothing to synchronize.
func (c *Client) FetchSymbolList(ctx context.Context) ([]models.Symbol, error) {
	symbols, err := c.provider.ListSymbols(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.WithField("count", len(symbols)).Info("Refreshed symbol universe")
	return symbols, nil
}

// FetchBars fetches one symbol's bars for [start, end], retrying transient
// failures with exponential back-off. On retry exhaustion it returns a
// *provider.SymbolError; fatal errors (connection lost, cancellation) pass
// through untouched.
func (c *Client) FetchBars(ctx context.Context, symbol string, start, end time.Time) (*provider.BarPage, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	var lastErr error
	delay := c.backoff
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(logrus.Fields{
				"symbol":  symbol,
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying fetch")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}

		page, err := c.provider.FetchBars(ctx, symbol, start, end)
		if err == nil {
			return page, nil
		}
		if provider.IsFatal(err) {
			return nil, err
		}
		if !provider.IsTransient(err) {
			// Permanent per-symbol failure, retrying won't help.
			return nil, toSymbolError(symbol, err)
		}
		lastErr = err
	}

	c.logger.WithFields(logrus.Fields{
		"symbol":  symbol,
		"retries": c.maxRetries,
	}).WithError(lastErr).Warn("Fetch retries exhausted")

	return nil, &provider.SymbolError{Symbol: symbol, Reason: lastErr.Error()}
}

// FetchValuation passes a realtime snapshot request through the admission
// gate so quote polling shares the same terminal budget as bar fetches.
func (c *Client) FetchValuation(ctx context.Context, symbols []string) ([]models.Quote, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	return c.provider.FetchValuation(ctx, symbols)
}

func toSymbolError(symbol string, err error) error {
	if se, ok := err.(*provider.SymbolError); ok {
		return se
	}
	return &provider.SymbolError{Symbol: symbol, Reason: err.Error()}
}
