package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inSight-mk1/DWAD/pkg/config"
	"github.com/inSight-mk1/DWAD/pkg/models"
)

// maxBarsPerRequest is the terminal's page cap for history queries.
const maxBarsPerRequest = 1000

// RESTClient talks to the market-data terminal's HTTP API. The terminal
// returns loosely-typed tabular records; this client converts them into typed
// PriceBars so nothing downstream sees the provider's shape.
type RESTClient struct {
	client   *http.Client
	baseURL  string
	token    string
	logger   *logrus.Entry
	interval time.Duration

	mu       sync.Mutex
	lastCall time.Time
}

// NewRESTClient creates a session-scoped terminal client. minCallInterval is
// the minimum gap enforced between terminal calls across all goroutines.
func NewRESTClient(cfg *config.ProviderConfig, minCallInterval time.Duration, logger *logrus.Logger) *RESTClient {
	return &RESTClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:  strings.TrimRight(cfg.TerminalAddr, "/"),
		token:    cfg.Token,
		logger:   logger.WithField("component", "provider-rest"),
		interval: minCallInterval,
	}
}

// ListSymbols returns all listed A-share symbols on the supported exchanges.
func (c *RESTClient) ListSymbols(ctx context.Context) ([]models.Symbol, error) {
	params := url.Values{}
	params.Set("sec_type", "stock")
	params.Set("trade_date", time.Now().UTC().Format(models.DateLayout))

	rows, err := c.getRows(ctx, "/v1/symbols", params)
	if err != nil {
		return nil, err
	}

	symbols := make([]models.Symbol, 0, len(rows))
	for _, row := range rows {
		id := rowString(row, "symbol")
		sym, err := models.ParseSymbol(id)
		if err != nil {
			continue
		}
		// Only the two mainland exchanges are in scope.
		if sym.Exchange != "SHSE" && sym.Exchange != "SZSE" {
			continue
		}
		sym.Name = rowString(row, "sec_name")
		sym.ListingDate = rowString(row, "list_date")
		symbols = append(symbols, sym)
	}

	c.logger.WithField("count", len(symbols)).Debug("Listed symbols")
	return symbols, nil
}

// FetchBars fetches front-adjusted daily bars for [start, end], paging
// through the terminal's row cap.
func (c *RESTClient) FetchBars(ctx context.Context, symbol string, start, end time.Time) (*BarPage, error) {
	page := &BarPage{}

	cursor := start
	for !cursor.After(end) {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("frequency", "1d")
		params.Set("adjust", "prev")
		params.Set("start_date", cursor.Format(models.DateLayout))
		params.Set("end_date", end.Format(models.DateLayout))
		params.Set("limit", fmt.Sprintf("%d", maxBarsPerRequest))

		var resp struct {
			AdjustBasis string                   `json:"adjust_basis"`
			Bars        []map[string]interface{} `json:"bars"`
		}
		if err := c.getJSON(ctx, "/v1/history", params, &resp); err != nil {
			return nil, err
		}

		if page.AdjustBasis == "" {
			page.AdjustBasis = resp.AdjustBasis
		} else if resp.AdjustBasis != page.AdjustBasis {
			return nil, &SymbolError{
				Symbol: symbol,
				Reason: fmt.Sprintf("adjustment basis changed mid-fetch: %s -> %s", page.AdjustBasis, resp.AdjustBasis),
			}
		}

		for _, row := range resp.Bars {
			bar, err := convertBar(symbol, row)
			if err != nil {
				return nil, &SymbolError{Symbol: symbol, Reason: err.Error()}
			}
			page.Bars = append(page.Bars, bar)
		}

		if len(resp.Bars) < maxBarsPerRequest {
			break
		}
		cursor = page.Bars[len(page.Bars)-1].Date.AddDate(0, 0, 1)
	}

	c.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"count":  len(page.Bars),
	}).Debug("Fetched bars")

	return page, nil
}

// FetchValuation returns realtime snapshots for a batch of symbols.
func (c *RESTClient) FetchValuation(ctx context.Context, symbols []string) ([]models.Quote, error) {
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))

	rows, err := c.getRows(ctx, "/v1/current", params)
	if err != nil {
		return nil, err
	}

	quotes := make([]models.Quote, 0, len(rows))
	for _, row := range rows {
		sym := rowString(row, "symbol")
		if sym == "" {
			continue
		}
		price, err := rowFloat(row, "price")
		if err != nil {
			continue
		}
		mcap, _ := rowFloat(row, "market_cap")
		quotes = append(quotes, models.Quote{
			Symbol:    sym,
			Price:     price,
			MarketCap: mcap,
			Timestamp: time.Now().UTC(),
		})
	}

	return quotes, nil
}

// Close releases the underlying transport.
func (c *RESTClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *RESTClient) getRows(ctx context.Context, path string, params url.Values) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	if err := c.getJSON(ctx, path, params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *RESTClient) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	c.enforceRateLimit()

	fullURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsTransient(err) {
			return &TransientError{Op: path, Err: err}
		}
		// Connection refused, DNS failure and friends: the terminal is
		// unreachable, not a per-symbol problem.
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifyStatus(path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// classifyStatus maps an HTTP failure onto the error taxonomy.
func classifyStatus(path string, status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: terminal rejected credentials (status=%d, body=%s)", ErrConnectionLost, status, body)
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransientError{Op: path, Err: fmt.Errorf("status=%d, body=%s", status, body)}
	default:
		return fmt.Errorf("terminal error on %s: status=%d, body=%s", path, status, body)
	}
}

// enforceRateLimit keeps a minimum gap between terminal calls.
func (c *RESTClient) enforceRateLimit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.lastCall)
	if elapsed < c.interval {
		time.Sleep(c.interval - elapsed)
	}
	c.lastCall = time.Now()
}

func convertBar(symbol string, row map[string]interface{}) (models.PriceBar, error) {
	dateStr := rowString(row, "date")
	if dateStr == "" {
		dateStr = rowString(row, "eob")
	}
	date, err := time.ParseInLocation(models.DateLayout, dateStr, time.UTC)
	if err != nil {
		return models.PriceBar{}, fmt.Errorf("failed to parse date %q: %w", dateStr, err)
	}

	open, err := rowFloat(row, "open")
	if err != nil {
		return models.PriceBar{}, err
	}
	high, err := rowFloat(row, "high")
	if err != nil {
		return models.PriceBar{}, err
	}
	low, err := rowFloat(row, "low")
	if err != nil {
		return models.PriceBar{}, err
	}
	closePx, err := rowFloat(row, "close")
	if err != nil {
		return models.PriceBar{}, err
	}
	volume, err := rowFloat(row, "volume")
	if err != nil {
		return models.PriceBar{}, err
	}
	turnover, _ := rowFloat(row, "turnover")

	return models.PriceBar{
		Symbol:   symbol,
		Date:     date,
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePx,
		Volume:   int64(volume),
		Turnover: turnover,
	}, nil
}

func rowString(row map[string]interface{}, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}

func rowFloat(row map[string]interface{}, key string) (float64, error) {
	switch v := row[key].(type) {
	case float64:
		return v, nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err != nil {
			return 0, fmt.Errorf("failed to parse %s %q: %w", key, v, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("missing field %s", key)
	}
}
