package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inSight-mk1/DWAD/internal/checkpoint"
	"github.com/inSight-mk1/DWAD/internal/fetch"
	"github.com/inSight-mk1/DWAD/internal/provider"
	"github.com/inSight-mk1/DWAD/internal/quote"
	"github.com/inSight-mk1/DWAD/internal/store"
	"github.com/inSight-mk1/DWAD/pkg/config"
	"github.com/inSight-mk1/DWAD/pkg/models"
)

type staticProvider struct{}

func (staticProvider) ListSymbols(ctx context.Context) ([]models.Symbol, error) { return nil, nil }

func (staticProvider) FetchBars(ctx context.Context, symbol string, start, end time.Time) (*provider.BarPage, error) {
	return nil, nil
}

func (staticProvider) FetchValuation(ctx context.Context, symbols []string) ([]models.Quote, error) {
	quotes := make([]models.Quote, 0, len(symbols))
	for _, sym := range symbols {
		quotes = append(quotes, models.Quote{Symbol: sym, Price: 10.0, Timestamp: time.Now().UTC()})
	}
	return quotes, nil
}

func (staticProvider) Close() error { return nil }

func day(d int) time.Time {
	return time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC)
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, *checkpoint.Store) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	st, err := store.New(&config.StorageConfig{BasePath: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ckpt := checkpoint.NewStore(st.DB(), log)
	fetcher := fetch.New(staticProvider{}, &config.FetcherConfig{BatchSize: 4}, log)
	quotes := quote.NewService(fetcher, &config.CacheConfig{TTL: time.Minute}, log)
	t.Cleanup(func() { quotes.Close() })

	srv := NewServer(st, ckpt, quotes, &config.DashboardConfig{Host: "127.0.0.1", Port: 0}, log)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, st, ckpt
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var body map[string]string
	status := getJSON(t, ts.URL+"/api/v1/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	ts, st, ckpt := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, st.AppendUpdateLog(ctx, &models.UpdateLogEntry{
		RunID: "run-1", Mode: models.ModeInitial, Status: models.RunCompleted,
		StartTime: day(10), EndTime: day(10),
		SymbolsTotal: 2, SymbolsSucceeded: 2,
		DateFrom: "2024-01-01", DateTo: "2024-06-10",
	}))
	_, err := ckpt.Begin(ctx, "run-2", models.ModeIncremental, "2024-06-11", "", []string{"SHSE.600000"})
	require.NoError(t, err)

	var body struct {
		Store struct {
			TotalSymbols int `json:"total_symbols"`
		} `json:"store"`
		LatestRun struct {
			RunID string `json:"run_id"`
		} `json:"latest_run"`
		InterruptedRun struct {
			RunID     string `json:"run_id"`
			Remaining int    `json:"remaining"`
		} `json:"interrupted_run"`
	}
	status := getJSON(t, ts.URL+"/api/v1/status", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "run-1", body.LatestRun.RunID)
	assert.Equal(t, "run-2", body.InterruptedRun.RunID)
	assert.Equal(t, 1, body.InterruptedRun.Remaining)
}

func TestSymbolsEndpoint(t *testing.T) {
	ts, st, _ := newTestServer(t)

	require.NoError(t, st.SaveSymbolInfo(context.Background(), []models.Symbol{
		{Exchange: "SHSE", Code: "600000", Name: "SPD Bank"},
	}))

	var body struct {
		Count   int             `json:"count"`
		Symbols []models.Symbol `json:"symbols"`
	}
	status := getJSON(t, ts.URL+"/api/v1/symbols", &body)
	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "600000", body.Symbols[0].Code)
}

func TestBarsEndpoint(t *testing.T) {
	ts, st, _ := newTestServer(t)

	series := &models.SymbolSeries{
		Symbol:      "SHSE.600000",
		AdjustBasis: "2024-06-10",
		Bars: []models.PriceBar{
			{Symbol: "SHSE.600000", Date: day(3), Close: 10.0, Volume: 1},
			{Symbol: "SHSE.600000", Date: day(4), Close: 10.5, Volume: 1},
			{Symbol: "SHSE.600000", Date: day(5), Close: 10.2, Volume: 1},
		},
	}
	require.NoError(t, st.WriteSeries(context.Background(), series))

	var body struct {
		Symbol      string            `json:"symbol"`
		AdjustBasis string            `json:"adjust_basis"`
		Count       int               `json:"count"`
		Bars        []models.PriceBar `json:"bars"`
	}
	status := getJSON(t, ts.URL+"/api/v1/symbols/SHSE.600000/bars", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2024-06-10", body.AdjustBasis)
	assert.Equal(t, 3, body.Count)

	// Date-range filtering.
	status = getJSON(t, ts.URL+"/api/v1/symbols/SHSE.600000/bars?from=2024-06-04&to=2024-06-04", &body)
	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, 10.5, body.Bars[0].Close)
}

func TestBarsEndpointUnknownSymbol(t *testing.T) {
	ts, _, _ := newTestServer(t)

	status := getJSON(t, ts.URL+"/api/v1/symbols/SHSE.999999/bars", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestBarsEndpointBadDate(t *testing.T) {
	ts, st, _ := newTestServer(t)
	require.NoError(t, st.WriteSeries(context.Background(), &models.SymbolSeries{
		Symbol: "SHSE.600000", AdjustBasis: "2024-06-10",
		Bars: []models.PriceBar{{Symbol: "SHSE.600000", Date: day(3), Close: 1}},
	}))

	status := getJSON(t, ts.URL+"/api/v1/symbols/SHSE.600000/bars?from=junk", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestQuotesEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var body struct {
		Quotes []models.Quote `json:"quotes"`
	}
	status := getJSON(t, ts.URL+"/api/v1/quotes?symbols=SHSE.600000,SZSE.000001", &body)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, body.Quotes, 2)

	status = getJSON(t, ts.URL+"/api/v1/quotes", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}
