package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inSight-mk1/DWAD/pkg/config"
	"github.com/inSight-mk1/DWAD/pkg/models"
)

func newTestRESTClient(serverURL string) *RESTClient {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewRESTClient(&config.ProviderConfig{
		Token:        "test-token",
		TerminalAddr: serverURL,
		Timeout:      5 * time.Second,
	}, 0, log)
}

func TestListSymbolsFiltersExchanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/symbols", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"symbol": "SHSE.600000", "sec_name": "SPD Bank", "list_date": "1999-11-10"},
			{"symbol": "SZSE.000001", "sec_name": "Ping An Bank", "list_date": "1991-04-03"},
			{"symbol": "BJSE.830001", "sec_name": "Out of scope"},
			{"symbol": "garbage"},
		})
	}))
	defer srv.Close()

	c := newTestRESTClient(srv.URL)
	symbols, err := c.ListSymbols(context.Background())
	require.NoError(t, err)

	require.Len(t, symbols, 2)
	assert.Equal(t, "SHSE.600000", symbols[0].String())
	assert.Equal(t, "SPD Bank", symbols[0].Name)
	assert.Equal(t, "SZSE.000001", symbols[1].String())
}

func TestFetchBarsConvertsRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/history", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "SHSE.600000", q.Get("symbol"))
		assert.Equal(t, "prev", q.Get("adjust"))
		assert.Equal(t, "1d", q.Get("frequency"))
		assert.Equal(t, "2024-06-03", q.Get("start_date"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"adjust_basis": "2024-06-10",
			"bars": []map[string]interface{}{
				{"date": "2024-06-03", "open": 10.1, "high": 10.5, "low": 9.9, "close": 10.3, "volume": 120000.0, "turnover": 1.23e6},
				{"eob": "2024-06-04", "open": 10.3, "high": 10.8, "low": 10.2, "close": 10.7, "volume": 98000.0},
			},
		})
	}))
	defer srv.Close()

	c := newTestRESTClient(srv.URL)
	page, err := c.FetchBars(context.Background(),
		"SHSE.600000",
		time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, "2024-06-10", page.AdjustBasis)
	require.Len(t, page.Bars, 2)
	assert.Equal(t, "2024-06-03", page.Bars[0].DateKey())
	assert.Equal(t, int64(120000), page.Bars[0].Volume)
	assert.Equal(t, "2024-06-04", page.Bars[1].DateKey(), "eob date field is accepted")
	assert.Zero(t, page.Bars[1].Turnover, "turnover is optional")
}

func TestFetchBarsPagination(t *testing.T) {
	firstPage := make([]map[string]interface{}, maxBarsPerRequest)
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range firstPage {
		firstPage[i] = map[string]interface{}{
			"date": start.AddDate(0, 0, i).Format(models.DateLayout),
			"open": 1.0, "high": 1.0, "low": 1.0, "close": 1.0, "volume": 1.0,
		}
	}
	lastDate := start.AddDate(0, 0, maxBarsPerRequest-1)

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"adjust_basis": "2024-06-10",
				"bars":         firstPage,
			})
			return
		}
		// Second page resumes the day after the last returned bar.
		assert.Equal(t, lastDate.AddDate(0, 0, 1).Format(models.DateLayout), r.URL.Query().Get("start_date"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"adjust_basis": "2024-06-10",
			"bars": []map[string]interface{}{
				{"date": lastDate.AddDate(0, 0, 1).Format(models.DateLayout), "open": 2.0, "high": 2.0, "low": 2.0, "close": 2.0, "volume": 2.0},
			},
		})
	}))
	defer srv.Close()

	c := newTestRESTClient(srv.URL)
	page, err := c.FetchBars(context.Background(), "SHSE.600000", start, lastDate.AddDate(0, 0, 30))
	require.NoError(t, err)

	assert.Equal(t, 2, requests)
	assert.Len(t, page.Bars, maxBarsPerRequest+1)
}

func TestFetchBarsRejectsBasisChangeMidFetch(t *testing.T) {
	fullPage := make([]map[string]interface{}, maxBarsPerRequest)
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range fullPage {
		fullPage[i] = map[string]interface{}{
			"date": start.AddDate(0, 0, i).Format(models.DateLayout),
			"open": 1.0, "high": 1.0, "low": 1.0, "close": 1.0, "volume": 1.0,
		}
	}

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		basis := "2024-06-10"
		if requests > 1 {
			basis = "2024-06-11"
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"adjust_basis": basis,
			"bars":         fullPage,
		})
	}))
	defer srv.Close()

	c := newTestRESTClient(srv.URL)
	_, err := c.FetchBars(context.Background(), "SHSE.600000", start, start.AddDate(10, 0, 0))

	var se *SymbolError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Reason, "basis changed mid-fetch")
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		fatal     bool
		transient bool
	}{
		{"unauthorized is fatal", http.StatusUnauthorized, true, false},
		{"forbidden is fatal", http.StatusForbidden, true, false},
		{"rate limited is transient", http.StatusTooManyRequests, false, true},
		{"server error is transient", http.StatusBadGateway, false, true},
		{"not found is terminal", http.StatusNotFound, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c := newTestRESTClient(srv.URL)
			_, err := c.ListSymbols(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.fatal, errors.Is(err, ErrConnectionLost))
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestUnreachableTerminalIsConnectionLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens here anymore

	c := newTestRESTClient(srv.URL)
	_, err := c.ListSymbols(context.Background())
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestFetchValuation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/current", r.URL.Path)
		assert.Equal(t, "SHSE.600000,SZSE.000001", r.URL.Query().Get("symbols"))

		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"symbol": "SHSE.600000", "price": 10.35, "market_cap": 3.1e10},
			{"symbol": "SZSE.000001", "price": 11.02},
			{"price": 1.0}, // no symbol, dropped
		})
	}))
	defer srv.Close()

	c := newTestRESTClient(srv.URL)
	quotes, err := c.FetchValuation(context.Background(), []string{"SHSE.600000", "SZSE.000001"})
	require.NoError(t, err)

	require.Len(t, quotes, 2)
	assert.Equal(t, 10.35, quotes[0].Price)
	assert.Equal(t, 3.1e10, quotes[0].MarketCap)
}

func TestConvertBarRejectsBadRow(t *testing.T) {
	_, err := convertBar("SHSE.600000", map[string]interface{}{"date": "2024-06-03", "open": 1.0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "high")

	_, err = convertBar("SHSE.600000", map[string]interface{}{"date": "not-a-date"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse date")

	_, err = convertBar("SHSE.600000", map[string]interface{}{
		"date": "2024-06-03", "open": "10.5", "high": 11.0, "low": 10.0, "close": 10.8, "volume": 5.0,
	})
	assert.NoError(t, err, "stringly-typed numbers are tolerated")
}

func ExampleSymbolError() {
	err := &SymbolError{Symbol: "SHSE.600000", Reason: "delisted"}
	fmt.Println(err)
	// Output: symbol SHSE.600000: delisted
}
