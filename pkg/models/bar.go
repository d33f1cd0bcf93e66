package models

import (
	"time"
)

// DateLayout is the canonical trading-date format used throughout the store.
const DateLayout = "2006-01-02"

// PriceBar is one daily observation for a symbol. Prices are front-adjusted
// against the adjustment basis carried by the owning series.
type PriceBar struct {
	Symbol   string    `json:"symbol"`
	Date     time.Time `json:"date"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   int64     `json:"volume"`
	Turnover float64   `json:"turnover"`
}

// DateKey returns the bar's trading date in DateLayout form.
func (b PriceBar) DateKey() string {
	return b.Date.Format(DateLayout)
}

// SymbolSeries is the complete ordered history for one symbol under a single
// adjustment basis. Bars are sorted ascending by date with no duplicates;
// mixing bars from different adjustment bases is never valid.
type SymbolSeries struct {
	Symbol      string     `json:"symbol"`
	AdjustBasis string     `json:"adjust_basis"` // anchor date of the front-adjustment
	Bars        []PriceBar `json:"bars"`
}

// Start returns the first trading date of the series, or the zero time.
func (s *SymbolSeries) Start() time.Time {
	if len(s.Bars) == 0 {
		return time.Time{}
	}
	return s.Bars[0].Date
}

// End returns the last trading date of the series, or the zero time.
func (s *SymbolSeries) End() time.Time {
	if len(s.Bars) == 0 {
		return time.Time{}
	}
	return s.Bars[len(s.Bars)-1].Date
}

// Quote is a realtime valuation snapshot for one symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	MarketCap float64   `json:"market_cap,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MidnightUTC normalizes a time to its trading date at midnight UTC.
func MidnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
