package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSymbol(t *testing.T) {
	sym, err := ParseSymbol("SHSE.600000")
	require.NoError(t, err)
	assert.Equal(t, "SHSE", sym.Exchange)
	assert.Equal(t, "600000", sym.Code)
	assert.Equal(t, "SHSE.600000", sym.String())
	assert.Equal(t, "SHSE_600000", sym.FileStem())

	for _, bad := range []string{"", "SHSE", "SHSE.", ".600000"} {
		_, err := ParseSymbol(bad)
		assert.Error(t, err, bad)
	}
}

func TestCheckpointRemainingPreservesOrder(t *testing.T) {
	cp := &SyncCheckpoint{
		Universe: []string{"SHSE.600000", "SZSE.000001", "SHSE.600001", "SZSE.000002"},
		Done:     map[string]bool{"SZSE.000001": true},
		Failed:   map[string]string{"SZSE.000002": "delisted"},
	}

	assert.Equal(t, []string{"SHSE.600000", "SHSE.600001"}, cp.Remaining())
}

func TestHashUniverse(t *testing.T) {
	a := HashUniverse([]string{"SHSE.600000", "SZSE.000001"})
	b := HashUniverse([]string{"SHSE.600000", "SZSE.000001"})
	assert.Equal(t, a, b)

	// Order matters: the hash fingerprints the batching order too.
	c := HashUniverse([]string{"SZSE.000001", "SHSE.600000"})
	assert.NotEqual(t, a, c)
}

func TestMidnightUTC(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)

	got := MidnightUTC(time.Date(2024, 6, 10, 23, 30, 0, 0, loc))
	assert.Equal(t, time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), got)
}

func TestSeriesStartEnd(t *testing.T) {
	empty := &SymbolSeries{}
	assert.True(t, empty.Start().IsZero())
	assert.True(t, empty.End().IsZero())

	s := &SymbolSeries{Bars: []PriceBar{
		{Date: time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)},
		{Date: time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC)},
	}}
	assert.Equal(t, "2024-06-03", s.Start().Format(DateLayout))
	assert.Equal(t, "2024-06-05", s.End().Format(DateLayout))
}
