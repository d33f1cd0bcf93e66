package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inSight-mk1/DWAD/pkg/config"
	"github.com/inSight-mk1/DWAD/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	s, err := New(&config.StorageConfig{BasePath: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReadSeriesNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ReadSeries("SHSE.600000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteReadSeries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	original := sampleSeries()

	require.NoError(t, s.WriteSeries(ctx, original))

	got, err := s.ReadSeries("SHSE.600000")
	require.NoError(t, err)
	assert.Equal(t, original, got)

	// The write also advanced the sync mark to the series end.
	last, basis, ok, err := s.SyncMark(ctx, "SHSE.600000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-06-05", last.Format(models.DateLayout))
	assert.Equal(t, "2024-06-10", basis)
}

func TestWriteSeriesReplacesWhole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteSeries(ctx, sampleSeries()))

	replacement := sampleSeries()
	replacement.AdjustBasis = "2024-07-01"
	replacement.Bars = replacement.Bars[:1]
	require.NoError(t, s.WriteSeries(ctx, replacement))

	got, err := s.ReadSeries("SHSE.600000")
	require.NoError(t, err)
	assert.Len(t, got.Bars, 1)
	assert.Equal(t, "2024-07-01", got.AdjustBasis)
}

func TestWriteSeriesLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteSeries(context.Background(), sampleSeries()))

	entries, err := os.ReadDir(s.stocksDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "SHSE_600000.series", entries[0].Name())
}

func TestConcurrentSeriesWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A sync batch writes every symbol's series and sync mark in parallel;
	// registry contention must never surface as a write failure.
	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			series := sampleSeries()
			series.Symbol = fmt.Sprintf("SHSE.6%05d", i)
			for j := range series.Bars {
				series.Bars[j].Symbol = series.Symbol
			}
			errs[i] = s.WriteSeries(ctx, series)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "writer %d", i)
	}

	universe, err := s.ListUniverse()
	require.NoError(t, err)
	assert.Len(t, universe, writers)
	for i := 0; i < writers; i++ {
		_, _, ok, err := s.SyncMark(ctx, fmt.Sprintf("SHSE.6%05d", i))
		require.NoError(t, err)
		assert.True(t, ok, "writer %d mark", i)
	}
}

func TestListUniverse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	universe, err := s.ListUniverse()
	require.NoError(t, err)
	assert.Empty(t, universe)

	require.NoError(t, s.WriteSeries(ctx, sampleSeries()))
	other := sampleSeries()
	other.Symbol = "SZSE.000001"
	require.NoError(t, s.WriteSeries(ctx, other))

	universe, err = s.ListUniverse()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"SHSE.600000", "SZSE.000001"}, universe)

	// A stray non-series file is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(s.stocksDir, "notes.txt"), []byte("x"), 0o644))
	universe, err = s.ListUniverse()
	require.NoError(t, err)
	assert.Len(t, universe, 2)
}

func TestDeleteSeries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteSeries(ctx, sampleSeries()))
	require.NoError(t, s.DeleteSeries(ctx, "SHSE.600000"))

	_, err := s.ReadSeries("SHSE.600000")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, ok, err := s.SyncMark(ctx, "SHSE.600000")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again is not an error.
	assert.NoError(t, s.DeleteSeries(ctx, "SHSE.600000"))
}

func TestClearSyncMarks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteSeries(ctx, sampleSeries()))
	require.NoError(t, s.ClearSyncMarks(ctx))

	_, _, ok, err := s.SyncMark(ctx, "SHSE.600000")
	require.NoError(t, err)
	assert.False(t, ok, "marks are gone")

	// Series bytes survive a mark reset.
	_, err = s.ReadSeries("SHSE.600000")
	assert.NoError(t, err)
}

func TestSymbolInfoRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	symbols := []models.Symbol{
		{Exchange: "SHSE", Code: "600000", Name: "SPD Bank", ListingDate: "1999-11-10"},
		{Exchange: "SZSE", Code: "000001", Name: "Ping An Bank", ListingDate: "1991-04-03"},
	}
	require.NoError(t, s.SaveSymbolInfo(ctx, symbols))

	got, err := s.LoadSymbolInfo(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, symbols, got)

	// Re-saving updates in place instead of duplicating.
	symbols[0].Name = "Shanghai Pudong Development Bank"
	require.NoError(t, s.SaveSymbolInfo(ctx, symbols))
	got, err = s.LoadSymbolInfo(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestUpdateLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestUpdate(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	first := &models.UpdateLogEntry{
		RunID: "run-1", Mode: models.ModeInitial, Status: models.RunCompleted,
		StartTime: time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC),
		SymbolsTotal: 100, SymbolsSucceeded: 98, SymbolsFailed: 2,
		DateFrom: "2024-01-01", DateTo: "2024-06-10",
	}
	require.NoError(t, s.AppendUpdateLog(ctx, first))

	second := &models.UpdateLogEntry{
		RunID: "run-2", Mode: models.ModeIncremental, Status: models.RunAborted,
		StartTime: time.Date(2024, 6, 11, 9, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2024, 6, 11, 9, 5, 0, 0, time.UTC),
		SymbolsTotal: 100, SymbolsSucceeded: 40,
		DateFrom: "2024-06-11", DateTo: "2024-06-11",
	}
	require.NoError(t, s.AppendUpdateLog(ctx, second))

	latest, err = s.LatestUpdate(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "run-2", latest.RunID)
	assert.Equal(t, models.RunAborted, latest.Status)

	entries, err := s.ListUpdates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "run-2", entries[0].RunID, "newest first")
}

func TestStats(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteSeries(context.Background(), sampleSeries()))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalSymbols)
	assert.Greater(t, stats.SizeBytes, int64(0))
}
