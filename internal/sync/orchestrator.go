package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inSight-mk1/DWAD/internal/checkpoint"
	"github.com/inSight-mk1/DWAD/internal/fetch"
	"github.com/inSight-mk1/DWAD/internal/provider"
	"github.com/inSight-mk1/DWAD/internal/store"
	"github.com/inSight-mk1/DWAD/pkg/config"
	"github.com/inSight-mk1/DWAD/pkg/models"
)

// storageError tags write failures so the batch loop can tell "this symbol's
// write failed" from "the disk is gone" (a whole batch of storage failures
// aborts the run instead of looping over a dead disk).
type storageError struct {
	err error
}

func (e *storageError) Error() string { return e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

// Orchestrator drives one synchronization run: universe refresh, mode
// resolution, checkpointed batch loop, finalization.
type Orchestrator struct {
	fetcher *fetch.Client
	store   *store.Store
	ckpt    *checkpoint.Store
	cfg     *config.Config
	logger  *logrus.Entry

	now func() time.Time

	mu            sync.Mutex
	earliestFetch time.Time
}

// New creates an orchestrator over the given collaborators.
func New(fetcher *fetch.Client, st *store.Store, ckpt *checkpoint.Store, cfg *config.Config, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		fetcher: fetcher,
		store:   st,
		ckpt:    ckpt,
		cfg:     cfg,
		logger:  logger.WithField("component", "sync-orchestrator"),
		now:     time.Now,
	}
}

// InspectStorage reports the store state the mode resolver consumes.
func (o *Orchestrator) InspectStorage() StorageState {
	universe, err := o.store.ListUniverse()
	if err != nil {
		o.logger.WithError(err).Warn("Failed to inspect storage")
		return StorageState{Ambiguous: true}
	}
	return StorageState{HasData: len(universe) > 0}
}

// Run executes one synchronization run. A returned error means a fatal abort
// (connection lost, cancellation, catastrophic storage failure); the
// checkpoint survives for a future resume. Per-symbol failures are reported
// in the stats and do not produce an error.
func (o *Orchestrator) Run(ctx context.Context) (*models.RunStats, error) {
	stats := &models.RunStats{
		Failed:    make(map[string]string),
		StartTime: o.now().UTC(),
	}
	o.mu.Lock()
	o.earliestFetch = time.Time{}
	o.mu.Unlock()

	// STARTING: the provider is the source of truth for the universe.
	universe, err := o.fetcher.FetchSymbolList(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh symbol universe: %w", err)
	}
	if err := o.store.SaveSymbolInfo(ctx, universe); err != nil {
		return nil, fmt.Errorf("persist symbol universe: %w", err)
	}

	universeIDs := make([]string, len(universe))
	for i, sym := range universe {
		universeIDs[i] = sym.String()
	}

	// RESOLVING_MODE.
	mode := ResolveMode(o.cfg.DataFetcher.Mode, o.InspectStorage(), o.logger)
	anchor := models.MidnightUTC(o.now()).Format(models.DateLayout)

	cp, resumed, err := o.prepareCheckpoint(ctx, mode, anchor, universeIDs)
	if err != nil {
		return nil, err
	}
	// A resumed run keeps the mode it started under, even if the state
	// would resolve differently now (a half-done initial load has data).
	mode = cp.Mode
	stats.Mode = mode
	stats.RunID = cp.RunID
	stats.Total = len(cp.Universe)

	remaining := cp.Universe
	if resumed {
		remaining = cp.Remaining()
		stats.Skipped = len(cp.Done)
		for sym, reason := range cp.Failed {
			stats.Failed[sym] = reason
		}
		o.logger.WithFields(logrus.Fields{
			"run_id":    cp.RunID,
			"done":      len(cp.Done),
			"remaining": len(remaining),
		}).Info("Resuming interrupted run")
	}

	// BATCH_LOOP.
	fatal := o.runBatches(ctx, cp, remaining, stats)

	// FINALIZING.
	stats.EndTime = o.now().UTC()
	stats.Aborted = fatal != nil

	// Incremental runs have no run-wide start date; cover the log entry
	// with the earliest date any symbol actually fetched from.
	dateFrom := cp.StartDate
	if dateFrom == "" {
		o.mu.Lock()
		if !o.earliestFetch.IsZero() {
			dateFrom = o.earliestFetch.Format(models.DateLayout)
		}
		o.mu.Unlock()
	}

	entry := &models.UpdateLogEntry{
		RunID:            cp.RunID,
		Mode:             mode,
		Status:           models.RunCompleted,
		StartTime:        stats.StartTime,
		EndTime:          stats.EndTime,
		SymbolsTotal:     stats.Total,
		SymbolsSucceeded: stats.Succeeded + stats.Skipped,
		SymbolsFailed:    len(stats.Failed),
		SymbolsSkipped:   stats.Skipped,
		DateFrom:         dateFrom,
		DateTo:           cp.AnchorDate,
	}
	if fatal != nil {
		entry.Status = models.RunAborted
	}

	// The update log and checkpoint must be written even when the run
	// context was cancelled, so finalization uses a detached context.
	finCtx := context.Background()
	if err := o.store.AppendUpdateLog(finCtx, entry); err != nil {
		o.logger.WithError(err).Error("Failed to write update log")
	}

	if fatal != nil {
		o.logger.WithFields(logrus.Fields{
			"run_id":    cp.RunID,
			"succeeded": stats.Succeeded,
			"failed":    len(stats.Failed),
		}).Warn("Run aborted, checkpoint saved for resume")
		return stats, fatal
	}

	if mode == models.ModeFullRefresh {
		o.pruneDelisted(finCtx, cp.Universe)
	}

	if err := o.ckpt.Complete(finCtx, cp); err != nil {
		return stats, fmt.Errorf("delete checkpoint: %w", err)
	}

	o.logger.WithFields(logrus.Fields{
		"run_id":    cp.RunID,
		"mode":      mode,
		"succeeded": stats.Succeeded,
		"failed":    len(stats.Failed),
		"skipped":   stats.Skipped,
	}).Info("Run completed")
	return stats, nil
}

// pruneDelisted removes stored series for symbols that left the universe.
// Only a completed full refresh prunes: every surviving series was just
// rebuilt, so anything not in the current universe is a delisting leftover
// stuck on an old adjustment basis.
func (o *Orchestrator) pruneDelisted(ctx context.Context, universe []string) {
	stored, err := o.store.ListUniverse()
	if err != nil {
		o.logger.WithError(err).Warn("Failed to list stored series for pruning")
		return
	}

	current := make(map[string]bool, len(universe))
	for _, sym := range universe {
		current[sym] = true
	}

	removed := 0
	for _, sym := range stored {
		if current[sym] {
			continue
		}
		if err := o.store.DeleteSeries(ctx, sym); err != nil {
			o.logger.WithField("symbol", sym).WithError(err).Warn("Failed to remove delisted series")
			continue
		}
		removed++
	}
	if removed > 0 {
		o.logger.WithField("count", removed).Info("Removed delisted series")
	}
}

// noteFetchStart tracks the earliest date any symbol fetched from, for the
// update log's covered range.
func (o *Orchestrator) noteFetchStart(start time.Time) {
	o.mu.Lock()
	if o.earliestFetch.IsZero() || start.Before(o.earliestFetch) {
		o.earliestFetch = start
	}
	o.mu.Unlock()
}

// prepareCheckpoint loads a resumable checkpoint or begins a fresh one. On a
// fresh full refresh it also clears the sync marks: the single destructive
// step, taken once before the loop. Series bytes are left in place so an
// interruption before any write still leaves every old series readable.
func (o *Orchestrator) prepareCheckpoint(ctx context.Context, mode models.SyncMode, anchor string, universeIDs []string) (*models.SyncCheckpoint, bool, error) {
	if o.cfg.DataFetcher.ResumeDownload {
		cp, err := o.ckpt.Load(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("load checkpoint: %w", err)
		}
		if cp != nil {
			// Resumable when the universe is unchanged and the mode is
			// compatible: an explicit mode must match the checkpoint,
			// while "auto" defers to whatever the interrupted run was.
			modeOK := cp.Mode == mode || o.cfg.DataFetcher.Mode == "auto"
			if modeOK && cp.UniverseHash == models.HashUniverse(universeIDs) {
				return cp, true, nil
			}
			o.logger.WithFields(logrus.Fields{
				"run_id":          cp.RunID,
				"checkpoint_mode": cp.Mode,
				"run_mode":        mode,
			}).Warn("Stale checkpoint does not match current run, discarding")
			if err := o.ckpt.Complete(ctx, cp); err != nil {
				return nil, false, fmt.Errorf("discard stale checkpoint: %w", err)
			}
		}
	}

	startDate := ""
	if mode != models.ModeIncremental {
		startDate = o.cfg.DataFetcher.DefaultStartDate
	}

	if mode == models.ModeFullRefresh {
		if err := o.store.ClearSyncMarks(ctx); err != nil {
			return nil, false, fmt.Errorf("clear sync marks: %w", err)
		}
		o.logger.Info("Full refresh: sync marks cleared, rebuilding all series")
	}

	cp, err := o.ckpt.Begin(ctx, uuid.NewString(), mode, anchor, startDate, universeIDs)
	if err != nil {
		return nil, false, fmt.Errorf("begin checkpoint: %w", err)
	}
	return cp, false, nil
}

// runBatches partitions the remaining universe into batch_size batches and
// processes them in order, with the symbols of each batch fetched
// concurrently. Returns the fatal error that aborted the loop, or nil.
func (o *Orchestrator) runBatches(ctx context.Context, cp *models.SyncCheckpoint, remaining []string, stats *models.RunStats) error {
	batchSize := o.cfg.DataFetcher.BatchSize
	totalBatches := (len(remaining) + batchSize - 1) / batchSize

	for i := 0; i < len(remaining); i += batchSize {
		end := i + batchSize
		if end > len(remaining) {
			end = len(remaining)
		}
		batch := remaining[i:end]

		if err := ctx.Err(); err != nil {
			return err
		}

		fatal := o.runBatch(ctx, cp, batch, stats)

		// Progress must survive an abort, so the flush is detached from
		// the possibly-cancelled run context.
		if err := o.ckpt.Flush(context.Background(), cp); err != nil {
			o.logger.WithError(err).Error("Failed to flush checkpoint")
		}

		if fatal != nil {
			return fatal
		}

		o.logger.WithFields(logrus.Fields{
			"batch":     i/batchSize + 1,
			"batches":   totalBatches,
			"succeeded": stats.Succeeded,
			"failed":    len(stats.Failed),
		}).Info("Batch completed")
	}

	return nil
}

func (o *Orchestrator) runBatch(ctx context.Context, cp *models.SyncCheckpoint, batch []string, stats *models.RunStats) error {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg              sync.WaitGroup
		mu              sync.Mutex
		fatal           error
		storageFailures int
	)

	for _, symbol := range batch {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()

			err := o.syncSymbol(batchCtx, cp, symbol)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				o.ckpt.MarkDone(cp, symbol)
				stats.Succeeded++
			case isSymbolFailure(err):
				var sErr *storageError
				if errors.As(err, &sErr) {
					storageFailures++
				}
				o.ckpt.MarkFailed(cp, symbol, err.Error())
				stats.Failed[symbol] = err.Error()
				o.logger.WithField("symbol", symbol).WithError(err).Warn("Symbol failed")
			default:
				if fatal == nil {
					fatal = err
				}
				cancel() // stop admitting work in this batch
			}
		}(symbol)
	}
	wg.Wait()

	if fatal != nil {
		return fatal
	}
	if storageFailures == len(batch) && len(batch) > 0 {
		return fmt.Errorf("storage writes failed for the entire batch: %s", stats.Failed[batch[0]])
	}
	return nil
}

// syncSymbol fetches, merges and writes one symbol. A nil return means the
// symbol is done; a *provider.SymbolError or *storageError is a contained
// per-symbol failure; anything else is fatal.
func (o *Orchestrator) syncSymbol(ctx context.Context, cp *models.SyncCheckpoint, symbol string) error {
	today := models.MidnightUTC(o.now())

	var (
		start    time.Time
		existing *models.SymbolSeries
	)

	if cp.Mode == models.ModeIncremental {
		lastSynced, _, ok, err := o.store.SyncMark(ctx, symbol)
		if err != nil {
			return &storageError{err}
		}
		if ok {
			start = lastSynced.AddDate(0, 0, 1)
			if start.After(today) {
				// Already current, nothing to fetch.
				return nil
			}
			prev, err := o.store.ReadSeries(symbol)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return &storageError{err}
			}
			existing = prev
		} else {
			start, err = time.ParseInLocation(models.DateLayout, o.cfg.DataFetcher.DefaultStartDate, time.UTC)
			if err != nil {
				return fmt.Errorf("parse default start date: %w", err)
			}
		}
	} else {
		var err error
		start, err = time.ParseInLocation(models.DateLayout, cp.StartDate, time.UTC)
		if err != nil {
			return fmt.Errorf("parse run start date: %w", err)
		}
	}

	o.noteFetchStart(start)

	page, err := o.fetcher.FetchBars(ctx, symbol, start, today)
	if err != nil {
		return err
	}

	if len(page.Bars) == 0 {
		if cp.Mode == models.ModeIncremental {
			// Nothing elapsed (holiday window); the series is current.
			return nil
		}
		return &provider.SymbolError{Symbol: symbol, Reason: "provider returned no bars for requested range"}
	}

	// A full or initial run writes every symbol against the checkpoint's
	// anchor. If the provider's adjustment anchor has moved past it (a
	// resume across midnight, or a corporate action mid-run), writing these
	// bars would leave the store mixed-basis; fail the symbol instead.
	if cp.Mode != models.ModeIncremental && page.AdjustBasis != "" && page.AdjustBasis != cp.AnchorDate {
		return &provider.SymbolError{
			Symbol: symbol,
			Reason: fmt.Sprintf("adjustment anchor moved: run anchored at %s, provider serves %s", cp.AnchorDate, page.AdjustBasis),
		}
	}

	basis := page.AdjustBasis
	if basis == "" {
		basis = cp.AnchorDate
	}

	var bars []models.PriceBar
	if existing != nil {
		// Appending under a different anchor would silently mix
		// adjustment bases; refuse and let the operator run a refresh.
		if existing.AdjustBasis != "" && page.AdjustBasis != "" && existing.AdjustBasis != page.AdjustBasis {
			return &provider.SymbolError{
				Symbol: symbol,
				Reason: fmt.Sprintf("adjustment basis mismatch: stored %s, fetched %s", existing.AdjustBasis, page.AdjustBasis),
			}
		}
		bars = MergeBars(existing.Bars, page.Bars)
		if existing.AdjustBasis != "" {
			basis = existing.AdjustBasis
		}
	} else {
		bars = MergeBars(nil, page.Bars)
	}

	series := &models.SymbolSeries{
		Symbol:      symbol,
		AdjustBasis: basis,
		Bars:        bars,
	}
	if err := o.store.WriteSeries(ctx, series); err != nil {
		return &storageError{err}
	}
	return nil
}

func isSymbolFailure(err error) bool {
	var se *provider.SymbolError
	if errors.As(err, &se) {
		return true
	}
	var sto *storageError
	return errors.As(err, &sto)
}
