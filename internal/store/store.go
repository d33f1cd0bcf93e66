package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/inSight-mk1/DWAD/pkg/config"
	"github.com/inSight-mk1/DWAD/pkg/models"
)

// ErrNotFound is returned when no series exists for a symbol.
var ErrNotFound = errors.New("store: series not found")

const seriesExt = ".series"

// Store is the durable per-symbol series store plus the metadata registry.
// Series live as one columnar file per symbol under stocks/; the registry
// (symbol universe, sync marks, update log, checkpoint tables) lives in a
// sqlite database under metadata/.
type Store struct {
	basePath  string
	stocksDir string
	metaDir   string
	db        *sql.DB
	logger    *logrus.Entry
}

// New opens (or creates) the store rooted at cfg.BasePath.
func New(cfg *config.StorageConfig, logger *logrus.Logger) (*Store, error) {
	basePath := cfg.BasePath
	stocksDir := filepath.Join(basePath, "stocks")
	metaDir := filepath.Join(basePath, "metadata")
	for _, dir := range []string{basePath, stocksDir, metaDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	dbPath := filepath.Join(metaDir, "registry.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	// Every symbol in a batch writes its sync mark concurrently; sqlite
	// allows a single writer, so a multi-connection pool turns that into
	// SQLITE_BUSY failures. One connection serializes all registry access,
	// and the busy timeout covers an outside reader holding the lock.
	db.SetMaxOpenConns(1)

	// WAL so the dashboard can read while a sync run writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{
		basePath:  basePath,
		stocksDir: stocksDir,
		metaDir:   metaDir,
		db:        db,
		logger:    logger.WithField("component", "store"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate registry: %w", err)
	}

	s.logger.WithField("path", basePath).Debug("Store opened")
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS symbols (
			symbol       TEXT PRIMARY KEY,
			exchange     TEXT NOT NULL,
			name         TEXT,
			listing_date TEXT,
			updated_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_marks (
			symbol       TEXT PRIMARY KEY,
			last_synced  TEXT NOT NULL,
			adjust_basis TEXT NOT NULL,
			checksum     TEXT NOT NULL,
			updated_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS update_log (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id            TEXT NOT NULL,
			mode              TEXT NOT NULL,
			status            TEXT NOT NULL,
			start_time        INTEGER NOT NULL,
			end_time          INTEGER NOT NULL,
			symbols_total     INTEGER NOT NULL,
			symbols_succeeded INTEGER NOT NULL,
			symbols_failed    INTEGER NOT NULL,
			symbols_skipped   INTEGER NOT NULL,
			date_from         TEXT,
			date_to           TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS sync_runs (
			run_id        TEXT PRIMARY KEY,
			mode          TEXT NOT NULL,
			anchor_date   TEXT NOT NULL,
			start_date    TEXT NOT NULL,
			universe      TEXT NOT NULL,
			universe_hash TEXT NOT NULL,
			heartbeat     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_symbols (
			run_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			state  TEXT NOT NULL,
			reason TEXT,
			PRIMARY KEY (run_id, symbol)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// DB exposes the registry handle so the checkpoint store can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the registry database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) seriesPath(symbol string) string {
	return filepath.Join(s.stocksDir, strings.ReplaceAll(symbol, ".", "_")+seriesExt)
}

// ReadSeries loads the complete stored series for a symbol.
func (s *Store) ReadSeries(symbol string) (*models.SymbolSeries, error) {
	f, err := os.Open(s.seriesPath(symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open series %s: %w", symbol, err)
	}
	defer f.Close()

	series, err := decodeSeries(f)
	if err != nil {
		return nil, fmt.Errorf("decode series %s: %w", symbol, err)
	}
	return series, nil
}

// WriteSeries atomically replaces the stored series for a symbol: the new
// file is fully written and synced to a temporary path in the same directory,
// then renamed over the old one. A reader never observes a partial series.
func (s *Store) WriteSeries(ctx context.Context, series *models.SymbolSeries) error {
	data, err := encodeSeries(series)
	if err != nil {
		return fmt.Errorf("encode series %s: %w", series.Symbol, err)
	}

	tmp, err := os.CreateTemp(s.stocksDir, strings.ReplaceAll(series.Symbol, ".", "_")+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp series: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp series: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp series: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp series: %w", err)
	}

	if err := os.Rename(tmpName, s.seriesPath(series.Symbol)); err != nil {
		return fmt.Errorf("swap series %s into place: %w", series.Symbol, err)
	}

	checksum := sha256.Sum256(data)
	if err := s.setSyncMark(ctx, series, hex.EncodeToString(checksum[:])); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"symbol": series.Symbol,
		"bars":   len(series.Bars),
	}).Debug("Series written")
	return nil
}

// DeleteSeries removes a symbol's series file and its sync mark. Missing
// series are not an error.
func (s *Store) DeleteSeries(ctx context.Context, symbol string) error {
	if err := os.Remove(s.seriesPath(symbol)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete series %s: %w", symbol, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_marks WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("delete sync mark %s: %w", symbol, err)
	}
	return nil
}

// ListUniverse returns the symbols with a persisted series, sorted.
func (s *Store) ListUniverse() ([]string, error) {
	entries, err := os.ReadDir(s.stocksDir)
	if err != nil {
		return nil, fmt.Errorf("list series dir: %w", err)
	}

	symbols := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, seriesExt) {
			continue
		}
		stem := strings.TrimSuffix(name, seriesExt)
		symbols = append(symbols, strings.Replace(stem, "_", ".", 1))
	}
	return symbols, nil
}

func (s *Store) setSyncMark(ctx context.Context, series *models.SymbolSeries, checksum string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_marks (symbol, last_synced, adjust_basis, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			last_synced = excluded.last_synced,
			adjust_basis = excluded.adjust_basis,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at`,
		series.Symbol,
		series.End().Format(models.DateLayout),
		series.AdjustBasis,
		checksum,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set sync mark %s: %w", series.Symbol, err)
	}
	return nil
}

// SyncMark returns the last-synced date and adjustment basis recorded for a
// symbol, or ok=false when the symbol has never been synced (or the marks
// were cleared by a full refresh).
func (s *Store) SyncMark(ctx context.Context, symbol string) (lastSynced time.Time, basis string, ok bool, err error) {
	var dateStr string
	row := s.db.QueryRowContext(ctx,
		`SELECT last_synced, adjust_basis FROM sync_marks WHERE symbol = ?`, symbol)
	if err := row.Scan(&dateStr, &basis); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, "", false, nil
		}
		return time.Time{}, "", false, fmt.Errorf("query sync mark %s: %w", symbol, err)
	}
	t, err := time.ParseInLocation(models.DateLayout, dateStr, time.UTC)
	if err != nil {
		return time.Time{}, "", false, fmt.Errorf("parse sync mark %s: %w", symbol, err)
	}
	return t, basis, true, nil
}

// ClearSyncMarks resets every last-synced mark. A full refresh calls this
// once before its batch loop: the run is thereby marked unfinished while the
// old series bytes stay readable until each replacement write lands.
func (s *Store) ClearSyncMarks(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_marks`); err != nil {
		return fmt.Errorf("clear sync marks: %w", err)
	}
	return nil
}

// SaveSymbolInfo upserts the symbol universe snapshot.
func (s *Store) SaveSymbolInfo(ctx context.Context, symbols []models.Symbol) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin symbol upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO symbols (symbol, exchange, name, listing_date, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			name = excluded.name,
			listing_date = excluded.listing_date,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare symbol upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, sym := range symbols {
		if _, err := stmt.ExecContext(ctx, sym.String(), sym.Exchange, sym.Name, sym.ListingDate, now); err != nil {
			return fmt.Errorf("upsert symbol %s: %w", sym.String(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit symbol upsert: %w", err)
	}

	s.logger.WithField("count", len(symbols)).Info("Symbol universe saved")
	return nil
}

// LoadSymbolInfo returns the persisted symbol universe snapshot.
func (s *Store) LoadSymbolInfo(ctx context.Context) ([]models.Symbol, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, name, listing_date FROM symbols ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	defer rows.Close()

	var symbols []models.Symbol
	for rows.Next() {
		var id, name, listing string
		if err := rows.Scan(&id, &name, &listing); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		sym, err := models.ParseSymbol(id)
		if err != nil {
			continue
		}
		sym.Name = name
		sym.ListingDate = listing
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// AppendUpdateLog records one completed or aborted run.
func (s *Store) AppendUpdateLog(ctx context.Context, e *models.UpdateLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO update_log (
			run_id, mode, status, start_time, end_time,
			symbols_total, symbols_succeeded, symbols_failed, symbols_skipped,
			date_from, date_to
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, string(e.Mode), string(e.Status),
		e.StartTime.Unix(), e.EndTime.Unix(),
		e.SymbolsTotal, e.SymbolsSucceeded, e.SymbolsFailed, e.SymbolsSkipped,
		e.DateFrom, e.DateTo,
	)
	if err != nil {
		return fmt.Errorf("append update log: %w", err)
	}
	return nil
}

// LatestUpdate returns the most recent update-log entry, or nil.
func (s *Store) LatestUpdate(ctx context.Context) (*models.UpdateLogEntry, error) {
	entries, err := s.ListUpdates(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// ListUpdates returns up to limit update-log entries, newest first.
func (s *Store) ListUpdates(ctx context.Context, limit int) ([]models.UpdateLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, mode, status, start_time, end_time,
		       symbols_total, symbols_succeeded, symbols_failed, symbols_skipped,
		       date_from, date_to
		FROM update_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query update log: %w", err)
	}
	defer rows.Close()

	var entries []models.UpdateLogEntry
	for rows.Next() {
		var e models.UpdateLogEntry
		var mode, status string
		var start, end int64
		if err := rows.Scan(&e.RunID, &mode, &status, &start, &end,
			&e.SymbolsTotal, &e.SymbolsSucceeded, &e.SymbolsFailed, &e.SymbolsSkipped,
			&e.DateFrom, &e.DateTo); err != nil {
			return nil, fmt.Errorf("scan update log: %w", err)
		}
		e.Mode = models.SyncMode(mode)
		e.Status = models.RunStatus(status)
		e.StartTime = time.Unix(start, 0).UTC()
		e.EndTime = time.Unix(end, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats summarizes the store for the status command and dashboard.
type Stats struct {
	TotalSymbols int   `json:"total_symbols"`
	SizeBytes    int64 `json:"size_bytes"`
}

// Stats walks the store and returns aggregate numbers.
func (s *Store) Stats() (*Stats, error) {
	universe, err := s.ListUniverse()
	if err != nil {
		return nil, err
	}

	var size int64
	err = filepath.WalkDir(s.basePath, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk store: %w", err)
	}

	return &Stats{TotalSymbols: len(universe), SizeBytes: size}, nil
}
