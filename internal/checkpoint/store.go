package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inSight-mk1/DWAD/pkg/models"
)

// Store persists sync-run checkpoints in the metadata registry. Marks are
// buffered in memory and written out once per batch; a single mutex
// serializes writers so concurrent fetch units cannot interleave updates.
type Store struct {
	db     *sql.DB
	logger *logrus.Entry

	mu            sync.Mutex
	pendingDone   []string
	pendingFailed map[string]string
}

// NewStore creates a checkpoint store over the shared registry handle.
func NewStore(db *sql.DB, logger *logrus.Logger) *Store {
	return &Store{
		db:            db,
		logger:        logger.WithField("component", "checkpoint"),
		pendingFailed: make(map[string]string),
	}
}

// Begin persists a fresh checkpoint for a starting run. Any stale checkpoint
// from an earlier run is replaced: only one run can be in flight.
func (s *Store) Begin(ctx context.Context, runID string, mode models.SyncMode, anchor, startDate string, universe []string) (*models.SyncCheckpoint, error) {
	cp := &models.SyncCheckpoint{
		RunID:         runID,
		Mode:          mode,
		AnchorDate:    anchor,
		StartDate:     startDate,
		Universe:      universe,
		UniverseHash:  models.HashUniverse(universe),
		Done:          make(map[string]bool),
		Failed:        make(map[string]string),
		LastHeartbeat: time.Now().UTC(),
	}

	universeJSON, err := json.Marshal(universe)
	if err != nil {
		return nil, fmt.Errorf("marshal universe: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_runs`); err != nil {
		return nil, fmt.Errorf("clear stale runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_symbols`); err != nil {
		return nil, fmt.Errorf("clear stale run symbols: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, mode, anchor_date, start_date, universe, universe_hash, heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, string(mode), anchor, startDate, string(universeJSON), cp.UniverseHash, cp.LastHeartbeat.Unix(),
	); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sync_symbols (run_id, symbol, state) VALUES (?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare symbol insert: %w", err)
	}
	defer stmt.Close()
	for _, sym := range universe {
		if _, err := stmt.ExecContext(ctx, runID, sym, string(models.SymbolPending)); err != nil {
			return nil, fmt.Errorf("insert run symbol %s: %w", sym, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit checkpoint: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":  runID,
		"mode":    mode,
		"symbols": len(universe),
	}).Info("Checkpoint created")
	return cp, nil
}

// MarkDone records a completed symbol. The mark is buffered until Flush.
func (s *Store) MarkDone(cp *models.SyncCheckpoint, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.Done[symbol] = true
	s.pendingDone = append(s.pendingDone, symbol)
}

// MarkFailed records a definitively failed symbol with its reason. The mark
// is buffered until Flush.
func (s *Store) MarkFailed(cp *models.SyncCheckpoint, symbol, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.Failed[symbol] = reason
	s.pendingFailed[symbol] = reason
}

// Flush persists all buffered marks and refreshes the heartbeat. Called once
// per batch to bound checkpoint I/O while keeping resume granularity at the
// batch boundary. On failure the marks go back into the buffer so the next
// flush retries them instead of silently dropping resume progress.
func (s *Store) Flush(ctx context.Context, cp *models.SyncCheckpoint) error {
	s.mu.Lock()
	done := s.pendingDone
	failed := s.pendingFailed
	s.pendingDone = nil
	s.pendingFailed = make(map[string]string)
	s.mu.Unlock()

	if err := s.flushMarks(ctx, cp, done, failed); err != nil {
		s.mu.Lock()
		s.pendingDone = append(done, s.pendingDone...)
		for sym, reason := range failed {
			if _, ok := s.pendingFailed[sym]; !ok {
				s.pendingFailed[sym] = reason
			}
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) flushMarks(ctx context.Context, cp *models.SyncCheckpoint, done []string, failed map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	for _, sym := range done {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_symbols SET state = ?, reason = NULL WHERE run_id = ? AND symbol = ?`,
			string(models.SymbolDone), cp.RunID, sym); err != nil {
			return fmt.Errorf("flush done mark %s: %w", sym, err)
		}
	}
	for sym, reason := range failed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_symbols SET state = ?, reason = ? WHERE run_id = ? AND symbol = ?`,
			string(models.SymbolFailed), reason, cp.RunID, sym); err != nil {
			return fmt.Errorf("flush failed mark %s: %w", sym, err)
		}
	}

	cp.LastHeartbeat = time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_runs SET heartbeat = ? WHERE run_id = ?`,
		cp.LastHeartbeat.Unix(), cp.RunID); err != nil {
		return fmt.Errorf("flush heartbeat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}
	return nil
}

// Heartbeat refreshes the run's liveness timestamp without flushing marks.
func (s *Store) Heartbeat(ctx context.Context, cp *models.SyncCheckpoint) error {
	cp.LastHeartbeat = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET heartbeat = ? WHERE run_id = ?`,
		cp.LastHeartbeat.Unix(), cp.RunID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Load returns the persisted checkpoint of an interrupted run, or nil when
// no run is in flight.
func (s *Store) Load(ctx context.Context) (*models.SyncCheckpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, mode, anchor_date, start_date, universe, universe_hash, heartbeat FROM sync_runs`)

	var cp models.SyncCheckpoint
	var mode, universeJSON string
	var heartbeat int64
	if err := row.Scan(&cp.RunID, &mode, &cp.AnchorDate, &cp.StartDate, &universeJSON, &cp.UniverseHash, &heartbeat); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load run: %w", err)
	}
	cp.Mode = models.SyncMode(mode)
	cp.LastHeartbeat = time.Unix(heartbeat, 0).UTC()
	if err := json.Unmarshal([]byte(universeJSON), &cp.Universe); err != nil {
		return nil, fmt.Errorf("unmarshal universe: %w", err)
	}

	cp.Done = make(map[string]bool)
	cp.Failed = make(map[string]string)
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, state, COALESCE(reason, '') FROM sync_symbols WHERE run_id = ?`, cp.RunID)
	if err != nil {
		return nil, fmt.Errorf("load run symbols: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var symbol, state, reason string
		if err := rows.Scan(&symbol, &state, &reason); err != nil {
			return nil, fmt.Errorf("scan run symbol: %w", err)
		}
		switch models.SymbolState(state) {
		case models.SymbolDone:
			cp.Done[symbol] = true
		case models.SymbolFailed:
			cp.Failed[symbol] = reason
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &cp, nil
}

// Complete deletes the persisted checkpoint after a fully finalized run.
func (s *Store) Complete(ctx context.Context, cp *models.SyncCheckpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_symbols WHERE run_id = ?`, cp.RunID); err != nil {
		return fmt.Errorf("delete run symbols: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_runs WHERE run_id = ?`, cp.RunID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}

	s.logger.WithField("run_id", cp.RunID).Info("Checkpoint deleted")
	return nil
}
