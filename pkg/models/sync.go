package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// SyncMode is the resolved behavior for one synchronization run.
type SyncMode string

const (
	// ModeInitial downloads the full history for an empty store.
	ModeInitial SyncMode = "initial"
	// ModeIncremental appends newly elapsed trading dates to existing
	// series without recomputing history. Adjustment-basis consistency is
	// the operator's responsibility.
	ModeIncremental SyncMode = "incremental"
	// ModeFullRefresh rebuilds every stored series from scratch so the
	// whole store shares a single adjustment basis.
	ModeFullRefresh SyncMode = "full_refresh"
)

// SymbolState is the per-symbol progress state within a checkpoint.
type SymbolState string

const (
	SymbolPending SymbolState = "pending"
	SymbolDone    SymbolState = "done"
	SymbolFailed  SymbolState = "failed"
)

// SyncCheckpoint is the persisted progress record of an in-flight run. It is
// created when the run starts, flushed after every batch and deleted when the
// run finalizes; a surviving checkpoint marks an interrupted run eligible for
// resume.
type SyncCheckpoint struct {
	RunID         string            `json:"run_id"`
	Mode          SyncMode          `json:"mode"`
	AnchorDate    string            `json:"anchor_date"`
	StartDate     string            `json:"start_date"`
	Universe      []string          `json:"universe"` // provider order, drives batching
	UniverseHash  string            `json:"universe_hash"`
	Done          map[string]bool   `json:"done"`
	Failed        map[string]string `json:"failed"` // symbol -> reason
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// Remaining returns the universe symbols not yet done or failed, preserving
// universe order so a resumed run batches deterministically.
func (c *SyncCheckpoint) Remaining() []string {
	out := make([]string, 0, len(c.Universe))
	for _, sym := range c.Universe {
		if c.Done[sym] {
			continue
		}
		if _, failed := c.Failed[sym]; failed {
			continue
		}
		out = append(out, sym)
	}
	return out
}

// HashUniverse fingerprints an ordered symbol universe. A checkpoint whose
// hash no longer matches the freshly listed universe is not resumable.
func HashUniverse(universe []string) string {
	h := sha256.Sum256([]byte(strings.Join(universe, "\n")))
	return hex.EncodeToString(h[:])
}

// RunStatus is the terminal state of a run recorded in the update log.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// UpdateLogEntry is one append-only audit record per completed or aborted run.
type UpdateLogEntry struct {
	RunID            string    `json:"run_id"`
	Mode             SyncMode  `json:"mode"`
	Status           RunStatus `json:"status"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	SymbolsTotal     int       `json:"symbols_total"`
	SymbolsSucceeded int       `json:"symbols_succeeded"`
	SymbolsFailed    int       `json:"symbols_failed"`
	SymbolsSkipped   int       `json:"symbols_skipped"`
	DateFrom         string    `json:"date_from"`
	DateTo           string    `json:"date_to"`
}

// RunStats aggregates the outcome of one orchestrator run.
type RunStats struct {
	RunID     string            `json:"run_id"`
	Mode      SyncMode          `json:"mode"`
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    map[string]string `json:"failed"` // symbol -> reason
	Skipped   int               `json:"skipped"`
	Aborted   bool              `json:"aborted"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
}
