package sync

import (
	"github.com/sirupsen/logrus"

	"github.com/inSight-mk1/DWAD/pkg/models"
)

// StorageState is what the mode resolver needs to know about the store.
type StorageState struct {
	// HasData is true when at least one symbol series is persisted.
	HasData bool
	// Ambiguous is true when the store could not be inspected reliably.
	Ambiguous bool
}

// ResolveMode decides how this run behaves. Pure function of configuration
// and persisted state; it cannot fail, falling back to an initial load when
// the state is ambiguous.
//
// With mode "auto" and existing data the answer is a destructive full
// refresh: front-adjusted prices are only consistent against a single anchor
// date, so appending bars computed against a newer anchor would corrupt the
// older history. Incremental updates are an explicit opt-in ("update") that
// shifts basis-consistency responsibility to the operator.
func ResolveMode(configMode string, state StorageState, logger *logrus.Entry) models.SyncMode {
	if state.Ambiguous {
		logger.Warn("Storage state ambiguous, falling back to initial load")
		return models.ModeInitial
	}

	switch configMode {
	case "initial":
		return models.ModeInitial
	case "update":
		return models.ModeIncremental
	case "refresh":
		return models.ModeFullRefresh
	}

	// auto
	if !state.HasData {
		return models.ModeInitial
	}
	return models.ModeFullRefresh
}
