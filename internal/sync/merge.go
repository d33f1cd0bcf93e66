package sync

import (
	"sort"

	"github.com/inSight-mk1/DWAD/pkg/models"
)

// MergeBars merges freshly fetched bars into an existing series. Exactly one
// bar survives per trading date: a fetched bar overwrites the stored bar for
// the same date (it reflects the newer adjustment state), and duplicate dates
// within the fetched slice collapse to the last-seen value. The result is
// sorted ascending by date.
func MergeBars(existing, fetched []models.PriceBar) []models.PriceBar {
	byDate := make(map[string]models.PriceBar, len(existing)+len(fetched))
	for _, bar := range existing {
		byDate[bar.DateKey()] = bar
	}
	for _, bar := range fetched {
		byDate[bar.DateKey()] = bar
	}

	merged := make([]models.PriceBar, 0, len(byDate))
	for _, bar := range byDate {
		merged = append(merged, bar)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Date.Before(merged[j].Date)
	})
	return merged
}
