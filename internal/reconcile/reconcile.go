// Package reconcile folds freshly scraped observations into a stored set.
// Merging is pure so both storage backends share one semantics.
package reconcile

import (
	"sort"

	"github.com/sovrisk/cds-feeder/internal/cds"
)

// Merge combines incoming observations with existing ones by date and
// reports what changed. Incoming rows win over stored rows, but a stored
// row whose values already match is left untouched. Duplicate dates inside
// the batch collapse to the last fetched row before counting, so each
// distinct date contributes exactly one MergeStats bucket. The merged set
// comes back ascending by date.
func Merge(existing, incoming []cds.Observation) ([]cds.Observation, cds.MergeStats) {
	merged := make(map[cds.Date]cds.Observation, len(existing)+len(incoming))
	for _, obs := range existing {
		merged[obs.Date] = obs
	}

	var stats cds.MergeStats
	for _, obs := range Collapse(incoming) {
		current, ok := merged[obs.Date]
		switch {
		case !ok:
			stats.Inserted++
		case current.Equal(obs):
			stats.Unchanged++
			continue
		default:
			stats.Updated++
		}
		merged[obs.Date] = obs
	}

	result := make([]cds.Observation, 0, len(merged))
	for _, obs := range merged {
		result = append(result, obs)
	}
	sortByDate(result)
	return result, stats
}

// Collapse deduplicates a batch by date, keeping the last occurrence in
// fetch order, and returns the survivors ascending.
func Collapse(batch []cds.Observation) []cds.Observation {
	seen := make(map[cds.Date]cds.Observation, len(batch))
	for _, obs := range batch {
		seen[obs.Date] = obs
	}
	out := make([]cds.Observation, 0, len(seen))
	for _, obs := range seen {
		out = append(out, obs)
	}
	sortByDate(out)
	return out
}

func sortByDate(observations []cds.Observation) {
	sort.Slice(observations, func(i, j int) bool {
		return observations[i].Date.Before(observations[j].Date)
	})
}
