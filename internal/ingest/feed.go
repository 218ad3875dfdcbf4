package ingest

import (
	"context"
	"sort"
	"time"

	"github.com/mattjoyce/invoicehook/internal/storage"
)

// Feed returns recent events for display with upstream duplicates folded:
// rows sharing a provider event id (per resource) or the same
// (type, resource, occurred_at) tuple show once, preferring a processed row.
// Stored rows are not modified.
func (s *Store) Feed(ctx context.Context, accountID string, limit int) ([]IngestedEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	// Over-fetch so folding still fills the page.
	rows, err := s.List(ctx, Filter{AccountID: accountID, Limit: limit * 3})
	if err != nil {
		return nil, err
	}
	merged := Merge(rows)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// Merge folds duplicate events. Output keeps newest-first order of the
// surviving rows.
func Merge(events []IngestedEvent) []IngestedEvent {
	index := make(map[string]int, len(events)*2)
	var out []IngestedEvent

	for _, e := range events {
		keys := feedKeys(e)
		pos := -1
		for _, k := range keys {
			if i, ok := index[k]; ok {
				pos = i
				break
			}
		}
		if pos < 0 {
			out = append(out, e)
			pos = len(out) - 1
		} else if prefer(e, out[pos]) {
			out[pos] = e
		}
		for _, k := range keys {
			index[k] = pos
		}
		for _, k := range feedKeys(out[pos]) {
			index[k] = pos
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func feedKeys(e IngestedEvent) []string {
	keys := []string{"t:" + e.EventType + "|" + e.ResourceID + "|" + storage.FormatTime(e.OccurredAt)}
	if e.CEID != "" {
		keys = append(keys, DedupKey(e.CEID, "", e.ResourceID, time.Time{}))
	}
	return keys
}

// prefer reports whether candidate should replace current.
func prefer(candidate, current IngestedEvent) bool {
	if (candidate.Status == StatusProcessed) != (current.Status == StatusProcessed) {
		return candidate.Status == StatusProcessed
	}
	return candidate.CreatedAt.After(current.CreatedAt)
}
