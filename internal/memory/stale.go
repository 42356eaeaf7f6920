package memory

import (
	"context"
	"time"

	"github.com/annalhq/annal/internal/vector"
)

// StaleReport partitions aging agent memories. Stale memories were
// accessed at least once but not recently; never-accessed ones have aged
// past the threshold without a single retrieval.
type StaleReport struct {
	Stale         []Memory `json:"stale"`
	NeverAccessed []Memory `json:"never_accessed"`
}

// FindStale reports agent memories not retrieved within maxAgeDays.
// File-indexed chunks and superseded memories never appear.
func (s *Store) FindStale(ctx context.Context, maxAgeDays int, includeNeverAccessed bool) (StaleReport, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = StaleDefaultDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays).Format(TimeLayout)

	where := vector.Where().
		Eq("chunk_type", ChunkTypeAgentMemory).
		NotExists("superseded_by")
	records, err := s.iterRecords(ctx, where)
	if err != nil {
		return StaleReport{}, err
	}

	report := StaleReport{Stale: []Memory{}, NeverAccessed: []Memory{}}
	for _, rec := range records {
		lastAccessed := rec.Metadata.String("last_accessed_at")
		if lastAccessed != "" {
			if lastAccessed < cutoff {
				report.Stale = append(report.Stale, memoryFromRecord(rec))
			}
			continue
		}
		if includeNeverAccessed && rec.Metadata.String("created_at") < cutoff {
			report.NeverAccessed = append(report.NeverAccessed, memoryFromRecord(rec))
		}
	}
	return report, nil
}
