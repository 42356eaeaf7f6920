package memory

import "context"

// Batch outcome statuses.
const (
	BatchStored  = "stored"
	BatchSkipped = "skipped"
	BatchHinted  = "hinted"
)

// BatchItem is one memory in a batch store request.
type BatchItem struct {
	Content    string
	Tags       []string
	Source     string
	Supersedes string
}

// BatchOutcome reports what happened to one item.
type BatchOutcome struct {
	Index     int     `json:"index"`
	Status    string  `json:"status"`
	ID        string  `json:"id,omitempty"`
	SimilarID string  `json:"similar_id,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

// BatchResult aggregates a batch store.
type BatchResult struct {
	Outcomes []BatchOutcome `json:"outcomes"`
	Stored   int            `json:"stored"`
	Skipped  int            `json:"skipped"`
}

// StoreBatch stores items with near-duplicate protection. Each item is
// checked against existing agent memories and the items already accepted
// earlier in this batch: a same-type match at or above DedupSkipThreshold
// skips the item, a match in the hint band stores it with an advisory
// outcome. An item that supersedes another bypasses dedup entirely.
func (s *Store) StoreBatch(ctx context.Context, items []BatchItem) (BatchResult, error) {
	result := BatchResult{Outcomes: make([]BatchOutcome, 0, len(items))}
	for i, item := range items {
		outcome := BatchOutcome{Index: i, Status: BatchStored}

		if item.Supersedes == "" {
			similarID, score, err := s.findDuplicate(ctx, item.Content)
			if err != nil {
				return result, err
			}
			if similarID != "" {
				outcome.SimilarID = similarID
				outcome.Score = score
				if score >= DedupSkipThreshold {
					outcome.Status = BatchSkipped
					result.Skipped++
					result.Outcomes = append(result.Outcomes, outcome)
					continue
				}
				outcome.Status = BatchHinted
			}
		}

		id, err := s.Store(ctx, StoreRequest{
			Content:    item.Content,
			Tags:       item.Tags,
			Source:     item.Source,
			Supersedes: item.Supersedes,
		})
		if err != nil {
			return result, err
		}
		outcome.ID = id
		result.Stored++
		result.Outcomes = append(result.Outcomes, outcome)
	}
	return result, nil
}

// findDuplicate returns the closest existing agent memory above the hint
// threshold, if any. The candidate list is over-fetched so file-indexed
// chunks at the top cannot hide an agent-memory duplicate further down.
func (s *Store) findDuplicate(ctx context.Context, content string) (string, float64, error) {
	candidates, err := s.searchCore(ctx, SearchRequest{Query: content, Limit: 10})
	if err != nil {
		return "", 0, err
	}
	for _, c := range candidates {
		if c.ChunkType != ChunkTypeAgentMemory {
			continue
		}
		if c.Score >= DedupHintThreshold {
			return c.ID, c.Score, nil
		}
	}
	return "", 0, nil
}
