// Package memory implements the business-logic store for one project:
// tagging, deduplication, supersession, staleness and ranking on top of a
// vector backend.
package memory

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/annalhq/annal/internal/vector"
)

// Chunk types. Agent memories are authored by agents; file-indexed chunks
// come from the file watcher.
const (
	ChunkTypeAgentMemory = "agent-memory"
	ChunkTypeFileIndexed = "file-indexed"
)

// FileSourcePrefix marks sources that originate from indexed files.
const FileSourcePrefix = "file:"

// TimeLayout is the stored timestamp format. Timestamps are UTC and
// compare correctly as plain strings, which the date-bound filters rely on.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Tunables for ranking, dedup and staleness.
const (
	// agentMemoryBoost is added to the ranking key (never the reported
	// score) of agent-memory results so fresh facts win near-ties against
	// indexed documentation.
	agentMemoryBoost = 0.05

	// DedupSkipThreshold is the similarity at which a batch item counts as
	// a duplicate of an existing agent memory and is skipped.
	DedupSkipThreshold = 0.95
	// DedupHintThreshold starts the "similar but stored" advisory band.
	DedupHintThreshold = 0.80

	// FuzzyTagThreshold is the cosine similarity above which a known tag
	// matches a filter tag.
	FuzzyTagThreshold = 0.72

	// StaleDefaultDays is the default age for find_stale.
	StaleDefaultDays = 60
)

var (
	// ErrNotFound is returned when an operation targets a missing memory.
	ErrNotFound = errors.New("memory not found")
	// ErrInvalidArgument is returned for malformed dates and conflicting
	// retag options.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Memory is the caller-visible view of a stored record.
type Memory struct {
	ID             string   `json:"id"`
	Content        string   `json:"content"`
	Tags           []string `json:"tags"`
	Source         string   `json:"source"`
	ChunkType      string   `json:"chunk_type"`
	Score          float64  `json:"score,omitempty"`
	Distance       float64  `json:"distance,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at,omitempty"`
	LastAccessedAt string   `json:"last_accessed_at,omitempty"`
	HitCount       int      `json:"hit_count,omitempty"`
	SupersededBy   string   `json:"superseded_by,omitempty"`
	// Project is attached transiently by cross-project fan-out search.
	Project string `json:"project,omitempty"`
}

func memoryFromRecord(rec vector.Record) Memory {
	m := Memory{
		ID:             rec.ID,
		Content:        rec.Text,
		Tags:           rec.Metadata.Tags(),
		Source:         rec.Metadata.String("source"),
		ChunkType:      rec.Metadata.String("chunk_type"),
		CreatedAt:      rec.Metadata.String("created_at"),
		UpdatedAt:      rec.Metadata.String("updated_at"),
		LastAccessedAt: rec.Metadata.String("last_accessed_at"),
		SupersededBy:   rec.Metadata.String("superseded_by"),
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if n, ok := rec.Metadata.Int("hit_count"); ok {
		m.HitCount = n
	}
	if rec.Distance != nil {
		m.Distance = *rec.Distance
		m.Score = 1 - *rec.Distance
	}
	return m
}

// NormalizeTags lowercases, trims and deduplicates tags, preserving the
// first occurrence's position and dropping empties.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

var isoDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}:\d{2})?`)

// normalizeDateBound expands a date-only bound to the start or end of that
// day so day-granularity filters are inclusive. Returns "" for values that
// are not ISO 8601 date or datetime prefixes.
func normalizeDateBound(value string, endOfDay bool) string {
	if !isoDateRe.MatchString(value) {
		return ""
	}
	if strings.Contains(value, "T") {
		return value
	}
	if endOfDay {
		return value + "T23:59:59"
	}
	return value + "T00:00:00"
}

func nowStamp() string {
	return time.Now().UTC().Format(TimeLayout)
}
