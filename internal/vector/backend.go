// Package vector defines the backend-agnostic contract for vector storage:
// the Backend interface, the record shape shared by every adapter, and the
// filter grammar that adapters translate into their native query languages.
package vector

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Update when the target id does not exist.
var ErrNotFound = errors.New("record not found")

// Overfetch parameters for post-filtered queries: when a backend cannot push
// a condition down natively, it requests overfetchFactor*limit candidates
// (capped at OverfetchCap) and filters client-side.
const (
	OverfetchFactor = 3
	OverfetchCap    = 500
)

// ScanBatchSize bounds each batch of a full-collection walk (post-filtered
// scan/count, metadata iteration).
const ScanBatchSize = 5000

// Metadata is the free-form record payload. Values are strings except for
// "tags" ([]string), "file_mtime" (float64) and "hit_count" (int); adapters
// whose stores cannot hold those types natively encode and decode them.
type Metadata map[string]any

// Record is a single stored (or retrieved) vector record. Distance is only
// set on query results and is "lower is better" in every backend.
type Record struct {
	ID       string
	Text     string
	Metadata Metadata
	Distance *float64
}

// Backend is the low-level vector storage contract. All implementations
// order query results by ascending distance and return full metadata.
type Backend interface {
	// Insert creates a record. Inserting an existing id is an error.
	Insert(ctx context.Context, id, text string, embedding []float32, meta Metadata) error

	// Update partially updates a record. Nil text keeps the stored text,
	// nil embedding keeps the stored vector, nil meta keeps the stored
	// metadata. Returns ErrNotFound if the id does not exist.
	Update(ctx context.Context, id string, text *string, embedding []float32, meta Metadata) error

	// Delete removes records by id. Missing ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Query returns the nearest neighbors of embedding, filtered by where,
	// ordered by ascending distance. queryText carries the raw query for
	// backends with a lexical (hybrid) mode and may be empty.
	Query(ctx context.Context, embedding []float32, limit int, where *Filter, queryText string) ([]Record, error)

	// Get returns the records for the given ids. Missing ids are omitted
	// without error.
	Get(ctx context.Context, ids []string) ([]Record, error)

	// Scan returns a stable page of records plus the total number of
	// records matching where (the filtered total, not the raw count).
	Scan(ctx context.Context, offset, limit int, where *Filter) ([]Record, int, error)

	// Count returns the number of records matching where.
	Count(ctx context.Context, where *Filter) (int, error)

	// Close releases backend resources.
	Close() error
}

// OverfetchLimit computes how many candidates to request when a post-filter
// will discard some of them.
func OverfetchLimit(limit int) int {
	n := limit * OverfetchFactor
	if n > OverfetchCap {
		n = OverfetchCap
	}
	if n < limit {
		n = limit
	}
	return n
}

// Tags extracts the tags list from metadata, tolerating both []string and
// []any encodings.
func (m Metadata) Tags() []string {
	switch v := m["tags"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// String returns the string value for key, or "" if absent or not a string.
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Float returns the float value for key and whether it was present.
func (m Metadata) Float(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Int returns the integer value for key and whether it was present.
func (m Metadata) Int(key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Clone returns a shallow copy of the metadata.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
