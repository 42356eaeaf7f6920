package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/annalhq/annal/internal/embedding"
	"github.com/annalhq/annal/internal/vector"
)

// Store wraps one vector backend and one embedder for a single project.
type Store struct {
	backend  vector.Backend
	embedder embedding.Embedder
	tagCache *tagCache
}

// New creates a store over an open backend.
func New(backend vector.Backend, embedder embedding.Embedder) *Store {
	return &Store{
		backend:  backend,
		embedder: embedder,
		tagCache: newTagCache(),
	}
}

// Backend exposes the underlying backend for migration and diagnostics.
func (s *Store) Backend() vector.Backend { return s.backend }

// StoreRequest carries the inputs for storing one memory.
type StoreRequest struct {
	Content   string
	Tags      []string
	Source    string
	ChunkType string // defaults to agent-memory
	FileMtime *float64
	// Supersedes marks an existing memory as replaced by this one. A
	// missing target is silently ignored.
	Supersedes string
}

// Store embeds and inserts a new memory, returning its id.
func (s *Store) Store(ctx context.Context, req StoreRequest) (string, error) {
	chunkType := req.ChunkType
	if chunkType == "" {
		chunkType = ChunkTypeAgentMemory
	}
	tags := NormalizeTags(req.Tags)

	emb, err := s.embedder.Embed(ctx, req.Content)
	if err != nil {
		return "", fmt.Errorf("embed content: %w", err)
	}

	id := uuid.NewString()
	meta := vector.Metadata{
		"tags":       tags,
		"source":     req.Source,
		"chunk_type": chunkType,
		"created_at": nowStamp(),
	}
	if req.FileMtime != nil {
		meta["file_mtime"] = *req.FileMtime
	}

	if err := s.backend.Insert(ctx, id, req.Content, emb, meta); err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}
	s.tagCache.invalidate()

	if req.Supersedes != "" && req.Supersedes != id {
		if err := s.markSuperseded(ctx, req.Supersedes, id); err != nil {
			return id, err
		}
	}
	return id, nil
}

// markSuperseded sets superseded_by on an existing record. A missing
// target is not an error: the new memory is already stored.
func (s *Store) markSuperseded(ctx context.Context, oldID, newID string) error {
	existing, err := s.backend.Get(ctx, []string{oldID})
	if err != nil {
		return fmt.Errorf("load supersede target: %w", err)
	}
	if len(existing) == 0 {
		slog.Warn("supersede target not found, skipping", "id", oldID)
		return nil
	}
	meta := existing[0].Metadata.Clone()
	meta["superseded_by"] = newID
	if err := s.backend.Update(ctx, oldID, nil, nil, meta); err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	return nil
}

// SearchRequest carries search parameters. After and Before accept ISO
// 8601 dates or datetime prefixes.
type SearchRequest struct {
	Query             string
	Limit             int
	Tags              []string
	After             string
	Before            string
	SourcePrefix      string
	IncludeSuperseded bool
}

// Search returns the memories nearest the query by meaning, ranked by
// similarity with agent memories boosted over indexed chunks. Returned
// agent memories get their hit count and last access time bumped.
func (s *Store) Search(ctx context.Context, req SearchRequest) ([]Memory, error) {
	results, err := s.searchCore(ctx, req)
	if err != nil {
		return nil, err
	}
	s.trackHits(ctx, results)
	return results, nil
}

// searchCore runs the search without hit-tracking side effects. Dedup
// checks use it so probing for duplicates never inflates hit counts.
func (s *Store) searchCore(ctx context.Context, req SearchRequest) ([]Memory, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 5
	}

	after, before := req.After, req.Before
	if after != "" {
		if after = normalizeDateBound(req.After, false); after == "" {
			return nil, fmt.Errorf("%w: 'after' must be an ISO 8601 date, got %q", ErrInvalidArgument, req.After)
		}
	}
	if before != "" {
		if before = normalizeDateBound(req.Before, true); before == "" {
			return nil, fmt.Errorf("%w: 'before' must be an ISO 8601 date, got %q", ErrInvalidArgument, req.Before)
		}
	}

	total, err := s.backend.Count(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("count memories: %w", err)
	}
	if total == 0 {
		return []Memory{}, nil
	}

	where, err := s.buildWhere(ctx, whereParams{
		sourcePrefix:      req.SourcePrefix,
		tags:              req.Tags,
		after:             after,
		before:            before,
		includeSuperseded: req.IncludeSuperseded,
	})
	if err != nil {
		return nil, err
	}

	emb, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	records, err := s.backend.Query(ctx, emb, limit, where, req.Query)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	memories := make([]Memory, 0, len(records))
	for _, rec := range records {
		memories = append(memories, memoryFromRecord(rec))
	}
	sortByRank(memories)
	if len(memories) > limit {
		memories = memories[:limit]
	}
	return memories, nil
}

// sortByRank orders by similarity with the agent-memory boost applied to
// the ranking key only; reported scores stay raw.
func sortByRank(memories []Memory) {
	rank := func(m Memory) float64 {
		key := m.Score
		if m.ChunkType == ChunkTypeAgentMemory {
			key += agentMemoryBoost
		}
		return key
	}
	sort.SliceStable(memories, func(i, j int) bool {
		return rank(memories[i]) > rank(memories[j])
	})
}

// trackHits bumps hit_count and last_accessed_at on returned agent
// memories. Failures are logged, never surfaced: retrieval accounting must
// not fail a search.
func (s *Store) trackHits(ctx context.Context, memories []Memory) {
	now := nowStamp()
	for i := range memories {
		if memories[i].ChunkType != ChunkTypeAgentMemory {
			continue
		}
		recs, err := s.backend.Get(ctx, []string{memories[i].ID})
		if err != nil || len(recs) == 0 {
			slog.Warn("hit tracking: load failed", "id", memories[i].ID, "error", err)
			continue
		}
		meta := recs[0].Metadata.Clone()
		hits, _ := recs[0].Metadata.Int("hit_count")
		meta["hit_count"] = hits + 1
		meta["last_accessed_at"] = now
		if err := s.backend.Update(ctx, memories[i].ID, nil, nil, meta); err != nil {
			slog.Warn("hit tracking: update failed", "id", memories[i].ID, "error", err)
			continue
		}
		memories[i].HitCount = hits + 1
		memories[i].LastAccessedAt = now
	}
}

type whereParams struct {
	chunkType         string
	sourcePrefix      string
	tags              []string
	after             string
	before            string
	includeSuperseded bool
}

func (s *Store) buildWhere(ctx context.Context, p whereParams) (*vector.Filter, error) {
	f := vector.Where()
	if p.chunkType != "" {
		f.Eq("chunk_type", p.chunkType)
	}
	if p.sourcePrefix != "" {
		f.Prefix("source", p.sourcePrefix)
	}
	if len(p.tags) > 0 {
		expanded, err := s.expandTags(ctx, NormalizeTags(p.tags))
		if err != nil {
			return nil, err
		}
		f.ContainsAny("tags", expanded)
	}
	if p.after != "" {
		f.GT("created_at", p.after)
	}
	if p.before != "" {
		f.LT("created_at", p.before)
	}
	if !p.includeSuperseded {
		f.NotExists("superseded_by")
	}
	if f.Empty() {
		return nil, nil
	}
	return f, nil
}

// GetByIDs retrieves full memory records. Missing ids are omitted.
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	records, err := s.backend.Get(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	out := make([]Memory, 0, len(records))
	for _, rec := range records {
		out = append(out, memoryFromRecord(rec))
	}
	return out, nil
}

// UpdateRequest names the fields to change. Nil pointers keep the stored
// value; nil Tags keeps stored tags (an empty non-nil slice clears them).
type UpdateRequest struct {
	Content *string
	Tags    []string
	Source  *string
}

// Update edits a memory in place, re-embedding when content changes and
// bumping updated_at.
func (s *Store) Update(ctx context.Context, id string, req UpdateRequest) error {
	existing, err := s.backend.Get(ctx, []string{id})
	if err != nil {
		return fmt.Errorf("load memory: %w", err)
	}
	if len(existing) == 0 {
		return ErrNotFound
	}

	var emb []float32
	if req.Content != nil {
		if emb, err = s.embedder.Embed(ctx, *req.Content); err != nil {
			return fmt.Errorf("embed content: %w", err)
		}
	}

	meta := existing[0].Metadata.Clone()
	meta["updated_at"] = nowStamp()
	if req.Tags != nil {
		meta["tags"] = NormalizeTags(req.Tags)
	}
	if req.Source != nil {
		meta["source"] = *req.Source
	}

	if err := s.backend.Update(ctx, id, req.Content, emb, meta); err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	s.tagCache.invalidate()
	return nil
}

// Delete removes a single memory.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, []string{id}); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	s.tagCache.invalidate()
	return nil
}

// DeleteMany removes memories in backend-sized batches.
func (s *Store) DeleteMany(ctx context.Context, ids []string) error {
	for start := 0; start < len(ids); start += vector.ScanBatchSize {
		end := start + vector.ScanBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := s.backend.Delete(ctx, ids[start:end]); err != nil {
			return fmt.Errorf("delete memories: %w", err)
		}
	}
	s.tagCache.invalidate()
	return nil
}

// DeleteBySource removes every chunk whose source starts with prefix,
// returning how many were removed.
func (s *Store) DeleteBySource(ctx context.Context, prefix string) (int, error) {
	records, err := s.iterRecords(ctx, nil)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, rec := range records {
		if strings.HasPrefix(rec.Metadata.String("source"), prefix) {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.DeleteMany(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// BrowseRequest is a filtered pagination request.
type BrowseRequest struct {
	Offset            int
	Limit             int
	ChunkType         string
	SourcePrefix      string
	Tags              []string
	IncludeSuperseded bool
}

// Browse returns one stable page plus the filtered total.
func (s *Store) Browse(ctx context.Context, req BrowseRequest) ([]Memory, int, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	total, err := s.backend.Count(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("count memories: %w", err)
	}
	if total == 0 {
		return []Memory{}, 0, nil
	}

	where, err := s.buildWhere(ctx, whereParams{
		chunkType:         req.ChunkType,
		sourcePrefix:      req.SourcePrefix,
		tags:              req.Tags,
		includeSuperseded: req.IncludeSuperseded,
	})
	if err != nil {
		return nil, 0, err
	}

	records, matching, err := s.backend.Scan(ctx, req.Offset, limit, where)
	if err != nil {
		return nil, 0, fmt.Errorf("scan memories: %w", err)
	}
	page := make([]Memory, 0, len(records))
	for _, rec := range records {
		page = append(page, memoryFromRecord(rec))
	}
	return page, matching, nil
}

// Stats aggregates collection counts.
type Stats struct {
	Total              int            `json:"total"`
	ByType             map[string]int `json:"by_type"`
	ByTag              map[string]int `json:"by_tag"`
	StaleCount         int            `json:"stale_count"`
	NeverAccessedCount int            `json:"never_accessed_count"`
}

// Stats walks the collection and aggregates counts, including staleness
// computed with default thresholds.
func (s *Store) Stats(ctx context.Context, includeSuperseded bool) (Stats, error) {
	stats := Stats{ByType: map[string]int{}, ByTag: map[string]int{}}
	records, err := s.iterRecords(ctx, supersededFilter(includeSuperseded))
	if err != nil {
		return stats, err
	}
	for _, rec := range records {
		stats.Total++
		stats.ByType[rec.Metadata.String("chunk_type")]++
		for _, tag := range rec.Metadata.Tags() {
			stats.ByTag[tag]++
		}
	}
	report, err := s.FindStale(ctx, StaleDefaultDays, true)
	if err != nil {
		return stats, err
	}
	stats.StaleCount = len(report.Stale)
	stats.NeverAccessedCount = len(report.NeverAccessed)
	return stats, nil
}

// ListTopics returns tag occurrence counts.
func (s *Store) ListTopics(ctx context.Context, includeSuperseded bool) (map[string]int, error) {
	records, err := s.iterRecords(ctx, supersededFilter(includeSuperseded))
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, rec := range records {
		for _, tag := range rec.Metadata.Tags() {
			counts[tag]++
		}
	}
	return counts, nil
}

// FileMtimes builds a file-source → mtime map in a single scan, so
// reconciliation can compare the whole tree without per-file queries.
// Keys are the source's file part ("file:<path>").
func (s *Store) FileMtimes(ctx context.Context) (map[string]float64, error) {
	records, err := s.iterRecords(ctx, nil)
	if err != nil {
		return nil, err
	}
	mtimes := make(map[string]float64)
	for _, rec := range records {
		source := rec.Metadata.String("source")
		if !strings.HasPrefix(source, FileSourcePrefix) {
			continue
		}
		mtime, ok := rec.Metadata.Float("file_mtime")
		if !ok {
			continue
		}
		fileKey, _, _ := strings.Cut(source, "|")
		if _, seen := mtimes[fileKey]; !seen {
			mtimes[fileKey] = mtime
		}
	}
	return mtimes, nil
}

// Count returns the raw collection size.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.backend.Count(ctx, nil)
}

func supersededFilter(includeSuperseded bool) *vector.Filter {
	if includeSuperseded {
		return nil
	}
	return vector.Where().NotExists("superseded_by")
}

// iterRecords walks the full collection in bounded batches.
func (s *Store) iterRecords(ctx context.Context, where *vector.Filter) ([]vector.Record, error) {
	var out []vector.Record
	offset := 0
	for {
		batch, _, err := s.backend.Scan(ctx, offset, vector.ScanBatchSize, where)
		if err != nil {
			return nil, fmt.Errorf("scan memories: %w", err)
		}
		if len(batch) == 0 {
			return out, nil
		}
		out = append(out, batch...)
		offset += len(batch)
	}
}
