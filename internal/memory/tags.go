package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// RetagOptions selects exactly one retag mode: Replace (Set becomes the
// full tag list, even when empty) or a delta of Add/Remove.
type RetagOptions struct {
	Add     []string
	Remove  []string
	Set     []string
	Replace bool
}

// Retag edits a memory's tags without touching its content. Returns the
// final deduplicated, order-preserving tag list.
func (s *Store) Retag(ctx context.Context, id string, opts RetagOptions) ([]string, error) {
	if opts.Replace && (len(opts.Add) > 0 || len(opts.Remove) > 0) {
		return nil, fmt.Errorf("%w: cannot mix set_tags with add_tags/remove_tags", ErrInvalidArgument)
	}
	if !opts.Replace && len(opts.Add) == 0 && len(opts.Remove) == 0 {
		return nil, fmt.Errorf("%w: provide at least one of add_tags, remove_tags, or set_tags", ErrInvalidArgument)
	}

	existing, err := s.backend.Get(ctx, []string{id})
	if err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	}
	if len(existing) == 0 {
		return nil, ErrNotFound
	}

	var final []string
	if opts.Replace {
		final = NormalizeTags(opts.Set)
	} else {
		final = NormalizeTags(existing[0].Metadata.Tags())
		for _, tag := range NormalizeTags(opts.Add) {
			if !containsTag(final, tag) {
				final = append(final, tag)
			}
		}
		if len(opts.Remove) > 0 {
			drop := make(map[string]struct{})
			for _, tag := range NormalizeTags(opts.Remove) {
				drop[tag] = struct{}{}
			}
			kept := final[:0]
			for _, tag := range final {
				if _, gone := drop[tag]; !gone {
					kept = append(kept, tag)
				}
			}
			final = kept
		}
	}

	meta := existing[0].Metadata.Clone()
	meta["tags"] = final
	meta["updated_at"] = nowStamp()
	if err := s.backend.Update(ctx, id, nil, nil, meta); err != nil {
		return nil, fmt.Errorf("update tags: %w", err)
	}
	s.tagCache.invalidate()
	return final, nil
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// tagCache holds the known-tag → embedding map used for fuzzy tag
// expansion. Any mutation invalidates it; the next expansion rebuilds it.
type tagCache struct {
	mu         sync.Mutex
	embeddings map[string][]float32
	valid      bool
}

func newTagCache() *tagCache {
	return &tagCache{}
}

func (c *tagCache) invalidate() {
	c.mu.Lock()
	c.valid = false
	c.embeddings = nil
	c.mu.Unlock()
}

func (c *tagCache) get() (map[string][]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.embeddings, c.valid
}

func (c *tagCache) set(embeddings map[string][]float32) {
	c.mu.Lock()
	c.embeddings = embeddings
	c.valid = true
	c.mu.Unlock()
}

// tagEmbeddings returns the cached vocabulary embeddings, rebuilding from
// the store's current tags when stale.
func (s *Store) tagEmbeddings(ctx context.Context) (map[string][]float32, error) {
	if cached, ok := s.tagCache.get(); ok {
		return cached, nil
	}

	topics, err := s.ListTopics(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		empty := map[string][]float32{}
		s.tagCache.set(empty)
		return empty, nil
	}

	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	sort.Strings(names)

	vecs, err := s.embedder.EmbedBatch(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("embed tag vocabulary: %w", err)
	}
	embeddings := make(map[string][]float32, len(names))
	for i, name := range names {
		embeddings[name] = vecs[i]
	}
	s.tagCache.set(embeddings)
	return embeddings, nil
}

// expandTags widens filter tags to include known tags whose embeddings are
// close enough, so "auth" also matches records tagged "authentication".
func (s *Store) expandTags(ctx context.Context, filterTags []string) ([]string, error) {
	known, err := s.tagEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	if len(known) == 0 {
		return filterTags, nil
	}

	filterVecs, err := s.embedder.EmbedBatch(ctx, filterTags)
	if err != nil {
		return nil, fmt.Errorf("embed filter tags: %w", err)
	}

	expanded := append([]string(nil), filterTags...)
	seen := make(map[string]struct{}, len(filterTags))
	for _, t := range filterTags {
		seen[t] = struct{}{}
	}
	for i := range filterTags {
		for name, vec := range known {
			if _, dup := seen[name]; dup {
				continue
			}
			if cosine(filterVecs[i], vec) >= FuzzyTagThreshold {
				seen[name] = struct{}{}
				expanded = append(expanded, name)
			}
		}
	}
	sort.Strings(expanded[len(filterTags):])
	return expanded, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
