// Package chromemstore implements the vector backend on chromem-go, an
// embedded pure-Go vector database persisted to the local filesystem.
package chromemstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"github.com/annalhq/annal/internal/vector"
)

// Store is a chromem-go backed vector.Backend. chromem only filters on
// string equality natively; every operator condition is post-filtered.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection
	dimensions int
}

// Open opens (or creates) a persistent collection under path.
func Open(path, collectionName string, dimensions int) (*Store, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	col, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", collectionName, err)
	}
	return &Store{db: db, collection: col, dimensions: dimensions}, nil
}

func (s *Store) Insert(ctx context.Context, id, text string, embedding []float32, meta vector.Metadata) error {
	if _, err := s.collection.GetByID(ctx, id); err == nil {
		return fmt.Errorf("insert %s: id already exists", id)
	}
	doc := chromem.Document{
		ID:        id,
		Content:   text,
		Embedding: embedding,
		Metadata:  encodeMeta(meta),
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id string, text *string, embedding []float32, meta vector.Metadata) error {
	current, err := s.collection.GetByID(ctx, id)
	if err != nil {
		return vector.ErrNotFound
	}

	doc := chromem.Document{
		ID:        id,
		Content:   current.Content,
		Embedding: current.Embedding,
		Metadata:  current.Metadata,
	}
	if text != nil {
		doc.Content = *text
	}
	if embedding != nil {
		doc.Embedding = embedding
	}
	if meta != nil {
		doc.Metadata = encodeMeta(meta)
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.collection.Delete(ctx, nil, nil, ids...); err != nil {
		// chromem errors on ids it has never seen; treat as already gone.
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, embedding []float32, limit int, where *vector.Filter, queryText string) ([]vector.Record, error) {
	total := s.collection.Count()
	if total == 0 || limit <= 0 {
		return nil, nil
	}

	native, post := splitWhere(where)
	n := limit
	if post != nil {
		n = vector.OverfetchLimit(limit)
	}
	if n > total {
		n = total
	}

	// chromem rejects nResults above the filtered document count, which we
	// cannot know up front. Halve until the query fits or comes up empty.
	var results []chromem.Result
	for n >= 1 {
		var err error
		results, err = s.collection.QueryEmbedding(ctx, embedding, n, native, nil)
		if err == nil {
			break
		}
		if !isInsufficientDocsError(err) {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
		if n == 1 {
			return nil, nil
		}
		n /= 2
	}

	out := make([]vector.Record, 0, limit)
	for _, res := range results {
		meta := decodeMeta(res.Metadata)
		if !post.Matches(meta) {
			continue
		}
		distance := 1 - float64(res.Similarity)
		out = append(out, vector.Record{
			ID:       res.ID,
			Text:     res.Content,
			Metadata: meta,
			Distance: &distance,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, ids []string) ([]vector.Record, error) {
	out := make([]vector.Record, 0, len(ids))
	for _, id := range ids {
		doc, err := s.collection.GetByID(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, vector.Record{
			ID:       doc.ID,
			Text:     doc.Content,
			Metadata: decodeMeta(doc.Metadata),
		})
	}
	return out, nil
}

func (s *Store) Scan(ctx context.Context, offset, limit int, where *vector.Filter) ([]vector.Record, int, error) {
	all, err := s.fetchAll(ctx)
	if err != nil {
		return nil, 0, err
	}

	filtered := all[:0]
	for _, rec := range all {
		if where.Matches(rec.Metadata) {
			filtered = append(filtered, rec)
		}
	}
	total := len(filtered)

	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	page := make([]vector.Record, end-offset)
	copy(page, filtered[offset:end])
	return page, total, nil
}

func (s *Store) Count(ctx context.Context, where *vector.Filter) (int, error) {
	if where.Empty() {
		return s.collection.Count(), nil
	}
	all, err := s.fetchAll(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range all {
		if where.Matches(rec.Metadata) {
			count++
		}
	}
	return count, nil
}

func (s *Store) Close() error {
	// chromem persists on every write; nothing held open.
	return nil
}

// fetchAll walks the whole collection via a probe query, ordered by id for
// stable pagination. chromem has no enumerate API.
func (s *Store) fetchAll(ctx context.Context) ([]vector.Record, error) {
	total := s.collection.Count()
	if total == 0 {
		return nil, nil
	}

	probe := make([]float32, s.dimensions)
	probe[0] = 1
	results, err := s.collection.QueryEmbedding(ctx, probe, total, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem scan query: %w", err)
	}

	out := make([]vector.Record, 0, len(results))
	for _, res := range results {
		out = append(out, vector.Record{
			ID:       res.ID,
			Text:     res.Content,
			Metadata: decodeMeta(res.Metadata),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// splitWhere partitions a filter into chromem's native equality map and the
// post-filter remainder.
func splitWhere(where *vector.Filter) (map[string]string, *vector.Filter) {
	nat, post := where.Split(func(c vector.Condition) bool { return c.Op == vector.OpEq })
	if nat == nil {
		return nil, post
	}
	m := make(map[string]string, len(nat.Conditions))
	for _, c := range nat.Conditions {
		m[c.Field] = c.Value
	}
	return m, post
}

// encodeMeta flattens metadata into chromem's string-only map. Tags are
// JSON-encoded, numeric fields stringified.
func encodeMeta(meta vector.Metadata) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		switch val := v.(type) {
		case string:
			out[k] = val
		case []string:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case float32:
			out[k] = strconv.FormatFloat(float64(val), 'f', -1, 64)
		case int:
			out[k] = strconv.Itoa(val)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out
}

// decodeMeta restores the typed fields flattened by encodeMeta.
func decodeMeta(meta map[string]string) vector.Metadata {
	out := make(vector.Metadata, len(meta))
	for k, v := range meta {
		switch k {
		case "tags":
			var tags []string
			if err := json.Unmarshal([]byte(v), &tags); err == nil {
				out[k] = tags
			} else {
				out[k] = []string{v}
			}
		case "file_mtime":
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				out[k] = f
			} else {
				out[k] = v
			}
		case "hit_count":
			if n, err := strconv.Atoi(v); err == nil {
				out[k] = n
			} else {
				out[k] = v
			}
		default:
			out[k] = v
		}
	}
	return out
}

func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
