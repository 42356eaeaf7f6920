// Package qdrantstore implements the vector backend on a remote Qdrant
// server over gRPC, with optional hybrid dense+sparse retrieval.
package qdrantstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/annalhq/annal/internal/vector"
)

const (
	denseVectorName  = "dense"
	sparseVectorName = "sparse"
)

// Namespace for deriving stable point UUIDs from non-UUID record ids.
var pointNamespace = uuid.MustParse("9f2c1e8a-3f5d-4b6e-8a7c-2d1e0f9b8c7d")

// Options configures the connection and retrieval mode.
type Options struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
	// Hybrid enables dense+sparse retrieval fused with RRF. Collections
	// created in hybrid mode carry a named dense vector and an IDF-weighted
	// sparse vector.
	Hybrid bool
}

// Store is a Qdrant-backed vector.Backend. Eq, ContainsAny and NotExists
// push down natively; Prefix, GT and LT post-filter because payload values
// are strings and Qdrant ranges are numeric.
type Store struct {
	client     *qdrant.Client
	collection string
	hybrid     bool
}

// Open connects to Qdrant and ensures the collection exists.
func Open(ctx context.Context, opts Options, collection string, dimensions int) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		APIKey: opts.APIKey,
		UseTLS: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}
	s := &Store{client: client, collection: collection, hybrid: opts.Hybrid}
	if err := s.ensureCollection(ctx, dimensions); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureCollection(ctx context.Context, dimensions int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if exists {
		return nil
	}

	create := &qdrant.CreateCollection{CollectionName: s.collection}
	if s.hybrid {
		create.VectorsConfig = qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			denseVectorName: {Size: uint64(dimensions), Distance: qdrant.Distance_Cosine},
		})
		create.SparseVectorsConfig = qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			sparseVectorName: {Modifier: qdrant.Modifier_Idf.Enum()},
		})
	} else {
		create.VectorsConfig = qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimensions),
			Distance: qdrant.Distance_Cosine,
		})
	}
	if err := s.client.CreateCollection(ctx, create); err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, id, text string, embedding []float32, meta vector.Metadata) error {
	point := &qdrant.PointStruct{
		Id:      pointID(id),
		Vectors: s.vectors(embedding, text),
		Payload: encodePayload(id, text, meta),
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("upsert point: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id string, text *string, embedding []float32, meta vector.Metadata) error {
	existing, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{pointID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return fmt.Errorf("retrieve point: %w", err)
	}
	if len(existing) == 0 {
		return vector.ErrNotFound
	}

	oldText, oldMeta := decodePayload(existing[0].Payload)
	newText := oldText
	if text != nil {
		newText = *text
	}
	newMeta := oldMeta
	if meta != nil {
		newMeta = meta
	}
	payload := encodePayload(id, newText, newMeta)

	if embedding != nil {
		point := &qdrant.PointStruct{
			Id:      pointID(id),
			Vectors: s.vectors(embedding, newText),
			Payload: payload,
		}
		_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Points:         []*qdrant.PointStruct{point},
		})
		if err != nil {
			return fmt.Errorf("upsert point: %w", err)
		}
		return nil
	}

	_, err = s.client.OverwritePayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: s.collection,
		Payload:        payload,
		PointsSelector: qdrant.NewPointsSelector(pointID(id)),
	})
	if err != nil {
		return fmt.Errorf("overwrite payload: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("delete points: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, embedding []float32, limit int, where *vector.Filter, queryText string) ([]vector.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	native, post := splitWhere(where)
	n := limit
	if post != nil {
		n = vector.OverfetchLimit(limit)
	}

	req := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Filter:         native,
		Limit:          qdrant.PtrOf(uint64(n)),
		WithPayload:    qdrant.NewWithPayload(true),
	}

	hybrid := s.hybrid && queryText != ""
	if hybrid {
		indices, values := sparseVector(queryText)
		req.Prefetch = []*qdrant.PrefetchQuery{
			{
				Query:  qdrant.NewQueryDense(embedding),
				Using:  qdrant.PtrOf(denseVectorName),
				Filter: native,
				Limit:  qdrant.PtrOf(uint64(n)),
			},
			{
				Query:  qdrant.NewQuerySparse(indices, values),
				Using:  qdrant.PtrOf(sparseVectorName),
				Filter: native,
				Limit:  qdrant.PtrOf(uint64(n)),
			},
		}
		req.Query = qdrant.NewQueryFusion(qdrant.Fusion_RRF)
	} else {
		req.Query = qdrant.NewQueryDense(embedding)
		if s.hybrid {
			req.Using = qdrant.PtrOf(denseVectorName)
		}
	}

	points, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	out := make([]vector.Record, 0, limit)
	for _, p := range points {
		text, meta := decodePayload(p.Payload)
		if !post.Matches(meta) {
			continue
		}
		// Cosine scores are similarities; RRF scores are rank-based and
		// only ordering matters, so both map to a descending-score key.
		var distance float64
		if hybrid {
			distance = 1 / float64(p.Score)
		} else {
			distance = 1 - float64(p.Score)
		}
		out = append(out, vector.Record{
			ID:       meta.String("id"),
			Text:     text,
			Metadata: stripID(meta),
			Distance: &distance,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, ids []string) ([]vector.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve points: %w", err)
	}
	out := make([]vector.Record, 0, len(points))
	for _, p := range points {
		text, meta := decodePayload(p.Payload)
		out = append(out, vector.Record{
			ID:       meta.String("id"),
			Text:     text,
			Metadata: stripID(meta),
		})
	}
	return out, nil
}

func (s *Store) Scan(ctx context.Context, offset, limit int, where *vector.Filter) ([]vector.Record, int, error) {
	native, post := splitWhere(where)

	if post == nil {
		total, err := s.count(ctx, native)
		if err != nil {
			return nil, 0, err
		}
		if total == 0 || offset >= total {
			return nil, total, nil
		}
		page, err := s.scroll(ctx, native, nil, offset, limit)
		if err != nil {
			return nil, 0, err
		}
		return page, total, nil
	}

	// Post-filter path: walk the native-filtered set and page the matches.
	all, err := s.scroll(ctx, native, post, 0, -1)
	if err != nil {
		return nil, 0, err
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *Store) Count(ctx context.Context, where *vector.Filter) (int, error) {
	native, post := splitWhere(where)
	if post == nil {
		return s.count(ctx, native)
	}
	all, err := s.scroll(ctx, native, post, 0, -1)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) count(ctx context.Context, native *qdrant.Filter) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         native,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return int(n), nil
}

// scroll walks the collection in id order, skipping offset post-filter
// matches and collecting up to limit of them. A negative limit collects
// every match. The raw points client is used for cursor pagination.
func (s *Store) scroll(ctx context.Context, native *qdrant.Filter, post *vector.Filter, offset, limit int) ([]vector.Record, error) {
	points := s.client.GetPointsClient()

	var out []vector.Record
	skipped := 0
	var cursor *qdrant.PointId
	for {
		batch := uint32(vector.ScanBatchSize)
		resp, err := points.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Filter:         native,
			Limit:          qdrant.PtrOf(batch),
			Offset:         cursor,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll points: %w", err)
		}
		for _, p := range resp.GetResult() {
			text, meta := decodePayload(p.Payload)
			if !post.Matches(meta) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, vector.Record{
				ID:       meta.String("id"),
				Text:     text,
				Metadata: stripID(meta),
			})
			if limit >= 0 && len(out) >= limit {
				return out, nil
			}
		}
		cursor = resp.GetNextPageOffset()
		if cursor == nil {
			return out, nil
		}
	}
}

func (s *Store) vectors(embedding []float32, text string) *qdrant.Vectors {
	if !s.hybrid {
		return qdrant.NewVectors(embedding...)
	}
	indices, values := sparseVector(text)
	return qdrant.NewVectorsMap(map[string]*qdrant.Vector{
		denseVectorName:  qdrant.NewVector(embedding...),
		sparseVectorName: qdrant.NewVectorSparse(indices, values),
	})
}

// pointID maps a record id to a Qdrant point id. UUIDs pass through;
// anything else derives a stable UUIDv5 so callers can keep readable ids.
func pointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewID(id)
	}
	return qdrant.NewID(uuid.NewSHA1(pointNamespace, []byte(id)).String())
}

// splitWhere translates the native part of a filter into a Qdrant filter.
func splitWhere(where *vector.Filter) (*qdrant.Filter, *vector.Filter) {
	nat, post := where.Split(func(c vector.Condition) bool {
		switch c.Op {
		case vector.OpEq, vector.OpContainsAny, vector.OpNotExists:
			return true
		}
		return false
	})
	if nat == nil {
		return nil, post
	}
	must := make([]*qdrant.Condition, 0, len(nat.Conditions))
	for _, c := range nat.Conditions {
		switch c.Op {
		case vector.OpEq:
			must = append(must, qdrant.NewMatch(c.Field, c.Value))
		case vector.OpContainsAny:
			must = append(must, qdrant.NewMatchKeywords(c.Field, c.Values...))
		case vector.OpNotExists:
			must = append(must, qdrant.NewIsEmpty(c.Field))
		}
	}
	return &qdrant.Filter{Must: must}, post
}

func encodePayload(id, text string, meta vector.Metadata) map[string]*qdrant.Value {
	flat := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		if strs, ok := v.([]string); ok {
			list := make([]any, len(strs))
			for i, s := range strs {
				list[i] = s
			}
			flat[k] = list
			continue
		}
		flat[k] = v
	}
	flat["id"] = id
	flat["text"] = text
	return qdrant.NewValueMap(flat)
}

// decodePayload splits a point payload into the stored text and metadata,
// restoring the typed fields (tags, hit_count, file_mtime).
func decodePayload(payload map[string]*qdrant.Value) (string, vector.Metadata) {
	meta := make(vector.Metadata, len(payload))
	text := ""
	for k, v := range payload {
		if k == "text" {
			text = v.GetStringValue()
			continue
		}
		meta[k] = valueToAny(k, v)
	}
	return text, meta
}

func valueToAny(key string, v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_IntegerValue:
		if key == "hit_count" {
			return int(kind.IntegerValue)
		}
		return kind.IntegerValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		strs := make([]string, 0, len(items))
		for _, item := range items {
			strs = append(strs, item.GetStringValue())
		}
		return strs
	}
	return nil
}

func stripID(meta vector.Metadata) vector.Metadata {
	delete(meta, "id")
	return meta
}
