package chromemstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/annalhq/annal/internal/vector"
)

const dims = 4

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "memories", dims)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func unit(x, y, z, w float32) []float32 {
	return normalize([]float32{x, y, z, w})
}

func normalize(v []float32) []float32 {
	var n float32
	for _, x := range v {
		n += x * x
	}
	if n == 0 {
		return v
	}
	inv := 1 / sqrt32(n)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

func sqrt32(f float32) float32 {
	x := f
	for i := 0; i < 20; i++ {
		x = (x + f/x) / 2
	}
	return x
}

func TestInsertGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	meta := vector.Metadata{"type": "agent-memory", "tags": []string{"go", "testing"}, "hit_count": 3, "file_mtime": 1718000000.5}
	if err := s.Insert(ctx, "m1", "remember this", unit(1, 0, 0, 0), meta); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.Insert(ctx, "m1", "dup", unit(1, 0, 0, 0), nil); err == nil {
		t.Error("duplicate insert should fail")
	}

	got, err := s.Get(ctx, []string{"m1", "missing"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Get returned %d records, want 1", len(got))
	}
	rec := got[0]
	if rec.Text != "remember this" {
		t.Errorf("text = %q", rec.Text)
	}
	if tags := rec.Metadata.Tags(); len(tags) != 2 || tags[0] != "go" {
		t.Errorf("tags round-trip broken: %v", tags)
	}
	if n, _ := rec.Metadata.Int("hit_count"); n != 3 {
		t.Errorf("hit_count round-trip broken: %v", rec.Metadata["hit_count"])
	}
	if f, _ := rec.Metadata.Float("file_mtime"); f != 1718000000.5 {
		t.Errorf("file_mtime round-trip broken: %v", rec.Metadata["file_mtime"])
	}

	if err := s.Delete(ctx, []string{"m1"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _ = s.Get(ctx, []string{"m1"})
	if len(got) != 0 {
		t.Error("record survived delete")
	}
	// Deleting an unknown id is not an error.
	if err := s.Delete(ctx, []string{"never-existed"}); err != nil {
		t.Errorf("delete missing id: %v", err)
	}
}

func TestUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Update(ctx, "ghost", nil, nil, nil); !errors.Is(err, vector.ErrNotFound) {
		t.Errorf("update missing id: err = %v, want ErrNotFound", err)
	}

	if err := s.Insert(ctx, "m1", "original", unit(1, 0, 0, 0), vector.Metadata{"type": "agent-memory"}); err != nil {
		t.Fatal(err)
	}

	newText := "revised"
	if err := s.Update(ctx, "m1", &newText, nil, nil); err != nil {
		t.Fatalf("Update text: %v", err)
	}
	got, _ := s.Get(ctx, []string{"m1"})
	if got[0].Text != "revised" {
		t.Errorf("text = %q after update", got[0].Text)
	}
	if got[0].Metadata.String("type") != "agent-memory" {
		t.Error("metadata lost on text-only update")
	}

	if err := s.Update(ctx, "m1", nil, nil, vector.Metadata{"type": "indexed"}); err != nil {
		t.Fatalf("Update meta: %v", err)
	}
	got, _ = s.Get(ctx, []string{"m1"})
	if got[0].Text != "revised" {
		t.Error("text lost on meta-only update")
	}
	if got[0].Metadata.String("type") != "indexed" {
		t.Errorf("type = %q after meta update", got[0].Metadata.String("type"))
	}
}

func TestQueryOrdersByDistance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Insert(ctx, "far", "far", unit(0, 1, 0, 0), vector.Metadata{"type": "agent-memory"})
	s.Insert(ctx, "near", "near", unit(1, 0.1, 0, 0), vector.Metadata{"type": "agent-memory"})
	s.Insert(ctx, "exact", "exact", unit(1, 0, 0, 0), vector.Metadata{"type": "agent-memory"})

	got, err := s.Query(ctx, unit(1, 0, 0, 0), 3, nil, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d results", len(got))
	}
	if got[0].ID != "exact" || got[1].ID != "near" || got[2].ID != "far" {
		t.Errorf("order = %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
	for i := 1; i < len(got); i++ {
		if *got[i].Distance < *got[i-1].Distance {
			t.Errorf("distances not ascending: %v then %v", *got[i-1].Distance, *got[i].Distance)
		}
	}
	if *got[0].Distance > 0.001 {
		t.Errorf("exact match distance = %f", *got[0].Distance)
	}
}

func TestQueryFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Insert(ctx, "a", "a", unit(1, 0, 0, 0), vector.Metadata{"type": "agent-memory", "tags": []string{"go"}})
	s.Insert(ctx, "b", "b", unit(1, 0.1, 0, 0), vector.Metadata{"type": "indexed", "source": "file:docs/x.md", "tags": []string{"docs"}})
	s.Insert(ctx, "c", "c", unit(1, 0.2, 0, 0), vector.Metadata{"type": "agent-memory", "tags": []string{"go"}, "superseded_by": "a"})

	t.Run("native eq", func(t *testing.T) {
		got, err := s.Query(ctx, unit(1, 0, 0, 0), 10, vector.Where().Eq("type", "indexed"), "")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].ID != "b" {
			t.Errorf("got %v", ids(got))
		}
	})

	t.Run("post prefix", func(t *testing.T) {
		got, err := s.Query(ctx, unit(1, 0, 0, 0), 10, vector.Where().Prefix("source", "file:"), "")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].ID != "b" {
			t.Errorf("got %v", ids(got))
		}
	})

	t.Run("not exists excludes superseded", func(t *testing.T) {
		got, err := s.Query(ctx, unit(1, 0, 0, 0), 10, vector.Where().Eq("type", "agent-memory").NotExists("superseded_by"), "")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].ID != "a" {
			t.Errorf("got %v", ids(got))
		}
	})

	t.Run("no match", func(t *testing.T) {
		got, err := s.Query(ctx, unit(1, 0, 0, 0), 10, vector.Where().Eq("type", "nothing"), "")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Errorf("got %v", ids(got))
		}
	})
}

func TestQueryEmptyCollection(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Query(context.Background(), unit(1, 0, 0, 0), 5, nil, "")
	if err != nil {
		t.Fatalf("Query on empty: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d results from empty collection", len(got))
	}
}

func TestScanPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		typ := "agent-memory"
		if i%2 == 1 {
			typ = "indexed"
		}
		id := fmt.Sprintf("m%d", i)
		if err := s.Insert(ctx, id, id, unit(1, float32(i)*0.1, 0, 0), vector.Metadata{"type": typ}); err != nil {
			t.Fatal(err)
		}
	}

	page, total, err := s.Scan(ctx, 0, 3, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if total != 7 {
		t.Errorf("total = %d, want 7", total)
	}
	if len(page) != 3 || page[0].ID != "m0" {
		t.Errorf("page 1 = %v", ids(page))
	}

	page2, _, err := s.Scan(ctx, 3, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 3 || page2[0].ID != "m3" {
		t.Errorf("page 2 = %v", ids(page2))
	}

	// Filtered total counts matches, not raw records.
	page, total, err = s.Scan(ctx, 0, 10, vector.Where().Eq("type", "indexed"))
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(page) != 3 {
		t.Errorf("filtered scan: total=%d page=%v", total, ids(page))
	}

	// Offset past the end yields an empty page but the true total.
	page, total, err = s.Scan(ctx, 100, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 0 || total != 7 {
		t.Errorf("past-end scan: total=%d page=%v", total, ids(page))
	}
}

func TestCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Insert(ctx, "a", "a", unit(1, 0, 0, 0), vector.Metadata{"type": "agent-memory", "tags": []string{"go"}})
	s.Insert(ctx, "b", "b", unit(0, 1, 0, 0), vector.Metadata{"type": "indexed", "tags": []string{"docs"}})

	if n, _ := s.Count(ctx, nil); n != 2 {
		t.Errorf("Count(nil) = %d", n)
	}
	if n, _ := s.Count(ctx, vector.Where().Eq("type", "indexed")); n != 1 {
		t.Errorf("Count(type=indexed) = %d", n)
	}
	if n, _ := s.Count(ctx, vector.Where().ContainsAny("tags", []string{"go", "rust"})); n != 1 {
		t.Errorf("Count(tags) = %d", n)
	}
}

func ids(recs []vector.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
