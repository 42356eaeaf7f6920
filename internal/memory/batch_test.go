package memory

import (
	"context"
	"testing"
)

func TestStoreBatchDedup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	result, err := s.StoreBatch(ctx, []BatchItem{
		{Content: "the scheduler runs every five minutes", Tags: []string{"infra"}},
		{Content: "the scheduler runs every five minutes", Tags: []string{"infra"}},
		{Content: "completely different observation about billing", Tags: []string{"billing"}},
	})
	if err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}

	if result.Stored != 2 || result.Skipped != 1 {
		t.Errorf("stored=%d skipped=%d, want 2/1", result.Stored, result.Skipped)
	}
	if result.Outcomes[0].Status != BatchStored || result.Outcomes[0].ID == "" {
		t.Errorf("outcome[0] = %+v", result.Outcomes[0])
	}
	if result.Outcomes[1].Status != BatchSkipped {
		t.Errorf("outcome[1] = %+v", result.Outcomes[1])
	}
	if result.Outcomes[1].SimilarID != result.Outcomes[0].ID {
		t.Errorf("skipped item should point at the stored duplicate: %+v", result.Outcomes[1])
	}
	if result.Outcomes[2].Status != BatchStored {
		t.Errorf("outcome[2] = %+v", result.Outcomes[2])
	}

	if n, _ := s.Count(ctx); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestStoreBatchDedupAgainstExisting(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, StoreRequest{Content: "use exponential backoff on 429s", Tags: []string{"http"}}); err != nil {
		t.Fatal(err)
	}

	result, err := s.StoreBatch(ctx, []BatchItem{
		{Content: "use exponential backoff on 429s", Tags: []string{"http"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Skipped != 1 || result.Stored != 0 {
		t.Errorf("stored=%d skipped=%d, want 0/1", result.Stored, result.Skipped)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestStoreBatchDedupIgnoresFileChunks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// An identical file-indexed chunk must not block an agent memory.
	if _, err := s.Store(ctx, StoreRequest{
		Content:   "retry budget is 3 attempts",
		Tags:      []string{"indexed"},
		Source:    "file:docs/retries.md|Budget",
		ChunkType: ChunkTypeFileIndexed,
	}); err != nil {
		t.Fatal(err)
	}

	result, err := s.StoreBatch(ctx, []BatchItem{
		{Content: "retry budget is 3 attempts", Tags: []string{"http"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Stored != 1 {
		t.Errorf("stored = %d, want 1: %+v", result.Stored, result.Outcomes)
	}
}

func TestStoreBatchSupersedesBypassesDedup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	oldID, err := s.Store(ctx, StoreRequest{Content: "feature flag X is off in prod", Tags: []string{"flags"}})
	if err != nil {
		t.Fatal(err)
	}

	result, err := s.StoreBatch(ctx, []BatchItem{
		{Content: "feature flag X is off in prod", Tags: []string{"flags"}, Supersedes: oldID},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Stored != 1 || result.Skipped != 0 {
		t.Errorf("stored=%d skipped=%d, want 1/0", result.Stored, result.Skipped)
	}

	got, err := s.GetByIDs(ctx, []string{oldID})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].SupersededBy != result.Outcomes[0].ID {
		t.Errorf("superseded_by = %q, want %q", got[0].SupersededBy, result.Outcomes[0].ID)
	}
}

func TestStoreBatchHintBand(t *testing.T) {
	s, embedder := newTestStore(t)
	ctx := context.Background()

	// Cosine ≈ 0.90: similar enough to warn about, not enough to skip.
	embedder.Pin("deploys happen on tuesdays", pinVec(1, 0))
	embedder.Pin("deploys usually happen on tuesday mornings", pinVec(0.90, 0.43589))

	if _, err := s.Store(ctx, StoreRequest{Content: "deploys happen on tuesdays", Tags: []string{"ops"}}); err != nil {
		t.Fatal(err)
	}

	result, err := s.StoreBatch(ctx, []BatchItem{
		{Content: "deploys usually happen on tuesday mornings", Tags: []string{"ops"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := result.Outcomes[0]
	if out.Status != BatchHinted {
		t.Fatalf("status = %s, want hinted (score %f)", out.Status, out.Score)
	}
	if out.ID == "" {
		t.Error("hinted item must still be stored")
	}
	if out.SimilarID == "" || out.Score < DedupHintThreshold || out.Score >= DedupSkipThreshold {
		t.Errorf("hint outcome = %+v", out)
	}
	if n, _ := s.Count(ctx); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestStoreBatchDedupDoesNotInflateHits(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Store(ctx, StoreRequest{Content: "first fact", Tags: []string{"a"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.StoreBatch(ctx, []BatchItem{{Content: "second fact", Tags: []string{"b"}}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetByIDs(ctx, []string{id})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].HitCount != 0 {
		t.Errorf("dedup probe bumped hit_count to %d", got[0].HitCount)
	}
}
