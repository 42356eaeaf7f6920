package pgstore

import (
	"strings"
	"testing"

	"github.com/annalhq/annal/internal/vector"
)

func TestWhereClause(t *testing.T) {
	tests := []struct {
		name     string
		filter   *vector.Filter
		want     string
		wantArgs int
	}{
		{
			name:   "empty",
			filter: nil,
			want:   "",
		},
		{
			name:     "eq",
			filter:   vector.Where().Eq("type", "indexed"),
			want:     " WHERE metadata->>$1 = $2",
			wantArgs: 2,
		},
		{
			name:     "tags contains any",
			filter:   vector.Where().ContainsAny("tags", []string{"go", "docs"}),
			want:     " WHERE tags && $1",
			wantArgs: 1,
		},
		{
			name:     "prefix",
			filter:   vector.Where().Prefix("source", "file:"),
			want:     " WHERE metadata->>$1 LIKE $2",
			wantArgs: 2,
		},
		{
			name:     "not exists",
			filter:   vector.Where().NotExists("superseded_by"),
			want:     " WHERE (NOT metadata ? $1 OR metadata->>$1 = '')",
			wantArgs: 1,
		},
		{
			name:     "conjunction",
			filter:   vector.Where().Eq("type", "indexed").GT("created_at", "2025-01-01").LT("created_at", "2025-06-30"),
			want:     " WHERE metadata->>$1 = $2 AND metadata->>$3 > $4 AND metadata->>$5 < $6",
			wantArgs: 6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clause, args := whereClause(tt.filter, nil)
			if clause != tt.want {
				t.Errorf("clause = %q, want %q", clause, tt.want)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("args = %d, want %d", len(args), tt.wantArgs)
			}
		})
	}
}

func TestWhereClauseOffsetsAfterExistingArgs(t *testing.T) {
	// Query passes the embedding as $1 before the filter args.
	clause, args := whereClause(vector.Where().Eq("type", "indexed"), []any{"embedding"})
	if clause != " WHERE metadata->>$2 = $3" {
		t.Errorf("clause = %q", clause)
	}
	if len(args) != 3 {
		t.Errorf("args = %d, want 3", len(args))
	}
}

func TestEscapeLike(t *testing.T) {
	got := escapeLike(`file:100%_done\x`)
	if !strings.Contains(got, `\%`) || !strings.Contains(got, `\_`) || !strings.Contains(got, `\\`) {
		t.Errorf("escapeLike = %q", got)
	}
}

func TestSplitMergeMeta(t *testing.T) {
	meta := vector.Metadata{
		"type":      "agent-memory",
		"tags":      []string{"go"},
		"hit_count": 2,
	}
	tags, jsonMeta := splitMeta(meta)
	if len(tags) != 1 || tags[0] != "go" {
		t.Errorf("tags = %v", tags)
	}
	if _, present := jsonMeta["tags"]; present {
		t.Error("tags leaked into jsonb metadata")
	}

	// JSONB round-trips numbers as float64.
	back := mergeMeta(tags, map[string]any{"type": "agent-memory", "hit_count": float64(2)})
	if n, ok := back.Int("hit_count"); !ok || n != 2 {
		t.Errorf("hit_count = %v", back["hit_count"])
	}
	if back.Tags()[0] != "go" {
		t.Errorf("tags = %v", back.Tags())
	}
}

func TestTableName(t *testing.T) {
	if got := tableName("My-Project.memories"); got != "annal_my_project_memories" {
		t.Errorf("tableName = %q", got)
	}
}
