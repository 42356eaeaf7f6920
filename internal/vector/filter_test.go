package vector

import "testing"

func TestConditionMatches(t *testing.T) {
	meta := Metadata{
		"type":       "agent-memory",
		"source":     "file:docs/notes.md|Setup",
		"created_at": "2025-06-15T12:00:00.000000Z",
		"tags":       []string{"golang", "testing"},
	}

	tests := []struct {
		name string
		f    *Filter
		want bool
	}{
		{"eq match", Where().Eq("type", "agent-memory"), true},
		{"eq mismatch", Where().Eq("type", "indexed"), false},
		{"contains_any hit", Where().ContainsAny("tags", []string{"python", "golang"}), true},
		{"contains_any miss", Where().ContainsAny("tags", []string{"python"}), false},
		{"prefix hit", Where().Prefix("source", "file:"), true},
		{"prefix miss", Where().Prefix("source", "manual:"), false},
		{"gt hit", Where().GT("created_at", "2025-06-01"), true},
		{"gt miss", Where().GT("created_at", "2025-07-01"), false},
		{"lt hit", Where().LT("created_at", "2025-07-01"), true},
		{"not_exists absent", Where().NotExists("superseded_by"), true},
		{"not_exists present", Where().NotExists("type"), false},
		{"conjunction", Where().Eq("type", "agent-memory").Prefix("source", "file:"), true},
		{"conjunction partial", Where().Eq("type", "agent-memory").Prefix("source", "manual:"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Matches(meta); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNotExistsTreatsEmptyStringAsAbsent(t *testing.T) {
	meta := Metadata{"superseded_by": ""}
	if !Where().NotExists("superseded_by").Matches(meta) {
		t.Error("empty string should count as absent")
	}
}

func TestDateBoundsAreDayInclusive(t *testing.T) {
	// A record created mid-day must fall inside bounds normalized to the
	// start and end of the same day.
	meta := Metadata{"created_at": "2025-06-15T12:30:00.000000Z"}
	f := Where().GT("created_at", "2025-06-15T00:00:00").LT("created_at", "2025-06-15T23:59:59")
	if !f.Matches(meta) {
		t.Error("same-day record excluded by day bounds")
	}
}

func TestTagsToleratesAnySlice(t *testing.T) {
	meta := Metadata{"tags": []any{"a", "b"}}
	if !Where().ContainsAny("tags", []string{"b"}).Matches(meta) {
		t.Error("[]any tags not matched")
	}
}

func TestEmptyFilter(t *testing.T) {
	var f *Filter
	if !f.Empty() {
		t.Error("nil filter should be empty")
	}
	if !f.Matches(Metadata{"x": "y"}) {
		t.Error("nil filter should match everything")
	}
	if !Where().Empty() {
		t.Error("fresh filter should be empty")
	}
}

func TestSplit(t *testing.T) {
	f := Where().
		Eq("type", "indexed").
		Prefix("source", "file:").
		NotExists("superseded_by")

	nat, post := f.Split(func(c Condition) bool { return c.Op == OpEq })
	if nat == nil || len(nat.Conditions) != 1 || nat.Conditions[0].Op != OpEq {
		t.Errorf("native part wrong: %+v", nat)
	}
	if post == nil || len(post.Conditions) != 2 {
		t.Errorf("post part wrong: %+v", post)
	}

	nat, post = f.Split(func(Condition) bool { return true })
	if post != nil {
		t.Errorf("expected nil post part, got %+v", post)
	}
	if len(nat.Conditions) != 3 {
		t.Errorf("native part lost conditions: %+v", nat)
	}

	var empty *Filter
	nat, post = empty.Split(func(Condition) bool { return true })
	if nat != nil || post != nil {
		t.Error("empty filter should split to nil, nil")
	}
}

func TestOverfetchLimit(t *testing.T) {
	tests := []struct {
		limit, want int
	}{
		{5, 15},
		{100, 300},
		{200, 500},
		{600, 600},
	}
	for _, tt := range tests {
		if got := OverfetchLimit(tt.limit); got != tt.want {
			t.Errorf("OverfetchLimit(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}
