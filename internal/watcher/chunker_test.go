package watcher

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/annalhq/annal/internal/embedding/mock"
	"github.com/annalhq/annal/internal/memory"
	"github.com/annalhq/annal/internal/vector/chromemstore"
)

func TestChunkMarkdown(t *testing.T) {
	doc := strings.Join([]string{
		"intro text",
		"# Guide",
		"## Setup",
		"install the thing",
		"### Linux",
		"apt install thing",
		"## Usage",
		"run the thing",
		"# Appendix",
		"extra notes",
	}, "\n")

	got := ChunkMarkdown(doc, "guide.md")
	want := []Chunk{
		{Heading: "guide.md", Content: "intro text"},
		{Heading: "guide.md > Guide", Content: "Guide"},
		{Heading: "guide.md > Setup", Content: "install the thing"},
		{Heading: "guide.md > Setup > Linux", Content: "apt install thing"},
		{Heading: "guide.md > Usage", Content: "run the thing"},
		{Heading: "guide.md > Appendix", Content: "extra notes"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ChunkMarkdown:\n got %+v\nwant %+v", got, want)
	}
}

func TestChunkMarkdownHeadingOnlySections(t *testing.T) {
	got := ChunkMarkdown("## First\n## Second\nbody", "notes.md")
	want := []Chunk{
		{Heading: "notes.md > First", Content: "First"},
		{Heading: "notes.md > Second", Content: "body"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ChunkMarkdown:\n got %+v\nwant %+v", got, want)
	}
}

func TestChunkMarkdownH1ResetsNesting(t *testing.T) {
	doc := "# One\n## Deep\na\n# Two\nb"
	got := ChunkMarkdown(doc, "f.md")
	if got[len(got)-1].Heading != "f.md > Two" {
		t.Errorf("h1 should reset the breadcrumb: %+v", got)
	}
}

func TestChunkMarkdownEmpty(t *testing.T) {
	if got := ChunkMarkdown("", "f.md"); len(got) != 0 {
		t.Errorf("empty doc chunks = %+v", got)
	}
	if got := ChunkMarkdown("   \n\n  ", "f.md"); len(got) != 0 {
		t.Errorf("blank doc chunks = %+v", got)
	}
}

func TestChunkConfigFile(t *testing.T) {
	got := ChunkConfigFile("{\n \"a\": 1\n}\n", "package.json")
	if len(got) != 1 || got[0].Heading != "package.json" || got[0].Content != "{\n \"a\": 1\n}" {
		t.Errorf("ChunkConfigFile = %+v", got)
	}
}

func TestDeriveTags(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"docs/notes.md", []string{"indexed"}},
		{"CLAUDE.md", []string{"indexed", "agent-config"}},
		{"AGENTS.md", []string{"indexed", "agent-config"}},
		{"README.md", []string{"indexed", "docs"}},
	}
	for _, tt := range tests {
		if got := deriveTags(tt.path); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("deriveTags(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()
	backend, err := chromemstore.Open(filepath.Join(t.TempDir(), "db"), "memories", 64)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return memory.New(backend, mock.New(64))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestIndexFile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "# Title\nfirst body\n## Sub\nsecond body")

	n, err := IndexFile(ctx, store, path)
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if n != 2 {
		t.Errorf("chunks = %d, want 2", n)
	}

	results, _, err := store.Browse(ctx, memory.BrowseRequest{ChunkType: memory.ChunkTypeFileIndexed})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("stored chunks = %d, want 2", len(results))
	}
	for _, m := range results {
		if !strings.HasPrefix(m.Source, memory.FileSourcePrefix+path+"|") {
			t.Errorf("source = %q", m.Source)
		}
	}

	mtimes, err := store.FileMtimes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if mtimes[memory.FileSourcePrefix+path] == 0 {
		t.Error("file_mtime not recorded")
	}
}

func TestIndexFileReplacesOldChunks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "doc.md")

	writeFile(t, path, "# A\none\n# B\ntwo\n# C\nthree")
	if _, err := IndexFile(ctx, store, path); err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, "# A\nonly section now")
	if _, err := IndexFile(ctx, store, path); err != nil {
		t.Fatal(err)
	}

	if n, _ := store.Count(ctx); n != 1 {
		t.Errorf("count after re-index = %d, want 1", n)
	}
}

func TestIndexFileMissingOrEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if n, err := IndexFile(ctx, store, filepath.Join(t.TempDir(), "gone.md")); err != nil || n != 0 {
		t.Errorf("missing file: n=%d err=%v", n, err)
	}

	path := filepath.Join(t.TempDir(), "empty.md")
	writeFile(t, path, "  \n ")
	if n, err := IndexFile(ctx, store, path); err != nil || n != 0 {
		t.Errorf("empty file: n=%d err=%v", n, err)
	}
}
