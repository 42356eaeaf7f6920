package cli

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/annalhq/annal/internal/embedding/mock"
	"github.com/annalhq/annal/internal/vector"
	"github.com/annalhq/annal/internal/vector/chromemstore"
)

const testDims = 64

func newTestBackend(t *testing.T, name string) vector.Backend {
	t.Helper()
	backend, err := chromemstore.Open(filepath.Join(t.TempDir(), "db"), name, testDims)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func seedBackend(t *testing.T, backend vector.Backend, texts []string) {
	t.Helper()
	embedder := mock.New(testDims)
	ctx := context.Background()
	for i, text := range texts {
		vec, err := embedder.Embed(ctx, text)
		if err != nil {
			t.Fatal(err)
		}
		meta := vector.Metadata{"chunk_type": "agent-memory", "seq": i}
		if err := backend.Insert(ctx, text, text, vec, meta); err != nil {
			t.Fatal(err)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := NewRootCmd("1.2.3")
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != "annal 1.2.3" {
		t.Fatalf("version output = %q", got)
	}
}

func TestMigrateCopiesAllRecords(t *testing.T) {
	ctx := context.Background()
	src := newTestBackend(t, "src")
	dst := newTestBackend(t, "dst")
	texts := []string{"alpha memory", "beta memory", "gamma memory"}
	seedBackend(t, src, texts)

	count, err := migrate(ctx, src, dst, mock.New(testDims), io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if count != len(texts) {
		t.Fatalf("migrated %d records, want %d", count, len(texts))
	}
	n, err := dst.Count(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(texts) {
		t.Fatalf("destination holds %d records, want %d", n, len(texts))
	}

	records, _, err := dst.Scan(ctx, 0, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range records {
		if rec.Metadata["chunk_type"] != "agent-memory" {
			t.Fatalf("record %s lost metadata: %v", rec.ID, rec.Metadata)
		}
	}
}

func TestMigrateRejectsSameBackend(t *testing.T) {
	var errOut bytes.Buffer
	cmd := NewRootCmd("dev")
	cmd.SetOut(io.Discard)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"migrate", "--from", "chromem", "--to", "chromem"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for identical backends")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestBackend(t, "src")
	texts := []string{"first note", "second note"}
	seedBackend(t, src, texts)

	var dump bytes.Buffer
	exported, err := exportJSONL(ctx, src, &dump, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if exported != len(texts) {
		t.Fatalf("exported %d records, want %d", exported, len(texts))
	}
	lines := strings.Split(strings.TrimSpace(dump.String()), "\n")
	if len(lines) != len(texts) {
		t.Fatalf("dump has %d lines, want %d", len(lines), len(texts))
	}
	for _, line := range lines {
		if !strings.Contains(line, `"id"`) || !strings.Contains(line, `"metadata"`) {
			t.Fatalf("malformed JSONL line: %s", line)
		}
	}

	dst := newTestBackend(t, "dst")
	imported, err := importJSONL(ctx, dst, mock.New(testDims), &dump, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if imported != len(texts) {
		t.Fatalf("imported %d records, want %d", imported, len(texts))
	}
	records, total, err := dst.Scan(ctx, 0, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if total != len(texts) {
		t.Fatalf("destination total = %d, want %d", total, len(texts))
	}
	got := map[string]bool{}
	for _, rec := range records {
		got[rec.Text] = true
	}
	for _, text := range texts {
		if !got[text] {
			t.Fatalf("record %q missing after round trip", text)
		}
	}
}

func TestImportSkipsBlankLines(t *testing.T) {
	ctx := context.Background()
	dst := newTestBackend(t, "dst")
	in := strings.NewReader(`{"id":"a","text":"solo","metadata":{}}` + "\n\n")
	imported, err := importJSONL(ctx, dst, mock.New(testDims), in, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if imported != 1 {
		t.Fatalf("imported %d records, want 1", imported)
	}
}

func TestImportBadLine(t *testing.T) {
	ctx := context.Background()
	dst := newTestBackend(t, "dst")
	in := strings.NewReader("not json\n")
	if _, err := importJSONL(ctx, dst, mock.New(testDims), in, io.Discard); err == nil {
		t.Fatal("expected error for malformed line")
	}
}
