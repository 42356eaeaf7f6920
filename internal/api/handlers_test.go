package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/annalhq/annal/internal/config"
	"github.com/annalhq/annal/internal/embedding/mock"
	"github.com/annalhq/annal/internal/events"
	"github.com/annalhq/annal/internal/memory"
	"github.com/annalhq/annal/internal/pool"
)

const testDims = 64

func newTestRouter(t *testing.T) (http.Handler, *pool.Pool, *config.Config, *events.Bus) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Storage.Backend = "chromem"
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Embedding.Dimensions = testDims

	bus := events.NewBus()
	p := pool.New(cfg, mock.New(testDims), bus)
	t.Cleanup(func() { p.Shutdown(5 * time.Second) })
	return NewRouter(cfg, p, bus), p, cfg, bus
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func seedMemory(t *testing.T, p *pool.Pool, project, content string, tags []string) string {
	t.Helper()
	store, err := p.GetStore(context.Background(), project)
	if err != nil {
		t.Fatal(err)
	}
	id, err := store.Store(context.Background(), memory.StoreRequest{Content: content, Tags: tags})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestHealth(t *testing.T) {
	handler, _, _, _ := newTestRouter(t)
	rec := doJSON(t, handler, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestListProjectsSkipsEmpty(t *testing.T) {
	handler, p, cfg, _ := newTestRouter(t)
	cfg.AddProject("empty", nil, nil, nil)
	cfg.AddProject("full", nil, nil, nil)
	seedMemory(t, p, "full", "a fact", []string{"x"})

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/projects", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var projects []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &projects); err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 || projects[0]["name"] != "full" {
		t.Errorf("projects = %+v", projects)
	}
}

func TestBrowseAndDelete(t *testing.T) {
	handler, p, _, bus := newTestRouter(t)
	id := seedMemory(t, p, "proj", "to be deleted", []string{"x"})

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/projects/proj/memories", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("browse status = %d", rec.Code)
	}
	var page struct {
		Memories []memory.Memory `json:"memories"`
		Total    int             `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || len(page.Memories) != 1 || page.Memories[0].ID != id {
		t.Fatalf("page = %+v", page)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/projects/proj/memories/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/projects/proj/memories", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 0 {
		t.Errorf("total after delete = %d", page.Total)
	}

	found := false
	for _, ev := range bus.Recent(0) {
		if ev.Type == events.TypeMemoryDeleted && ev.Detail == id {
			found = true
		}
	}
	if !found {
		t.Error("delete event not published")
	}
}

func TestSearchValidation(t *testing.T) {
	handler, p, _, _ := newTestRouter(t)
	seedMemory(t, p, "proj", "searchable fact", []string{"x"})

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/projects/proj/search", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing query: status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/projects/proj/search", map[string]any{
		"query": "x", "after": "not-a-date",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad date: status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/projects/proj/search", map[string]any{
		"query": "searchable fact",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d: %s", rec.Code, rec.Body.String())
	}
	var results []memory.Memory
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("results = %+v", results)
	}
}

func TestCrossProjectSearch(t *testing.T) {
	handler, p, cfg, _ := newTestRouter(t)
	cfg.AddProject("alpha", nil, nil, nil)
	cfg.AddProject("beta", nil, nil, nil)
	seedMemory(t, p, "alpha", "alpha note", []string{"t"})
	seedMemory(t, p, "beta", "beta note", []string{"t"})

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/search", map[string]any{
		"query": "note", "tags": []string{"t"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var results []memory.Memory
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	projects := map[string]bool{}
	for _, m := range results {
		projects[m.Project] = true
	}
	if !projects["alpha"] || !projects["beta"] {
		t.Errorf("projects = %v", projects)
	}
}

func TestReconcileEndpoints(t *testing.T) {
	handler, _, cfg, _ := newTestRouter(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/projects/ghost/reconcile", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unconfigured project: status = %d", rec.Code)
	}

	cfg.AddProject("proj", []string{t.TempDir()}, nil, nil)
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/projects/proj/reconcile", nil)
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d: %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec = doJSON(t, handler, http.MethodGet, "/api/v1/projects/proj/index-status", nil)
		var status map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			t.Fatal(err)
		}
		if status["indexing"] == false {
			if _, ok := status["last_reconcile"]; !ok {
				t.Fatalf("no last_reconcile after completion: %+v", status)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("reconcile never finished")
}

func TestRecentEvents(t *testing.T) {
	handler, _, _, bus := newTestRouter(t)
	bus.Publish(events.TypeMemoryStored, "proj", "id-1")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/events?limit=5", nil)
	var evs []events.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &evs); err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Type != events.TypeMemoryStored {
		t.Errorf("events = %+v", evs)
	}
}

func TestStreamEvents(t *testing.T) {
	handler, _, _, bus := newTestRouter(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/events/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(100 * time.Millisecond)
	bus.Publish(events.TypeIndexComplete, "proj", "3 files")

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, "event: "+events.TypeIndexComplete) {
			data, err := reader.ReadString('\n')
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(data, "proj|3 files|") {
				t.Errorf("data line = %q", data)
			}
			return
		}
	}
	t.Fatal("event never arrived on the stream")
}
