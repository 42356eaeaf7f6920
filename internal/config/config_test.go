package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("default port = %d, want 9200", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "chromem" {
		t.Errorf("default backend = %q, want chromem", cfg.Storage.Backend)
	}
	if cfg.Embedding.Model != "nomic-embed-text" {
		t.Errorf("default model = %q", cfg.Embedding.Model)
	}
	if len(cfg.Projects) != 0 {
		t.Errorf("expected no projects, got %d", len(cfg.Projects))
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: 9300
storage:
  backend: qdrant
projects:
  myproj:
    watch_paths: ["/tmp/docs"]
    watch: false
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9300 {
		t.Errorf("port = %d, want 9300", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "qdrant" {
		t.Errorf("backend = %q, want qdrant", cfg.Storage.Backend)
	}
	proj, ok := cfg.Project("myproj")
	if !ok {
		t.Fatal("project myproj missing")
	}
	if proj.Watching() {
		t.Error("watch: false should disable watching")
	}
	if got := proj.Patterns(); len(got) != len(DefaultWatchPatterns) {
		t.Errorf("patterns should fall back to defaults, got %v", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ANNAL_PORT", "9999")
	t.Setenv("ANNAL_BACKEND", "postgres")
	t.Setenv("EMBEDDING_MODEL", "all-minilm")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "postgres" {
		t.Errorf("backend = %q, want postgres", cfg.Storage.Backend)
	}
	if cfg.Embedding.Model != "all-minilm" {
		t.Errorf("model = %q, want all-minilm", cfg.Embedding.Model)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg.AddProject("alpha", []string{"/srv/alpha"}, nil, nil)
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	proj, ok := reloaded.Project("alpha")
	if !ok {
		t.Fatal("saved project lost on reload")
	}
	if len(proj.WatchPaths) != 1 || proj.WatchPaths[0] != "/srv/alpha" {
		t.Errorf("watch paths = %v", proj.WatchPaths)
	}
}

func TestAddProjectUpdatesExisting(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.AddProject("p", []string{"/a"}, nil, nil)
	cfg.AddProject("p", []string{"/b"}, []string{"**/*.md"}, nil)

	proj, _ := cfg.Project("p")
	if proj.WatchPaths[0] != "/b" {
		t.Errorf("watch paths not updated: %v", proj.WatchPaths)
	}
	if len(proj.WatchPatterns) != 1 {
		t.Errorf("patterns not updated: %v", proj.WatchPatterns)
	}
}
