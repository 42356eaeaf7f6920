package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Default watch settings applied to projects that do not override them.
var (
	DefaultWatchPatterns = []string{"**/*.md", "**/*.yaml", "**/*.toml", "**/*.json"}
	DefaultWatchExclude  = []string{
		"**/node_modules/**",
		"**/vendor/**",
		"**/.git/**",
		"**/.venv/**",
		"**/__pycache__/**",
		"**/dist/**",
		"**/build/**",
	}
)

type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Storage   StorageConfig            `yaml:"storage"`
	Embedding EmbeddingConfig          `yaml:"embedding"`
	Projects  map[string]ProjectConfig `yaml:"projects"`

	// path the config was loaded from; Save writes back here.
	path string
	mu   sync.Mutex
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects and parameterizes the vector backend.
type StorageConfig struct {
	Backend  string         `yaml:"backend"` // chromem | qdrant | postgres
	DataDir  string         `yaml:"data_dir"`
	Qdrant   QdrantConfig   `yaml:"qdrant"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
	UseTLS bool   `yaml:"use_tls"`
	Hybrid bool   `yaml:"hybrid"`
}

type PostgresConfig struct {
	URL string `yaml:"url"`
}

type EmbeddingConfig struct {
	OllamaURL  string `yaml:"ollama_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// ProjectConfig describes one watched project.
type ProjectConfig struct {
	WatchPaths    []string `yaml:"watch_paths"`
	WatchPatterns []string `yaml:"watch_patterns"`
	WatchExclude  []string `yaml:"watch_exclude"`
	Watch         *bool    `yaml:"watch"`
}

// Watching reports whether live watching is enabled for the project.
// Unset means enabled.
func (p ProjectConfig) Watching() bool {
	return p.Watch == nil || *p.Watch
}

// Patterns returns the project's watch patterns, falling back to defaults.
func (p ProjectConfig) Patterns() []string {
	if len(p.WatchPatterns) > 0 {
		return p.WatchPatterns
	}
	return DefaultWatchPatterns
}

// Excludes returns the project's exclude patterns, falling back to defaults.
func (p ProjectConfig) Excludes() []string {
	if len(p.WatchExclude) > 0 {
		return p.WatchExclude
	}
	return DefaultWatchExclude
}

// DefaultPath returns the default config file location (~/.annal/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".annal", "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".annal", "data")
}

// Load reads the config file at path, applying defaults for anything the
// file omits and env-var overrides on top. A missing file yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := &Config{
		Server:    ServerConfig{Host: "127.0.0.1", Port: 9200},
		Storage:   StorageConfig{Backend: "chromem", DataDir: defaultDataDir(), Qdrant: QdrantConfig{Host: "localhost", Port: 6334}},
		Embedding: EmbeddingConfig{OllamaURL: "http://localhost:11434", Model: "nomic-embed-text", Dimensions: 768},
		Projects:  map[string]ProjectConfig{},
		path:      path,
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if cfg.Projects == nil {
		cfg.Projects = map[string]ProjectConfig{}
	}
	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir)
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANNAL_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = expandHome(v)
	}
	if v := os.Getenv("ANNAL_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("ANNAL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.Embedding.OllamaURL = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Postgres.URL = v
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Save writes the config back to the file it was loaded from, creating
// parent directories as needed.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", c.path, err)
	}
	return nil
}

// AddProject registers a project or updates an existing one's non-empty
// fields, then returns the resulting project config.
func (c *Config) AddProject(name string, watchPaths, watchPatterns, watchExclude []string) ProjectConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	proj, exists := c.Projects[name]
	if exists {
		if len(watchPaths) > 0 {
			proj.WatchPaths = watchPaths
		}
		if watchPatterns != nil {
			proj.WatchPatterns = watchPatterns
		}
		if watchExclude != nil {
			proj.WatchExclude = watchExclude
		}
	} else {
		proj = ProjectConfig{
			WatchPaths:    watchPaths,
			WatchPatterns: watchPatterns,
			WatchExclude:  watchExclude,
		}
	}
	c.Projects[name] = proj
	return proj
}

// Project returns a project by name.
func (c *Config) Project(name string) (ProjectConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.Projects[name]
	return p, ok
}

// ProjectNames returns the configured project names.
func (c *Config) ProjectNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.Projects))
	for name := range c.Projects {
		names = append(names, name)
	}
	return names
}
