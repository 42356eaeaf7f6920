// Package registry constructs vector backends from storage configuration.
package registry

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/annalhq/annal/internal/config"
	"github.com/annalhq/annal/internal/vector"
	"github.com/annalhq/annal/internal/vector/chromemstore"
	"github.com/annalhq/annal/internal/vector/pgstore"
	"github.com/annalhq/annal/internal/vector/qdrantstore"
)

// Open builds the backend selected by cfg.Backend for one collection.
func Open(ctx context.Context, cfg config.StorageConfig, collection string, dimensions int) (vector.Backend, error) {
	return OpenKind(ctx, cfg.Backend, cfg, collection, dimensions)
}

// OpenKind builds a backend of an explicit kind, ignoring cfg.Backend.
// Migration uses this to open source and destination side by side.
func OpenKind(ctx context.Context, kind string, cfg config.StorageConfig, collection string, dimensions int) (vector.Backend, error) {
	switch kind {
	case "chromem", "":
		return chromemstore.Open(filepath.Join(cfg.DataDir, "chromem"), collection, dimensions)
	case "qdrant":
		return qdrantstore.Open(ctx, qdrantstore.Options{
			Host:   cfg.Qdrant.Host,
			Port:   cfg.Qdrant.Port,
			APIKey: cfg.Qdrant.APIKey,
			UseTLS: cfg.Qdrant.UseTLS,
			Hybrid: cfg.Qdrant.Hybrid,
		}, collection, dimensions)
	case "postgres":
		return pgstore.Open(ctx, cfg.Postgres.URL, collection, dimensions)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}
