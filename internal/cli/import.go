package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/annalhq/annal/internal/embedding"
	"github.com/annalhq/annal/internal/vector"
	"github.com/annalhq/annal/internal/vector/registry"
)

const importBatchSize = 100

func newImportCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import memories from a JSONL dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			backend, err := registry.Open(ctx, cfg.Storage, project, cfg.Embedding.Dimensions)
			if err != nil {
				return fmt.Errorf("open backend: %w", err)
			}
			defer backend.Close()

			embedder := embedding.NewClient(cfg.Embedding.OllamaURL, cfg.Embedding.Model, cfg.Embedding.Dimensions)
			count, err := importJSONL(ctx, backend, embedder, f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d memories\n", count)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "memories", "project collection to import into")
	return cmd
}

func importJSONL(ctx context.Context, backend vector.Backend, embedder embedding.Embedder, in io.Reader, progress io.Writer) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	imported := 0
	batch := make([]exportRecord, 0, importBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		texts := make([]string, len(batch))
		for i, rec := range batch {
			texts[i] = rec.Text
		}
		vectors, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		for i, rec := range batch {
			if err := backend.Insert(ctx, rec.ID, rec.Text, vectors[i], rec.Metadata); err != nil {
				return fmt.Errorf("insert %s: %w", rec.ID, err)
			}
			imported++
		}
		fmt.Fprintf(progress, "imported %d\n", imported)
		batch = batch[:0]
		return nil
	}

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec exportRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return imported, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.Metadata == nil {
			rec.Metadata = vector.Metadata{}
		}
		batch = append(batch, rec)
		if len(batch) == importBatchSize {
			if err := flush(); err != nil {
				return imported, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return imported, err
	}
	if err := flush(); err != nil {
		return imported, err
	}
	return imported, nil
}
