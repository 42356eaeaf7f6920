package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/annalhq/annal/internal/embedding"
	"github.com/annalhq/annal/internal/vector"
	"github.com/annalhq/annal/internal/vector/registry"
)

const migrateBatchSize = 100

func newMigrateCmd() *cobra.Command {
	var (
		from    string
		to      string
		project string
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate a project's memories between storage backends",
		Long: `Migrate copies every record of a project's collection from one
storage backend to another, re-embedding the text with the configured
embedding model. The source collection is left untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == to {
				return fmt.Errorf("source and destination backend are both %q", from)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			src, err := registry.OpenKind(ctx, from, cfg.Storage, project, cfg.Embedding.Dimensions)
			if err != nil {
				return fmt.Errorf("open source backend: %w", err)
			}
			defer src.Close()

			dst, err := registry.OpenKind(ctx, to, cfg.Storage, project, cfg.Embedding.Dimensions)
			if err != nil {
				return fmt.Errorf("open destination backend: %w", err)
			}
			defer dst.Close()

			embedder := embedding.NewClient(cfg.Embedding.OllamaURL, cfg.Embedding.Model, cfg.Embedding.Dimensions)
			count, err := migrate(ctx, src, dst, embedder, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d memories from %s to %s\n", count, from, to)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source backend (chromem, qdrant, postgres)")
	cmd.Flags().StringVar(&to, "to", "", "destination backend (chromem, qdrant, postgres)")
	cmd.Flags().StringVar(&project, "project", "memories", "project collection to migrate")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

func migrate(ctx context.Context, src, dst vector.Backend, embedder embedding.Embedder, progress io.Writer) (int, error) {
	migrated := 0
	for offset := 0; ; {
		records, total, err := src.Scan(ctx, offset, migrateBatchSize, nil)
		if err != nil {
			return migrated, fmt.Errorf("scan source at offset %d: %w", offset, err)
		}
		if len(records) == 0 {
			break
		}

		texts := make([]string, len(records))
		for i, rec := range records {
			texts[i] = rec.Text
		}
		vectors, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return migrated, fmt.Errorf("embed batch at offset %d: %w", offset, err)
		}

		for i, rec := range records {
			if err := dst.Insert(ctx, rec.ID, rec.Text, vectors[i], rec.Metadata); err != nil {
				return migrated, fmt.Errorf("insert %s: %w", rec.ID, err)
			}
			migrated++
		}
		offset += len(records)
		fmt.Fprintf(progress, "migrated %d/%d\n", migrated, total)
	}
	return migrated, nil
}
