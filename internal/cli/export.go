package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/annalhq/annal/internal/vector"
	"github.com/annalhq/annal/internal/vector/registry"
)

const exportBatchSize = 500

// exportRecord is one JSONL line. Embeddings are omitted so the dump stays
// portable across models; import re-embeds with the configured model.
type exportRecord struct {
	ID       string          `json:"id"`
	Text     string          `json:"text"`
	Metadata vector.Metadata `json:"metadata"`
}

func newExportCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a project's memories as JSONL on stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			backend, err := registry.Open(ctx, cfg.Storage, project, cfg.Embedding.Dimensions)
			if err != nil {
				return fmt.Errorf("open backend: %w", err)
			}
			defer backend.Close()

			count, err := exportJSONL(ctx, backend, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d memories\n", count)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "memories", "project collection to export")
	return cmd
}

func exportJSONL(ctx context.Context, backend vector.Backend, out, progress io.Writer) (int, error) {
	enc := json.NewEncoder(out)
	exported := 0
	for offset := 0; ; {
		records, total, err := backend.Scan(ctx, offset, exportBatchSize, nil)
		if err != nil {
			return exported, fmt.Errorf("scan at offset %d: %w", offset, err)
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			if err := enc.Encode(exportRecord{ID: rec.ID, Text: rec.Text, Metadata: rec.Metadata}); err != nil {
				return exported, err
			}
			exported++
		}
		offset += len(records)
		fmt.Fprintf(progress, "exported %d/%d\n", exported, total)
	}
	return exported, nil
}
