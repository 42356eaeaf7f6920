// Package watcher indexes project files into a memory store and keeps the
// index current, both through on-demand reconciliation scans and through
// live filesystem events.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/annalhq/annal/internal/memory"
)

// Chunk is one indexable unit of a file.
type Chunk struct {
	Heading string
	Content string
}

var headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)

// ChunkMarkdown splits markdown content into chunks at heading boundaries.
// Headings nest into a breadcrumb path (h1 resets the path), and a section
// that contains only a heading is indexed with the heading text as content.
func ChunkMarkdown(content, filename string) []Chunk {
	var (
		chunks          []Chunk
		current         []string
		headingStack    []string
		headingLevels   []int
		lastHeadingText string
	)
	currentHeading := filename

	flush := func() {
		text := strings.TrimSpace(strings.Join(current, "\n"))
		if text != "" {
			chunks = append(chunks, Chunk{Heading: currentHeading, Content: text})
		} else if lastHeadingText != "" {
			chunks = append(chunks, Chunk{Heading: currentHeading, Content: lastHeadingText})
		}
		current = current[:0]
	}

	for _, line := range strings.Split(content, "\n") {
		m := headingRe.FindStringSubmatch(line)
		if m == nil {
			current = append(current, line)
			continue
		}
		flush()

		level := len(m[1])
		text := strings.TrimSpace(m[2])
		lastHeadingText = text

		for len(headingLevels) > 0 && headingLevels[len(headingLevels)-1] >= level {
			headingLevels = headingLevels[:len(headingLevels)-1]
			headingStack = headingStack[:len(headingStack)-1]
		}

		// h1 headings are top-level section markers, not nesting parents.
		if level > 1 {
			headingStack = append(headingStack, text)
			headingLevels = append(headingLevels, level)
			currentHeading = filename + " > " + strings.Join(headingStack, " > ")
		} else {
			headingStack = headingStack[:0]
			headingLevels = headingLevels[:0]
			currentHeading = filename + " > " + text
		}
	}
	flush()

	return chunks
}

// ChunkConfigFile treats an entire config file as a single chunk.
func ChunkConfigFile(content, filename string) []Chunk {
	return []Chunk{{Heading: filename, Content: strings.TrimSpace(content)}}
}

func chunkFile(content, filePath string) []Chunk {
	name := filepath.Base(filePath)
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".md":
		return ChunkMarkdown(content, name)
	case ".json", ".yaml", ".yml", ".toml":
		return ChunkConfigFile(content, name)
	default:
		return []Chunk{{Heading: name, Content: content}}
	}
}

// IndexFile chunks a file and stores the chunks, replacing any chunks
// previously indexed from the same path. Returns the chunk count. A missing
// or empty file indexes zero chunks (existing chunks are left alone).
func IndexFile(ctx context.Context, store *memory.Store, filePath string) (int, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat %s: %w", filePath, err)
	}
	return indexFile(ctx, store, filePath, mtimeOf(info))
}

func indexFile(ctx context.Context, store *memory.Store, filePath string, mtime float64) (int, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", filePath, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return 0, nil
	}

	if _, err := store.DeleteBySource(ctx, memory.FileSourcePrefix+filePath); err != nil {
		return 0, fmt.Errorf("clear old chunks for %s: %w", filePath, err)
	}

	chunks := chunkFile(string(data), filePath)
	tags := deriveTags(filePath)
	for _, chunk := range chunks {
		_, err := store.Store(ctx, memory.StoreRequest{
			Content:   chunk.Content,
			Tags:      tags,
			Source:    memory.FileSourcePrefix + filePath + "|" + chunk.Heading,
			ChunkType: memory.ChunkTypeFileIndexed,
			FileMtime: &mtime,
		})
		if err != nil {
			return 0, fmt.Errorf("store chunk of %s: %w", filePath, err)
		}
	}
	return len(chunks), nil
}

// deriveTags builds automatic tags from the file name.
func deriveTags(filePath string) []string {
	tags := []string{"indexed"}
	name := strings.ToLower(filepath.Base(filePath))
	if strings.Contains(name, "claude") || strings.Contains(name, "agent") {
		tags = append(tags, "agent-config")
	}
	if strings.Contains(name, "readme") {
		tags = append(tags, "docs")
	}
	return tags
}

func mtimeOf(info os.FileInfo) float64 {
	return float64(info.ModTime().UnixNano()) / 1e9
}
