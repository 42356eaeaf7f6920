package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/annalhq/annal/internal/events"
	"github.com/annalhq/annal/internal/memory"
)

// Tool input structs with jsonschema tags

type StoreMemoryInput struct {
	Project    string   `json:"project" jsonschema:"Project name (e.g. the codebase directory name),required"`
	Content    string   `json:"content" jsonschema:"The knowledge to store,required"`
	Tags       []string `json:"tags" jsonschema:"Domain labels like [\"billing\", \"checkout\"],required"`
	Source     string   `json:"source,omitempty" jsonschema:"Where this knowledge came from (file path, 'session observation', etc.)"`
	Supersedes string   `json:"supersedes,omitempty" jsonschema:"ID of an older memory this one replaces"`
}

type MemoryItem struct {
	Content    string   `json:"content" jsonschema:"The knowledge to store,required"`
	Tags       []string `json:"tags" jsonschema:"Domain labels,required"`
	Source     string   `json:"source,omitempty" jsonschema:"Where this knowledge came from"`
	Supersedes string   `json:"supersedes,omitempty" jsonschema:"ID of an older memory this one replaces"`
}

type StoreMemoriesInput struct {
	Project  string       `json:"project" jsonschema:"Project name,required"`
	Memories []MemoryItem `json:"memories" jsonschema:"Memories to store in one call,required"`
}

type SearchMemoriesInput struct {
	Project  string   `json:"project" jsonschema:"Project name to search in,required"`
	Query    string   `json:"query" jsonschema:"Natural language search query,required"`
	Tags     []string `json:"tags,omitempty" jsonschema:"Only return memories with at least one of these tags (fuzzy-expanded)"`
	Limit    int      `json:"limit,omitempty" jsonschema:"Maximum number of results (default 5)"`
	Mode     string   `json:"mode,omitempty" jsonschema:"summary (default) | probe | full"`
	MinScore float64  `json:"min_score,omitempty" jsonschema:"Minimum similarity score to include (default 0.0)"`
	After    string   `json:"after,omitempty" jsonschema:"ISO 8601 date; only memories created after this"`
	Before   string   `json:"before,omitempty" jsonschema:"ISO 8601 date; only memories created before this"`
	Output   string   `json:"output,omitempty" jsonschema:"text (default) | json"`
	Projects []string `json:"projects,omitempty" jsonschema:"Additional projects to search, or [\"*\"] for all configured projects"`
}

type ExpandMemoriesInput struct {
	Project   string   `json:"project" jsonschema:"Project name the memories belong to,required"`
	MemoryIDs []string `json:"memory_ids" jsonschema:"Memory IDs to expand,required"`
	Output    string   `json:"output,omitempty" jsonschema:"text (default) | json"`
}

type UpdateMemoryInput struct {
	Project  string   `json:"project" jsonschema:"Project name the memory belongs to,required"`
	MemoryID string   `json:"memory_id" jsonschema:"ID of the memory to update,required"`
	Content  *string  `json:"content,omitempty" jsonschema:"New content (omit to keep existing)"`
	Tags     []string `json:"tags,omitempty" jsonschema:"New tags (omit to keep existing)"`
	Source   *string  `json:"source,omitempty" jsonschema:"New source (omit to keep existing)"`
}

type RetagMemoryInput struct {
	Project    string   `json:"project" jsonschema:"Project name the memory belongs to,required"`
	MemoryID   string   `json:"memory_id" jsonschema:"ID of the memory to retag,required"`
	AddTags    []string `json:"add_tags,omitempty" jsonschema:"Tags to add"`
	RemoveTags []string `json:"remove_tags,omitempty" jsonschema:"Tags to remove"`
	SetTags    []string `json:"set_tags,omitempty" jsonschema:"Replace all tags with these (cannot mix with add/remove)"`
}

type DeleteMemoryInput struct {
	Project  string `json:"project" jsonschema:"Project name the memory belongs to,required"`
	MemoryID string `json:"memory_id" jsonschema:"ID of the memory to delete,required"`
}

type ListTopicsInput struct {
	Project string `json:"project" jsonschema:"Project name to list topics for,required"`
}

type BrowseMemoriesInput struct {
	Project           string   `json:"project" jsonschema:"Project name to browse,required"`
	Offset            int      `json:"offset,omitempty" jsonschema:"Pagination offset"`
	Limit             int      `json:"limit,omitempty" jsonschema:"Page size (default 50)"`
	ChunkType         string   `json:"chunk_type,omitempty" jsonschema:"Filter: agent-memory | file-indexed"`
	Source            string   `json:"source,omitempty" jsonschema:"Filter by source prefix"`
	Tags              []string `json:"tags,omitempty" jsonschema:"Filter by tags (any match)"`
	IncludeSuperseded bool     `json:"include_superseded,omitempty" jsonschema:"Include superseded memories"`
	Output            string   `json:"output,omitempty" jsonschema:"text (default) | json"`
}

type MemoryStatsInput struct {
	Project string `json:"project" jsonschema:"Project name,required"`
}

type FindStaleInput struct {
	Project              string `json:"project" jsonschema:"Project name,required"`
	MaxAgeDays           int    `json:"max_age_days,omitempty" jsonschema:"Staleness horizon in days (default 60)"`
	IncludeNeverAccessed *bool  `json:"include_never_accessed,omitempty" jsonschema:"Also report never-retrieved memories (default true)"`
}

type InitProjectInput struct {
	ProjectName   string   `json:"project_name" jsonschema:"Name for the project (used as the collection namespace),required"`
	WatchPaths    []string `json:"watch_paths,omitempty" jsonschema:"Directory paths to watch for file indexing"`
	WatchPatterns []string `json:"watch_patterns,omitempty" jsonschema:"Glob patterns for files to index (replaces defaults)"`
	WatchExclude  []string `json:"watch_exclude,omitempty" jsonschema:"Glob patterns to exclude (replaces defaults)"`
}

type IndexFilesInput struct {
	Project string `json:"project" jsonschema:"Project name to re-index,required"`
}

type IndexStatusInput struct {
	Project string `json:"project" jsonschema:"Project name to check,required"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "store_memory",
		Description: "Store a piece of knowledge in a project's memory. Near-duplicate memories are skipped.",
	}, s.storeMemory)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "store_memories",
		Description: "Store several memories in one call with per-item duplicate detection.",
	}, s.storeMemories)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "search_memories",
		Description: "Search project memories using natural language semantic similarity. Supports tag, date, and cross-project filters.",
	}, s.searchMemories)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "expand_memories",
		Description: "Retrieve full content for specific memories by ID. Use after a probe-mode search.",
	}, s.expandMemories)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "update_memory",
		Description: "Update an existing memory's content, tags, or source without losing its ID.",
	}, s.updateMemory)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "retag_memory",
		Description: "Modify tags on an existing memory without changing its content. Incremental (add/remove) or full replace (set).",
	}, s.retagMemory)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "delete_memory",
		Description: "Delete a specific memory by its ID.",
	}, s.deleteMemory)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_topics",
		Description: "List all knowledge domains (tags) in a project with their counts.",
	}, s.listTopics)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "browse_memories",
		Description: "Page through a project's memories without a query, with optional type, source, and tag filters.",
	}, s.browseMemories)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "memory_stats",
		Description: "Collection statistics: totals by type and tag, plus staleness counts.",
	}, s.memoryStats)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "find_stale",
		Description: "Find agent memories that have not been retrieved recently and may be outdated.",
	}, s.findStale)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "init_project",
		Description: "Initialize a project in the config and start indexing its watch paths.",
	}, s.initProject)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "index_files",
		Description: "Full re-index: clears all file-indexed chunks, then re-indexes from scratch.",
	}, s.indexFiles)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "index_status",
		Description: "Check indexing status and collection diagnostics for a project.",
	}, s.indexStatus)
}

func (s *Server) storeMemory(ctx context.Context, req *mcp.CallToolRequest, input *StoreMemoryInput) (*mcp.CallToolResult, any, error) {
	store, err := s.pool.GetStore(ctx, input.Project)
	if err != nil {
		return nil, nil, err
	}

	result, err := store.StoreBatch(ctx, []memory.BatchItem{{
		Content:    input.Content,
		Tags:       input.Tags,
		Source:     input.Source,
		Supersedes: input.Supersedes,
	}})
	if err != nil {
		return nil, nil, fmt.Errorf("store memory: %w", err)
	}

	out := result.Outcomes[0]
	switch out.Status {
	case memory.BatchSkipped:
		return makeTextResult(fmt.Sprintf("[%s] Skipped — similar memory already exists (score: %.2f, ID: %s)",
			input.Project, out.Score, out.SimilarID)), nil, nil
	case memory.BatchHinted:
		s.bus.Publish(events.TypeMemoryStored, input.Project, out.ID)
		return makeTextResult(fmt.Sprintf("[%s] Stored memory %s. Note: similar memory %s exists (score: %.2f) — consider supersedes next time.",
			input.Project, out.ID, out.SimilarID, out.Score)), nil, nil
	default:
		s.bus.Publish(events.TypeMemoryStored, input.Project, out.ID)
		return makeTextResult(fmt.Sprintf("[%s] Stored memory %s", input.Project, out.ID)), nil, nil
	}
}

func (s *Server) storeMemories(ctx context.Context, req *mcp.CallToolRequest, input *StoreMemoriesInput) (*mcp.CallToolResult, any, error) {
	if len(input.Memories) == 0 {
		return makeTextResult(fmt.Sprintf("[%s] Nothing to store.", input.Project)), nil, nil
	}
	store, err := s.pool.GetStore(ctx, input.Project)
	if err != nil {
		return nil, nil, err
	}

	items := make([]memory.BatchItem, len(input.Memories))
	for i, m := range input.Memories {
		items[i] = memory.BatchItem{Content: m.Content, Tags: m.Tags, Source: m.Source, Supersedes: m.Supersedes}
	}
	result, err := store.StoreBatch(ctx, items)
	if err != nil {
		return nil, nil, fmt.Errorf("store memories: %w", err)
	}

	lines := []string{fmt.Sprintf("[%s] Stored %d, skipped %d:", input.Project, result.Stored, result.Skipped)}
	for _, out := range result.Outcomes {
		switch out.Status {
		case memory.BatchSkipped:
			lines = append(lines, fmt.Sprintf("  %d: skipped — similar to %s (score: %.2f)", out.Index, out.SimilarID, out.Score))
		case memory.BatchHinted:
			s.bus.Publish(events.TypeMemoryStored, input.Project, out.ID)
			lines = append(lines, fmt.Sprintf("  %d: stored %s (similar to %s, score: %.2f)", out.Index, out.ID, out.SimilarID, out.Score))
		default:
			s.bus.Publish(events.TypeMemoryStored, input.Project, out.ID)
			lines = append(lines, fmt.Sprintf("  %d: stored %s", out.Index, out.ID))
		}
	}
	return makeTextResult(strings.Join(lines, "\n")), nil, nil
}

func (s *Server) searchMemories(ctx context.Context, req *mcp.CallToolRequest, input *SearchMemoriesInput) (*mcp.CallToolResult, any, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 5
	}
	mode := input.Mode
	if mode == "" {
		mode = "summary"
	}

	searchProjects := s.resolveProjects(input.Project, input.Projects)
	crossProject := len(searchProjects) > 1

	var all []memory.Memory
	for _, name := range searchProjects {
		store, err := s.pool.GetStore(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		results, err := store.Search(ctx, memory.SearchRequest{
			Query:  input.Query,
			Tags:   input.Tags,
			Limit:  limit,
			After:  input.After,
			Before: input.Before,
		})
		if err != nil {
			if errors.Is(err, memory.ErrInvalidArgument) {
				return makeTextResult(fmt.Sprintf("[%s] Error: %v", input.Project, err)), nil, nil
			}
			return nil, nil, fmt.Errorf("search %s: %w", name, err)
		}
		for i := range results {
			results[i].Project = name
		}
		all = append(all, results...)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > limit {
		all = all[:limit]
	}
	// Tag-filtered searches keep every tagged match; otherwise low-relevance
	// noise is cut by the score floor.
	if len(input.Tags) == 0 {
		kept := all[:0]
		for _, m := range all {
			if m.Score >= input.MinScore {
				kept = append(kept, m)
			}
		}
		all = kept
	}

	if input.Output == "json" {
		return makeSearchJSON(input, mode, searchProjects, crossProject, all)
	}
	if len(all) == 0 {
		return makeTextResult(fmt.Sprintf("[%s] No matching memories found.", input.Project)), nil, nil
	}

	lines := make([]string, 0, len(all))
	for _, m := range all {
		projLabel := ""
		if crossProject {
			projLabel = fmt.Sprintf("(%s) ", m.Project)
		}
		lines = append(lines, formatSearchHit(projLabel, mode, m))
	}
	return makeTextResult(fmt.Sprintf("[%s] %d results:\n\n%s", input.Project, len(all), strings.Join(lines, "\n\n"))), nil, nil
}

// resolveProjects builds the fan-out list: the primary project first, then
// any extras; ["*"] means every configured project.
func (s *Server) resolveProjects(primary string, extra []string) []string {
	wildcard := false
	for _, name := range extra {
		if name == "*" {
			wildcard = true
		}
	}

	names := []string{primary}
	seen := map[string]struct{}{primary: {}}
	add := func(name string) {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	if wildcard {
		configured := s.cfg.ProjectNames()
		sort.Strings(configured)
		for _, name := range configured {
			add(name)
		}
	} else {
		for _, name := range extra {
			add(name)
		}
	}
	return names
}

func makeSearchJSON(input *SearchMemoriesInput, mode string, searchProjects []string, crossProject bool, results []memory.Memory) (*mcp.CallToolResult, any, error) {
	jsonResults := make([]map[string]any, 0, len(results))
	for _, m := range results {
		entry := map[string]any{
			"id":         m.ID,
			"tags":       m.Tags,
			"score":      roundScore(m.Score),
			"source":     m.Source,
			"created_at": m.CreatedAt,
			"updated_at": m.UpdatedAt,
		}
		if crossProject {
			entry["project"] = m.Project
		}
		if mode == "probe" || mode == "summary" {
			entry["content_preview"] = truncate(m.Content, 200)
		} else {
			entry["content"] = m.Content
		}
		jsonResults = append(jsonResults, entry)
	}
	meta := map[string]any{
		"query":    input.Query,
		"mode":     mode,
		"project":  input.Project,
		"total":    len(results),
		"returned": len(results),
	}
	if crossProject {
		meta["projects_searched"] = searchProjects
	}
	return makeJSONResult(map[string]any{"results": jsonResults, "meta": meta})
}

func formatSearchHit(projLabel, mode string, m memory.Memory) string {
	sourceLabel := m.Source
	if sourceLabel == "" {
		sourceLabel = "session observation"
	}
	date := m.UpdatedAt
	if date == "" {
		date = m.CreatedAt
	}
	if len(date) >= 10 {
		date = date[:10]
	} else if date == "" {
		date = "unknown"
	}

	switch mode {
	case "probe":
		firstLine, _, _ := strings.Cut(m.Content, "\n")
		snippet := firstLine
		if len(snippet) > 150 {
			snippet = snippet[:150] + "…"
		}
		return fmt.Sprintf("%s[%.2f] (%s) %q\n  Source: %s | %s | ID: %s",
			projLabel, m.Score, strings.Join(m.Tags, ", "), snippet, sourceLabel, date, m.ID)
	case "summary":
		return fmt.Sprintf("%s[%.2f] (%s) %s\n  Source: %s | %s | ID: %s",
			projLabel, m.Score, strings.Join(m.Tags, ", "), truncate(m.Content, 200), sourceLabel, date, m.ID)
	default:
		entry := fmt.Sprintf("%s[%.2f] (%s) %s", projLabel, m.Score, strings.Join(m.Tags, ", "), m.Content)
		if m.Source != "" {
			entry += "\n  Source: " + m.Source
		}
		if m.UpdatedAt != "" {
			entry += "\n  Updated: " + m.UpdatedAt
		}
		return entry + "\n  ID: " + m.ID
	}
}

func (s *Server) expandMemories(ctx context.Context, req *mcp.CallToolRequest, input *ExpandMemoriesInput) (*mcp.CallToolResult, any, error) {
	store, err := s.pool.GetStore(ctx, input.Project)
	if err != nil {
		return nil, nil, err
	}
	results, err := store.GetByIDs(ctx, input.MemoryIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("expand memories: %w", err)
	}

	if input.Output == "json" {
		jsonResults := make([]map[string]any, 0, len(results))
		for _, m := range results {
			jsonResults = append(jsonResults, map[string]any{
				"id":         m.ID,
				"content":    m.Content,
				"tags":       m.Tags,
				"source":     m.Source,
				"created_at": m.CreatedAt,
				"updated_at": m.UpdatedAt,
			})
		}
		return makeJSONResult(map[string]any{"results": jsonResults})
	}

	if len(results) == 0 {
		return makeTextResult(fmt.Sprintf("[%s] No memories found for the given IDs.", input.Project)), nil, nil
	}
	lines := make([]string, 0, len(results))
	for _, m := range results {
		entry := fmt.Sprintf("(%s) %s", strings.Join(m.Tags, ", "), m.Content)
		if m.Source != "" {
			entry += "\n  Source: " + m.Source
		}
		if m.UpdatedAt != "" {
			entry += "\n  Updated: " + m.UpdatedAt
		}
		if m.SupersededBy != "" {
			entry += "\n  Superseded by: " + m.SupersededBy
		}
		entry += "\n  ID: " + m.ID
		lines = append(lines, entry)
	}
	return makeTextResult(fmt.Sprintf("[%s] %d memories:\n\n%s", input.Project, len(results), strings.Join(lines, "\n\n"))), nil, nil
}

func (s *Server) updateMemory(ctx context.Context, req *mcp.CallToolRequest, input *UpdateMemoryInput) (*mcp.CallToolResult, any, error) {
	if input.Content == nil && input.Tags == nil && input.Source == nil {
		return makeTextResult(fmt.Sprintf("[%s] Nothing to update — provide content, tags, or source.", input.Project)), nil, nil
	}
	store, err := s.pool.GetStore(ctx, input.Project)
	if err != nil {
		return nil, nil, err
	}

	err = store.Update(ctx, input.MemoryID, memory.UpdateRequest{
		Content: input.Content,
		Tags:    input.Tags,
		Source:  input.Source,
	})
	if errors.Is(err, memory.ErrNotFound) {
		return makeTextResult(fmt.Sprintf("[%s] Memory %s not found.", input.Project, input.MemoryID)), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("update memory: %w", err)
	}
	s.bus.Publish(events.TypeMemoryUpdated, input.Project, input.MemoryID)
	return makeTextResult(fmt.Sprintf("[%s] Updated memory %s", input.Project, input.MemoryID)), nil, nil
}

func (s *Server) retagMemory(ctx context.Context, req *mcp.CallToolRequest, input *RetagMemoryInput) (*mcp.CallToolResult, any, error) {
	store, err := s.pool.GetStore(ctx, input.Project)
	if err != nil {
		return nil, nil, err
	}

	final, err := store.Retag(ctx, input.MemoryID, memory.RetagOptions{
		Add:     input.AddTags,
		Remove:  input.RemoveTags,
		Set:     input.SetTags,
		Replace: input.SetTags != nil,
	})
	if errors.Is(err, memory.ErrNotFound) {
		return makeTextResult(fmt.Sprintf("[%s] Memory %s not found.", input.Project, input.MemoryID)), nil, nil
	}
	if errors.Is(err, memory.ErrInvalidArgument) {
		return makeTextResult(fmt.Sprintf("[%s] Error: %v", input.Project, err)), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("retag memory: %w", err)
	}
	s.bus.Publish(events.TypeMemoryUpdated, input.Project, input.MemoryID)
	return makeTextResult(fmt.Sprintf("[%s] Retagged memory %s → [%s]", input.Project, input.MemoryID, strings.Join(final, ", "))), nil, nil
}

func (s *Server) deleteMemory(ctx context.Context, req *mcp.CallToolRequest, input *DeleteMemoryInput) (*mcp.CallToolResult, any, error) {
	store, err := s.pool.GetStore(ctx, input.Project)
	if err != nil {
		return nil, nil, err
	}

	existing, err := store.GetByIDs(ctx, []string{input.MemoryID})
	if err != nil {
		return nil, nil, fmt.Errorf("delete memory: %w", err)
	}
	if len(existing) == 0 {
		return makeTextResult(fmt.Sprintf("[%s] Memory %s not found.", input.Project, input.MemoryID)), nil, nil
	}
	if err := store.Delete(ctx, input.MemoryID); err != nil {
		return nil, nil, fmt.Errorf("delete memory: %w", err)
	}
	s.bus.Publish(events.TypeMemoryDeleted, input.Project, input.MemoryID)
	return makeTextResult(fmt.Sprintf("[%s] Deleted memory %s", input.Project, input.MemoryID)), nil, nil
}

func (s *Server) listTopics(ctx context.Context, req *mcp.CallToolRequest, input *ListTopicsInput) (*mcp.CallToolResult, any, error) {
	store, err := s.pool.GetStore(ctx, input.Project)
	if err != nil {
		return nil, nil, err
	}
	topics, err := store.ListTopics(ctx, false)
	if err != nil {
		return nil, nil, fmt.Errorf("list topics: %w", err)
	}
	if len(topics) == 0 {
		return makeTextResult(fmt.Sprintf("[%s] No topics found. The memory store is empty.", input.Project)), nil, nil
	}

	type topicCount struct {
		tag   string
		count int
	}
	sorted := make([]topicCount, 0, len(topics))
	for tag, count := range topics {
		sorted = append(sorted, topicCount{tag, count})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].count != sorted[j].count {
			return sorted[i].count > sorted[j].count
		}
		return sorted[i].tag < sorted[j].tag
	})

	lines := make([]string, 0, len(sorted))
	for _, tc := range sorted {
		lines = append(lines, fmt.Sprintf("  %s: %d memories", tc.tag, tc.count))
	}
	return makeTextResult(fmt.Sprintf("[%s] Topics:\n%s", input.Project, strings.Join(lines, "\n"))), nil, nil
}

func (s *Server) browseMemories(ctx context.Context, req *mcp.CallToolRequest, input *BrowseMemoriesInput) (*mcp.CallToolResult, any, error) {
	store, err := s.pool.GetStore(ctx, input.Project)
	if err != nil {
		return nil, nil, err
	}
	results, total, err := store.Browse(ctx, memory.BrowseRequest{
		Offset:            input.Offset,
		Limit:             input.Limit,
		ChunkType:         input.ChunkType,
		SourcePrefix:      input.Source,
		Tags:              input.Tags,
		IncludeSuperseded: input.IncludeSuperseded,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("browse memories: %w", err)
	}

	if input.Output == "json" {
		return makeJSONResult(map[string]any{"results": results, "total": total, "offset": input.Offset})
	}
	if len(results) == 0 {
		return makeTextResult(fmt.Sprintf("[%s] No memories in this page (total: %d).", input.Project, total)), nil, nil
	}

	lines := make([]string, 0, len(results))
	for _, m := range results {
		entry := fmt.Sprintf("(%s) %s", strings.Join(m.Tags, ", "), truncate(m.Content, 200))
		entry += fmt.Sprintf("\n  %s | %s | ID: %s", m.ChunkType, m.CreatedAt[:min(10, len(m.CreatedAt))], m.ID)
		lines = append(lines, entry)
	}
	return makeTextResult(fmt.Sprintf("[%s] Showing %d-%d of %d:\n\n%s",
		input.Project, input.Offset+1, input.Offset+len(results), total, strings.Join(lines, "\n\n"))), nil, nil
}

func (s *Server) memoryStats(ctx context.Context, req *mcp.CallToolRequest, input *MemoryStatsInput) (*mcp.CallToolResult, any, error) {
	store, err := s.pool.GetStore(ctx, input.Project)
	if err != nil {
		return nil, nil, err
	}
	stats, err := store.Stats(ctx, false)
	if err != nil {
		return nil, nil, fmt.Errorf("memory stats: %w", err)
	}
	return makeJSONResult(stats)
}

func (s *Server) findStale(ctx context.Context, req *mcp.CallToolRequest, input *FindStaleInput) (*mcp.CallToolResult, any, error) {
	store, err := s.pool.GetStore(ctx, input.Project)
	if err != nil {
		return nil, nil, err
	}
	includeNever := input.IncludeNeverAccessed == nil || *input.IncludeNeverAccessed
	report, err := store.FindStale(ctx, input.MaxAgeDays, includeNever)
	if err != nil {
		return nil, nil, fmt.Errorf("find stale: %w", err)
	}

	if len(report.Stale) == 0 && len(report.NeverAccessed) == 0 {
		return makeTextResult(fmt.Sprintf("[%s] No stale memories found.", input.Project)), nil, nil
	}

	var lines []string
	if len(report.Stale) > 0 {
		lines = append(lines, fmt.Sprintf("Stale (%d):", len(report.Stale)))
		for _, m := range report.Stale {
			lines = append(lines, fmt.Sprintf("  [last: %s] (%s) %s\n    ID: %s",
				m.LastAccessedAt[:min(10, len(m.LastAccessedAt))], strings.Join(m.Tags, ", "), truncate(m.Content, 120), m.ID))
		}
	}
	if len(report.NeverAccessed) > 0 {
		lines = append(lines, fmt.Sprintf("Never accessed (%d):", len(report.NeverAccessed)))
		for _, m := range report.NeverAccessed {
			lines = append(lines, fmt.Sprintf("  [created: %s] (%s) %s\n    ID: %s",
				m.CreatedAt[:min(10, len(m.CreatedAt))], strings.Join(m.Tags, ", "), truncate(m.Content, 120), m.ID))
		}
	}
	return makeTextResult(fmt.Sprintf("[%s] Stale memory report:\n%s", input.Project, strings.Join(lines, "\n"))), nil, nil
}

func (s *Server) initProject(ctx context.Context, req *mcp.CallToolRequest, input *InitProjectInput) (*mcp.CallToolResult, any, error) {
	proj := s.cfg.AddProject(input.ProjectName, input.WatchPaths, input.WatchPatterns, input.WatchExclude)
	if err := s.cfg.Save(); err != nil {
		return nil, nil, fmt.Errorf("save config: %w", err)
	}

	if len(input.WatchPaths) > 0 {
		name := input.ProjectName
		s.pool.ReconcileProjectAsync(context.WithoutCancel(ctx), name,
			func(count int) {
				s.bus.Publish(events.TypeIndexProgress, name, fmt.Sprintf("%d files", count))
			},
			func(count int) {
				if err := s.pool.StartWatcher(context.WithoutCancel(ctx), name); err != nil {
					s.bus.Publish(events.TypeIndexFailed, name, err.Error())
				}
			}, false)
		return makeTextResult(fmt.Sprintf(
			"Project %q initialized. Indexing in progress — use index_status to check progress. Patterns: %v, excludes: %v.",
			input.ProjectName, proj.Patterns(), proj.Excludes())), nil, nil
	}
	return makeTextResult(fmt.Sprintf("Project %q initialized with watch paths: %v, patterns: %v, excludes: %v.",
		input.ProjectName, proj.WatchPaths, proj.Patterns(), proj.Excludes())), nil, nil
}

func (s *Server) indexFiles(ctx context.Context, req *mcp.CallToolRequest, input *IndexFilesInput) (*mcp.CallToolResult, any, error) {
	if _, ok := s.cfg.Project(input.Project); !ok {
		return makeTextResult(fmt.Sprintf("[%s] No watch paths configured. Use init_project first.", input.Project)), nil, nil
	}
	if s.pool.IsIndexing(input.Project) {
		return makeTextResult(fmt.Sprintf("[%s] Indexing already in progress. Use index_status to check progress.", input.Project)), nil, nil
	}

	name := input.Project
	s.pool.ReconcileProjectAsync(context.WithoutCancel(ctx), name,
		func(count int) {
			s.bus.Publish(events.TypeIndexProgress, name, fmt.Sprintf("%d files", count))
		}, nil, true)
	return makeTextResult(fmt.Sprintf("[%s] Re-indexing started in background. Use index_status to check progress.", input.Project)), nil, nil
}

func (s *Server) indexStatus(ctx context.Context, req *mcp.CallToolRequest, input *IndexStatusInput) (*mcp.CallToolResult, any, error) {
	store, err := s.pool.GetStore(ctx, input.Project)
	if err != nil {
		return nil, nil, err
	}
	total, err := store.Count(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("index status: %w", err)
	}
	stats, err := store.Stats(ctx, true)
	if err != nil {
		return nil, nil, fmt.Errorf("index status: %w", err)
	}

	lines := []string{fmt.Sprintf("[%s] Status:", input.Project)}
	if s.pool.IsIndexing(input.Project) {
		if started, ok := s.pool.IndexStarted(input.Project); ok {
			elapsed := time.Since(started).Round(time.Second)
			lines = append(lines, fmt.Sprintf("  Indexing: IN PROGRESS (running for %dm %ds)",
				int(elapsed.Minutes()), int(elapsed.Seconds())%60))
		} else {
			lines = append(lines, "  Indexing: IN PROGRESS")
		}
	} else {
		lines = append(lines, "  Indexing: idle")
	}
	lines = append(lines,
		fmt.Sprintf("  Total chunks: %d", total),
		fmt.Sprintf("  File-indexed: %d", stats.ByType[memory.ChunkTypeFileIndexed]),
		fmt.Sprintf("  Agent memories: %d", stats.ByType[memory.ChunkTypeAgentMemory]))
	if last, ok := s.pool.LastReconcile(input.Project); ok {
		lines = append(lines, fmt.Sprintf("  Last reconcile: %s (%d files)", last.Timestamp, last.FileCount))
	} else {
		lines = append(lines, "  Last reconcile: never")
	}
	return makeTextResult(strings.Join(lines, "\n")), nil, nil
}

// Helper functions

func makeTextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func makeJSONResult(data any) (*mcp.CallToolResult, any, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(b)},
		},
	}, nil, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func roundScore(score float64) float64 {
	return math.Round(score*10000) / 10000
}
