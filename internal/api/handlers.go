package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/annalhq/annal/internal/config"
	"github.com/annalhq/annal/internal/events"
	"github.com/annalhq/annal/internal/memory"
	"github.com/annalhq/annal/internal/pool"
)

type Handlers struct {
	cfg  *config.Config
	pool *pool.Pool
	bus  *events.Bus
}

func NewHandlers(cfg *config.Config, p *pool.Pool, bus *events.Bus) *Handlers {
	return &Handlers{cfg: cfg, pool: p, bus: bus}
}

// Health check
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/v1/projects
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	names := h.cfg.ProjectNames()
	sort.Strings(names)

	projects := make([]map[string]any, 0, len(names))
	for _, name := range names {
		store, err := h.pool.GetStore(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stats, err := store.Stats(r.Context(), false)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if stats.Total == 0 {
			continue
		}
		projects = append(projects, map[string]any{
			"name":         name,
			"total":        stats.Total,
			"agent_memory": stats.ByType[memory.ChunkTypeAgentMemory],
			"file_indexed": stats.ByType[memory.ChunkTypeFileIndexed],
			"stale":        stats.StaleCount,
		})
	}
	writeJSON(w, http.StatusOK, projects)
}

// GET /api/v1/projects/{project}/stats
func (h *Handlers) ProjectStats(w http.ResponseWriter, r *http.Request) {
	store, err := h.pool.GetStore(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats, err := store.Stats(r.Context(), queryFlag(r, "superseded"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /api/v1/projects/{project}/topics
func (h *Handlers) ProjectTopics(w http.ResponseWriter, r *http.Request) {
	store, err := h.pool.GetStore(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	topics, err := store.ListTopics(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, topics)
}

// GET /api/v1/projects/{project}/stale
func (h *Handlers) ProjectStale(w http.ResponseWriter, r *http.Request) {
	store, err := h.pool.GetStore(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	maxAge := queryInt(r, "max_age_days", 0)
	includeNever := r.URL.Query().Get("never") != "0"
	report, err := store.FindStale(r.Context(), maxAge, includeNever)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GET /api/v1/projects/{project}/memories
func (h *Handlers) BrowseMemories(w http.ResponseWriter, r *http.Request) {
	store, err := h.pool.GetStore(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results, total, err := store.Browse(r.Context(), memory.BrowseRequest{
		Offset:            queryInt(r, "offset", 0),
		Limit:             queryInt(r, "limit", 0),
		ChunkType:         r.URL.Query().Get("type"),
		SourcePrefix:      r.URL.Query().Get("source"),
		Tags:              splitTags(r.URL.Query().Get("tags")),
		IncludeSuperseded: queryFlag(r, "superseded"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": results, "total": total})
}

type searchBody struct {
	Query             string   `json:"query"`
	Tags              []string `json:"tags"`
	Limit             int      `json:"limit"`
	After             string   `json:"after"`
	Before            string   `json:"before"`
	IncludeSuperseded bool     `json:"include_superseded"`
}

// POST /api/v1/projects/{project}/search
func (h *Handlers) SearchMemories(w http.ResponseWriter, r *http.Request) {
	var req searchBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	store, err := h.pool.GetStore(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	results, err := store.Search(r.Context(), memory.SearchRequest{
		Query:             req.Query,
		Tags:              req.Tags,
		Limit:             req.Limit,
		After:             req.After,
		Before:            req.Before,
		IncludeSuperseded: req.IncludeSuperseded,
	})
	if err != nil {
		if errors.Is(err, memory.ErrInvalidArgument) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// POST /api/v1/search
//
// Fans out over every configured project and merges by score.
func (h *Handlers) CrossProjectSearch(w http.ResponseWriter, r *http.Request) {
	var req searchBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	names := h.cfg.ProjectNames()
	sort.Strings(names)

	var all []memory.Memory
	for _, name := range names {
		store, err := h.pool.GetStore(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		results, err := store.Search(r.Context(), memory.SearchRequest{
			Query:             req.Query,
			Tags:              req.Tags,
			Limit:             limit,
			After:             req.After,
			Before:            req.Before,
			IncludeSuperseded: req.IncludeSuperseded,
		})
		if err != nil {
			if errors.Is(err, memory.ErrInvalidArgument) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
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
	writeJSON(w, http.StatusOK, all)
}

// DELETE /api/v1/projects/{project}/memories/{id}
func (h *Handlers) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	id := chi.URLParam(r, "id")

	store, err := h.pool.GetStore(r.Context(), project)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := store.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.bus.Publish(events.TypeMemoryDeleted, project, id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// POST /api/v1/projects/{project}/memories/bulk-delete
func (h *Handlers) BulkDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids are required")
		return
	}

	project := chi.URLParam(r, "project")
	store, err := h.pool.GetStore(r.Context(), project)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := store.DeleteMany(r.Context(), req.IDs); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.bus.Publish(events.TypeMemoryDeleted, project, fmt.Sprintf("%d memories", len(req.IDs)))
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "count": len(req.IDs)})
}

// POST /api/v1/projects/{project}/reconcile
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	if _, ok := h.cfg.Project(project); !ok {
		writeError(w, http.StatusNotFound, "project not configured")
		return
	}
	if h.pool.IsIndexing(project) {
		writeError(w, http.StatusConflict, "indexing already in progress")
		return
	}

	h.pool.ReconcileProjectAsync(context.WithoutCancel(r.Context()), project, func(count int) {
		h.bus.Publish(events.TypeIndexProgress, project, fmt.Sprintf("%d files", count))
	}, nil, queryFlag(r, "clear"))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// GET /api/v1/projects/{project}/index-status
func (h *Handlers) IndexStatus(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	status := map[string]any{"indexing": h.pool.IsIndexing(project)}
	if started, ok := h.pool.IndexStarted(project); ok {
		status["started_at"] = started
	}
	if last, ok := h.pool.LastReconcile(project); ok {
		status["last_reconcile"] = last
	}
	writeJSON(w, http.StatusOK, status)
}

// GET /api/v1/events
func (h *Handlers) RecentEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bus.Recent(queryInt(r, "limit", 20)))
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func queryFlag(r *http.Request, key string) bool {
	return r.URL.Query().Get(key) == "1"
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
