// Package mcp exposes the memory engine to AI agents over the Model
// Context Protocol.
package mcp

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/annalhq/annal/internal/config"
	"github.com/annalhq/annal/internal/events"
	"github.com/annalhq/annal/internal/pool"
)

const serverInstructions = `Annal is your persistent semantic memory. Memories you store survive across sessions.

## Project parameter
Every tool requires a "project" parameter. Pass the project name that matches
your current working context, typically the directory name of the codebase.
If the project has no watch paths configured yet, use init_project to set it up.

## When to store memories
Store memories when you encounter information worth preserving across sessions:
architectural decisions and their rationale, bug fixes and root causes, user
preferences, codebase conventions, and domain knowledge that took effort to
discover. Prefer store_memories for several observations at once; near
duplicates are skipped automatically.

## Search modes
- mode="summary" (recommended): first 200 chars of content with full metadata.
- mode="probe": compact one-line summaries with scores, for scanning large
  result sets cheaply. Follow up with expand_memories for details.
- mode="full": complete content.

## Temporal filtering
Scope searches by date with "after" and "before" (ISO 8601 dates):
  search_memories(query="auth decision", after="2026-02-01", before="2026-02-28")

## Cross-project search
Pass projects=["other_project"] to also search other codebases, or
projects=["*"] for all configured projects. Results are merged by relevance
and each carries its source project.

## Structured output
Pass output="json" on search_memories, expand_memories, or browse_memories to
get structured results for programmatic use.

## Tag conventions
Combine a type tag (memory, decision, preference, pattern, bug, spec) with
domain tags, e.g. tags: ["decision", "billing", "auth"]. Include your agent
identity as agent:<role> so agents can retrieve their own prior context.
File-indexed chunks carry system tags (indexed, agent-config, docs) set by
the indexer. Use retag_memory to refine tags after storage.

## Supersession
When new knowledge replaces an old memory, store it with supersedes=<old id>
instead of deleting. Superseded memories drop out of search results but stay
retrievable by ID.

## Decision verification
Before proposing or implementing a design decision, search for prior
decisions in the same domain (tag "decision" plus domain tags). If a prior
decision contradicts the new direction, surface it explicitly instead of
silently overriding it.`

// Server wires the memory pool into an MCP server.
type Server struct {
	mcpServer *mcp.Server
	cfg       *config.Config
	pool      *pool.Pool
	bus       *events.Bus
}

func NewServer(cfg *config.Config, p *pool.Pool, bus *events.Bus) *Server {
	s := &Server{cfg: cfg, pool: p, bus: bus}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "annal",
		Version: "0.2.0",
	}, &mcp.ServerOptions{Instructions: serverInstructions})

	s.registerTools()

	return s
}

// Handler serves the MCP streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}
