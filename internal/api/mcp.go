package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/contextsync/internal/retrieval"
	"github.com/kalambet/contextsync/internal/storage"
)

const maxToolResults = 50

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Retriever   Searcher
	Composer    Renderer
	DefaultUser string // used when a tool call omits user_id
}

// NewMCPServer creates an MCP server exposing retrieval over the synced
// mail, contacts, meetings and notes.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"contextsync",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("contextsync: search a user's synchronized email, calendar and CRM data."),
		server.WithRecovery(),
	)

	searchTools := []struct {
		name, noun string
		t          storage.SourceType
	}{
		{"search_emails", "emails", storage.SourceEmail},
		{"search_contacts", "CRM contacts", storage.SourceContact},
		{"search_meetings", "calendar meetings", storage.SourceMeeting},
		{"search_notes", "CRM notes", storage.SourceNote},
	}
	for _, st := range searchTools {
		s.AddTool(
			mcp.NewTool(st.name,
				mcp.WithDescription(fmt.Sprintf("Search the user's synchronized %s and return the best matches as JSON.", st.noun)),
				mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
				mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
				mcp.WithNumber("threshold", mcp.Description("Minimum similarity between 0 and 1 (default 0.7)")),
				mcp.WithString("user_id", mcp.Description("User whose data to search")),
			),
			mcpSearch(deps, st.t),
		)
	}

	s.AddTool(
		mcp.NewTool("get_context",
			mcp.WithDescription("Gather relevant emails, contacts, meetings and notes for a query, formatted as a context block."),
			mcp.WithString("query", mcp.Description("What the context is for"), mcp.Required()),
			mcp.WithNumber("max_results", mcp.Description("Maximum items per type (default 5)")),
			mcp.WithString("user_id", mcp.Description("User whose data to search")),
		),
		mcpGetContext(deps),
	)

	return s
}

func toolUser(deps MCPDeps, req mcp.CallToolRequest) (string, bool) {
	user := req.GetString("user_id", deps.DefaultUser)
	return user, user != ""
}

func mcpSearch(deps MCPDeps, t storage.SourceType) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		user, ok := toolUser(deps, req)
		if !ok {
			return mcpError("user_id is required"), nil
		}

		limit := req.GetInt("limit", retrieval.DefaultLimit)
		if limit <= 0 {
			limit = retrieval.DefaultLimit
		}
		if limit > maxToolResults {
			limit = maxToolResults
		}
		threshold := req.GetFloat("threshold", retrieval.DefaultThreshold)
		if threshold < 0 || threshold > 1 {
			return mcpError("threshold must be between 0 and 1"), nil
		}

		resp, err := deps.Retriever.Search(ctx, user, query, retrieval.Options{
			Types:     []storage.SourceType{t},
			Limit:     limit,
			Threshold: threshold,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		user, ok := toolUser(deps, req)
		if !ok {
			return mcpError("user_id is required"), nil
		}
		maxResults := req.GetInt("max_results", retrieval.DefaultContextResults)
		if maxResults > maxToolResults {
			maxResults = maxToolResults
		}

		buckets, err := deps.Retriever.GetContextForQuery(ctx, user, query, maxResults)
		if err != nil {
			return mcpError(fmt.Sprintf("context lookup failed: %v", err)), nil
		}
		if buckets.Empty() {
			return mcpText("No relevant context found."), nil
		}
		return mcpText(deps.Composer.Render(buckets)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
