// Package mcp implements the Model Context Protocol server for Sukima.
//
// The MCP surface is read-only: MCP-compatible agents can poll run status and
// fetch results, but runs are submitted and cancelled through the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/sukima/internal/model"
	"github.com/ashita-ai/sukima/internal/storage"
)

// Store is the storage surface the MCP handlers read from.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListLogs(ctx context.Context, runID uuid.UUID, limit int) ([]model.LogEntry, error)
	LastLogMessage(ctx context.Context, runID uuid.UUID) (string, error)
	ListIterations(ctx context.Context, runID uuid.UUID) ([]model.Iteration, error)
}

// Server wraps the MCP server over Sukima's storage layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     Store
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(store Store, logger *slog.Logger) *Server {
	s := &Server{
		store:  store,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"sukima",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// sukima://runs/{run_id}/results: finalized output of a terminal run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"sukima://runs/{run_id}/results",
			"Run Results",
			mcplib.WithTemplateDescription("Ranked research gaps and synthesis for a finished run"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleResultsResource,
	)
}

func (s *Server) handleResultsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runID, err := runIDFromURI(request.Params.URI)
	if err != nil {
		return nil, err
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run %s: %w", runID, err)
	}
	payload, err := json.MarshalIndent(run.Results, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: encode results: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(payload),
		},
	}, nil
}

// runIDFromURI extracts the run UUID from a sukima://runs/{id}/... URI.
func runIDFromURI(uri string) (uuid.UUID, error) {
	const prefix = "sukima://runs/"
	if len(uri) <= len(prefix) || uri[:len(prefix)] != prefix {
		return uuid.Nil, fmt.Errorf("mcp: unexpected resource URI %q", uri)
	}
	rest := uri[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			rest = rest[:i]
			break
		}
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: run id in %q is not a UUID", uri)
	}
	return id, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(payload)},
		},
	}
}

func notFoundOr(err error, msg string) *mcplib.CallToolResult {
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(msg)
	}
	return errorResult(fmt.Sprintf("%s: %v", msg, err))
}
