// Package mcp implements the Model Context Protocol server for Manabi.
//
// The MCP server exposes the reviewer side of the HTTP API as tools,
// resources and prompts, so an MCP-capable assistant can triage an agent's
// update queue: list what is pending, approve or reject it, apply the
// approved batch and roll back what went wrong.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/manabi/internal/service/learning"
	"github.com/ashita-ai/manabi/internal/service/updates"
	"github.com/ashita-ai/manabi/internal/service/versions"
)

// Server wraps the MCP server with Manabi's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	updates   *updates.Service
	engine    *learning.Engine
	versions  *versions.Recorder
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools
// and prompts.
func New(svc *updates.Service, engine *learning.Engine, recorder *versions.Recorder, logger *slog.Logger, version string) *Server {
	s := &Server{
		updates:  svc,
		engine:   engine,
		versions: recorder,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"manabi",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions("Manabi queues knowledge updates that agents learned from conversations. "+
			"Use manabi_pending to see what needs review, manabi_review to approve or reject, "+
			"manabi_apply to publish approved updates and manabi_rollback to undo an applied one."),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// jsonResult renders v as indented JSON text content.
func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
