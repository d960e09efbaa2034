package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/manabi/internal/model"
)

const agentURIPrefix = "manabi://agent/"

func (s *Server) registerResources() {
	// manabi://agent/{id}/pending: the agent's review queue.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			agentURIPrefix+"{id}/pending",
			"Pending Updates",
			mcplib.WithTemplateDescription("Knowledge updates waiting for review or apply"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentPending,
	)

	// manabi://agent/{id}/versions: knowledge version history.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			agentURIPrefix+"{id}/versions",
			"Knowledge Versions",
			mcplib.WithTemplateDescription("Version history of an agent's knowledge base, newest first"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentVersions,
	)
}

func (s *Server) handleAgentPending(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	agentID, err := agentFromURI(uri, "pending")
	if err != nil {
		return nil, err
	}
	list, err := s.updates.GetPendingUpdates(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("mcp: pending updates: %w", err)
	}
	return jsonContents(uri, map[string]any{"agent_id": agentID, "updates": list})
}

func (s *Server) handleAgentVersions(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	agentID, err := agentFromURI(uri, "versions")
	if err != nil {
		return nil, err
	}
	list, err := s.versions.List(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("mcp: versions: %w", err)
	}
	out := map[string]any{"agent_id": agentID, "versions": list}
	active, err := s.versions.Active(ctx, agentID)
	switch {
	case err == nil:
		out["active"] = active.Number
	case !errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("mcp: active version: %w", err)
	}
	return jsonContents(uri, out)
}

// agentFromURI extracts the agent id from manabi://agent/{id}/<suffix>.
func agentFromURI(uri, suffix string) (string, error) {
	rest, ok := strings.CutPrefix(uri, agentURIPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid agent URI: %s", uri)
	}
	agentID, ok := strings.CutSuffix(rest, "/"+suffix)
	if !ok || agentID == "" || strings.Contains(agentID, "/") {
		return "", fmt.Errorf("mcp: invalid agent URI: %s", uri)
	}
	return agentID, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
