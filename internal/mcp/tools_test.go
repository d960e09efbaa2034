package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/manabi/internal/config"
	"github.com/ashita-ai/manabi/internal/extraction"
	"github.com/ashita-ai/manabi/internal/memstore"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/service/learning"
	"github.com/ashita-ai/manabi/internal/service/updates"
	"github.com/ashita-ai/manabi/internal/service/versions"
	"github.com/ashita-ai/manabi/internal/testutil"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := memstore.New()
	logger := testutil.TestLogger()
	policy := config.DefaultPolicy()

	engine, err := learning.New(store, policy, logger)
	require.NoError(t, err)
	extractor, err := extraction.NewHeuristicExtractor(store, extraction.Config{})
	require.NoError(t, err)
	recorder := versions.New(store, logger)
	svc, err := updates.New(store, engine, extractor, recorder, policy, logger)
	require.NoError(t, err)
	return New(svc, engine, recorder, logger, "test")
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func decodeTool[T any](t *testing.T, result *mcplib.CallToolResult) T {
	t.Helper()
	require.False(t, result.IsError, "tool failed: %s", parseToolText(t, result))
	var out T
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &out))
	return out
}

// submitPending queues a CONCEPTUAL update, which stays PENDING.
func submitPending(t *testing.T, s *Server, agentID string) model.KnowledgeUpdate {
	t.Helper()
	result, err := s.handleSubmitUpdate(context.Background(), toolRequest("manabi_submit_update", map[string]any{
		"agent_id": agentID,
		"type":     "CONCEPTUAL",
		"payload":  map[string]any{"idea": "cache invalidation by version"},
		"reason":   "reviewer note",
	}))
	require.NoError(t, err)
	u := decodeTool[model.KnowledgeUpdate](t, result)
	require.Equal(t, model.StatusPending, u.Status)
	return u
}

func TestReviewApplyRollbackTools(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	u := submitPending(t, s, "support")

	result, err := s.handlePending(ctx, toolRequest("manabi_pending", map[string]any{"agent_id": "support"}))
	require.NoError(t, err)
	pending := decodeTool[struct {
		Updates []model.KnowledgeUpdate `json:"updates"`
		Total   int                     `json:"total"`
	}](t, result)
	assert.Equal(t, 1, pending.Total)

	result, err = s.handleReview(ctx, toolRequest("manabi_review", map[string]any{
		"update_id": u.ID.String(),
		"approve":   true,
		"notes":     "ok",
	}))
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, decodeTool[model.KnowledgeUpdate](t, result).Status)

	result, err = s.handleApply(ctx, toolRequest("manabi_apply", map[string]any{
		"agent_id":   "support",
		"update_ids": []any{u.ID.String()},
	}))
	require.NoError(t, err)
	res := decodeTool[model.ApplyResult](t, result)
	assert.Equal(t, 1, res.Applied)
	require.NotNil(t, res.Version)

	result, err = s.handleStats(ctx, toolRequest("manabi_stats", map[string]any{"agent_id": "support"}))
	require.NoError(t, err)
	st := decodeTool[model.UpdateStatistics](t, result)
	assert.Equal(t, 1, st.ActiveVersion)

	result, err = s.handleRollback(ctx, toolRequest("manabi_rollback", map[string]any{"update_id": u.ID.String()}))
	require.NoError(t, err)
	assert.Equal(t, model.StatusRolledBack, decodeTool[model.KnowledgeUpdate](t, result).Status)

	result, err = s.handleRollback(ctx, toolRequest("manabi_rollback", map[string]any{"update_id": u.ID.String()}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "rollback failed")
}

func TestToolArgumentErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	tests := []struct {
		name    string
		call    func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error)
		args    map[string]any
		wantMsg string
	}{
		{"pending without agent", s.handlePending, map[string]any{}, "agent_id is required"},
		{"review without id", s.handleReview, map[string]any{"approve": true}, "update_id is required"},
		{"review bad id", s.handleReview, map[string]any{"update_id": "x", "approve": true}, "invalid update_id"},
		{"review without approve", s.handleReview, map[string]any{"update_id": uuid.NewString()}, "approve is required"},
		{"review unknown update", s.handleReview, map[string]any{"update_id": uuid.NewString(), "approve": true}, "not found"},
		{"apply bad id", s.handleApply, map[string]any{"agent_id": "a", "update_ids": []any{"nope"}}, "invalid update id"},
		{"process missing user", s.handleProcessConversation, map[string]any{"conversation_id": "c", "agent_id": "a"}, "user_id is required"},
		{"process unknown conversation", s.handleProcessConversation, map[string]any{"conversation_id": "c", "agent_id": "a", "user_id": "u"}, "not found"},
		{"submit bad type", s.handleSubmitUpdate, map[string]any{"agent_id": "a", "type": "NOPE", "payload": map[string]any{"x": 1}}, "not a known knowledge type"},
		{"submit without payload", s.handleSubmitUpdate, map[string]any{"agent_id": "a", "type": "FAQ"}, "payload is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.call(ctx, toolRequest("", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, parseToolText(t, result), tt.wantMsg)
		})
	}
}

func TestSubmitUpdateWithConfidence(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleSubmitUpdate(context.Background(), toolRequest("manabi_submit_update", map[string]any{
		"agent_id":   "support",
		"type":       "FAQ",
		"payload":    map[string]any{"question": "Where are invoices?", "answer": "Billing tab."},
		"confidence": 1.0,
	}))
	require.NoError(t, err)
	u := decodeTool[model.KnowledgeUpdate](t, result)
	assert.Equal(t, model.StatusApproved, u.Status)
	assert.Equal(t, model.OriginManual, u.Origin)
}

func TestGetConfigTool(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleGetConfig(context.Background(), toolRequest("manabi_get_config", map[string]any{"agent_id": "support"}))
	require.NoError(t, err)
	got := decodeTool[struct {
		AgentID       string                      `json:"agent_id"`
		Configuration model.LearningConfiguration `json:"configuration"`
	}](t, result)
	assert.Equal(t, "support", got.AgentID)
	assert.Equal(t, model.ModeHybrid, got.Configuration.Mode)
}

func TestAgentResources(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	submitPending(t, s, "support")

	var req mcplib.ReadResourceRequest
	req.Params.URI = "manabi://agent/support/pending"
	contents, err := s.handleAgentPending(ctx, req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text := contents[0].(mcplib.TextResourceContents)
	assert.Equal(t, "application/json", text.MIMEType)
	assert.Contains(t, text.Text, `"agent_id": "support"`)

	req.Params.URI = "manabi://agent/support/versions"
	contents, err = s.handleAgentVersions(ctx, req)
	require.NoError(t, err)
	assert.NotContains(t, contents[0].(mcplib.TextResourceContents).Text, `"active"`)

	req.Params.URI = "manabi://other/support/versions"
	_, err = s.handleAgentVersions(ctx, req)
	assert.Error(t, err)
}

func TestAgentFromURI(t *testing.T) {
	tests := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{"manabi://agent/support/pending", "support", false},
		{"manabi://agent//pending", "", true},
		{"manabi://agent/a/b/pending", "", true},
		{"manabi://agent/support/versions", "", true},
		{"kyoto://agent/support/pending", "", true},
	}
	for _, tt := range tests {
		got, err := agentFromURI(tt.uri, "pending")
		if tt.wantErr {
			assert.Error(t, err, tt.uri)
			continue
		}
		require.NoError(t, err, tt.uri)
		assert.Equal(t, tt.want, got)
	}
}

func TestReviewQueuePrompt(t *testing.T) {
	s := newTestServer(t)
	var req mcplib.GetPromptRequest
	req.Params.Arguments = map[string]string{"agent_id": "support"}
	res, err := s.handleReviewQueuePrompt(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Contains(t, res.Messages[0].Content.(mcplib.TextContent).Text, `manabi_pending with agent_id="support"`)

	req.Params.Arguments = map[string]string{}
	_, err = s.handleReviewQueuePrompt(context.Background(), req)
	assert.Error(t, err)
}
