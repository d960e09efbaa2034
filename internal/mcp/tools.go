package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/manabi/internal/model"
)

func (s *Server) registerTools() {
	// manabi_pending: the agent's review queue.
	s.mcpServer.AddTool(
		mcplib.NewTool("manabi_pending",
			mcplib.WithDescription(`List an agent's knowledge updates that are waiting to be applied.

Returns PENDING updates (need a reviewer decision) and APPROVED updates
(will be published by the next manabi_apply), most urgent first.
Each update carries its kind, confidence, reasoning and evidence.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Agent whose queue to list"),
				mcplib.Required(),
			),
		),
		s.handlePending,
	)

	// manabi_review: approve or reject one pending update.
	s.mcpServer.AddTool(
		mcplib.NewTool("manabi_review",
			mcplib.WithDescription(`Approve or reject a PENDING knowledge update.

Approved updates become eligible for manabi_apply. Rejected updates are
kept for the audit trail but never applied. Reviewing an update that is
not PENDING fails.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("update_id",
				mcplib.Description("UUID of the update to review"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("approve",
				mcplib.Description("true to approve, false to reject"),
				mcplib.Required(),
			),
			mcplib.WithString("notes",
				mcplib.Description("Optional reviewer notes stored with the update"),
			),
		),
		s.handleReview,
	)

	// manabi_apply: publish approved updates.
	s.mcpServer.AddTool(
		mcplib.NewTool("manabi_apply",
			mcplib.WithDescription(`Apply an agent's APPROVED knowledge updates to its knowledge base.

Conflicting updates (same type, identical or near-identical content) are
reported and skipped. A successful batch records a new knowledge version.
Pass update_ids to restrict the batch; omit it to apply everything approved.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Agent whose updates to apply"),
				mcplib.Required(),
			),
			mcplib.WithArray("update_ids",
				mcplib.Description("Optional UUIDs restricting the batch"),
				mcplib.WithStringItems(),
			),
		),
		s.handleApply,
	)

	// manabi_rollback: undo one applied update.
	s.mcpServer.AddTool(
		mcplib.NewTool("manabi_rollback",
			mcplib.WithDescription(`Roll back an APPLIED knowledge update, restoring the knowledge base
to what it was before the update. The update is kept as ROLLED_BACK.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("update_id",
				mcplib.Description("UUID of the applied update"),
				mcplib.Required(),
			),
		),
		s.handleRollback,
	)

	// manabi_stats: queue and history statistics.
	s.mcpServer.AddTool(
		mcplib.NewTool("manabi_stats",
			mcplib.WithDescription(`Summarize an agent's update history: counts by status, kind and origin,
average confidence, approval rate and the active knowledge version.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Agent to summarize"),
				mcplib.Required(),
			),
		),
		s.handleStats,
	)

	// manabi_process_conversation: learn from a finished conversation.
	s.mcpServer.AddTool(
		mcplib.NewTool("manabi_process_conversation",
			mcplib.WithDescription(`Run the learning pipeline over a stored conversation and queue the
resulting knowledge updates. Returns the updates that were created, which
may be none when the conversation gives no reason to learn.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("conversation_id", mcplib.Description("Stored conversation id"), mcplib.Required()),
			mcplib.WithString("agent_id", mcplib.Description("Agent that held the conversation"), mcplib.Required()),
			mcplib.WithString("user_id", mcplib.Description("User that held the conversation"), mcplib.Required()),
		),
		s.handleProcessConversation,
	)

	// manabi_submit_update: queue a reviewer-authored update.
	s.mcpServer.AddTool(
		mcplib.NewTool("manabi_submit_update",
			mcplib.WithDescription(`Queue a knowledge update written by a reviewer. It goes through the same
classification, confidence and auto-approval as learned updates.

Payload flags choose the kind: isModification, isDeletion, shouldMerge and
shouldSplit (with targetId, sourceIds or parts); no flag means ADDITION.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id", mcplib.Description("Agent the knowledge belongs to"), mcplib.Required()),
			mcplib.WithString("type",
				mcplib.Description("Knowledge type"),
				mcplib.Required(),
				mcplib.Enum(
					string(model.KnowledgeFAQ), string(model.KnowledgeExample), string(model.KnowledgeSolution),
					string(model.KnowledgeProcedure), string(model.KnowledgeFact), string(model.KnowledgeConceptual),
					string(model.KnowledgePattern),
				),
			),
			mcplib.WithObject("payload", mcplib.Description("Knowledge content and kind flags"), mcplib.Required()),
			mcplib.WithNumber("confidence",
				mcplib.Description("Optional confidence 0.0-1.0"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithString("reason", mcplib.Description("Why this update is needed")),
		),
		s.handleSubmitUpdate,
	)

	// manabi_get_config: an agent's learning configuration.
	s.mcpServer.AddTool(
		mcplib.NewTool("manabi_get_config",
			mcplib.WithDescription("Show an agent's learning configuration (mode, thresholds, auto-update settings)."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id", mcplib.Description("Agent to inspect"), mcplib.Required()),
		),
		s.handleGetConfig,
	)
}

func (s *Server) handlePending(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID := request.GetString("agent_id", "")
	if agentID == "" {
		return errorResult("agent_id is required"), nil
	}
	list, err := s.updates.GetPendingUpdates(ctx, agentID)
	if err != nil {
		return s.serviceError("list pending", err), nil
	}
	return jsonResult(map[string]any{
		"agent_id": agentID,
		"updates":  list,
		"total":    len(list),
	}), nil
}

func (s *Server) handleReview(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, errRes := updateID(request)
	if errRes != nil {
		return errRes, nil
	}
	args := request.GetArguments()
	if _, ok := args["approve"].(bool); !ok {
		return errorResult("approve is required and must be a boolean"), nil
	}
	notes := request.GetString("notes", "")
	if err := (model.ReviewUpdateRequest{Notes: notes}).Validate(); err != nil {
		return errorResult(err.Error()), nil
	}
	u, err := s.updates.ReviewUpdate(ctx, id, request.GetBool("approve", false), notes)
	if err != nil {
		return s.serviceError("review", err), nil
	}
	return jsonResult(u), nil
}

func (s *Server) handleApply(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID := request.GetString("agent_id", "")
	if agentID == "" {
		return errorResult("agent_id is required"), nil
	}
	var ids []uuid.UUID
	for _, raw := range request.GetStringSlice("update_ids", nil) {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid update id %q", raw)), nil
		}
		ids = append(ids, id)
	}
	res, err := s.updates.ApplyKnowledgeUpdates(ctx, agentID, ids)
	if err != nil {
		return s.serviceError("apply", err), nil
	}
	return jsonResult(res), nil
}

func (s *Server) handleRollback(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, errRes := updateID(request)
	if errRes != nil {
		return errRes, nil
	}
	u, err := s.updates.RollbackUpdate(ctx, id)
	if err != nil {
		return s.serviceError("rollback", err), nil
	}
	return jsonResult(u), nil
}

func (s *Server) handleStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID := request.GetString("agent_id", "")
	if agentID == "" {
		return errorResult("agent_id is required"), nil
	}
	st, err := s.updates.GetUpdateStatistics(ctx, agentID)
	if err != nil {
		return s.serviceError("statistics", err), nil
	}
	return jsonResult(st), nil
}

func (s *Server) handleProcessConversation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	convID := request.GetString("conversation_id", "")
	req := model.ProcessConversationRequest{
		AgentID: request.GetString("agent_id", ""),
		UserID:  request.GetString("user_id", ""),
	}
	if convID == "" {
		return errorResult("conversation_id is required"), nil
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}
	created, err := s.updates.ProcessConversationForUpdates(ctx, convID, req.AgentID, req.UserID)
	if err != nil {
		return s.serviceError("process conversation", err), nil
	}
	if created == nil {
		created = []model.KnowledgeUpdate{}
	}
	return jsonResult(map[string]any{
		"conversation_id": convID,
		"updates":         created,
		"total":           len(created),
	}), nil
}

func (s *Server) handleSubmitUpdate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID := request.GetString("agent_id", "")
	if agentID == "" {
		return errorResult("agent_id is required"), nil
	}
	payload, _ := request.GetArguments()["payload"].(map[string]any)
	cand := model.CandidateItem{
		Type:    model.KnowledgeType(request.GetString("type", "")),
		Payload: payload,
	}
	if _, ok := request.GetArguments()["confidence"]; ok {
		c := request.GetFloat("confidence", 0)
		cand.Confidence = &c
	}
	if err := model.ValidateCandidate(cand); err != nil {
		return errorResult(err.Error()), nil
	}
	u, err := s.updates.SubmitManualUpdate(ctx, agentID, cand, request.GetString("reason", ""))
	if err != nil {
		return s.serviceError("submit update", err), nil
	}
	return jsonResult(u), nil
}

func (s *Server) handleGetConfig(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID := request.GetString("agent_id", "")
	if agentID == "" {
		return errorResult("agent_id is required"), nil
	}
	cfg, err := s.engine.Configuration(ctx, agentID)
	if err != nil {
		return s.serviceError("get config", err), nil
	}
	return jsonResult(map[string]any{
		"agent_id":      agentID,
		"configuration": cfg,
	}), nil
}

func updateID(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("update_id", "")
	if raw == "" {
		return uuid.Nil, errorResult("update_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult(fmt.Sprintf("invalid update_id %q", raw))
	}
	return id, nil
}

// serviceError turns a service failure into a tool error. Caller mistakes
// are reported verbatim; anything else is logged and reported generically.
func (s *Server) serviceError(op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrInvalidInput),
		errors.Is(err, model.ErrConfigurationUnavailable):
		return errorResult(fmt.Sprintf("%s failed: %v", op, err))
	default:
		s.logger.Error("mcp: tool failed", "op", op, "error", err)
		return errorResult(op + " failed: internal error")
	}
}
