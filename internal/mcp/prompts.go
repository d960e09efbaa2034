package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// review-queue: walks a reviewer through triaging an agent's queue.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-queue",
			mcplib.WithPromptDescription("Triage an agent's pending knowledge updates"),
			mcplib.WithArgument("agent_id",
				mcplib.ArgumentDescription("Agent whose queue to review"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewQueuePrompt,
	)
}

func (s *Server) handleReviewQueuePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	agentID := request.Params.Arguments["agent_id"]
	if agentID == "" {
		return nil, fmt.Errorf("agent_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Review the knowledge update queue of %s", agentID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Review the knowledge updates queued for agent %[1]s.

1. CALL manabi_pending with agent_id="%[1]s".

2. For each PENDING update, read its kind, content, reasoning and evidence:
   - Approve with manabi_review (approve=true) when the content is correct
     and the evidence supports it.
   - Reject (approve=false) with a short note when it is wrong, redundant
     or unsupported.

3. CALL manabi_apply with agent_id="%[1]s" to publish the approved batch.
   Check the conflicts in the result: conflicting updates were skipped and
   need a decision on which one to keep.

4. If an applied update turns out to be wrong, CALL manabi_rollback with
   its update_id.

5. Finish with manabi_stats to confirm the active version.`, agentID),
				},
			},
		},
	}, nil
}
