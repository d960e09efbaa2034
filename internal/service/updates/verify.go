package updates

import (
	"context"
	"fmt"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/service/versions"
	"github.com/ashita-ai/manabi/internal/storage"
)

// VerifyVersion recomputes the content root of agentID's version number
// from the stored updates and checks its link to the previous version.
func (s *Service) VerifyVersion(ctx context.Context, agentID string, number int) (model.VersionVerification, error) {
	history, err := s.versions.List(ctx, agentID)
	if err != nil {
		return model.VersionVerification{}, fmt.Errorf("updates: verify version: %w", err)
	}

	var target, prev *model.KnowledgeVersion
	for i := range history {
		switch history[i].Number {
		case number:
			target = &history[i]
		case number - 1:
			prev = &history[i]
		}
	}
	if target == nil {
		return model.VersionVerification{}, fmt.Errorf("updates: version %d of agent %s: %w", number, agentID, storage.ErrNotFound)
	}

	listed, err := s.store.ListUpdates(ctx, agentID, storage.UpdateFilter{IDs: target.UpdateIDs})
	if err != nil {
		return model.VersionVerification{}, fmt.Errorf("updates: verify version: list updates: %w", err)
	}
	contentValid, err := versions.Verify(*target, listed)
	if err != nil {
		return model.VersionVerification{}, fmt.Errorf("updates: verify version: %w", err)
	}

	var wantPrevious string
	if prev != nil {
		wantPrevious = prev.ContentRoot
	}
	out := model.VersionVerification{
		AgentID:      agentID,
		Number:       number,
		ContentRoot:  target.ContentRoot,
		ContentValid: contentValid,
		ChainValid:   target.PreviousRoot == wantPrevious,
	}
	if !out.ContentValid || !out.ChainValid {
		s.logger.Warn("updates: version failed verification",
			"agent_id", agentID,
			"version", number,
			"content_valid", out.ContentValid,
			"chain_valid", out.ChainValid,
		)
	}
	return out, nil
}
