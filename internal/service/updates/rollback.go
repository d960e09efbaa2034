package updates

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/storage"
)

// RollbackUpdate reverts an APPLIED update using the payload captured when
// it was applied and marks it ROLLED_BACK. Any other status is a
// *model.TransitionError. No version is recorded; the version history keeps
// the batch that applied it.
func (s *Service) RollbackUpdate(ctx context.Context, id uuid.UUID) (model.KnowledgeUpdate, error) {
	ctx, span := s.tracer.Start(ctx, "updates.rollback", trace.WithAttributes(attribute.String("update_id", id.String())))
	defer span.End()

	u, err := s.store.GetUpdate(ctx, id)
	if err != nil {
		return model.KnowledgeUpdate{}, fmt.Errorf("updates: rollback %s: %w", id, err)
	}
	if err := model.CheckTransition(id, u.Status, model.StatusRolledBack); err != nil {
		return model.KnowledgeUpdate{}, fmt.Errorf("updates: rollback: %w", err)
	}

	unlock, err := s.locks.lock(ctx, u.AgentID)
	if err != nil {
		return model.KnowledgeUpdate{}, fmt.Errorf("updates: lock agent %s: %w", u.AgentID, err)
	}
	defer unlock()

	now := s.now().UTC()
	err = s.store.InTx(ctx, func(tx storage.KnowledgeTx) error {
		cur, err := tx.LockUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := model.CheckTransition(id, cur.Status, model.StatusRolledBack); err != nil {
			return err
		}
		if cur.Rollback == nil {
			return fmt.Errorf("update %s has no rollback payload", id)
		}
		if err := revert(ctx, tx, cur.AgentID, *cur.Rollback); err != nil {
			return err
		}
		if err := tx.TransitionUpdate(ctx, storage.Transition{
			UpdateID: id,
			From:     model.StatusApplied,
			To:       model.StatusRolledBack,
			At:       now,
		}); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, model.AuditEntry{
			ID:         uuid.New(),
			AgentID:    cur.AgentID,
			UpdateID:   id,
			Action:     model.AuditRolledBack,
			FromStatus: model.StatusApplied,
			ToStatus:   model.StatusRolledBack,
			Detail:     map[string]any{"kind": string(cur.Kind)},
			CreatedAt:  now,
		})
	})
	if err != nil {
		return model.KnowledgeUpdate{}, fmt.Errorf("updates: rollback %s: %w", id, err)
	}

	s.rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(u.Kind))))
	s.logger.Info("updates: rolled back",
		"agent_id", u.AgentID,
		"update_id", id,
		"kind", u.Kind,
	)
	return s.GetUpdate(ctx, id)
}
