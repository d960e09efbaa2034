package updates

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/manabi/internal/conflicts"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/storage"
)

// ApplyKnowledgeUpdates applies the agent's APPROVED updates, or only those
// among ids when ids is non-empty. Conflicting updates are reported and
// left APPROVED. Each remaining update is applied in its own transaction;
// one failing does not stop the batch. A version is recorded when at least
// one update was applied.
func (s *Service) ApplyKnowledgeUpdates(ctx context.Context, agentID string, ids []uuid.UUID) (model.ApplyResult, error) {
	return s.applyBatch(ctx, agentID, storage.UpdateFilter{IDs: ids})
}

func (s *Service) applyBatch(ctx context.Context, agentID string, f storage.UpdateFilter) (model.ApplyResult, error) {
	ctx, span := s.tracer.Start(ctx, "updates.apply", trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer span.End()
	start := time.Now()

	unlock, err := s.locks.lock(ctx, agentID)
	if err != nil {
		return model.ApplyResult{}, fmt.Errorf("updates: lock agent %s: %w", agentID, err)
	}
	defer unlock()

	f.Statuses = []model.UpdateStatus{model.StatusApproved}
	eligible, err := s.store.ListUpdates(ctx, agentID, f)
	if err != nil {
		return model.ApplyResult{}, fmt.Errorf("updates: list approved: %w", err)
	}

	result := model.ApplyResult{
		Conflicts:  s.detector.Detect(eligible),
		AppliedIDs: []uuid.UUID{},
	}
	if len(result.Conflicts) > 0 {
		s.conflictsSeen.Add(ctx, int64(len(result.Conflicts)), metric.WithAttributes(attribute.String("agent_id", agentID)))
		s.logger.Warn("updates: conflicts held back for review",
			"agent_id", agentID,
			"groups", len(result.Conflicts),
		)
	}
	excluded := conflicts.Excluded(result.Conflicts)

	var (
		confSum float64
		applied []model.KnowledgeUpdate
	)
	for _, u := range eligible {
		if excluded[u.ID] {
			continue
		}
		if err := s.applyOne(ctx, u); err != nil {
			result.Failed++
			result.Failures = append(result.Failures, model.ApplyFailure{UpdateID: u.ID, Error: err.Error()})
			s.applyFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(u.Kind))))
			s.logger.Error("updates: apply failed",
				"agent_id", agentID,
				"update_id", u.ID,
				"kind", u.Kind,
				"error", err,
			)
			continue
		}
		result.Applied++
		result.AppliedIDs = append(result.AppliedIDs, u.ID)
		applied = append(applied, u)
		confSum += u.Confidence
		s.applied.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(u.Kind))))
	}

	s.applyDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	span.SetAttributes(
		attribute.Int("applied", result.Applied),
		attribute.Int("failed", result.Failed),
		attribute.Int("conflicts", len(result.Conflicts)),
	)

	if result.Applied > 0 {
		carried := s.takeUnversioned(agentID)
		batch := append(carried, applied...)
		v, err := s.versions.Record(ctx, agentID, batch,
			fmt.Sprintf("applied %d updates", len(batch)),
			map[string]float64{
				"applied":            float64(result.Applied),
				"carried":            float64(len(carried)),
				"failed":             float64(result.Failed),
				"conflicts":          float64(len(result.Conflicts)),
				"average_confidence": confSum / float64(result.Applied),
			})
		if err != nil {
			s.keepUnversioned(agentID, batch)
			s.logger.Error("updates: applied updates have no version yet",
				"agent_id", agentID,
				"update_ids", updateIDs(batch),
				"error", err,
			)
			span.SetStatus(codes.Error, err.Error())
			return result, fmt.Errorf("updates: record version: %w", err)
		}
		result.Version = &v
	}
	s.logger.Info("updates: batch applied",
		"agent_id", agentID,
		"applied", result.Applied,
		"failed", result.Failed,
		"conflicts", len(result.Conflicts),
	)
	return result, nil
}

// takeUnversioned removes and returns the agent's applied updates that no
// version lists yet. Callers hold the agent lock.
func (s *Service) takeUnversioned(agentID string) []model.KnowledgeUpdate {
	s.unversionedMu.Lock()
	defer s.unversionedMu.Unlock()
	out := s.unversioned[agentID]
	delete(s.unversioned, agentID)
	return out
}

// keepUnversioned stores batch for the agent's next version.
func (s *Service) keepUnversioned(agentID string, batch []model.KnowledgeUpdate) {
	s.unversionedMu.Lock()
	defer s.unversionedMu.Unlock()
	s.unversioned[agentID] = batch
}

func updateIDs(us []model.KnowledgeUpdate) []string {
	out := make([]string, len(us))
	for i, u := range us {
		out[i] = u.ID.String()
	}
	return out
}

// applyOne mutates the knowledge store for u and marks it APPLIED in one
// transaction.
func (s *Service) applyOne(ctx context.Context, u model.KnowledgeUpdate) error {
	now := s.now().UTC()
	return s.store.InTx(ctx, func(tx storage.KnowledgeTx) error {
		cur, err := tx.LockUpdate(ctx, u.ID)
		if err != nil {
			return err
		}
		if err := model.CheckTransition(u.ID, cur.Status, model.StatusApplied); err != nil {
			return err
		}
		rb, err := mutate(ctx, tx, cur, now)
		if err != nil {
			return err
		}
		if err := tx.TransitionUpdate(ctx, storage.Transition{
			UpdateID: u.ID,
			From:     model.StatusApproved,
			To:       model.StatusApplied,
			At:       now,
			Rollback: &rb,
		}); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, model.AuditEntry{
			ID:         uuid.New(),
			AgentID:    cur.AgentID,
			UpdateID:   cur.ID,
			Action:     model.AuditApplied,
			FromStatus: model.StatusApproved,
			ToStatus:   model.StatusApplied,
			Detail:     map[string]any{"kind": string(cur.Kind), "target_id": cur.Content.TargetID},
			CreatedAt:  now,
		})
	})
}

// mutate performs u's change and returns what is needed to undo it.
func mutate(ctx context.Context, tx storage.KnowledgeTx, u model.KnowledgeUpdate, now time.Time) (model.Rollback, error) {
	rb := model.Rollback{UpdateID: u.ID, Kind: u.Kind, CapturedAt: now}
	c := u.Content

	switch u.Kind {
	case model.KindAddition:
		if err := mustNotExist(ctx, tx, u.AgentID, c.TargetID); err != nil {
			return rb, err
		}
		if err := tx.PutItem(ctx, newItem(u, c.TargetID, c.Updated, now)); err != nil {
			return rb, err
		}
		rb.Addition = &model.AdditionRollback{ItemID: c.TargetID}

	case model.KindModification:
		pre, err := tx.GetItem(ctx, u.AgentID, c.TargetID)
		if err != nil {
			return rb, fmt.Errorf("modify %s: %w", c.TargetID, err)
		}
		next := pre
		next.Type = c.Type
		next.Content = maps.Clone(c.Updated)
		next.Metadata = itemMetadata(u)
		next.UpdatedAt = now
		if err := tx.PutItem(ctx, next); err != nil {
			return rb, err
		}
		rb.Modification = &model.ModificationRollback{PreImage: pre}

	case model.KindDeletion:
		pre, err := tx.GetItem(ctx, u.AgentID, c.TargetID)
		if err != nil {
			return rb, fmt.Errorf("delete %s: %w", c.TargetID, err)
		}
		if err := tx.DeleteItem(ctx, u.AgentID, c.TargetID); err != nil {
			return rb, err
		}
		rb.Deletion = &model.DeletionRollback{PreImage: pre}

	case model.KindMerge:
		sources := make([]model.KnowledgeItem, 0, len(c.SourceIDs))
		merged := map[string]any{}
		for _, id := range c.SourceIDs {
			it, err := tx.GetItem(ctx, u.AgentID, id)
			if err != nil {
				return rb, fmt.Errorf("merge source %s: %w", id, err)
			}
			sources = append(sources, it)
			maps.Copy(merged, it.Content)
		}
		if !slices.Contains(c.SourceIDs, c.TargetID) {
			if err := mustNotExist(ctx, tx, u.AgentID, c.TargetID); err != nil {
				return rb, err
			}
		}
		for _, id := range c.SourceIDs {
			if err := tx.DeleteItem(ctx, u.AgentID, id); err != nil {
				return rb, err
			}
		}
		maps.Copy(merged, c.Updated)
		merged["mergedFrom"] = slices.Clone(c.SourceIDs)
		if err := tx.PutItem(ctx, newItem(u, c.TargetID, merged, now)); err != nil {
			return rb, err
		}
		rb.Merge = &model.MergeRollback{MergedID: c.TargetID, Sources: sources}

	case model.KindSplit:
		src, err := tx.GetItem(ctx, u.AgentID, c.TargetID)
		if err != nil {
			return rb, fmt.Errorf("split %s: %w", c.TargetID, err)
		}
		parts := c.Parts
		if len(parts) == 0 {
			for _, text := range SplitText(textOf(src.Content)) {
				parts = append(parts, map[string]any{"content": text})
			}
		}
		if len(parts) < 2 {
			return rb, fmt.Errorf("split %s: fewer than two parts", c.TargetID)
		}
		if err := tx.DeleteItem(ctx, u.AgentID, c.TargetID); err != nil {
			return rb, err
		}
		ids := make([]string, 0, len(parts))
		for i, p := range parts {
			id := stringValue(p["id"])
			if id == "" {
				id = c.TargetID + "-part-" + strconv.Itoa(i+1)
			}
			if id != c.TargetID {
				if err := mustNotExist(ctx, tx, u.AgentID, id); err != nil {
					return rb, err
				}
			}
			content := maps.Clone(p)
			delete(content, "id")
			content["splitFrom"] = c.TargetID
			if err := tx.PutItem(ctx, newItem(u, id, content, now)); err != nil {
				return rb, err
			}
			ids = append(ids, id)
		}
		rb.Split = &model.SplitRollback{Source: src, PartIDs: ids}

	default:
		return rb, fmt.Errorf("unknown update kind %q", u.Kind)
	}
	return rb, nil
}

// revert undoes a mutation from its rollback payload. Items that are
// already gone are skipped.
func revert(ctx context.Context, tx storage.KnowledgeTx, agentID string, rb model.Rollback) error {
	if err := rb.Validate(); err != nil {
		return err
	}
	del := func(id string) error {
		if err := tx.DeleteItem(ctx, agentID, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	}

	switch rb.Kind {
	case model.KindAddition:
		return del(rb.Addition.ItemID)
	case model.KindModification:
		return tx.PutItem(ctx, rb.Modification.PreImage)
	case model.KindDeletion:
		return tx.PutItem(ctx, rb.Deletion.PreImage)
	case model.KindMerge:
		if err := del(rb.Merge.MergedID); err != nil {
			return err
		}
		for _, it := range rb.Merge.Sources {
			if err := tx.PutItem(ctx, it); err != nil {
				return err
			}
		}
		return nil
	case model.KindSplit:
		for _, id := range rb.Split.PartIDs {
			if err := del(id); err != nil {
				return err
			}
		}
		return tx.PutItem(ctx, rb.Split.Source)
	}
	return nil
}

func mustNotExist(ctx context.Context, tx storage.KnowledgeTx, agentID, itemID string) error {
	_, err := tx.GetItem(ctx, agentID, itemID)
	switch {
	case err == nil:
		return fmt.Errorf("item %s already exists", itemID)
	case errors.Is(err, storage.ErrNotFound):
		return nil
	default:
		return err
	}
}

func newItem(u model.KnowledgeUpdate, id string, content map[string]any, now time.Time) model.KnowledgeItem {
	return model.KnowledgeItem{
		ID:        id,
		AgentID:   u.AgentID,
		Type:      u.Content.Type,
		Content:   maps.Clone(content),
		Metadata:  itemMetadata(u),
		UpdatedAt: now,
	}
}

func itemMetadata(u model.KnowledgeUpdate) map[string]any {
	return map[string]any{
		"update_id":  u.ID.String(),
		"origin":     string(u.Origin),
		"confidence": u.Confidence,
	}
}
