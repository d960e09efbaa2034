// Package updates builds, reviews, applies and rolls back knowledge updates.
//
// Every write to an agent's update queue or knowledge store goes through a
// per-agent lock, so one agent has a single writer at a time while
// different agents proceed in parallel.
package updates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/manabi/internal/config"
	"github.com/ashita-ai/manabi/internal/conflicts"
	"github.com/ashita-ai/manabi/internal/extraction"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/service/quality"
	"github.com/ashita-ai/manabi/internal/service/versions"
	"github.com/ashita-ai/manabi/internal/storage"
	"github.com/ashita-ai/manabi/internal/telemetry"
)

// Decider decides whether a turn should be learned from.
type Decider interface {
	Decide(ctx context.Context, lc model.LearningContext) model.LearningDecision
}

// Service owns the update lifecycle for all agents.
type Service struct {
	store       storage.Store
	decider     Decider
	extractor   extraction.Extractor
	constructor *Constructor
	detector    *conflicts.Detector
	versions    *versions.Recorder
	policy      config.LearningPolicy
	locks       *agentLocks
	logger      *slog.Logger
	now         func() time.Time
	tracer      trace.Tracer

	constructed   metric.Int64Counter
	applied       metric.Int64Counter
	applyFailures metric.Int64Counter
	conflictsSeen metric.Int64Counter
	rollbacks     metric.Int64Counter
	applyDuration metric.Float64Histogram

	// unversioned holds, per agent, updates that were applied but whose
	// version failed to record. The agent's next version lists them.
	unversionedMu sync.Mutex
	unversioned   map[string][]model.KnowledgeUpdate
}

// New creates a Service. It fails when the policy's update rules do not
// compile.
func New(
	store storage.Store,
	decider Decider,
	extractor extraction.Extractor,
	recorder *versions.Recorder,
	policy config.LearningPolicy,
	logger *slog.Logger,
) (*Service, error) {
	constructor, err := NewConstructor(policy, logger)
	if err != nil {
		return nil, err
	}

	meter := telemetry.Meter("manabi/updates")
	constructed, _ := meter.Int64Counter("manabi.updates.constructed",
		metric.WithDescription("Knowledge updates constructed, by origin and initial status"),
	)
	applied, _ := meter.Int64Counter("manabi.updates.applied",
		metric.WithDescription("Knowledge updates applied"),
	)
	applyFailures, _ := meter.Int64Counter("manabi.updates.apply_failures",
		metric.WithDescription("Knowledge updates that failed to apply"),
	)
	conflictsSeen, _ := meter.Int64Counter("manabi.updates.conflicts",
		metric.WithDescription("Conflict groups detected during apply passes"),
	)
	rollbacks, _ := meter.Int64Counter("manabi.updates.rollbacks",
		metric.WithDescription("Knowledge updates rolled back"),
	)
	applyDuration, _ := meter.Float64Histogram("manabi.updates.apply_duration",
		metric.WithDescription("Duration of one apply batch"),
		metric.WithUnit("ms"),
	)

	return &Service{
		store:         store,
		decider:       decider,
		extractor:     extractor,
		constructor:   constructor,
		detector:      conflicts.NewDetector(policy.OverlapThreshold),
		versions:      recorder,
		policy:        policy,
		locks:         newAgentLocks(),
		logger:        logger,
		now:           time.Now,
		tracer:        telemetry.Tracer("manabi/updates"),
		constructed:   constructed,
		applied:       applied,
		applyFailures: applyFailures,
		conflictsSeen: conflictsSeen,
		rollbacks:     rollbacks,
		applyDuration: applyDuration,
		unversioned:   make(map[string][]model.KnowledgeUpdate),
	}, nil
}

// ProcessConversationForUpdates decides whether the conversation should be
// learned from and, if so, turns its candidates into queued updates. The
// latest feedback for the conversation supplies the learning context;
// without feedback neutral quality defaults are used. It returns the
// created updates, which is empty when nothing should be learned.
func (s *Service) ProcessConversationForUpdates(ctx context.Context, conversationID, agentID, userID string) ([]model.KnowledgeUpdate, error) {
	if _, err := s.store.GetConversationWithMessages(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("updates: conversation %s: %w", conversationID, err)
	}

	lc, err := s.learningContext(ctx, conversationID, agentID, userID)
	if err != nil {
		return nil, err
	}
	return s.learn(ctx, lc, model.OriginConversation, conversationID)
}

// LearnFromFeedback runs the learning pipeline for one feedback record. It
// is the asynchronous continuation of feedback collection.
func (s *Service) LearnFromFeedback(ctx context.Context, rec model.FeedbackRecord) ([]model.KnowledgeUpdate, error) {
	return s.learn(ctx, rec.LearningContext(), model.OriginFeedback, rec.ID.String())
}

func (s *Service) learningContext(ctx context.Context, conversationID, agentID, userID string) (model.LearningContext, error) {
	rec, err := s.store.LatestFeedbackForConversation(ctx, conversationID)
	switch {
	case err == nil:
		lc := rec.LearningContext()
		lc.AgentID, lc.UserID = agentID, userID
		return lc, nil
	case errors.Is(err, storage.ErrNotFound):
		q := quality.Assess(nil, model.FeedbackContext{})
		return model.LearningContext{
			ConversationID:   conversationID,
			AgentID:          agentID,
			UserID:           userID,
			ResponseQuality:  q.ResponseQuality(),
			UserSatisfaction: q.Satisfaction,
			Timestamp:        s.now().UTC(),
		}, nil
	default:
		return model.LearningContext{}, fmt.Errorf("updates: latest feedback for %s: %w", conversationID, err)
	}
}

// learn is the shared decide, extract, construct and queue path. The whole
// path is bounded by the policy's turn timeout; a timeout yields no updates.
func (s *Service) learn(ctx context.Context, lc model.LearningContext, origin model.UpdateOrigin, sourceID string) ([]model.KnowledgeUpdate, error) {
	ctx, span := s.tracer.Start(ctx, "updates.learn", trace.WithAttributes(
		attribute.String("agent_id", lc.AgentID),
		attribute.String("conversation_id", lc.ConversationID),
		attribute.String("origin", string(origin)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.policy.TurnTimeout)
	defer cancel()

	decision := s.decider.Decide(ctx, lc)
	if !decision.ShouldLearn {
		s.logger.Debug("updates: nothing to learn",
			"agent_id", lc.AgentID,
			"conversation_id", lc.ConversationID,
			"reason", decision.Reason,
		)
		return []model.KnowledgeUpdate{}, nil
	}

	candidates, err := s.extractor.ExtractCandidates(ctx, lc.ConversationID, lc.AgentID, lc.UserID)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Warn("updates: extraction timed out, insufficient evidence",
				"agent_id", lc.AgentID,
				"conversation_id", lc.ConversationID,
				"error", err,
			)
			return []model.KnowledgeUpdate{}, nil
		}
		return nil, fmt.Errorf("updates: extract candidates: %w", err)
	}

	types := make([]model.KnowledgeType, 0, len(candidates))
	for t := range candidates {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var built []model.KnowledgeUpdate
	for _, t := range types {
		for _, cand := range candidates[t] {
			u, err := s.constructor.Build(BuildInput{
				AgentID:   lc.AgentID,
				Candidate: cand,
				Decision:  decision,
				Origin:    origin,
				SourceID:  sourceID,
			})
			if err != nil {
				s.logger.Warn("updates: candidate skipped",
					"agent_id", lc.AgentID,
					"type", t,
					"error", err,
				)
				continue
			}
			built = append(built, u)
		}
	}
	return s.enqueue(ctx, lc.AgentID, built)
}

// SubmitManualUpdate queues a reviewer-supplied candidate. It skips the
// decision engine but uses the same classification, scoring and approval
// rules as learned updates.
func (s *Service) SubmitManualUpdate(ctx context.Context, agentID string, cand model.CandidateItem, reason string) (model.KnowledgeUpdate, error) {
	u, err := s.constructor.BuildManual(agentID, cand, reason)
	if err != nil {
		return model.KnowledgeUpdate{}, err
	}
	out, err := s.enqueue(ctx, agentID, []model.KnowledgeUpdate{u})
	if err != nil {
		return model.KnowledgeUpdate{}, err
	}
	return out[0], nil
}

// enqueue stores built updates under the agent lock.
func (s *Service) enqueue(ctx context.Context, agentID string, built []model.KnowledgeUpdate) ([]model.KnowledgeUpdate, error) {
	out := []model.KnowledgeUpdate{}
	if len(built) == 0 {
		return out, nil
	}
	unlock, err := s.locks.lock(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("updates: lock agent %s: %w", agentID, err)
	}
	defer unlock()

	for _, u := range built {
		if err := s.store.InsertUpdate(ctx, u); err != nil {
			return out, fmt.Errorf("updates: insert update: %w", err)
		}
		s.constructed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("origin", string(u.Origin)),
			attribute.String("status", string(u.Status)),
		))
		s.logger.Info("updates: queued",
			"agent_id", agentID,
			"update_id", u.ID,
			"kind", u.Kind,
			"status", u.Status,
			"confidence", u.Confidence,
		)
		out = append(out, u)
	}
	return out, nil
}

// GetPendingUpdates returns the agent's queue: updates awaiting review
// (PENDING) and updates awaiting application (APPROVED), in application
// order.
func (s *Service) GetPendingUpdates(ctx context.Context, agentID string) ([]model.KnowledgeUpdate, error) {
	us, err := s.store.ListUpdates(ctx, agentID, storage.UpdateFilter{
		Statuses: []model.UpdateStatus{model.StatusPending, model.StatusApproved},
	})
	if err != nil {
		return nil, fmt.Errorf("updates: list pending: %w", err)
	}
	return us, nil
}

// GetUpdate returns one update.
func (s *Service) GetUpdate(ctx context.Context, id uuid.UUID) (model.KnowledgeUpdate, error) {
	u, err := s.store.GetUpdate(ctx, id)
	if err != nil {
		return model.KnowledgeUpdate{}, fmt.Errorf("updates: get %s: %w", id, err)
	}
	return u, nil
}

// ListUpdates returns the agent's updates filtered by status.
func (s *Service) ListUpdates(ctx context.Context, agentID string, statuses []model.UpdateStatus, limit int) ([]model.KnowledgeUpdate, error) {
	us, err := s.store.ListUpdates(ctx, agentID, storage.UpdateFilter{Statuses: statuses, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("updates: list: %w", err)
	}
	return us, nil
}

// GetUpdateStatistics aggregates the agent's update history.
func (s *Service) GetUpdateStatistics(ctx context.Context, agentID string) (model.UpdateStatistics, error) {
	us, err := s.store.ListUpdates(ctx, agentID, storage.UpdateFilter{})
	if err != nil {
		return model.UpdateStatistics{}, fmt.Errorf("updates: statistics: %w", err)
	}

	st := model.UpdateStatistics{
		AgentID:  agentID,
		Total:    len(us),
		ByStatus: map[model.UpdateStatus]int{},
		ByKind:   map[model.UpdateKind]int{},
		ByOrigin: map[model.UpdateOrigin]int{},
	}
	var confSum float64
	for _, u := range us {
		st.ByStatus[u.Status]++
		st.ByKind[u.Kind]++
		st.ByOrigin[u.Origin]++
		confSum += u.Confidence
		if u.AppliedAt != nil && (st.LastAppliedAt == nil || u.AppliedAt.After(*st.LastAppliedAt)) {
			at := *u.AppliedAt
			st.LastAppliedAt = &at
		}
	}
	if st.Total > 0 {
		st.AverageConfidence = confSum / float64(st.Total)
	}
	accepted := st.ByStatus[model.StatusApproved] + st.ByStatus[model.StatusApplied] + st.ByStatus[model.StatusRolledBack]
	if decided := accepted + st.ByStatus[model.StatusRejected]; decided > 0 {
		st.ApprovalRate = float64(accepted) / float64(decided)
	}

	active, err := s.versions.Active(ctx, agentID)
	switch {
	case err == nil:
		st.ActiveVersion = active.Number
	case !errors.Is(err, storage.ErrNotFound):
		return model.UpdateStatistics{}, fmt.Errorf("updates: statistics: %w", err)
	}
	return st, nil
}

// ReviewUpdate moves a PENDING update to APPROVED or REJECTED. Any other
// current status is a *model.TransitionError.
func (s *Service) ReviewUpdate(ctx context.Context, id uuid.UUID, approve bool, notes string) (model.KnowledgeUpdate, error) {
	u, err := s.store.GetUpdate(ctx, id)
	if err != nil {
		return model.KnowledgeUpdate{}, fmt.Errorf("updates: review %s: %w", id, err)
	}
	to, action := model.StatusRejected, model.AuditRejected
	if approve {
		to, action = model.StatusApproved, model.AuditApproved
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
		if err := model.CheckTransition(id, cur.Status, to); err != nil {
			return err
		}
		var n *string
		if notes != "" {
			n = &notes
		}
		if err := tx.TransitionUpdate(ctx, storage.Transition{UpdateID: id, From: cur.Status, To: to, At: now, Notes: n}); err != nil {
			return err
		}
		detail := map[string]any{}
		if notes != "" {
			detail["notes"] = notes
		}
		return tx.AppendAudit(ctx, model.AuditEntry{
			ID:         uuid.New(),
			AgentID:    cur.AgentID,
			UpdateID:   id,
			Action:     action,
			FromStatus: cur.Status,
			ToStatus:   to,
			Detail:     detail,
			CreatedAt:  now,
		})
	})
	if err != nil {
		return model.KnowledgeUpdate{}, fmt.Errorf("updates: review %s: %w", id, err)
	}
	s.logger.Info("updates: reviewed",
		"agent_id", u.AgentID,
		"update_id", id,
		"status", to,
	)
	return s.GetUpdate(ctx, id)
}
