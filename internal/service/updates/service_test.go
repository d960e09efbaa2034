package updates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/manabi/internal/config"
	"github.com/ashita-ai/manabi/internal/extraction"
	"github.com/ashita-ai/manabi/internal/memstore"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/service/learning"
	"github.com/ashita-ai/manabi/internal/service/versions"
	"github.com/ashita-ai/manabi/internal/storage"
	"github.com/ashita-ai/manabi/internal/testutil"
)

type harness struct {
	svc    *Service
	store  *memstore.Store
	engine *learning.Engine
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	policy    config.LearningPolicy
	decider   Decider
	extractor extraction.Extractor
	versions  func(*memstore.Store) storage.VersionStore
}

func withDecider(d Decider) harnessOption { return func(c *harnessConfig) { c.decider = d } }

func withExtractor(e extraction.Extractor) harnessOption {
	return func(c *harnessConfig) { c.extractor = e }
}

func withPolicy(p config.LearningPolicy) harnessOption { return func(c *harnessConfig) { c.policy = p } }

func withVersionStore(fn func(*memstore.Store) storage.VersionStore) harnessOption {
	return func(c *harnessConfig) { c.versions = fn }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{policy: config.DefaultPolicy()}
	for _, o := range opts {
		o(&cfg)
	}
	store := memstore.New()
	logger := testutil.TestLogger()

	engine, err := learning.New(store, cfg.policy, logger)
	require.NoError(t, err)
	if cfg.decider == nil {
		cfg.decider = engine
	}
	if cfg.extractor == nil {
		cfg.extractor, err = extraction.NewHeuristicExtractor(store, extraction.Config{})
		require.NoError(t, err)
	}
	var vs storage.VersionStore = store
	if cfg.versions != nil {
		vs = cfg.versions(store)
	}
	svc, err := New(store, cfg.decider, cfg.extractor, versions.New(vs, logger), cfg.policy, logger)
	require.NoError(t, err)
	return &harness{svc: svc, store: store, engine: engine}
}

type fixedDecider struct{ d model.LearningDecision }

func (f fixedDecider) Decide(context.Context, model.LearningContext) model.LearningDecision { return f.d }

// blockingExtractor waits for the context to end.
type blockingExtractor struct{}

func (blockingExtractor) ExtractCandidates(ctx context.Context, _, _, _ string) (map[model.KnowledgeType][]model.CandidateItem, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type staticExtractor map[model.KnowledgeType][]model.CandidateItem

func (s staticExtractor) ExtractCandidates(context.Context, string, string, string) (map[model.KnowledgeType][]model.CandidateItem, error) {
	return s, nil
}

func saveSupportConversation(t *testing.T, store *memstore.Store, id string) {
	t.Helper()
	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveConversation(context.Background(), model.Conversation{
		ID:      id,
		AgentID: "support",
		UserID:  "u-1",
		Messages: []model.Message{
			{ID: "u1", Role: model.RoleUser, Content: "How do I rotate my API key?", CreatedAt: base},
			{ID: "a1", Role: model.RoleAssistant, Content: "Open the dashboard settings page and click regenerate next to the key.", CreatedAt: base.Add(time.Second)},
			{ID: "u2", Role: model.RoleUser, Content: "thanks, that worked", CreatedAt: base.Add(time.Minute)},
		},
		CreatedAt: base,
	}))
}

func goodFeedback(conversationID string) model.FeedbackRecord {
	return model.FeedbackRecord{
		ID:             uuid.New(),
		ConversationID: conversationID,
		MessageID:      "a1",
		UserID:         "u-1",
		AgentID:        "support",
		Quality:        model.QualityAssessment{Accuracy: 0.95, Relevance: 0.95, Completeness: 0.95, Satisfaction: 0.95},
		CreatedAt:      time.Now().UTC(),
	}
}

func TestProcessConversationWithGoodFeedback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	saveSupportConversation(t, h.store, "conv-1")
	require.NoError(t, h.store.InsertFeedback(ctx, goodFeedback("conv-1")))

	got, err := h.svc.ProcessConversationForUpdates(ctx, "conv-1", "support", "u-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	u := got[0]
	assert.Equal(t, model.KindAddition, u.Kind)
	assert.Equal(t, model.KnowledgeFAQ, u.Content.Type)
	assert.Equal(t, model.OriginConversation, u.Origin)
	assert.Equal(t, "conv-1", u.SourceID)
	assert.Equal(t, "support", u.AgentID)
	assert.Equal(t, model.StatusApproved, u.Status)
	assert.Equal(t, "How do I rotate my API key?", u.Content.Updated["question"])

	stored, err := h.svc.GetUpdate(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, stored.ID)

	res, err := h.svc.ApplyKnowledgeUpdates(ctx, "support", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	require.NotNil(t, res.Version)
	assert.Equal(t, 1, res.Version.Number)

	item, err := h.store.GetItem(ctx, "support", u.Content.TargetID)
	require.NoError(t, err)
	assert.Equal(t, "How do I rotate my API key?", item.Content["question"])
}

func TestProcessConversationWithoutFeedbackLearnsNothing(t *testing.T) {
	h := newHarness(t)
	saveSupportConversation(t, h.store, "conv-1")

	got, err := h.svc.ProcessConversationForUpdates(context.Background(), "conv-1", "support", "u-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProcessConversationPassiveLearnsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	saveSupportConversation(t, h.store, "conv-1")
	require.NoError(t, h.store.InsertFeedback(ctx, goodFeedback("conv-1")))
	mode := model.ModePassive
	_, err := h.engine.UpdateConfiguration(ctx, "support", model.LearningConfigurationPatch{Mode: &mode})
	require.NoError(t, err)

	got, err := h.svc.ProcessConversationForUpdates(ctx, "conv-1", "support", "u-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProcessConversationNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.ProcessConversationForUpdates(context.Background(), "missing", "support", "u-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLearnTimeoutYieldsNoUpdates(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.TurnTimeout = 20 * time.Millisecond
	h := newHarness(t,
		withPolicy(policy),
		withDecider(fixedDecider{learnDecision}),
		withExtractor(blockingExtractor{}),
	)
	saveSupportConversation(t, h.store, "conv-1")

	got, err := h.svc.ProcessConversationForUpdates(context.Background(), "conv-1", "support", "u-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLearnFromFeedback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	saveSupportConversation(t, h.store, "conv-1")
	rec := goodFeedback("conv-1")

	got, err := h.svc.LearnFromFeedback(ctx, rec)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.OriginFeedback, got[0].Origin)
	assert.Equal(t, rec.ID.String(), got[0].SourceID)

	pending, err := h.svc.GetPendingUpdates(ctx, "support")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestLearnSkipsMalformedCandidates(t *testing.T) {
	h := newHarness(t,
		withDecider(fixedDecider{learnDecision}),
		withExtractor(staticExtractor{
			model.KnowledgeFAQ: {
				{Type: model.KnowledgeFAQ, Payload: map[string]any{"answer": "fine"}},
				{Type: model.KnowledgeFAQ, Payload: map[string]any{"isModification": true}},
			},
		}),
	)
	saveSupportConversation(t, h.store, "conv-1")

	got, err := h.svc.ProcessConversationForUpdates(context.Background(), "conv-1", "support", "u-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestExtractionFailureIsReturned(t *testing.T) {
	h := newHarness(t, withDecider(fixedDecider{learnDecision}), withExtractor(failingExtractor{}))
	saveSupportConversation(t, h.store, "conv-1")
	_, err := h.svc.ProcessConversationForUpdates(context.Background(), "conv-1", "support", "u-1")
	assert.ErrorContains(t, err, "extractor down")
}

type failingExtractor struct{}

func (failingExtractor) ExtractCandidates(context.Context, string, string, string) (map[model.KnowledgeType][]model.CandidateItem, error) {
	return nil, errors.New("extractor down")
}

func TestReviewUpdate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	pending := submit(t, h, "support", model.KnowledgeConceptual, map[string]any{"idea": "caching tradeoffs"}, nil)
	require.Equal(t, model.StatusPending, pending.Status)

	approved, err := h.svc.ReviewUpdate(ctx, pending.ID, true, "looks right")
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, approved.Status)
	require.NotNil(t, approved.ReviewNotes)
	assert.Equal(t, "looks right", *approved.ReviewNotes)

	_, err = h.svc.ReviewUpdate(ctx, pending.ID, false, "")
	assert.ErrorIs(t, err, model.ErrInvalidState)
	var te *model.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, model.StatusApproved, te.From)

	other := submit(t, h, "support", model.KnowledgeConceptual, map[string]any{"idea": "sharding by tenant"}, nil)
	rejected, err := h.svc.ReviewUpdate(ctx, other.ID, false, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, rejected.Status)
	assert.Nil(t, rejected.ReviewNotes)

	_, err = h.svc.ReviewUpdate(ctx, uuid.New(), true, "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	audit, err := h.store.ListAudit(ctx, "support", 0)
	require.NoError(t, err)
	var actions []model.AuditAction
	for _, e := range audit {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []model.AuditAction{model.AuditRejected, model.AuditCreated, model.AuditApproved, model.AuditCreated}, actions)
}

func TestGetPendingUpdates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := submit(t, h, "support", model.KnowledgeConceptual, map[string]any{"idea": "one"}, nil)
	a := submit(t, h, "support", model.KnowledgeFAQ, map[string]any{"question": "q", "answer": "a"}, ptr(1.0))
	submit(t, h, "other", model.KnowledgeFAQ, map[string]any{"question": "q", "answer": "a"}, ptr(1.0))

	got, err := h.svc.GetPendingUpdates(ctx, "support")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID, "higher priority first")
	assert.Equal(t, p.ID, got[1].ID)

	_, err = h.svc.ApplyKnowledgeUpdates(ctx, "support", nil)
	require.NoError(t, err)
	got, err = h.svc.GetPendingUpdates(ctx, "support")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, p.ID, got[0].ID)
}

func TestGetUpdateStatistics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	empty, err := h.svc.GetUpdateStatistics(ctx, "support")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Total)
	assert.Equal(t, 0, empty.ActiveVersion)
	assert.Nil(t, empty.LastAppliedAt)

	submit(t, h, "support", model.KnowledgeFAQ, map[string]any{"question": "q1", "answer": "a1"}, ptr(1.0))
	submit(t, h, "support", model.KnowledgeSolution, map[string]any{"content": "restart the ingest worker"}, ptr(1.0))
	rej := submit(t, h, "support", model.KnowledgeConceptual, map[string]any{"idea": "x"}, nil)
	_, err = h.svc.ReviewUpdate(ctx, rej.ID, false, "")
	require.NoError(t, err)
	submit(t, h, "support", model.KnowledgeConceptual, map[string]any{"idea": "y"}, nil)
	_, err = h.svc.ApplyKnowledgeUpdates(ctx, "support", nil)
	require.NoError(t, err)

	st, err := h.svc.GetUpdateStatistics(ctx, "support")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.ByStatus[model.StatusApplied])
	assert.Equal(t, 1, st.ByStatus[model.StatusRejected])
	assert.Equal(t, 1, st.ByStatus[model.StatusPending])
	assert.Equal(t, 4, st.ByKind[model.KindAddition])
	assert.Equal(t, 4, st.ByOrigin[model.OriginManual])
	assert.InDelta(t, 2.0/3.0, st.ApprovalRate, 1e-9)
	assert.Equal(t, 1, st.ActiveVersion)
	assert.NotNil(t, st.LastAppliedAt)
	assert.Greater(t, st.AverageConfidence, 0.0)
}

func TestSubmitManualUpdateValidates(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.SubmitManualUpdate(context.Background(), "support", model.CandidateItem{Type: model.KnowledgeFAQ}, "")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestEnqueueRespectsCanceledContext(t *testing.T) {
	h := newHarness(t)
	unlock, err := h.svc.locks.lock(context.Background(), "support")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.svc.SubmitManualUpdate(ctx, "support", model.CandidateItem{Type: model.KnowledgeFAQ, Payload: map[string]any{"a": "b"}}, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other agents are not blocked.
	_, err = h.svc.SubmitManualUpdate(context.Background(), "billing", model.CandidateItem{Type: model.KnowledgeFAQ, Payload: map[string]any{"a": "b"}}, "")
	assert.NoError(t, err)
}

// submit queues a manual update. A confidence of 1 auto-approves FAQ and
// SOLUTION candidates; nil leaves CONCEPTUAL ones pending.
func submit(t *testing.T, h *harness, agentID string, typ model.KnowledgeType, payload map[string]any, conf *float64) model.KnowledgeUpdate {
	t.Helper()
	u, err := h.svc.SubmitManualUpdate(context.Background(), agentID, model.CandidateItem{Type: typ, Payload: payload, Confidence: conf}, "")
	require.NoError(t, err)
	return u
}

func seedItems(t *testing.T, store *memstore.Store, items ...model.KnowledgeItem) {
	t.Helper()
	require.NoError(t, store.InTx(context.Background(), func(tx storage.KnowledgeTx) error {
		for _, it := range items {
			if err := tx.PutItem(context.Background(), it); err != nil {
				return err
			}
		}
		return nil
	}))
}
