package feedback_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/manabi/internal/memstore"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/service/feedback"
	"github.com/ashita-ai/manabi/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleConversation() model.Conversation {
	return model.Conversation{
		ID: "conv-1", AgentID: "agent-1", UserID: "user-1", CreatedAt: t0,
		Messages: []model.Message{
			{ID: "m1", Role: model.RoleUser, Content: "How do I reset my password?", CreatedAt: t0},
			{ID: "m2", Role: model.RoleAssistant, Content: "Open settings and choose reset.", CreatedAt: t0.Add(2 * time.Second),
				Metadata: map[string]any{"provider": "openai", "model": "gpt", "latency_ms": 420.0, "prompt_tokens": 12, "retrieval_used": true, "retrieval_relevance": 0.9}},
			{ID: "m3", Role: model.RoleUser, Content: "Where is settings?", CreatedAt: t0.Add(12 * time.Second)},
			{ID: "m4", Role: model.RoleAssistant, Content: "Top right menu.", CreatedAt: t0.Add(14 * time.Second)},
			{ID: "m5", Role: model.RoleUser, Content: "Got it, thanks!", CreatedAt: t0.Add(30 * time.Second)},
		},
	}
}

type recordingTrigger struct {
	mu   sync.Mutex
	recs []model.FeedbackRecord
}

func (r *recordingTrigger) OnFeedback(rec model.FeedbackRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

type stubAnalyzer struct {
	a   model.ContextAnalysis
	err error
}

func (s stubAnalyzer) Analyze(context.Context, model.Conversation, int) (model.ContextAnalysis, error) {
	return s.a, s.err
}

func newCollector(t *testing.T, analyzer feedback.ContextAnalyzer) (*feedback.Collector, *memstore.Store, *recordingTrigger) {
	t.Helper()
	store := memstore.New()
	require.NoError(t, store.SaveConversation(context.Background(), sampleConversation()))
	trig := &recordingTrigger{}
	return feedback.New(store, store, analyzer, trig, testutil.TestLogger()), store, trig
}

func TestComputeImplicit(t *testing.T) {
	m := feedback.ComputeImplicit(sampleConversation(), 1)

	assert.Equal(t, int64(10_000), m.ResponseTimeMs)
	assert.Equal(t, 1, m.FollowUpCount, "only m3 asks a question")
	assert.True(t, m.Continued)
	assert.True(t, m.TaskCompleted)
	assert.Equal(t, int64(30_000), m.SessionDurationMs)
	// 0.5*min(5/10,1) + 0.5*min(18/200,1)
	assert.InDelta(t, 0.25+0.5*18.0/200, m.EngagementScore, 1e-9)
}

func TestComputeImplicitEdges(t *testing.T) {
	t.Run("empty conversation", func(t *testing.T) {
		assert.Equal(t, model.ImplicitMetrics{}, feedback.ComputeImplicit(model.Conversation{}, -1))
	})
	t.Run("later assistant turn", func(t *testing.T) {
		m := feedback.ComputeImplicit(sampleConversation(), 3)
		assert.True(t, m.Continued)
		assert.Equal(t, 0, m.FollowUpCount)
		assert.Equal(t, int64(16_000), m.ResponseTimeMs)
	})
	t.Run("completion markers only in trailing turns", func(t *testing.T) {
		c := model.Conversation{Messages: []model.Message{
			{Role: model.RoleUser, Content: "thanks in advance"},
			{Role: model.RoleUser, Content: "a"},
			{Role: model.RoleUser, Content: "b"},
			{Role: model.RoleUser, Content: "c"},
		}}
		assert.False(t, feedback.ComputeImplicit(c, -1).TaskCompleted)
	})
	t.Run("engagement saturates", func(t *testing.T) {
		var msgs []model.Message
		for range 12 {
			msgs = append(msgs, model.Message{Role: model.RoleAssistant}, model.Message{Role: model.RoleUser, Content: string(make([]byte, 300))})
		}
		m := feedback.ComputeImplicit(model.Conversation{Messages: msgs}, 0)
		assert.Equal(t, 1.0, m.EngagementScore)
	})
}

func TestCollect(t *testing.T) {
	ctx := context.Background()
	c, store, trig := newCollector(t, stubAnalyzer{a: model.ContextAnalysis{Stage: "resolution", Intent: "question", Sentiment: 0.4, KnowledgeGaps: []string{"settings"}}})

	rating := 5.0
	rec, err := c.Collect(ctx, feedback.Input{
		ConversationID: "conv-1", MessageID: "m2", UserID: "user-1", AgentID: "agent-1",
		Explicit: &model.ExplicitFeedback{Rating: &rating, MaxRating: 5},
	})
	require.NoError(t, err)

	assert.Equal(t, "How do I reset my password?", rec.Context.UserMessage)
	assert.Equal(t, "Open settings and choose reset.", rec.Context.AgentReply)
	assert.Equal(t, "openai", rec.Context.Provider)
	assert.Equal(t, int64(420), rec.Context.LatencyMs)
	assert.Equal(t, 12, rec.Context.PromptTokens)
	assert.True(t, rec.Context.RetrievalUsed)
	assert.Equal(t, "question", rec.Context.Intent)
	assert.Equal(t, []string{"settings"}, rec.Context.KnowledgeGaps)
	assert.Equal(t, 1.0, rec.Quality.Accuracy)
	assert.Equal(t, model.PolarityPositive, rec.Signal.Polarity)

	latest, err := store.LatestFeedbackForConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, latest.ID)

	require.Len(t, trig.recs, 1)
	assert.Equal(t, rec.ID, trig.recs[0].ID)
}

func TestCollectOverridesWin(t *testing.T) {
	c, _, _ := newCollector(t, stubAnalyzer{a: model.ContextAnalysis{Intent: "question", Sentiment: 0.5}})

	intent := "complaint"
	sentiment := -0.8
	completed := false
	rec, err := c.Collect(context.Background(), feedback.Input{
		ConversationID: "conv-1", MessageID: "m2", UserID: "user-1", AgentID: "agent-1",
		Implicit: &model.ImplicitOverrides{TaskCompleted: &completed},
		Context:  &model.ContextOverrides{Intent: &intent, Sentiment: &sentiment},
	})
	require.NoError(t, err)
	assert.Equal(t, "complaint", rec.Context.Intent)
	assert.False(t, rec.Implicit.TaskCompleted)
	assert.InDelta(t, 0.7*0.7, rec.Quality.Satisfaction, 1e-9)
}

func TestCollectNotFound(t *testing.T) {
	c, _, trig := newCollector(t, nil)
	ctx := context.Background()

	_, err := c.Collect(ctx, feedback.Input{ConversationID: "missing", MessageID: "m1"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = c.Collect(ctx, feedback.Input{ConversationID: "conv-1", MessageID: "nope"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.Empty(t, trig.recs)
}

func TestCollectAnalyzerFailureIsNotFatal(t *testing.T) {
	c, _, trig := newCollector(t, stubAnalyzer{err: errors.New("analyzer down")})
	rec, err := c.Collect(context.Background(), feedback.Input{ConversationID: "conv-1", MessageID: "m4", UserID: "u", AgentID: "a"})
	require.NoError(t, err)
	assert.Empty(t, rec.Context.Intent)
	assert.Equal(t, "Top right menu.", rec.Context.AgentReply)
	assert.Len(t, trig.recs, 1)
}

func TestCollectScoresInRange(t *testing.T) {
	c, _, _ := newCollector(t, nil)
	for _, r := range []float64{0, 1, 2.5, 5, 9} {
		rating := r
		for _, s := range []float64{-1, -0.31, 0, 1} {
			sentiment := s
			rec, err := c.Collect(context.Background(), feedback.Input{
				ConversationID: "conv-1", MessageID: "m2", UserID: "u", AgentID: "a",
				Explicit: &model.ExplicitFeedback{Rating: &rating, MaxRating: 5},
				Context:  &model.ContextOverrides{Sentiment: &sentiment},
			})
			require.NoError(t, err)
			for _, v := range []float64{rec.Quality.Accuracy, rec.Quality.Relevance, rec.Quality.Completeness, rec.Quality.Satisfaction, rec.Signal.Confidence, rec.Implicit.EngagementScore} {
				assert.GreaterOrEqual(t, v, 0.0)
				assert.LessOrEqual(t, v, 1.0)
			}
		}
	}
}

// stuckAnalyzer never returns until release is closed and ignores its context.
type stuckAnalyzer struct{ release chan struct{} }

func (s stuckAnalyzer) Analyze(context.Context, model.Conversation, int) (model.ContextAnalysis, error) {
	<-s.release
	return model.ContextAnalysis{Stage: "late"}, nil
}

func TestCollectBoundsContextAnalysis(t *testing.T) {
	stuck := stuckAnalyzer{release: make(chan struct{})}
	defer close(stuck.release)

	store := memstore.New()
	require.NoError(t, store.SaveConversation(context.Background(), sampleConversation()))
	trig := &recordingTrigger{}
	c := feedback.New(store, store, stuck, trig, testutil.TestLogger(), feedback.WithAnalysisTimeout(20*time.Millisecond))

	start := time.Now()
	rec, err := c.Collect(context.Background(), feedback.Input{ConversationID: "conv-1", MessageID: "m2", UserID: "user-1", AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, rec.Context.Stage, "recorded without the late analysis")
	assert.Equal(t, "Open settings and choose reset.", rec.Context.AgentReply)
	assert.Len(t, trig.recs, 1)
}
