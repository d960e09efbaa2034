package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/manabi/internal/analysis"
	"github.com/ashita-ai/manabi/internal/config"
	"github.com/ashita-ai/manabi/internal/extraction"
	"github.com/ashita-ai/manabi/internal/memstore"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/ratelimit"
	"github.com/ashita-ai/manabi/internal/service/feedback"
	"github.com/ashita-ai/manabi/internal/service/learning"
	"github.com/ashita-ai/manabi/internal/service/updates"
	"github.com/ashita-ai/manabi/internal/service/versions"
	"github.com/ashita-ai/manabi/internal/testutil"
)

type testEnv struct {
	store   *memstore.Store
	handler http.Handler
}

func newTestEnv(t *testing.T, opts ...func(*ServerConfig)) *testEnv {
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

	cfg := ServerConfig{
		Store:               store,
		Collector:           feedback.New(store, store, analysis.New(), nil, logger),
		Engine:              engine,
		Updates:             svc,
		Versions:            recorder,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 64 * 1024,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := New(cfg)
	return &testEnv{store: store, handler: srv.Handler()}
}

// do sends a request and decodes the envelope's data into out when non-nil.
func (e *testEnv) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		var env struct {
			Data json.RawMessage    `json:"data"`
			Meta model.ResponseMeta `json:"meta"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr), rec.Body.String())
	return apiErr.Error.Code
}

func supportConversation() model.Conversation {
	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	return model.Conversation{
		ID:      "conv-1",
		AgentID: "support",
		UserID:  "u-1",
		Messages: []model.Message{
			{ID: "u1", Role: model.RoleUser, Content: "How do I rotate my API key?", CreatedAt: base},
			{ID: "a1", Role: model.RoleAssistant, Content: "Open the dashboard settings page and click regenerate next to the key.", CreatedAt: base.Add(time.Second)},
			{ID: "u2", Role: model.RoleUser, Content: "thanks, that worked", CreatedAt: base.Add(time.Minute)},
		},
		CreatedAt: base,
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	var health model.HealthResponse
	rec := env.do(t, http.MethodGet, "/health", nil, &health)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Store)
	assert.Equal(t, "test", health.Version)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	var resp model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-123", resp.Meta.RequestID)
}

func TestFeedbackToAppliedKnowledge(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/conversations", supportConversation(), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rating := 5.0
	var fb model.FeedbackRecord
	rec = env.do(t, http.MethodPost, "/v1/feedback", model.CollectFeedbackRequest{
		ConversationID: "conv-1",
		MessageID:      "a1",
		UserID:         "u-1",
		AgentID:        "support",
		Explicit:       &model.ExplicitFeedback{Rating: &rating, MaxRating: 5},
	}, &fb)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "a1", fb.MessageID)
	assert.NotEqual(t, uuid.Nil, fb.ID)

	// Pin the stored quality so the decision does not depend on the
	// assessment weights.
	require.NoError(t, env.store.InsertFeedback(context.Background(), model.FeedbackRecord{
		ID:             uuid.New(),
		ConversationID: "conv-1",
		MessageID:      "a1",
		UserID:         "u-1",
		AgentID:        "support",
		Quality:        model.QualityAssessment{Accuracy: 0.95, Relevance: 0.95, Completeness: 0.95, Satisfaction: 0.95},
		CreatedAt:      time.Now().UTC().Add(time.Hour),
	}))

	var created []model.KnowledgeUpdate
	rec = env.do(t, http.MethodPost, "/v1/conversations/conv-1/updates",
		model.ProcessConversationRequest{AgentID: "support", UserID: "u-1"}, &created)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, created, 1)
	assert.Equal(t, model.StatusApproved, created[0].Status)

	var res model.ApplyResult
	rec = env.do(t, http.MethodPost, "/v1/agents/support/updates/apply", nil, &res)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, res.Applied)
	require.NotNil(t, res.Version)

	var stats model.UpdateStatistics
	rec = env.do(t, http.MethodGet, "/v1/agents/support/updates/stats", nil, &stats)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[model.StatusApplied])
	assert.Equal(t, 1, stats.ActiveVersion)
}

func TestManualReviewApplyRollback(t *testing.T) {
	env := newTestEnv(t)

	var u model.KnowledgeUpdate
	rec := env.do(t, http.MethodPost, "/v1/agents/support/updates", model.ManualUpdateRequest{
		Candidate: model.CandidateItem{Type: model.KnowledgeConceptual, Payload: map[string]any{"idea": "idempotency keys"}},
		Reason:    "from the onboarding doc",
	}, &u)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, model.StatusPending, u.Status)
	assert.Equal(t, model.OriginManual, u.Origin)

	var pending []model.KnowledgeUpdate
	env.do(t, http.MethodGet, "/v1/agents/support/updates/pending", nil, &pending)
	require.Len(t, pending, 1)

	var reviewed model.KnowledgeUpdate
	rec = env.do(t, http.MethodPost, "/v1/updates/"+u.ID.String()+"/review",
		model.ReviewUpdateRequest{Approve: true, Notes: "looks right"}, &reviewed)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.StatusApproved, reviewed.Status)

	rec = env.do(t, http.MethodPost, "/v1/updates/"+u.ID.String()+"/review", model.ReviewUpdateRequest{Approve: false}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, model.ErrCodeConflict, errorCode(t, rec))

	var res model.ApplyResult
	rec = env.do(t, http.MethodPost, "/v1/agents/support/updates/apply",
		model.ApplyUpdatesRequest{UpdateIDs: []uuid.UUID{u.ID}}, &res)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []uuid.UUID{u.ID}, res.AppliedIDs)

	var rolled model.KnowledgeUpdate
	rec = env.do(t, http.MethodPost, "/v1/updates/"+u.ID.String()+"/rollback", nil, &rolled)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.StatusRolledBack, rolled.Status)

	rec = env.do(t, http.MethodPost, "/v1/updates/"+u.ID.String()+"/rollback", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var versionsList []model.KnowledgeVersion
	env.do(t, http.MethodGet, "/v1/agents/support/versions", nil, &versionsList)
	assert.Len(t, versionsList, 1)
	assert.NotEmpty(t, versionsList[0].ContentRoot)

	// Rollback changes status only, so the version still verifies.
	var verified model.VersionVerification
	rec = env.do(t, http.MethodGet, "/v1/agents/support/versions/1/verify", nil, &verified)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, verified.ContentValid)
	assert.True(t, verified.ChainValid)

	var audit []model.AuditEntry
	rec = env.do(t, http.MethodGet, "/v1/agents/support/audit?limit=10", nil, &audit)
	require.Equal(t, http.StatusOK, rec.Code)
	actions := make([]model.AuditAction, 0, len(audit))
	for _, e := range audit {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []model.AuditAction{
		model.AuditCreated, model.AuditApproved, model.AuditApplied, model.AuditRolledBack,
	}, actions)

	var listed []model.KnowledgeUpdate
	rec = env.do(t, http.MethodGet, "/v1/agents/support/updates?status=rolled_back", nil, &listed)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, listed, 1)
	assert.Equal(t, u.ID, listed[0].ID)
}

func TestConfigurationEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var cfg model.LearningConfiguration
	rec := env.do(t, http.MethodGet, "/v1/agents/support/config", nil, &cfg)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.ModeHybrid, cfg.Mode)

	rec = env.do(t, http.MethodPatch, "/v1/agents/support/config", `{"mode":"PASSIVE","batch_size":5}`, &cfg)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.ModePassive, cfg.Mode)
	assert.Equal(t, 5, cfg.BatchSize)

	rec = env.do(t, http.MethodPatch, "/v1/agents/support/config", `{"confidence_threshold":2}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, rec))
}

func TestErrorResponses(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"unknown update", http.MethodGet, "/v1/updates/" + uuid.NewString(), nil, http.StatusNotFound, model.ErrCodeNotFound},
		{"malformed update id", http.MethodPost, "/v1/updates/nope/rollback", nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown conversation", http.MethodPost, "/v1/conversations/missing/updates",
			model.ProcessConversationRequest{AgentID: "a", UserID: "u"}, http.StatusNotFound, model.ErrCodeNotFound},
		{"feedback missing ids", http.MethodPost, "/v1/feedback", `{"conversation_id":"c"}`, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"feedback unknown conversation", http.MethodPost, "/v1/feedback",
			model.CollectFeedbackRequest{ConversationID: "c", MessageID: "m", UserID: "u", AgentID: "a"}, http.StatusNotFound, model.ErrCodeNotFound},
		{"unknown field", http.MethodPost, "/v1/conversations/c/updates", `{"agent_id":"a","user_id":"u","extra":1}`, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"empty body", http.MethodPost, "/v1/feedback", "", http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"bad candidate", http.MethodPost, "/v1/agents/a/updates", `{"candidate":{"type":"NOPE","payload":{"x":1}}}`, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"bad status filter", http.MethodGet, "/v1/agents/a/updates?status=DONE", nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"no active version", http.MethodGet, "/v1/agents/a/versions/active", nil, http.StatusNotFound, model.ErrCodeNotFound},
		{"verify unknown version", http.MethodGet, "/v1/agents/a/versions/3/verify", nil, http.StatusNotFound, model.ErrCodeNotFound},
		{"verify bad number", http.MethodGet, "/v1/agents/a/versions/zero/verify", nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"invalid conversation", http.MethodPost, "/v1/conversations", `{"id":"c","agent_id":"a","user_id":"u","messages":[]}`, http.StatusBadRequest, model.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantErr, errorCode(t, rec))
		})
	}
}

func TestRequestBodyLimit(t *testing.T) {
	env := newTestEnv(t)
	big := `{"agent_id":"` + strings.Repeat("a", 70*1024) + `","user_id":"u"}`
	rec := env.do(t, http.MethodPost, "/v1/conversations/c/updates", big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWriteRoutesAreRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, func(cfg *ServerConfig) { cfg.RateLimiter = limiter })

	rec := env.do(t, http.MethodPost, "/v1/conversations/c/updates", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/conversations/c/updates", `{}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, model.ErrCodeRateLimited, errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Reads do not spend the budget.
	rec = env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteServiceErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrNotFound, http.StatusNotFound},
		{&model.TransitionError{From: model.StatusPending, To: model.StatusApplied}, http.StatusConflict},
		{model.ErrInvalidInput, http.StatusBadRequest},
		{model.ErrConfigurationUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		writeServiceError(rec, req, testutil.TestLogger(), tt.err)
		assert.Equal(t, tt.want, rec.Code, "error %v", tt.err)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, model.ErrCodeInternalError, errorCode(t, rec))
}
