package learning

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/manabi/internal/config"
	"github.com/ashita-ai/manabi/internal/memstore"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/testutil"
)

func newEngine(t *testing.T, policy config.LearningPolicy) (*Engine, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	e, err := New(store, policy, testutil.TestLogger())
	require.NoError(t, err)
	return e, store
}

func cfgWith(mode model.LearningMode, confidence, quality float64) model.LearningConfiguration {
	c := config.DefaultPolicy().DefaultConfiguration
	c.Mode = mode
	c.ConfidenceThreshold = confidence
	c.QualityThreshold = quality
	c.ReviewRequired = false
	return c
}

func TestEvaluateScenarios(t *testing.T) {
	e, _ := newEngine(t, config.DefaultPolicy())

	tests := []struct {
		name       string
		lc         model.LearningContext
		cfg        model.LearningConfiguration
		wantLearn  bool
		wantRisk   model.RiskLevel
		wantAction string
		wantRule   string
	}{
		{
			name:       "active high quality",
			lc:         model.LearningContext{ResponseQuality: 0.95, UserSatisfaction: 0.9},
			cfg:        cfgWith(model.ModeActive, 0.75, 0.8),
			wantLearn:  true,
			wantRisk:   model.RiskLow,
			wantAction: "REINFORCE_PATTERN",
			wantRule:   "high_quality_response",
		},
		{
			name:       "hybrid low quality",
			lc:         model.LearningContext{ResponseQuality: 0.5, UserSatisfaction: 0.4},
			cfg:        cfgWith(model.ModeHybrid, 0.75, 0.8),
			wantLearn:  false,
			wantRisk:   model.RiskHigh,
			wantAction: model.ActionObserve,
		},
		{
			name:       "hybrid quality gate blocks a confident rule",
			lc:         model.LearningContext{ResponseQuality: 0.85, UserSatisfaction: 0.8},
			cfg:        cfgWith(model.ModeHybrid, 0.75, 0.85),
			wantLearn:  false,
			wantRisk:   model.RiskMedium,
			wantAction: model.ActionObserve,
			wantRule:   "high_quality_response",
		},
		{
			name:       "hybrid both gates pass",
			lc:         model.LearningContext{ResponseQuality: 0.9, UserSatisfaction: 0.9},
			cfg:        cfgWith(model.ModeHybrid, 0.75, 0.8),
			wantLearn:  true,
			wantRisk:   model.RiskLow,
			wantAction: "REINFORCE_PATTERN",
			wantRule:   "high_quality_response",
		},
		{
			name:       "knowledge gap below threshold",
			lc:         model.LearningContext{ResponseQuality: 0.7, UserSatisfaction: 0.6, KnowledgeGaps: []string{"billing"}},
			cfg:        cfgWith(model.ModeActive, 0.75, 0.8),
			wantLearn:  false,
			wantRisk:   model.RiskHigh,
			wantAction: model.ActionObserve,
			wantRule:   "knowledge_gap",
		},
		{
			name:       "no rule matches",
			lc:         model.LearningContext{ResponseQuality: 0.7, UserSatisfaction: 0.3},
			cfg:        cfgWith(model.ModeActive, 0, 0),
			wantLearn:  false,
			wantRisk:   model.RiskHigh,
			wantAction: model.ActionObserve,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Evaluate(tt.lc, tt.cfg)
			assert.Equal(t, tt.wantLearn, d.ShouldLearn)
			assert.Equal(t, tt.wantRisk, d.RiskLevel)
			assert.Equal(t, tt.wantAction, d.SuggestedAction)
			assert.Equal(t, tt.wantRule, d.RuleName)
			assert.Equal(t, !d.ShouldLearn || tt.cfg.ReviewRequired, d.RequiresReview)
			assert.GreaterOrEqual(t, d.Confidence, 0.0)
			assert.LessOrEqual(t, d.Confidence, 1.0)
		})
	}
}

func TestEvaluateNoRuleMatchedReason(t *testing.T) {
	e, _ := newEngine(t, config.DefaultPolicy())
	d := e.Evaluate(model.LearningContext{ResponseQuality: 0.7, UserSatisfaction: 0.3}, cfgWith(model.ModeActive, 0.5, 0.5))
	assert.Equal(t, 0.0, d.Confidence)
	assert.Equal(t, ReasonObserveOnly, d.Reason)
	assert.Equal(t, LearningTypeNone, d.LearningType)
}

func TestEvaluateReviewRequired(t *testing.T) {
	e, _ := newEngine(t, config.DefaultPolicy())
	cfg := cfgWith(model.ModeActive, 0.5, 0.5)
	cfg.ReviewRequired = true
	d := e.Evaluate(model.LearningContext{ResponseQuality: 0.95, UserSatisfaction: 0.95}, cfg)
	assert.True(t, d.ShouldLearn)
	assert.True(t, d.RequiresReview)
}

func TestPassiveNeverLearns(t *testing.T) {
	e, _ := newEngine(t, config.DefaultPolicy())
	cfg := cfgWith(model.ModePassive, 0, 0)
	steps := []float64{0, 0.1, 0.3, 0.5, 0.7, 0.8, 0.9, 0.95, 1}
	for _, rq := range steps {
		for _, us := range steps {
			for _, gaps := range [][]string{nil, {"a"}} {
				for _, patterns := range [][]string{nil, {"p1", "p2"}} {
					d := e.Evaluate(model.LearningContext{ResponseQuality: rq, UserSatisfaction: us, KnowledgeGaps: gaps, Patterns: patterns}, cfg)
					require.False(t, d.ShouldLearn)
					require.True(t, d.RequiresReview)
					require.Equal(t, model.RiskLow, d.RiskLevel)
					require.Equal(t, model.ActionObserve, d.SuggestedAction)
				}
			}
		}
	}
}

func TestRiskFor(t *testing.T) {
	tests := []struct {
		c    float64
		want model.RiskLevel
	}{
		{1, model.RiskLow},
		{0.9, model.RiskLow},
		{0.899, model.RiskMedium},
		{0.7, model.RiskMedium},
		{0.69, model.RiskHigh},
		{0, model.RiskHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RiskFor(tt.c), "confidence %v", tt.c)
	}
}

func TestRuleEvaluationFailureIsFalse(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.LearningRules = append([]model.LearningRule{{
		Name:        "broken",
		Condition:   "type == 'FAQ'", // type is not bound for learning contexts
		Action:      "NEVER",
		Priority:    0,
		Enabled:     true,
		SuccessRate: 1,
	}}, policy.LearningRules...)
	e, _ := newEngine(t, policy)

	d := e.Evaluate(model.LearningContext{ResponseQuality: 0.95, UserSatisfaction: 0.95}, cfgWith(model.ModeActive, 0.5, 0.5))
	assert.True(t, d.ShouldLearn)
	assert.Equal(t, "high_quality_response", d.RuleName)
}

func TestDisabledRulesAreSkipped(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.LearningRules[0].Enabled = false
	e, _ := newEngine(t, policy)
	d := e.Evaluate(model.LearningContext{ResponseQuality: 0.95, UserSatisfaction: 0.95}, cfgWith(model.ModeActive, 0.5, 0.5))
	assert.NotEqual(t, "high_quality_response", d.RuleName)
}

func TestNewRejectsMalformedRule(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.LearningRules = []model.LearningRule{{Name: "bad", Condition: "responseQuality >"}}
	_, err := New(memstore.New(), policy, testutil.TestLogger())
	assert.Error(t, err)
}

type failingConfigs struct {
	memstore.Store
	calls atomic.Int32
}

func (f *failingConfigs) GetLearningConfiguration(context.Context, string) (model.LearningConfiguration, error) {
	f.calls.Add(1)
	return model.LearningConfiguration{}, errors.New("connection refused")
}

func TestDecideFallsBackToDefault(t *testing.T) {
	store := &failingConfigs{}
	e, err := New(store, config.DefaultPolicy(), testutil.TestLogger())
	require.NoError(t, err)

	d := e.Decide(context.Background(), model.LearningContext{AgentID: "a", ResponseQuality: 0.95, UserSatisfaction: 0.95})
	assert.Equal(t, model.ModeHybrid, d.Mode)
	assert.True(t, d.ShouldLearn)

	_, err = e.Configuration(context.Background(), "a")
	assert.ErrorIs(t, err, model.ErrConfigurationUnavailable)

	// Failures are not cached.
	e.Decide(context.Background(), model.LearningContext{AgentID: "a"})
	assert.GreaterOrEqual(t, store.calls.Load(), int32(3))
}

func TestDecideUsesStoredConfiguration(t *testing.T) {
	ctx := context.Background()
	e, store := newEngine(t, config.DefaultPolicy())
	require.NoError(t, store.UpsertLearningConfiguration(ctx, "a", cfgWith(model.ModePassive, 0.1, 0.1)))

	d := e.Decide(ctx, model.LearningContext{AgentID: "a", ResponseQuality: 1, UserSatisfaction: 1})
	assert.Equal(t, model.ModePassive, d.Mode)
	assert.False(t, d.ShouldLearn)

	d = e.Decide(ctx, model.LearningContext{AgentID: "b", ResponseQuality: 1, UserSatisfaction: 1})
	assert.Equal(t, model.ModeHybrid, d.Mode, "default for unconfigured agents")
}

func TestDecideCanceledContext(t *testing.T) {
	e, _ := newEngine(t, config.DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := e.Decide(ctx, model.LearningContext{AgentID: "a", ResponseQuality: 1, UserSatisfaction: 1})
	assert.False(t, d.ShouldLearn)
	assert.Equal(t, ReasonInsufficientEvidence, d.Reason)
}

type countingConfigs struct {
	*memstore.Store
	calls atomic.Int32
}

func (c *countingConfigs) GetLearningConfiguration(ctx context.Context, agentID string) (model.LearningConfiguration, error) {
	c.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	return c.Store.GetLearningConfiguration(ctx, agentID)
}

func TestConfigCacheAndInvalidate(t *testing.T) {
	ctx := context.Background()
	store := &countingConfigs{Store: memstore.New()}
	e, err := New(store, config.DefaultPolicy(), testutil.TestLogger())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Decide(ctx, model.LearningContext{AgentID: "a"})
		}()
	}
	wg.Wait()
	first := store.calls.Load()
	assert.Less(t, first, int32(10), "concurrent loads share reads")

	e.Decide(ctx, model.LearningContext{AgentID: "a"})
	assert.Equal(t, first, store.calls.Load(), "served from cache")

	mode := model.ModeActive
	cfg, err := e.UpdateConfiguration(ctx, "a", model.LearningConfigurationPatch{Mode: &mode})
	require.NoError(t, err)
	assert.Equal(t, model.ModeActive, cfg.Mode)

	d := e.Decide(ctx, model.LearningContext{AgentID: "a"})
	assert.Equal(t, model.ModeActive, d.Mode, "update invalidates the cache")
}

func TestUpdateConfigurationValidates(t *testing.T) {
	e, _ := newEngine(t, config.DefaultPolicy())
	bad := 1.5
	_, err := e.UpdateConfiguration(context.Background(), "a", model.LearningConfigurationPatch{ConfidenceThreshold: &bad})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}
