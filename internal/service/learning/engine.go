// Package learning decides, per conversation turn, whether anything should
// be learned and how much human review it needs.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/manabi/internal/config"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/rules"
	"github.com/ashita-ai/manabi/internal/storage"
	"github.com/ashita-ai/manabi/internal/telemetry"
)

// Reasons reported on decisions that did not come from a rule.
const (
	ReasonObserveOnly          = "observe only: no learning rule matched"
	ReasonPassive              = "passive mode: observing for manual review"
	ReasonInsufficientEvidence = "insufficient evidence"
)

// LearningTypeNone tags decisions where no rule matched.
const LearningTypeNone = "none"

// Risk band lower bounds. Both are inclusive.
const (
	riskLowFloor    = 0.9
	riskMediumFloor = 0.7
)

type compiledRule struct {
	model.LearningRule
	cond *rules.Condition
}

type cachedConfig struct {
	cfg     model.LearningConfiguration
	expires time.Time
}

// Engine is the learning decision engine. It is safe for concurrent use.
type Engine struct {
	configs storage.ConfigStore
	policy  config.LearningPolicy
	rules   []compiledRule
	logger  *slog.Logger

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cachedConfig
	now   func() time.Time

	decisions metric.Int64Counter
	ruleErrs  metric.Int64Counter
}

// New compiles the policy's learning rules. Disabled rules are compiled too
// so a malformed table fails at startup.
func New(configs storage.ConfigStore, policy config.LearningPolicy, logger *slog.Logger) (*Engine, error) {
	compiled := make([]compiledRule, 0, len(policy.LearningRules))
	for _, r := range policy.LearningRules {
		c, err := rules.Compile(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("learning: rule %q: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{LearningRule: r, cond: c})
	}
	sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].Priority < compiled[j].Priority })

	meter := telemetry.Meter("manabi/learning")
	decisions, _ := meter.Int64Counter("manabi.learning.decisions",
		metric.WithDescription("Learning decisions by mode and outcome"),
	)
	ruleErrs, _ := meter.Int64Counter("manabi.learning.rule_errors",
		metric.WithDescription("Learning rule conditions that failed to evaluate"),
	)
	return &Engine{
		configs:   configs,
		policy:    policy,
		rules:     compiled,
		logger:    logger,
		cache:     make(map[string]cachedConfig),
		now:       time.Now,
		decisions: decisions,
		ruleErrs:  ruleErrs,
	}, nil
}

// Decide loads the agent's configuration and evaluates lc against it. It
// never fails: an unreadable configuration falls back to the policy default
// and a canceled or expired ctx yields an insufficient-evidence decision.
func (e *Engine) Decide(ctx context.Context, lc model.LearningContext) model.LearningDecision {
	cfg := e.loadConfig(ctx, lc.AgentID)
	if ctx.Err() != nil {
		e.logger.Warn("learning: decision deadline exceeded",
			"agent_id", lc.AgentID,
			"conversation_id", lc.ConversationID,
			"error", ctx.Err(),
		)
		d := InsufficientEvidence(cfg.Mode)
		e.record(ctx, d)
		return d
	}
	d := e.Evaluate(lc, cfg)
	e.record(ctx, d)
	e.logger.Debug("learning: decision",
		"agent_id", lc.AgentID,
		"conversation_id", lc.ConversationID,
		"mode", d.Mode,
		"should_learn", d.ShouldLearn,
		"confidence", d.Confidence,
		"rule", d.RuleName,
	)
	return d
}

// Evaluate is the pure decision: rule selection then mode dispatch.
func (e *Engine) Evaluate(lc model.LearningContext, cfg model.LearningConfiguration) model.LearningDecision {
	d := model.LearningDecision{
		Mode:            cfg.Mode,
		Reason:          ReasonObserveOnly,
		SuggestedAction: model.ActionObserve,
		LearningType:    LearningTypeNone,
	}

	action := model.ActionObserve
	if top, ok := e.topRule(lc); ok {
		d.Confidence = model.Clamp01(min(lc.ResponseQuality, lc.UserSatisfaction, top.SuccessRate))
		d.Reason = fmt.Sprintf("rule %s matched", top.Name)
		d.LearningType = top.LearningType
		d.RuleName = top.Name
		action = top.Action
	}

	switch cfg.Mode {
	case model.ModePassive:
		d.ShouldLearn = false
		d.RequiresReview = true
		d.RiskLevel = model.RiskLow
		d.SuggestedAction = model.ActionObserve
		d.Reason = ReasonPassive
		return d

	case model.ModeActive:
		d.ShouldLearn = d.Confidence > cfg.ConfidenceThreshold

	default: // HYBRID, and any unknown mode stored before validation existed
		d.Mode = model.ModeHybrid
		quality := (lc.ResponseQuality + lc.UserSatisfaction) / 2
		d.ShouldLearn = d.Confidence > cfg.ConfidenceThreshold && quality > cfg.QualityThreshold
	}

	if d.ShouldLearn {
		d.SuggestedAction = action
	} else {
		d.SuggestedAction = model.ActionObserve
	}
	d.RequiresReview = !d.ShouldLearn || cfg.ReviewRequired
	d.RiskLevel = RiskFor(d.Confidence)
	return d
}

// topRule returns the highest-priority enabled rule whose condition holds.
// A condition that fails to evaluate counts as false.
func (e *Engine) topRule(lc model.LearningContext) (compiledRule, bool) {
	env := Env(lc)
	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		ok, err := r.cond.Eval(env)
		if err != nil {
			e.ruleErrs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("rule", r.Name)))
			e.logger.Warn("learning: rule evaluation failed, treating as false",
				"rule", r.Name,
				"agent_id", lc.AgentID,
				"error", err,
			)
			continue
		}
		if ok {
			return r, true
		}
	}
	return compiledRule{}, false
}

// Env binds a learning context to rule variables.
func Env(lc model.LearningContext) rules.Env {
	return rules.Env{
		rules.VarResponseQuality:  lc.ResponseQuality,
		rules.VarUserSatisfaction: lc.UserSatisfaction,
		rules.VarKnowledgeGaps:    len(lc.KnowledgeGaps),
		rules.VarPatterns:         len(lc.Patterns),
	}
}

// RiskFor maps a confidence to a risk level.
func RiskFor(confidence float64) model.RiskLevel {
	switch {
	case confidence >= riskLowFloor:
		return model.RiskLow
	case confidence >= riskMediumFloor:
		return model.RiskMedium
	default:
		return model.RiskHigh
	}
}

// InsufficientEvidence is the decision used when a turn could not be
// evaluated in time.
func InsufficientEvidence(mode model.LearningMode) model.LearningDecision {
	return model.LearningDecision{
		ShouldLearn:     false,
		Reason:          ReasonInsufficientEvidence,
		SuggestedAction: model.ActionObserve,
		RequiresReview:  true,
		LearningType:    LearningTypeNone,
		RiskLevel:       model.RiskHigh,
		Mode:            mode,
	}
}

func (e *Engine) record(ctx context.Context, d model.LearningDecision) {
	e.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", string(d.Mode)),
		attribute.Bool("should_learn", d.ShouldLearn),
		attribute.String("risk", string(d.RiskLevel)),
	))
}
