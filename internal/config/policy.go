package config

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/rules"
)

// PolicyVersion identifies the built-in policy constants below. Bump it
// whenever a default changes so decisions can be traced to the policy
// that produced them.
const PolicyVersion = "2026-10.1"

// LearningPolicy gathers the tuning constants the learning and update
// engines depend on. It is built once at startup and passed by value.
type LearningPolicy struct {
	Version string

	// AutoApproveThreshold approves any constructed update whose confidence
	// reaches it, regardless of update rules.
	AutoApproveThreshold float64
	// OverlapThreshold is the token Jaccard similarity at which two updates
	// of the same type count as duplicates.
	OverlapThreshold float64
	// TypePriors is the base confidence per knowledge type.
	TypePriors map[model.KnowledgeType]float64
	// EvidenceBonusStep and EvidenceBonusMax bound the confidence bonus per
	// evidence entry.
	EvidenceBonusStep float64
	EvidenceBonusMax  float64

	// DefaultConfiguration applies to agents without a stored configuration
	// and whenever the stored one cannot be read.
	DefaultConfiguration model.LearningConfiguration

	LearningRules []model.LearningRule
	UpdateRules   []model.UpdateRule

	// TurnTimeout bounds the asynchronous learning work for one turn.
	TurnTimeout       time.Duration
	DispatchQueueSize int
	DispatchWorkers   int
	SchedulerInterval time.Duration
	ConfigCacheTTL    time.Duration
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() LearningPolicy {
	return LearningPolicy{
		Version:              PolicyVersion,
		AutoApproveThreshold: 0.9,
		OverlapThreshold:     0.8,
		TypePriors: map[model.KnowledgeType]float64{
			model.KnowledgeFAQ:        0.85,
			model.KnowledgeExample:    0.85,
			model.KnowledgeSolution:   0.8,
			model.KnowledgeProcedure:  0.75,
			model.KnowledgeFact:       0.75,
			model.KnowledgeConceptual: 0.6,
			model.KnowledgePattern:    0.6,
		},
		EvidenceBonusStep: 0.05,
		EvidenceBonusMax:  0.2,
		DefaultConfiguration: model.LearningConfiguration{
			Mode:                model.ModeHybrid,
			ConfidenceThreshold: 0.75,
			QualityThreshold:    0.8,
			AutoUpdateEnabled:   false,
			ReviewRequired:      true,
			Triggers:            []string{"feedback", "conversation"},
			BatchSize:           25,
			UpdateFrequency:     time.Hour,
		},
		LearningRules:     DefaultLearningRules(),
		UpdateRules:       DefaultUpdateRules(),
		TurnTimeout:       10 * time.Second,
		DispatchQueueSize: 1000,
		DispatchWorkers:   4,
		SchedulerInterval: time.Minute,
		ConfigCacheTTL:    30 * time.Second,
	}
}

// DefaultLearningRules is the built-in learning rule table.
func DefaultLearningRules() []model.LearningRule {
	return []model.LearningRule{
		{
			Name:         "high_quality_response",
			Condition:    "responseQuality >= 0.8 && userSatisfaction >= 0.8",
			Action:       "REINFORCE_PATTERN",
			Priority:     1,
			Enabled:      true,
			SuccessRate:  0.92,
			LearningType: "reinforcement",
		},
		{
			Name:         "knowledge_gap",
			Condition:    "knowledgeGaps.length > 0 && userSatisfaction >= 0.5",
			Action:       "FILL_KNOWLEDGE_GAP",
			Priority:     2,
			Enabled:      true,
			SuccessRate:  0.75,
			LearningType: "gap_filling",
		},
		{
			Name:         "recurring_pattern",
			Condition:    "patterns.length >= 2",
			Action:       "EXTRACT_PATTERN",
			Priority:     3,
			Enabled:      true,
			SuccessRate:  0.7,
			LearningType: "pattern_extraction",
		},
		{
			Name:         "low_quality_correction",
			Condition:    "responseQuality < 0.5",
			Action:       "FLAG_FOR_CORRECTION",
			Priority:     4,
			Enabled:      true,
			SuccessRate:  0.6,
			LearningType: "correction",
		},
	}
}

// DefaultUpdateRules is the built-in update rule table.
func DefaultUpdateRules() []model.UpdateRule {
	return []model.UpdateRule{
		{
			Name:                "corroborated_faq",
			Condition:           "(type == 'FAQ' || type == 'EXAMPLE') && evidence.length >= 2",
			Action:              "AUTO_APPROVE",
			Priority:            1,
			Enabled:             true,
			AutoApprove:         true,
			ConfidenceThreshold: 0.8,
			SuccessRate:         0.9,
		},
		{
			Name:                "reviewed_solution",
			Condition:           "type == 'SOLUTION' && source == 'feedback'",
			Action:              "AUTO_APPROVE",
			Priority:            2,
			Enabled:             true,
			AutoApprove:         true,
			ConfidenceThreshold: 0.85,
			SuccessRate:         0.85,
		},
		{
			Name:                "pattern_review",
			Condition:           "type == 'PATTERN' || type == 'CONCEPTUAL'",
			Action:              "QUEUE_FOR_REVIEW",
			Priority:            3,
			Enabled:             true,
			AutoApprove:         false,
			ConfidenceThreshold: 1,
			SuccessRate:         0.7,
		},
	}
}

// Prior returns the base confidence for t, or the lowest prior for unknown types.
func (p LearningPolicy) Prior(t model.KnowledgeType) float64 {
	if v, ok := p.TypePriors[t]; ok {
		return v
	}
	lowest := 1.0
	for _, v := range p.TypePriors {
		lowest = min(lowest, v)
	}
	return lowest
}

// Validate checks thresholds, sizes and that every rule condition compiles.
func (p LearningPolicy) Validate() error {
	if p.AutoApproveThreshold < 0 || p.AutoApproveThreshold > 1 {
		return fmt.Errorf("policy: auto-approve threshold must be between 0 and 1")
	}
	if p.OverlapThreshold <= 0 || p.OverlapThreshold > 1 {
		return fmt.Errorf("policy: overlap threshold must be in (0, 1]")
	}
	if p.TurnTimeout <= 0 {
		return fmt.Errorf("policy: turn timeout must be positive")
	}
	if p.DispatchQueueSize <= 0 || p.DispatchWorkers <= 0 {
		return fmt.Errorf("policy: dispatch queue size and workers must be positive")
	}
	if p.SchedulerInterval <= 0 {
		return fmt.Errorf("policy: scheduler interval must be positive")
	}
	if err := p.DefaultConfiguration.Validate(); err != nil {
		return fmt.Errorf("policy: default configuration: %w", err)
	}
	for _, r := range p.LearningRules {
		if _, err := rules.Compile(r.Condition); err != nil {
			return fmt.Errorf("policy: learning rule %q: %w", r.Name, err)
		}
		if r.SuccessRate < 0 || r.SuccessRate > 1 {
			return fmt.Errorf("policy: learning rule %q: success rate must be between 0 and 1", r.Name)
		}
	}
	for _, r := range p.UpdateRules {
		if _, err := CompileUpdateRule(r); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
	}
	return nil
}

// CompileUpdateRule compiles the condition of r. An auto-approving rule
// must gate confidence through ConfidenceThreshold only: a condition that
// reads confidence could refuse an update that a lower confidence would
// have passed.
func CompileUpdateRule(r model.UpdateRule) (*rules.Condition, error) {
	cond, err := rules.Compile(r.Condition)
	if err != nil {
		return nil, fmt.Errorf("update rule %q: %w", r.Name, err)
	}
	if r.AutoApprove && slices.Contains(cond.References(), rules.VarConfidence) {
		return nil, fmt.Errorf("update rule %q: auto-approve condition must not read %s, use confidence_threshold", r.Name, rules.VarConfidence)
	}
	return cond, nil
}

// RuleSet is the on-disk shape of a rule override file.
type RuleSet struct {
	LearningRules []model.LearningRule `json:"learning_rules"`
	UpdateRules   []model.UpdateRule   `json:"update_rules"`
}

// LoadRuleSet reads a JSON rule set from path.
func LoadRuleSet(path string) (RuleSet, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return RuleSet{}, fmt.Errorf("config: read rules file: %w", err)
	}
	var set RuleSet
	if err := json.Unmarshal(data, &set); err != nil {
		return RuleSet{}, fmt.Errorf("config: parse rules file %s: %w", path, err)
	}
	return set, nil
}

// WithRules returns p with the non-empty tables of set replacing its own.
func (p LearningPolicy) WithRules(set RuleSet) LearningPolicy {
	if len(set.LearningRules) > 0 {
		p.LearningRules = set.LearningRules
	}
	if len(set.UpdateRules) > 0 {
		p.UpdateRules = set.UpdateRules
	}
	return p
}
