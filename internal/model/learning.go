package model

import (
	"fmt"
	"time"
)

// LearningMode is the autonomy level for an agent's learning.
type LearningMode string

const (
	// ModePassive observes only; nothing is learned without manual review.
	ModePassive LearningMode = "PASSIVE"
	// ModeActive learns whenever rule confidence clears the threshold.
	ModeActive LearningMode = "ACTIVE"
	// ModeHybrid additionally requires response quality to clear its threshold.
	ModeHybrid LearningMode = "HYBRID"
)

// Valid reports whether m is a known mode.
func (m LearningMode) Valid() bool {
	switch m {
	case ModePassive, ModeActive, ModeHybrid:
		return true
	}
	return false
}

// RiskLevel grades how risky it is to act on a learning decision.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// ActionObserve is the suggested action when nothing should be learned.
const ActionObserve = "OBSERVE"

// LearningContext is the Decision Engine input for one turn.
type LearningContext struct {
	ConversationID   string    `json:"conversation_id"`
	AgentID          string    `json:"agent_id"`
	UserID           string    `json:"user_id"`
	Intent           string    `json:"intent,omitempty"`
	ResponseQuality  float64   `json:"response_quality"`
	UserSatisfaction float64   `json:"user_satisfaction"`
	KnowledgeGaps    []string  `json:"knowledge_gaps,omitempty"`
	Patterns         []string  `json:"patterns,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// LearningConfiguration is the per-agent learning policy.
type LearningConfiguration struct {
	Mode                 LearningMode  `json:"mode"`
	ConfidenceThreshold  float64       `json:"confidence_threshold"`
	QualityThreshold     float64       `json:"quality_threshold"`
	AutoUpdateEnabled    bool          `json:"auto_update_enabled"`
	ReviewRequired       bool          `json:"review_required"`
	Triggers             []string      `json:"triggers"`
	BatchSize            int           `json:"batch_size"`
	UpdateFrequency      time.Duration `json:"update_frequency"`
	UserApprovalRequired bool          `json:"user_approval_required"`
}

// Validate checks ranges and enum values.
func (c LearningConfiguration) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("mode must be one of PASSIVE, ACTIVE, HYBRID (got %q)", c.Mode)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be between 0 and 1")
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		return fmt.Errorf("quality_threshold must be between 0 and 1")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size must not be negative")
	}
	if c.UpdateFrequency < 0 {
		return fmt.Errorf("update_frequency must not be negative")
	}
	return nil
}

// LearningConfigurationPatch is a partial configuration update.
// Nil fields are left unchanged.
type LearningConfigurationPatch struct {
	Mode                 *LearningMode  `json:"mode,omitempty"`
	ConfidenceThreshold  *float64       `json:"confidence_threshold,omitempty"`
	QualityThreshold     *float64       `json:"quality_threshold,omitempty"`
	AutoUpdateEnabled    *bool          `json:"auto_update_enabled,omitempty"`
	ReviewRequired       *bool          `json:"review_required,omitempty"`
	Triggers             []string       `json:"triggers,omitempty"`
	BatchSize            *int           `json:"batch_size,omitempty"`
	UpdateFrequency      *time.Duration `json:"update_frequency,omitempty"`
	UserApprovalRequired *bool          `json:"user_approval_required,omitempty"`
}

// Apply returns c with the patch applied.
func (p LearningConfigurationPatch) Apply(c LearningConfiguration) LearningConfiguration {
	if p.Mode != nil {
		c.Mode = *p.Mode
	}
	if p.ConfidenceThreshold != nil {
		c.ConfidenceThreshold = *p.ConfidenceThreshold
	}
	if p.QualityThreshold != nil {
		c.QualityThreshold = *p.QualityThreshold
	}
	if p.AutoUpdateEnabled != nil {
		c.AutoUpdateEnabled = *p.AutoUpdateEnabled
	}
	if p.ReviewRequired != nil {
		c.ReviewRequired = *p.ReviewRequired
	}
	if p.Triggers != nil {
		c.Triggers = p.Triggers
	}
	if p.BatchSize != nil {
		c.BatchSize = *p.BatchSize
	}
	if p.UpdateFrequency != nil {
		c.UpdateFrequency = *p.UpdateFrequency
	}
	if p.UserApprovalRequired != nil {
		c.UserApprovalRequired = *p.UserApprovalRequired
	}
	return c
}

// LearningRule maps a condition over a LearningContext to a learning action.
type LearningRule struct {
	Name         string  `json:"name"`
	Condition    string  `json:"condition"`
	Action       string  `json:"action"`
	Priority     int     `json:"priority"`
	Enabled      bool    `json:"enabled"`
	SuccessRate  float64 `json:"success_rate"`
	LearningType string  `json:"learning_type,omitempty"`
}

// UpdateRule maps a condition over a candidate update to an approval policy.
type UpdateRule struct {
	Name                string  `json:"name"`
	Condition           string  `json:"condition"`
	Action              string  `json:"action"`
	Priority            int     `json:"priority"`
	Enabled             bool    `json:"enabled"`
	AutoApprove         bool    `json:"auto_approve"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	SuccessRate         float64 `json:"success_rate"`
}

// LearningDecision is the Decision Engine output. It is not persisted.
type LearningDecision struct {
	ShouldLearn     bool         `json:"should_learn"`
	Confidence      float64      `json:"confidence"`
	Reason          string       `json:"reason"`
	SuggestedAction string       `json:"suggested_action"`
	RequiresReview  bool         `json:"requires_review"`
	LearningType    string       `json:"learning_type"`
	RiskLevel       RiskLevel    `json:"risk_level"`
	Mode            LearningMode `json:"mode"`
	RuleName        string       `json:"rule_name,omitempty"`
}
