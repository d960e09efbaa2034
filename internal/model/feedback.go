package model

import (
	"time"

	"github.com/google/uuid"
)

// Polarity is the direction of a learning signal.
type Polarity string

const (
	PolarityPositive Polarity = "positive"
	PolarityNegative Polarity = "negative"
	PolarityNeutral  Polarity = "neutral"
)

// DefaultMaxRating is the rating scale used when explicit feedback omits one.
const DefaultMaxRating = 5

// ExplicitFeedback is what the user said about a turn: a rating and/or a comment.
type ExplicitFeedback struct {
	Rating    *float64 `json:"rating,omitempty"`
	MaxRating float64  `json:"max_rating,omitempty"`
	Category  string   `json:"category,omitempty"`
	Comment   string   `json:"comment,omitempty"`
}

// NormalizedRating returns rating/maxRating clamped to [0,1] and true when a
// rating is present.
func (e *ExplicitFeedback) NormalizedRating() (float64, bool) {
	if e == nil || e.Rating == nil {
		return 0, false
	}
	maxRating := e.MaxRating
	if maxRating <= 0 {
		maxRating = DefaultMaxRating
	}
	return Clamp01(*e.Rating / maxRating), true
}

// ImplicitMetrics are behavioral signals derived from the conversation itself.
type ImplicitMetrics struct {
	ResponseTimeMs    int64   `json:"response_time_ms"`
	EngagementScore   float64 `json:"engagement_score"`
	FollowUpCount     int     `json:"follow_up_count"`
	Continued         bool    `json:"continued"`
	TaskCompleted     bool    `json:"task_completed"`
	SessionDurationMs int64   `json:"session_duration_ms"`
}

// ImplicitOverrides lets a caller replace individual computed implicit metrics.
type ImplicitOverrides struct {
	ResponseTimeMs    *int64   `json:"response_time_ms,omitempty"`
	EngagementScore   *float64 `json:"engagement_score,omitempty"`
	FollowUpCount     *int     `json:"follow_up_count,omitempty"`
	Continued         *bool    `json:"continued,omitempty"`
	TaskCompleted     *bool    `json:"task_completed,omitempty"`
	SessionDurationMs *int64   `json:"session_duration_ms,omitempty"`
}

// Apply returns m with every non-nil override copied over it.
func (o *ImplicitOverrides) Apply(m ImplicitMetrics) ImplicitMetrics {
	if o == nil {
		return m
	}
	if o.ResponseTimeMs != nil {
		m.ResponseTimeMs = *o.ResponseTimeMs
	}
	if o.EngagementScore != nil {
		m.EngagementScore = Clamp01(*o.EngagementScore)
	}
	if o.FollowUpCount != nil {
		m.FollowUpCount = *o.FollowUpCount
	}
	if o.Continued != nil {
		m.Continued = *o.Continued
	}
	if o.TaskCompleted != nil {
		m.TaskCompleted = *o.TaskCompleted
	}
	if o.SessionDurationMs != nil {
		m.SessionDurationMs = *o.SessionDurationMs
	}
	return m
}

// FeedbackContext describes the turn the feedback is about.
type FeedbackContext struct {
	UserMessage        string   `json:"user_message"`
	AgentReply         string   `json:"agent_reply"`
	Stage              string   `json:"stage,omitempty"`
	Intent             string   `json:"intent,omitempty"`
	Topics             []string `json:"topics,omitempty"`
	Sentiment          float64  `json:"sentiment"`
	Complexity         float64  `json:"complexity"`
	RetrievalUsed      bool     `json:"retrieval_used"`
	RetrievalRelevance float64  `json:"retrieval_relevance"`
	Provider           string   `json:"provider,omitempty"`
	Model              string   `json:"model,omitempty"`
	LatencyMs          int64    `json:"latency_ms"`
	PromptTokens       int      `json:"prompt_tokens"`
	CompletionTokens   int      `json:"completion_tokens"`
	CostUSD            float64  `json:"cost_usd"`
	KnowledgeGaps      []string `json:"knowledge_gaps,omitempty"`
	Patterns           []string `json:"patterns,omitempty"`
}

// ContextOverrides lets a caller replace individual context fields.
type ContextOverrides struct {
	Stage              *string  `json:"stage,omitempty"`
	Intent             *string  `json:"intent,omitempty"`
	Topics             []string `json:"topics,omitempty"`
	Sentiment          *float64 `json:"sentiment,omitempty"`
	Complexity         *float64 `json:"complexity,omitempty"`
	RetrievalUsed      *bool    `json:"retrieval_used,omitempty"`
	RetrievalRelevance *float64 `json:"retrieval_relevance,omitempty"`
	Provider           *string  `json:"provider,omitempty"`
	Model              *string  `json:"model,omitempty"`
	KnowledgeGaps      []string `json:"knowledge_gaps,omitempty"`
	Patterns           []string `json:"patterns,omitempty"`
	CostUSD            *float64 `json:"cost_usd,omitempty"`
}

// Apply returns c with every non-nil override copied over it.
func (o *ContextOverrides) Apply(c FeedbackContext) FeedbackContext {
	if o == nil {
		return c
	}
	if o.Stage != nil {
		c.Stage = *o.Stage
	}
	if o.Intent != nil {
		c.Intent = *o.Intent
	}
	if o.Topics != nil {
		c.Topics = o.Topics
	}
	if o.Sentiment != nil {
		c.Sentiment = *o.Sentiment
	}
	if o.Complexity != nil {
		c.Complexity = *o.Complexity
	}
	if o.RetrievalUsed != nil {
		c.RetrievalUsed = *o.RetrievalUsed
	}
	if o.RetrievalRelevance != nil {
		c.RetrievalRelevance = Clamp01(*o.RetrievalRelevance)
	}
	if o.Provider != nil {
		c.Provider = *o.Provider
	}
	if o.Model != nil {
		c.Model = *o.Model
	}
	if o.KnowledgeGaps != nil {
		c.KnowledgeGaps = o.KnowledgeGaps
	}
	if o.Patterns != nil {
		c.Patterns = o.Patterns
	}
	if o.CostUSD != nil {
		c.CostUSD = *o.CostUSD
	}
	return c
}

// Quality dimension names, used as improvement areas.
const (
	DimensionAccuracy     = "accuracy"
	DimensionRelevance    = "relevance"
	DimensionCompleteness = "completeness"
	DimensionSatisfaction = "satisfaction"
)

// QualityAssessment holds the four 0-1 quality scores for a turn.
type QualityAssessment struct {
	Accuracy         float64  `json:"accuracy"`
	Relevance        float64  `json:"relevance"`
	Completeness     float64  `json:"completeness"`
	Satisfaction     float64  `json:"satisfaction"`
	ImprovementAreas []string `json:"improvement_areas"`
	NeedsImprovement bool     `json:"needs_improvement"`
}

// ResponseQuality is the mean of accuracy, relevance and completeness.
func (q QualityAssessment) ResponseQuality() float64 {
	return Clamp01((q.Accuracy + q.Relevance + q.Completeness) / 3)
}

// LearningSignal summarizes whether a turn carries something worth learning.
type LearningSignal struct {
	ShouldLearn           bool     `json:"should_learn"`
	Confidence            float64  `json:"confidence"`
	Polarity              Polarity `json:"polarity"`
	KeyLearnings          []string `json:"key_learnings"`
	SuggestedImprovements []string `json:"suggested_improvements"`
}

// FeedbackRecord is the normalized feedback for one conversation turn.
// It is immutable once created.
type FeedbackRecord struct {
	ID             uuid.UUID         `json:"id"`
	ConversationID string            `json:"conversation_id"`
	MessageID      string            `json:"message_id"`
	UserID         string            `json:"user_id"`
	AgentID        string            `json:"agent_id"`
	Explicit       *ExplicitFeedback `json:"explicit,omitempty"`
	Implicit       ImplicitMetrics   `json:"implicit"`
	Context        FeedbackContext   `json:"context"`
	Quality        QualityAssessment `json:"quality"`
	Signal         LearningSignal    `json:"signal"`
	CreatedAt      time.Time         `json:"created_at"`
}

// LearningContext derives the Decision Engine input from the record.
func (f FeedbackRecord) LearningContext() LearningContext {
	return LearningContext{
		ConversationID:   f.ConversationID,
		AgentID:          f.AgentID,
		UserID:           f.UserID,
		Intent:           f.Context.Intent,
		ResponseQuality:  f.Quality.ResponseQuality(),
		UserSatisfaction: f.Quality.Satisfaction,
		KnowledgeGaps:    f.Context.KnowledgeGaps,
		Patterns:         f.Context.Patterns,
		Timestamp:        f.CreatedAt,
	}
}

// Clamp01 limits v to [0,1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
