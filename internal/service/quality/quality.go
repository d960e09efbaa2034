// Package quality derives quality scores and a learning signal for one
// conversation turn. Everything here is a pure function of its inputs.
package quality

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/manabi/internal/model"
)

// Baseline scores used when the user gave no explicit rating.
const (
	DefaultAccuracy     = 0.8
	DefaultRelevance    = 0.8
	DefaultCompleteness = 0.7
	DefaultSatisfaction = 0.7

	// ImprovementThreshold is the score below which a dimension is flagged.
	ImprovementThreshold = 0.7

	negativeSentiment = -0.3
	sentimentDamping  = 0.7
)

// Assess computes the four quality scores for a turn.
//
// Scoring:
//   - Defaults: accuracy 0.8, relevance 0.8, completeness 0.7, satisfaction 0.7
//   - Explicit rating: all four collapse to rating/maxRating
//   - Sentiment below -0.3: satisfaction x0.7
//   - Retrieval used: relevance raised to at least the retrieval relevance
//   - Improvement areas: every dimension below 0.7
func Assess(explicit *model.ExplicitFeedback, ctx model.FeedbackContext) model.QualityAssessment {
	q := model.QualityAssessment{
		Accuracy:     DefaultAccuracy,
		Relevance:    DefaultRelevance,
		Completeness: DefaultCompleteness,
		Satisfaction: DefaultSatisfaction,
	}

	if r, ok := explicit.NormalizedRating(); ok {
		q.Accuracy, q.Relevance, q.Completeness, q.Satisfaction = r, r, r, r
	}

	if ctx.Sentiment < negativeSentiment {
		q.Satisfaction *= sentimentDamping
	}

	if ctx.RetrievalUsed {
		q.Relevance = max(q.Relevance, ctx.RetrievalRelevance)
	}

	q.Accuracy = model.Clamp01(q.Accuracy)
	q.Relevance = model.Clamp01(q.Relevance)
	q.Completeness = model.Clamp01(q.Completeness)
	q.Satisfaction = model.Clamp01(q.Satisfaction)

	q.ImprovementAreas = []string{}
	for _, dim := range []struct {
		name  string
		score float64
	}{
		{model.DimensionAccuracy, q.Accuracy},
		{model.DimensionRelevance, q.Relevance},
		{model.DimensionCompleteness, q.Completeness},
		{model.DimensionSatisfaction, q.Satisfaction},
	} {
		if dim.score < ImprovementThreshold {
			q.ImprovementAreas = append(q.ImprovementAreas, dim.name)
		}
	}
	q.NeedsImprovement = len(q.ImprovementAreas) > 0
	return q
}

var improvementHints = map[string]string{
	model.DimensionAccuracy:     "verify facts against the knowledge base before answering",
	model.DimensionRelevance:    "retrieve sources closer to the user's question",
	model.DimensionCompleteness: "cover the remaining parts of the request",
	model.DimensionSatisfaction: "adjust tone and follow up on the user's concern",
}

// Signal summarizes whether the turn carries something worth learning.
//
// Polarity is positive when the mean quality score is at least 0.8 or the
// task was completed without improvement areas, negative when the mean is
// below 0.5 or the user left a critical rating, and neutral otherwise.
// Confidence starts at 0.6 and rises with an explicit rating (+0.25), task
// completion (+0.1) and engagement (up to +0.05).
func Signal(q model.QualityAssessment, explicit *model.ExplicitFeedback, implicit model.ImplicitMetrics, ctx model.FeedbackContext) model.LearningSignal {
	mean := (q.Accuracy + q.Relevance + q.Completeness + q.Satisfaction) / 4
	rating, rated := explicit.NormalizedRating()

	polarity := model.PolarityNeutral
	switch {
	case mean < 0.5 || (rated && rating < 0.5):
		polarity = model.PolarityNegative
	case mean >= 0.8 || (implicit.TaskCompleted && !q.NeedsImprovement):
		polarity = model.PolarityPositive
	}

	confidence := 0.6
	if rated {
		confidence += 0.25
	}
	if implicit.TaskCompleted {
		confidence += 0.1
	}
	confidence += 0.05 * model.Clamp01(implicit.EngagementScore)

	s := model.LearningSignal{
		Confidence:            model.Clamp01(confidence),
		Polarity:              polarity,
		KeyLearnings:          []string{},
		SuggestedImprovements: []string{},
	}

	subject := ctx.Intent
	if subject == "" && len(ctx.Topics) > 0 {
		subject = strings.Join(ctx.Topics, ", ")
	}
	if subject == "" {
		subject = "this request"
	}

	switch polarity {
	case model.PolarityPositive:
		s.KeyLearnings = append(s.KeyLearnings, fmt.Sprintf("response to %s met the user's needs", subject))
	case model.PolarityNegative:
		s.KeyLearnings = append(s.KeyLearnings, fmt.Sprintf("response to %s fell short", subject))
	}
	for _, gap := range ctx.KnowledgeGaps {
		s.KeyLearnings = append(s.KeyLearnings, "knowledge gap: "+gap)
	}
	if explicit != nil && strings.TrimSpace(explicit.Comment) != "" {
		s.KeyLearnings = append(s.KeyLearnings, "user comment: "+strings.TrimSpace(explicit.Comment))
	}
	for _, area := range q.ImprovementAreas {
		s.SuggestedImprovements = append(s.SuggestedImprovements, improvementHints[area])
	}

	s.ShouldLearn = polarity != model.PolarityNeutral || len(ctx.KnowledgeGaps) > 0
	return s
}
