// Package analysis is the default context analyzer. It derives stage,
// intent, topics, sentiment and knowledge gaps from a conversation using
// word lists only; deployments with a real NLU service plug that in
// instead through feedback.ContextAnalyzer.
package analysis

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/ashita-ai/manabi/internal/model"
)

// Conversation stages.
const (
	StageOpening     = "opening"
	StageExploration = "exploration"
	StageResolution  = "resolution"
	StageClosing     = "closing"
)

// Intents.
const (
	IntentQuestion  = "question"
	IntentRequest   = "request"
	IntentComplaint = "complaint"
	IntentStatement = "statement"
)

var positiveWords = map[string]bool{
	"thanks": true, "thank": true, "great": true, "perfect": true, "helpful": true,
	"works": true, "solved": true, "awesome": true, "good": true, "love": true,
	"excellent": true, "nice": true, "clear": true,
}

var negativeWords = map[string]bool{
	"wrong": true, "broken": true, "useless": true, "bad": true, "not": true,
	"doesn't": true, "didn't": true, "error": true, "fails": true, "failed": true,
	"confusing": true, "terrible": true, "frustrating": true, "still": true,
}

var requestPrefixes = []string{"please", "can you", "could you", "would you", "help me", "show me", "how to", "i need"}

var closingWords = []string{"thanks", "thank you", "bye", "that's all", "solved", "got it"}

var uncertaintyPhrases = []string{
	"i don't know",
	"i do not know",
	"not sure",
	"i'm not certain",
	"unable to find",
	"no information",
	"i couldn't find",
	"i can't find",
}

var stopWords = map[string]bool{
	"about": true, "after": true, "again": true, "there": true, "their": true,
	"these": true, "those": true, "which": true, "would": true, "could": true,
	"should": true, "where": true, "while": true, "thanks": true, "thank": true,
	"please": true, "other": true, "still": true, "doesn't": true, "really": true,
}

// topicCount is how many topics are reported per turn.
const topicCount = 3

// HeuristicAnalyzer implements feedback.ContextAnalyzer.
type HeuristicAnalyzer struct{}

// New creates a HeuristicAnalyzer.
func New() *HeuristicAnalyzer { return &HeuristicAnalyzer{} }

// Analyze inspects the turn at index msg and the conversation around it.
func (HeuristicAnalyzer) Analyze(_ context.Context, conv model.Conversation, msg int) (model.ContextAnalysis, error) {
	var a model.ContextAnalysis
	if msg < 0 || msg >= len(conv.Messages) {
		return a, nil
	}

	user := lastUserTurn(conv.Messages, msg)
	text := strings.ToLower(user)

	a.Stage = stage(conv.Messages)
	a.Intent = intent(text)
	a.Topics = topics(user, topicCount)
	a.Sentiment = Sentiment(user)
	a.Complexity = model.Clamp01(float64(len(strings.Fields(user))) / 50)

	for i := msg; i < len(conv.Messages); i++ {
		m := conv.Messages[i]
		if m.Role != model.RoleAssistant {
			continue
		}
		if used, ok := m.Metadata["retrieval_used"].(bool); ok && used {
			a.RetrievalUsed = true
			if rel, ok := m.Metadata["retrieval_relevance"].(float64); ok {
				a.RetrievalRelevance = model.Clamp01(rel)
			}
		}
		if uncertain(m.Content) {
			a.KnowledgeGaps = a.Topics
		}
		break
	}

	a.Patterns = recurringTopics(conv.Messages)
	return a, nil
}

// Sentiment scores text in [-1, 1] by counting lexicon hits.
func Sentiment(text string) float64 {
	var pos, neg int
	for _, w := range words(text) {
		switch {
		case positiveWords[w]:
			pos++
		case negativeWords[w]:
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

func lastUserTurn(msgs []model.Message, idx int) string {
	for i := idx; i >= 0; i-- {
		if msgs[i].Role == model.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func stage(msgs []model.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != model.RoleUser {
			continue
		}
		last := strings.ToLower(msgs[i].Content)
		for _, w := range closingWords {
			if strings.Contains(last, w) {
				return StageClosing
			}
		}
		break
	}
	switch n := len(msgs); {
	case n <= 2:
		return StageOpening
	case n <= 6:
		return StageExploration
	default:
		return StageResolution
	}
}

func intent(lower string) string {
	for _, p := range requestPrefixes {
		if strings.HasPrefix(lower, p) {
			return IntentRequest
		}
	}
	if strings.Contains(lower, "?") {
		return IntentQuestion
	}
	if Sentiment(lower) < -0.3 {
		return IntentComplaint
	}
	return IntentStatement
}

func uncertain(reply string) bool {
	lower := strings.ToLower(reply)
	for _, p := range uncertaintyPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// topics returns the n most frequent content words, ties broken
// alphabetically.
func topics(text string, n int) []string {
	counts := map[string]int{}
	for _, w := range words(text) {
		if len(w) < 5 || stopWords[w] {
			continue
		}
		counts[w]++
	}
	out := make([]string, 0, len(counts))
	for w := range counts {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// recurringTopics reports topics raised in at least two user turns.
func recurringTopics(msgs []model.Message) []string {
	seen := map[string]int{}
	for _, m := range msgs {
		if m.Role != model.RoleUser {
			continue
		}
		for _, t := range topics(m.Content, topicCount) {
			seen[t]++
		}
	}
	var out []string
	for t, n := range seen {
		if n >= 2 {
			out = append(out, "topic:"+t)
		}
	}
	sort.Strings(out)
	return out
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
