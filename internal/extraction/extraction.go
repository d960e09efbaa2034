// Package extraction proposes candidate knowledge items from a conversation.
//
// HeuristicExtractor is the built-in extractor: it pattern-matches
// assistant turns against the user turn that prompted them. A model-backed
// extractor can replace it through the Extractor interface.
package extraction

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/storage"
)

// Extractor proposes candidate items grouped by knowledge type.
type Extractor interface {
	ExtractCandidates(ctx context.Context, conversationID, agentID, userID string) (map[model.KnowledgeType][]model.CandidateItem, error)
}

// Pattern maps an assistant-turn regex to a knowledge type.
type Pattern struct {
	Name   string
	Type   model.KnowledgeType
	Regex  string
	Weight float64
}

// DefaultPatterns returns the built-in pattern table.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "fix_statement", Type: model.KnowledgeSolution, Regex: `(?i)\b(the fix (was|is)|to fix this|the solution (was|is)|resolved (it )?by|workaround)\b`, Weight: 0.8},
		{Name: "numbered_steps", Type: model.KnowledgeProcedure, Regex: `(?m)^\s*1[.)]\s+.+\n\s*2[.)]\s+`, Weight: 0.7},
		{Name: "worked_example", Type: model.KnowledgeExample, Regex: `(?i)\b(for example|for instance|e\.g\.)`, Weight: 0.65},
	}
}

// Config tunes a HeuristicExtractor.
type Config struct {
	Patterns []Pattern
	// MinAnswerLen is the shortest assistant reply that becomes a FAQ
	// candidate.
	MinAnswerLen int
	// ContextWindow is how many preceding messages are quoted as context.
	ContextWindow int
}

type compiledPattern struct {
	Pattern
	regex *regexp.Regexp
}

// HeuristicExtractor implements Extractor using pattern matching.
type HeuristicExtractor struct {
	conversations storage.ConversationStore
	patterns      []compiledPattern
	minAnswerLen  int
	contextWindow int
}

var _ Extractor = (*HeuristicExtractor)(nil)

// NewHeuristicExtractor compiles cfg's patterns. An invalid pattern is an
// error.
func NewHeuristicExtractor(conversations storage.ConversationStore, cfg Config) (*HeuristicExtractor, error) {
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("extraction: pattern %q: %w", p.Name, err)
		}
		compiled = append(compiled, compiledPattern{Pattern: p, regex: re})
	}

	minAnswer := cfg.MinAnswerLen
	if minAnswer == 0 {
		minAnswer = 20
	}
	window := cfg.ContextWindow
	if window == 0 {
		window = 2
	}
	return &HeuristicExtractor{
		conversations: conversations,
		patterns:      compiled,
		minAnswerLen:  minAnswer,
		contextWindow: window,
	}, nil
}

// ExtractCandidates loads the conversation and proposes:
//   - a FAQ for every question answered by a substantial assistant reply
//   - a candidate of the best matching pattern's type for replies that
//     match one of the patterns
func (h *HeuristicExtractor) ExtractCandidates(ctx context.Context, conversationID, _, _ string) (map[model.KnowledgeType][]model.CandidateItem, error) {
	conv, err := h.conversations.GetConversationWithMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("extraction: load conversation %s: %w", conversationID, err)
	}

	out := map[model.KnowledgeType][]model.CandidateItem{}
	msgs := conv.Messages
	for i, msg := range msgs {
		if msg.Role != model.RoleAssistant {
			continue
		}
		q := precedingUser(msgs, i)
		if q < 0 {
			continue
		}
		question := strings.TrimSpace(msgs[q].Content)
		answer := strings.TrimSpace(msg.Content)
		evidence := []string{msgs[q].ID, msg.ID}
		ctxText := h.buildContext(msgs, q)

		if strings.Contains(question, "?") && len(answer) >= h.minAnswerLen {
			conf := 0.7
			if acknowledged(msgs, i) {
				conf = 0.85
			}
			out[model.KnowledgeFAQ] = append(out[model.KnowledgeFAQ], model.CandidateItem{
				Type:       model.KnowledgeFAQ,
				Payload:    map[string]any{"question": question, "answer": answer, "isNew": true},
				Confidence: &conf,
				Evidence:   evidence,
				Sources:    []string{conversationID},
				Context:    ctxText,
			})
		}

		if best := h.findBestMatch(answer); best != nil {
			w := best.Weight
			out[best.Type] = append(out[best.Type], model.CandidateItem{
				Type:       best.Type,
				Payload:    map[string]any{"problem": question, "content": answer, "pattern": best.Name, "isNew": true},
				Confidence: &w,
				Evidence:   evidence,
				Sources:    []string{conversationID},
				Context:    ctxText,
			})
		}
	}
	return out, nil
}

func (h *HeuristicExtractor) findBestMatch(content string) *compiledPattern {
	var best *compiledPattern
	for i := range h.patterns {
		p := &h.patterns[i]
		if p.regex.MatchString(content) && (best == nil || p.Weight > best.Weight) {
			best = p
		}
	}
	return best
}

func (h *HeuristicExtractor) buildContext(msgs []model.Message, idx int) string {
	start := max(idx-h.contextWindow, 0)
	var parts []string
	for i := start; i < idx; i++ {
		parts = append(parts, string(msgs[i].Role)+": "+model.Truncate(msgs[i].Content, 200))
	}
	return strings.Join(parts, "\n")
}

func precedingUser(msgs []model.Message, idx int) int {
	for i := idx - 1; i >= 0; i-- {
		switch msgs[i].Role {
		case model.RoleUser:
			return i
		case model.RoleAssistant:
			return -1
		}
	}
	return -1
}

// acknowledged reports whether the user's next turn thanks the assistant or
// confirms the answer worked.
func acknowledged(msgs []model.Message, idx int) bool {
	for i := idx + 1; i < len(msgs); i++ {
		if msgs[i].Role != model.RoleUser {
			continue
		}
		lower := strings.ToLower(msgs[i].Content)
		for _, w := range []string{"thank", "works", "worked", "solved", "perfect", "got it"} {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}
	return false
}
