// Package feedback turns one rated conversation turn into an immutable
// FeedbackRecord and hands it to the learning pipeline.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/service/quality"
	"github.com/ashita-ai/manabi/internal/storage"
	"github.com/ashita-ai/manabi/internal/telemetry"
)

// ContextAnalyzer derives stage, intent, topics, sentiment and retrieval
// metadata for the turn at index msg of conv.
type ContextAnalyzer interface {
	Analyze(ctx context.Context, conv model.Conversation, msg int) (model.ContextAnalysis, error)
}

// Trigger receives every persisted record. Implementations must not block.
type Trigger interface {
	OnFeedback(rec model.FeedbackRecord)
}

// Input is one CollectFeedback call.
type Input struct {
	ConversationID string
	MessageID      string
	UserID         string
	AgentID        string
	Explicit       *model.ExplicitFeedback
	Implicit       *model.ImplicitOverrides
	Context        *model.ContextOverrides
}

// Collector builds, stores and dispatches feedback records.
type Collector struct {
	conversations   storage.ConversationStore
	store           storage.FeedbackStore
	analyzer        ContextAnalyzer
	analysisTimeout time.Duration
	trigger         Trigger
	logger          *slog.Logger

	collected metric.Int64Counter
}

// Option configures a Collector.
type Option func(*Collector)

// WithAnalysisTimeout bounds each context analysis. A turn whose analysis
// runs longer is recorded without it. Zero means no bound.
func WithAnalysisTimeout(d time.Duration) Option {
	return func(c *Collector) { c.analysisTimeout = d }
}

// New creates a Collector. analyzer and trigger may be nil.
func New(conversations storage.ConversationStore, store storage.FeedbackStore, analyzer ContextAnalyzer, trigger Trigger, logger *slog.Logger, opts ...Option) *Collector {
	collected, _ := telemetry.Meter("manabi/feedback").Int64Counter("manabi.feedback.collected",
		metric.WithDescription("Feedback records collected"),
	)
	c := &Collector{
		conversations: conversations,
		store:         store,
		analyzer:      analyzer,
		trigger:       trigger,
		logger:        logger,
		collected:     collected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect normalizes the feedback for one turn. It fails only when the
// conversation or message cannot be found; a failure to persist the record
// is logged and the record is still returned and dispatched, so a store
// outage never reaches the chat path.
func (c *Collector) Collect(ctx context.Context, in Input) (model.FeedbackRecord, error) {
	conv, err := c.conversations.GetConversationWithMessages(ctx, in.ConversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.FeedbackRecord{}, fmt.Errorf("feedback: conversation %s: %w", in.ConversationID, model.ErrNotFound)
		}
		return model.FeedbackRecord{}, fmt.Errorf("feedback: load conversation: %w", err)
	}
	idx := conv.MessageIndex(in.MessageID)
	if idx < 0 {
		return model.FeedbackRecord{}, fmt.Errorf("feedback: message %s in conversation %s: %w", in.MessageID, in.ConversationID, model.ErrNotFound)
	}

	reply := replyIndex(conv, idx)
	implicit := in.Implicit.Apply(ComputeImplicit(conv, reply))
	fctx := in.Context.Apply(c.buildContext(ctx, conv, idx, reply))

	q := quality.Assess(in.Explicit, fctx)
	rec := model.FeedbackRecord{
		ID:             uuid.New(),
		ConversationID: in.ConversationID,
		MessageID:      in.MessageID,
		UserID:         in.UserID,
		AgentID:        in.AgentID,
		Explicit:       in.Explicit,
		Implicit:       implicit,
		Context:        fctx,
		Quality:        q,
		Signal:         quality.Signal(q, in.Explicit, implicit, fctx),
		CreatedAt:      time.Now().UTC(),
	}

	if err := c.store.InsertFeedback(ctx, rec); err != nil {
		c.logger.Error("feedback: persist failed",
			"error", err,
			"conversation_id", rec.ConversationID,
			"agent_id", rec.AgentID,
		)
	}
	c.collected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("polarity", string(rec.Signal.Polarity)),
		attribute.Bool("explicit", rec.Explicit != nil),
	))

	if c.trigger != nil {
		c.trigger.OnFeedback(rec)
	}
	return rec, nil
}

// replyIndex locates the assistant turn the feedback is about: the message
// itself when it is an assistant turn, otherwise the next assistant turn.
func replyIndex(conv model.Conversation, idx int) int {
	for i := idx; i < len(conv.Messages); i++ {
		if conv.Messages[i].Role == model.RoleAssistant {
			return i
		}
	}
	return -1
}

func (c *Collector) buildContext(ctx context.Context, conv model.Conversation, idx, reply int) model.FeedbackContext {
	var fctx model.FeedbackContext

	userIdx := idx
	if reply >= 0 {
		userIdx = reply
	}
	for i := userIdx; i >= 0; i-- {
		if conv.Messages[i].Role == model.RoleUser {
			fctx.UserMessage = conv.Messages[i].Content
			break
		}
	}

	if reply >= 0 {
		msg := conv.Messages[reply]
		fctx.AgentReply = msg.Content
		fctx.Provider = metaString(msg.Metadata, "provider")
		fctx.Model = metaString(msg.Metadata, "model")
		fctx.LatencyMs = int64(metaFloat(msg.Metadata, "latency_ms"))
		fctx.PromptTokens = int(metaFloat(msg.Metadata, "prompt_tokens"))
		fctx.CompletionTokens = int(metaFloat(msg.Metadata, "completion_tokens"))
		fctx.CostUSD = metaFloat(msg.Metadata, "cost_usd")
		fctx.RetrievalUsed = metaBool(msg.Metadata, "retrieval_used")
		fctx.RetrievalRelevance = model.Clamp01(metaFloat(msg.Metadata, "retrieval_relevance"))
	}

	if c.analyzer == nil {
		return fctx
	}
	a, err := c.analyze(ctx, conv, idx)
	if err != nil {
		c.logger.Warn("feedback: context analysis failed, continuing without",
			"error", err,
			"conversation_id", conv.ID,
		)
		return fctx
	}
	fctx.Stage = a.Stage
	fctx.Intent = a.Intent
	fctx.Topics = a.Topics
	fctx.Sentiment = a.Sentiment
	fctx.Complexity = a.Complexity
	fctx.KnowledgeGaps = a.KnowledgeGaps
	fctx.Patterns = a.Patterns
	if a.RetrievalUsed {
		fctx.RetrievalUsed = true
		fctx.RetrievalRelevance = model.Clamp01(max(fctx.RetrievalRelevance, a.RetrievalRelevance))
	}
	return fctx
}

// analyze runs the analyzer under the analysis timeout. It returns when
// the timeout expires even if the analyzer ignores its context.
func (c *Collector) analyze(ctx context.Context, conv model.Conversation, idx int) (model.ContextAnalysis, error) {
	if c.analysisTimeout <= 0 {
		return c.analyzer.Analyze(ctx, conv, idx)
	}
	ctx, cancel := context.WithTimeout(ctx, c.analysisTimeout)
	defer cancel()

	type result struct {
		a   model.ContextAnalysis
		err error
	}
	done := make(chan result, 1)
	go func() {
		a, err := c.analyzer.Analyze(ctx, conv, idx)
		done <- result{a, err}
	}()
	select {
	case r := <-done:
		return r.a, r.err
	case <-ctx.Done():
		return model.ContextAnalysis{}, fmt.Errorf("feedback: context analysis: %w", ctx.Err())
	}
}

func metaString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// metaFloat reads a numeric metadata value. JSON decoding yields float64;
// callers building messages in Go may use ints or numeric strings.
func metaFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return 0
}

func metaBool(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}
