package pipeline

import (
	"context"
	"log/slog"
	"slices"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/service/feedback"
)

// TriggerFeedback is the configuration trigger name that enables learning
// from collected feedback.
const TriggerFeedback = "feedback"

// Learner turns a feedback record into queued knowledge updates.
type Learner interface {
	LearnFromFeedback(ctx context.Context, rec model.FeedbackRecord) ([]model.KnowledgeUpdate, error)
}

// ConfigSource resolves an agent's learning configuration.
type ConfigSource interface {
	Configuration(ctx context.Context, agentID string) (model.LearningConfiguration, error)
}

// FeedbackTrigger schedules learning for each collected feedback record.
type FeedbackTrigger struct {
	dispatcher *Dispatcher
	learner    Learner
	configs    ConfigSource
	logger     *slog.Logger
}

var _ feedback.Trigger = (*FeedbackTrigger)(nil)

// NewFeedbackTrigger creates a FeedbackTrigger. configs may be nil, in which
// case every record is learned from.
func NewFeedbackTrigger(d *Dispatcher, learner Learner, configs ConfigSource, logger *slog.Logger) *FeedbackTrigger {
	return &FeedbackTrigger{dispatcher: d, learner: learner, configs: configs, logger: logger}
}

// OnFeedback enqueues the learning job and returns immediately.
func (t *FeedbackTrigger) OnFeedback(rec model.FeedbackRecord) {
	t.dispatcher.Submit(Job{
		Name:    "learn_from_feedback",
		AgentID: rec.AgentID,
		Run: func(ctx context.Context) error {
			if !t.enabled(ctx, rec.AgentID) {
				return nil
			}
			created, err := t.learner.LearnFromFeedback(ctx, rec)
			if err != nil {
				return err
			}
			if len(created) > 0 {
				t.logger.Info("pipeline: learned from feedback",
					"agent_id", rec.AgentID,
					"feedback_id", rec.ID,
					"updates", len(created),
				)
			}
			return nil
		},
	})
}

// enabled reports whether the agent's triggers include feedback. An
// unreadable configuration does not block learning.
func (t *FeedbackTrigger) enabled(ctx context.Context, agentID string) bool {
	if t.configs == nil {
		return true
	}
	cfg, err := t.configs.Configuration(ctx, agentID)
	if err != nil {
		t.logger.Warn("pipeline: configuration unavailable, learning anyway",
			"agent_id", agentID,
			"error", err,
		)
		return true
	}
	return len(cfg.Triggers) == 0 || slices.Contains(cfg.Triggers, TriggerFeedback)
}
