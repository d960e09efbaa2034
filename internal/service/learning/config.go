package learning

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/storage"
)

// Configuration returns the agent's stored configuration, or the policy
// default when none is stored. A store failure is returned wrapped in
// model.ErrConfigurationUnavailable.
func (e *Engine) Configuration(ctx context.Context, agentID string) (model.LearningConfiguration, error) {
	cfg, err := e.configs.GetLearningConfiguration(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return e.Default(), nil
		}
		return model.LearningConfiguration{}, fmt.Errorf("learning: agent %s: %w: %w", agentID, model.ErrConfigurationUnavailable, err)
	}
	return cfg, nil
}

// UpdateConfiguration applies patch over the agent's current configuration,
// validates the result and stores it. Validation failures wrap
// model.ErrInvalidInput.
func (e *Engine) UpdateConfiguration(ctx context.Context, agentID string, patch model.LearningConfigurationPatch) (model.LearningConfiguration, error) {
	current, err := e.Configuration(ctx, agentID)
	if err != nil {
		return model.LearningConfiguration{}, err
	}
	next := patch.Apply(current)
	if err := next.Validate(); err != nil {
		return model.LearningConfiguration{}, fmt.Errorf("learning: %w: %w", model.ErrInvalidInput, err)
	}
	if err := e.configs.UpsertLearningConfiguration(ctx, agentID, next); err != nil {
		return model.LearningConfiguration{}, fmt.Errorf("learning: store configuration: %w", err)
	}
	e.Invalidate(agentID)
	e.logger.Info("learning: configuration updated",
		"agent_id", agentID,
		"mode", next.Mode,
		"auto_update", next.AutoUpdateEnabled,
	)
	return next, nil
}

// Default returns a copy of the policy's default configuration.
func (e *Engine) Default() model.LearningConfiguration {
	cfg := e.policy.DefaultConfiguration
	cfg.Triggers = slices.Clone(cfg.Triggers)
	return cfg
}

// Invalidate drops the cached configuration for agentID.
func (e *Engine) Invalidate(agentID string) {
	e.mu.Lock()
	delete(e.cache, agentID)
	e.mu.Unlock()
}

// loadConfig returns the configuration used for decisions. Concurrent
// loads for one agent share a single store read, and successful reads are
// cached for the policy's ConfigCacheTTL.
func (e *Engine) loadConfig(ctx context.Context, agentID string) model.LearningConfiguration {
	now := e.now()
	e.mu.Lock()
	if c, ok := e.cache[agentID]; ok && now.Before(c.expires) {
		e.mu.Unlock()
		return c.cfg
	}
	e.mu.Unlock()

	v, err, _ := e.group.Do(agentID, func() (any, error) {
		return e.Configuration(ctx, agentID)
	})
	if err != nil {
		e.logger.Warn("learning: configuration unavailable, using default",
			"agent_id", agentID,
			"error", err,
		)
		return e.Default()
	}

	cfg := v.(model.LearningConfiguration)
	if e.policy.ConfigCacheTTL > 0 {
		e.mu.Lock()
		e.cache[agentID] = cachedConfig{cfg: cfg, expires: now.Add(e.policy.ConfigCacheTTL)}
		e.mu.Unlock()
	}
	return cfg
}
