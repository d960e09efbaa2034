package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/manabi/internal/model"
)

// GetLearningConfiguration returns an agent's stored learning configuration.
func (db *DB) GetLearningConfiguration(ctx context.Context, agentID string) (model.LearningConfiguration, error) {
	var (
		c        model.LearningConfiguration
		mode     string
		freqMs   int64
		triggers []string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT mode, confidence_threshold, quality_threshold, auto_update_enabled,
		        review_required, triggers, batch_size, update_frequency_ms, user_approval_required
		 FROM learning_configurations WHERE agent_id = $1`,
		agentID,
	).Scan(&mode, &c.ConfidenceThreshold, &c.QualityThreshold, &c.AutoUpdateEnabled,
		&c.ReviewRequired, &triggers, &c.BatchSize, &freqMs, &c.UserApprovalRequired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LearningConfiguration{}, ErrNotFound
		}
		return model.LearningConfiguration{}, fmt.Errorf("storage: get learning configuration: %w", err)
	}
	c.Mode = model.LearningMode(mode)
	c.Triggers = triggers
	c.UpdateFrequency = time.Duration(freqMs) * time.Millisecond
	return c, nil
}

// UpsertLearningConfiguration replaces an agent's learning configuration.
func (db *DB) UpsertLearningConfiguration(ctx context.Context, agentID string, c model.LearningConfiguration) error {
	triggers := c.Triggers
	if triggers == nil {
		triggers = []string{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO learning_configurations (
		     agent_id, mode, confidence_threshold, quality_threshold, auto_update_enabled,
		     review_required, triggers, batch_size, update_frequency_ms, user_approval_required, updated_at
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		 ON CONFLICT (agent_id) DO UPDATE SET
		     mode                   = EXCLUDED.mode,
		     confidence_threshold   = EXCLUDED.confidence_threshold,
		     quality_threshold      = EXCLUDED.quality_threshold,
		     auto_update_enabled    = EXCLUDED.auto_update_enabled,
		     review_required        = EXCLUDED.review_required,
		     triggers               = EXCLUDED.triggers,
		     batch_size             = EXCLUDED.batch_size,
		     update_frequency_ms    = EXCLUDED.update_frequency_ms,
		     user_approval_required = EXCLUDED.user_approval_required,
		     updated_at             = now()`,
		agentID, string(c.Mode), c.ConfidenceThreshold, c.QualityThreshold, c.AutoUpdateEnabled,
		c.ReviewRequired, triggers, c.BatchSize, c.UpdateFrequency.Milliseconds(), c.UserApprovalRequired,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert learning configuration: %w", err)
	}
	return nil
}

// ListAutoUpdateAgents returns agents with auto-update enabled.
func (db *DB) ListAutoUpdateAgents(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_id FROM learning_configurations WHERE auto_update_enabled ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list auto-update agents: %w", err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan auto-update agent: %w", err)
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}
