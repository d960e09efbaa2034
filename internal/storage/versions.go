package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/manabi/internal/model"
)

const versionColumns = `id, agent_id, number, description, update_ids, metrics, active, created_at, content_root, previous_root`

// CreateVersion appends a new active version for v.AgentID. The number is
// assigned here as the agent's highest number plus one; a per-agent advisory
// lock serializes concurrent callers.
func (db *DB) CreateVersion(ctx context.Context, v model.KnowledgeVersion) (model.KnowledgeVersion, error) {
	metrics := v.Metrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return model.KnowledgeVersion{}, fmt.Errorf("storage: marshal version metrics: %w", err)
	}

	var out model.KnowledgeVersion
	err = db.inTx(ctx, "create version", knowledgeRetry, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('knowledge_versions:' || $1))`, v.AgentID); err != nil {
			return fmt.Errorf("storage: create version: lock: %w", err)
		}

		var next int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(number), 0) + 1 FROM knowledge_versions WHERE agent_id = $1`, v.AgentID,
		).Scan(&next); err != nil {
			return fmt.Errorf("storage: create version: next number: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE knowledge_versions SET active = false WHERE agent_id = $1 AND active`, v.AgentID,
		); err != nil {
			return fmt.Errorf("storage: create version: deactivate previous: %w", err)
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO knowledge_versions (`+versionColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb, true, $7, $8, $9)
			 RETURNING `+versionColumns,
			v.ID, v.AgentID, next, v.Description, v.UpdateIDs, metricsJSON, v.CreatedAt, v.ContentRoot, v.PreviousRoot,
		)
		created, err := scanVersion(row)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return model.KnowledgeVersion{}, err
	}
	return out, nil
}

// ListVersions returns an agent's versions, newest first.
func (db *DB) ListVersions(ctx context.Context, agentID string) ([]model.KnowledgeVersion, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM knowledge_versions WHERE agent_id = $1 ORDER BY number DESC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list versions: %w", err)
	}
	defer rows.Close()

	versions := []model.KnowledgeVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ActiveVersion returns an agent's active version.
func (db *DB) ActiveVersion(ctx context.Context, agentID string) (model.KnowledgeVersion, error) {
	v, err := scanVersion(db.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM knowledge_versions WHERE agent_id = $1 AND active`,
		agentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.KnowledgeVersion{}, ErrNotFound
		}
		return model.KnowledgeVersion{}, err
	}
	return v, nil
}

func scanVersion(row rowScanner) (model.KnowledgeVersion, error) {
	var (
		v           model.KnowledgeVersion
		metricsJSON []byte
	)
	if err := row.Scan(&v.ID, &v.AgentID, &v.Number, &v.Description, &v.UpdateIDs, &metricsJSON, &v.Active, &v.CreatedAt, &v.ContentRoot, &v.PreviousRoot); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.KnowledgeVersion{}, err
		}
		return model.KnowledgeVersion{}, fmt.Errorf("storage: scan version: %w", err)
	}
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &v.Metrics); err != nil {
			return model.KnowledgeVersion{}, fmt.Errorf("storage: unmarshal version metrics: %w", err)
		}
	}
	return v, nil
}
