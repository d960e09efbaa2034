package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/manabi/internal/model"
)

// appendAudit appends an update lifecycle event. The target table is immutable.
func appendAudit(ctx context.Context, q querier, e model.AuditEntry) error {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("storage: marshal audit detail: %w", err)
	}

	_, err = q.Exec(ctx,
		`INSERT INTO update_audit_log (id, agent_id, update_id, action, from_status, to_status, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`,
		e.ID, e.AgentID, e.UpdateID, string(e.Action), string(e.FromStatus), string(e.ToStatus),
		detailJSON, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit entry: %w", err)
	}
	return nil
}

// ListAudit returns an agent's most recent audit entries, newest first.
func (db *DB) ListAudit(ctx context.Context, agentID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, update_id, action, from_status, to_status, detail, created_at
		 FROM update_audit_log
		 WHERE agent_id = $1
		 ORDER BY created_at DESC, id
		 LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()

	entries := []model.AuditEntry{}
	for rows.Next() {
		var (
			e                          model.AuditEntry
			action, fromStatus, status string
			detailJSON                 []byte
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &e.UpdateID, &action, &fromStatus, &status, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		e.Action = model.AuditAction(action)
		e.FromStatus = model.UpdateStatus(fromStatus)
		e.ToStatus = model.UpdateStatus(status)
		if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
			return nil, fmt.Errorf("storage: unmarshal audit detail: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
