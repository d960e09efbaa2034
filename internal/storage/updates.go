package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/manabi/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const updateColumns = `id, agent_id, kind, status, origin, source_id, confidence, priority,
	content, reasoning, evidence, review_notes, created_at, applied_at, rolled_back_at, rollback`

// InsertUpdate stores a new knowledge update together with its creation audit entry.
func (db *DB) InsertUpdate(ctx context.Context, u model.KnowledgeUpdate) error {
	contentJSON, err := json.Marshal(u.Content)
	if err != nil {
		return fmt.Errorf("storage: marshal update content: %w", err)
	}
	var rollbackJSON []byte
	if u.Rollback != nil {
		if rollbackJSON, err = json.Marshal(u.Rollback); err != nil {
			return fmt.Errorf("storage: marshal update rollback: %w", err)
		}
	}
	evidence := u.Evidence
	if evidence == nil {
		evidence = []string{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: insert update: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO knowledge_updates (`+updateColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13, $14, $15, $16::jsonb)`,
		u.ID, u.AgentID, string(u.Kind), string(u.Status), string(u.Origin), u.SourceID,
		u.Confidence, u.Priority, contentJSON, u.Reasoning, evidence, u.ReviewNotes,
		u.CreatedAt, u.AppliedAt, u.RolledBackAt, rollbackJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: insert update: %w", err)
	}

	if err := appendAudit(ctx, tx, model.AuditEntry{
		ID:        uuid.New(),
		AgentID:   u.AgentID,
		UpdateID:  u.ID,
		Action:    model.AuditCreated,
		ToStatus:  u.Status,
		Detail:    map[string]any{"kind": string(u.Kind), "origin": string(u.Origin), "confidence": u.Confidence},
		CreatedAt: u.CreatedAt,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: insert update: commit: %w", err)
	}
	return nil
}

// GetUpdate returns a single knowledge update.
func (db *DB) GetUpdate(ctx context.Context, id uuid.UUID) (model.KnowledgeUpdate, error) {
	return getUpdate(ctx, db.pool, id, false)
}

// ListUpdates returns an agent's updates in application order.
func (db *DB) ListUpdates(ctx context.Context, agentID string, f UpdateFilter) ([]model.KnowledgeUpdate, error) {
	query := `SELECT ` + updateColumns + ` FROM knowledge_updates WHERE agent_id = $1`
	args := []any{agentID}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if len(f.IDs) > 0 {
		args = append(args, f.IDs)
		query += fmt.Sprintf(" AND id = ANY($%d)", len(args))
	}
	query += " ORDER BY priority ASC, created_at ASC, id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list updates: %w", err)
	}
	defer rows.Close()

	updates := []model.KnowledgeUpdate{}
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate updates: %w", err)
	}
	return updates, nil
}

func getUpdate(ctx context.Context, q querier, id uuid.UUID, lock bool) (model.KnowledgeUpdate, error) {
	query := `SELECT ` + updateColumns + ` FROM knowledge_updates WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	u, err := scanUpdate(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.KnowledgeUpdate{}, fmt.Errorf("storage: update %s: %w", id, ErrNotFound)
		}
		return model.KnowledgeUpdate{}, err
	}
	return u, nil
}

func scanUpdate(row rowScanner) (model.KnowledgeUpdate, error) {
	var (
		u                         model.KnowledgeUpdate
		kind, status, origin      string
		contentJSON, rollbackJSON []byte
	)
	err := row.Scan(
		&u.ID, &u.AgentID, &kind, &status, &origin, &u.SourceID, &u.Confidence, &u.Priority,
		&contentJSON, &u.Reasoning, &u.Evidence, &u.ReviewNotes, &u.CreatedAt,
		&u.AppliedAt, &u.RolledBackAt, &rollbackJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.KnowledgeUpdate{}, err
		}
		return model.KnowledgeUpdate{}, fmt.Errorf("storage: scan update: %w", err)
	}
	u.Kind = model.UpdateKind(kind)
	u.Status = model.UpdateStatus(status)
	u.Origin = model.UpdateOrigin(origin)
	if err := json.Unmarshal(contentJSON, &u.Content); err != nil {
		return model.KnowledgeUpdate{}, fmt.Errorf("storage: unmarshal update content: %w", err)
	}
	if len(rollbackJSON) > 0 {
		u.Rollback = &model.Rollback{}
		if err := json.Unmarshal(rollbackJSON, u.Rollback); err != nil {
			return model.KnowledgeUpdate{}, fmt.Errorf("storage: unmarshal update rollback: %w", err)
		}
	}
	return u, nil
}

// transitionUpdate performs a compare-and-set status change.
func transitionUpdate(ctx context.Context, q querier, t Transition) error {
	var rollbackJSON []byte
	if t.Rollback != nil {
		var err error
		if rollbackJSON, err = json.Marshal(t.Rollback); err != nil {
			return fmt.Errorf("storage: marshal rollback: %w", err)
		}
	}
	var appliedAt, rolledBackAt *time.Time
	switch t.To {
	case model.StatusApplied:
		appliedAt = &t.At
	case model.StatusRolledBack:
		rolledBackAt = &t.At
	}

	tag, err := q.Exec(ctx,
		`UPDATE knowledge_updates SET
		     status         = $3,
		     applied_at     = COALESCE($4, applied_at),
		     rolled_back_at = COALESCE($5, rolled_back_at),
		     rollback       = COALESCE($6::jsonb, rollback),
		     review_notes   = COALESCE($7, review_notes)
		 WHERE id = $1 AND status = $2`,
		t.UpdateID, string(t.From), string(t.To), appliedAt, rolledBackAt, rollbackJSON, t.Notes,
	)
	if err != nil {
		return fmt.Errorf("storage: transition update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := q.QueryRow(ctx, `SELECT status FROM knowledge_updates WHERE id = $1`, t.UpdateID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: update %s: %w", t.UpdateID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("storage: transition update: read status: %w", err)
		}
		return &model.TransitionError{UpdateID: t.UpdateID, From: model.UpdateStatus(current), To: t.To}
	}
	return nil
}
