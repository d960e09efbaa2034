package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/manabi/internal/model"
)

// InTx runs fn inside a single transaction. The transaction commits when fn
// returns nil and rolls back otherwise. Serialization failures and deadlocks
// retry the whole function.
func (db *DB) InTx(ctx context.Context, fn func(tx KnowledgeTx) error) error {
	return db.inTx(ctx, "knowledge tx", knowledgeRetry, func(tx pgx.Tx) error {
		return fn(&pgKnowledgeTx{tx: tx})
	})
}

// GetItem returns one knowledge item.
func (db *DB) GetItem(ctx context.Context, agentID, itemID string) (model.KnowledgeItem, error) {
	return getItem(ctx, db.pool, agentID, itemID, false)
}

// ListItems returns an agent's knowledge items ordered by id.
func (db *DB) ListItems(ctx context.Context, agentID string) ([]model.KnowledgeItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_id, id, type, content, metadata, updated_at
		 FROM knowledge_items WHERE agent_id = $1 ORDER BY id`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list items: %w", err)
	}
	defer rows.Close()

	items := []model.KnowledgeItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func getItem(ctx context.Context, q querier, agentID, itemID string, lock bool) (model.KnowledgeItem, error) {
	query := `SELECT agent_id, id, type, content, metadata, updated_at
		FROM knowledge_items WHERE agent_id = $1 AND id = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	it, err := scanItem(q.QueryRow(ctx, query, agentID, itemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.KnowledgeItem{}, fmt.Errorf("storage: item %s: %w", itemID, ErrNotFound)
		}
		return model.KnowledgeItem{}, err
	}
	return it, nil
}

func scanItem(row rowScanner) (model.KnowledgeItem, error) {
	var (
		it                    model.KnowledgeItem
		typ                   string
		contentJSON, metaJSON []byte
	)
	if err := row.Scan(&it.AgentID, &it.ID, &typ, &contentJSON, &metaJSON, &it.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.KnowledgeItem{}, err
		}
		return model.KnowledgeItem{}, fmt.Errorf("storage: scan item: %w", err)
	}
	it.Type = model.KnowledgeType(typ)
	if err := json.Unmarshal(contentJSON, &it.Content); err != nil {
		return model.KnowledgeItem{}, fmt.Errorf("storage: unmarshal item content: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &it.Metadata); err != nil {
			return model.KnowledgeItem{}, fmt.Errorf("storage: unmarshal item metadata: %w", err)
		}
	}
	return it, nil
}

// pgKnowledgeTx implements KnowledgeTx over a pgx transaction.
type pgKnowledgeTx struct {
	tx pgx.Tx
}

func (t *pgKnowledgeTx) GetItem(ctx context.Context, agentID, itemID string) (model.KnowledgeItem, error) {
	return getItem(ctx, t.tx, agentID, itemID, true)
}

func (t *pgKnowledgeTx) PutItem(ctx context.Context, it model.KnowledgeItem) error {
	contentJSON, err := json.Marshal(it.Content)
	if err != nil {
		return fmt.Errorf("storage: marshal item content: %w", err)
	}
	meta := it.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("storage: marshal item metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO knowledge_items (agent_id, id, type, content, metadata, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6)
		 ON CONFLICT (agent_id, id) DO UPDATE SET
		     type       = EXCLUDED.type,
		     content    = EXCLUDED.content,
		     metadata   = EXCLUDED.metadata,
		     updated_at = EXCLUDED.updated_at`,
		it.AgentID, it.ID, string(it.Type), contentJSON, metaJSON, it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: put item: %w", err)
	}
	return nil
}

func (t *pgKnowledgeTx) DeleteItem(ctx context.Context, agentID, itemID string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM knowledge_items WHERE agent_id = $1 AND id = $2`, agentID, itemID)
	if err != nil {
		return fmt.Errorf("storage: delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: item %s: %w", itemID, ErrNotFound)
	}
	return nil
}

func (t *pgKnowledgeTx) LockUpdate(ctx context.Context, id uuid.UUID) (model.KnowledgeUpdate, error) {
	return getUpdate(ctx, t.tx, id, true)
}

func (t *pgKnowledgeTx) TransitionUpdate(ctx context.Context, tr Transition) error {
	return transitionUpdate(ctx, t.tx, tr)
}

func (t *pgKnowledgeTx) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	return appendAudit(ctx, t.tx, e)
}
