package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/manabi/internal/model"
)

// SaveConversation upserts a conversation and replaces its messages.
func (db *DB) SaveConversation(ctx context.Context, c model.Conversation) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: save conversation: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, agent_id, user_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET agent_id = EXCLUDED.agent_id, user_id = EXCLUDED.user_id`,
		c.ID, c.AgentID, c.UserID, c.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: save conversation: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, c.ID); err != nil {
		return fmt.Errorf("storage: save conversation: clear messages: %w", err)
	}

	batch := &pgx.Batch{}
	for i, m := range c.Messages {
		meta := m.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("storage: save conversation: marshal message metadata: %w", err)
		}
		batch.Queue(
			`INSERT INTO messages (id, conversation_id, seq, role, content, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
			m.ID, c.ID, i, string(m.Role), m.Content, metaJSON, m.CreatedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("storage: save conversation: insert messages: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: save conversation: commit: %w", err)
	}
	return nil
}

// GetConversationWithMessages returns a conversation with its messages in order.
func (db *DB) GetConversationWithMessages(ctx context.Context, conversationID string) (model.Conversation, error) {
	var c model.Conversation
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, user_id, created_at FROM conversations WHERE id = $1`,
		conversationID,
	).Scan(&c.ID, &c.AgentID, &c.UserID, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, fmt.Errorf("storage: conversation %s: %w", conversationID, ErrNotFound)
		}
		return model.Conversation{}, fmt.Errorf("storage: get conversation: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, role, content, metadata, created_at
		 FROM messages WHERE conversation_id = $1 ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: get conversation messages: %w", err)
	}
	defer rows.Close()

	c.Messages = []model.Message{}
	for rows.Next() {
		var (
			m        model.Message
			role     string
			metaJSON []byte
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
			return model.Conversation{}, fmt.Errorf("storage: scan message: %w", err)
		}
		m.Role = model.Role(role)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
				return model.Conversation{}, fmt.Errorf("storage: unmarshal message metadata: %w", err)
			}
		}
		c.Messages = append(c.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return model.Conversation{}, fmt.Errorf("storage: iterate messages: %w", err)
	}
	return c, nil
}
