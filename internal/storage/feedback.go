package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/manabi/internal/model"
)

// InsertFeedback stores an immutable feedback record.
func (db *DB) InsertFeedback(ctx context.Context, f model.FeedbackRecord) error {
	var explicitJSON []byte
	if f.Explicit != nil {
		var err error
		if explicitJSON, err = json.Marshal(f.Explicit); err != nil {
			return fmt.Errorf("storage: marshal feedback explicit: %w", err)
		}
	}
	implicitJSON, err := json.Marshal(f.Implicit)
	if err != nil {
		return fmt.Errorf("storage: marshal feedback implicit: %w", err)
	}
	contextJSON, err := json.Marshal(f.Context)
	if err != nil {
		return fmt.Errorf("storage: marshal feedback context: %w", err)
	}
	qualityJSON, err := json.Marshal(f.Quality)
	if err != nil {
		return fmt.Errorf("storage: marshal feedback quality: %w", err)
	}
	signalJSON, err := json.Marshal(f.Signal)
	if err != nil {
		return fmt.Errorf("storage: marshal feedback signal: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO feedback_records (
		     id, conversation_id, message_id, user_id, agent_id,
		     explicit, implicit, context, quality, signal, created_at
		 )
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8::jsonb, $9::jsonb, $10::jsonb, $11)`,
		f.ID, f.ConversationID, f.MessageID, f.UserID, f.AgentID,
		explicitJSON, implicitJSON, contextJSON, qualityJSON, signalJSON, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert feedback: %w", err)
	}
	return nil
}

// LatestFeedbackForConversation returns the most recent feedback record for a conversation.
func (db *DB) LatestFeedbackForConversation(ctx context.Context, conversationID string) (model.FeedbackRecord, error) {
	var (
		f                                       model.FeedbackRecord
		explicitJSON, implicitJSON, contextJSON []byte
		qualityJSON, signalJSON                 []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, conversation_id, message_id, user_id, agent_id,
		        explicit, implicit, context, quality, signal, created_at
		 FROM feedback_records
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		conversationID,
	).Scan(
		&f.ID, &f.ConversationID, &f.MessageID, &f.UserID, &f.AgentID,
		&explicitJSON, &implicitJSON, &contextJSON, &qualityJSON, &signalJSON, &f.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.FeedbackRecord{}, ErrNotFound
		}
		return model.FeedbackRecord{}, fmt.Errorf("storage: latest feedback: %w", err)
	}

	if len(explicitJSON) > 0 {
		f.Explicit = &model.ExplicitFeedback{}
		if err := json.Unmarshal(explicitJSON, f.Explicit); err != nil {
			return model.FeedbackRecord{}, fmt.Errorf("storage: unmarshal feedback explicit: %w", err)
		}
	}
	for _, part := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"implicit", implicitJSON, &f.Implicit},
		{"context", contextJSON, &f.Context},
		{"quality", qualityJSON, &f.Quality},
		{"signal", signalJSON, &f.Signal},
	} {
		if err := json.Unmarshal(part.raw, part.dst); err != nil {
			return model.FeedbackRecord{}, fmt.Errorf("storage: unmarshal feedback %s: %w", part.name, err)
		}
	}
	return f, nil
}
