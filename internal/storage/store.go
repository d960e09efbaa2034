package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/manabi/internal/model"
)

// ConversationStore reads conversations owned by the chat transport.
type ConversationStore interface {
	GetConversationWithMessages(ctx context.Context, conversationID string) (model.Conversation, error)
}

// ConversationWriter records conversation transcripts for stores that keep
// their own copy.
type ConversationWriter interface {
	SaveConversation(ctx context.Context, c model.Conversation) error
}

// FeedbackStore persists immutable per-turn feedback records.
type FeedbackStore interface {
	InsertFeedback(ctx context.Context, f model.FeedbackRecord) error
	// LatestFeedbackForConversation returns ErrNotFound when the conversation
	// has no feedback yet.
	LatestFeedbackForConversation(ctx context.Context, conversationID string) (model.FeedbackRecord, error)
}

// ConfigStore holds per-agent learning configuration.
type ConfigStore interface {
	// GetLearningConfiguration returns ErrNotFound for agents without a
	// stored configuration.
	GetLearningConfiguration(ctx context.Context, agentID string) (model.LearningConfiguration, error)
	UpsertLearningConfiguration(ctx context.Context, agentID string, cfg model.LearningConfiguration) error
	// ListAutoUpdateAgents returns the agents whose stored configuration has
	// AutoUpdateEnabled set.
	ListAutoUpdateAgents(ctx context.Context) ([]string, error)
}

// UpdateFilter narrows ListUpdates. Zero values match everything.
type UpdateFilter struct {
	Statuses []model.UpdateStatus
	IDs      []uuid.UUID
	Limit    int
}

// UpdateStore reads and creates knowledge updates. Status changes go through
// KnowledgeTx so they commit together with the mutation they describe.
type UpdateStore interface {
	// InsertUpdate stores a new update and its "created" audit entry.
	InsertUpdate(ctx context.Context, u model.KnowledgeUpdate) error
	GetUpdate(ctx context.Context, id uuid.UUID) (model.KnowledgeUpdate, error)
	// ListUpdates returns an agent's updates ordered by priority, then
	// creation time.
	ListUpdates(ctx context.Context, agentID string, f UpdateFilter) ([]model.KnowledgeUpdate, error)
}

// Transition describes a compare-and-set status change of one update.
type Transition struct {
	UpdateID uuid.UUID
	From     model.UpdateStatus
	To       model.UpdateStatus
	At       time.Time
	// Rollback is stored when To is APPLIED.
	Rollback *model.Rollback
	// Notes replaces the review notes when non-nil.
	Notes *string
}

// KnowledgeTx is the view of the store inside one transaction. Everything
// done through it commits or rolls back together.
type KnowledgeTx interface {
	GetItem(ctx context.Context, agentID, itemID string) (model.KnowledgeItem, error)
	PutItem(ctx context.Context, item model.KnowledgeItem) error
	// DeleteItem returns ErrNotFound when the item does not exist.
	DeleteItem(ctx context.Context, agentID, itemID string) error
	// LockUpdate reads an update and holds it until the transaction ends.
	LockUpdate(ctx context.Context, id uuid.UUID) (model.KnowledgeUpdate, error)
	// TransitionUpdate fails with a *model.TransitionError when the stored
	// status is not t.From.
	TransitionUpdate(ctx context.Context, t Transition) error
	AppendAudit(ctx context.Context, e model.AuditEntry) error
}

// KnowledgeStore is the agent knowledge base plus its transactional writer.
type KnowledgeStore interface {
	InTx(ctx context.Context, fn func(tx KnowledgeTx) error) error
	GetItem(ctx context.Context, agentID, itemID string) (model.KnowledgeItem, error)
	ListItems(ctx context.Context, agentID string) ([]model.KnowledgeItem, error)
}

// VersionStore keeps the append-only version history.
type VersionStore interface {
	// CreateVersion assigns the next number for v.AgentID, marks it active
	// and deactivates the previous version atomically.
	CreateVersion(ctx context.Context, v model.KnowledgeVersion) (model.KnowledgeVersion, error)
	ListVersions(ctx context.Context, agentID string) ([]model.KnowledgeVersion, error)
	// ActiveVersion returns ErrNotFound before the first version exists.
	ActiveVersion(ctx context.Context, agentID string) (model.KnowledgeVersion, error)
}

// AuditStore reads the update audit log.
type AuditStore interface {
	ListAudit(ctx context.Context, agentID string, limit int) ([]model.AuditEntry, error)
}

// Store is everything the services need from persistence.
type Store interface {
	ConversationStore
	ConversationWriter
	FeedbackStore
	ConfigStore
	UpdateStore
	KnowledgeStore
	VersionStore
	AuditStore
	Ping(ctx context.Context) error
}

var _ Store = (*DB)(nil)
