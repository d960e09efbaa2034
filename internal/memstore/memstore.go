// Package memstore is an in-memory implementation of storage.Store. It backs
// the server when no DATABASE_URL is configured and the service tests.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/storage"
)

type itemKey struct {
	agentID string
	itemID  string
}

// Store keeps everything in maps guarded by one RWMutex. Transactions hold
// the write lock for their whole duration and undo their writes on error.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]model.Conversation
	feedback      map[string][]model.FeedbackRecord // conversationID -> records
	configs       map[string]model.LearningConfiguration
	updates       map[uuid.UUID]model.KnowledgeUpdate
	items         map[itemKey]model.KnowledgeItem
	versions      map[string][]model.KnowledgeVersion // agentID -> ascending by number
	audit         []model.AuditEntry

	// failPut, when set, makes PutItem fail for the matching item id. Tests
	// use it to exercise per-update apply failures.
	failPut map[string]error
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		conversations: make(map[string]model.Conversation),
		feedback:      make(map[string][]model.FeedbackRecord),
		configs:       make(map[string]model.LearningConfiguration),
		updates:       make(map[uuid.UUID]model.KnowledgeUpdate),
		items:         make(map[itemKey]model.KnowledgeItem),
		versions:      make(map[string][]model.KnowledgeVersion),
		failPut:       make(map[string]error),
	}
}

// FailPutItem makes every later PutItem for itemID return err. A nil err
// clears the failure.
func (s *Store) FailPutItem(itemID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failPut, itemID)
		return
	}
	s.failPut[itemID] = err
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// ---- conversations -------------------------------------------------------

// SaveConversation stores a copy of c.
func (s *Store) SaveConversation(_ context.Context, c model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Messages = slices.Clone(c.Messages)
	s.conversations[c.ID] = c
	return nil
}

// GetConversationWithMessages returns a stored conversation.
func (s *Store) GetConversationWithMessages(_ context.Context, conversationID string) (model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return model.Conversation{}, fmt.Errorf("memstore: conversation %s: %w", conversationID, storage.ErrNotFound)
	}
	c.Messages = slices.Clone(c.Messages)
	return c, nil
}

// ---- feedback ------------------------------------------------------------

// InsertFeedback appends a feedback record.
func (s *Store) InsertFeedback(_ context.Context, f model.FeedbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback[f.ConversationID] = append(s.feedback[f.ConversationID], f)
	return nil
}

// LatestFeedbackForConversation returns the newest record for a conversation.
func (s *Store) LatestFeedbackForConversation(_ context.Context, conversationID string) (model.FeedbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.feedback[conversationID]
	if len(recs) == 0 {
		return model.FeedbackRecord{}, storage.ErrNotFound
	}
	latest := recs[0]
	for _, r := range recs[1:] {
		if !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
		}
	}
	return latest, nil
}

// ---- configuration -------------------------------------------------------

// GetLearningConfiguration returns an agent's stored configuration.
func (s *Store) GetLearningConfiguration(_ context.Context, agentID string) (model.LearningConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[agentID]
	if !ok {
		return model.LearningConfiguration{}, storage.ErrNotFound
	}
	c.Triggers = slices.Clone(c.Triggers)
	return c, nil
}

// UpsertLearningConfiguration replaces an agent's configuration.
func (s *Store) UpsertLearningConfiguration(_ context.Context, agentID string, c model.LearningConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Triggers = slices.Clone(c.Triggers)
	s.configs[agentID] = c
	return nil
}

// ListAutoUpdateAgents returns agents with auto-update enabled, sorted.
func (s *Store) ListAutoUpdateAgents(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var agents []string
	for id, c := range s.configs {
		if c.AutoUpdateEnabled {
			agents = append(agents, id)
		}
	}
	sort.Strings(agents)
	return agents, nil
}

// ---- updates -------------------------------------------------------------

// InsertUpdate stores a new update and its creation audit entry.
func (s *Store) InsertUpdate(_ context.Context, u model.KnowledgeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.updates[u.ID]; exists {
		return fmt.Errorf("memstore: update %s already exists", u.ID)
	}
	s.updates[u.ID] = cloneUpdate(u)
	s.audit = append(s.audit, model.AuditEntry{
		ID:        uuid.New(),
		AgentID:   u.AgentID,
		UpdateID:  u.ID,
		Action:    model.AuditCreated,
		ToStatus:  u.Status,
		Detail:    map[string]any{"kind": string(u.Kind), "origin": string(u.Origin), "confidence": u.Confidence},
		CreatedAt: u.CreatedAt,
	})
	return nil
}

// GetUpdate returns one update.
func (s *Store) GetUpdate(_ context.Context, id uuid.UUID) (model.KnowledgeUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.updates[id]
	if !ok {
		return model.KnowledgeUpdate{}, fmt.Errorf("memstore: update %s: %w", id, storage.ErrNotFound)
	}
	return cloneUpdate(u), nil
}

// ListUpdates returns an agent's updates in application order.
func (s *Store) ListUpdates(_ context.Context, agentID string, f storage.UpdateFilter) ([]model.KnowledgeUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.KnowledgeUpdate{}
	for _, u := range s.updates {
		if u.AgentID != agentID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, u.Status) {
			continue
		}
		if len(f.IDs) > 0 && !slices.Contains(f.IDs, u.ID) {
			continue
		}
		out = append(out, cloneUpdate(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ---- knowledge items -----------------------------------------------------

// GetItem returns one knowledge item.
func (s *Store) GetItem(_ context.Context, agentID, itemID string) (model.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getItemLocked(agentID, itemID)
}

func (s *Store) getItemLocked(agentID, itemID string) (model.KnowledgeItem, error) {
	it, ok := s.items[itemKey{agentID, itemID}]
	if !ok {
		return model.KnowledgeItem{}, fmt.Errorf("memstore: item %s: %w", itemID, storage.ErrNotFound)
	}
	return cloneItem(it), nil
}

// ListItems returns an agent's items ordered by id.
func (s *Store) ListItems(_ context.Context, agentID string) ([]model.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.KnowledgeItem{}
	for k, it := range s.items {
		if k.agentID == agentID {
			out = append(out, cloneItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- versions ------------------------------------------------------------

// CreateVersion appends a new active version with the next number.
func (s *Store) CreateVersion(_ context.Context, v model.KnowledgeVersion) (model.KnowledgeVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.versions[v.AgentID]
	for i := range history {
		history[i].Active = false
	}
	v.Number = len(history) + 1
	v.Active = true
	v.UpdateIDs = slices.Clone(v.UpdateIDs)
	s.versions[v.AgentID] = append(history, v)
	return v, nil
}

// ListVersions returns an agent's versions, newest first.
func (s *Store) ListVersions(_ context.Context, agentID string) ([]model.KnowledgeVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.versions[agentID]
	out := make([]model.KnowledgeVersion, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

// ActiveVersion returns an agent's active version.
func (s *Store) ActiveVersion(_ context.Context, agentID string) (model.KnowledgeVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[agentID] {
		if v.Active {
			return v, nil
		}
	}
	return model.KnowledgeVersion{}, storage.ErrNotFound
}

// ---- audit ---------------------------------------------------------------

// ListAudit returns an agent's newest audit entries first.
func (s *Store) ListAudit(_ context.Context, agentID string, limit int) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	out := []model.AuditEntry{}
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if s.audit[i].AgentID == agentID {
			out = append(out, s.audit[i])
		}
	}
	return out, nil
}

func cloneUpdate(u model.KnowledgeUpdate) model.KnowledgeUpdate {
	u.Evidence = slices.Clone(u.Evidence)
	u.Content.SourceIDs = slices.Clone(u.Content.SourceIDs)
	u.Content.Original = maps.Clone(u.Content.Original)
	u.Content.Updated = maps.Clone(u.Content.Updated)
	u.Content.Metadata = maps.Clone(u.Content.Metadata)
	u.Content.Parts = slices.Clone(u.Content.Parts)
	if u.Rollback != nil {
		rb := *u.Rollback
		u.Rollback = &rb
	}
	return u
}

func cloneItem(it model.KnowledgeItem) model.KnowledgeItem {
	it.Content = maps.Clone(it.Content)
	it.Metadata = maps.Clone(it.Metadata)
	return it
}
