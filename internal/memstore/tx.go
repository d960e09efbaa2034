package memstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/storage"
)

// InTx runs fn while holding the write lock. Every write made through the
// transaction is undone if fn returns an error.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.KnowledgeTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// memTx records an undo function per write.
type memTx struct {
	s    *Store
	undo func()
}

func (t *memTx) push(f func()) {
	prev := t.undo
	t.undo = func() {
		f()
		if prev != nil {
			prev()
		}
	}
}

func (t *memTx) rollback() {
	if t.undo != nil {
		t.undo()
	}
}

func (t *memTx) GetItem(_ context.Context, agentID, itemID string) (model.KnowledgeItem, error) {
	return t.s.getItemLocked(agentID, itemID)
}

func (t *memTx) PutItem(_ context.Context, it model.KnowledgeItem) error {
	if err, ok := t.s.failPut[it.ID]; ok {
		return fmt.Errorf("memstore: put item %s: %w", it.ID, err)
	}
	key := itemKey{it.AgentID, it.ID}
	prev, existed := t.s.items[key]
	t.s.items[key] = cloneItem(it)
	t.push(func() {
		if existed {
			t.s.items[key] = prev
		} else {
			delete(t.s.items, key)
		}
	})
	return nil
}

func (t *memTx) DeleteItem(_ context.Context, agentID, itemID string) error {
	key := itemKey{agentID, itemID}
	prev, ok := t.s.items[key]
	if !ok {
		return fmt.Errorf("memstore: item %s: %w", itemID, storage.ErrNotFound)
	}
	delete(t.s.items, key)
	t.push(func() { t.s.items[key] = prev })
	return nil
}

func (t *memTx) LockUpdate(_ context.Context, id uuid.UUID) (model.KnowledgeUpdate, error) {
	u, ok := t.s.updates[id]
	if !ok {
		return model.KnowledgeUpdate{}, fmt.Errorf("memstore: update %s: %w", id, storage.ErrNotFound)
	}
	return cloneUpdate(u), nil
}

func (t *memTx) TransitionUpdate(_ context.Context, tr storage.Transition) error {
	u, ok := t.s.updates[tr.UpdateID]
	if !ok {
		return fmt.Errorf("memstore: update %s: %w", tr.UpdateID, storage.ErrNotFound)
	}
	if u.Status != tr.From {
		return &model.TransitionError{UpdateID: tr.UpdateID, From: u.Status, To: tr.To}
	}
	prev := u
	u.Status = tr.To
	at := tr.At
	switch tr.To {
	case model.StatusApplied:
		u.AppliedAt = &at
	case model.StatusRolledBack:
		u.RolledBackAt = &at
	}
	if tr.Rollback != nil {
		rb := *tr.Rollback
		u.Rollback = &rb
	}
	if tr.Notes != nil {
		notes := *tr.Notes
		u.ReviewNotes = &notes
	}
	t.s.updates[tr.UpdateID] = u
	t.push(func() { t.s.updates[tr.UpdateID] = prev })
	return nil
}

func (t *memTx) AppendAudit(_ context.Context, e model.AuditEntry) error {
	n := len(t.s.audit)
	t.s.audit = append(t.s.audit, e)
	t.push(func() { t.s.audit = t.s.audit[:n] })
	return nil
}
