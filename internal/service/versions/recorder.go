// Package versions records which updates each apply batch produced.
package versions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/manabi/internal/integrity"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/storage"
	"github.com/ashita-ai/manabi/internal/telemetry"
)

// Recorder appends knowledge versions. Versions are never modified except
// for the active flag, which the store moves atomically.
type Recorder struct {
	store  storage.VersionStore
	logger *slog.Logger
	now    func() time.Time

	created metric.Int64Counter
}

// New creates a Recorder.
func New(store storage.VersionStore, logger *slog.Logger) *Recorder {
	created, _ := telemetry.Meter("manabi/versions").Int64Counter("manabi.versions.created",
		metric.WithDescription("Knowledge versions recorded"),
	)
	return &Recorder{store: store, logger: logger, now: time.Now, created: created}
}

// Record creates the next active version for agentID listing exactly the
// applied updates, committed to by their Merkle root and chained to the
// previous active version. Callers serialize Record per agent. An empty
// batch is rejected with model.ErrInvalidInput.
func (r *Recorder) Record(ctx context.Context, agentID string, applied []model.KnowledgeUpdate, description string, metrics map[string]float64) (model.KnowledgeVersion, error) {
	if len(applied) == 0 {
		return model.KnowledgeVersion{}, fmt.Errorf("versions: record with no updates: %w", model.ErrInvalidInput)
	}
	root, err := integrity.BatchRoot(applied)
	if err != nil {
		return model.KnowledgeVersion{}, fmt.Errorf("versions: batch root: %w", err)
	}
	var previous string
	prev, err := r.store.ActiveVersion(ctx, agentID)
	switch {
	case err == nil:
		previous = prev.ContentRoot
	case !errors.Is(err, storage.ErrNotFound):
		return model.KnowledgeVersion{}, fmt.Errorf("versions: previous for agent %s: %w", agentID, err)
	}

	ids := make([]uuid.UUID, len(applied))
	for i, u := range applied {
		ids[i] = u.ID
	}
	v, err := r.store.CreateVersion(ctx, model.KnowledgeVersion{
		ID:           uuid.New(),
		AgentID:      agentID,
		Description:  description,
		UpdateIDs:    ids,
		CreatedAt:    r.now().UTC(),
		Active:       true,
		Metrics:      metrics,
		ContentRoot:  root,
		PreviousRoot: previous,
	})
	if err != nil {
		return model.KnowledgeVersion{}, fmt.Errorf("versions: create for agent %s: %w", agentID, err)
	}
	r.created.Add(ctx, 1)
	r.logger.Info("versions: recorded",
		"agent_id", agentID,
		"version", v.Number,
		"updates", len(applied),
		"content_root", root,
	)
	return v, nil
}

// Verify recomputes v's content root from updates, which must be the
// updates v lists. It reports false when any update's content changed
// since the version was recorded or the set differs.
func Verify(v model.KnowledgeVersion, updates []model.KnowledgeUpdate) (bool, error) {
	if len(updates) != len(v.UpdateIDs) {
		return false, nil
	}
	for _, u := range updates {
		if !slices.Contains(v.UpdateIDs, u.ID) {
			return false, nil
		}
	}
	root, err := integrity.BatchRoot(updates)
	if err != nil {
		return false, fmt.Errorf("versions: verify %d: %w", v.Number, err)
	}
	return root == v.ContentRoot, nil
}

// List returns agentID's versions, newest first.
func (r *Recorder) List(ctx context.Context, agentID string) ([]model.KnowledgeVersion, error) {
	vs, err := r.store.ListVersions(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("versions: list for agent %s: %w", agentID, err)
	}
	return vs, nil
}

// Active returns agentID's active version. It wraps storage.ErrNotFound
// before the first batch is applied.
func (r *Recorder) Active(ctx context.Context, agentID string) (model.KnowledgeVersion, error) {
	v, err := r.store.ActiveVersion(ctx, agentID)
	if err != nil {
		return model.KnowledgeVersion{}, fmt.Errorf("versions: active for agent %s: %w", agentID, err)
	}
	return v, nil
}
