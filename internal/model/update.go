package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KnowledgeType tags what kind of knowledge a candidate or item carries.
type KnowledgeType string

const (
	KnowledgeFAQ        KnowledgeType = "FAQ"
	KnowledgeExample    KnowledgeType = "EXAMPLE"
	KnowledgeSolution   KnowledgeType = "SOLUTION"
	KnowledgeProcedure  KnowledgeType = "PROCEDURE"
	KnowledgeFact       KnowledgeType = "FACT"
	KnowledgeConceptual KnowledgeType = "CONCEPTUAL"
	KnowledgePattern    KnowledgeType = "PATTERN"
)

// Valid reports whether t is a known knowledge type.
func (t KnowledgeType) Valid() bool {
	switch t {
	case KnowledgeFAQ, KnowledgeExample, KnowledgeSolution, KnowledgeProcedure,
		KnowledgeFact, KnowledgeConceptual, KnowledgePattern:
		return true
	}
	return false
}

// CandidateItem is a proposed piece of knowledge from the extraction collaborator.
// Payload flags isNew, isModification, shouldMerge, isDeletion and shouldSplit
// select the update kind. Payload keys targetId, sourceIds and parts carry the
// ids and contents those kinds act on.
type CandidateItem struct {
	Type       KnowledgeType  `json:"type"`
	Payload    map[string]any `json:"payload"`
	Confidence *float64       `json:"confidence,omitempty"`
	Evidence   []string       `json:"evidence,omitempty"`
	Sources    []string       `json:"sources,omitempty"`
	References []string       `json:"references,omitempty"`
	Context    string         `json:"context,omitempty"`
}

// UpdateKind is the mutation an update performs on the knowledge store.
type UpdateKind string

const (
	KindAddition     UpdateKind = "ADDITION"
	KindModification UpdateKind = "MODIFICATION"
	KindDeletion     UpdateKind = "DELETION"
	KindMerge        UpdateKind = "MERGE"
	KindSplit        UpdateKind = "SPLIT"
)

// Valid reports whether k is a known kind.
func (k UpdateKind) Valid() bool {
	switch k {
	case KindAddition, KindModification, KindDeletion, KindMerge, KindSplit:
		return true
	}
	return false
}

// UpdateStatus is the lifecycle state of a KnowledgeUpdate.
type UpdateStatus string

const (
	StatusPending    UpdateStatus = "PENDING"
	StatusApproved   UpdateStatus = "APPROVED"
	StatusRejected   UpdateStatus = "REJECTED"
	StatusApplied    UpdateStatus = "APPLIED"
	StatusRolledBack UpdateStatus = "ROLLED_BACK"
)

// transitions lists the only legal status edges.
var transitions = map[UpdateStatus][]UpdateStatus{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusApplied},
	StatusApplied:  {StatusRolledBack},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to UpdateStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a *TransitionError when from -> to is illegal.
func CheckTransition(id uuid.UUID, from, to UpdateStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{UpdateID: id, From: from, To: to}
}

// UpdateOrigin records where an update came from.
type UpdateOrigin string

const (
	OriginConversation UpdateOrigin = "conversation"
	OriginFeedback     UpdateOrigin = "feedback"
	OriginManual       UpdateOrigin = "manual"
)

// UpdateContent is the payload of a KnowledgeUpdate.
//
// TargetID names the item that MODIFICATION, DELETION and SPLIT act on and the
// id an ADDITION inserts. SourceIDs lists the items a MERGE combines. Parts
// holds the contents a SPLIT produces.
type UpdateContent struct {
	Type      KnowledgeType    `json:"type"`
	TargetID  string           `json:"target_id,omitempty"`
	SourceIDs []string         `json:"source_ids,omitempty"`
	Original  map[string]any   `json:"original,omitempty"`
	Updated   map[string]any   `json:"updated"`
	Parts     []map[string]any `json:"parts,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// KnowledgeUpdate is a single proposed, trackable mutation of an agent's knowledge.
// Updates are never deleted.
type KnowledgeUpdate struct {
	ID           uuid.UUID     `json:"id"`
	AgentID      string        `json:"agent_id"`
	Kind         UpdateKind    `json:"kind"`
	Status       UpdateStatus  `json:"status"`
	Origin       UpdateOrigin  `json:"origin"`
	SourceID     string        `json:"source_id,omitempty"`
	Confidence   float64       `json:"confidence"`
	Priority     int           `json:"priority"`
	Content      UpdateContent `json:"content"`
	Reasoning    string        `json:"reasoning"`
	Evidence     []string      `json:"evidence"`
	ReviewNotes  *string       `json:"review_notes,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	AppliedAt    *time.Time    `json:"applied_at,omitempty"`
	RolledBackAt *time.Time    `json:"rolled_back_at,omitempty"`
	Rollback     *Rollback     `json:"rollback,omitempty"`
}

// Less orders updates for application: priority ascending, then creation time.
func (u KnowledgeUpdate) Less(o KnowledgeUpdate) bool {
	if u.Priority != o.Priority {
		return u.Priority < o.Priority
	}
	if !u.CreatedAt.Equal(o.CreatedAt) {
		return u.CreatedAt.Before(o.CreatedAt)
	}
	return u.ID.String() < o.ID.String()
}

// KnowledgeItem is one record in an agent's knowledge store.
type KnowledgeItem struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Type      KnowledgeType  `json:"type"`
	Content   map[string]any `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Rollback is the data needed to reverse an applied update. Exactly one
// variant is set, matching Kind.
type Rollback struct {
	UpdateID     uuid.UUID             `json:"update_id"`
	Kind         UpdateKind            `json:"kind"`
	CapturedAt   time.Time             `json:"captured_at"`
	Addition     *AdditionRollback     `json:"addition,omitempty"`
	Modification *ModificationRollback `json:"modification,omitempty"`
	Deletion     *DeletionRollback     `json:"deletion,omitempty"`
	Merge        *MergeRollback        `json:"merge,omitempty"`
	Split        *SplitRollback        `json:"split,omitempty"`
}

// AdditionRollback removes the inserted item.
type AdditionRollback struct {
	ItemID string `json:"item_id"`
}

// ModificationRollback restores the replaced item.
type ModificationRollback struct {
	PreImage KnowledgeItem `json:"pre_image"`
}

// DeletionRollback re-inserts the removed item.
type DeletionRollback struct {
	PreImage KnowledgeItem `json:"pre_image"`
}

// MergeRollback removes the merged item and restores its sources.
type MergeRollback struct {
	MergedID string          `json:"merged_id"`
	Sources  []KnowledgeItem `json:"sources"`
}

// SplitRollback removes the parts and restores the original item.
type SplitRollback struct {
	Source  KnowledgeItem `json:"source"`
	PartIDs []string      `json:"part_ids"`
}

// Validate checks that the variant matching Kind is present.
func (r Rollback) Validate() error {
	var ok bool
	switch r.Kind {
	case KindAddition:
		ok = r.Addition != nil
	case KindModification:
		ok = r.Modification != nil
	case KindDeletion:
		ok = r.Deletion != nil
	case KindMerge:
		ok = r.Merge != nil
	case KindSplit:
		ok = r.Split != nil
	default:
		return fmt.Errorf("rollback: unknown kind %q", r.Kind)
	}
	if !ok {
		return fmt.Errorf("rollback: missing %s payload", r.Kind)
	}
	return nil
}

// ConflictKind classifies why updates cannot be applied together.
type ConflictKind string

const (
	ConflictDuplicate     ConflictKind = "DUPLICATE"
	ConflictContradiction ConflictKind = "CONTRADICTION"
	ConflictOverlap       ConflictKind = "OVERLAP"
)

// ConflictResolution is how a conflict should be settled.
type ConflictResolution string

const (
	ResolutionMerge    ConflictResolution = "MERGE"
	ResolutionReplace  ConflictResolution = "REPLACE"
	ResolutionKeepBoth ConflictResolution = "KEEP_BOTH"
	ResolutionManual   ConflictResolution = "MANUAL"
)

// KnowledgeConflict ties updates that must not be applied in the same pass.
// Conflicts are recomputed on every apply pass and never stored.
type KnowledgeConflict struct {
	UpdateIDs  []uuid.UUID        `json:"update_ids"`
	Kind       ConflictKind       `json:"kind"`
	Resolution ConflictResolution `json:"resolution"`
	Confidence float64            `json:"confidence"`
}

// KnowledgeVersion is an immutable snapshot of which updates were applied.
// ContentRoot is the Merkle root over the applied updates' content hashes;
// PreviousRoot is the prior version's ContentRoot, chaining the history.
type KnowledgeVersion struct {
	ID           uuid.UUID          `json:"id"`
	AgentID      string             `json:"agent_id"`
	Number       int                `json:"number"`
	Description  string             `json:"description"`
	UpdateIDs    []uuid.UUID        `json:"update_ids"`
	CreatedAt    time.Time          `json:"created_at"`
	Active       bool               `json:"active"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	ContentRoot  string             `json:"content_root"`
	PreviousRoot string             `json:"previous_root,omitempty"`
}

// VersionVerification is the result of recomputing a version's hashes.
// ContentValid means the listed updates still hash to ContentRoot;
// ChainValid means PreviousRoot matches the preceding version.
type VersionVerification struct {
	AgentID      string `json:"agent_id"`
	Number       int    `json:"number"`
	ContentRoot  string `json:"content_root"`
	ContentValid bool   `json:"content_valid"`
	ChainValid   bool   `json:"chain_valid"`
}

// ApplyFailure records one update that could not be applied in a batch.
type ApplyFailure struct {
	UpdateID uuid.UUID `json:"update_id"`
	Error    string    `json:"error"`
}

// ApplyResult summarizes one apply batch for an agent.
type ApplyResult struct {
	Applied    int                 `json:"applied"`
	Failed     int                 `json:"failed"`
	Conflicts  []KnowledgeConflict `json:"conflicts"`
	AppliedIDs []uuid.UUID         `json:"applied_ids"`
	Failures   []ApplyFailure      `json:"failures,omitempty"`
	Version    *KnowledgeVersion   `json:"version,omitempty"`
}

// UpdateStatistics aggregates an agent's update history.
type UpdateStatistics struct {
	AgentID           string               `json:"agent_id"`
	Total             int                  `json:"total"`
	ByStatus          map[UpdateStatus]int `json:"by_status"`
	ByKind            map[UpdateKind]int   `json:"by_kind"`
	ByOrigin          map[UpdateOrigin]int `json:"by_origin"`
	AverageConfidence float64              `json:"average_confidence"`
	ApprovalRate      float64              `json:"approval_rate"`
	ActiveVersion     int                  `json:"active_version"`
	LastAppliedAt     *time.Time           `json:"last_applied_at,omitempty"`
}

// AuditAction names a reviewable lifecycle event.
type AuditAction string

const (
	AuditCreated    AuditAction = "created"
	AuditApproved   AuditAction = "approved"
	AuditRejected   AuditAction = "rejected"
	AuditApplied    AuditAction = "applied"
	AuditRolledBack AuditAction = "rolled_back"
)

// AuditEntry is an append-only record of an update lifecycle event.
type AuditEntry struct {
	ID         uuid.UUID      `json:"id"`
	AgentID    string         `json:"agent_id"`
	UpdateID   uuid.UUID      `json:"update_id"`
	Action     AuditAction    `json:"action"`
	FromStatus UpdateStatus   `json:"from_status,omitempty"`
	ToStatus   UpdateStatus   `json:"to_status"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
