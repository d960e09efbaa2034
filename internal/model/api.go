package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for caller-supplied text.
// These keep a single oversized field from inflating conflict tokenization
// or filling Postgres TEXT columns with caller-controlled garbage.
const (
	MaxCommentLen   = 8 * 1024  // 8 KB
	MaxNotesLen     = 8 * 1024  // 8 KB
	MaxPayloadBytes = 64 * 1024 // 64 KB
	MaxEvidence     = 50
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// CollectFeedbackRequest is the request body for POST /v1/feedback.
type CollectFeedbackRequest struct {
	ConversationID string             `json:"conversation_id"`
	MessageID      string             `json:"message_id"`
	UserID         string             `json:"user_id"`
	AgentID        string             `json:"agent_id"`
	Explicit       *ExplicitFeedback  `json:"explicit,omitempty"`
	Implicit       *ImplicitOverrides `json:"implicit,omitempty"`
	Context        *ContextOverrides  `json:"context,omitempty"`
}

// Validate checks required ids and explicit feedback ranges.
func (r CollectFeedbackRequest) Validate() error {
	switch {
	case r.ConversationID == "":
		return fmt.Errorf("conversation_id is required")
	case r.MessageID == "":
		return fmt.Errorf("message_id is required")
	case r.UserID == "":
		return fmt.Errorf("user_id is required")
	case r.AgentID == "":
		return fmt.Errorf("agent_id is required")
	}
	if e := r.Explicit; e != nil {
		if e.MaxRating < 0 {
			return fmt.Errorf("explicit.max_rating must not be negative")
		}
		if e.Rating != nil && *e.Rating < 0 {
			return fmt.Errorf("explicit.rating must not be negative")
		}
		if len(e.Comment) > MaxCommentLen {
			return fmt.Errorf("explicit.comment exceeds maximum length of %d bytes", MaxCommentLen)
		}
	}
	return nil
}

// ProcessConversationRequest is the request body for
// POST /v1/conversations/{id}/updates.
type ProcessConversationRequest struct {
	AgentID string `json:"agent_id"`
	UserID  string `json:"user_id"`
}

// Validate checks required ids.
func (r ProcessConversationRequest) Validate() error {
	switch {
	case r.AgentID == "":
		return fmt.Errorf("agent_id is required")
	case r.UserID == "":
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// ApplyUpdatesRequest is the request body for POST /v1/agents/{agent_id}/updates/apply.
// An empty UpdateIDs applies every approved update.
type ApplyUpdatesRequest struct {
	UpdateIDs []uuid.UUID `json:"update_ids,omitempty"`
}

// ReviewUpdateRequest is the request body for POST /v1/updates/{id}/review.
type ReviewUpdateRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes,omitempty"`
}

// Validate checks the notes length.
func (r ReviewUpdateRequest) Validate() error {
	if len(r.Notes) > MaxNotesLen {
		return fmt.Errorf("notes exceeds maximum length of %d bytes", MaxNotesLen)
	}
	return nil
}

// ManualUpdateRequest is the request body for POST /v1/agents/{agent_id}/updates.
type ManualUpdateRequest struct {
	Candidate CandidateItem `json:"candidate"`
	Reason    string        `json:"reason,omitempty"`
}

// ValidateCandidate checks that a candidate is well formed.
func ValidateCandidate(c CandidateItem) error {
	if !c.Type.Valid() {
		return fmt.Errorf("candidate type %q is not a known knowledge type", c.Type)
	}
	if len(c.Payload) == 0 {
		return fmt.Errorf("candidate payload is required")
	}
	if c.Confidence != nil && (*c.Confidence < 0 || *c.Confidence > 1) {
		return fmt.Errorf("candidate confidence must be between 0 and 1")
	}
	if len(c.Evidence)+len(c.Sources)+len(c.References) > MaxEvidence {
		return fmt.Errorf("candidate carries more than %d evidence entries", MaxEvidence)
	}
	return nil
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Store           string `json:"store"`
	DispatchDepth   int    `json:"dispatch_depth"`
	DispatchDropped int64  `json:"dispatch_dropped"`
	Uptime          int64  `json:"uptime_seconds"`
}

// ValidateConversation checks a transcript posted to POST /v1/conversations.
func ValidateConversation(c Conversation) error {
	switch {
	case c.ID == "":
		return fmt.Errorf("id is required")
	case c.AgentID == "":
		return fmt.Errorf("agent_id is required")
	case c.UserID == "":
		return fmt.Errorf("user_id is required")
	case len(c.Messages) == 0:
		return fmt.Errorf("messages must not be empty")
	}
	seen := make(map[string]bool, len(c.Messages))
	for i, m := range c.Messages {
		if m.ID == "" {
			return fmt.Errorf("messages[%d].id is required", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("messages[%d].id %q is duplicated", i, m.ID)
		}
		seen[m.ID] = true
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return fmt.Errorf("messages[%d].role %q is not user, assistant or system", i, m.Role)
		}
	}
	return nil
}
