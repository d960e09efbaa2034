package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/service/feedback"
	"github.com/ashita-ai/manabi/internal/service/learning"
	"github.com/ashita-ai/manabi/internal/service/pipeline"
	"github.com/ashita-ai/manabi/internal/service/updates"
	"github.com/ashita-ai/manabi/internal/service/versions"
	"github.com/ashita-ai/manabi/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	collector           *feedback.Collector
	engine              *learning.Engine
	updates             *updates.Service
	versions            *versions.Recorder
	dispatcher          *pipeline.Dispatcher
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// NewHandlers creates Handlers from the server configuration.
func NewHandlers(cfg ServerConfig) *Handlers {
	return &Handlers{
		store:               cfg.Store,
		collector:           cfg.Collector,
		engine:              cfg.Engine,
		updates:             cfg.Updates,
		versions:            cfg.Versions,
		dispatcher:          cfg.Dispatcher,
		logger:              cfg.Logger,
		startedAt:           time.Now(),
		version:             cfg.Version,
		maxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
}

// HandleSaveConversation handles POST /v1/conversations.
func (h *Handlers) HandleSaveConversation(w http.ResponseWriter, r *http.Request) {
	var conv model.Conversation
	if err := decodeJSON(w, r, &conv, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateConversation(conv); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	if err := h.store.SaveConversation(r.Context(), conv); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, conv)
}

// HandleCollectFeedback handles POST /v1/feedback.
func (h *Handlers) HandleCollectFeedback(w http.ResponseWriter, r *http.Request) {
	var req model.CollectFeedbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	rec, err := h.collector.Collect(r.Context(), feedback.Input{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		UserID:         req.UserID,
		AgentID:        req.AgentID,
		Explicit:       req.Explicit,
		Implicit:       req.Implicit,
		Context:        req.Context,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, rec)
}

// HandleProcessConversation handles POST /v1/conversations/{id}/updates.
func (h *Handlers) HandleProcessConversation(w http.ResponseWriter, r *http.Request) {
	var req model.ProcessConversationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	created, err := h.updates.ProcessConversationForUpdates(r.Context(), r.PathValue("id"), req.AgentID, req.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, nonNil(created))
}

// HandleListUpdates handles GET /v1/agents/{agent_id}/updates.
// Optional query: status (repeatable or comma-separated), limit.
func (h *Handlers) HandleListUpdates(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	list, err := h.updates.ListUpdates(r.Context(), r.PathValue("agent_id"), statuses, queryLimit(r, 100))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, nonNil(list))
}

// HandleSubmitManualUpdate handles POST /v1/agents/{agent_id}/updates.
func (h *Handlers) HandleSubmitManualUpdate(w http.ResponseWriter, r *http.Request) {
	var req model.ManualUpdateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateCandidate(req.Candidate); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	u, err := h.updates.SubmitManualUpdate(r.Context(), r.PathValue("agent_id"), req.Candidate, req.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, u)
}

// HandlePendingUpdates handles GET /v1/agents/{agent_id}/updates/pending.
func (h *Handlers) HandlePendingUpdates(w http.ResponseWriter, r *http.Request) {
	list, err := h.updates.GetPendingUpdates(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, nonNil(list))
}

// HandleApplyUpdates handles POST /v1/agents/{agent_id}/updates/apply.
// An empty body applies every approved update.
func (h *Handlers) HandleApplyUpdates(w http.ResponseWriter, r *http.Request) {
	var req model.ApplyUpdatesRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}
	res, err := h.updates.ApplyKnowledgeUpdates(r.Context(), r.PathValue("agent_id"), req.UpdateIDs)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleUpdateStatistics handles GET /v1/agents/{agent_id}/updates/stats.
func (h *Handlers) HandleUpdateStatistics(w http.ResponseWriter, r *http.Request) {
	st, err := h.updates.GetUpdateStatistics(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleGetUpdate handles GET /v1/updates/{id}.
func (h *Handlers) HandleGetUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUpdateID(w, r)
	if !ok {
		return
	}
	u, err := h.updates.GetUpdate(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}

// HandleReviewUpdate handles POST /v1/updates/{id}/review.
func (h *Handlers) HandleReviewUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUpdateID(w, r)
	if !ok {
		return
	}
	var req model.ReviewUpdateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	u, err := h.updates.ReviewUpdate(r.Context(), id, req.Approve, req.Notes)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}

// HandleRollbackUpdate handles POST /v1/updates/{id}/rollback.
func (h *Handlers) HandleRollbackUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUpdateID(w, r)
	if !ok {
		return
	}
	u, err := h.updates.RollbackUpdate(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}

// HandleGetConfiguration handles GET /v1/agents/{agent_id}/config.
func (h *Handlers) HandleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.engine.Configuration(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cfg)
}

// HandleUpdateConfiguration handles PATCH /v1/agents/{agent_id}/config.
func (h *Handlers) HandleUpdateConfiguration(w http.ResponseWriter, r *http.Request) {
	var patch model.LearningConfigurationPatch
	if err := decodeJSON(w, r, &patch, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	cfg, err := h.engine.UpdateConfiguration(r.Context(), r.PathValue("agent_id"), patch)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cfg)
}

// HandleListVersions handles GET /v1/agents/{agent_id}/versions.
func (h *Handlers) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	list, err := h.versions.List(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, nonNil(list))
}

// HandleActiveVersion handles GET /v1/agents/{agent_id}/versions/active.
func (h *Handlers) HandleActiveVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.versions.Active(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, v)
}

// HandleVerifyVersion handles GET /v1/agents/{agent_id}/versions/{number}/verify.
func (h *Handlers) HandleVerifyVersion(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || number < 1 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid version number")
		return
	}
	res, err := h.updates.VerifyVersion(r.Context(), r.PathValue("agent_id"), number)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleListAudit handles GET /v1/agents/{agent_id}/audit.
func (h *Handlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListAudit(r.Context(), r.PathValue("agent_id"), queryLimit(r, 100))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, nonNil(entries))
}

// HandleHealth handles GET /health (no auth).
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:  status,
		Version: h.version,
		Store:   storeStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	if h.dispatcher != nil {
		resp.DispatchDepth = h.dispatcher.Len()
		resp.DispatchDropped = h.dispatcher.Dropped()
	}
	writeJSON(w, r, httpStatus, resp)
}

func parseUpdateID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.PathValue("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("invalid update id: %q", raw))
		return uuid.Nil, false
	}
	return id, true
}

func parseStatuses(r *http.Request) ([]model.UpdateStatus, error) {
	var out []model.UpdateStatus
	for _, v := range r.URL.Query()["status"] {
		for _, s := range strings.Split(v, ",") {
			st := model.UpdateStatus(strings.ToUpper(strings.TrimSpace(s)))
			if st == "" {
				continue
			}
			switch st {
			case model.StatusPending, model.StatusApproved, model.StatusRejected, model.StatusApplied, model.StatusRolledBack:
				out = append(out, st)
			default:
				return nil, fmt.Errorf("unknown status %q", s)
			}
		}
	}
	return out, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// nonNil keeps empty lists encoding as [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
