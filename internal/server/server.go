package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/manabi/internal/ratelimit"
	"github.com/ashita-ai/manabi/internal/service/feedback"
	"github.com/ashita-ai/manabi/internal/service/learning"
	"github.com/ashita-ai/manabi/internal/service/pipeline"
	"github.com/ashita-ai/manabi/internal/service/updates"
	"github.com/ashita-ai/manabi/internal/service/versions"
	"github.com/ashita-ai/manabi/internal/storage"
)

// Server is the Manabi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Dispatcher, MCPServer, RateLimiter, ExtraRoutes,
// Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Store     storage.Store
	Collector *feedback.Collector
	Engine    *learning.Engine
	Updates   *updates.Service
	Versions  *versions.Recorder
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Dispatcher *pipeline.Dispatcher
	MCPServer  *mcpserver.MCPServer

	// RateLimiter throttles the write routes per client IP.
	RateLimiter ratelimit.Limiter

	// ExtraRoutes are registered on the mux after the built-in routes.
	ExtraRoutes []func(*http.ServeMux)
	// Middlewares wrap the whole chain; the first one is outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg)

	mux := http.NewServeMux()

	// Write routes share one per-client budget.
	limited := func(fn http.HandlerFunc) http.Handler { return fn }
	if cfg.RateLimiter != nil {
		mw := ratelimit.Middleware(cfg.RateLimiter, ratelimit.ClientKey, func(r *http.Request) string {
			return RequestIDFromContext(r.Context())
		}, cfg.Logger)
		limited = func(fn http.HandlerFunc) http.Handler { return mw(fn) }
	}

	// Conversation transcripts and feedback from the chat transport.
	mux.Handle("POST /v1/conversations", limited(h.HandleSaveConversation))
	mux.Handle("POST /v1/feedback", limited(h.HandleCollectFeedback))
	mux.Handle("POST /v1/conversations/{id}/updates", limited(h.HandleProcessConversation))

	// Update queue.
	mux.HandleFunc("GET /v1/agents/{agent_id}/updates", h.HandleListUpdates)
	mux.Handle("POST /v1/agents/{agent_id}/updates", limited(h.HandleSubmitManualUpdate))
	mux.HandleFunc("GET /v1/agents/{agent_id}/updates/pending", h.HandlePendingUpdates)
	mux.HandleFunc("POST /v1/agents/{agent_id}/updates/apply", h.HandleApplyUpdates)
	mux.HandleFunc("GET /v1/agents/{agent_id}/updates/stats", h.HandleUpdateStatistics)
	mux.HandleFunc("GET /v1/updates/{id}", h.HandleGetUpdate)
	mux.HandleFunc("POST /v1/updates/{id}/review", h.HandleReviewUpdate)
	mux.HandleFunc("POST /v1/updates/{id}/rollback", h.HandleRollbackUpdate)

	// Per-agent configuration and history.
	mux.HandleFunc("GET /v1/agents/{agent_id}/config", h.HandleGetConfiguration)
	mux.HandleFunc("PATCH /v1/agents/{agent_id}/config", h.HandleUpdateConfiguration)
	mux.HandleFunc("GET /v1/agents/{agent_id}/versions", h.HandleListVersions)
	mux.HandleFunc("GET /v1/agents/{agent_id}/versions/active", h.HandleActiveVersion)
	mux.HandleFunc("GET /v1/agents/{agent_id}/versions/{number}/verify", h.HandleVerifyVersion)
	mux.HandleFunc("GET /v1/agents/{agent_id}/audit", h.HandleListAudit)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
