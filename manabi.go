// Package manabi is the public API for embedding the Manabi learning server.
//
// Consumers construct and extend the server without forking it:
//
//	app, err := manabi.New(
//	    manabi.WithVersion(version),
//	    manabi.WithLogger(logger),
//	    manabi.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// manabi (root) imports internal/*, but internal/* never imports manabi.
package manabi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/manabi/internal/analysis"
	"github.com/ashita-ai/manabi/internal/config"
	"github.com/ashita-ai/manabi/internal/extraction"
	"github.com/ashita-ai/manabi/internal/mcp"
	"github.com/ashita-ai/manabi/internal/memstore"
	"github.com/ashita-ai/manabi/internal/ratelimit"
	"github.com/ashita-ai/manabi/internal/server"
	"github.com/ashita-ai/manabi/internal/service/feedback"
	"github.com/ashita-ai/manabi/internal/service/learning"
	"github.com/ashita-ai/manabi/internal/service/pipeline"
	"github.com/ashita-ai/manabi/internal/service/updates"
	"github.com/ashita-ai/manabi/internal/service/versions"
	"github.com/ashita-ai/manabi/internal/storage"
	"github.com/ashita-ai/manabi/internal/telemetry"
	"github.com/ashita-ai/manabi/migrations"
)

// App is the Manabi server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB // nil when running on the in-memory store
	srv          *server.Server
	dispatcher   *pipeline.Dispatcher
	scheduler    *updates.Scheduler
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Manabi server. It opens the store, runs migrations,
// wires all subsystems, and returns a ready-to-run App. It does NOT start
// any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("manabi starting", "version", version, "port", cfg.Port, "policy", cfg.Policy.Version)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		PolicyVersion:  cfg.Policy.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, db, err := openStore(ctx, cfg, o, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}
	fail := func(err error) (*App, error) {
		if db != nil {
			db.Close()
		}
		_ = otelShutdown(ctx)
		return nil, err
	}

	engine, err := learning.New(store, cfg.Policy, logger)
	if err != nil {
		return fail(fmt.Errorf("learning engine: %w", err))
	}

	extractor := o.extractor
	if extractor == nil {
		h, err := extraction.NewHeuristicExtractor(store, extraction.Config{})
		if err != nil {
			return fail(fmt.Errorf("extraction: %w", err))
		}
		extractor = h
	}
	analyzer := o.analyzer
	if analyzer == nil {
		analyzer = analysis.New()
	}

	recorder := versions.New(store, logger)
	updateSvc, err := updates.New(store, engine, extractor, recorder, cfg.Policy, logger)
	if err != nil {
		return fail(fmt.Errorf("updates: %w", err))
	}

	// Feedback collection returns immediately; learning runs on the dispatcher.
	dispatcher := pipeline.NewDispatcher(cfg.Policy.DispatchQueueSize, cfg.Policy.DispatchWorkers, cfg.Policy.TurnTimeout, logger)
	trigger := pipeline.NewFeedbackTrigger(dispatcher, updateSvc, engine, logger)
	collector := feedback.New(store, store, analyzer, trigger, logger, feedback.WithAnalysisTimeout(cfg.Policy.TurnTimeout))

	scheduler := updates.NewScheduler(updateSvc, store, engine, cfg.Policy.SchedulerInterval, cfg.Policy.DispatchWorkers, logger)

	var mcpSrv *mcp.Server
	if cfg.DisableMCP {
		logger.Info("mcp: disabled (MANABI_DISABLE_MCP=true)")
	} else {
		mcpSrv = mcp.New(updateSvc, engine, recorder, logger, version)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srvCfg := server.ServerConfig{
		Store:               store,
		Collector:           collector,
		Engine:              engine,
		Updates:             updateSvc,
		Versions:            recorder,
		Logger:              logger,
		Dispatcher:          dispatcher,
		RateLimiter:         limiter,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	if mcpSrv != nil {
		srvCfg.MCPServer = mcpSrv.MCPServer()
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          server.New(srvCfg),
		dispatcher:   dispatcher,
		scheduler:    scheduler,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// openStore connects to Postgres and runs migrations when a database URL is
// configured. Otherwise it returns the in-memory store and a nil DB.
func openStore(ctx context.Context, cfg config.Config, o resolvedOptions, logger *slog.Logger) (storage.Store, *storage.DB, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("storage: no DATABASE_URL, using in-memory store", "risk", "all state is lost on restart")
		return memstore.New(), nil, nil
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}
	logger.Info("storage: postgres ready")
	return db, db, nil
}

// Handler returns the root HTTP handler, including middleware.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the dispatcher, the scheduler and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return, Shutdown
// has been called; callers should not call it again.
func (a *App) Run(ctx context.Context) error {
	a.dispatcher.Start(ctx)
	a.scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.logger.Error("http server failed", "error", runErr)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown stops the server in phases:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) drain queued learning jobs,
// (3) stop the auto-apply scheduler.
// It then closes the database pool and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("manabi shutting down")

	// Phase 1: HTTP drain. In-flight feedback requests may still enqueue jobs.
	var shutdownErr error
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
		shutdownErr = fmt.Errorf("http shutdown: %w", err)
	}
	httpCancel()

	// Phase 2: learning job drain.
	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	a.dispatcher.Drain(drainCtx)
	drainCancel()

	// Phase 3: scheduler.
	stopCtx, stopCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	a.scheduler.Stop(stopCtx)
	stopCancel()

	_ = a.limiter.Close()
	if err := a.otelShutdown(context.Background()); err != nil {
		a.logger.Warn("telemetry shutdown error", "error", err)
	}
	if a.db != nil {
		a.db.Close()
	}

	a.logger.Info("manabi stopped", "dropped_jobs", a.dispatcher.Dropped())
	return shutdownErr
}

// contextWithOptionalTimeout returns ctx with a timeout when d > 0.
// A zero duration means no timeout: the phase waits as long as ctx allows.
func contextWithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
