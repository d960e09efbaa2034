package manabi

import (
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/ashita-ai/manabi/internal/extraction"
	"github.com/ashita-ai/manabi/internal/service/feedback"
)

// Option configures an App.
type Option func(*resolvedOptions)

// RouteRegistrar adds routes to the shared HTTP mux.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the whole HTTP handler chain.
type Middleware func(next http.Handler) http.Handler

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	logger          *slog.Logger
	version         string
	extractor       extraction.Extractor
	analyzer        feedback.ContextAnalyzer
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (MANABI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithExtractor replaces the built-in pattern-based knowledge extractor.
func WithExtractor(e extraction.Extractor) Option {
	return func(o *resolvedOptions) { o.extractor = e }
}

// WithAnalyzer replaces the built-in heuristic context analyzer used when
// collecting feedback.
func WithAnalyzer(a feedback.ContextAnalyzer) Option {
	return func(o *resolvedOptions) { o.analyzer = a }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Registrars are called in registration order, after the built-in routes.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
// The first-registered middleware is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds an SQL migration filesystem applied after the
// built-in migrations. Ignored on the in-memory store.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
