package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/config"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/session"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config  *config.Config
	Steps   StepLookup
	Codec   *session.Codec
	Logger  *zap.Logger
	Metrics *observability.Metrics

	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline. Health,
// readiness, and metrics endpoints bypass session authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	health := deps.HealthHandler
	if health == nil {
		health = observability.HandleHealth()
	}
	r.Method(http.MethodGet, "/healthz", health)
	if deps.ReadyHandler != nil {
		r.Method(http.MethodGet, "/readyz", deps.ReadyHandler)
	}
	if deps.MetricsHandler != nil && cfg.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Observability.Metrics.Path, deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(SessionAuthenticator(deps.Codec))
		r.Use(BuildRequestContext(logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(BodyLimit(cfg.Server.MaxBodyBytes))
		r.Use(RequestLogging(logger))

		r.Post("/{basePath}/{stepId}/index", handleAction(deps.Steps, logger))
	})

	return r
}
