package api

import (
	"net/http"

	"github.com/Rrens/llm-relay/internal/api/handler"
	customMiddleware "github.com/Rrens/llm-relay/internal/api/middleware"
	"github.com/Rrens/llm-relay/internal/config"
	"github.com/Rrens/llm-relay/internal/llm"
	"github.com/Rrens/llm-relay/internal/metrics"
	"github.com/Rrens/llm-relay/internal/security"
	"github.com/Rrens/llm-relay/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
)

// Dependencies are the components served over HTTP. JWT, RateLimiter and
// Cache may be nil.
type Dependencies struct {
	Config       *config.Config
	LLM          *llm.Router
	Orchestrator *service.Orchestrator
	Sessions     *service.SessionManager
	Quota        *service.QuotaTracker
	Metrics      *metrics.Metrics
	JWT          *security.JWTManager
	RateLimiter  customMiddleware.Limiter
	Cache        handler.Flusher
	Readiness    map[string]handler.Pinger
}

// NewRouter creates and configures the HTTP router
func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Logger)
	r.Use(middleware.Recoverer)
	if cfg.Server.MiddlewareTimeout > 0 {
		r.Use(middleware.Timeout(cfg.Server.MiddlewareTimeout))
	}

	// CORS
	origins := cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if cfg.Metrics.Enabled && deps.Metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, deps.Metrics.Handler())
	}

	chatHandler := handler.NewChatHandler(deps.Orchestrator, deps.Quota)
	sessionHandler := handler.NewSessionHandler(deps.Sessions, deps.Orchestrator)

	scope := func(string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check
		r.Get("/health", handler.HealthCheck)
		r.Get("/ready", handler.ReadyCheck(deps.Readiness))

		// Protected routes
		r.Group(func(r chi.Router) {
			if deps.JWT != nil {
				r.Use(customMiddleware.NewAuthMiddleware(deps.JWT).Authenticate)
				scope = customMiddleware.RequireScope
				if deps.RateLimiter != nil {
					r.Use(customMiddleware.NewRateLimitMiddleware(deps.RateLimiter).Limit)
				}
			} else {
				log.Warn().Msg("auth.jwt_secret not set, API routes are unauthenticated")
			}

			r.Get("/models", handler.ListModels(deps.LLM, deps.Quota, cfg.LLM.DefaultModel))

			r.With(scope(security.ScopeChat)).Post("/chat", chatHandler.Chat)
			r.With(scope(security.ScopeUsage)).Get("/usage/{userID}", chatHandler.Usage)

			if deps.Cache != nil {
				r.With(scope(security.ScopeAdmin)).Post("/cache/flush", handler.FlushCache(deps.Cache))
			}

			r.Route("/sessions", func(r chi.Router) {
				r.Use(scope(security.ScopeSessions))

				r.Post("/", sessionHandler.Create)

				r.Route("/{threadID}", func(r chi.Router) {
					r.Get("/", sessionHandler.Get)
					r.Delete("/", sessionHandler.End)
					r.Post("/messages", sessionHandler.Message)
					r.Post("/pause", sessionHandler.Pause)
					r.Post("/resume", sessionHandler.Resume)
					r.Post("/clear", sessionHandler.Clear)
				})
			})
		})
	})

	return r
}
