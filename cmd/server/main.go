package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Rrens/llm-relay/internal/api"
	"github.com/Rrens/llm-relay/internal/api/handler"
	customMiddleware "github.com/Rrens/llm-relay/internal/api/middleware"
	"github.com/Rrens/llm-relay/internal/config"
	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/logger"
	"github.com/Rrens/llm-relay/internal/metrics"
	"github.com/Rrens/llm-relay/internal/platform/discord"
	"github.com/Rrens/llm-relay/internal/repository/redis"
	"github.com/Rrens/llm-relay/internal/security"
	"github.com/Rrens/llm-relay/internal/service"
	"github.com/Rrens/llm-relay/internal/tools"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file - try multiple locations
	for _, p := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(p); err == nil {
			fmt.Printf("Loaded .env from: %s\n", p)
			break
		}
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logger
	if os.Getenv("ENV") != "production" && cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	logCloser, err := logger.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logCloser.Close()

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("storage", cfg.Storage.Driver).
		Msg("Starting LLM relay server")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	m := metrics.New()

	// Initialize storage
	store, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer store.Close()

	// Discord thread teardown
	var closer domain.ThreadCloser
	var bot *discord.Bot
	if cfg.Discord.BotToken != "" {
		bot, err = discord.New(cfg.Discord.BotToken, cfg.Discord.CloseMode)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Discord bot")
		}
		closer = bot
	} else {
		log.Warn().Msg("Discord bot token not set, session threads will not be closed")
	}

	// Initialize services
	llmRouter := newLLMRouter(cfg)

	var searchCache tools.SearchCache
	var flusher handler.Flusher
	var limiter customMiddleware.Limiter
	if store.redis != nil {
		c := redis.NewSearchCache(store.redis, cfg.Redis.CacheTTL)
		searchCache, flusher = c, c
		limiter = redis.NewRateLimiter(store.redis, cfg.Server.RateLimit.RequestsPerMinute, cfg.Server.RateLimit.Burst)
	}
	toolRegistry := tools.NewDefaultRegistry(cfg, m, searchCache)

	quota := service.NewQuotaTracker(store.usage, service.QuotaOptions{
		Limits:         cfg.Quota.LimitTable(),
		Ordering:       service.QuotaOrdering(cfg.Quota.Ordering),
		DefaultModel:   cfg.LLM.DefaultModel,
		FallbackModel:  cfg.LLM.FallbackModel,
		FallbackMargin: cfg.Quota.FallbackMargin,
	}, m)

	sessions := service.NewSessionManager(store.sessions, closer, service.SessionConfig{
		TTL:                cfg.Session.TTL,
		MaxMessages:        cfg.Session.MaxMessages,
		AutoArchiveMinutes: cfg.Session.AutoArchiveMinutes,
	}, m)
	defer sessions.Shutdown()

	recovered, err := sessions.Recover(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to recover sessions")
	} else {
		log.Info().Int("sessions", recovered).Msg("Sessions recovered")
	}

	orchestrator := service.NewOrchestrator(llmRouter, toolRegistry, quota, sessions, m, service.OrchestratorConfig{
		MaxToolRounds: cfg.LLM.MaxToolRounds,
		Language:      cfg.LLM.Language,
		Prompts:       promptTable(cfg),
	})

	if bot != nil {
		bot.OnThreadDeleted(sessions)
		if err := bot.Open(); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Discord")
		}
		defer bot.Close()
	}

	var jwtManager *security.JWTManager
	if cfg.Auth.JWTSecret != "" {
		jwtManager = security.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	}

	// Initialize router
	router := api.NewRouter(api.Dependencies{
		Config:       cfg,
		LLM:          llmRouter,
		Orchestrator: orchestrator,
		Sessions:     sessions,
		Quota:        quota,
		Metrics:      m,
		JWT:          jwtManager,
		RateLimiter:  limiter,
		Cache:        flusher,
		Readiness:    store.readiness,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	stop()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
