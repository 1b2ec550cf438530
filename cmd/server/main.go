// Campus Companion - multi-agent student assistant server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/api"
	"github.com/campuscompanion/companion/internal/config"
	"github.com/campuscompanion/companion/internal/domain"
	"github.com/campuscompanion/companion/internal/gateway"
	"github.com/campuscompanion/companion/internal/identity"
	"github.com/campuscompanion/companion/internal/metrics"
	"github.com/campuscompanion/companion/internal/middleware"
	"github.com/campuscompanion/companion/internal/room"
	"github.com/campuscompanion/companion/internal/store"
	"github.com/campuscompanion/companion/internal/stream"
	"github.com/campuscompanion/companion/internal/vision"
	"github.com/campuscompanion/companion/internal/voice"
)

const (
	messageCleanupInterval = time.Hour
	authTimeout            = 10 * time.Second
	shutdownTimeout        = 10 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	llm, err := gateway.NewHTTPClient(gateway.Config{
		BaseURL:       cfg.LLM.BaseURL,
		APIKey:        cfg.LLM.APIKey,
		Timeout:       cfg.LLM.Timeout,
		StreamTimeout: cfg.LLM.StreamTimeout,
		Logger:        logger,
	})
	if err != nil {
		slog.Error("Failed to initialize model gateway", "error", err)
		os.Exit(1)
	}
	if cfg.LLM.APIKey == "" {
		slog.Warn("LLM_API_KEY not set, assistant replies will degrade to the apology message")
	}

	// Initialize the agent pipeline.
	router := agent.NewRouter(llm,
		agent.WithMinConfidence(cfg.Router.MinConfidence),
		agent.WithRouterLogger(logger),
	)
	var unifier *agent.Unifier
	if cfg.LLM.UnifierEnabled {
		unifier = agent.NewUnifier(llm, "", cfg.LLM.Timeout, logger)
	}
	orchestrator := agent.NewOrchestrator(llm, router, unifier, agent.OrchestratorConfig{
		Domain:           agent.ChatDomain,
		MaxMessageLength: cfg.MaxMessageLength,
		HistoryLimit:     cfg.HistoryLimit,
		Logger:           logger,
	})
	responder := stream.NewResponder(orchestrator, llm, logger)
	visionService := vision.NewService(llm, router, unifier, cfg.MaxImageBytes, logger)
	voiceService := newVoiceService(cfg, llm, router, logger)

	rooms := room.NewRegistry(cfg.Rooms.TTL, logger)
	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)

	handler := api.NewHandler(api.Deps{
		Repo:               repo,
		Chat:               orchestrator,
		Responder:          responder,
		Vision:             visionService,
		Voice:              voiceService,
		Rooms:              rooms,
		RoomSockets:        room.NewWebSocketHandler(rooms, cfg.AllowedOrigins, cfg.IsDevelopment(), logger),
		Limiter:            limiter,
		HistoryLimit:       cfg.HistoryLimit,
		MaxImageBytes:      cfg.MaxImageBytes,
		MaxAudioBytes:      cfg.MaxAudioBytes,
		UpstreamConfigured: cfg.LLM.APIKey != "",
		Logger:             logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(metrics.Middleware)
	r.Use(identity.Middleware(newVerifier(cfg)))

	r.Handle("/metrics", metrics.Handler())
	handler.RegisterRoutes(r)

	// Note: streamed replies require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return rooms.RunSweeper(gctx, cfg.Rooms.SweepInterval)
	})
	g.Go(func() error {
		return limiter.RunEviction(gctx)
	})
	g.Go(func() error {
		return runMessageCleanup(gctx, repo, cfg.MessageTTL)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func newVoiceService(cfg *config.Config, llm gateway.Client, router *agent.Router, logger *slog.Logger) *voice.Service {
	speechHTTP := &http.Client{Timeout: cfg.LLM.StreamTimeout}

	var providers []voice.SpeechProvider
	if cfg.Speech.ElevenLabsAPIKey != "" {
		providers = append(providers, voice.NewElevenLabs(
			cfg.Speech.ElevenLabsBaseURL, cfg.Speech.ElevenLabsAPIKey, cfg.Speech.ElevenLabsVoiceID, speechHTTP))
	}
	providers = append(providers, voice.NewOpenAISpeech(cfg.Speech.BaseURL, cfg.Speech.APIKey, speechHTTP))

	slog.Info("Speech providers configured", "count", len(providers), "elevenlabs", cfg.Speech.ElevenLabsAPIKey != "")
	return voice.NewService(voice.Config{
		Transcriber:   voice.NewTranscriber(cfg.Speech.BaseURL, cfg.Speech.APIKey, speechHTTP, logger),
		Providers:     providers,
		Client:        llm,
		Router:        router,
		MaxAudioBytes: cfg.MaxAudioBytes,
		Logger:        logger,
	})
}

// newVerifier picks how bearer tokens are checked. Without an auth provider
// only development servers accept tokens.
func newVerifier(cfg *config.Config) identity.Verifier {
	if cfg.Auth.URL != "" {
		slog.Info("Verifying bearer tokens against auth provider", "url", cfg.Auth.URL)
		return identity.NewHTTPVerifier(cfg.Auth.URL, cfg.Auth.APIKey, &http.Client{Timeout: authTimeout})
	}
	if cfg.IsDevelopment() {
		slog.Warn("AUTH_URL not set, accepting any bearer token as the user id (development mode)")
		return identity.DevVerifier()
	}
	slog.Warn("AUTH_URL not set, bearer tokens will be rejected")
	return identity.VerifierFunc(func(context.Context, string) (*domain.User, error) {
		return nil, identity.ErrUnauthorized
	})
}

func runMessageCleanup(ctx context.Context, repo store.Repository, ttl time.Duration) error {
	ticker := time.NewTicker(messageCleanupInterval)
	defer ticker.Stop()
	slog.Info("Message cleanup worker started", "interval", messageCleanupInterval, "ttl", ttl)

	for {
		select {
		case <-ticker.C:
			n, err := repo.CleanupMessages(ctx, ttl)
			if err != nil {
				slog.Error("Failed to clean up stored messages", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Removed expired conversation turns", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
