// Jobtalk - realtime voice relay for the job-search assistant
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/jobtalk/internal/api"
	"github.com/ashureev/jobtalk/internal/auth"
	"github.com/ashureev/jobtalk/internal/config"
	"github.com/ashureev/jobtalk/internal/jobsearch"
	"github.com/ashureev/jobtalk/internal/metrics"
	"github.com/ashureev/jobtalk/internal/middleware"
	"github.com/ashureev/jobtalk/internal/relay"
	"github.com/ashureev/jobtalk/internal/session"
	"github.com/ashureev/jobtalk/internal/store"
	"github.com/ashureev/jobtalk/internal/tools"
	"github.com/ashureev/jobtalk/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.Session.Store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	sessionStore := openStore(ctx, cfg.Session)
	if sessionStore != nil {
		defer func() {
			if closeErr := sessionStore.Close(); closeErr != nil {
				slog.Error("Failed to close session store", "error", closeErr)
			}
		}()
	}

	registry := tools.NewRegistry[*jobsearch.Searcher]()
	if err := jobsearch.Register(registry); err != nil {
		slog.Error("Failed to register tools", "error", err)
		os.Exit(1)
	}
	slog.Info("Tools registered", "tools", registry.Names())

	sessions := session.NewManager(session.Options{
		Store:  sessionStore,
		API:    jobsearch.NewClient(cfg.Careers.BaseURL, cfg.Careers.Timeout),
		Expiry: cfg.Session.Expiry,
		Logger: logger,
	})
	defer sessions.Close()
	sessions.StartSweeper(ctx, cfg.Session.SweepInterval)

	credential, err := newCredential(ctx, cfg.Realtime)
	if err != nil {
		slog.Error("Failed to initialize upstream credential", "error", err)
		os.Exit(1)
	}

	relayHandler, err := relay.NewHandler(relay.Options{
		Realtime:      cfg.Realtime,
		UIMessages:    cfg.UIMessages,
		Credential:    credential,
		Sessions:      sessions,
		Tools:         registry,
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		Logger:        logger,
	})
	if err != nil {
		slog.Error("Failed to initialize relay", "error", err)
		os.Exit(1)
	}

	baseHandler := api.NewHandler(sessions, registry.Names(), cfg.Realtime.ToolDelivery)
	healthHandler := api.NewHealthHandler(sessionStore, 5*time.Second)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	// WebSocket endpoints. They sit outside the request logger and CORS,
	// which only make sense for short-lived requests.
	relayHandler.Attach(r, "/realtime", cfg.SingleSession)
	relayHandler.AttachState(r, "/api/state/ws")

	r.Group(func(r chi.Router) {
		r.Use(chiMiddleware.Logger)
		r.Use(middleware.CORS(allowedOrigins(cfg)))

		healthHandler.RegisterHealth(r)
		baseHandler.RegisterRoutes(r)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())

		// Serve the frontend (SPA catch-all).
		if cfg.StaticDir != "" {
			r.Handle("/*", web.SPAHandler(cfg.StaticDir))
			slog.Info("Serving frontend", "dir", cfg.StaticDir)
		}
	})

	// Create server.
	// Note: websocket connections are long-lived (no WriteTimeout).
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; closing
	// the sessions ends them.
	sessions.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}

// openStore connects the configured durable store. Any failure degrades to
// in-memory sessions rather than aborting startup. The result is a nil
// interface in memory mode.
func openStore(ctx context.Context, cfg config.SessionConfig) store.SessionStore {
	var (
		s   store.SessionStore
		err error
	)
	switch cfg.Store {
	case config.StoreRedis:
		s, err = store.NewRedis(ctx, cfg.RedisURL)
	case config.StoreSQLite:
		s, err = store.NewSQLite(cfg.DBPath)
	default:
		slog.Info("Sessions kept in memory only")
		return nil
	}
	if err != nil {
		slog.Warn("Session store unavailable, falling back to memory", "store", cfg.Store, "error", err)
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		slog.Warn("Session store health check failed, falling back to memory", "store", cfg.Store, "error", err)
		if closeErr := s.Close(); closeErr != nil {
			slog.Debug("Failed to close session store", "error", closeErr)
		}
		return nil
	}
	slog.Info("Session store connected", "store", cfg.Store)
	return s
}

func newCredential(ctx context.Context, cfg config.RealtimeConfig) (auth.Credential, error) {
	if cfg.APIKey != "" {
		slog.Info("Using static API key for the realtime backend")
		return auth.StaticKey(cfg.APIKey), nil
	}
	tf := auth.NewTokenFile(cfg.TokenFile, cfg.TokenRefresh)
	if err := tf.Start(ctx); err != nil {
		return nil, err
	}
	slog.Info("Using bearer token for the realtime backend", "path", cfg.TokenFile, "refresh", cfg.TokenRefresh)
	return tf, nil
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(cfg.FrontendURL, "/")}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
