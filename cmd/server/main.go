// Counseling chat server for school-refusal and social-withdrawal support.
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

	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/api"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/config"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/counsel"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/identity"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/knowledge"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/middleware"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/store"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/turnlog"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/web"
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

	// The knowledge document is loaded once per process; a missing file is fatal.
	doc, err := knowledge.Load(cfg.KnowledgePath)
	if err != nil {
		slog.Error("Failed to load knowledge document", "error", err)
		os.Exit(1)
	}
	slog.Info("Knowledge document loaded", "path", cfg.KnowledgePath, "slot_keys", len(doc.SlotSchema))

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

	tlog, err := turnlog.New(turnlog.Config{
		Enabled:       cfg.TurnLog.Enabled,
		Dir:           cfg.TurnLog.Dir,
		GlobalEnabled: cfg.TurnLog.GlobalEnabled,
		GlobalPath:    cfg.TurnLog.GlobalPath,
		QueueSize:     cfg.TurnLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize turn logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := tlog.Close(); closeErr != nil {
			slog.Error("Failed to close turn logger", "error", closeErr)
		}
	}()

	completer := counsel.NewOpenAICompleter(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.Temperature)
	orch := counsel.NewOrchestrator(doc, completer, repo)
	slog.Info("Completion client ready", "model", cfg.OpenAI.Model, "temperature", cfg.OpenAI.Temperature)

	gate := identity.NewGate(cfg.AccessPass)
	auth := identity.NewAuthenticator(repo)
	handler := api.NewHandler(repo, orch, gate, auth, tlog, cfg)

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	corsOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		corsOrigins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(corsOrigins))

	handler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Completion calls can take a while; the write timeout must cover a
	// full blocking turn.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
