// coachbot - LINE strict-coach bot with negotiation-priced subscriptions
package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/line/line-bot-sdk-go/v7/linebot"

	"github.com/ajisai-dev/coachbot/internal/checkout"
	"github.com/ajisai-dev/coachbot/internal/coach"
	"github.com/ajisai-dev/coachbot/internal/config"
	"github.com/ajisai-dev/coachbot/internal/negotiation"
	"github.com/ajisai-dev/coachbot/internal/reminder"
	"github.com/ajisai-dev/coachbot/internal/store"
	"github.com/ajisai-dev/coachbot/internal/tasks"
	"github.com/ajisai-dev/coachbot/internal/webhook"
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

	slog.Info("Starting server", "port", cfg.Port)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Shutdown(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	if !cfg.LineEnabled() {
		slog.Error("LINE_CHANNEL_SECRET and LINE_CHANNEL_TOKEN must be set")
		os.Exit(1)
	}
	bot, err := linebot.New(cfg.LineChannelSecret, cfg.LineChannelToken)
	if err != nil {
		slog.Error("Failed to initialize LINE client", "error", err)
		os.Exit(1)
	}

	linkBuilder, err := checkout.NewStripeLinkBuilder(cfg.CheckoutBaseURL, cfg.CheckoutSuccessURL)
	if err != nil {
		slog.Error("Failed to initialize checkout link builder", "error", err)
		os.Exit(1)
	}

	// Initialize services.
	engine := negotiation.NewEngine(cfg.Pricing, rand.New(rand.NewSource(time.Now().UnixNano())))
	negotiator := negotiation.NewController(repo, repo, engine, cfg.Pricing, linkBuilder)
	taskManager := tasks.NewManager(repo)

	var chatResponder webhook.ChatResponder
	if cfg.AIEnabled() {
		chatResponder = coach.NewResponder(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		slog.Info("Fallback coach enabled", "model", cfg.OpenAIModel)
	} else {
		slog.Info("Fallback coach disabled (OPENAI_API_KEY not set)")
	}

	// Initialize handlers.
	webhookHandler := webhook.New(bot, negotiator, taskManager, chatResponder, repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	webhookHandler.RegisterRoutes(r)

	// Create server.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start reminder worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reminder.StartWorker(ctx, repo, webhookHandler, cfg.ReminderInterval)

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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
