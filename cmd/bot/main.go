package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/askarov/gatekeeper-bot/internal/analyzer"
	"github.com/askarov/gatekeeper-bot/internal/bot"
	"github.com/askarov/gatekeeper-bot/internal/challenge"
	"github.com/askarov/gatekeeper-bot/internal/gate"
	"github.com/askarov/gatekeeper-bot/internal/health"
	"github.com/askarov/gatekeeper-bot/internal/storage"
	"github.com/askarov/gatekeeper-bot/internal/sweeper"
	"github.com/askarov/gatekeeper-bot/internal/tracker"
	"github.com/askarov/gatekeeper-bot/pkg/config"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	switch cfg.Database.Driver {
	case "postgres":
		logger.Info("Using PostgreSQL storage")
		store, err = storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	case "memory":
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	default:
		logger.Info("Using SQLite storage", zap.String("path", cfg.Database.Path))
		store, err = storage.NewSQLiteStorage(cfg.Database.Path)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	counters := health.NewCounters()

	// Initialize the challenge manager
	challenges := challenge.NewManager(store, challenge.DefaultCatalog, challenge.Config{
		TTL:         cfg.Challenge.TTL,
		MaxAttempts: cfg.Challenge.MaxAttempts,
		OptionCount: cfg.Challenge.Options,
	}, logger)

	// The spam tracker only runs when the analyzer capability is
	// configured; without an API key the bot is verification-only.
	var tr *tracker.Tracker
	if cfg.Tracker.Enabled && cfg.Analyzer.APIKey != "" {
		logger.Info("AI-powered spam detection is active", zap.String("model", cfg.Analyzer.Model))
		a := analyzer.NewOpenAIAnalyzer(
			cfg.Analyzer.APIKey,
			cfg.Analyzer.BaseURL,
			cfg.Analyzer.Model,
			cfg.Analyzer.MaxTokens,
			cfg.Analyzer.Temperature,
			cfg.Analyzer.Prompt,
			logger,
		)
		tr = tracker.New(store, a, tracker.Config{
			WindowSize:      cfg.Tracker.WindowSize,
			Duration:        cfg.Tracker.Duration,
			ClassifyTimeout: cfg.Tracker.ClassifyTimeout,
		}, logger)
	} else {
		logger.Info("Basic protection mode (no AI spam detection)")
	}

	// Initialize the bot and wire the gate through it
	b, err := bot.New(cfg.Telegram.Token, cfg.Telegram.AllowedChatIDs, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}
	g := gate.New(b, challenges, tr, counters, logger)
	b.AttachGate(g)

	// Health endpoint for external monitors
	healthSrv := health.NewServer(counters, cfg.HTTP.Port, logger)
	healthSrv.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background expiry independent of event traffic
	sw := sweeper.New(g, cfg.Sweeper.Interval, logger)
	if err := sw.Start(ctx); err != nil {
		logger.Fatal("Failed to start sweeper", zap.Error(err))
	}

	counters.SetStatus(health.StatusRunning)

	// Run until a shutdown signal; Start drains in-flight handlers
	// before returning so pending store writes complete.
	if err := b.Start(ctx); err != nil {
		logger.Error("Bot error", zap.Error(err))
	}

	counters.SetStatus(health.StatusStopping)
	sw.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Health server shutdown failed", zap.Error(err))
	}
}
