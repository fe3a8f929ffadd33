package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailsink/webhookd/internal/api"
	"github.com/mailsink/webhookd/internal/config"
	"github.com/mailsink/webhookd/internal/dispatch"
	"github.com/mailsink/webhookd/internal/engine"
	"github.com/mailsink/webhookd/internal/filter"
	"github.com/mailsink/webhookd/internal/store"
	ws "github.com/mailsink/webhookd/internal/websocket"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err, "backend", cfg.StoreBackend)
		os.Exit(1)
	}
	defer st.Close()

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	eng := engine.NewEngine(st, hub, engine.Config{
		MaxAttempts:          cfg.MaxAttempts,
		Timeout:              cfg.DeliveryTimeout,
		MaxPendingPerWebhook: cfg.MaxPendingRetries,
	}, logger)
	go eng.Run(ctx)

	eval := filter.NewEvaluator(cfg.RequireAuth, cfg.AuthChecks, logger)
	disp := dispatch.New(st, eng, eval, cfg.WebhooksEnabled, dispatch.Limits{
		MaxHeaders:        cfg.MaxHeaders,
		MaxHeaderValueLen: cfg.MaxHeaderValueLen,
	}, logger)

	router := api.NewRouter(st, eng, disp, hub, cfg.StoreBackend)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting",
			"port", cfg.Port,
			"backend", cfg.StoreBackend,
			"webhooks_enabled", cfg.WebhooksEnabled,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		st, err := store.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to Redis")
		return st, nil

	case config.BackendPostgres:
		st, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx, "migrations"); err != nil {
			st.Close()
			return nil, err
		}
		logger.Info("connected to PostgreSQL, migrations applied")
		return st, nil

	default:
		logger.Info("using in-memory store")
		return store.NewMemory(), nil
	}
}
