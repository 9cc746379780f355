package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avehara/hub-sync/internal/client"
	"github.com/avehara/hub-sync/internal/config"
	"github.com/avehara/hub-sync/internal/database"
	"github.com/avehara/hub-sync/internal/pool"
	"github.com/avehara/hub-sync/internal/store"
	"github.com/avehara/hub-sync/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/hubsyncd.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting hubsyncd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"hub_url", cfg.Hub.URL,
		"pool_size", cfg.Connection.PoolSize,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Optional state history database
	var db *pgxpool.Pool
	var recorder *store.StateRecorder
	if cfg.Database.Enabled() {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)

		db, err = database.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		recorder = store.NewStateRecorder(store.RecorderConfig{
			BatchSize:     cfg.Store.BatchSize,
			FlushInterval: cfg.Store.FlushInterval,
		}, db, logger)

		logger.Info("database connected")
	}

	// Create the sync client
	c := client.New(cfg, logger)

	if recorder != nil {
		c.SubscribeStates(recorder.Accept)
		if err := recorder.Start(ctx); err != nil {
			logger.Error("failed to start state recorder", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			recorder.Stop(shutdownCtx)
		}()
	}

	// Start diagnostics server early so connect progress is observable
	diagServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: newDiagRouter(cfg, c, db, recorder),
	}

	go func() {
		logger.Info("starting diagnostics server", "port", cfg.Metrics.Port)
		if err := diagServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("diagnostics server error", "error", err)
		}
	}()

	// Connect to the hub
	if err := c.Connect(ctx); err != nil {
		logger.Error("failed to connect to hub", "error", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	logger.Info("hubsyncd running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	diagServer.Shutdown(shutdownCtx)

	logger.Info("hubsyncd stopped")
}

// newDiagRouter builds the diagnostics HTTP routes.
func newDiagRouter(cfg *config.ClientConfig, c *client.Client, db *pgxpool.Pool, recorder *store.StateRecorder) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		state := c.ConnectionState()
		health.Components["hub"] = state.String()
		if state != pool.StateConnected {
			health.Status = "degraded"
		}

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	r.Get(cfg.Metrics.Path, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.Metrics())
	})

	if recorder != nil {
		r.Get("/debug/recorder", func(w http.ResponseWriter, req *http.Request) {
			stats := recorder.Stats()
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"run_id":       recorder.RunID(),
				"inserts":      stats.Inserts,
				"flushes":      stats.Flushes,
				"errors":       stats.Errors,
				"pending_rows": recorder.PendingRows(),
			})
		})
	}

	return r
}
