package main

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kvernberg/fieldscope/internal"
	"github.com/kvernberg/fieldscope/internal/ai"
	"github.com/kvernberg/fieldscope/internal/ai/anthropic"
	"github.com/kvernberg/fieldscope/internal/ai/mock"
	"github.com/kvernberg/fieldscope/internal/handler"
	"github.com/kvernberg/fieldscope/internal/jobs"
	"github.com/kvernberg/fieldscope/internal/repository"
	"github.com/kvernberg/fieldscope/internal/service"
	"github.com/kvernberg/fieldscope/internal/storage"
	"github.com/kvernberg/fieldscope/internal/worker"
)

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize database connection
	db, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	// Run migrations
	if err := internal.RunMigrations(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database ready")

	// Initialize repository
	store := repository.New(db)

	// Initialize image storage
	imageStore, err := newStorage(cfg, logger)
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}

	// Initialize AI provider
	aiProvider, err := newAIProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("ai provider initialization failed: %w", err)
	}
	logger.Info("AI provider ready", "provider", cfg.AIProvider)

	// ==========================================================================
	// Background worker
	// ==========================================================================

	var w *worker.Worker
	if cfg.WorkerEnabled {
		// Inspections left mid-analysis by a crashed worker would otherwise
		// block their retried jobs from reclaiming them.
		recovered, err := store.RecoverStuckAnalyses(ctx, cfg.StaleJobThreshold)
		if err != nil {
			return fmt.Errorf("stuck analysis recovery failed: %w", err)
		}
		if recovered > 0 {
			logger.Warn("Recovered stuck analyses", "count", recovered)
		}

		w, err = worker.New(store, worker.Config{
			Concurrency:       cfg.WorkerConcurrency,
			PollInterval:      cfg.WorkerPollInterval,
			JobTimeout:        cfg.WorkerJobTimeout,
			ShutdownTimeout:   cfg.WorkerShutdownTimeout,
			StaleJobThreshold: cfg.StaleJobThreshold,
		}, logger)
		if err != nil {
			return fmt.Errorf("worker initialization failed: %w", err)
		}

		w.Register(jobs.NewAnalyzeInspectionHandler(store, aiProvider, imageStore, logger,
			jobs.WithAnalysisConcurrency(cfg.AIAnalysisConcurrency),
			jobs.WithPhotoRetry(uint64(cfg.AIMaxRetries), cfg.AIRetryBaseDelay),
		))
		w.Start(ctx)
	}

	// ==========================================================================
	// HTTP server
	// ==========================================================================

	inspectionService := service.NewInspectionService(store, logger)
	intakeService := service.NewPhotoIntakeService(imageStore, service.NewImagingProcessor(), logger)
	inspectionHandler := handler.NewInspectionHandler(inspectionService, intakeService, logger)

	mux := http.NewServeMux()
	inspectionHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.Handle("GET /metrics", metricsAuth(cfg, promhttp.Handler()))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
		}
	}()

	<-sigChan
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	// Cancel in-flight jobs first so they can release their claims, then let
	// the worker drain within its shutdown timeout.
	cancel()
	if w != nil {
		w.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

// newStorage builds the configured image storage backend.
func newStorage(cfg *internal.Config, logger *slog.Logger) (storage.Storage, error) {
	switch cfg.StorageProvider {
	case storage.ProviderR2:
		return storage.NewR2Storage(storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		}, logger)
	default:
		return storage.NewLocalStorage(storage.LocalConfig{
			BasePath: cfg.LocalStoragePath,
			BaseURL:  cfg.LocalStorageURL,
		}, logger)
	}
}

// newAIProvider builds the configured analysis provider.
func newAIProvider(cfg *internal.Config, logger *slog.Logger) (ai.Provider, error) {
	if cfg.AIProvider == "anthropic" {
		return anthropic.New(anthropic.Config{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AnthropicModel,
			ProviderConfig: ai.ProviderConfig{
				RequestTimeout: cfg.AIRequestTimeout,
			},
		}, logger)
	}
	return mock.New(logger), nil
}

// metricsAuth protects the metrics endpoint with basic auth when credentials
// are configured.
func metricsAuth(cfg *internal.Config, next http.Handler) http.Handler {
	if cfg.MetricsUsername == "" && cfg.MetricsPassword == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(cfg.MetricsUsername)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.MetricsPassword)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
