// Package main is the entrypoint for the promptq worker binary. Each worker
// process serves exactly one model in one mode (generation or embedding).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/promptq/promptq/internal/broker"
	"github.com/promptq/promptq/internal/config"
	"github.com/promptq/promptq/internal/llm"
	"github.com/promptq/promptq/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("validate worker config: %w", err)
	}
	slog.Info("config loaded",
		"model", cfg.Worker.ModelName,
		"mode", cfg.Worker.Mode,
		"backend", cfg.LLM.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisBroker, err := broker.NewRedisBroker(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis broker: %w", err)
	}
	defer redisBroker.Close()

	if err := redisBroker.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	pgStore := store.NewPostgresStore(pool)
	service := llm.NewService(pgStore, redisBroker, cfg.Worker.LeaseTTL)

	var worker *llm.Worker
	switch cfg.Worker.Mode {
	case "embedding":
		embedder, err := llm.NewEmbedder(cfg.LLM)
		if err != nil {
			return fmt.Errorf("create embedder: %w", err)
		}
		slog.Info("embedding backend initialized", "backend", embedder.Name())
		worker = llm.NewEmbeddingWorker(service, embedder, cfg.Worker)
	default:
		generator, err := llm.NewGenerator(cfg.LLM)
		if err != nil {
			return fmt.Errorf("create generator: %w", err)
		}
		slog.Info("generation backend initialized", "backend", generator.Name())
		worker = llm.NewGenerationWorker(service, generator, cfg.Worker, cfg.Relay)
	}

	// Liveness endpoint for process supervisors, plus worker metrics.
	healthSrv := startHealthServer(cfg.Worker.HealthPort, pgStore, redisBroker)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthSrv.Shutdown(shutdownCtx)
	}()

	// The poll loop gets its own context: the shutdown signal must not
	// cancel it, or the in-flight handle would be aborted mid-stream
	// instead of finishing before Run returns.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	errCh := make(chan error, 1)
	go func() {
		errCh <- worker.Run(runCtx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutdown signal received, finishing current handle...")
	}

	worker.Stop()
	return <-errCh
}

func startHealthServer(port int, s store.Store, b broker.Broker) *http.Server {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		status := http.StatusOK
		if s.Ping(req.Context()) != nil || b.Ping(req.Context()) != nil {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
	go func() {
		slog.Info("health server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server failed", "error", err)
		}
	}()
	return srv
}
