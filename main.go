package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/app"
	"github.com/LBatsoft/e-websearch/internal/circuitbreaker"
	"github.com/LBatsoft/e-websearch/internal/config"
	"github.com/LBatsoft/e-websearch/internal/health"
	"github.com/LBatsoft/e-websearch/internal/httpapi"
	"github.com/LBatsoft/e-websearch/internal/tracing"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("Agent service exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgMgr, err := config.NewManager(config.Path(), logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := cfgMgr.Current()
	if l, err := cfg.Logging.Build(); err == nil {
		logger = l
		defer logger.Sync()
	} else {
		logger.Warn("Keeping default logger", zap.Error(err))
	}

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	circuitbreaker.StartMetricsCollection(ctx)

	stack, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	stack.Start(ctx)

	// Only session defaults and adaptive weights are hot; ports, providers
	// and backends need a restart.
	cfgMgr.OnChange(stack.Apply)
	if err := cfgMgr.Start(ctx); err != nil {
		logger.Warn("Config hot reload disabled", zap.Error(err))
	}

	apiMux := http.NewServeMux()
	httpapi.NewHandler(stack.Orchestrator, logger).RegisterRoutes(apiMux)
	health.NewHTTPHandler(stack.Health, logger).RegisterRoutes(apiMux)
	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           tracing.WrapHandler(apiMux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	health.NewHTTPHandler(stack.Health, logger).RegisterRoutes(adminMux)
	adminServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.AdminPort),
		Handler:           adminMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{apiServer, adminServer} {
		srv := srv
		go func() {
			logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{apiServer, adminServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	if err := stack.Close(shutdownCtx); err != nil {
		logger.Warn("Agent shutdown incomplete", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown", zap.Error(err))
	}
	logger.Info("Agent service stopped")
	return nil
}
