package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/api"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/app"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/config"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/metrics"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting trivita scheduler",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("storage", cfg.Storage),
		zap.Duration("interval", cfg.SchedulerInterval),
	)

	ctx := context.Background()

	shutdownTracing, err := observ.InitTracing(ctx, "trivita", cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()

	a.Engine.Start(engineCtx)
	go reportConnections(engineCtx, a)

	logger.Info("sweep engine started")

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(api.RequestLogger(logger))

	handler := api.NewHandler(logger, api.Services{
		Preferences: a.Preferences,
		Resolver:    a.Resolver,
		Slots:       a.Store,
		Targets:     a.Store,
		Notifier:    a.Dispatcher,
		Operator:    a.Engine,
		Breakers:    a,
	})
	if a.Idempotency != nil {
		handler.WithIdempotency(a.Idempotency)
	}
	if a.RateLimiter != nil {
		handler.WithRateLimiter(a.RateLimiter)
	}
	r.Route("/v1", handler.Routes)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Health(r.Context()); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // manual sweeps run inline
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// let the running tick finish its claimed slots
		a.Engine.Stop()
		logger.Info("server stopped gracefully")
	}

	return nil
}

func reportConnections(ctx context.Context, a *app.App) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		a.ReportConnections()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
