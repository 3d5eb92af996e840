// Package app wires the license server: configuration, logging, telemetry,
// registry, router, and the HTTP server lifecycle.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"postguard/internal/config"
	"postguard/internal/infrastructure"
	"postguard/internal/middleware"
	"postguard/internal/registry"
	transporthttp "postguard/internal/transport/http"
)

// App is the assembled license server.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	telemetry *infrastructure.Telemetry
	registry  *registry.Registry
	server    *http.Server
}

// New builds the application from configuration.
func New(cfg *config.Config) (*App, error) {
	logger, logCloser, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	telemetry, err := infrastructure.InitializeTelemetry(logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	regMetrics, err := registry.NewMetrics(telemetry.Meter(registry.MeterName))
	if err != nil {
		return nil, fmt.Errorf("initialize registry metrics: %w", err)
	}

	var limiter *registry.AttemptLimiter
	if cfg.Registry.RateLimitEnabled {
		limiter = registry.NewAttemptLimiter(cfg.Registry.AttemptsPerSec, cfg.Registry.AttemptBurst)
	}

	reg, err := registry.Open(cfg.Registry.DatabasePath, registry.Options{
		Logger:  logger,
		Limiter: limiter,
		Metrics: regMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	app := &App{
		cfg:       cfg,
		logger:    logger,
		logCloser: logCloser,
		telemetry: telemetry,
		registry:  reg,
	}
	app.server = &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      app.router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return app, nil
}

func (a *App) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.StructuredLogger(a.logger))
	r.Use(middleware.Recoverer(a.logger))

	licenseHandler := transporthttp.NewLicenseHandler(a.registry, a.logger)
	healthHandler := transporthttp.NewHealthHandler(a.registry, a.logger)

	r.Mount("/api/v1", licenseHandler.Routes())
	r.Get("/health", healthHandler.Health)
	r.Method(http.MethodGet, "/metrics", a.telemetry.PrometheusHTTP)
	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("license server listening",
			slog.String("addr", a.server.Addr),
		)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return a.Close()
}

// Close releases the app's resources.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.telemetry.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := a.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.logCloser != nil {
		if err := a.logCloser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
