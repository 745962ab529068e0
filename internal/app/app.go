package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jia-app/paymentgateway/internal/billing"
	"github.com/jia-app/paymentgateway/internal/cache"
	"github.com/jia-app/paymentgateway/internal/config"
	"github.com/jia-app/paymentgateway/internal/events"
	"github.com/jia-app/paymentgateway/internal/log"
	"github.com/jia-app/paymentgateway/internal/metrics"
	"github.com/jia-app/paymentgateway/internal/repository"
	"github.com/jia-app/paymentgateway/internal/server"
	"github.com/jia-app/paymentgateway/internal/service"
	"github.com/jia-app/paymentgateway/internal/webhook"
)

// App represents the application
type App struct {
	config          *config.Config
	logger          *zap.Logger
	store           repository.DatabaseClient
	processed       *cache.ProcessedEvents
	publisher       events.Publisher
	httpServer      *server.HTTPServer
	grpcServer      *server.GRPCServer
	metricsServer   *metrics.Server
	shutdownTracing func(context.Context) error
}

// New creates a new application instance
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := log.Init(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := log.L(ctx)

	logger.Info("Initializing webhook gateway",
		zap.String("app_name", cfg.App.Name),
		zap.String("http_address", cfg.Server.Address),
		zap.String("stripe_key_prefix", getKeyPrefix(cfg.Stripe.SecretKey)),
		zap.String("success_url", cfg.SuccessURL()),
		zap.String("cancel_url", cfg.CancelURL()))

	shutdownTracing, err := NewTracing(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	store, err := NewStore(ctx, cfg)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &App{
		config:          cfg,
		logger:          logger,
		store:           store,
		processed:       NewProcessedCache(ctx, cfg),
		publisher:       NewPublisher(ctx, cfg, logger),
		shutdownTracing: shutdownTracing,
	}
	a.wire(store)
	return a, nil
}

// wire builds the request path and the ops servers over the connected dependencies
func (a *App) wire(store repository.DatabaseClient) {
	cfg := a.config

	dispatcherCfg := webhook.DispatcherConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Publisher:   a.publisher,
	}
	deps := []server.Dependency{{Name: "postgres", Pinger: store}}
	if a.processed != nil {
		dispatcherCfg.Cache = a.processed
		deps = append(deps, server.Dependency{Name: "redis", Pinger: a.processed, Optional: true})
	}

	handlers := webhook.NewHandlers(store, billing.NewStripeResolver(cfg.Stripe.SecretKey, a.logger), a.publisher)
	dispatcher := webhook.NewDispatcher(store, handlers.Registry(), dispatcherCfg)
	verifier := billing.NewStripeVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.SignatureTolerance)
	svc := service.NewWebhookService(verifier, dispatcher, cfg.Stripe.AllowedAPIVersions)

	a.httpServer = server.NewHTTPServer(cfg.Server, svc, a.logger)
	a.grpcServer = server.NewGRPCServer(cfg.Health, deps, a.logger)
	a.metricsServer = metrics.NewServer(cfg.Metrics.Address, a.logger, a.grpcServer.Healthy)
}

// Run starts the servers and blocks until ctx is cancelled or one of them fails
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting webhook gateway")

	a.grpcServer.StartHealthMonitoring(ctx)

	errCh := make(chan error, 3)
	go func() {
		if err := a.httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	go func() {
		if err := a.grpcServer.Serve(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := a.metricsServer.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down webhook gateway")

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	if err := a.metricsServer.Shutdown(ctx); err != nil {
		a.logger.Error("Failed to shut down metrics server", zap.Error(err))
	}
	if err := a.publisher.Close(); err != nil {
		a.logger.Error("Failed to close event publisher", zap.Error(err))
	}
	if a.processed != nil {
		if err := a.processed.Close(); err != nil {
			a.logger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close database", zap.Error(err))
	}
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.Error("Failed to flush traces", zap.Error(err))
	}

	a.logger.Info("Application shutdown complete")
	_ = a.logger.Sync()
	return nil
}
