package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/jia-app/paymentgateway/internal/config"
	"github.com/jia-app/paymentgateway/internal/metrics"
	"github.com/jia-app/paymentgateway/internal/server/interceptors"
)

// HealthServiceName is the service name the gateway reports under, next to the overall ""
const HealthServiceName = "paymentgateway.WebhookGateway"

// Pinger is a dependency that can report its reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependency is a named health-checked collaborator. Optional dependencies are
// reported but do not take the gateway out of service.
type Dependency struct {
	Name     string
	Pinger   Pinger
	Optional bool
}

// GRPCServer serves the gRPC health protocol for the gateway's dependencies
type GRPCServer struct {
	server       *grpc.Server
	config       config.HealthConfig
	logger       *zap.Logger
	healthServer *health.Server
	deps         []Dependency

	mu      sync.RWMutex
	lastErr error
}

// NewGRPCServer creates the health server with the recovery, logging and tracing interceptors
func NewGRPCServer(cfg config.HealthConfig, deps []Dependency, logger *zap.Logger) *GRPCServer {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 15 * time.Second
	}

	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p interface{}) (err error) {
			logger.Error("gRPC panic recovered", zap.Any("panic", p))
			return status.Errorf(codes.Internal, "internal server error")
		}),
	}
	zapOpts := []grpc_zap.Option{
		grpc_zap.WithLevels(grpc_zap.DefaultCodeToLevel),
	}
	loggingInterceptor := interceptors.NewLoggingInterceptor()
	timeoutInterceptor := interceptors.NewTimeoutInterceptor(5*time.Second, nil)

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
			grpc_zap.UnaryServerInterceptor(logger, zapOpts...),
			loggingInterceptor.Unary(),
			timeoutInterceptor.Unary(),
		)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_recovery.StreamServerInterceptor(recoveryOpts...),
			grpc_zap.StreamServerInterceptor(logger, zapOpts...),
			loggingInterceptor.Stream(),
		)),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	// NOT_SERVING until the first dependency check passes
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	env := os.Getenv("ENV")
	if env != "prod" && env != "production" {
		reflection.Register(server)
	}

	return &GRPCServer{
		server:       server,
		config:       cfg,
		logger:       logger,
		healthServer: healthServer,
		deps:         deps,
		lastErr:      errors.New("dependencies not checked yet"),
	}
}

// GetServer returns the underlying gRPC server
func (s *GRPCServer) GetServer() *grpc.Server {
	return s.server
}

// Serve listens on the configured address until ctx is cancelled
func (s *GRPCServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.GRPCAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.GRPCAddress, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is cancelled, then stops gracefully
func (s *GRPCServer) ServeListener(ctx context.Context, lis net.Listener) error {
	s.logger.Info("Starting gRPC health server", zap.String("address", lis.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Stopping gRPC health server")
		s.healthServer.Shutdown()
		s.server.GracefulStop()
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server error: %w", err)
		}
		return nil
	}
}

// StartHealthMonitoring checks dependencies now and then on every interval until ctx ends
func (s *GRPCServer) StartHealthMonitoring(ctx context.Context) {
	s.CheckDependencies(ctx)
	go s.monitorHealth(ctx)
}

func (s *GRPCServer) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Health monitoring stopped")
			return
		case <-ticker.C:
			s.CheckDependencies(ctx)
		}
	}
}

// CheckDependencies pings every dependency and updates the serving status
func (s *GRPCServer) CheckDependencies(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var failed error
	for _, dep := range s.deps {
		err := errors.New("not configured")
		if dep.Pinger != nil {
			err = dep.Pinger.Ping(ctx)
		}
		metrics.RecordDependency(dep.Name, err == nil)
		if err == nil {
			continue
		}
		if dep.Optional {
			s.logger.Warn("Optional dependency unhealthy", zap.String("dependency", dep.Name), zap.Error(err))
			continue
		}
		s.logger.Warn("Dependency unhealthy", zap.String("dependency", dep.Name), zap.Error(err))
		if failed == nil {
			failed = fmt.Errorf("%s: %w", dep.Name, err)
		}
	}

	s.mu.Lock()
	s.lastErr = failed
	s.mu.Unlock()

	servingStatus := healthpb.HealthCheckResponse_SERVING
	if failed != nil {
		servingStatus = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.healthServer.SetServingStatus("", servingStatus)
	s.healthServer.SetServingStatus(HealthServiceName, servingStatus)
}

// Healthy returns the result of the last dependency check; it backs the HTTP /health probe
func (s *GRPCServer) Healthy(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}
