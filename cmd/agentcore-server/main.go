package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hireloop/agentcore/internal/api"
	"github.com/hireloop/agentcore/internal/app"
	"github.com/hireloop/agentcore/internal/auth"
	"github.com/hireloop/agentcore/internal/config"
	"github.com/hireloop/agentcore/internal/server"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

func main() {
	// Logger
	logger := config.MustBuildLogger(config.EnvOrDefault("AGENTCORE_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := config.EnvOrDefault("AGENTCORE_HTTP_PORT", "8080")
	grpcPort := config.EnvOrDefault("AGENTCORE_GRPC_PORT", "50061")
	authCacheTTL := config.EnvOrDefaultInt("AGENTCORE_AUTH_CACHE_TTL_S", 30)
	cfg := config.FromEnv()

	logger.Info("starting agentcore server",
		zap.String("http_port", httpPort),
		zap.String("grpc_port", grpcPort),
		zap.Bool("remote_agents", cfg.AgentEndpoint != ""),
	)

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise", zap.Error(err))
	}
	defer a.Close()

	authn, err := auth.NewAuthenticator(config.ServiceKeyHashes(), time.Duration(authCacheTTL)*time.Second)
	if err != nil {
		logger.Fatal("invalid AGENTCORE_SERVICE_KEY_HASH", zap.Error(err))
	}
	if !authn.Enabled() {
		logger.Warn("no AGENTCORE_SERVICE_KEY_HASH set, service key checks disabled")
	}

	// HTTP API server
	deps := &api.Dependencies{
		Auth:      authn,
		Brake:     a.Brake,
		Approvals: a.Approvals,
		Briefings: a.Store,
		Reads:     a.Pipeline,
		Activity:  a.Store,
		Settings:  a.Store,
		Scheduler: a.Scheduler,
		Context:   a.Context,
		Router:    a.Router,
		Events:    a.Coord,
		Ready: map[string]api.Pinger{
			"postgres": a.Store,
			"redis":    a.Coord,
		},
		Logger: logger,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// gRPC gate service
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
	server.RegisterGateServiceServer(grpcServer, server.NewGateServer(a.Gate, a.Brake, authn, a.Sink, logger))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", grpcPort), zap.Error(err))
	}
	go func() {
		logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("grpc server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("agentcore server stopped")
}
