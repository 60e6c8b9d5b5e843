package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hireloop/agentcore/internal/app"
	"github.com/hireloop/agentcore/internal/config"
	"github.com/hireloop/agentcore/internal/scheduler"
	"github.com/hireloop/agentcore/internal/worker"
	"go.uber.org/zap"
)

func main() {
	// Logger
	logger := config.MustBuildLogger(config.EnvOrDefault("AGENTCORE_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	concurrency := config.EnvOrDefaultInt("WORKER_CONCURRENCY", 20)
	syncInterval := config.EnvOrDefaultDuration("SCHEDULE_SYNC_INTERVAL", time.Minute)
	cfg := config.FromEnv()

	logger.Info("starting agentcore worker",
		zap.Int("concurrency", concurrency),
		zap.Duration("schedule_sync_interval", syncInterval),
	)

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise", zap.Error(err))
	}
	defer a.Close()

	// Task handlers
	mux := asynq.NewServeMux()
	worker.NewHandlers(a.Runtime, a.Brake, a.Approvals, a.Scheduler, logger).Register(mux)

	srv := worker.NewServer(a.RedisOpt, concurrency, logger)
	if err := srv.Start(mux); err != nil {
		logger.Fatal("worker server failed to start", zap.Error(err))
	}
	logger.Info("worker server started")

	// Per-user briefing schedules and maintenance sweeps
	mgr, err := asynq.NewPeriodicTaskManager(asynq.PeriodicTaskManagerOpts{
		RedisConnOpt:               a.RedisOpt,
		PeriodicTaskConfigProvider: scheduler.NewProvider(a.Store, logger),
		SyncInterval:               syncInterval,
		SchedulerOpts: &asynq.SchedulerOpts{
			Logger:   logger.Sugar(),
			Location: time.UTC,
		},
	})
	if err != nil {
		logger.Fatal("periodic task manager setup failed", zap.Error(err))
	}
	if err := mgr.Start(); err != nil {
		logger.Fatal("periodic task manager failed to start", zap.Error(err))
	}
	logger.Info("periodic task manager started")

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Stop producing new periodic tasks before draining in-flight work.
	mgr.Shutdown()
	srv.Shutdown()

	logger.Info("agentcore worker stopped")
}
