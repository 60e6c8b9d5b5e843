package worker

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hireloop/agentcore/internal/queue"
	"go.uber.org/zap"
)

// NewServer builds the asynq worker pool with weighted lanes. Refusals
// wrapped in SkipRetry are not counted as failures.
func NewServer(opt asynq.RedisConnOpt, concurrency int, logger *zap.Logger) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency:     concurrency,
		Queues:          queue.LaneWeights(),
		Logger:          logger.Sugar(),
		ShutdownTimeout: 20 * time.Second,
		IsFailure: func(err error) bool {
			return !errors.Is(err, asynq.SkipRetry)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			if errors.Is(err, asynq.SkipRetry) {
				return
			}
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Warn("task failed",
				zap.String("task_type", t.Type()),
				zap.String("user_id", queue.PayloadUserID(t.Payload())),
				zap.Int("retried", retried),
				zap.Int("max_retry", maxRetry),
				zap.Error(err),
			)
		}),
	})
}
