package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/queue"
	"go.uber.org/zap"
)

// Maintenance cron specs (UTC).
const (
	ApprovalSweepSpec = "*/5 * * * *"
	ScheduleSweepSpec = "17 3 * * *"
	ScheduleDSTSpec   = "7 * * * *"
)

// Provider feeds the periodic task manager. It reloads the schedule table
// on every sync, so schedule writes take effect without a restart.
type Provider struct {
	store  Store
	logger *zap.Logger
}

func NewProvider(store Store, logger *zap.Logger) *Provider {
	return &Provider{store: store, logger: logger}
}

// GetConfigs implements asynq.PeriodicTaskConfigProvider.
func (p *Provider) GetConfigs() ([]*asynq.PeriodicTaskConfig, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	configs := maintenanceConfigs()

	schedules, err := p.store.ListSchedules(ctx)
	if err != nil {
		// Returning an error keeps the manager's previous configs.
		p.logger.Warn("failed to load briefing schedules", zap.Error(err))
		return nil, err
	}
	for _, sc := range schedules {
		cfg, err := briefingConfig(sc)
		if err != nil {
			p.logger.Warn("skipping schedule", zap.String("user_id", sc.UserID), zap.Error(err))
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func briefingConfig(sc *domain.Schedule) (*asynq.PeriodicTaskConfig, error) {
	channels := make([]string, 0, len(sc.Channels))
	for _, c := range sc.Channels {
		channels = append(channels, string(c))
	}
	payload, err := json.Marshal(queue.BriefingPayload{UserID: sc.UserID, Channels: channels})
	if err != nil {
		return nil, err
	}
	return &asynq.PeriodicTaskConfig{
		Cronspec: sc.Cronspec,
		Task:     asynq.NewTask(queue.TypeBriefingGenerate, payload),
		Opts: []asynq.Option{
			asynq.Queue(queue.LaneBriefings),
			asynq.MaxRetry(2),
			asynq.Timeout(2 * time.Minute),
		},
	}, nil
}

func maintenanceConfigs() []*asynq.PeriodicTaskConfig {
	opts := []asynq.Option{
		asynq.Queue(queue.LaneMaintenance),
		asynq.MaxRetry(1),
		asynq.Timeout(5 * time.Minute),
	}
	return []*asynq.PeriodicTaskConfig{
		{Cronspec: ApprovalSweepSpec, Task: asynq.NewTask(queue.TypeApprovalSweep, nil), Opts: opts},
		{Cronspec: ScheduleSweepSpec, Task: asynq.NewTask(queue.TypeScheduleSweep, nil), Opts: opts},
		{Cronspec: ScheduleDSTSpec, Task: asynq.NewTask(queue.TypeScheduleDST, nil), Opts: opts},
	}
}
