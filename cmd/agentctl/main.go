// Command agentctl runs operator tasks against the agentcore stores.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/hireloop/agentcore/internal/app"
	"github.com/hireloop/agentcore/internal/config"
	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// BrakeOps is the operator's view of the brake controller.
type BrakeOps interface {
	Activate(ctx context.Context, userID string) (domain.BrakeStatus, error)
	Resume(ctx context.Context, userID string) (domain.BrakeStatus, error)
	Status(ctx context.Context, userID string) (domain.BrakeStatus, error)
	VerifyCompletion(ctx context.Context, userID string) (domain.BrakeStatus, error)
}

type ScheduleOps interface {
	Sweep(ctx context.Context) (int, error)
	CorrectOffsets(ctx context.Context) (int, error)
}

type ApprovalOps interface {
	ExpireSweep(ctx context.Context) (int64, error)
}

type Migrator interface {
	Migrate(ctx context.Context) error
}

// backend is what a command needs; release frees its connections.
type backend struct {
	Brake     BrakeOps
	Schedules ScheduleOps
	Approvals ApprovalOps
	release   func()
}

// opener connects lazily so that --help and flag errors need no database.
type opener struct {
	backend  func(ctx context.Context) (*backend, error)
	migrator func(ctx context.Context) (Migrator, func(), error)
}

func main() {
	logger := config.MustBuildLogger(config.EnvOrDefault("AGENTCTL_LOG_LEVEL", "warn"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	root := newRootCmd(liveOpener(logger))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(o opener) *cobra.Command {
	root := &cobra.Command{
		Use:          "agentctl",
		Short:        "Operator commands for the agent orchestration core",
		SilenceUsage: true,
	}
	root.PersistentFlags().Duration("timeout", 30*time.Second, "deadline for the whole command")
	root.AddCommand(
		newMigrateCmd(o),
		newBrakeCmd(o),
		newSchedulesCmd(o),
		newApprovalsCmd(o),
	)
	return root
}

// commandContext applies the --timeout flag.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	d, err := cmd.Flags().GetDuration("timeout")
	if err != nil || d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(cmd.Context(), d)
}

func liveOpener(logger *zap.Logger) opener {
	return opener{
		backend: func(ctx context.Context) (*backend, error) {
			a, err := app.New(ctx, config.FromEnv(), logger)
			if err != nil {
				return nil, err
			}
			return &backend{
				Brake:     a.Brake,
				Schedules: a.Scheduler,
				Approvals: a.Approvals,
				release:   a.Close,
			}, nil
		},
		// Migrations need only Postgres.
		migrator: func(ctx context.Context) (Migrator, func(), error) {
			dsn := os.Getenv("POSTGRES_DSN")
			if dsn == "" {
				return nil, nil, fmt.Errorf("POSTGRES_DSN is required")
			}
			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return nil, nil, fmt.Errorf("open postgres: %w", err)
			}
			if err := db.PingContext(ctx); err != nil {
				_ = db.Close()
				return nil, nil, fmt.Errorf("ping postgres: %w", err)
			}
			return store.NewStore(db), func() { _ = db.Close() }, nil
		},
	}
}
