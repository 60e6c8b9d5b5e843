// Package app assembles the components shared by the server, the worker and
// the operator CLI.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hireloop/agentcore/internal/activity"
	"github.com/hireloop/agentcore/internal/agents"
	"github.com/hireloop/agentcore/internal/approval"
	"github.com/hireloop/agentcore/internal/brake"
	"github.com/hireloop/agentcore/internal/briefing"
	"github.com/hireloop/agentcore/internal/coord"
	"github.com/hireloop/agentcore/internal/email"
	"github.com/hireloop/agentcore/internal/llm"
	"github.com/hireloop/agentcore/internal/queue"
	"github.com/hireloop/agentcore/internal/router"
	"github.com/hireloop/agentcore/internal/runtime"
	"github.com/hireloop/agentcore/internal/scheduler"
	"github.com/hireloop/agentcore/internal/storage"
	"github.com/hireloop/agentcore/internal/store"
	"github.com/hireloop/agentcore/internal/tier"
	"github.com/hireloop/agentcore/internal/usercontext"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
)

// Config is everything main reads from the environment.
type Config struct {
	PostgresDSN   string
	RedisURL      string
	ClickHouseDSN string
	RoutesFile    string
	// AgentEndpoint is the base URL of the external agent service. Empty
	// means only the in-process briefing agent is available.
	AgentEndpoint string
	LLM           llm.Config
	SMTP          email.SMTPConfig

	VerifyDelay    time.Duration
	SliceTimeout   time.Duration
	SummaryTimeout time.Duration
	CacheTTL       time.Duration
	RetryDelay     time.Duration
	ContextTTL     time.Duration
}

// App holds the wired components.
type App struct {
	DB        *sql.DB
	Store     *store.Store
	Coord     *coord.Store
	RedisOpt  asynq.RedisConnOpt
	Queue     *queue.Client
	Inspector *queue.Inspector
	Sink      storage.EventWriter

	Emitter   *activity.Emitter
	Approvals *approval.Service
	Brake     *brake.Controller
	Context   *usercontext.Loader
	Gate      *tier.Gate
	Registry  *runtime.Registry
	Runtime   *runtime.Runtime
	Router    *router.Router
	Pipeline  *briefing.Pipeline
	Scheduler *scheduler.Scheduler

	logger *zap.Logger
}

// New connects to Postgres and Redis and builds every component. ClickHouse,
// the model endpoint and SMTP are optional.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*App, error) {
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("app.New: POSTGRES_DSN is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("app.New: REDIS_URL is required")
	}
	a := &App{logger: logger}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("app.New: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("app.New: ping postgres: %w", err)
	}
	a.DB = db
	a.Store = store.NewStore(db)
	logger.Info("postgres connected")

	a.Coord, err = coord.Connect(ctx, cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app.New: %w", err)
	}
	a.RedisOpt, err = asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app.New: %w", err)
	}
	logger.Info("redis connected")

	a.Sink = newSink(ctx, cfg.ClickHouseDSN, logger)
	a.Queue = queue.NewClient(a.RedisOpt, logger)
	a.Inspector = queue.NewInspector(a.RedisOpt)

	a.Emitter = activity.NewEmitter(a.Store, a.Coord, a.Sink, logger)
	a.Approvals = approval.NewService(approval.Config{
		Store:    a.Store,
		Enqueuer: a.Queue,
		Emitter:  a.Emitter,
		Logger:   logger,
	})
	a.Brake = brake.NewController(brake.Config{
		Flags:       a.Coord,
		Approvals:   a.Approvals,
		Inspector:   a.Inspector,
		Enqueuer:    a.Queue,
		Emitter:     a.Emitter,
		Sink:        a.Sink,
		Logger:      logger,
		VerifyDelay: cfg.VerifyDelay,
	})
	a.Context = usercontext.NewLoader(a.Store, cfg.ContextTTL, logger)
	a.Gate = tier.NewGate(a.Brake, a.Context, a.Approvals, logger)

	table, err := router.LoadTable(cfg.RoutesFile)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app.New: %w", err)
	}

	a.Pipeline = briefing.NewPipeline(briefing.Config{
		Store:          a.Store,
		Cache:          a.Coord,
		Summarizer:     newSummarizer(cfg.LLM, logger),
		Brake:          a.Brake,
		Emitter:        a.Emitter,
		Enqueuer:       a.Queue,
		Email:          newSender(cfg.SMTP, logger),
		Logger:         logger,
		SliceTimeout:   cfg.SliceTimeout,
		SummaryTimeout: cfg.SummaryTimeout,
		CacheTTL:       cfg.CacheTTL,
		RetryDelay:     cfg.RetryDelay,
	})

	a.Registry = runtime.NewRegistry(briefing.NewAgent(a.Pipeline))
	if cfg.AgentEndpoint != "" {
		registerRemote(a.Registry, table, cfg.AgentEndpoint, logger)
	} else {
		logger.Info("no AGENT_ENDPOINT set, only the briefing agent is routable")
	}

	a.Runtime = runtime.New(runtime.Config{
		Registry: a.Registry,
		Brake:    a.Brake,
		Gate:     a.Gate,
		Outputs:  a.Store,
		Context:  a.Context,
		Emitter:  a.Emitter,
		Logger:   logger,
	})
	a.Router = router.New(router.Config{
		Table:    table,
		Gate:     a.Gate,
		Enqueuer: a.Queue,
		Context:  a.Context,
		Agents:   a.Registry,
		Sink:     a.Sink,
		Logger:   logger,
	})
	a.Scheduler = scheduler.New(a.Store, a.Brake, logger)
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	if a.Inspector != nil {
		_ = a.Inspector.Close()
	}
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	if a.Sink != nil {
		a.Sink.Close()
	}
	if a.Coord != nil {
		_ = a.Coord.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}

// newSink returns the ClickHouse writer, or a LogWriter when it is unset or unreachable.
func newSink(ctx context.Context, dsn string, logger *zap.Logger) storage.EventWriter {
	if dsn == "" {
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
		return storage.NewLogWriter(logger)
	}
	w, err := storage.NewClickHouseWriter(dsn, logger)
	if err != nil {
		logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
		return storage.NewLogWriter(logger)
	}
	if err := w.EnsureTable(ctx); err != nil {
		logger.Warn("clickhouse table check failed", zap.Error(err))
	}
	logger.Info("clickhouse writer connected")
	return w
}

func newSummarizer(cfg llm.Config, logger *zap.Logger) briefing.Summarizer {
	if cfg.Endpoint == "" {
		logger.Warn("no LLM_ENDPOINT set, briefings will degrade to the lite fallback")
		return llm.Unconfigured{}
	}
	cfg.Logger = logger
	c, err := llm.NewClient(cfg)
	if err != nil {
		logger.Error("summarizer setup failed", zap.Error(err))
		return llm.Unconfigured{}
	}
	return c
}

func newSender(cfg email.SMTPConfig, logger *zap.Logger) email.Sender {
	if cfg.Host == "" {
		logger.Info("no SMTP_HOST set, email delivery disabled")
		return email.NewNopSender(logger)
	}
	s, err := email.NewSMTPSender(cfg, logger)
	if err != nil {
		logger.Error("smtp setup failed, email delivery disabled", zap.Error(err))
		return email.NewNopSender(logger)
	}
	return s
}

// registerRemote adds one remote agent per agent type named in the route
// table. The first route seen for a type fixes its base action.
func registerRemote(reg *runtime.Registry, table *router.Table, endpoint string, logger *zap.Logger) {
	seen := map[string]bool{briefing.AgentType: true}
	for _, kind := range table.Kinds() {
		r, _ := table.Lookup(kind)
		if seen[r.AgentType] {
			continue
		}
		seen[r.AgentType] = true
		reg.Register(agents.NewRemote(r.AgentType, r.Action, endpoint, nil, logger))
	}
	logger.Info("remote agents registered", zap.Strings("types", reg.Types()), zap.String("endpoint", endpoint))
}
