package briefing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hireloop/agentcore/internal/activity"
	"github.com/hireloop/agentcore/internal/coord"
	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/email"
	"github.com/hireloop/agentcore/internal/queue"
	"github.com/hireloop/agentcore/internal/store"
	"go.uber.org/zap"
)

// Defaults for Config zero values.
const (
	DefaultSliceTimeout   = 15 * time.Second
	DefaultSummaryTimeout = 30 * time.Second
	DefaultCacheTTL       = 48 * time.Hour
	DefaultRetryDelay     = time.Hour
	DefaultLookback       = 24 * time.Hour

	sliceGrace   = 250 * time.Millisecond
	maxMatches   = 20
	maxWarnings  = 20
	emailTimeout = 30 * time.Second
)

// User-facing copy for degraded briefings.
const (
	MessageEmptyState = "We're still learning your preferences. Your first full briefing will appear once your agents have found something worth telling you."
	MessageCached     = "We couldn't refresh your briefing just now, so this is your most recent one. A fresh briefing is on its way."
	MessageCheckBack  = "Your briefing is being prepared. Check back soon."
)

// Store is the relational surface the pipeline reads and writes.
type Store interface {
	RecentMatches(ctx context.Context, userID string, since time.Time, limit int) ([]domain.MatchItem, error)
	ApplicationChanges(ctx context.Context, userID string, since time.Time) ([]store.ApplicationChange, error)
	CountPendingApprovals(ctx context.Context, userID string) (int, error)
	ListActivities(ctx context.Context, userID string, f store.ActivityFilter) ([]*domain.Activity, error)
	CountBriefings(ctx context.Context, userID string) (int, error)
	InsertBriefing(ctx context.Context, b *domain.Briefing) error
	MarkBriefingDelivered(ctx context.Context, id string, channels []domain.Channel, at time.Time) error
	MarkBriefingRead(ctx context.Context, userID, id string) (*domain.Briefing, error)
	GetPreferences(ctx context.Context, userID string) (*domain.Preferences, error)
}

// Cache holds the last good briefing payload per user.
type Cache interface {
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// Summarizer turns aggregated slices into a structured digest.
type Summarizer interface {
	Summarize(ctx context.Context, data json.RawMessage) (*domain.BriefingContent, error)
}

// BrakeChecker answers the step-boundary brake question.
type BrakeChecker interface {
	IsActive(ctx context.Context, userID string) (bool, error)
}

// Emitter records activity events.
type Emitter interface {
	Emit(ctx context.Context, in activity.Input) (*domain.Activity, error)
}

// Config configures a Pipeline.
type Config struct {
	Store          Store
	Cache          Cache
	Summarizer     Summarizer
	Brake          BrakeChecker
	Emitter        Emitter
	Enqueuer       queue.Enqueuer
	Email          email.Sender
	Logger         *zap.Logger
	SliceTimeout   time.Duration
	SummaryTimeout time.Duration
	CacheTTL       time.Duration
	RetryDelay     time.Duration
	Lookback       time.Duration
}

// Pipeline builds, degrades and delivers daily briefings.
type Pipeline struct {
	store          Store
	cache          Cache
	summarizer     Summarizer
	brake          BrakeChecker
	emit           Emitter
	enq            queue.Enqueuer
	mail           email.Sender
	logger         *zap.Logger
	sliceTimeout   time.Duration
	summaryTimeout time.Duration
	cacheTTL       time.Duration
	retryDelay     time.Duration
	lookback       time.Duration
	now            func() time.Time
}

func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{
		store:          cfg.Store,
		cache:          cfg.Cache,
		summarizer:     cfg.Summarizer,
		brake:          cfg.Brake,
		emit:           cfg.Emitter,
		enq:            cfg.Enqueuer,
		mail:           cfg.Email,
		logger:         cfg.Logger,
		sliceTimeout:   orDefault(cfg.SliceTimeout, DefaultSliceTimeout),
		summaryTimeout: orDefault(cfg.SummaryTimeout, DefaultSummaryTimeout),
		cacheTTL:       orDefault(cfg.CacheTTL, DefaultCacheTTL),
		retryDelay:     orDefault(cfg.RetryDelay, DefaultRetryDelay),
		lookback:       orDefault(cfg.Lookback, DefaultLookback),
		now:            time.Now,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// GenerateFull gathers, summarizes, persists and caches a full briefing.
// A user's first briefing with no data gets the empty-state payload and
// no summarization call.
func (p *Pipeline) GenerateFull(ctx context.Context, userID string) (*domain.Briefing, error) {
	slices := p.Gather(ctx, userID)

	if slices.Empty() {
		n, err := p.store.CountBriefings(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("GenerateFull: %w", err)
		}
		if n == 0 {
			b := p.newBriefing(userID, domain.BriefingFull, emptyStateContent())
			if err := p.store.InsertBriefing(ctx, b); err != nil {
				return nil, fmt.Errorf("GenerateFull: %w", err)
			}
			return b, nil
		}
	}

	if active, err := p.brake.IsActive(ctx, userID); err != nil {
		return nil, fmt.Errorf("GenerateFull: %w", err)
	} else if active {
		return nil, domain.ErrBrakeActive
	}

	data, err := json.Marshal(slices)
	if err != nil {
		return nil, fmt.Errorf("GenerateFull: %w", err)
	}
	sctx, cancel := context.WithTimeout(ctx, p.summaryTimeout)
	content, err := p.summarizer.Summarize(sctx, data)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("GenerateFull: summarize: %w", err)
	}
	normalize(content)
	if _, ok := content.Metrics["pending_approvals"]; !ok {
		content.Metrics["pending_approvals"] = float64(slices.PendingApprovals)
	}

	b := p.newBriefing(userID, domain.BriefingFull, *content)
	if err := p.store.InsertBriefing(ctx, b); err != nil {
		return nil, fmt.Errorf("GenerateFull: %w", err)
	}

	payload, err := json.Marshal(b.Content)
	if err == nil {
		err = p.cache.SetEX(ctx, coord.BriefingCacheKey(userID), payload, p.cacheTTL)
	}
	if err != nil {
		p.logger.Warn("failed to cache briefing", zap.String("user_id", userID), zap.Error(err))
	}

	p.logger.Info("briefing generated",
		zap.String("user_id", userID),
		zap.String("briefing_id", b.ID),
		zap.Strings("failed_slices", slices.Failed),
	)
	return b, nil
}

// GenerateWithFallback never fails: any error or panic in GenerateFull
// yields a lite briefing and, unless the brake caused it, a retry of the
// full briefing after the retry delay.
func (p *Pipeline) GenerateWithFallback(ctx context.Context, userID string) (b *domain.Briefing) {
	defer func() {
		if r := recover(); r != nil {
			b = p.degrade(ctx, userID, fmt.Errorf("panic: %v", r))
		}
	}()

	b, err := p.GenerateFull(ctx, userID)
	if err == nil {
		return b
	}
	return p.degrade(ctx, userID, err)
}

func (p *Pipeline) degrade(ctx context.Context, userID string, cause error) *domain.Briefing {
	braked := errors.Is(cause, domain.ErrBrakeActive)
	p.logger.Warn("full briefing failed, falling back to lite",
		zap.String("user_id", userID),
		zap.Bool("brake_active", braked),
		zap.Error(cause),
	)

	lite := p.GenerateLite(ctx, userID)
	if braked {
		// No writes while the brake is engaged.
		return lite
	}
	if err := p.store.InsertBriefing(ctx, lite); err != nil {
		p.logger.Warn("failed to persist lite briefing", zap.String("user_id", userID), zap.Error(err))
	}

	p.scheduleRetry(ctx, userID)
	if _, err := p.emit.Emit(ctx, activity.Input{
		UserID:    userID,
		EventType: domain.EventBriefingFailed,
		AgentType: AgentType,
		Title:     "Your briefing is delayed; showing the most recent one",
		Severity:  domain.SeverityWarning,
		Data:      map[string]any{"error": cause.Error(), "briefing_id": lite.ID},
	}); err != nil {
		p.logger.Warn("failed to record briefing failure", zap.String("user_id", userID), zap.Error(err))
	}
	return lite
}

// RetryTaskID names the single retry allowed per user per day. A retry
// that fails while it is itself still active collides with its own ID,
// so retries do not chain.
func RetryTaskID(userID string, now time.Time) string {
	return "briefing-retry:" + userID + ":" + now.UTC().Format("2006-01-02")
}

func (p *Pipeline) scheduleRetry(ctx context.Context, userID string) {
	id, err := p.enq.Enqueue(ctx, queue.LaneBriefings, queue.TypeBriefingGenerate,
		queue.BriefingPayload{UserID: userID, Retry: true},
		queue.Options{
			MaxRetry:  1,
			Timeout:   2 * time.Minute,
			ProcessIn: p.retryDelay,
			TaskID:    RetryTaskID(userID, p.now()),
		})
	if err != nil {
		p.logger.Error("failed to schedule briefing retry", zap.String("user_id", userID), zap.Error(err))
		return
	}
	p.logger.Info("briefing retry scheduled",
		zap.String("user_id", userID),
		zap.String("task_id", id),
		zap.Duration("delay", p.retryDelay),
	)
}

// GenerateLite returns the cached payload as a lite briefing, or the
// minimal check-back-soon payload. It never fails and does not persist.
func (p *Pipeline) GenerateLite(ctx context.Context, userID string) *domain.Briefing {
	raw, ok, err := p.cache.Get(ctx, coord.BriefingCacheKey(userID))
	if err != nil {
		p.logger.Warn("briefing cache read failed", zap.String("user_id", userID), zap.Error(err))
	}
	if err == nil && ok {
		var content domain.BriefingContent
		if err := json.Unmarshal(raw, &content); err == nil {
			normalize(&content)
			content.Message = MessageCached
			content.EmptyState = false
			return p.newBriefing(userID, domain.BriefingLite, content)
		}
		p.logger.Warn("cached briefing is corrupt", zap.String("user_id", userID))
	}

	content := domain.BriefingContent{Message: MessageCheckBack}
	normalize(&content)
	return p.newBriefing(userID, domain.BriefingLite, content)
}

// Deliver attempts each channel independently and records the ones that
// succeeded. It returns the delivered channels.
func (p *Pipeline) Deliver(ctx context.Context, b *domain.Briefing, channels []domain.Channel) []domain.Channel {
	delivered := make([]domain.Channel, 0, len(channels))
	seen := make(map[domain.Channel]bool, len(channels))

	for _, ch := range channels {
		if seen[ch] {
			continue
		}
		seen[ch] = true

		var err error
		switch ch {
		case domain.ChannelInApp:
			err = p.deliverInApp(ctx, b)
		case domain.ChannelEmail:
			err = p.deliverEmail(ctx, b)
		default:
			err = fmt.Errorf("unknown channel %q", ch)
		}
		if err != nil {
			p.logger.Warn("briefing delivery failed",
				zap.String("user_id", b.UserID),
				zap.String("briefing_id", b.ID),
				zap.String("channel", string(ch)),
				zap.Error(err),
			)
			continue
		}
		delivered = append(delivered, ch)
	}

	at := p.now().UTC()
	if err := p.store.MarkBriefingDelivered(ctx, b.ID, delivered, at); err != nil {
		p.logger.Warn("failed to record briefing delivery", zap.String("briefing_id", b.ID), zap.Error(err))
	}
	b.DeliveredAt = &at
	b.DeliveredChannels = delivered
	return delivered
}

func (p *Pipeline) deliverInApp(ctx context.Context, b *domain.Briefing) error {
	_, err := p.emit.Emit(ctx, activity.Input{
		UserID:    b.UserID,
		EventType: domain.EventBriefingReady,
		AgentType: AgentType,
		Title:     "Your briefing is ready",
		Severity:  domain.SeverityInfo,
		Data: map[string]any{
			"briefing_id": b.ID,
			"type":        string(b.Type),
		},
	})
	return err
}

func (p *Pipeline) deliverEmail(ctx context.Context, b *domain.Briefing) error {
	if p.mail == nil {
		return email.ErrNotConfigured
	}
	prefs, err := p.store.GetPreferences(ctx, b.UserID)
	if err != nil {
		return err
	}
	if prefs == nil || prefs.Email == "" {
		return fmt.Errorf("no email address on file")
	}
	loc, err := time.LoadLocation(prefs.Timezone)
	if err != nil {
		loc = time.UTC
	}
	subject, body, err := email.RenderBriefing(b, loc)
	if err != nil {
		return err
	}
	ectx, cancel := context.WithTimeout(ctx, emailTimeout)
	defer cancel()
	return p.mail.Send(ectx, prefs.Email, subject, body)
}

// MarkRead records the first time the user opened a briefing.
func (p *Pipeline) MarkRead(ctx context.Context, userID, id string) (*domain.Briefing, error) {
	b, err := p.store.MarkBriefingRead(ctx, userID, id)
	if err != nil {
		return nil, fmt.Errorf("MarkRead: %w", err)
	}
	if b == nil {
		return nil, fmt.Errorf("MarkRead %s: %w", id, domain.ErrNotFound)
	}
	return b, nil
}

func (p *Pipeline) newBriefing(userID string, typ domain.BriefingType, content domain.BriefingContent) *domain.Briefing {
	return &domain.Briefing{
		ID:                uuid.New().String(),
		UserID:            userID,
		Content:           content,
		Type:              typ,
		GeneratedAt:       p.now().UTC(),
		DeliveredChannels: []domain.Channel{},
		SchemaVersion:     domain.OutputSchemaVersion,
	}
}

func emptyStateContent() domain.BriefingContent {
	c := domain.BriefingContent{
		Summary:    MessageEmptyState,
		EmptyState: true,
	}
	normalize(&c)
	return c
}

// normalize replaces nil collections so the payload always serializes
// with arrays and an object.
func normalize(c *domain.BriefingContent) {
	if c.ActionsNeeded == nil {
		c.ActionsNeeded = []domain.ActionItem{}
	}
	if c.NewMatches == nil {
		c.NewMatches = []domain.MatchItem{}
	}
	if c.ActivityLog == nil {
		c.ActivityLog = []domain.ActivityItem{}
	}
	if c.Metrics == nil {
		c.Metrics = map[string]float64{}
	}
}
