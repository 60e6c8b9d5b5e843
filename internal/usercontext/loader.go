package usercontext

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hireloop/agentcore/internal/domain"
	"go.uber.org/zap"
)

// DefaultTTL bounds how stale a served bundle may be before a refresh starts.
const DefaultTTL = 5 * time.Minute

// recentOutputs is how many of the latest agent outputs a bundle carries.
const recentOutputs = 20

// Bundle is everything an agent needs to know about its user.
type Bundle struct {
	UserID        string
	Profile       json.RawMessage
	Preferences   domain.Preferences
	RecentOutputs []*domain.AgentOutput
	LoadedAt      time.Time
}

// Store abstracts the relational reads for testability.
type Store interface {
	GetPreferences(ctx context.Context, userID string) (*domain.Preferences, error)
	GetProfile(ctx context.Context, userID string) (json.RawMessage, error)
	ListAgentOutputs(ctx context.Context, userID string, limit int) ([]*domain.AgentOutput, error)
}

// Loader serves user context bundles from a stale-while-revalidate cache.
// It also satisfies tier.TierSource.
type Loader struct {
	store  Store
	cache  *Cache
	logger *zap.Logger
}

func NewLoader(store Store, ttl time.Duration, logger *zap.Logger) *Loader {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Loader{store: store, cache: NewCache(ttl), logger: logger}
}

// Load returns the user's bundle. A cache miss loads synchronously; a stale
// hit is served immediately while one goroutine refreshes it.
func (l *Loader) Load(ctx context.Context, userID string) (*Bundle, error) {
	result := l.cache.Get(userID)
	if result.Hit {
		if result.NeedsRefresh {
			go l.backgroundRefresh(userID)
		}
		return result.Bundle, nil
	}

	b, err := l.fetch(ctx, userID)
	if err != nil {
		return nil, err
	}
	l.cache.Set(userID, b)
	return b, nil
}

// Tier returns the user's current autonomy tier. Unlike Load it never
// serves an expired entry: past the TTL the tier is read from the store.
func (l *Loader) Tier(ctx context.Context, userID string) (domain.AutonomyTier, error) {
	if b, ok := l.cache.GetFresh(userID); ok {
		return b.Preferences.Tier, nil
	}
	prefs, err := l.store.GetPreferences(ctx, userID)
	if err != nil {
		return domain.TierL0, fmt.Errorf("usercontext.Tier: %w", err)
	}
	if prefs == nil {
		return domain.TierL0, fmt.Errorf("usercontext.Tier %s: %w", userID, domain.ErrNotFound)
	}
	return prefs.Tier, nil
}

// Invalidate drops the cached bundle so the next Load reads through.
func (l *Loader) Invalidate(userID string) {
	l.cache.Delete(userID)
}

func (l *Loader) backgroundRefresh(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := l.fetch(ctx, userID)
	if err != nil {
		l.logger.Warn("user context refresh failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		l.cache.Delete(userID)
		return
	}
	l.cache.Set(userID, b)
}

func (l *Loader) fetch(ctx context.Context, userID string) (*Bundle, error) {
	prefs, err := l.store.GetPreferences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("usercontext.Load: %w", err)
	}
	if prefs == nil {
		return nil, fmt.Errorf("usercontext.Load %s: %w", userID, domain.ErrNotFound)
	}
	profile, err := l.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("usercontext.Load: %w", err)
	}
	outputs, err := l.store.ListAgentOutputs(ctx, userID, recentOutputs)
	if err != nil {
		return nil, fmt.Errorf("usercontext.Load: %w", err)
	}
	return &Bundle{
		UserID:        userID,
		Profile:       profile,
		Preferences:   *prefs,
		RecentOutputs: outputs,
		LoadedAt:      time.Now().UTC(),
	}, nil
}
