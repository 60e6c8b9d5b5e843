package briefing

import (
	"context"
	"time"

	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/store"
	"go.uber.org/zap"
)

// Slices is the raw data a briefing is built from. A slice that failed or
// timed out is left empty and named in Failed.
type Slices struct {
	Matches          []domain.MatchItem        `json:"matches"`
	Changes          []store.ApplicationChange `json:"application_changes"`
	PendingApprovals int                       `json:"pending_approvals"`
	Warnings         []*domain.Activity        `json:"warnings"`
	Failed           []string                  `json:"-"`
}

// Empty reports whether no slice produced any data.
func (s *Slices) Empty() bool {
	return len(s.Matches) == 0 && len(s.Changes) == 0 && s.PendingApprovals == 0 && len(s.Warnings) == 0
}

const (
	sliceMatches   = "matches"
	sliceChanges   = "application_changes"
	sliceApprovals = "pending_approvals"
	sliceWarnings  = "warnings"
)

// sliceOutput holds one slice's result.
type sliceOutput struct {
	name  string
	apply func(*Slices)
	err   error
}

// Gather fetches the four slices concurrently, each under its own timeout.
// It always returns; slow or failing slices are logged and left empty.
func (p *Pipeline) Gather(ctx context.Context, userID string) *Slices {
	since := p.now().Add(-p.lookback)

	fetchers := []struct {
		name string
		fn   func(ctx context.Context) (func(*Slices), error)
	}{
		{sliceMatches, func(ctx context.Context) (func(*Slices), error) {
			m, err := p.store.RecentMatches(ctx, userID, since, maxMatches)
			return func(s *Slices) { s.Matches = m }, err
		}},
		{sliceChanges, func(ctx context.Context) (func(*Slices), error) {
			c, err := p.store.ApplicationChanges(ctx, userID, since)
			return func(s *Slices) { s.Changes = c }, err
		}},
		{sliceApprovals, func(ctx context.Context) (func(*Slices), error) {
			n, err := p.store.CountPendingApprovals(ctx, userID)
			return func(s *Slices) { s.PendingApprovals = n }, err
		}},
		{sliceWarnings, func(ctx context.Context) (func(*Slices), error) {
			a, err := p.store.ListActivities(ctx, userID, store.ActivityFilter{
				Since:    since,
				Severity: domain.SeverityWarning,
				Limit:    maxWarnings,
			})
			return func(s *Slices) { s.Warnings = a }, err
		}},
	}

	// Buffered for every fetcher so a late goroutine never blocks.
	ch := make(chan sliceOutput, len(fetchers))
	for _, f := range fetchers {
		go func(name string, fn func(context.Context) (func(*Slices), error)) {
			sctx, cancel := context.WithTimeout(ctx, p.sliceTimeout)
			defer cancel()
			apply, err := fn(sctx)
			if err == nil && sctx.Err() != nil {
				err = sctx.Err()
			}
			ch <- sliceOutput{name: name, apply: apply, err: err}
		}(f.name, f.fn)
	}

	out := &Slices{}
	received := make(map[string]bool, len(fetchers))
	deadline := time.NewTimer(p.sliceTimeout + sliceGrace)
	defer deadline.Stop()

	for remaining := len(fetchers); remaining > 0; {
		select {
		case r := <-ch:
			remaining--
			received[r.name] = true
			if r.err != nil {
				p.logger.Warn("briefing slice failed",
					zap.String("user_id", userID),
					zap.String("slice", r.name),
					zap.Error(r.err),
				)
				out.Failed = append(out.Failed, r.name)
				continue
			}
			r.apply(out)
		case <-deadline.C:
			for _, f := range fetchers {
				if !received[f.name] {
					out.Failed = append(out.Failed, f.name)
				}
			}
			p.logger.Warn("briefing slices timed out, using partial data",
				zap.String("user_id", userID),
				zap.Strings("slices", out.Failed),
			)
			remaining = 0
		}
	}
	return out
}
