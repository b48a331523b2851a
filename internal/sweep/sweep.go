// Package sweep runs the daily reconciliation: every card still open at local
// midnight is finalized on the member's behalf and expired cards are purged.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"punchcard/internal/domain"
	"punchcard/internal/engine"
)

type Sweeper struct {
	Engine *engine.Engine
	Log    *slog.Logger
}

// CommunitySummary counts one community's sweep results.
type CommunitySummary struct {
	Closed  int `json:"closed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
}

// Summary reports one sweep run. Errored counts cards whose backing chat
// message no longer resolves; those are parked, not closed.
type Summary struct {
	StartedAt   time.Time                   `json:"started_at"`
	FinishedAt  time.Time                   `json:"finished_at"`
	Closed      int                         `json:"closed"`
	Failed      int                         `json:"failed"`
	Errored     int                         `json:"errored"`
	Purged      int64                       `json:"purged"`
	Communities map[string]CommunitySummary `json:"communities,omitempty"`
}

// Run closes every open card and purges expired ones. Rerunning immediately
// is harmless: a swept card is no longer active, so it is not picked up again.
func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	now := s.Engine.Now()
	sum := Summary{StartedAt: now, Communities: map[string]CommunitySummary{}}

	open, err := s.Engine.Repo.OpenCards(ctx)
	if err != nil {
		return sum, err
	}
	s.Log.Info("sweep started", "open_cards", len(open))

	for _, c := range open {
		cs := sum.Communities[c.CommunityID]
		if !s.Engine.BackingMessageReachable(ctx, c) {
			if err := s.Engine.MarkUnreachable(ctx, c.ID); err != nil {
				s.Log.Error("mark unreachable failed", "card", c.ID, "error", err)
			}
			cs.Errored++
			sum.Errored++
			sum.Communities[c.CommunityID] = cs
			continue
		}
		if _, err := s.Engine.AutoClose(ctx, c.ID); err != nil {
			// A member finishing concurrently is not a sweep failure.
			var r *domain.Rejection
			if errors.As(err, &r) && r.Code == domain.RejectAlreadyFinished {
				sum.Communities[c.CommunityID] = cs
				continue
			}
			s.Log.Error("auto close failed", "card", c.ID, "community", c.CommunityID, "error", err)
			cs.Failed++
			sum.Failed++
		} else {
			cs.Closed++
			sum.Closed++
		}
		sum.Communities[c.CommunityID] = cs
	}

	purged, err := s.Engine.PurgeExpired(ctx)
	if err != nil {
		s.Log.Error("purge failed", "error", err)
		return sum, err
	}
	sum.Purged = purged
	sum.FinishedAt = s.Engine.Now()
	s.Log.Info("sweep finished", "closed", sum.Closed, "failed", sum.Failed, "errored", sum.Errored, "purged", sum.Purged)
	return sum, nil
}

// Start runs the sweep at every local midnight until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	loc := s.Engine.Settings.Location()
	for {
		now := s.Engine.Now().In(loc)
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).Add(24 * time.Hour)
		wait := next.Sub(now)
		s.Log.Info("next sweep scheduled", "at", next, "in", wait)
		select {
		case <-time.After(wait):
			if _, err := s.Run(ctx); err != nil {
				s.Log.Error("sweep run failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
