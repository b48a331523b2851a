package engine

import (
	"context"
	"time"

	"punchcard/internal/domain"
	"punchcard/internal/interval"
)

// GetCard loads a card with its trail.
func (e *Engine) GetCard(ctx context.Context, id string) (domain.Card, error) {
	c, err := e.Repo.GetCard(ctx, id)
	if err != nil {
		return c, mapRepoErr(err)
	}
	return c, nil
}

// ActiveCard returns the user's open card in a community.
func (e *Engine) ActiveCard(ctx context.Context, userID, communityID string) (domain.Card, error) {
	c, err := e.Repo.FindActive(ctx, userID, communityID)
	if err != nil {
		return c, mapRepoErr(err)
	}
	return c, nil
}

// ListCards lists a community's cards, optionally filtered by state.
func (e *Engine) ListCards(ctx context.Context, communityID string, state domain.State) ([]domain.Card, error) {
	return e.Repo.ListCards(ctx, communityID, state)
}

// Elapsed reports the card's net worked time as of now. Pausing closes the
// open period, so the period sum already excludes paused stretches, and the
// periods span every reopen round.
func (e *Engine) Elapsed(c domain.Card) time.Duration {
	return interval.Total(c.WorkPeriods, e.now())
}

// MarkFourHourNotice flags the card once its elapsed time crosses four hours.
// Returns true when the flag flipped, so the caller sends the notice exactly
// once. The flag is bookkeeping, not a card action, so the trail stays clean.
func (e *Engine) MarkFourHourNotice(ctx context.Context, cardID string) (bool, error) {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetCardTx(ctx, tx, cardID)
	if err != nil {
		return false, mapRepoErr(err)
	}
	if c.State != domain.StateActive || c.FourHoursNotified {
		return false, nil
	}
	if interval.Total(c.WorkPeriods, now) < 4*time.Hour {
		return false, nil
	}
	c.FourHoursNotified = true
	if err := e.Repo.UpdateCardTx(ctx, tx, c); err != nil {
		return false, mapRepoErr(err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

type VoicePresenceOptions struct {
	CardID      string
	ChannelName string
	JoinedAt    *time.Time
	LeftAt      *time.Time
}

// RecordVoicePresence annotates the card with the member's latest voice
// channel movement. Presence is informational and never throttled.
func (e *Engine) RecordVoicePresence(ctx context.Context, opts VoicePresenceOptions) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetCardTx(ctx, tx, opts.CardID)
	if err != nil {
		return mapRepoErr(err)
	}
	if opts.ChannelName != "" {
		c.LastVoiceChannelName = opts.ChannelName
	}
	if opts.JoinedAt != nil {
		c.LastVoiceChannelJoinedAt = opts.JoinedAt
	}
	if opts.LeftAt != nil {
		c.LastVoiceChannelLeftAt = opts.LeftAt
	}
	if err := e.Repo.UpdateCardTx(ctx, tx, c); err != nil {
		return mapRepoErr(err)
	}
	return tx.Commit()
}

// PurgeExpired drops cards past the retention window.
func (e *Engine) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := e.now().Add(-e.Settings.Store.Retention)
	n, err := e.Repo.PurgeExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.Log.Info("purged expired cards", "count", n)
	}
	return n, nil
}
