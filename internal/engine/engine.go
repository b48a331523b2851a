// Package engine implements the point-card state machine: clock-in through
// finalization, cancellation, and reopening, with every transition persisted
// atomically alongside its audit trail entry.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"punchcard/internal/cache"
	"punchcard/internal/config"
	"punchcard/internal/domain"
	"punchcard/internal/history"
	"punchcard/internal/interval"
	"punchcard/internal/ledger"
	"punchcard/internal/repo"
	"punchcard/internal/syncer"
)

// Notifier receives card lifecycle announcements. Implementations post to the
// community's log channel; the engine only fires them best-effort.
type Notifier interface {
	CardEvent(ctx context.Context, card domain.Card, action, note string)
	SyncFailed(ctx context.Context, card domain.Card, err error)
}

// Locator resolves chat-side state the engine cannot see: member display
// handles (they end up in the ledger's name column) and whether a card's
// backing message still exists.
type Locator interface {
	MemberHandle(ctx context.Context, communityID, userID string) (string, error)
	MessageReachable(ctx context.Context, channelID, messageID string) (bool, error)
}

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	History     history.Writer
	Settings    *config.Settings
	Queue       *syncer.Queue
	Directory   *ledger.Directory
	API         ledger.API
	Locator     Locator
	Notifier    Notifier
	Communities *cache.TTL[string, config.Community]
	Handles     *cache.TTL[string, string]
	Log         *slog.Logger
	Now         func() time.Time
}

func New(db *sql.DB, cfg *config.Settings, log *slog.Logger) *Engine {
	e := &Engine{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Settings:    cfg,
		Communities: cache.New[string, config.Community](cfg.Cache.CommunityTTL),
		Handles:     cache.New[string, string](cfg.Cache.HandleTTL),
		Log:         log,
		Now:         time.Now,
	}
	e.History = history.Writer{Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Community resolves a community's ledger binding through the config cache.
func (e *Engine) Community(ctx context.Context, communityID string) (config.Community, error) {
	if c, ok := e.Communities.Get(communityID); ok {
		return c, nil
	}
	c, err := e.Repo.GetCommunity(ctx, communityID)
	if err != nil {
		return c, err
	}
	e.Communities.Set(communityID, c)
	return c, nil
}

// RegisterCommunity stores a binding and refreshes the cache.
func (e *Engine) RegisterCommunity(ctx context.Context, c config.Community) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := e.Repo.UpsertCommunity(ctx, c, e.now()); err != nil {
		return err
	}
	e.Communities.Set(c.CommunityID, c)
	return nil
}

func (e *Engine) handle(ctx context.Context, communityID, userID string) string {
	key := communityID + "|" + userID
	if h, ok := e.Handles.Get(key); ok {
		return h
	}
	if e.Locator == nil {
		return userID
	}
	h, err := e.Locator.MemberHandle(ctx, communityID, userID)
	if err != nil || h == "" {
		e.Log.Warn("handle lookup failed", "community", communityID, "user", userID, "error", err)
		return userID
	}
	e.Handles.Set(key, h)
	return h
}

// throttle rejects interactions arriving faster than the configured minimum
// interval since the card was last touched.
func (e *Engine) throttle(c *domain.Card, now time.Time) *domain.Rejection {
	elapsed := now.Sub(c.LastInteraction)
	if elapsed < e.Settings.Throttle.MinInterval {
		r := domain.Reject(domain.RejectTooFrequent)
		r.RetryAfter = e.Settings.Throttle.MinInterval - elapsed
		return r
	}
	return nil
}

func mapRepoErr(err error) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return domain.Reject(domain.RejectNotFound)
	case errors.Is(err, repo.ErrVersionConflict):
		return domain.Reject(domain.RejectVersionConflict)
	default:
		return err
	}
}

type ClockInOptions struct {
	UserID      string
	CommunityID string
	ChannelID   string
	MessageID   string
	Actor       string
}

// ClockIn opens a new card for the user. A user holds at most one active card
// per community.
func (e *Engine) ClockIn(ctx context.Context, opts ClockInOptions) (domain.Card, error) {
	if opts.UserID == "" || opts.CommunityID == "" {
		return domain.Card{}, errors.New("user and community are required")
	}
	if _, err := e.Community(ctx, opts.CommunityID); err != nil {
		return domain.Card{}, mapRepoErr(err)
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	if existing, err := e.Repo.FindActiveTx(ctx, tx, opts.UserID, opts.CommunityID); err == nil {
		if e.BackingMessageReachable(ctx, existing) {
			r := domain.Reject(domain.RejectAlreadyActive)
			r.Conflict = &existing
			return domain.Card{}, r
		}
		// The stale card's backing message is gone; park it in the error
		// state so it stops occupying the uniqueness slot.
		existing.State = domain.StateError
		if err := e.Repo.UpdateCardTx(ctx, tx, existing); err != nil {
			return domain.Card{}, mapRepoErr(err)
		}
		if err := e.History.Append(ctx, tx, existing.ID, domain.ActionError, domain.SystemActor, "backing message unreachable"); err != nil {
			return domain.Card{}, err
		}
		e.Log.Warn("stale active card degraded", "card", existing.ID, "user", existing.UserID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Card{}, err
	}

	c := domain.Card{
		ID:              uuid.NewString(),
		UserID:          opts.UserID,
		CommunityID:     opts.CommunityID,
		ChannelID:       opts.ChannelID,
		MessageID:       opts.MessageID,
		State:           domain.StateActive,
		StartTime:       now,
		LastInteraction: now,
		WorkPeriods:     []domain.WorkPeriod{{Start: now}},
		CreatedAt:       now,
		Version:         1,
	}
	if err := e.Repo.InsertCardTx(ctx, tx, c); err != nil {
		return domain.Card{}, fmt.Errorf("insert card: %w", err)
	}
	if err := e.History.Append(ctx, tx, c.ID, domain.ActionClockIn, opts.Actor, ""); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	c.History = append(c.History, domain.HistoryEntry{Action: domain.ActionClockIn, Time: now, Actor: opts.Actor})
	e.Log.Info("card opened", "card", c.ID, "user", c.UserID, "community", c.CommunityID)
	e.notify(ctx, c, domain.ActionClockIn, "")
	return c, nil
}

type TransitionOptions struct {
	CardID string
	Actor  string
	Note   string
}

// Pause closes the open work period and starts counting paused time.
func (e *Engine) Pause(ctx context.Context, opts TransitionOptions) (domain.Card, error) {
	return e.transition(ctx, opts, domain.ActionPause, true, func(c *domain.Card, now time.Time) *domain.Rejection {
		if c.State != domain.StateActive {
			return rejectForState(c.State)
		}
		if c.Paused {
			return domain.Reject(domain.RejectAlreadyPaused)
		}
		if p := c.OpenPeriod(); p != nil {
			p.PauseIntervals = append(p.PauseIntervals, domain.PauseInterval{Start: now})
			end := now
			p.End = &end
		}
		c.Paused = true
		pauseStart := now
		c.LastPauseStart = &pauseStart
		return nil
	})
}

// Resume closes the pause and opens a fresh work period.
func (e *Engine) Resume(ctx context.Context, opts TransitionOptions) (domain.Card, error) {
	return e.transition(ctx, opts, domain.ActionResume, true, func(c *domain.Card, now time.Time) *domain.Rejection {
		if c.State != domain.StateActive {
			return rejectForState(c.State)
		}
		if !c.Paused {
			return domain.Reject(domain.RejectNotPaused)
		}
		closePause(c, now)
		c.WorkPeriods = append(c.WorkPeriods, domain.WorkPeriod{Start: now})
		return nil
	})
}

// Finish finalizes the card: closes any pause and the open period, computes
// the net total, and queues the ledger write.
func (e *Engine) Finish(ctx context.Context, opts TransitionOptions) (domain.Card, error) {
	c, err := e.transition(ctx, opts, domain.ActionFinish, true, func(c *domain.Card, now time.Time) *domain.Rejection {
		if c.State != domain.StateActive {
			return rejectForState(c.State)
		}
		finalize(c, now)
		return nil
	})
	if err != nil {
		return c, err
	}
	e.queueLedgerWrite(ctx, c, false)
	return c, nil
}

// AutoClose is the sweep's finalization: same bookkeeping as Finish but
// recorded as a system action and never throttled.
func (e *Engine) AutoClose(ctx context.Context, cardID string) (domain.Card, error) {
	c, err := e.transition(ctx, TransitionOptions{CardID: cardID, Actor: domain.SystemActor, Note: "closed by daily sweep"},
		domain.ActionAutoClose, false, func(c *domain.Card, now time.Time) *domain.Rejection {
			if c.State != domain.StateActive {
				return rejectForState(c.State)
			}
			finalize(c, now)
			return nil
		})
	if err != nil {
		return c, err
	}
	e.queueLedgerWrite(ctx, c, true)
	return c, nil
}

type CancelOptions struct {
	CardID string
	Actor  string
	Reason string
	// ActorRoles is checked against the community's responsible role.
	ActorRoles []string
}

// Cancel voids the card. Only holders of the community's responsible role may
// cancel, and a reason is mandatory. All accumulated time is zeroed and, when
// the member already has a ledger row, the day and total cells are zeroed too.
func (e *Engine) Cancel(ctx context.Context, opts CancelOptions) (domain.Card, error) {
	if strings.TrimSpace(opts.Reason) == "" {
		return domain.Card{}, errors.New("cancel reason is required")
	}
	c, err := e.transition(ctx, TransitionOptions{CardID: opts.CardID, Actor: opts.Actor, Note: opts.Reason},
		domain.ActionCancel, false, func(c *domain.Card, now time.Time) *domain.Rejection {
			if r := e.authorizeCancel(ctx, c.CommunityID, opts.ActorRoles); r != nil {
				return r
			}
			if c.State == domain.StateCanceled {
				return domain.Reject(domain.RejectCanceled)
			}
			if c.Paused {
				closePause(c, now)
			}
			if p := c.OpenPeriod(); p != nil {
				end := now
				p.End = &end
			}
			c.State = domain.StateCanceled
			c.CanceledBy = opts.Actor
			c.EndTime = &now
			c.Total = 0
			c.Accumulated = 0
			c.PreviousAccumulated = 0
			c.TotalPaused = 0
			c.LastPauseStart = nil
			c.Paused = false
			return nil
		})
	if err != nil {
		return c, err
	}
	e.queueLedgerZero(ctx, c)
	return c, nil
}

type ReopenOptions struct {
	CardID string
	Actor  string
}

// Reopen returns a recently finished card to the active state, preserving the
// already-banked total so later finalization adds to it.
func (e *Engine) Reopen(ctx context.Context, opts ReopenOptions) (domain.Card, error) {
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCardTx(ctx, tx, opts.CardID)
	if err != nil {
		return domain.Card{}, mapRepoErr(err)
	}
	if c.State == domain.StateCanceled {
		return domain.Card{}, domain.Reject(domain.RejectCanceled)
	}
	if !c.Finished() {
		return domain.Card{}, domain.Reject(domain.RejectNotFinished)
	}
	if fin := c.LastFinalization(); fin != nil && now.Sub(fin.Time) < e.Settings.Throttle.MinInterval {
		r := domain.Reject(domain.RejectTooSoon)
		r.RetryAfter = e.Settings.Throttle.MinInterval - now.Sub(fin.Time)
		return domain.Card{}, r
	}
	if len(c.History) >= domain.MaxHistoryEntries {
		return domain.Card{}, domain.Reject(domain.RejectTooManyInteractions)
	}
	if now.Sub(c.CreatedAt) >= 24*time.Hour {
		return domain.Card{}, domain.Reject(domain.RejectExpired)
	}
	if conflict, err := e.Repo.FindActiveTx(ctx, tx, c.UserID, c.CommunityID); err == nil {
		r := domain.Reject(domain.RejectConflictingCard)
		r.Conflict = &conflict
		return domain.Card{}, r
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Card{}, err
	}

	c.PreviousAccumulated = c.Total
	c.Accumulated = 0
	c.State = domain.StateActive
	c.EndTime = nil
	closePause(&c, now)
	// A card parked in an error state mid-session may still carry open
	// periods; close them all so exactly one period is open afterwards.
	for i := range c.WorkPeriods {
		if c.WorkPeriods[i].End == nil {
			end := now
			c.WorkPeriods[i].End = &end
		}
	}
	c.WorkPeriods = append(c.WorkPeriods, domain.WorkPeriod{Start: now})
	c.LastInteraction = now

	if err := e.Repo.UpdateCardTx(ctx, tx, c); err != nil {
		return domain.Card{}, mapRepoErr(err)
	}
	if err := e.History.Append(ctx, tx, c.ID, domain.ActionReopen, opts.Actor, ""); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	c.Version++
	c.History = append(c.History, domain.HistoryEntry{Action: domain.ActionReopen, Time: now, Actor: opts.Actor})
	e.Log.Info("card reopened", "card", c.ID, "user", c.UserID)
	e.notify(ctx, c, domain.ActionReopen, "")
	return c, nil
}

// transition loads the card, applies the mutation, bumps the trail, and
// commits, with optional interaction throttling.
func (e *Engine) transition(ctx context.Context, opts TransitionOptions, action string, throttled bool,
	apply func(c *domain.Card, now time.Time) *domain.Rejection) (domain.Card, error) {

	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCardTx(ctx, tx, opts.CardID)
	if err != nil {
		return domain.Card{}, mapRepoErr(err)
	}
	if throttled {
		if r := e.throttle(&c, now); r != nil {
			return domain.Card{}, r
		}
	}
	if r := apply(&c, now); r != nil {
		return domain.Card{}, r
	}
	c.LastInteraction = now

	if err := e.Repo.UpdateCardTx(ctx, tx, c); err != nil {
		return domain.Card{}, mapRepoErr(err)
	}
	if err := e.History.Append(ctx, tx, c.ID, action, opts.Actor, opts.Note); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	c.Version++
	c.History = append(c.History, domain.HistoryEntry{Action: action, Time: now, Actor: opts.Actor, Note: opts.Note})
	e.Log.Info("card transition", "card", c.ID, "action", action, "state", string(c.State))
	e.notify(ctx, c, action, opts.Note)
	return c, nil
}

func rejectForState(s domain.State) *domain.Rejection {
	switch s {
	case domain.StateCanceled:
		return domain.Reject(domain.RejectCanceled)
	case domain.StateFinished, domain.StateError, domain.StateErrorLedger:
		return domain.Reject(domain.RejectAlreadyFinished)
	default:
		return domain.Reject(domain.RejectNotFound)
	}
}

func closePause(c *domain.Card, now time.Time) {
	for i := range c.WorkPeriods {
		pauses := c.WorkPeriods[i].PauseIntervals
		for j := range pauses {
			if pauses[j].End == nil {
				end := now
				pauses[j].End = &end
			}
		}
	}
	if c.LastPauseStart != nil {
		if d := now.Sub(*c.LastPauseStart); d > 0 {
			c.TotalPaused += d
		}
		c.LastPauseStart = nil
	}
	c.Paused = false
}

// finalize closes any pause and the open work period and computes totals.
// The period list spans every reopen round, so summing it already includes
// earlier banked time; PreviousAccumulated stays informational.
func finalize(c *domain.Card, now time.Time) {
	if c.Paused {
		closePause(c, now)
	}
	if p := c.OpenPeriod(); p != nil {
		end := now
		p.End = &end
	}
	c.Accumulated = interval.Total(c.WorkPeriods, now)
	c.Total = c.Accumulated
	c.EndTime = &now
	c.State = domain.StateFinished
}

// BackingMessageReachable reports whether the card's chat message still
// resolves. Cards without a backing message, or engines without a locator
// wired, treat the message as reachable.
func (e *Engine) BackingMessageReachable(ctx context.Context, c domain.Card) bool {
	if e.Locator == nil || c.MessageID == "" {
		return true
	}
	ok, err := e.Locator.MessageReachable(ctx, c.ChannelID, c.MessageID)
	if err != nil {
		e.Log.Warn("message lookup failed", "card", c.ID, "error", err)
		return true
	}
	return ok
}

// MarkUnreachable parks a card whose backing chat message is gone in the
// error state, freeing the member's uniqueness slot.
func (e *Engine) MarkUnreachable(ctx context.Context, cardID string) error {
	c, err := e.Repo.GetCard(ctx, cardID)
	if err != nil {
		return mapRepoErr(err)
	}
	if c.Finished() {
		return nil
	}
	e.setState(ctx, c, domain.StateError, "backing message unreachable")
	return nil
}

func (e *Engine) authorizeCancel(ctx context.Context, communityID string, roles []string) *domain.Rejection {
	community, err := e.Community(ctx, communityID)
	if err != nil {
		e.Log.Warn("community lookup for cancel failed", "community", communityID, "error", err)
		return domain.Reject(domain.RejectForbidden)
	}
	if community.ResponsibleRole == "" {
		return nil
	}
	for _, r := range roles {
		if r == community.ResponsibleRole {
			return nil
		}
	}
	return domain.Reject(domain.RejectForbidden)
}

func (e *Engine) notify(ctx context.Context, c domain.Card, action, note string) {
	if e.Notifier == nil {
		return
	}
	e.Notifier.CardEvent(ctx, c, action, note)
}
