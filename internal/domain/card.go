package domain

import "time"

// State is the single authoritative lifecycle state of a point card.
// The pause flag is a sub-state of StateActive and is meaningless elsewhere.
type State string

const (
	StateActive      State = "active"
	StateFinished    State = "finished"
	StateCanceled    State = "canceled"
	StateError       State = "error"
	StateErrorLedger State = "error_ledger"
)

// Terminal reports whether no further user transition except reopen applies.
func (s State) Terminal() bool {
	return s != StateActive
}

// PauseInterval is a sub-interval of a work period during which time does not
// accumulate. End is nil while the pause is still running.
type PauseInterval struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// WorkPeriod is a contiguous interval of tracked work. End is nil for the
// currently open period; at most one period per card may be open.
type WorkPeriod struct {
	Start          time.Time       `json:"start"`
	End            *time.Time      `json:"end,omitempty"`
	PauseIntervals []PauseInterval `json:"pause_intervals,omitempty"`
}

// HistoryEntry is one append-only audit record on a card.
type HistoryEntry struct {
	Action string    `json:"action"`
	Time   time.Time `json:"time" format:"date-time"`
	Actor  string    `json:"actor"`
	Note   string    `json:"note,omitempty"`
}

// MaxHistoryEntries caps card interactions; a card at the cap can no longer
// be reopened.
const MaxHistoryEntries = 13

// Card is one tracked work session for a user within a community.
type Card struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	CommunityID string `json:"community_id"`
	ChannelID   string `json:"channel_id"`
	MessageID   string `json:"message_id"`

	State  State `json:"state" enum:"active,finished,canceled,error,error_ledger"`
	Paused bool  `json:"paused"`

	StartTime       time.Time  `json:"start_time" format:"date-time"`
	EndTime         *time.Time `json:"end_time,omitempty" format:"date-time"`
	LastInteraction time.Time  `json:"last_interaction" format:"date-time"`
	LastPauseStart  *time.Time `json:"last_pause_start,omitempty" format:"date-time"`

	TotalPaused         time.Duration `json:"total_paused_ms"`
	Total               time.Duration `json:"total_ms"`
	Accumulated         time.Duration `json:"accumulated_ms"`
	PreviousAccumulated time.Duration `json:"previous_accumulated_ms"`

	FourHoursNotified bool   `json:"four_hours_notified"`
	CanceledBy        string `json:"canceled_by,omitempty"`

	WorkPeriods []WorkPeriod   `json:"work_periods"`
	History     []HistoryEntry `json:"history"`

	LastVoiceChannelName     string     `json:"last_voice_channel_name,omitempty"`
	LastVoiceChannelJoinedAt *time.Time `json:"last_voice_channel_joined_at,omitempty" format:"date-time"`
	LastVoiceChannelLeftAt   *time.Time `json:"last_voice_channel_left_at,omitempty" format:"date-time"`

	CreatedAt time.Time `json:"created_at" format:"date-time"`

	// Version is the optimistic-concurrency token: every persisted update
	// checks it and bumps it, so a sweep and a manual finish racing on the
	// same card cannot both win.
	Version int64 `json:"version"`
}

// Finished reports whether the card has left the active state.
func (c *Card) Finished() bool {
	return c.State != StateActive
}

// OpenPeriod returns the currently open work period, or nil.
func (c *Card) OpenPeriod() *WorkPeriod {
	for i := range c.WorkPeriods {
		if c.WorkPeriods[i].End == nil {
			return &c.WorkPeriods[i]
		}
	}
	return nil
}

// LastFinalization returns the most recent history entry whose action marks a
// finalize (manual, automatic, or error), or nil if the card was never closed.
func (c *Card) LastFinalization() *HistoryEntry {
	for i := len(c.History) - 1; i >= 0; i-- {
		switch c.History[i].Action {
		case ActionFinish, ActionAutoClose, ActionError:
			return &c.History[i]
		}
	}
	return nil
}

// History action names. These are stable identifiers persisted in the audit
// log, not display strings.
const (
	ActionClockIn   = "clock-in"
	ActionPause     = "pause"
	ActionResume    = "resume"
	ActionFinish    = "finish"
	ActionCancel    = "cancel"
	ActionReopen    = "reopen"
	ActionAutoClose = "auto-close"
	ActionError     = "error"
)

// SystemActor tags history entries written by scheduled jobs rather than a
// user interaction.
const SystemActor = "system"
