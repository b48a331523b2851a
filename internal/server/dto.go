package server

import (
	"time"

	"punchcard/internal/config"
	"punchcard/internal/domain"
	"punchcard/internal/ledger"
)

// Request payloads

type ClockInRequest struct {
	UserID      string `json:"user_id"`
	CommunityID string `json:"community_id"`
	ChannelID   string `json:"channel_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

type TransitionRequest struct {
	Actor string `json:"actor,omitempty"`
	Note  string `json:"note,omitempty"`
}

type CancelRequest struct {
	Actor string `json:"actor"`
	// Reason is mandatory; cancellation always carries an audit note.
	Reason string `json:"reason"`
	// ActorRoles is matched against the community's responsible role.
	ActorRoles []string `json:"actor_roles,omitempty"`
}

type VoicePresenceRequest struct {
	ChannelName string     `json:"channel_name,omitempty"`
	JoinedAt    *time.Time `json:"joined_at,omitempty"`
	LeftAt      *time.Time `json:"left_at,omitempty"`
}

type RegisterCommunityRequest struct {
	CommunityID     string `json:"community_id"`
	Name            string `json:"name,omitempty"`
	SpreadsheetID   string `json:"spreadsheet_id"`
	SheetName       string `json:"sheet_name"`
	PermittedRole   string `json:"permitted_role,omitempty"`
	ResponsibleRole string `json:"responsible_role,omitempty"`
	LogChannelID    string `json:"log_channel_id,omitempty"`
}

// Responses

type PauseIntervalResponse struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

type WorkPeriodResponse struct {
	Start  time.Time               `json:"start"`
	End    *time.Time              `json:"end,omitempty"`
	Pauses []PauseIntervalResponse `json:"pauses,omitempty"`
}

type HistoryEntryResponse struct {
	Action string    `json:"action"`
	Actor  string    `json:"actor,omitempty"`
	Note   string    `json:"note,omitempty"`
	Time   time.Time `json:"time"`
}

type CardResponse struct {
	ID                  string                 `json:"id"`
	UserID              string                 `json:"user_id"`
	CommunityID         string                 `json:"community_id"`
	ChannelID           string                 `json:"channel_id,omitempty"`
	MessageID           string                 `json:"message_id,omitempty"`
	State               string                 `json:"state" enum:"active,finished,canceled,error,error_ledger"`
	Paused              bool                   `json:"paused"`
	StartTime           time.Time              `json:"start_time"`
	EndTime             *time.Time             `json:"end_time,omitempty"`
	LastInteraction     time.Time              `json:"last_interaction"`
	Total               string                 `json:"total"`
	TotalSeconds        int64                  `json:"total_seconds"`
	TotalPausedSeconds  int64                  `json:"total_paused_seconds"`
	PreviousAccumulated int64                  `json:"previous_accumulated_seconds,omitempty"`
	FourHoursNotified   bool                   `json:"four_hours_notified,omitempty"`
	CanceledBy          string                 `json:"canceled_by,omitempty"`
	WorkPeriods         []WorkPeriodResponse   `json:"work_periods,omitempty"`
	History             []HistoryEntryResponse `json:"history,omitempty"`
	VoiceChannelName    string                 `json:"voice_channel_name,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	Version             int64                  `json:"version"`
}

func cardResponse(c domain.Card) CardResponse {
	r := CardResponse{
		ID:                  c.ID,
		UserID:              c.UserID,
		CommunityID:         c.CommunityID,
		ChannelID:           c.ChannelID,
		MessageID:           c.MessageID,
		State:               string(c.State),
		Paused:              c.Paused,
		StartTime:           c.StartTime,
		EndTime:             c.EndTime,
		LastInteraction:     c.LastInteraction,
		Total:               ledger.FormatDuration(c.Total),
		TotalSeconds:        int64(c.Total / time.Second),
		TotalPausedSeconds:  int64(c.TotalPaused / time.Second),
		PreviousAccumulated: int64(c.PreviousAccumulated / time.Second),
		FourHoursNotified:   c.FourHoursNotified,
		CanceledBy:          c.CanceledBy,
		VoiceChannelName:    c.LastVoiceChannelName,
		CreatedAt:           c.CreatedAt,
		Version:             c.Version,
	}
	for _, p := range c.WorkPeriods {
		pr := WorkPeriodResponse{Start: p.Start, End: p.End}
		for _, pi := range p.PauseIntervals {
			pr.Pauses = append(pr.Pauses, PauseIntervalResponse{Start: pi.Start, End: pi.End})
		}
		r.WorkPeriods = append(r.WorkPeriods, pr)
	}
	for _, h := range c.History {
		r.History = append(r.History, HistoryEntryResponse{Action: h.Action, Actor: h.Actor, Note: h.Note, Time: h.Time})
	}
	return r
}

type CommunityResponse struct {
	CommunityID     string `json:"community_id"`
	Name            string `json:"name,omitempty"`
	SpreadsheetID   string `json:"spreadsheet_id"`
	SheetName       string `json:"sheet_name"`
	PermittedRole   string `json:"permitted_role,omitempty"`
	ResponsibleRole string `json:"responsible_role,omitempty"`
	LogChannelID    string `json:"log_channel_id,omitempty"`
}

func communityResponse(c config.Community) CommunityResponse {
	return CommunityResponse{
		CommunityID:     c.CommunityID,
		Name:            c.Name,
		SpreadsheetID:   c.SpreadsheetID,
		SheetName:       c.SheetName,
		PermittedRole:   c.PermittedRole,
		ResponsibleRole: c.ResponsibleRole,
		LogChannelID:    c.LogChannelID,
	}
}
