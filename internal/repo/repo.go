package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"punchcard/internal/config"
	"punchcard/internal/domain"
	"punchcard/internal/history"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when an update carries a stale version token.
var ErrVersionConflict = errors.New("version conflict")

const timeLayout = time.RFC3339Nano

const cardColumns = `id,user_id,community_id,channel_id,message_id,state,paused,start_time,end_time,
last_interaction,last_pause_start,total_paused_ns,total_ns,accumulated_ns,previous_accumulated_ns,
four_hours_notified,canceled_by,work_periods,last_voice_channel_name,last_voice_joined_at,last_voice_left_at,
created_at,version`

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCard(row scanner) (domain.Card, error) {
	var (
		c                              domain.Card
		start, lastInteraction, created string
		end, pauseStart, vJoin, vLeft  sql.NullString
		periodsJSON                    string
	)
	err := row.Scan(&c.ID, &c.UserID, &c.CommunityID, &c.ChannelID, &c.MessageID, &c.State, &c.Paused,
		&start, &end, &lastInteraction, &pauseStart, &c.TotalPaused, &c.Total, &c.Accumulated,
		&c.PreviousAccumulated, &c.FourHoursNotified, &c.CanceledBy, &periodsJSON,
		&c.LastVoiceChannelName, &vJoin, &vLeft, &created, &c.Version)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if c.StartTime, err = parseTime(start); err != nil {
		return c, fmt.Errorf("card %s start_time: %w", c.ID, err)
	}
	if c.LastInteraction, err = parseTime(lastInteraction); err != nil {
		return c, fmt.Errorf("card %s last_interaction: %w", c.ID, err)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return c, fmt.Errorf("card %s created_at: %w", c.ID, err)
	}
	for _, p := range []struct {
		src sql.NullString
		dst **time.Time
	}{{end, &c.EndTime}, {pauseStart, &c.LastPauseStart}, {vJoin, &c.LastVoiceChannelJoinedAt}, {vLeft, &c.LastVoiceChannelLeftAt}} {
		if !p.src.Valid {
			continue
		}
		t, err := parseTime(p.src.String)
		if err != nil {
			return c, fmt.Errorf("card %s timestamp: %w", c.ID, err)
		}
		*p.dst = &t
	}
	if err := json.Unmarshal([]byte(periodsJSON), &c.WorkPeriods); err != nil {
		return c, fmt.Errorf("card %s work_periods: %w", c.ID, err)
	}
	return c, nil
}

func cardArgs(c domain.Card) ([]any, error) {
	periods, err := json.Marshal(c.WorkPeriods)
	if err != nil {
		return nil, fmt.Errorf("marshal work_periods: %w", err)
	}
	return []any{
		c.ID, c.UserID, c.CommunityID, c.ChannelID, c.MessageID, string(c.State), c.Paused,
		fmtTime(c.StartTime), fmtTimePtr(c.EndTime), fmtTime(c.LastInteraction), fmtTimePtr(c.LastPauseStart),
		int64(c.TotalPaused), int64(c.Total), int64(c.Accumulated), int64(c.PreviousAccumulated),
		c.FourHoursNotified, c.CanceledBy, string(periods), c.LastVoiceChannelName,
		fmtTimePtr(c.LastVoiceChannelJoinedAt), fmtTimePtr(c.LastVoiceChannelLeftAt),
		fmtTime(c.CreatedAt),
	}, nil
}

// InsertCardTx stores a fresh card at version 1. The partial unique index on
// (user_id, community_id) for active cards surfaces as a constraint error
// when the user already has an open card.
func (r Repo) InsertCardTx(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	args, err := cardArgs(c)
	if err != nil {
		return err
	}
	args = append(args, 1)
	_, err = tx.ExecContext(ctx, `INSERT INTO cards(`+cardColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

// UpdateCardTx replaces a card's mutable state, guarded by the version token
// the caller loaded. The stored version is bumped on success.
func (r Repo) UpdateCardTx(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	args, err := cardArgs(c)
	if err != nil {
		return err
	}
	// cardArgs leads with id; UPDATE wants it last, with the expected version.
	args = append(args[1:], c.ID, c.Version)
	res, err := tx.ExecContext(ctx, `UPDATE cards SET
user_id=?,community_id=?,channel_id=?,message_id=?,state=?,paused=?,start_time=?,end_time=?,
last_interaction=?,last_pause_start=?,total_paused_ns=?,total_ns=?,accumulated_ns=?,previous_accumulated_ns=?,
four_hours_notified=?,canceled_by=?,work_periods=?,last_voice_channel_name=?,last_voice_joined_at=?,last_voice_left_at=?,
created_at=?,version=version+1 WHERE id=? AND version=?`, args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, gerr := r.getCardTx(ctx, tx, c.ID); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) getCardTx(ctx context.Context, tx *sql.Tx, id string) (domain.Card, error) {
	return scanCard(tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id))
}

// GetCard loads a card with its history trail.
func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	c, err := scanCard(r.DB.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id))
	if err != nil {
		return c, err
	}
	c.History, err = history.Load(ctx, r.DB, c.ID)
	return c, err
}

// GetCardTx loads a card inside a transaction, history included.
func (r Repo) GetCardTx(ctx context.Context, tx *sql.Tx, id string) (domain.Card, error) {
	c, err := r.getCardTx(ctx, tx, id)
	if err != nil {
		return c, err
	}
	c.History, err = history.Load(ctx, tx, c.ID)
	return c, err
}

// FindActive returns the user's open card in a community, if any.
func (r Repo) FindActive(ctx context.Context, userID, communityID string) (domain.Card, error) {
	return scanCard(r.DB.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE user_id=? AND community_id=? AND state=?`,
		userID, communityID, string(domain.StateActive)))
}

// FindActiveTx is FindActive inside a transaction.
func (r Repo) FindActiveTx(ctx context.Context, tx *sql.Tx, userID, communityID string) (domain.Card, error) {
	return scanCard(tx.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE user_id=? AND community_id=? AND state=?`,
		userID, communityID, string(domain.StateActive)))
}

// FindLatest returns the user's most recent card in a community in any state.
func (r Repo) FindLatest(ctx context.Context, userID, communityID string) (domain.Card, error) {
	return scanCard(r.DB.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE user_id=? AND community_id=? ORDER BY created_at DESC LIMIT 1`,
		userID, communityID))
}

func (r Repo) queryCards(ctx context.Context, query string, args ...any) ([]domain.Card, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// OpenCards returns every active card, oldest first. The reconciliation sweep
// walks this set.
func (r Repo) OpenCards(ctx context.Context) ([]domain.Card, error) {
	return r.queryCards(ctx, `SELECT `+cardColumns+` FROM cards WHERE state=? ORDER BY created_at`, string(domain.StateActive))
}

// ListCards returns a community's cards, newest first, optionally filtered by state.
func (r Repo) ListCards(ctx context.Context, communityID string, state domain.State) ([]domain.Card, error) {
	var (
		where []string
		args  []any
	)
	if communityID != "" {
		where = append(where, "community_id=?")
		args = append(args, communityID)
	}
	if state != "" {
		where = append(where, "state=?")
		args = append(args, string(state))
	}
	q := `SELECT ` + cardColumns + ` FROM cards`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	return r.queryCards(ctx, q, args...)
}

// PurgeExpired deletes cards older than the retention window, mirroring a
// document-store TTL. History rows cascade.
func (r Repo) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM cards WHERE created_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertCommunity stores a community's ledger binding.
func (r Repo) UpsertCommunity(ctx context.Context, c config.Community, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO communities(community_id,name,spreadsheet_id,sheet_name,permitted_role,responsible_role,log_channel_id,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(community_id) DO UPDATE SET name=excluded.name,spreadsheet_id=excluded.spreadsheet_id,
sheet_name=excluded.sheet_name,permitted_role=excluded.permitted_role,responsible_role=excluded.responsible_role,
log_channel_id=excluded.log_channel_id,updated_at=excluded.updated_at`,
		c.CommunityID, c.Name, c.SpreadsheetID, c.SheetName, c.PermittedRole, c.ResponsibleRole, c.LogChannelID, fmtTime(now))
	return err
}

// GetCommunity loads a community's ledger binding.
func (r Repo) GetCommunity(ctx context.Context, communityID string) (config.Community, error) {
	var c config.Community
	err := r.DB.QueryRowContext(ctx, `SELECT community_id,name,spreadsheet_id,sheet_name,permitted_role,responsible_role,log_channel_id
FROM communities WHERE community_id=?`, communityID).
		Scan(&c.CommunityID, &c.Name, &c.SpreadsheetID, &c.SheetName, &c.PermittedRole, &c.ResponsibleRole, &c.LogChannelID)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// ListCommunities returns every registered community binding.
func (r Repo) ListCommunities(ctx context.Context) ([]config.Community, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT community_id,name,spreadsheet_id,sheet_name,permitted_role,responsible_role,log_channel_id
FROM communities ORDER BY community_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []config.Community
	for rows.Next() {
		var c config.Community
		if err := rows.Scan(&c.CommunityID, &c.Name, &c.SpreadsheetID, &c.SheetName, &c.PermittedRole, &c.ResponsibleRole, &c.LogChannelID); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
