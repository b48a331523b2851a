// Package history persists the append-only audit trail of card actions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"punchcard/internal/domain"
)

type Writer struct {
	Now func() time.Time
}

// Append records one action inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, cardID, action, actor, note string) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO card_history(card_id,action,actor,note,at) VALUES (?,?,?,?,?)`,
		cardID, action, actor, note, now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Load returns a card's trail in insertion order.
func Load(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, cardID string) ([]domain.HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT action,actor,note,at FROM card_history WHERE card_id=? ORDER BY id`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var at string
		if err := rows.Scan(&e.Action, &e.Actor, &e.Note, &at); err != nil {
			return nil, err
		}
		e.Time, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse history timestamp: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
