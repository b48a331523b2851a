package engine

import (
	"context"
	"time"

	"punchcard/internal/domain"
	"punchcard/internal/ledger"
	"punchcard/internal/syncer"
)

// dayCell resolves the sheet cell for the card's start day in the accounting
// timezone.
func (e *Engine) dayCell(sheet string, start time.Time, row int) string {
	day := start.In(e.Settings.Location()).Day()
	return ledger.Cell(sheet, ledger.DayColumn(day), row)
}

// queueLedgerWrite records a finalized card's total on the community sheet.
// Row resolution failures park the card in the ledger-error state; the queue
// outcome callback settles the rest. Sweep-originated writes retry with
// backoff inside the queue.
func (e *Engine) queueLedgerWrite(ctx context.Context, c domain.Card, swept bool) {
	if e.Queue == nil || e.Directory == nil {
		return
	}
	community, err := e.Community(ctx, c.CommunityID)
	if err != nil {
		e.Log.Error("community lookup for sync failed", "card", c.ID, "error", err)
		e.markLedgerError(ctx, c, err)
		return
	}
	handle := e.handle(ctx, c.CommunityID, c.UserID)
	row, err := e.Directory.EnsureRow(ctx, community.SpreadsheetID, community.SheetName, c.UserID, handle)
	if err != nil {
		e.Log.Error("ledger row resolution failed", "card", c.ID, "error", err)
		e.markLedgerError(ctx, c, err)
		return
	}
	e.Queue.Enqueue(ctx, syncer.Update{
		CommunityID:   c.CommunityID,
		SpreadsheetID: community.SpreadsheetID,
		CardID:        c.ID,
		Ranges:        []string{e.dayCell(community.SheetName, c.StartTime, row)},
		Values:        []string{ledger.FormatDuration(c.Total)},
		Sweep:         swept,
	})
}

// queueLedgerZero zeroes the canceled card's day and total cells. A member
// with no ledger row yet has nothing to zero.
func (e *Engine) queueLedgerZero(ctx context.Context, c domain.Card) {
	if e.Queue == nil || e.Directory == nil {
		return
	}
	community, err := e.Community(ctx, c.CommunityID)
	if err != nil {
		e.Log.Error("community lookup for cancel sync failed", "card", c.ID, "error", err)
		return
	}
	row, err := e.Directory.FindRow(ctx, community.SpreadsheetID, community.SheetName, c.UserID)
	if err != nil {
		e.Log.Error("ledger row lookup failed", "card", c.ID, "error", err)
		return
	}
	if row == 0 {
		return
	}
	e.Queue.Enqueue(ctx, syncer.Update{
		CommunityID:   c.CommunityID,
		SpreadsheetID: community.SpreadsheetID,
		CardID:        c.ID,
		Ranges: []string{
			e.dayCell(community.SheetName, c.StartTime, row),
			ledger.Cell(community.SheetName, ledger.TotalColumn, row),
		},
		Values: []string{ledger.ZeroCell, ledger.ZeroCell},
	})
}

// HandleOutcome is wired as the sync queue's report callback. A failed write
// parks the card in the ledger-error state; a later success restores it.
func (e *Engine) HandleOutcome(o syncer.Outcome) {
	ctx := context.Background()
	c, err := e.Repo.GetCard(ctx, o.Update.CardID)
	if err != nil {
		e.Log.Warn("outcome for unknown card", "card", o.Update.CardID, "error", err)
		return
	}
	if o.Err != nil {
		e.markLedgerError(ctx, c, o.Err)
		if e.Notifier != nil {
			e.Notifier.SyncFailed(ctx, c, o.Err)
		}
		return
	}
	if c.State == domain.StateErrorLedger {
		e.setState(ctx, c, domain.StateFinished, "ledger write recovered")
	}
}

func (e *Engine) markLedgerError(ctx context.Context, c domain.Card, cause error) {
	if c.State == domain.StateCanceled {
		return
	}
	e.setState(ctx, c, domain.StateErrorLedger, cause.Error())
}

func (e *Engine) setState(ctx context.Context, c domain.Card, s domain.State, note string) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.Log.Error("state update failed", "card", c.ID, "error", err)
		return
	}
	defer tx.Rollback()
	fresh, err := e.Repo.GetCardTx(ctx, tx, c.ID)
	if err != nil {
		e.Log.Error("state update load failed", "card", c.ID, "error", err)
		return
	}
	fresh.State = s
	if err := e.Repo.UpdateCardTx(ctx, tx, fresh); err != nil {
		e.Log.Error("state update failed", "card", c.ID, "error", err)
		return
	}
	if err := e.History.Append(ctx, tx, c.ID, domain.ActionError, domain.SystemActor, note); err != nil {
		e.Log.Error("state update trail failed", "card", c.ID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.Log.Error("state update commit failed", "card", c.ID, "error", err)
	}
}
