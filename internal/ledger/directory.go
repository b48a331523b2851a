package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"punchcard/internal/cache"
)

var headerRow = []string{"ID", "Name", "Hours", "Notes", "Total"}

// Directory locates and creates member rows on a community's sheet. Resolved
// row numbers are cached; rows never move because the sheet is append-only.
type Directory struct {
	api  API
	rows *cache.TTL[string, int]
	log  *slog.Logger
}

func NewDirectory(api API, rows *cache.TTL[string, int], log *slog.Logger) *Directory {
	return &Directory{api: api, rows: rows, log: log}
}

func rowKey(spreadsheetID, sheet, memberID string) string {
	return spreadsheetID + "|" + sheet + "|" + memberID
}

// EnsureRow returns the 1-based row holding the member, creating the row (and
// the header, on a blank sheet) when absent.
func (d *Directory) EnsureRow(ctx context.Context, spreadsheetID, sheet, memberID, handle string) (int, error) {
	key := rowKey(spreadsheetID, sheet, memberID)
	if row, ok := d.rows.Get(key); ok {
		return row, nil
	}

	ids, err := d.api.GetRange(ctx, spreadsheetID, fmt.Sprintf("%s!%s:%s", sheet, IDColumn, IDColumn))
	if err != nil {
		return 0, fmt.Errorf("scan member column: %w", err)
	}
	for i, cells := range ids {
		if len(cells) > 0 && cells[0] == memberID {
			row := i + 1
			d.rows.Set(key, row)
			return row, nil
		}
	}

	nextRow := len(ids) + 1
	if len(ids) == 0 {
		header := make([][]string, 1)
		header[0] = headerRow
		if err := d.api.UpdateRange(ctx, spreadsheetID, fmt.Sprintf("%s!A1:E1", sheet), header); err != nil {
			return 0, fmt.Errorf("write header: %w", err)
		}
		nextRow = 2
	}

	rng := fmt.Sprintf("%s!A%d:E%d", sheet, nextRow, nextRow)
	if err := d.api.UpdateRange(ctx, spreadsheetID, rng, [][]string{{memberID, handle, "", "", ""}}); err != nil {
		return 0, fmt.Errorf("create member row: %w", err)
	}
	d.log.Info("created ledger row", "sheet", sheet, "member", memberID, "row", nextRow)
	d.rows.Set(key, nextRow)
	return nextRow, nil
}

// FindRow resolves the member's row without creating it. Returns 0 when the
// member has no row yet.
func (d *Directory) FindRow(ctx context.Context, spreadsheetID, sheet, memberID string) (int, error) {
	key := rowKey(spreadsheetID, sheet, memberID)
	if row, ok := d.rows.Get(key); ok {
		return row, nil
	}
	ids, err := d.api.GetRange(ctx, spreadsheetID, fmt.Sprintf("%s!%s:%s", sheet, IDColumn, IDColumn))
	if err != nil {
		return 0, fmt.Errorf("scan member column: %w", err)
	}
	for i, cells := range ids {
		if len(cells) > 0 && cells[0] == memberID {
			row := i + 1
			d.rows.Set(key, row)
			return row, nil
		}
	}
	return 0, nil
}

// Invalidate drops a cached row, forcing the next lookup to rescan.
func (d *Directory) Invalidate(spreadsheetID, sheet, memberID string) {
	d.rows.Delete(rowKey(spreadsheetID, sheet, memberID))
}
