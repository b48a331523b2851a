// Package ledger talks to the external spreadsheet that serves as each
// community's canonical time ledger.
package ledger

import (
	"context"
	"fmt"
	"time"
)

// RangeUpdate is a single cell-range write in A1 notation.
type RangeUpdate struct {
	Range  string
	Values [][]string
}

// API is the slice of the spreadsheet service the engine needs. The HTTP
// client implements it; tests substitute a fake.
type API interface {
	// GetRange reads a range in A1 notation, e.g. "Sheet1!A:A".
	GetRange(ctx context.Context, spreadsheetID, rng string) ([][]string, error)
	// UpdateRange writes values to a range.
	UpdateRange(ctx context.Context, spreadsheetID, rng string, values [][]string) error
	// BatchUpdate applies several range writes in one call.
	BatchUpdate(ctx context.Context, spreadsheetID string, updates []RangeUpdate) error
}

// FormatDuration renders a duration as the HH:MM:SS cell value the ledger
// sheets expect.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// ZeroCell is the value written when a card is canceled.
const ZeroCell = "00:00:00"

// Cell builds an A1 reference for one cell on a sheet.
func Cell(sheet, column string, row int) string {
	return fmt.Sprintf("%s!%s%d", sheet, column, row)
}
