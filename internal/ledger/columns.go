package ledger

// The ledger sheet dedicates columns A..E to member identity and monthly
// totals; daily time cells start at F, one column per day of the month.

const firstDayColumn = 6 // F

// DayColumn maps a day of month (1..31) to its sheet column letter.
func DayColumn(day int) string {
	return columnName(firstDayColumn - 1 + day)
}

// columnName converts a 1-based column index to A1 notation (1=A, 27=AA).
func columnName(n int) string {
	var out []byte
	for n > 0 {
		n--
		out = append([]byte{byte('A' + n%26)}, out...)
		n /= 26
	}
	return string(out)
}

// Fixed identity columns preceding the daily cells.
const (
	IDColumn    = "A" // member id, used to locate the row
	NameColumn  = "B" // member handle
	TotalColumn = "E" // monthly total, zeroed together with the day cell on cancel
)
