// Package interval computes net worked time from a card's work periods.
package interval

import (
	"time"

	"punchcard/internal/domain"
)

// Total sums the net duration of the given periods. Finalization closes every
// period before calling this; an open period, seen only from live elapsed-time
// queries, is evaluated up to now rather than skipped. Pause intervals are
// clipped to the enclosing period's bounds; a pause still open is clipped at
// the period's end.
func Total(periods []domain.WorkPeriod, now time.Time) time.Duration {
	var total time.Duration
	for i := range periods {
		total += Period(&periods[i], now)
	}
	return total
}

// Period computes the net duration of a single work period.
func Period(p *domain.WorkPeriod, now time.Time) time.Duration {
	end := now
	if p.End != nil {
		end = *p.End
	}
	gross := end.Sub(p.Start)
	if gross <= 0 {
		return 0
	}
	var paused time.Duration
	for _, pi := range p.PauseIntervals {
		ps := pi.Start
		if ps.Before(p.Start) {
			ps = p.Start
		}
		pe := end
		if pi.End != nil && pi.End.Before(end) {
			pe = *pi.End
		}
		if d := pe.Sub(ps); d > 0 {
			paused += d
		}
	}
	if paused >= gross {
		return 0
	}
	return gross - paused
}
