package interval

import (
	"testing"
	"time"

	"punchcard/internal/domain"
)

func ts(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func ptr(t time.Time) *time.Time { return &t }

func TestTotalSubtractsPauses(t *testing.T) {
	start := ts(t, "2026-03-10T09:00:00Z")
	end := ts(t, "2026-03-10T13:00:00Z")
	periods := []domain.WorkPeriod{{
		Start: start,
		End:   &end,
		PauseIntervals: []domain.PauseInterval{
			{Start: ts(t, "2026-03-10T10:00:00Z"), End: ptr(ts(t, "2026-03-10T10:30:00Z"))},
			{Start: ts(t, "2026-03-10T11:00:00Z"), End: ptr(ts(t, "2026-03-10T11:20:00Z"))},
		},
	}}
	got := Total(periods, end)
	if want := 3*time.Hour + 10*time.Minute; got != want {
		t.Fatalf("total = %v, want %v", got, want)
	}
}

func TestTotalClipsPauseAtPeriodEnd(t *testing.T) {
	start := ts(t, "2026-03-10T09:00:00Z")
	end := ts(t, "2026-03-10T10:00:00Z")
	// Pause opened at 09:50 and never closed before the period ended:
	// only the 10 minutes inside the period count as paused.
	periods := []domain.WorkPeriod{{
		Start: start,
		End:   &end,
		PauseIntervals: []domain.PauseInterval{
			{Start: ts(t, "2026-03-10T09:50:00Z")},
		},
	}}
	got := Total(periods, ts(t, "2026-03-10T12:00:00Z"))
	if want := 50 * time.Minute; got != want {
		t.Fatalf("total = %v, want %v", got, want)
	}
}

func TestTotalClipsPauseBeforePeriodStart(t *testing.T) {
	start := ts(t, "2026-03-10T09:00:00Z")
	end := ts(t, "2026-03-10T10:00:00Z")
	periods := []domain.WorkPeriod{{
		Start: start,
		End:   &end,
		PauseIntervals: []domain.PauseInterval{
			{Start: ts(t, "2026-03-10T08:30:00Z"), End: ptr(ts(t, "2026-03-10T09:10:00Z"))},
		},
	}}
	got := Total(periods, end)
	if want := 50 * time.Minute; got != want {
		t.Fatalf("total = %v, want %v", got, want)
	}
}

func TestTotalIgnoresPauseOutsidePeriod(t *testing.T) {
	start := ts(t, "2026-03-10T10:00:00Z")
	end := ts(t, "2026-03-10T11:00:00Z")
	periods := []domain.WorkPeriod{{
		Start: start,
		End:   &end,
		PauseIntervals: []domain.PauseInterval{
			{Start: ts(t, "2026-03-10T08:00:00Z"), End: ptr(ts(t, "2026-03-10T09:00:00Z"))},
		},
	}}
	if got := Total(periods, end); got != time.Hour {
		t.Fatalf("total = %v, want 1h", got)
	}
}

func TestTotalOpenPeriodUsesNow(t *testing.T) {
	start := ts(t, "2026-03-10T09:00:00Z")
	now := ts(t, "2026-03-10T09:45:00Z")
	periods := []domain.WorkPeriod{{Start: start}}
	if got := Total(periods, now); got != 45*time.Minute {
		t.Fatalf("total = %v, want 45m", got)
	}
}

func TestTotalSkipsDegeneratePeriod(t *testing.T) {
	start := ts(t, "2026-03-10T09:00:00Z")
	periods := []domain.WorkPeriod{
		{Start: start, End: &start},
		{Start: start, End: ptr(ts(t, "2026-03-10T09:30:00Z"))},
	}
	if got := Total(periods, start); got != 30*time.Minute {
		t.Fatalf("total = %v, want 30m", got)
	}
}

func TestTotalPauseCoversWholePeriod(t *testing.T) {
	start := ts(t, "2026-03-10T09:00:00Z")
	end := ts(t, "2026-03-10T10:00:00Z")
	periods := []domain.WorkPeriod{{
		Start: start,
		End:   &end,
		PauseIntervals: []domain.PauseInterval{
			{Start: ts(t, "2026-03-10T08:00:00Z"), End: ptr(ts(t, "2026-03-10T11:00:00Z"))},
		},
	}}
	if got := Total(periods, end); got != 0 {
		t.Fatalf("total = %v, want 0", got)
	}
}
