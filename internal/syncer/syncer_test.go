package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"punchcard/internal/ledger"
	"punchcard/internal/retry"
)

type fakeAPI struct {
	mu      sync.Mutex
	batches [][]ledger.RangeUpdate
	fail    int
	calls   int
}

func (f *fakeAPI) GetRange(context.Context, string, string) ([][]string, error) { return nil, nil }

func (f *fakeAPI) UpdateRange(context.Context, string, string, [][]string) error { return nil }

func (f *fakeAPI) BatchUpdate(_ context.Context, _ string, updates []ledger.RangeUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		return fmt.Errorf("transient")
	}
	f.batches = append(f.batches, updates)
	return nil
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func collectOutcomes(n int) (func(Outcome), chan Outcome) {
	ch := make(chan Outcome, n)
	return func(o Outcome) { ch <- o }, ch
}

func TestDrainBatchesByTen(t *testing.T) {
	api := &fakeAPI{}
	report, outcomes := collectOutcomes(25)
	q := New(api, Options{
		BatchSize:     10,
		DrainInterval: time.Millisecond,
		Retry:         retry.Policy{Attempts: 1},
		Report:        report,
	}, testLog())

	ctx := context.Background()
	for i := 0; i < 25; i++ {
		q.Enqueue(ctx, Update{
			CommunityID:   "g1",
			SpreadsheetID: "sheet",
			CardID:        fmt.Sprintf("card-%d", i),
			Ranges:        []string{fmt.Sprintf("S!F%d", i+2)},
			Values:        []string{fmt.Sprintf("%02d:00:00", i)},
		})
	}
	for i := 0; i < 25; i++ {
		o := <-outcomes
		if o.Err != nil {
			t.Fatalf("unexpected outcome error: %v", o.Err)
		}
	}
	q.Wait()

	api.mu.Lock()
	defer api.mu.Unlock()
	total := 0
	seen := map[string]string{}
	for _, b := range api.batches {
		if len(b) > 10 {
			t.Fatalf("batch of %d exceeds limit", len(b))
		}
		total += len(b)
		for _, u := range b {
			seen[u.Range] = u.Values[0][0]
		}
	}
	if total != 25 {
		t.Fatalf("wrote %d ranges, want 25", total)
	}
	for i := 0; i < 25; i++ {
		rng := fmt.Sprintf("S!F%d", i+2)
		if got, want := seen[rng], fmt.Sprintf("%02d:00:00", i); got != want {
			t.Fatalf("range %s carries %q, want %q", rng, got, want)
		}
	}
}

func TestCommunitiesDrainIndependently(t *testing.T) {
	api := &fakeAPI{}
	report, outcomes := collectOutcomes(4)
	q := New(api, Options{
		BatchSize:     10,
		DrainInterval: time.Millisecond,
		Retry:         retry.Policy{Attempts: 1},
		Report:        report,
	}, testLog())

	ctx := context.Background()
	for _, g := range []string{"g1", "g2", "g1", "g2"} {
		q.Enqueue(ctx, Update{CommunityID: g, SpreadsheetID: "s-" + g, Ranges: []string{"S!F2"}, Values: []string{"00:30:00"}})
	}
	for i := 0; i < 4; i++ {
		if o := <-outcomes; o.Err != nil {
			t.Fatalf("unexpected outcome error: %v", o.Err)
		}
	}
	q.Wait()
	if q.Pending("g1") != 0 || q.Pending("g2") != 0 {
		t.Fatal("queues not drained")
	}
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	api := &fakeAPI{fail: 2}
	report, outcomes := collectOutcomes(1)
	q := New(api, Options{
		BatchSize:     10,
		DrainInterval: time.Millisecond,
		Retry:         retry.Policy{Attempts: 3, BaseWait: time.Millisecond, Factor: 2},
		Report:        report,
	}, testLog())

	q.Enqueue(context.Background(), Update{CommunityID: "g1", SpreadsheetID: "s", Sweep: true, Ranges: []string{"S!F2"}, Values: []string{"02:00:00"}})
	o := <-outcomes
	if o.Err != nil {
		t.Fatalf("expected retry to recover, got %v", o.Err)
	}
	q.Wait()
	if api.calls != 3 {
		t.Fatalf("calls = %d, want 3", api.calls)
	}
}

func TestInteractiveWriteGetsSingleAttempt(t *testing.T) {
	api := &fakeAPI{fail: 1}
	report, outcomes := collectOutcomes(1)
	q := New(api, Options{
		BatchSize:     10,
		DrainInterval: time.Millisecond,
		Retry:         retry.Policy{Attempts: 3, BaseWait: time.Millisecond, Factor: 2},
		Report:        report,
	}, testLog())

	q.Enqueue(context.Background(), Update{CommunityID: "g1", SpreadsheetID: "s", Ranges: []string{"S!F2"}, Values: []string{"02:00:00"}})
	o := <-outcomes
	if o.Err == nil {
		t.Fatal("expected failure surfaced after one attempt")
	}
	q.Wait()
	if api.calls != 1 {
		t.Fatalf("calls = %d, want 1", api.calls)
	}
}

func TestDrainOutlivesEnqueueContext(t *testing.T) {
	api := &fakeAPI{}
	report, outcomes := collectOutcomes(2)
	q := New(api, Options{
		BatchSize:     1,
		DrainInterval: time.Millisecond,
		Retry:         retry.Policy{Attempts: 1},
		Report:        report,
	}, testLog())

	ctx1, cancel1 := context.WithCancel(context.Background())
	q.Enqueue(ctx1, Update{CommunityID: "g1", SpreadsheetID: "s", CardID: "card-a", Ranges: []string{"S!F2"}, Values: []string{"01:00:00"}})
	if o := <-outcomes; o.Err != nil {
		t.Fatalf("first write failed: %v", o.Err)
	}
	cancel1()

	q.Enqueue(context.Background(), Update{CommunityID: "g1", SpreadsheetID: "s", CardID: "card-b", Ranges: []string{"S!F3"}, Values: []string{"02:00:00"}})
	if o := <-outcomes; o.Err != nil {
		t.Fatalf("second write failed after unrelated context cancel: %v", o.Err)
	}
	q.Wait()
}

func TestExhaustedRetriesReportError(t *testing.T) {
	api := &fakeAPI{fail: 5}
	report, outcomes := collectOutcomes(1)
	q := New(api, Options{
		BatchSize:     10,
		DrainInterval: time.Millisecond,
		Retry:         retry.Policy{Attempts: 2, BaseWait: time.Millisecond, Factor: 2},
		Report:        report,
	}, testLog())

	q.Enqueue(context.Background(), Update{CommunityID: "g1", SpreadsheetID: "s", Sweep: true, Ranges: []string{"S!F2"}, Values: []string{"02:00:00"}})
	o := <-outcomes
	if o.Err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	q.Wait()
}
