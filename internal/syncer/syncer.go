// Package syncer queues ledger writes per community and drains them in
// batches, so a burst of finalizations never hammers the spreadsheet API.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"punchcard/internal/ledger"
	"punchcard/internal/retry"
)

// Update is one queued cell write set. Ranges and Values are parallel slices;
// each pair becomes one range in the batch call. Sweep marks writes issued by
// the reconciliation sweep: those retry with backoff, interactive writes get
// a single attempt and surface failure through the outcome report.
type Update struct {
	CommunityID   string
	SpreadsheetID string
	CardID        string
	Ranges        []string
	Values        []string
	Sweep         bool
}

// Outcome reports the fate of one drained update.
type Outcome struct {
	Update Update
	Err    error
}

// Queue holds pending updates keyed by community. Each community drains on
// its own goroutine; a community already draining is not started again, the
// running drain picks up whatever was enqueued meanwhile. Drains run on the
// queue's own background context, never on an enqueuer's request context.
type Queue struct {
	api           ledger.API
	batchSize     int
	drainInterval time.Duration
	retry         retry.Policy
	log           *slog.Logger
	report        func(Outcome)

	base   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pending    map[string][]Update
	processing map[string]bool
	wg         sync.WaitGroup
}

type Options struct {
	BatchSize     int
	DrainInterval time.Duration
	Retry         retry.Policy
	Report        func(Outcome)
}

func New(api ledger.API, opts Options, log *slog.Logger) *Queue {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = time.Second
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = retry.Default
	}
	report := opts.Report
	if report == nil {
		report = func(Outcome) {}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Queue{
		api:           api,
		batchSize:     opts.BatchSize,
		drainInterval: opts.DrainInterval,
		retry:         opts.Retry,
		log:           log,
		report:        report,
		base:          base,
		cancel:        cancel,
		pending:       map[string][]Update{},
		processing:    map[string]bool{},
	}
}

// Enqueue adds an update and kicks off a drain for its community unless one
// is already running. The drain outlives ctx: a canceled request context
// never fails another member's pending write.
func (q *Queue) Enqueue(ctx context.Context, u Update) {
	q.mu.Lock()
	q.pending[u.CommunityID] = append(q.pending[u.CommunityID], u)
	start := !q.processing[u.CommunityID]
	if start {
		q.processing[u.CommunityID] = true
		q.wg.Add(1)
	}
	depth := len(q.pending[u.CommunityID])
	q.mu.Unlock()

	q.log.Debug("queued ledger update", "community", u.CommunityID, "card", u.CardID, "depth", depth)
	if start {
		go q.drain(u.CommunityID)
	}
}

// Pending reports the queue depth for a community.
func (q *Queue) Pending(communityID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[communityID])
}

// Wait blocks until every running drain has finished. Callers stop enqueueing
// first.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close aborts the background drains. Updates still pending are reported as
// failed with the cancellation error.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) take(communityID string) []Update {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending[communityID]
	if len(batch) > q.batchSize {
		q.pending[communityID] = batch[q.batchSize:]
		return batch[:q.batchSize]
	}
	delete(q.pending, communityID)
	return batch
}

func (q *Queue) drain(communityID string) {
	defer q.wg.Done()
	for {
		batch := q.take(communityID)
		if len(batch) == 0 {
			q.mu.Lock()
			// Re-check under the lock: an Enqueue may have landed between
			// take and here without starting its own drain.
			if len(q.pending[communityID]) > 0 {
				q.mu.Unlock()
				continue
			}
			q.processing[communityID] = false
			q.mu.Unlock()
			return
		}

		q.flush(communityID, batch)

		select {
		case <-time.After(q.drainInterval):
		case <-q.base.Done():
			q.failRemaining(communityID)
			return
		}
	}
}

// flush issues one batched write per spreadsheet in the batch and reports
// per-update outcomes. Sweep-originated updates retry with backoff; the
// interactive ones get one attempt.
func (q *Queue) flush(communityID string, batch []Update) {
	bySheet := map[string][]Update{}
	for _, u := range batch {
		bySheet[u.SpreadsheetID] = append(bySheet[u.SpreadsheetID], u)
	}
	for spreadsheetID, updates := range bySheet {
		var interactive, swept []Update
		for _, u := range updates {
			if u.Sweep {
				swept = append(swept, u)
			} else {
				interactive = append(interactive, u)
			}
		}
		q.write(communityID, spreadsheetID, interactive, retry.Policy{Attempts: 1})
		q.write(communityID, spreadsheetID, swept, q.retry)
	}
}

func (q *Queue) write(communityID, spreadsheetID string, updates []Update, pol retry.Policy) {
	if len(updates) == 0 {
		return
	}
	var ranges []ledger.RangeUpdate
	for _, u := range updates {
		for i, rng := range u.Ranges {
			if i >= len(u.Values) {
				break
			}
			ranges = append(ranges, ledger.RangeUpdate{Range: rng, Values: [][]string{{u.Values[i]}}})
		}
	}
	err := pol.Do(q.base, func() error {
		return q.api.BatchUpdate(q.base, spreadsheetID, ranges)
	})
	if err != nil {
		q.log.Error("ledger batch failed", "community", communityID, "spreadsheet", spreadsheetID, "updates", len(updates), "error", err)
	} else {
		q.log.Info("ledger batch written", "community", communityID, "spreadsheet", spreadsheetID, "updates", len(updates))
	}
	for _, u := range updates {
		q.report(Outcome{Update: u, Err: err})
	}
}

func (q *Queue) failRemaining(communityID string) {
	q.mu.Lock()
	rest := q.pending[communityID]
	delete(q.pending, communityID)
	q.processing[communityID] = false
	q.mu.Unlock()
	for _, u := range rest {
		q.report(Outcome{Update: u, Err: q.base.Err()})
	}
}
