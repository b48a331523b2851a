package sweep_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"punchcard/internal/config"
	"punchcard/internal/db"
	"punchcard/internal/domain"
	"punchcard/internal/engine"
	"punchcard/internal/migrate"
	"punchcard/internal/sweep"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type fakeLocator struct {
	gone map[string]bool
}

func (f *fakeLocator) MemberHandle(_ context.Context, _, userID string) (string, error) {
	return userID, nil
}

func (f *fakeLocator) MessageReachable(_ context.Context, _, messageID string) (bool, error) {
	return !f.gone[messageID], nil
}

func newSweeper(t *testing.T) (*sweep.Sweeper, *time.Time, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	clock := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	log := slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
	eng := engine.New(conn, config.Default(), log)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	if err := eng.RegisterCommunity(ctx, config.Community{CommunityID: "g1", SpreadsheetID: "s1", SheetName: "Hours"}); err != nil {
		t.Fatal(err)
	}
	return &sweep.Sweeper{Engine: eng, Log: log}, &clock, ctx
}

func TestSweepClosesOpenCardsOnce(t *testing.T) {
	s, clock, ctx := newSweeper(t)

	var ids []string
	for _, u := range []string{"u1", "u2", "u3"} {
		c, err := s.Engine.ClockIn(ctx, engine.ClockInOptions{UserID: u, CommunityID: "g1", Actor: u})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, c.ID)
	}
	*clock = clock.Add(3 * time.Hour)

	sum, err := s.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Closed != 3 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Communities["g1"].Closed != 3 {
		t.Fatalf("community summary = %+v", sum.Communities["g1"])
	}
	for _, id := range ids {
		c, err := s.Engine.GetCard(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if c.State != domain.StateFinished {
			t.Fatalf("card %s state = %s", id, c.State)
		}
		if c.Total != 3*time.Hour {
			t.Fatalf("card %s total = %v", id, c.Total)
		}
		last := c.History[len(c.History)-1]
		if last.Action != domain.ActionAutoClose {
			t.Fatalf("last action = %s", last.Action)
		}
	}

	// Second run finds nothing open.
	sum, err = s.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Closed != 0 || sum.Failed != 0 {
		t.Fatalf("second run summary = %+v", sum)
	}
}

func TestSweepParksUnreachableCards(t *testing.T) {
	s, clock, ctx := newSweeper(t)
	s.Engine.Locator = &fakeLocator{gone: map[string]bool{"m-gone": true}}

	gone, err := s.Engine.ClockIn(ctx, engine.ClockInOptions{
		UserID: "u1", CommunityID: "g1", ChannelID: "c1", MessageID: "m-gone", Actor: "u1",
	})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := s.Engine.ClockIn(ctx, engine.ClockInOptions{
		UserID: "u2", CommunityID: "g1", ChannelID: "c1", MessageID: "m-ok", Actor: "u2",
	})
	if err != nil {
		t.Fatal(err)
	}
	*clock = clock.Add(2 * time.Hour)

	sum, err := s.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Closed != 1 || sum.Errored != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Communities["g1"].Errored != 1 {
		t.Fatalf("community summary = %+v", sum.Communities["g1"])
	}

	c, err := s.Engine.GetCard(ctx, gone.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.State != domain.StateError {
		t.Fatalf("unreachable card state = %s, want error", c.State)
	}
	c, err = s.Engine.GetCard(ctx, ok.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.State != domain.StateFinished {
		t.Fatalf("reachable card state = %s, want finished", c.State)
	}
}

func TestSweepSkipsPausedBookkeeping(t *testing.T) {
	s, clock, ctx := newSweeper(t)
	c, err := s.Engine.ClockIn(ctx, engine.ClockInOptions{UserID: "u1", CommunityID: "g1", Actor: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	*clock = clock.Add(time.Hour)
	if _, err := s.Engine.Pause(ctx, engine.TransitionOptions{CardID: c.ID, Actor: "u1"}); err != nil {
		t.Fatal(err)
	}
	*clock = clock.Add(2 * time.Hour)

	if _, err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	c, err = s.Engine.GetCard(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Only the hour before the pause counts.
	if c.Total != time.Hour {
		t.Fatalf("total = %v, want 1h", c.Total)
	}
}

func TestSweepPurgesExpired(t *testing.T) {
	s, clock, ctx := newSweeper(t)
	c, err := s.Engine.ClockIn(ctx, engine.ClockInOptions{UserID: "u1", CommunityID: "g1", Actor: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	*clock = clock.Add(time.Hour)
	if _, err := s.Engine.Finish(ctx, engine.TransitionOptions{CardID: c.ID, Actor: "u1"}); err != nil {
		t.Fatal(err)
	}
	*clock = clock.Add(5 * 24 * time.Hour)

	sum, err := s.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Purged != 1 {
		t.Fatalf("purged = %d, want 1", sum.Purged)
	}
}
