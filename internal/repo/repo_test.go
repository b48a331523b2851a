package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"punchcard/internal/config"
	"punchcard/internal/db"
	"punchcard/internal/domain"
	"punchcard/internal/migrate"
)

func newRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	return Repo{DB: conn}
}

func insertCard(t *testing.T, r Repo, c domain.Card) {
	t.Helper()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertCardTx(context.Background(), tx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func baseCard(id, user string) domain.Card {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	return domain.Card{
		ID:              id,
		UserID:          user,
		CommunityID:     "g1",
		State:           domain.StateActive,
		StartTime:       now,
		LastInteraction: now,
		WorkPeriods:     []domain.WorkPeriod{{Start: now}},
		CreatedAt:       now,
		Version:         1,
	}
}

func TestUniqueActiveCardPerMember(t *testing.T) {
	r := newRepo(t)
	insertCard(t, r, baseCard("c1", "u1"))

	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertCardTx(context.Background(), tx, baseCard("c2", "u1")); err == nil {
		t.Fatal("expected unique index violation for second active card")
	}
}

func TestFinishedCardAllowsNewActive(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	c := baseCard("c1", "u1")
	insertCard(t, r, c)

	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	c.State = domain.StateFinished
	if err := r.UpdateCardTx(ctx, tx, c); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	insertCard(t, r, baseCard("c2", "u1"))
}

func TestUpdateDetectsStaleVersion(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	c := baseCard("c1", "u1")
	insertCard(t, r, c)

	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	c.Paused = true
	if err := r.UpdateCardTx(ctx, tx, c); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	// Same version token again: the stored row is now at version 2.
	tx, err = r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = r.UpdateCardTx(ctx, tx, c)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want version conflict", err)
	}
}

func TestCardRoundTripPreservesPeriods(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	c := baseCard("c1", "u1")
	end := c.StartTime.Add(time.Hour)
	c.WorkPeriods[0].End = &end
	c.WorkPeriods = append(c.WorkPeriods, domain.WorkPeriod{Start: end.Add(30 * time.Minute)})
	c.TotalPaused = 30 * time.Minute
	insertCard(t, r, c)

	got, err := r.GetCard(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.WorkPeriods) != 2 {
		t.Fatalf("periods = %d, want 2", len(got.WorkPeriods))
	}
	if got.WorkPeriods[0].End == nil || !got.WorkPeriods[0].End.Equal(end) {
		t.Fatalf("period end = %v", got.WorkPeriods[0].End)
	}
	if got.TotalPaused != 30*time.Minute {
		t.Fatalf("total paused = %v", got.TotalPaused)
	}
	if !got.StartTime.Equal(c.StartTime) {
		t.Fatalf("start = %v, want %v", got.StartTime, c.StartTime)
	}
}

func TestCommunityRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	c := config.Community{CommunityID: "g1", Name: "Guild", SpreadsheetID: "s1", SheetName: "Hours"}
	if err := r.UpsertCommunity(ctx, c, now); err != nil {
		t.Fatal(err)
	}

	got, err := r.GetCommunity(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SpreadsheetID != "s1" || got.SheetName != "Hours" {
		t.Fatalf("community = %+v", got)
	}

	c.SheetName = "March"
	if err := r.UpsertCommunity(ctx, c, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	got, err = r.GetCommunity(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SheetName != "March" {
		t.Fatalf("sheet = %s, want March", got.SheetName)
	}

	if _, err := r.GetCommunity(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}
