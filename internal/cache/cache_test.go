package cache

import (
	"testing"
	"time"
)

func TestGetAfterExpiry(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewWithClock[string, int](5*time.Minute, func() time.Time { return now })

	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected hit, got %v %v", v, ok)
	}

	now = now.Add(5*time.Minute + time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss after expiry")
	}
}

func TestSetTTLOverridesDefault(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewWithClock[string, string](time.Minute, func() time.Time { return now })

	c.SetTTL("long", "v", time.Hour)
	now = now.Add(30 * time.Minute)
	if _, ok := c.Get("long"); !ok {
		t.Fatal("expected entry to outlive default ttl")
	}
}

func TestSweepDropsExpired(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewWithClock[int, int](time.Minute, func() time.Time { return now })

	c.Set(1, 1)
	c.Set(2, 2)
	now = now.Add(2 * time.Minute)
	c.Set(3, 3)

	if dropped := c.Sweep(); dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
}

func TestDelete(t *testing.T) {
	c := New[string, int](time.Minute)
	c.Set("a", 1)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss after delete")
	}
}
