package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryIncrementWithTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := m.IncrementWithTTL(ctx, "rl:stubhub:hour", 1, time.Hour)
		if err != nil {
			t.Fatalf("IncrementWithTTL: %v", err)
		}
		if got != want {
			t.Errorf("IncrementWithTTL = %d; want %d", got, want)
		}
	}

	now = now.Add(30 * time.Minute)
	if got, _ := m.IncrementWithTTL(ctx, "rl:stubhub:hour", 1, time.Hour); got != 4 {
		t.Errorf("increment inside window = %d; want 4 (ttl must not slide)", got)
	}

	now = now.Add(31 * time.Minute)
	if got, _ := m.IncrementWithTTL(ctx, "rl:stubhub:hour", 1, time.Hour); got != 1 {
		t.Errorf("increment after expiry = %d; want 1", got)
	}
}

func TestMemoryGetSetExpiry(t *testing.T) {
	now := time.Now()
	m := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	_ = m.Set(ctx, "k", "v", time.Second)
	if v, ok, _ := m.Get(ctx, "k"); !ok || v != "v" {
		t.Errorf("Get = %q,%v; want v,true", v, ok)
	}

	now = now.Add(2 * time.Second)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("expired key still readable")
	}

	_ = m.Set(ctx, "forever", "x", 0)
	now = now.Add(24 * time.Hour)
	if _, ok, _ := m.Get(ctx, "forever"); !ok {
		t.Error("key without ttl should not expire")
	}
}
