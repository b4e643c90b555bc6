package guard

import (
	"context"
	"fmt"
	"time"

	"ticket-monitor/cache"
)

// WindowLimit allows Max events per fixed Window. Max <= 0 disables the limit.
type WindowLimit struct {
	Max    int64
	Window time.Duration
}

// WindowCounter enforces WindowLimits on named keys through a cache.Store.
type WindowCounter struct {
	store cache.Store
	now   func() time.Time
}

// NewWindowCounter creates a counter backed by store.
func NewWindowCounter(store cache.Store) *WindowCounter {
	return &WindowCounter{store: store, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (w *WindowCounter) WithClock(now func() time.Time) *WindowCounter {
	w.now = now
	return w
}

// Take consumes one event from key's current window. It returns false,
// leaving the count untouched, when the window is already full.
func (w *WindowCounter) Take(ctx context.Context, key string, limit WindowLimit) (bool, error) {
	if limit.Max <= 0 || limit.Window <= 0 {
		return true, nil
	}
	now := w.now()
	start := now.Truncate(limit.Window)
	k := fmt.Sprintf("window:%s:%d", key, start.Unix())
	n, err := w.store.IncrementWithTTL(ctx, k, 1, start.Add(limit.Window).Sub(now)+time.Second)
	if err != nil {
		return false, err
	}
	if n > limit.Max {
		if _, err := w.store.IncrementWithTTL(ctx, k, -1, 0); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Refund gives back one event taken from key's current window.
func (w *WindowCounter) Refund(ctx context.Context, key string, limit WindowLimit) error {
	if limit.Max <= 0 || limit.Window <= 0 {
		return nil
	}
	start := w.now().Truncate(limit.Window)
	_, err := w.store.IncrementWithTTL(ctx, fmt.Sprintf("window:%s:%d", key, start.Unix()), -1, 0)
	return err
}
