// Package guard holds the shared, concurrency-safe gates of the pipeline:
// per-platform rate limiters, fixed-window counters and circuit breakers.
package guard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ticket-monitor/cache"
)

// ErrHourlyLimit is returned when a platform's hourly request budget is spent.
var ErrHourlyLimit = errors.New("guard: hourly request budget exhausted")

// RateLimiter gates outbound calls to one platform.
type RateLimiter interface {
	// Wait blocks until a call may be issued or returns an error when the
	// budget is exhausted or ctx ends.
	Wait(ctx context.Context) error
	// Throttle reacts to a rate-limited response from the platform.
	Throttle(coolOff time.Duration)
	// Success records a normal response.
	Success()
}

// PlatformLimiter combines a per-second token bucket with an hourly fixed
// window kept in a cache.Store, so several processes sharing the store share
// the hourly budget.
type PlatformLimiter struct {
	platformID string
	perHour    int64
	store      cache.Store
	now        func() time.Time

	mu        sync.Mutex
	bucket    *rate.Limiter
	base      rate.Limit
	curr      rate.Limit
	coolUntil time.Time
}

// NewPlatformLimiter creates a limiter allowing perSecond calls per second
// and perHour calls per clock hour.
func NewPlatformLimiter(platformID string, perSecond float64, perHour int, store cache.Store) *PlatformLimiter {
	burst := int(math.Ceil(perSecond))
	if burst < 1 {
		burst = 1
	}
	lim := rate.Limit(perSecond)
	return &PlatformLimiter{
		platformID: platformID,
		perHour:    int64(perHour),
		store:      store,
		now:        time.Now,
		bucket:     rate.NewLimiter(lim, burst),
		base:       lim,
		curr:       lim,
	}
}

func (l *PlatformLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	cool := l.coolUntil
	bucket := l.bucket
	l.mu.Unlock()

	if d := cool.Sub(l.now()); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	if err := bucket.Wait(ctx); err != nil {
		return err
	}
	if l.perHour <= 0 || l.store == nil {
		return nil
	}

	now := l.now()
	window := now.Truncate(time.Hour)
	key := fmt.Sprintf("ratelimit:%s:hour:%d", l.platformID, window.Unix())
	n, err := l.store.IncrementWithTTL(ctx, key, 1, window.Add(time.Hour).Sub(now)+time.Minute)
	if err != nil {
		return fmt.Errorf("guard: hourly counter for %s: %w", l.platformID, err)
	}
	if n > l.perHour {
		return ErrHourlyLimit
	}
	return nil
}

// Throttle halves the current rate (never below a quarter of the configured
// rate) and pauses all calls for coolOff.
func (l *PlatformLimiter) Throttle(coolOff time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.curr / 2
	if floor := l.base / 4; next < floor {
		next = floor
	}
	if next != l.curr {
		l.curr = next
		l.bucket.SetLimit(next)
	}
	l.coolUntil = l.now().Add(coolOff)
}

// Success recovers a tenth of the configured rate after a throttle.
func (l *PlatformLimiter) Success() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.curr >= l.base {
		return
	}
	next := l.curr + l.base/10
	if next > l.base {
		next = l.base
	}
	l.curr = next
	l.bucket.SetLimit(next)
}

// CurrentLimit reports the per-second rate currently applied.
func (l *PlatformLimiter) CurrentLimit() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.curr)
}
