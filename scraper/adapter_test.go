package scraper

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"ticket-monitor/cache"
	"ticket-monitor/guard"
	"ticket-monitor/models"
	"ticket-monitor/utils"
)

type nopLimiter struct {
	throttled int32
}

func (l *nopLimiter) Wait(ctx context.Context) error { return ctx.Err() }
func (l *nopLimiter) Throttle(time.Duration)         { atomic.AddInt32(&l.throttled, 1) }
func (l *nopLimiter) Success()                       {}

func testConfig(id string) models.PlatformConfig {
	return models.PlatformConfig{
		PlatformID:            id,
		Enabled:               true,
		Kind:                  models.KindMock,
		RateLimitPerSecond:    100,
		RateLimitPerHour:      1000,
		MaxRetries:            2,
		RetryDelayMs:          1,
		ReliabilityMultiplier: 1,
		TimeoutMs:             50,
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{http.StatusTooManyRequests, RateLimited, true},
		{http.StatusUnauthorized, AuthFailure, false},
		{http.StatusForbidden, AuthFailure, false},
		{http.StatusGatewayTimeout, Timeout, true},
		{http.StatusBadGateway, Unavailable, true},
		{http.StatusServiceUnavailable, Unavailable, true},
		{http.StatusNotFound, Unavailable, false},
	}
	for _, tt := range tests {
		e := FromStatus("stubhub", tt.status, "")
		if e.Kind != tt.kind || e.Retryable() != tt.retryable {
			t.Errorf("FromStatus(%d) = %s retryable=%v; want %s retryable=%v",
				tt.status, e.Kind, e.Retryable(), tt.kind, tt.retryable)
		}
	}
}

func TestFromTransportDeadline(t *testing.T) {
	e := FromTransport("viagogo", context.DeadlineExceeded)
	if e.Kind != Timeout {
		t.Errorf("Kind = %s; want timeout", e.Kind)
	}
	if !errors.Is(e, context.DeadlineExceeded) {
		t.Error("AdapterError should unwrap to the transport error")
	}
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls int32
	adapter := AdapterFunc(func(ctx context.Context, _ models.SearchCriteria) ([]models.RawListing, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, FromStatus("", http.StatusServiceUnavailable, "")
		}
		return []models.RawListing{{ExternalID: "a1"}}, nil
	})
	c := NewClient(testConfig("stubhub"), adapter, &nopLimiter{}, 1, utils.Discard())

	got, err := c.FetchListings(context.Background(), models.SearchCriteria{})
	if err != nil {
		t.Fatalf("FetchListings: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d; want 3", calls)
	}
	if len(got) != 1 || got[0].PlatformID != "stubhub" {
		t.Errorf("listings = %+v; want one listing stamped with stubhub", got)
	}
}

func TestClientDoesNotRetryAuthFailure(t *testing.T) {
	var calls int32
	adapter := AdapterFunc(func(ctx context.Context, _ models.SearchCriteria) ([]models.RawListing, error) {
		atomic.AddInt32(&calls, 1)
		return nil, FromStatus("", http.StatusUnauthorized, "bad key")
	})
	c := NewClient(testConfig("tickpick"), adapter, &nopLimiter{}, 1, utils.Discard())

	_, err := c.FetchListings(context.Background(), models.SearchCriteria{})
	var ae *AdapterError
	if !errors.As(err, &ae) || ae.Kind != AuthFailure {
		t.Fatalf("err = %v; want AuthFailure", err)
	}
	if ae.Platform != "tickpick" {
		t.Errorf("Platform = %q; want tickpick", ae.Platform)
	}
	if calls != 1 {
		t.Errorf("calls = %d; auth failures must not be retried", calls)
	}
}

func TestClientTimeoutIsTimeoutKind(t *testing.T) {
	adapter := AdapterFunc(func(ctx context.Context, _ models.SearchCriteria) ([]models.RawListing, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := testConfig("seatgeek")
	cfg.MaxRetries = 1
	cfg.TimeoutMs = 5
	c := NewClient(cfg, adapter, &nopLimiter{}, 1, utils.Discard())

	_, err := c.FetchListings(context.Background(), models.SearchCriteria{})
	if k := KindOf(err); k != Timeout {
		t.Errorf("KindOf(err) = %q; want timeout (err=%v)", k, err)
	}
}

func TestClientRateLimitedThrottles(t *testing.T) {
	lim := &nopLimiter{}
	adapter := AdapterFunc(func(ctx context.Context, _ models.SearchCriteria) ([]models.RawListing, error) {
		return nil, FromStatus("", http.StatusTooManyRequests, "")
	})
	cfg := testConfig("stubhub")
	cfg.MaxRetries = 1
	c := NewClient(cfg, adapter, lim, 1, utils.Discard())

	_, err := c.FetchListings(context.Background(), models.SearchCriteria{})
	if KindOf(err) != RateLimited {
		t.Fatalf("err = %v; want RateLimited", err)
	}
	if n := atomic.LoadInt32(&lim.throttled); n != 2 {
		t.Errorf("Throttle called %d times; want 2", n)
	}
}

func TestClientHourlyBudgetIsPermanent(t *testing.T) {
	var calls int32
	adapter := AdapterFunc(func(ctx context.Context, _ models.SearchCriteria) ([]models.RawListing, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})
	cfg := testConfig("viagogo")
	cfg.RateLimitPerHour = 1
	lim := guard.NewPlatformLimiter(cfg.PlatformID, cfg.RateLimitPerSecond, cfg.RateLimitPerHour, cache.NewMemory())
	c := NewClient(cfg, adapter, lim, 1, utils.Discard())
	ctx := context.Background()

	if _, err := c.FetchListings(ctx, models.SearchCriteria{}); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	_, err := c.FetchListings(ctx, models.SearchCriteria{})
	var ae *AdapterError
	if !errors.As(err, &ae) || ae.Kind != RateLimited || ae.Retryable() {
		t.Fatalf("err = %v; want permanent RateLimited", err)
	}
	if calls != 1 {
		t.Errorf("adapter calls = %d; want 1", calls)
	}
}

func TestRegistryUnknownPlatform(t *testing.T) {
	r := NewRegistry()
	_, err := r.FetchListings(context.Background(), "nowhere", models.SearchCriteria{})
	if KindOf(err) != Unavailable {
		t.Errorf("err = %v; want Unavailable", err)
	}
}
