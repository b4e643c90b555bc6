package utils

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeySetNoDuplicates(t *testing.T) {
	s := NewKeySet()

	if !s.Acquire("lst_1", "pa_1") {
		t.Error("first Acquire should return true")
	}
	if s.Acquire("lst_1", "pa_2") {
		t.Error("second Acquire of same key should return false")
	}
	if owner, _ := s.Owner("lst_1"); owner != "pa_1" {
		t.Errorf("owner: got %q, want %q", owner, "pa_1")
	}

	s.Release("lst_1")
	if !s.Acquire("lst_1", "pa_3") {
		t.Error("Acquire after Release should return true")
	}
	if s.Size() != 1 {
		t.Errorf("size: got %d, want 1", s.Size())
	}
}

func TestKeySetConcurrency(t *testing.T) {
	s := NewKeySet()
	var added int64

	pool := NewWorkerPool(10)
	for i := 0; i < 100; i++ {
		_ = pool.Submit(context.Background(), func() {
			if s.Acquire("same", "x") {
				atomic.AddInt64(&added, 1)
			}
		})
	}
	pool.Wait()

	if added != 1 {
		t.Errorf("expected exactly 1 successful acquire, got %d", added)
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	const limit = 3
	pool := NewWorkerPool(limit)

	var mu sync.Mutex
	running, peak := 0, 0
	for i := 0; i < 12; i++ {
		_ = pool.Submit(context.Background(), func() {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
		})
	}
	pool.Wait()

	if peak > limit {
		t.Errorf("peak concurrency %d exceeds limit %d", peak, limit)
	}
}

func TestWorkerPoolSubmitHonoursContext(t *testing.T) {
	pool := NewWorkerPool(1)
	release := make(chan struct{})
	_ = pool.Submit(context.Background(), func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Submit(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Submit on full pool: got %v, want deadline exceeded", err)
	}
	close(release)
	pool.Wait()
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 500 * time.Millisecond}

	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v; want %v", tt.n, got, tt.want)
		}
	}
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	p := RetryPolicy{MaxAttempts: 5}
	err := p.Do(context.Background(), "op", Discard(),
		func(err error) bool { return !errors.Is(err, permanent) },
		func(int) error { calls++; return permanent })

	if !errors.Is(err, permanent) {
		t.Errorf("err = %v; want permanent", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d; want 1", calls)
	}
}

func TestRetryPolicyExhaustsAttempts(t *testing.T) {
	transient := errors.New("transient")
	calls := 0
	p := RetryPolicy{MaxAttempts: 3}
	err := p.Do(context.Background(), "op", Discard(), nil,
		func(int) error { calls++; return transient })

	if !errors.Is(err, transient) {
		t.Errorf("err = %v; want wrapped transient", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d; want 3", calls)
	}
}

func TestLoggerLevelsAndComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, LevelWarn).With("scheduler")

	l.Info("hidden")
	l.Warn("visible %d", 1)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line written below minimum level")
	}
	if !strings.Contains(out, "[scheduler] visible 1") {
		t.Errorf("warn line missing component tag: %q", out)
	}
}
