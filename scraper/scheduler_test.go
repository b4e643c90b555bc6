package scraper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ticket-monitor/models"
	"ticket-monitor/utils"
)

type fetcherFunc func(ctx context.Context, platformID string, c models.SearchCriteria) ([]models.RawListing, error)

func (f fetcherFunc) FetchListings(ctx context.Context, platformID string, c models.SearchCriteria) ([]models.RawListing, error) {
	return f(ctx, platformID, c)
}

func platforms(ids ...string) []models.PlatformConfig {
	out := make([]models.PlatformConfig, len(ids))
	for i, id := range ids {
		out[i] = models.PlatformConfig{PlatformID: id, Enabled: true}
	}
	return out
}

func collect(ch <-chan Batch) map[string]Batch {
	out := make(map[string]Batch)
	for b := range ch {
		out[b.PlatformID] = b
	}
	return out
}

func TestRunCyclePartialFailure(t *testing.T) {
	f := fetcherFunc(func(ctx context.Context, id string, _ models.SearchCriteria) ([]models.RawListing, error) {
		if id == "broken" {
			return nil, NewError(id, Unavailable, errors.New("down"))
		}
		return []models.RawListing{{PlatformID: id, ExternalID: "1"}}, nil
	})
	s := NewScheduler(f, 4, utils.Discard())

	ps := platforms("stubhub", "broken", "viagogo")
	ps = append(ps, models.PlatformConfig{PlatformID: "disabled"})
	got := collect(s.RunCycle(context.Background(), ps, models.SearchCriteria{}))

	if len(got) != 3 {
		t.Fatalf("batches = %d; want 3 (disabled platform skipped)", len(got))
	}
	if got["broken"].Err == nil {
		t.Error("broken platform should report its error")
	}
	for _, id := range []string{"stubhub", "viagogo"} {
		if b := got[id]; b.Err != nil || len(b.Listings) != 1 {
			t.Errorf("%s batch = %+v; want one listing and no error", id, b)
		}
	}
}

func TestRunCycleRespectsGlobalCeiling(t *testing.T) {
	var active, peak int32
	f := fetcherFunc(func(ctx context.Context, id string, _ models.SearchCriteria) ([]models.RawListing, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil, nil
	})
	s := NewScheduler(f, 2, utils.Discard())

	collect(s.RunCycle(context.Background(), platforms("a", "b", "c", "d", "e"), models.SearchCriteria{}))
	if peak > 2 {
		t.Errorf("peak concurrent fetches = %d; want <= 2", peak)
	}
}

func TestSchedulerJoinsIdenticalInFlightRequests(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	f := fetcherFunc(func(ctx context.Context, id string, _ models.SearchCriteria) ([]models.RawListing, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []models.RawListing{{PlatformID: id}}, nil
	})
	s := NewScheduler(f, 4, utils.Discard())
	criteria := models.SearchCriteria{Keyword: "lakers"}

	first := s.RunCycle(context.Background(), platforms("stubhub"), criteria)
	// wait until the first fetch is registered
	for atomic.LoadInt32(&calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	second := s.RunCycle(context.Background(), platforms("stubhub"), criteria)
	time.Sleep(5 * time.Millisecond)
	close(release)

	a, b := collect(first), collect(second)
	if calls != 1 {
		t.Errorf("fetch calls = %d; want 1 for identical in-flight requests", calls)
	}
	if len(a["stubhub"].Listings) != 1 || len(b["stubhub"].Listings) != 1 {
		t.Error("both callers should receive the shared result")
	}
}

func TestSchedulerSerialisesPerPlatform(t *testing.T) {
	var mu sync.Mutex
	active := map[string]int{}
	overlap := false
	f := fetcherFunc(func(ctx context.Context, id string, _ models.SearchCriteria) ([]models.RawListing, error) {
		mu.Lock()
		active[id]++
		if active[id] > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active[id]--
		mu.Unlock()
		return nil, nil
	})
	s := NewScheduler(f, 8, utils.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// distinct criteria so requests are not joined
			c := models.SearchCriteria{Keyword: string(rune('a' + i))}
			collect(s.RunCycle(context.Background(), platforms("stubhub"), c))
		}(i)
	}
	wg.Wait()
	if overlap {
		t.Error("two fetches for the same platform ran concurrently")
	}
}

func TestRunCycleCancellation(t *testing.T) {
	f := fetcherFunc(func(ctx context.Context, id string, _ models.SearchCriteria) ([]models.RawListing, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := NewScheduler(f, 2, utils.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	ch := s.RunCycle(ctx, platforms("a", "b", "c"), models.SearchCriteria{})
	cancel()

	got := collect(ch)
	if len(got) != 3 {
		t.Fatalf("batches = %d; want 3", len(got))
	}
	for id, b := range got {
		if b.Err == nil {
			t.Errorf("%s: expected an error after cancellation", id)
		}
	}
}

func TestSchedulerStats(t *testing.T) {
	f := fetcherFunc(func(ctx context.Context, id string, _ models.SearchCriteria) ([]models.RawListing, error) {
		if id == "bad" {
			return nil, errors.New("boom")
		}
		return nil, nil
	})
	s := NewScheduler(f, 2, utils.Discard())
	collect(s.RunCycle(context.Background(), platforms("good", "bad"), models.SearchCriteria{}))

	st := s.Stats()
	if st["good"].SuccessRate != 1 || st["bad"].SuccessRate != 0 {
		t.Errorf("stats = %+v; want good=1 bad=0", st)
	}
	if st["good"].Samples != 1 {
		t.Errorf("samples = %d; want 1", st["good"].Samples)
	}
}
