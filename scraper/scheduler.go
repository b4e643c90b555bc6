package scraper

import (
	"context"
	"sync"
	"time"

	"ticket-monitor/models"
	"ticket-monitor/utils"
)

// Fetcher is what the scheduler drives; *Registry satisfies it.
type Fetcher interface {
	FetchListings(ctx context.Context, platformID string, criteria models.SearchCriteria) ([]models.RawListing, error)
}

// Batch is one platform's result within a scrape cycle. Listings may be
// shared with other joined callers and must not be modified.
type Batch struct {
	PlatformID string
	Listings   []models.RawListing
	Err        error
	Duration   time.Duration
}

type call struct {
	done     chan struct{}
	listings []models.RawListing
	err      error
}

// statsAlpha is the smoothing factor of the per-platform moving averages.
const statsAlpha = 0.2

// Scheduler fans a scrape cycle out to every enabled platform. At most one
// fetch per platform runs at a time, the pool caps total concurrent fetches,
// and identical in-flight requests are joined instead of repeated.
type Scheduler struct {
	fetcher Fetcher
	pool    *utils.WorkerPool
	logger  *utils.Logger

	mu       sync.Mutex
	lanes    map[string]chan struct{}
	inflight map[string]*call
	stats    map[string]models.PlatformStats
}

// NewScheduler creates a Scheduler running at most maxConcurrent fetches.
func NewScheduler(fetcher Fetcher, maxConcurrent int, logger *utils.Logger) *Scheduler {
	return &Scheduler{
		fetcher:  fetcher,
		pool:     utils.NewWorkerPool(maxConcurrent),
		logger:   logger.With("scheduler"),
		lanes:    make(map[string]chan struct{}),
		inflight: make(map[string]*call),
		stats:    make(map[string]models.PlatformStats),
	}
}

// RunCycle starts one fetch per enabled platform and streams each platform's
// Batch as soon as it completes. The channel closes once every platform has
// reported. Cancelling ctx makes pending platforms report ctx.Err().
func (s *Scheduler) RunCycle(ctx context.Context, platforms []models.PlatformConfig, criteria models.SearchCriteria) <-chan Batch {
	out := make(chan Batch, len(platforms))

	go func() {
		defer close(out)
		var wg sync.WaitGroup
		for _, p := range platforms {
			if !p.Enabled {
				continue
			}
			wg.Add(1)
			go func(platformID string) {
				defer wg.Done()
				start := time.Now()
				listings, err := s.fetch(ctx, platformID, criteria)
				b := Batch{
					PlatformID: platformID,
					Listings:   listings,
					Err:        err,
					Duration:   time.Since(start),
				}
				if err != nil {
					s.logger.Warn("%s failed after %v: %v", platformID, b.Duration, err)
				} else {
					s.logger.Info("%s returned %d listings in %v", platformID, len(listings), b.Duration)
				}
				out <- b
			}(p.PlatformID)
		}
		wg.Wait()
	}()

	return out
}

// fetch joins an identical in-flight request or performs a new one.
func (s *Scheduler) fetch(ctx context.Context, platformID string, criteria models.SearchCriteria) ([]models.RawListing, error) {
	key := platformID + "|" + criteria.Key()

	s.mu.Lock()
	if c, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		s.logger.Debug("joining in-flight fetch %s", key)
		select {
		case <-c.done:
			return c.listings, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	s.inflight[key] = c
	lane := s.lane(platformID)
	s.mu.Unlock()

	c.listings, c.err = s.run(ctx, lane, platformID, criteria)

	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
	close(c.done)

	return c.listings, c.err
}

// run serialises on the platform lane, then takes a global pool slot.
func (s *Scheduler) run(ctx context.Context, lane chan struct{}, platformID string, criteria models.SearchCriteria) ([]models.RawListing, error) {
	select {
	case lane <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-lane }()

	type result struct {
		listings []models.RawListing
		err      error
	}
	done := make(chan result, 1)
	start := time.Now()
	if err := s.pool.Submit(ctx, func() {
		listings, err := s.fetcher.FetchListings(ctx, platformID, criteria)
		done <- result{listings, err}
	}); err != nil {
		return nil, err
	}
	// The lane stays held until the fetch returns, even if ctx ends first.
	r := <-done
	s.record(platformID, r.err == nil, time.Since(start))
	return r.listings, r.err
}

// lane returns the single-slot semaphore of a platform. Must be called with mu held.
func (s *Scheduler) lane(platformID string) chan struct{} {
	l, ok := s.lanes[platformID]
	if !ok {
		l = make(chan struct{}, 1)
		s.lanes[platformID] = l
	}
	return l
}

func (s *Scheduler) record(platformID string, ok bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, seen := s.stats[platformID]
	outcome := 0.0
	if ok {
		outcome = 1
	}
	if !seen {
		st = models.PlatformStats{SuccessRate: outcome, AvgResponseTime: latency}
	} else {
		st.SuccessRate = statsAlpha*outcome + (1-statsAlpha)*st.SuccessRate
		st.AvgResponseTime = time.Duration(statsAlpha*float64(latency) + (1-statsAlpha)*float64(st.AvgResponseTime))
	}
	st.Samples++
	s.stats[platformID] = st
}

// Stats snapshots the observed success rate and latency per platform.
func (s *Scheduler) Stats() map[string]models.PlatformStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.PlatformStats, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out
}
