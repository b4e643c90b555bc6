// Package queue runs scrape cycles and purchase attempts as discrete jobs.
// Local is the in-process implementation; a broker-backed queue would
// satisfy the same Queue interface.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ticket-monitor/utils"
)

// Queue names used by the pipeline.
const (
	ScrapeQueue   = "scrape"
	PurchaseQueue = "purchase"
)

// Priorities. Higher runs first.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

// ErrClosed is returned by Submit once the queue has stopped.
var ErrClosed = errors.New("queue: closed")

// ErrPermanent marks a job error that must not be retried.
var ErrPermanent = errors.New("queue: permanent failure")

// Job is one unit of work.
type Job struct {
	ID          string
	Name        string
	QueueName   string
	MaxAttempts int
	Timeout     time.Duration
	Priority    int
	Run         func(ctx context.Context) error

	seq uint64
}

// Queue accepts jobs.
type Queue interface {
	Submit(job Job) error
}

// Stats counts job outcomes for one queue name.
type Stats struct {
	Submitted int `json:"submitted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// Local is a priority queue drained by a fixed number of workers.
type Local struct {
	workers int
	backoff time.Duration
	logger  *utils.Logger
	ids     utils.IDGenerator

	mu     sync.Mutex
	jobs   jobHeap
	seq    uint64
	closed bool
	stats  map[string]*Stats
	wake   chan struct{}
}

// NewLocal creates a queue served by workers goroutines once Run is called.
func NewLocal(workers int, logger *utils.Logger) *Local {
	if workers < 1 {
		workers = 1
	}
	return &Local{
		workers: workers,
		backoff: time.Second,
		logger:  logger.With("queue"),
		ids:     utils.Prefixed("job_", utils.UUIDv7()),
		stats:   make(map[string]*Stats),
		wake:    make(chan struct{}, 1),
	}
}

// WithBackoff sets the base delay between attempts of a failing job.
func (q *Local) WithBackoff(d time.Duration) *Local {
	q.backoff = d
	return q
}

// Submit enqueues job. It never blocks.
func (q *Local) Submit(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("queue: job %q has no Run func", job.Name)
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}
	if job.ID == "" {
		job.ID = q.ids()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	job.seq = q.seq
	heap.Push(&q.jobs, &job)
	q.statsFor(job.QueueName).Submitted++
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *Local) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// statsFor must be called with mu held.
func (q *Local) statsFor(name string) *Stats {
	s, ok := q.stats[name]
	if !ok {
		s = &Stats{}
		q.stats[name] = s
	}
	return s
}

// Len returns the number of jobs waiting.
func (q *Local) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Stats snapshots per-queue counters.
func (q *Local) Stats() map[string]Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := make(map[string]int)
	for _, j := range q.jobs {
		pending[j.QueueName]++
	}
	out := make(map[string]Stats, len(q.stats))
	for k, v := range q.stats {
		s := *v
		s.Pending = pending[k]
		out[k] = s
	}
	return out
}

// Run serves jobs until ctx ends, then waits for running jobs and closes
// the queue. Jobs still waiting are dropped.
func (q *Local) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	wg.Wait()

	q.mu.Lock()
	q.closed = true
	dropped := len(q.jobs)
	q.jobs = nil
	q.mu.Unlock()
	if dropped > 0 {
		q.logger.Warn("stopped with %d jobs pending", dropped)
	}
}

func (q *Local) next() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	j := heap.Pop(&q.jobs).(*Job)
	if len(q.jobs) > 0 {
		q.signal()
	}
	return j
}

func (q *Local) work(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		j := q.next()
		if j == nil {
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		err := q.execute(ctx, j)

		q.mu.Lock()
		if err != nil {
			q.statsFor(j.QueueName).Failed++
		} else {
			q.statsFor(j.QueueName).Succeeded++
		}
		q.mu.Unlock()
		if err != nil {
			q.logger.Error("job %s (%s/%s) failed: %v", j.ID, j.QueueName, j.Name, err)
		}
	}
}

func (q *Local) execute(ctx context.Context, j *Job) error {
	policy := utils.RetryPolicy{MaxAttempts: j.MaxAttempts, BaseDelay: q.backoff, Multiplier: 2, MaxDelay: time.Minute}
	retryable := func(err error) bool { return !errors.Is(err, ErrPermanent) && ctx.Err() == nil }
	return policy.Do(ctx, j.QueueName+"/"+j.Name, q.logger, retryable, func(int) error {
		return q.once(ctx, j)
	})
}

func (q *Local) once(ctx context.Context, j *Job) (err error) {
	jctx, cancel := ctx, context.CancelFunc(func() {})
	if j.Timeout > 0 {
		jctx, cancel = context.WithTimeout(ctx, j.Timeout)
	}
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrPermanent, r)
		}
	}()
	return j.Run(jctx)
}
