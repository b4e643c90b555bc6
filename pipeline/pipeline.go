// Package pipeline runs one scrape cycle end to end: fetch every platform,
// normalise, commit, score and hand decisions on to the notifier and the
// purchase orchestrator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ticket-monitor/models"
	"ticket-monitor/notify"
	"ticket-monitor/queue"
	"ticket-monitor/scraper"
	"ticket-monitor/services"
	"ticket-monitor/storage"
	"ticket-monitor/utils"
)

// Collector fans a cycle out to the platforms; *scraper.Scheduler satisfies it.
type Collector interface {
	RunCycle(ctx context.Context, platforms []models.PlatformConfig, criteria models.SearchCriteria) <-chan scraper.Batch
	Stats() map[string]models.PlatformStats
}

// Executor buys auto_purchase decisions; *services.Orchestrator satisfies it.
type Executor interface {
	Execute(ctx context.Context, d models.Decision, l models.CanonicalListing) (*models.PurchaseAttempt, error)
}

// Config is what a cycle scrapes and who it scores for.
type Config struct {
	Platforms []models.PlatformConfig
	Criteria  models.SearchCriteria
	Users     []models.UserPreference
	// PurchaseTimeout bounds one queued purchase job. Zero means no bound.
	PurchaseTimeout time.Duration
	// CycleTimeout bounds a queued cycle job. Zero means no bound.
	CycleTimeout time.Duration
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Collector  Collector
	Normalizer *services.Normalizer
	Engine     *services.Engine
	Executor   Executor
	Repo       storage.Repository
	Queue      queue.Queue
	Notifier   notify.Dispatcher
	Insights   *services.InsightService
}

// Pipeline is safe to share, but cycles should not overlap: the scheduler
// already serialises fetches per platform, so a second concurrent cycle
// would only wait on the first.
type Pipeline struct {
	cfg    Config
	deps   Deps
	ids    utils.IDGenerator
	now    func() time.Time
	logger *utils.Logger

	mu     sync.RWMutex
	latest *models.CycleReport
}

// New builds a Pipeline. A nil Notifier logs, a nil Insights prints nothing
// extra and a nil Queue runs purchases inline.
func New(cfg Config, deps Deps, logger *utils.Logger) *Pipeline {
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLog(logger)
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		ids:    utils.Prefixed("cyc_", utils.UUIDv7()),
		now:    time.Now,
		logger: logger.With("pipeline"),
	}
}

// WithClock replaces the time source used for report timestamps.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// WithIDs replaces the cycle ID generator.
func (p *Pipeline) WithIDs(gen utils.IDGenerator) *Pipeline {
	p.ids = gen
	return p
}

// Latest returns the report of the most recent finished cycle, or nil.
func (p *Pipeline) Latest() *models.CycleReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// CycleJob wraps RunCycle as a scrape-queue job.
func (p *Pipeline) CycleJob(priority int) queue.Job {
	return queue.Job{
		Name:        "scrape-cycle",
		QueueName:   queue.ScrapeQueue,
		MaxAttempts: 1,
		Timeout:     p.cfg.CycleTimeout,
		Priority:    priority,
		Run: func(ctx context.Context) error {
			_, err := p.RunCycle(ctx)
			return err
		},
	}
}

// RunCycle scrapes every enabled platform and processes the result. Output is
// staged until every platform has reported; a cycle cancelled before that
// point commits nothing and returns its partial report with an error.
func (p *Pipeline) RunCycle(ctx context.Context) (*models.CycleReport, error) {
	report := &models.CycleReport{
		CycleID:   p.ids(),
		StartedAt: p.now(),
		Platforms: make(map[string]models.PlatformOutcome),
		Tiers:     make(map[models.Tier]int),
	}
	p.logger.Info("cycle %s started", report.CycleID)

	raws := p.collect(ctx, report)
	if err := ctx.Err(); err != nil {
		return p.cancelled(report, len(raws), err)
	}

	res := p.deps.Normalizer.Process(raws)
	for i := range res.Listings {
		res.Listings[i].CycleID = report.CycleID
	}
	if err := ctx.Err(); err != nil {
		return p.cancelled(report, len(raws), err)
	}

	// Past this point the cycle is complete; shutdown must not split the commit.
	cctx := context.WithoutCancel(ctx)
	decisions, err := p.commit(cctx, res.Listings)
	if err != nil {
		report.FinishedAt = p.now()
		return report, fmt.Errorf("pipeline: cycle %s: %w", report.CycleID, err)
	}
	report.PurchasesQueued = p.dispatch(cctx, decisions, res.Listings)

	if p.deps.Insights != nil {
		p.deps.Insights.Generate(report, len(raws), res, decisions)
	} else {
		report.RawListings = len(raws)
		report.CanonicalCount = len(res.Listings)
		for _, d := range decisions {
			report.Tiers[d.Tier]++
		}
	}
	report.FinishedAt = p.now()
	p.finish(cctx, report)
	return report, nil
}

// collect drains the scheduler, recording each platform's outcome as its
// batch arrives.
func (p *Pipeline) collect(ctx context.Context, report *models.CycleReport) []models.RawListing {
	var raws []models.RawListing
	for b := range p.deps.Collector.RunCycle(ctx, p.cfg.Platforms, p.cfg.Criteria) {
		out := models.PlatformOutcome{
			PlatformID: b.PlatformID,
			Listings:   len(b.Listings),
			Duration:   b.Duration,
		}
		if b.Err != nil {
			out.Error = b.Err.Error()
			out.ErrorKind = string(scraper.KindOf(b.Err))
			if scraper.KindOf(b.Err) == scraper.AuthFailure {
				p.logger.Error("%s rejected our credentials, operator attention needed: %v", b.PlatformID, b.Err)
				p.notify(ctx, notify.EventOperatorAttention, out, notify.PriorityCritical)
			}
		}
		report.Platforms[b.PlatformID] = out
		raws = append(raws, b.Listings...)
	}
	return raws
}

func (p *Pipeline) cancelled(report *models.CycleReport, raw int, cause error) (*models.CycleReport, error) {
	report.Cancelled = true
	report.RawListings = raw
	report.FinishedAt = p.now()
	p.logger.Warn("cycle %s cancelled after %d raw listings, nothing committed", report.CycleID, raw)
	return report, fmt.Errorf("pipeline: cycle %s cancelled: %w", report.CycleID, cause)
}

// commit links listings to their predecessors, stores them, builds the
// market view and stores one decision per primary listing and user.
func (p *Pipeline) commit(ctx context.Context, listings []models.CanonicalListing) ([]models.Decision, error) {
	repo := p.deps.Repo
	history, err := p.history(ctx, listings)
	if err != nil {
		return nil, err
	}
	for i := range listings {
		prev, ok, err := repo.LatestListing(ctx, listings[i].PlatformID, listings[i].ExternalID)
		if err != nil {
			return nil, fmt.Errorf("latest listing %s: %w", listings[i].Key(), err)
		}
		if ok {
			listings[i].SupersedesID = prev.ID
		}
	}
	if err := repo.SaveListings(ctx, listings); err != nil {
		return nil, fmt.Errorf("save listings: %w", err)
	}

	market := services.BuildMarket(p.now(), listings, history, p.deps.Collector.Stats(), p.cfg.Platforms)
	var decisions []models.Decision
	for _, l := range listings {
		if !l.IsPrimary() {
			continue
		}
		for _, u := range p.cfg.Users {
			decisions = append(decisions, p.deps.Engine.Score(l, u, market))
		}
	}
	if len(decisions) == 0 {
		return nil, nil
	}
	if err := repo.SaveDecisions(ctx, decisions); err != nil {
		return nil, fmt.Errorf("save decisions: %w", err)
	}
	return decisions, nil
}

// history loads stored listings for every event key seen this cycle.
func (p *Pipeline) history(ctx context.Context, listings []models.CanonicalListing) ([]models.CanonicalListing, error) {
	seen := make(map[string]bool)
	var out []models.CanonicalListing
	for _, l := range listings {
		if seen[l.CanonicalEventKey] {
			continue
		}
		seen[l.CanonicalEventKey] = true
		past, err := p.deps.Repo.ListingsForEvent(ctx, l.CanonicalEventKey)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", l.CanonicalEventKey, err)
		}
		out = append(out, past...)
	}
	return out, nil
}

// dispatch notifies recommendations and submits auto purchases. It returns
// how many purchases were handed on.
func (p *Pipeline) dispatch(ctx context.Context, decisions []models.Decision, listings []models.CanonicalListing) int {
	byID := make(map[string]models.CanonicalListing, len(listings))
	for _, l := range listings {
		byID[l.ID] = l
	}
	queued := 0
	for _, d := range decisions {
		l := byID[d.CanonicalListingID]
		switch d.Tier {
		case models.TierRecommend:
			p.notify(ctx, notify.EventRecommendation, recommendation(d, l), notify.PriorityNormal)
		case models.TierAutoPurchase:
			if p.deps.Executor == nil {
				p.logger.Warn("decision %s is auto_purchase but no executor is configured", d.ID)
				continue
			}
			if p.submit(ctx, d, l) {
				queued++
			}
		}
	}
	return queued
}

func (p *Pipeline) submit(ctx context.Context, d models.Decision, l models.CanonicalListing) bool {
	run := func(ctx context.Context) error {
		a, err := p.deps.Executor.Execute(ctx, d, l)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, services.ErrAuditCommit):
			return fmt.Errorf("%w: %v", queue.ErrPermanent, err)
		case a != nil:
			p.logger.Info("attempt %s for %s ended %s: %v", a.ID, l.Key(), a.State, err)
			return nil
		case errors.Is(err, services.ErrAttemptActive):
			p.logger.Info("%s already has an attempt running", l.Key())
			return nil
		default:
			return err
		}
	}

	if p.deps.Queue == nil {
		if err := run(ctx); err != nil {
			p.logger.Error("purchase of %s: %v", l.Key(), err)
		}
		return true
	}
	err := p.deps.Queue.Submit(queue.Job{
		Name:        "purchase " + d.ID,
		QueueName:   queue.PurchaseQueue,
		MaxAttempts: 1,
		Timeout:     p.cfg.PurchaseTimeout,
		Priority:    queue.PriorityHigh,
		Run:         run,
	})
	if err != nil {
		p.logger.Error("queue purchase of %s: %v", l.Key(), err)
		return false
	}
	return true
}

func (p *Pipeline) finish(ctx context.Context, report *models.CycleReport) {
	p.mu.Lock()
	p.latest = report
	p.mu.Unlock()

	if p.deps.Insights != nil {
		p.deps.Insights.Print(report)
	}
	p.logger.Info("cycle %s finished in %v: %d canonical, %d auto, %d recommend, %d queued",
		report.CycleID, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond), report.CanonicalCount,
		report.Tiers[models.TierAutoPurchase], report.Tiers[models.TierRecommend], report.PurchasesQueued)
	p.notify(ctx, notify.EventCycleCompleted, report, notify.PriorityLow)
}

// notify never fails the cycle; delivery problems are logged.
func (p *Pipeline) notify(ctx context.Context, eventType string, payload any, priority notify.Priority) {
	if err := p.deps.Notifier.Notify(ctx, eventType, payload, priority); err != nil {
		p.logger.Warn("notify %s: %v", eventType, err)
	}
}

// Recommendation is the payload of a recommend-tier notification.
type Recommendation struct {
	DecisionID string  `json:"decision_id"`
	ListingID  string  `json:"listing_id"`
	UserID     string  `json:"user_id"`
	PlatformID string  `json:"platform_id"`
	EventName  string  `json:"event_name"`
	PriceMinor int64   `json:"price_minor"`
	Currency   string  `json:"currency"`
	Score      float64 `json:"score"`
	URL        string  `json:"url"`
}

func recommendation(d models.Decision, l models.CanonicalListing) Recommendation {
	return Recommendation{
		DecisionID: d.ID,
		ListingID:  l.ID,
		UserID:     d.UserID,
		PlatformID: l.PlatformID,
		EventName:  l.EventName,
		PriceMinor: l.PriceMinor,
		Currency:   l.Currency,
		Score:      d.CompositeScore,
		URL:        l.SourceURL,
	}
}
