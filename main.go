package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"ticket-monitor/api"
	"ticket-monitor/cache"
	"ticket-monitor/config"
	"ticket-monitor/guard"
	"ticket-monitor/models"
	"ticket-monitor/notify"
	"ticket-monitor/pipeline"
	"ticket-monitor/queue"
	"ticket-monitor/scraper"
	"ticket-monitor/scraper/browser"
	"ticket-monitor/scraper/mock"
	"ticket-monitor/scraper/ticketapi"
	"ticket-monitor/services"
	"ticket-monitor/storage"
	"ticket-monitor/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ticket-monitor: %v\n", err)
		os.Exit(1)
	}
}

// store is what every backend provides: the repository plus its audit table.
type store interface {
	storage.Repository
	storage.AuditWriter
}

func run() error {
	var (
		once       bool
		interval   time.Duration
		configPath string
		httpAddr   string
		dryRun     bool
	)
	flagSet := pflag.NewFlagSet("ticket-monitor", pflag.ContinueOnError)
	flagSet.BoolVar(&once, "once", false, "run one scrape cycle, purchases inline, then exit")
	flagSet.DurationVar(&interval, "interval", 0, "time between scrape cycles (default SCRAPE_INTERVAL)")
	flagSet.StringVar(&configPath, "config", "", "platform and threshold YAML file (default PLATFORMS_FILE)")
	flagSet.StringVar(&httpAddr, "http", "", `ops API address (default HTTP_ADDR, "off" disables it)`)
	flagSet.BoolVar(&dryRun, "dry-run", true, "confirm purchases without contacting any platform")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("dry-run") {
		cfg.DryRun = dryRun
	}
	if flagSet.Changed("interval") {
		if interval <= 0 {
			return fmt.Errorf("--interval must be positive, got %v", interval)
		}
		cfg.ScrapeInterval = interval
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}

	logger := utils.NewLogger()
	logger.SetLevel(cfg.Level())
	logger.Info("=== Ticket Monitor starting ===")
	logger.Info("Config: platforms: %d enabled | scrapers: %d | interval: %v | storage: %s | dry-run: %v",
		len(cfg.EnabledPlatforms()), cfg.MaxConcurrentScrapers, cfg.ScrapeInterval, cfg.DBDriver, cfg.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	csvAudit, err := storage.NewCSVAudit(cfg.AuditCSVPath)
	if err != nil {
		return err
	}
	defer csvAudit.Close()

	kv := cache.NewMemory()
	clients, purchasers := buildPlatforms(cfg, kv, logger)
	registry := scraper.NewRegistry(clients...)
	scheduler := scraper.NewScheduler(registry, cfg.MaxConcurrentScrapers, logger)

	hub := notify.NewHub(logger)
	recent := notify.NewRing(200)
	notifier := notify.Multi{notify.NewLog(logger), recent, hub}

	orch := services.NewOrchestrator(cfg.Safety, services.OrchestratorDeps{
		Store:      repo,
		Audit:      storage.NewTee(repo, logger, csvAudit),
		Purchasers: purchasers,
		Cache:      kv,
		Notifier:   notifier,
	}, logger)

	jobs := queue.NewLocal(cfg.QueueWorkers, logger)
	deps := pipeline.Deps{
		Collector:  scheduler,
		Normalizer: services.NewNormalizer(cfg.Normalizer, cfg.Platforms, logger),
		Engine:     services.NewEngine(cfg.Decision, logger),
		Executor:   orch,
		Repo:       repo,
		Queue:      jobs,
		Notifier:   notifier,
		Insights:   services.NewInsightService(logger),
	}
	if once {
		deps.Queue = nil
	}
	p := pipeline.New(pipeline.Config{
		Platforms:       cfg.Platforms,
		Criteria:        cfg.Criteria,
		Users:           cfg.Users,
		PurchaseTimeout: chainTimeout(cfg.Safety),
		CycleTimeout:    cfg.ScrapeInterval,
	}, deps, logger)

	if once {
		_, err := p.RunCycle(ctx)
		return err
	}

	done := make(chan struct{})
	go func() {
		jobs.Run(ctx)
		close(done)
	}()

	if cfg.HTTPAddr != "off" {
		gin.SetMode(gin.ReleaseMode)
		router := api.NewRouter(api.Deps{
			Repo:     repo,
			Cycles:   p,
			Queue:    jobs,
			Retrier:  orch,
			Breakers: orch.Breakers(),
			Hub:      hub,
			Recent:   recent,
		}, logger)
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("ops API listening on %s", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops API: %v", err)
				stop()
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				logger.Error("ops API shutdown: %v", err)
			}
		}()
	}

	schedule(ctx, p, jobs, cfg.ScrapeInterval, logger)
	<-done
	logger.Info("=== Ticket Monitor stopped ===")
	return nil
}

// schedule queues a cycle now and every interval after, skipping a tick
// while the previous cycle is still waiting to run.
func schedule(ctx context.Context, p *pipeline.Pipeline, jobs *queue.Local, interval time.Duration, logger *utils.Logger) {
	submit := func() {
		if jobs.Stats()[queue.ScrapeQueue].Pending > 0 {
			logger.Warn("previous cycle still queued, skipping this tick")
			return
		}
		if err := jobs.Submit(p.CycleJob(queue.PriorityNormal)); err != nil {
			logger.Error("queue cycle: %v", err)
		}
	}

	submit()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down: %v", context.Cause(ctx))
			return
		case <-ticker.C:
			submit()
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.DBDriver {
	case "postgres":
		return storage.NewPostgres(ctx, cfg.DSN())
	case "mysql":
		return storage.NewMySQL(cfg.MySQLDSN)
	}
	return storage.NewMemory(), nil
}

// buildPlatforms creates one rate-limited client per configured platform and
// the purchaser each platform supports. Browser-only marketplaces can be
// watched but not bought from unless purchases are dry runs.
func buildPlatforms(cfg *config.Config, kv cache.Store, logger *utils.Logger) ([]*scraper.Client, map[string]services.Purchaser) {
	var clients []*scraper.Client
	purchasers := make(map[string]services.Purchaser)
	dry := services.NewDryRunPurchaser(logger)

	for _, p := range cfg.Platforms {
		var adapter scraper.Adapter
		var buyer services.Purchaser
		switch p.Kind {
		case models.KindAPI:
			adapter = ticketapi.New(p)
			buyer = ticketapi.NewPurchaser(p)
		case models.KindBrowser:
			adapter = browser.New(p, logger)
		case models.KindMock:
			adapter = mock.New(mock.Options{PlatformID: p.PlatformID, BaseURL: p.BaseURL, Seed: 7})
			buyer = mock.NewPurchaser()
		}
		if cfg.DryRun {
			buyer = dry
		}
		if buyer != nil {
			purchasers[p.PlatformID] = buyer
		}

		limiter := guard.NewPlatformLimiter(p.PlatformID, p.RateLimitPerSecond, p.RateLimitPerHour, kv)
		clients = append(clients, scraper.NewClient(p, adapter, limiter, cfg.ScrapeBackoffMultiplier, logger))
	}
	return clients, purchasers
}

// chainTimeout bounds a queued purchase job: every attempt may use its full
// timeout plus the longest backoff before the next one.
func chainTimeout(s services.SafetyConfig) time.Duration {
	per := s.PurchaseTimeout + s.Retry.MaxDelay
	return time.Duration(s.MaxAutoRetries+1) * per
}
