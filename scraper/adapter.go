package scraper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"ticket-monitor/guard"
	"ticket-monitor/models"
	"ticket-monitor/utils"
)

// Adapter performs the platform-specific network call and parsing. It may
// return any error; Client turns it into an AdapterError.
type Adapter interface {
	Search(ctx context.Context, criteria models.SearchCriteria) ([]models.RawListing, error)
}

// AdapterFunc lets a plain function serve as an Adapter.
type AdapterFunc func(ctx context.Context, criteria models.SearchCriteria) ([]models.RawListing, error)

func (f AdapterFunc) Search(ctx context.Context, criteria models.SearchCriteria) ([]models.RawListing, error) {
	return f(ctx, criteria)
}

// throttleCoolOff pauses a platform after it answers 429.
const throttleCoolOff = 5 * time.Second

// Client is the rate-limited, retrying wrapper around one platform's Adapter.
type Client struct {
	cfg     models.PlatformConfig
	adapter Adapter
	limiter guard.RateLimiter
	retry   utils.RetryPolicy
	logger  *utils.Logger
}

// NewClient wires an adapter to its limiter. backoff is the multiplier applied
// to the platform's retry delay on each successive retry.
func NewClient(cfg models.PlatformConfig, adapter Adapter, limiter guard.RateLimiter, backoff float64, logger *utils.Logger) *Client {
	return &Client{
		cfg:     cfg,
		adapter: adapter,
		limiter: limiter,
		retry: utils.RetryPolicy{
			MaxAttempts: cfg.MaxRetries + 1,
			BaseDelay:   cfg.RetryDelay(),
			Multiplier:  backoff,
		},
		logger: logger.With(cfg.PlatformID),
	}
}

// Config returns the platform settings the client was built with.
func (c *Client) Config() models.PlatformConfig { return c.cfg }

// FetchListings honours the platform's rate limit before every call, bounds
// each call by its timeout and retries transient failures. Any error it
// returns is an *AdapterError.
func (c *Client) FetchListings(ctx context.Context, criteria models.SearchCriteria) ([]models.RawListing, error) {
	var out []models.RawListing
	err := c.retry.Do(ctx, "fetch "+c.cfg.PlatformID, c.logger, retryable, func(attempt int) error {
		listings, err := c.once(ctx, criteria)
		if err != nil {
			return err
		}
		out = listings
		return nil
	})
	if err != nil {
		var ae *AdapterError
		if errors.As(err, &ae) {
			if ae.Kind == AuthFailure {
				c.logger.Error("authentication rejected, operator attention required: %v", ae)
			}
			return nil, ae
		}
		return nil, FromTransport(c.cfg.PlatformID, err)
	}
	return out, nil
}

func (c *Client) once(ctx context.Context, criteria models.SearchCriteria) ([]models.RawListing, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if errors.Is(err, guard.ErrHourlyLimit) {
			return nil, &AdapterError{Platform: c.cfg.PlatformID, Kind: RateLimited, Permanent: true, Err: err}
		}
		return nil, c.cancelled(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	listings, err := c.adapter.Search(callCtx, criteria)
	if err != nil {
		if ctx.Err() != nil {
			return nil, c.cancelled(ctx.Err())
		}
		ae := FromTransport(c.cfg.PlatformID, err)
		if ae.Platform == "" {
			ae.Platform = c.cfg.PlatformID
		}
		if ae.Kind == RateLimited {
			c.limiter.Throttle(throttleCoolOff)
		}
		return nil, ae
	}
	c.limiter.Success()

	for i := range listings {
		listings[i].PlatformID = c.cfg.PlatformID
	}
	return listings, nil
}

// cancelled reports a caller-side cancellation: not retried, not a platform fault.
func (c *Client) cancelled(err error) *AdapterError {
	return &AdapterError{Platform: c.cfg.PlatformID, Kind: Unavailable, Permanent: true, Err: err}
}

func retryable(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

// Registry maps platform ids to their Clients.
type Registry struct {
	clients map[string]*Client
}

// NewRegistry creates a registry over the given clients.
func NewRegistry(clients ...*Client) *Registry {
	r := &Registry{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		r.clients[c.cfg.PlatformID] = c
	}
	return r
}

// FetchListings dispatches to the named platform's Client.
func (r *Registry) FetchListings(ctx context.Context, platformID string, criteria models.SearchCriteria) ([]models.RawListing, error) {
	c, ok := r.clients[platformID]
	if !ok {
		return nil, &AdapterError{Platform: platformID, Kind: Unavailable, Permanent: true,
			Err: fmt.Errorf("no adapter registered")}
	}
	return c.FetchListings(ctx, criteria)
}

// Platforms returns the registered configurations sorted by id.
func (r *Registry) Platforms() []models.PlatformConfig {
	out := make([]models.PlatformConfig, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlatformID < out[j].PlatformID })
	return out
}
