// Package mock provides offline marketplace stand-ins for demos and tests.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"ticket-monitor/models"
)

type fixture struct {
	name     string
	venue    string
	variant  string
	inDays   int
	baseCost int64
}

var fixtures = []fixture{
	{"Lakers vs Warriors", "Crypto.com Arena", "Lakers v Warriors", 12, 18000},
	{"Yankees vs Red Sox", "Yankee Stadium", "Yankees vs. Red Sox", 30, 9500},
	{"Chiefs vs Bills", "Arrowhead Stadium", "Chiefs versus Bills", 45, 22000},
	{"Celtics vs Knicks", "TD Garden", "Celtics vs Knicks", 5, 14000},
	{"Dodgers vs Giants", "Dodger Stadium", "Dodgers v. Giants", 70, 6500},
}

var sections = []string{"Floor", "Lower 112", "Lower 118", "Club 205", "Upper 310"}

// Adapter produces synthetic listings. Output depends only on the platform
// id, seed, criteria and the injected clock, so it is repeatable.
type Adapter struct {
	platformID string
	baseURL    string
	seed       int64
	perEvent   int
	now        func() time.Time
}

// Options configures an Adapter.
type Options struct {
	PlatformID string
	BaseURL    string // used only to synthesise URLs
	Seed       int64
	PerEvent   int // listings per event, default 3
	Now        func() time.Time
}

// New creates a mock Adapter.
func New(opts Options) *Adapter {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = "https://" + opts.PlatformID + ".invalid"
	}
	per := opts.PerEvent
	if per <= 0 {
		per = 3
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		platformID: opts.PlatformID,
		baseURL:    strings.TrimRight(base, "/"),
		seed:       opts.Seed,
		perEvent:   per,
		now:        now,
	}
}

// Search implements scraper.Adapter.
func (m *Adapter) Search(ctx context.Context, criteria models.SearchCriteria) ([]models.RawListing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := m.now()
	day := now.Truncate(24 * time.Hour)
	h := fnv64(m.platformID + "|" + criteria.Key())
	r := rand.New(rand.NewSource(int64(h) ^ m.seed))
	kw := strings.ToLower(strings.TrimSpace(criteria.Keyword))

	var out []models.RawListing
	for fi, f := range fixtures {
		if kw != "" && !strings.Contains(strings.ToLower(f.name), kw) {
			continue
		}
		name := f.name
		if r.Intn(2) == 1 {
			name = f.variant
		}
		date := day.Add(time.Duration(f.inDays)*24*time.Hour + 19*time.Hour + 30*time.Minute)
		if !criteria.DateFrom.IsZero() && date.Before(criteria.DateFrom) {
			continue
		}
		if !criteria.DateTo.IsZero() && date.After(criteria.DateTo) {
			continue
		}
		for i := 0; i < m.perEvent; i++ {
			price := f.baseCost + int64(r.Intn(int(f.baseCost/2)+1)) - f.baseCost/5
			if criteria.MaxPriceMinor > 0 && price > criteria.MaxPriceMinor {
				continue
			}
			id := fmt.Sprintf("%s-%d%03d", m.platformID, fi+1, i+1)
			avail := models.Available
			if r.Intn(5) == 0 {
				avail = models.Limited
			}
			out = append(out, models.RawListing{
				PlatformID:   m.platformID,
				ExternalID:   id,
				EventName:    name,
				Venue:        f.venue,
				EventDate:    date,
				PriceMinor:   price,
				Currency:     "USD",
				Availability: avail,
				Section:      sections[r.Intn(len(sections))],
				Quantity:     1 + r.Intn(4),
				ScrapedAt:    now,
				SourceURL:    m.baseURL + "/listings/" + url.PathEscape(id),
			})
			if criteria.MaxResults > 0 && len(out) >= criteria.MaxResults {
				return out, nil
			}
		}
	}
	return out, nil
}

// fnv64 returns a simple 64-bit hash for deterministic mock data.
func fnv64(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	var h uint64 = offset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// Purchaser replays a script of outcomes, one per call. A nil entry, or any
// call past the end of the script, succeeds with a synthetic confirmation.
type Purchaser struct {
	mu       sync.Mutex
	script   []error
	requests []models.PurchaseRequest
	delay    time.Duration
}

// NewPurchaser creates a Purchaser that returns the given outcomes in order.
func NewPurchaser(script ...error) *Purchaser {
	return &Purchaser{script: script}
}

// WithDelay makes every call block for d (or until ctx ends).
func (p *Purchaser) WithDelay(d time.Duration) *Purchaser {
	p.delay = d
	return p
}

func (p *Purchaser) Purchase(ctx context.Context, req models.PurchaseRequest) (models.PurchaseReceipt, error) {
	if p.delay > 0 {
		t := time.NewTimer(p.delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return models.PurchaseReceipt{}, ctx.Err()
		}
	}

	p.mu.Lock()
	n := len(p.requests)
	p.requests = append(p.requests, req)
	var err error
	if n < len(p.script) {
		err = p.script[n]
	}
	p.mu.Unlock()

	if err != nil {
		return models.PurchaseReceipt{}, err
	}
	return models.PurchaseReceipt{
		ConfirmationRef: "MOCK-" + req.AttemptID,
		ChargedMinor:    req.AmountMinor,
		CompletedAt:     time.Now(),
	}, nil
}

// Calls returns how many purchases were attempted.
func (p *Purchaser) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Requests returns a copy of every request received.
func (p *Purchaser) Requests() []models.PurchaseRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.PurchaseRequest(nil), p.requests...)
}
