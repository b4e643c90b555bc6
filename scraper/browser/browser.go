// Package browser scrapes marketplaces that only render listings as HTML.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"ticket-monitor/models"
	"ticket-monitor/scraper"
	"ticket-monitor/utils"
)

// Selector keys recognised in PlatformConfig.Selectors.
const (
	SelCard    = "card"
	SelName    = "name"
	SelVenue   = "venue"
	SelDate    = "date"
	SelPrice   = "price"
	SelSection = "section"
	SelLink    = "link"
	SelID      = "id_attr"
)

var defaultSelectors = map[string]string{
	SelCard:    "[data-testid=\"event-listing\"]",
	SelName:    "[data-testid=\"event-name\"]",
	SelVenue:   "[data-testid=\"venue\"]",
	SelDate:    "time",
	SelPrice:   "[data-testid=\"price\"]",
	SelSection: "[data-testid=\"section\"]",
	SelLink:    "a[href]",
	SelID:      "data-listing-id",
}

// settle is how long a page gets to run its scripts before extraction.
const settle = 3 * time.Second

// Card is what the extraction script returns for one result card.
type Card struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Venue   string `json:"venue"`
	Date    string `json:"date"`
	Price   string `json:"price"`
	Section string `json:"section"`
	URL     string `json:"url"`
}

// Adapter drives a headless Chrome against one marketplace's search page.
type Adapter struct {
	cfg       models.PlatformConfig
	selectors map[string]string
	execPath  string
	logger    *utils.Logger
	now       func() time.Time
}

// New creates a browser Adapter. Missing selectors fall back to defaults.
func New(cfg models.PlatformConfig, logger *utils.Logger) *Adapter {
	sel := make(map[string]string, len(defaultSelectors))
	for k, v := range defaultSelectors {
		sel[k] = v
	}
	for k, v := range cfg.Selectors {
		if strings.TrimSpace(v) != "" {
			sel[k] = v
		}
	}
	return &Adapter{
		cfg:       cfg,
		selectors: sel,
		execPath:  findChromeBinary(),
		logger:    logger.With(cfg.PlatformID),
		now:       time.Now,
	}
}

// Search implements scraper.Adapter. A fresh browser is started per call and
// torn down when ctx ends.
func (a *Adapter) Search(ctx context.Context, criteria models.SearchCriteria) ([]models.RawListing, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	if a.execPath != "" {
		opts = append(opts, chromedp.ExecPath(a.execPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	// Suppress chromedp log noise
	browserCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancel()

	pageURL := a.searchURL(criteria)
	a.logger.Debug("navigating to %s", pageURL)

	script, err := extractionScript(a.selectors, criteria.MaxResults)
	if err != nil {
		return nil, scraper.NewError(a.cfg.PlatformID, scraper.ParseFailure, err)
	}

	var cards []Card
	err = chromedp.Run(browserCtx,
		chromedp.Navigate(pageURL),
		chromedp.Sleep(settle),
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
		chromedp.Sleep(time.Second),
		chromedp.Evaluate(script, &cards),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, scraper.FromTransport(a.cfg.PlatformID, fmt.Errorf("chromedp page scrape: %w", err))
	}

	a.logger.Debug("found %d cards", len(cards))
	listings, err := ParseCards(cards, a.cfg.BaseURL, a.now())
	if err != nil {
		return nil, scraper.NewError(a.cfg.PlatformID, scraper.ParseFailure, err)
	}
	return listings, nil
}

func (a *Adapter) searchURL(c models.SearchCriteria) string {
	q := url.Values{}
	if c.Keyword != "" {
		q.Set("q", c.Keyword)
	}
	if c.City != "" {
		q.Set("city", c.City)
	}
	if !c.DateFrom.IsZero() {
		q.Set("date_from", c.DateFrom.Format(time.DateOnly))
	}
	if !c.DateTo.IsZero() {
		q.Set("date_to", c.DateTo.Format(time.DateOnly))
	}
	u := strings.TrimRight(a.cfg.BaseURL, "/") + a.cfg.SearchPath
	if len(q) == 0 {
		return u
	}
	return u + "?" + q.Encode()
}

// extractionScript builds the in-page JS that collects result cards.
func extractionScript(sel map[string]string, limit int) (string, error) {
	if limit <= 0 {
		limit = 200
	}
	b, err := json.Marshal(sel)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`
		(function() {
			var sel = %s;
			var limit = %d;
			var text = function(root, q) {
				var el = q ? root.querySelector(q) : null;
				return el ? (el.getAttribute('datetime') || el.innerText || '').trim() : '';
			};
			var results = [];
			var seen = {};
			var cards = document.querySelectorAll(sel.card);
			for (var i = 0; i < cards.length && results.length < limit; i++) {
				var card = cards[i];
				var link = card.querySelector(sel.link);
				var href = link ? link.href : '';
				var id = card.getAttribute(sel.id_attr) || href;
				if (!id || seen[id]) continue;
				seen[id] = true;
				results.push({
					id:      id,
					name:    text(card, sel.name),
					venue:   text(card, sel.venue),
					date:    text(card, sel.date),
					price:   text(card, sel.price),
					section: text(card, sel.section),
					url:     href
				});
			}
			return results;
		})()
	`, b, limit), nil
}

// ParseCards turns extracted cards into raw listings. Cards without an id or
// a readable price are kept with models.UnreadablePrice for the normalizer
// to count; a page where no card has a price is a parse failure.
func ParseCards(cards []Card, baseURL string, scrapedAt time.Time) ([]models.RawListing, error) {
	out := make([]models.RawListing, 0, len(cards))
	priced := 0
	for _, c := range cards {
		id := strings.TrimSpace(c.ID)
		currency, minor, err := scraper.ParseMoney(firstPrice(c.Price), "")
		if err != nil {
			minor = models.UnreadablePrice
		} else {
			priced++
		}
		link := strings.TrimSpace(c.URL)
		if link == "" && id != "" {
			link = strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(id)
		}
		out = append(out, models.RawListing{
			ExternalID:   id,
			EventName:    strings.TrimSpace(c.Name),
			Venue:        strings.TrimSpace(c.Venue),
			EventDate:    scraper.ParseDate(c.Date),
			PriceMinor:   minor,
			Currency:     currency,
			Availability: models.Available,
			Section:      strings.TrimSpace(c.Section),
			ScrapedAt:    scrapedAt,
			SourceURL:    link,
		})
	}
	if len(cards) > 0 && priced == 0 {
		return nil, fmt.Errorf("none of %d cards had a readable price", len(cards))
	}
	return out, nil
}

// firstPrice keeps the first line of a price cell ("$120\nper ticket").
func firstPrice(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "From ")
	return strings.TrimSpace(s)
}

// findChromeBinary looks for a Chrome/Chromium binary. CHROME_BIN wins.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
