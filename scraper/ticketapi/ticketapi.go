// Package ticketapi talks to marketplaces that expose a JSON search API.
package ticketapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"ticket-monitor/models"
	"ticket-monitor/scraper"
)

const userAgent = "ticket-monitor/1.0"

// Adapter searches one JSON marketplace.
type Adapter struct {
	cfg     models.PlatformConfig
	baseURL string
	client  *resty.Client
	now     func() time.Time
}

// New creates an Adapter for cfg. The client carries no timeout of its own;
// the caller's context bounds every request.
func New(cfg models.PlatformConfig) *Adapter {
	return &Adapter{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  newClient(cfg),
		now:     time.Now,
	}
}

func newClient(cfg models.PlatformConfig) *resty.Client {
	client := resty.New()
	client.SetHeader("Accept", "application/json")
	client.SetHeader("User-Agent", userAgent)
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return client
}

type item struct {
	ID           json.RawMessage `json:"id"`
	EventName    string          `json:"event_name"`
	Name         string          `json:"name"`
	Venue        string          `json:"venue"`
	EventDate    string          `json:"event_date"`
	Date         string          `json:"date"`
	Price        json.RawMessage `json:"price"`
	Currency     string          `json:"currency"`
	Availability string          `json:"availability"`
	Section      string          `json:"section"`
	Quantity     int             `json:"quantity"`
	URL          string          `json:"url"`
}

// Search implements scraper.Adapter.
func (a *Adapter) Search(ctx context.Context, criteria models.SearchCriteria) ([]models.RawListing, error) {
	req := a.client.R().SetContext(ctx)
	setQuery(req, criteria)

	path := a.cfg.SearchPath
	if path == "" {
		path = "/events/search"
	}
	resp, err := req.Get(a.baseURL + path)
	if err != nil {
		return nil, scraper.FromTransport(a.cfg.PlatformID, err)
	}
	if resp.IsError() {
		return nil, scraper.FromStatus(a.cfg.PlatformID, resp.StatusCode(), resp.String())
	}

	listings, err := Parse(resp.Body(), a.now())
	if err != nil {
		return nil, scraper.NewError(a.cfg.PlatformID, scraper.ParseFailure, err)
	}
	for i := range listings {
		listings[i].PlatformID = a.cfg.PlatformID
		if listings[i].SourceURL == "" {
			listings[i].SourceURL = a.baseURL + "/events/" + listings[i].ExternalID
		}
	}
	if criteria.MaxResults > 0 && len(listings) > criteria.MaxResults {
		listings = listings[:criteria.MaxResults]
	}
	return listings, nil
}

func setQuery(req *resty.Request, c models.SearchCriteria) {
	if c.Keyword != "" {
		req.SetQueryParam("q", c.Keyword)
	}
	if c.Venue != "" {
		req.SetQueryParam("venue", c.Venue)
	}
	if c.City != "" {
		req.SetQueryParam("city", c.City)
	}
	if !c.DateFrom.IsZero() {
		req.SetQueryParam("date_from", c.DateFrom.Format(time.DateOnly))
	}
	if !c.DateTo.IsZero() {
		req.SetQueryParam("date_to", c.DateTo.Format(time.DateOnly))
	}
	if c.MaxPriceMinor > 0 {
		req.SetQueryParam("max_price", strconv.FormatInt(c.MaxPriceMinor, 10))
	}
	if c.MaxResults > 0 {
		req.SetQueryParam("limit", strconv.Itoa(c.MaxResults))
	}
}

// Parse decodes a search payload, accepting both {"listings":[...]} and a
// bare array. Only an undecodable payload is an error. Items without an id
// or a readable price are passed on for the normalizer to reject and count.
func Parse(body []byte, scrapedAt time.Time) ([]models.RawListing, error) {
	var items []item
	var wrapped struct {
		Listings []item `json:"listings"`
		Events   []item `json:"events"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		items = append(wrapped.Listings, wrapped.Events...)
	} else if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("search payload parse: %w", err)
	}

	out := make([]models.RawListing, 0, len(items))
	for _, it := range items {
		id := rawString(it.ID)
		currency, minor, err := parsePrice(it.Price, it.Currency)
		if err != nil {
			minor = models.UnreadablePrice
		}
		name := firstNonEmpty(it.EventName, it.Name)
		out = append(out, models.RawListing{
			ExternalID:   id,
			EventName:    strings.TrimSpace(name),
			Venue:        strings.TrimSpace(it.Venue),
			EventDate:    scraper.ParseDate(firstNonEmpty(it.EventDate, it.Date)),
			PriceMinor:   minor,
			Currency:     currency,
			Availability: parseAvailability(it.Availability),
			Section:      strings.TrimSpace(it.Section),
			Quantity:     it.Quantity,
			ScrapedAt:    scrapedAt,
			SourceURL:    strings.TrimSpace(it.URL),
		})
	}
	return out, nil
}

func parsePrice(raw json.RawMessage, currency string) (string, int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", 0, errors.New("missing price")
	}
	var obj struct {
		Amount   float64 `json:"amount"`
		Minor    *int64  `json:"minor"`
		Currency string  `json:"currency"`
	}
	if raw[0] == '{' {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", 0, fmt.Errorf("price object: %w", err)
		}
		cur := strings.ToUpper(firstNonEmpty(obj.Currency, currency, "USD"))
		if obj.Minor != nil {
			return cur, *obj.Minor, nil
		}
		return scraper.ParseMoney(strconv.FormatFloat(obj.Amount, 'f', -1, 64), cur)
	}
	return scraper.ParseMoney(rawString(raw), currency)
}

func parseAvailability(s string) models.AvailabilityStatus {
	st := models.AvailabilityStatus(strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "_")))
	switch {
	case st.Valid():
		return st
	case st == "soldout":
		return models.SoldOut
	case st == "":
		return models.Available
	}
	return models.Limited
}

// rawString unquotes a JSON string or returns a JSON number's literal.
func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Purchaser places orders through the marketplace's checkout endpoint.
type Purchaser struct {
	cfg     models.PlatformConfig
	baseURL string
	client  *resty.Client
}

// NewPurchaser creates a Purchaser for cfg.
func NewPurchaser(cfg models.PlatformConfig) *Purchaser {
	return &Purchaser{cfg: cfg, baseURL: strings.TrimRight(cfg.BaseURL, "/"), client: newClient(cfg)}
}

type orderResponse struct {
	Confirmation string `json:"confirmation"`
	Status       string `json:"status"`
	ChargedMinor int64  `json:"charged_minor"`
	Message      string `json:"message"`
}

// Purchase submits one order. Declined payments (402) and gone inventory
// (409, 410) come back as permanent errors; 429, 5xx and timeouts are
// retryable.
func (p *Purchaser) Purchase(ctx context.Context, req models.PurchaseRequest) (models.PurchaseReceipt, error) {
	path := p.cfg.PurchasePath
	if path == "" {
		path = "/orders"
	}
	var out orderResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(req).
		SetResult(&out).
		Post(p.baseURL + path)
	if err != nil {
		return models.PurchaseReceipt{}, scraper.FromTransport(p.cfg.PlatformID, err)
	}

	switch resp.StatusCode() {
	case http.StatusPaymentRequired, http.StatusConflict, http.StatusGone:
		e := scraper.FromStatus(p.cfg.PlatformID, resp.StatusCode(), resp.String())
		e.Permanent = true
		return models.PurchaseReceipt{}, e
	}
	if resp.IsError() {
		return models.PurchaseReceipt{}, scraper.FromStatus(p.cfg.PlatformID, resp.StatusCode(), resp.String())
	}
	if out.Confirmation == "" || (out.Status != "" && out.Status != "confirmed") {
		return models.PurchaseReceipt{}, &scraper.AdapterError{
			Platform:  p.cfg.PlatformID,
			Kind:      scraper.ParseFailure,
			Status:    resp.StatusCode(),
			Permanent: true,
			Err:       fmt.Errorf("order not confirmed: status=%q %s", out.Status, out.Message),
		}
	}
	charged := out.ChargedMinor
	if charged == 0 {
		charged = req.AmountMinor
	}
	return models.PurchaseReceipt{
		ConfirmationRef: out.Confirmation,
		ChargedMinor:    charged,
		CompletedAt:     resp.ReceivedAt(),
	}, nil
}
