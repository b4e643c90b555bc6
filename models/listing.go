package models

import "time"

// AvailabilityStatus is the stock state a marketplace reports for a listing.
type AvailabilityStatus string

const (
	Available AvailabilityStatus = "available"
	Limited   AvailabilityStatus = "limited"
	SoldOut   AvailabilityStatus = "sold_out"
	OnHold    AvailabilityStatus = "on_hold"
)

// Valid reports whether s is one of the known statuses.
func (s AvailabilityStatus) Valid() bool {
	switch s {
	case Available, Limited, SoldOut, OnHold:
		return true
	}
	return false
}

// SearchCriteria narrows what adapters fetch in a scrape cycle.
type SearchCriteria struct {
	Keyword       string
	Venue         string
	City          string
	DateFrom      time.Time
	DateTo        time.Time
	MaxPriceMinor int64
	MaxResults    int
}

// Key returns a stable string form used to join identical in-flight requests.
func (c SearchCriteria) Key() string {
	return c.Keyword + "|" + c.Venue + "|" + c.City + "|" +
		c.DateFrom.UTC().Format(time.DateOnly) + "|" + c.DateTo.UTC().Format(time.DateOnly)
}

// UnreadablePrice marks a RawListing whose price the adapter could not read.
// The normalizer rejects and counts such listings.
const UnreadablePrice int64 = -1

// RawListing holds one ticket offer exactly as an adapter produced it.
// It is immutable once returned and is consumed once by the normalizer.
type RawListing struct {
	PlatformID   string             `json:"platform_id"`
	ExternalID   string             `json:"external_id"`
	EventName    string             `json:"event_name"`
	Venue        string             `json:"venue"`
	EventDate    time.Time          `json:"event_date"`
	PriceMinor   int64              `json:"price_minor"`
	Currency     string             `json:"currency"`
	Availability AvailabilityStatus `json:"availability_status"`
	Section      string             `json:"section,omitempty"`
	Quantity     int                `json:"quantity,omitempty"`
	ScrapedAt    time.Time          `json:"scraped_at"`
	SourceURL    string             `json:"source_url"`
}

// Key identifies the offer on its platform.
func (r RawListing) Key() string {
	return r.PlatformID + ":" + r.ExternalID
}

// CanonicalListing is a validated, normalised listing linked to a
// cross-platform event group. A fresh scrape cycle never mutates an existing
// record; it appends a new one pointing back through SupersedesID.
type CanonicalListing struct {
	ID string `json:"id"`
	RawListing
	CanonicalEventKey string    `json:"canonical_event_key"`
	DuplicateOf       string    `json:"duplicate_of,omitempty"`
	QualityScore      float64   `json:"quality_score"`
	CycleID           string    `json:"cycle_id"`
	SupersedesID      string    `json:"supersedes_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// IsPrimary reports whether the listing leads its duplicate group.
func (c CanonicalListing) IsPrimary() bool {
	return c.DuplicateOf == ""
}

// UserPreference is a read-only snapshot of one user's buying preferences.
type UserPreference struct {
	UserID              string   `json:"user_id"`
	MaxTicketPriceMinor int64    `json:"max_ticket_price_minor"`
	PreferredSections   []string `json:"preferred_sections,omitempty"`
	PreferredPlatforms  []string `json:"preferred_platforms,omitempty"`
	AutoPurchaseEnabled bool     `json:"auto_purchase_enabled"`
}
