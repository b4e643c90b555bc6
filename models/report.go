package models

import "time"

// PlatformOutcome summarises one platform's part of a scrape cycle.
type PlatformOutcome struct {
	PlatformID string        `json:"platform_id"`
	Listings   int           `json:"listings"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// CycleReport holds the computed summary of one scrape cycle.
type CycleReport struct {
	CycleID          string                     `json:"cycle_id"`
	StartedAt        time.Time                  `json:"started_at"`
	FinishedAt       time.Time                  `json:"finished_at"`
	Cancelled        bool                       `json:"cancelled"`
	RawListings      int                        `json:"raw_listings"`
	CanonicalCount   int                        `json:"canonical_listings"`
	EventGroups      int                        `json:"event_groups"`
	ValidationFailed int                        `json:"validation_failed"`
	PriceOutOfBounds int                        `json:"price_out_of_bounds"`
	Platforms        map[string]PlatformOutcome `json:"platforms"`
	Tiers            map[Tier]int               `json:"tiers"`
	PurchasesQueued  int                        `json:"purchases_queued"`
	CheapestByEvent  map[string]int64           `json:"cheapest_by_event"`
	EventNames       map[string]string          `json:"event_names"`
}

// PlatformStats is the observed behaviour of a platform across scrape calls.
type PlatformStats struct {
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	Samples         int           `json:"samples"`
}
