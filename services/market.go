package services

import (
	"math"
	"time"

	"ticket-monitor/models"
)

// Trend is the direction of an event's prices against its history.
type Trend string

const (
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
	TrendIncreasing Trend = "increasing"
)

// trendBand is the relative move needed before a trend is called.
const trendBand = 0.05

// DemandLevel buckets how contested an event looks.
type DemandLevel string

const (
	DemandVeryLow  DemandLevel = "very_low"
	DemandLow      DemandLevel = "low"
	DemandMedium   DemandLevel = "medium"
	DemandHigh     DemandLevel = "high"
	DemandVeryHigh DemandLevel = "very_high"
)

var demandScores = map[DemandLevel]float64{
	DemandVeryLow:  20,
	DemandLow:      40,
	DemandMedium:   60,
	DemandHigh:     80,
	DemandVeryHigh: 100,
}

// Score maps the level onto the 0..100 factor scale.
func (d DemandLevel) Score() float64 {
	if s, ok := demandScores[d]; ok {
		return s
	}
	return demandScores[DemandMedium]
}

// EventMarket summarises one canonical event across platforms.
type EventMarket struct {
	EventKey       string      `json:"event_key"`
	Listings       int         `json:"listings"`
	Platforms      int         `json:"platforms"`
	Scarce         int         `json:"scarce"`
	MinPriceMinor  int64       `json:"min_price_minor"`
	MeanPriceMinor float64     `json:"mean_price_minor"`
	HistoryMean    float64     `json:"history_mean"`
	HistoryStdDev  float64     `json:"history_stddev"`
	HistorySamples int         `json:"history_samples"`
	Trend          Trend       `json:"trend"`
	Demand         DemandLevel `json:"demand"`
}

// ScarcityRatio is the share of listings that are limited, on hold or sold out.
func (e EventMarket) ScarcityRatio() float64 {
	if e.Listings == 0 {
		return 0
	}
	return float64(e.Scarce) / float64(e.Listings)
}

// MarketSnapshot is the read-only market view the engine scores against.
type MarketSnapshot struct {
	Now         time.Time
	Events      map[string]EventMarket
	Platforms   map[string]models.PlatformStats
	Reliability map[string]float64
}

// Event returns the summary for key, or a neutral one when unknown.
func (m MarketSnapshot) Event(key string) EventMarket {
	if e, ok := m.Events[key]; ok {
		return e
	}
	return EventMarket{EventKey: key, Trend: TrendStable, Demand: DemandMedium}
}

// BuildMarket summarises the current cycle's listings against stored history
// for the same event keys.
func BuildMarket(now time.Time, current, history []models.CanonicalListing,
	stats map[string]models.PlatformStats, platforms []models.PlatformConfig) MarketSnapshot {
	snap := MarketSnapshot{
		Now:         now,
		Events:      make(map[string]EventMarket),
		Platforms:   stats,
		Reliability: make(map[string]float64, len(platforms)),
	}
	for _, p := range platforms {
		snap.Reliability[p.PlatformID] = p.ReliabilityMultiplier
	}

	byKey := make(map[string][]models.CanonicalListing)
	for _, l := range current {
		byKey[l.CanonicalEventKey] = append(byKey[l.CanonicalEventKey], l)
	}
	past := make(map[string][]float64)
	for _, l := range history {
		if _, ok := byKey[l.CanonicalEventKey]; ok {
			past[l.CanonicalEventKey] = append(past[l.CanonicalEventKey], float64(l.PriceMinor))
		}
	}

	for key, ls := range byKey {
		e := EventMarket{EventKey: key, MinPriceMinor: ls[0].PriceMinor}
		seen := make(map[string]bool)
		prices := make([]float64, 0, len(ls))
		for _, l := range ls {
			e.Listings++
			if !seen[l.PlatformID] {
				seen[l.PlatformID] = true
				e.Platforms++
			}
			if l.Availability != models.Available {
				e.Scarce++
			}
			if l.PriceMinor < e.MinPriceMinor {
				e.MinPriceMinor = l.PriceMinor
			}
			prices = append(prices, float64(l.PriceMinor))
		}
		e.MeanPriceMinor, _ = meanStdDev(prices)
		if h := past[key]; len(h) > 0 {
			e.HistoryMean, e.HistoryStdDev = meanStdDev(h)
			e.HistorySamples = len(h)
		}
		e.Trend = trendOf(e.MeanPriceMinor, e.HistoryMean)
		e.Demand = demandOf(e)
		snap.Events[key] = e
	}
	return snap
}

func trendOf(current, historical float64) Trend {
	if historical <= 0 {
		return TrendStable
	}
	switch change := (current - historical) / historical; {
	case change > trendBand:
		return TrendIncreasing
	case change < -trendBand:
		return TrendDecreasing
	}
	return TrendStable
}

// demandOf blends scarcity with how many platforms carry the event.
func demandOf(e EventMarket) DemandLevel {
	spread := math.Min(float64(e.Platforms)/3, 1)
	s := 0.7*e.ScarcityRatio() + 0.3*spread
	switch {
	case s >= 0.8:
		return DemandVeryHigh
	case s >= 0.6:
		return DemandHigh
	case s >= 0.4:
		return DemandMedium
	case s >= 0.2:
		return DemandLow
	}
	return DemandVeryLow
}

// meanStdDev returns the population mean and standard deviation.
func meanStdDev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	ss := 0.0
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}
