package services

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"ticket-monitor/models"
	"ticket-monitor/utils"
)

func sampleResult() Result {
	mk := func(id, key, name string, price int64, dupOf string) models.CanonicalListing {
		return models.CanonicalListing{
			ID:                id,
			RawListing:        models.RawListing{EventName: name, PriceMinor: price},
			CanonicalEventKey: key,
			DuplicateOf:       dupOf,
		}
	}
	return Result{
		Listings: []models.CanonicalListing{
			mk("l1", "evt_a", "Lakers vs Warriors", 24000, ""),
			mk("l2", "evt_a", "LA Lakers vs Warriors", 21000, "l1"),
			mk("l3", "evt_b", "Celtics vs Knicks", 18000, ""),
		},
		Groups:           2,
		ValidationFailed: 1,
	}
}

func TestInsightCounts(t *testing.T) {
	svc := NewInsightService(utils.Discard())
	r := &models.CycleReport{CycleID: "cyc_1"}
	svc.Generate(r, 5, sampleResult(), []models.Decision{
		{Tier: models.TierRecommend}, {Tier: models.TierRecommend}, {Tier: models.TierIgnore},
	})

	if r.RawListings != 5 || r.CanonicalCount != 3 || r.EventGroups != 2 || r.ValidationFailed != 1 {
		t.Errorf("counts = %+v", r)
	}
	if r.Tiers[models.TierRecommend] != 2 || r.Tiers[models.TierIgnore] != 1 {
		t.Errorf("Tiers = %v; want recommend 2, ignore 1", r.Tiers)
	}
}

func TestInsightCheapestByEvent(t *testing.T) {
	svc := NewInsightService(utils.Discard())
	r := &models.CycleReport{}
	svc.Generate(r, 3, sampleResult(), nil)

	if got := r.CheapestByEvent["evt_a"]; got != 21000 {
		t.Errorf("cheapest evt_a = %d; want 21000 from the duplicate", got)
	}
	if got := r.EventNames["evt_a"]; got != "Lakers vs Warriors" {
		t.Errorf("name evt_a = %q; want the primary's name", got)
	}
	order := cheapest(r)
	if len(order) != 2 || order[0].key != "evt_b" {
		t.Errorf("cheapest order = %+v; want evt_b first", order)
	}
}

func TestInsightPrint(t *testing.T) {
	var buf bytes.Buffer
	svc := NewInsightService(utils.Discard()).WithOutput(&buf)
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	r := &models.CycleReport{
		CycleID:    "cyc_1",
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		Platforms: map[string]models.PlatformOutcome{
			"stubhub":  {PlatformID: "stubhub", Listings: 3},
			"seatgeek":  {PlatformID: "seatgeek", Error: "seatgeek: timeout", ErrorKind: "timeout"},
		},
	}
	svc.Generate(r, 3, sampleResult(), nil)
	svc.Print(r)

	out := buf.String()
	for _, want := range []string{"cyc_1", "stubhub", "timeout", "Celtics vs Knicks", "180.00"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("Madison Square Garden", 10); got != "Madison..." {
		t.Errorf("truncate = %q; want %q", got, "Madison...")
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q; want short", got)
	}
}
