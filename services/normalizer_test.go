package services

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"ticket-monitor/models"
	"ticket-monitor/utils"
)

var gameNight = time.Date(2026, 11, 20, 19, 30, 0, 0, time.UTC)

func seqIDs() utils.IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("lst_%03d", n)
	}
}

func testPlatforms() []models.PlatformConfig {
	return []models.PlatformConfig{
		{PlatformID: "ticketmaster", ReliabilityMultiplier: 0.95},
		{PlatformID: "stubhub", ReliabilityMultiplier: 0.85},
		{PlatformID: "seatgeek", ReliabilityMultiplier: 0.80},
	}
}

func newTestNormalizer() *Normalizer {
	return NewNormalizer(DefaultNormalizerConfig(), testPlatforms(), utils.Discard()).WithIDs(seqIDs())
}

func raw(platform, id, name, venue string, date time.Time, price int64) models.RawListing {
	return models.RawListing{
		PlatformID:   platform,
		ExternalID:   id,
		EventName:    name,
		Venue:        venue,
		EventDate:    date,
		PriceMinor:   price,
		Currency:     "USD",
		Availability: models.Available,
		ScrapedAt:    gameNight.Add(-72 * time.Hour),
		SourceURL:    "https://" + platform + ".example/" + id,
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Lakers vs. Warriors", "lakers vs warriors"},
		{"LAKERS  v  WARRIORS", "lakers vs warriors"},
		{"Lakers versus Warriors", "lakers vs warriors"},
		{"Café Olé Théâtre", "cafe ole theatre"},
		{"The Forum at Inglewood", "forum inglewood"},
		{"Madison Square Gardén", "madison square garden"},
	}
	for _, tt := range tests {
		if got := NormalizeText(tt.in); got != tt.want {
			t.Errorf("NormalizeText(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestStringSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"abc", "abc", 1},
		{"", "", 1},
		{"abcd", "abce", 0.75},
		{"abc", "xyz", 0},
	}
	for _, tt := range tests {
		if got := StringSimilarity(tt.a, tt.b); got != tt.want {
			t.Errorf("StringSimilarity(%q, %q) = %v; want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

// Scenario A: one of three listings lacks a venue.
func TestProcessDropsInvalidListing(t *testing.T) {
	n := newTestNormalizer()
	raws := []models.RawListing{
		raw("ticketmaster", "tm1", "Lakers vs Warriors", "Crypto.com Arena", gameNight, 25000),
		raw("ticketmaster", "tm2", "Lakers vs Warriors", "Crypto.com Arena", gameNight, 31000),
		raw("ticketmaster", "tm3", "Lakers vs Warriors", "", gameNight, 19000),
	}

	res := n.Process(raws)
	if len(res.Listings) != 2 {
		t.Errorf("canonical listings = %d; want 2", len(res.Listings))
	}
	if res.ValidationFailed != 1 {
		t.Errorf("ValidationFailed = %d; want 1", res.ValidationFailed)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Field != "venue" {
		t.Errorf("Rejected = %+v; want venue failure", res.Rejected)
	}
}

// Scenario B: the same game on two platforms merges under one key with the
// more reliable platform's listing as primary.
func TestProcessMergesCrossPlatformDuplicates(t *testing.T) {
	n := newTestNormalizer()
	a := raw("stubhub", "sh-77", "LA Lakers vs Warriors", "Crypto.com Arena", gameNight, 24000)
	b := raw("ticketmaster", "tm-12", "Lakers vs Warriors", "Crypto.com Arena", gameNight, 26000)

	if s := Similarity(a, b); s <= 0.85 || s >= 1 {
		t.Fatalf("Similarity = %.3f; want in (0.85, 1)", s)
	}

	res := n.Process([]models.RawListing{a, b})
	if res.Groups != 1 {
		t.Fatalf("Groups = %d; want 1", res.Groups)
	}
	var primary, dup models.CanonicalListing
	for _, l := range res.Listings {
		if l.IsPrimary() {
			primary = l
		} else {
			dup = l
		}
	}
	if primary.PlatformID != "ticketmaster" {
		t.Errorf("primary platform = %q; want ticketmaster (higher reliability)", primary.PlatformID)
	}
	if dup.DuplicateOf != primary.ID {
		t.Errorf("DuplicateOf = %q; want %q", dup.DuplicateOf, primary.ID)
	}
	if primary.CanonicalEventKey == "" || primary.CanonicalEventKey != dup.CanonicalEventKey {
		t.Error("both listings must share a non-empty canonical event key")
	}
}

func TestProcessQualityBeatsReliability(t *testing.T) {
	n := newTestNormalizer()
	a := raw("seatgeek", "sg1", "Lakers vs Warriors", "Crypto.com Arena", gameNight, 24000)
	a.Section, a.Quantity = "112", 2
	b := raw("ticketmaster", "tm1", "Lakers vs Warriors", "Crypto.com Arena", gameNight, 26000)

	for _, l := range n.Process([]models.RawListing{a, b}).Listings {
		if l.IsPrimary() && l.PlatformID != "seatgeek" {
			t.Errorf("primary = %s; want the more complete seatgeek listing", l.PlatformID)
		}
	}
}

func TestProcessPriceBounds(t *testing.T) {
	n := newTestNormalizer()
	res := n.Process([]models.RawListing{
		raw("stubhub", "cheap", "Lakers vs Warriors", "Arena", gameNight, 50),
		raw("stubhub", "steep", "Lakers vs Warriors", "Arena", gameNight, 9_000_000),
		raw("stubhub", "fine", "Lakers vs Warriors", "Arena", gameNight, 15000),
	})
	if res.PriceOutOfBounds != 2 || len(res.Listings) != 1 {
		t.Errorf("PriceOutOfBounds = %d, listings = %d; want 2 and 1", res.PriceOutOfBounds, len(res.Listings))
	}
}

func TestProcessKeepsLatestPerExternalID(t *testing.T) {
	n := newTestNormalizer()
	old := raw("stubhub", "sh1", "Lakers vs Warriors", "Arena", gameNight, 20000)
	fresh := old
	fresh.PriceMinor = 21000
	fresh.ScrapedAt = old.ScrapedAt.Add(time.Minute)

	res := n.Process([]models.RawListing{old, fresh})
	if len(res.Listings) != 1 || res.Listings[0].PriceMinor != 21000 {
		t.Errorf("listings = %+v; want only the fresher record", res.Listings)
	}
}

func TestDeduplicateKeepsDifferentEventsApart(t *testing.T) {
	n := newTestNormalizer()
	res := n.Process([]models.RawListing{
		raw("stubhub", "a", "Lakers vs Warriors", "Crypto.com Arena", gameNight, 20000),
		raw("ticketmaster", "b", "Lakers vs Warriors", "Crypto.com Arena", gameNight.Add(48*time.Hour), 20000),
		raw("seatgeek", "c", "Celtics vs Knicks", "TD Garden", gameNight, 20000),
	})
	if res.Groups != 3 {
		t.Errorf("Groups = %d; want 3 (different day, different event)", res.Groups)
	}
}

func TestDeduplicateSamePlatformNeedsExactMatch(t *testing.T) {
	n := newTestNormalizer()
	res := n.Process([]models.RawListing{
		raw("stubhub", "a", "Lakers vs Warriors", "Crypto.com Arena", gameNight, 20000),
		raw("stubhub", "b", "Lakers v Warriors", "Crypto.com Arena", gameNight, 22000),
		raw("stubhub", "c", "LA Lakers vs Warriors", "Crypto.com Arena", gameNight, 22000),
	})
	if res.Groups != 2 {
		t.Errorf("Groups = %d; want 2 (a and b normalise equal, c is only similar)", res.Groups)
	}
}

func groupsOf(ls []models.CanonicalListing) map[string]string {
	out := make(map[string]string, len(ls))
	for _, l := range ls {
		out[l.Key()] = l.CanonicalEventKey + "/" + l.DuplicateOf
	}
	return out
}

// P1: deduplicating canonical output again changes nothing.
func TestDeduplicateIsIdempotent(t *testing.T) {
	names := []string{"Lakers vs Warriors", "LA Lakers vs Warriors", "Lakers v. Warriors", "Celtics vs Knicks", "Celtics v Knicks"}
	venues := []string{"Crypto.com Arena", "Crypto.com Arena ", "TD Garden"}
	platforms := []string{"ticketmaster", "stubhub", "seatgeek"}
	r := rand.New(rand.NewSource(42))

	for round := 0; round < 25; round++ {
		var raws []models.RawListing
		for i := 0; i < 12; i++ {
			l := raw(platforms[r.Intn(len(platforms))], fmt.Sprintf("x%d", i),
				names[r.Intn(len(names))], venues[r.Intn(len(venues))],
				gameNight.Add(time.Duration(r.Intn(2))*24*time.Hour), int64(10000+r.Intn(20000)))
			if r.Intn(2) == 0 {
				l.Section = "101"
			}
			raws = append(raws, l)
		}
		n := newTestNormalizer()
		once := n.Process(raws).Listings
		twice := n.Deduplicate(once)

		g1, g2 := groupsOf(once), groupsOf(twice)
		for k, v := range g1 {
			if g2[k] != v {
				t.Fatalf("round %d: %s grouped %q then %q", round, k, v, g2[k])
			}
		}
	}
}

func TestDeduplicateIsOrderIndependent(t *testing.T) {
	raws := []models.RawListing{
		raw("stubhub", "a", "LA Lakers vs Warriors", "Crypto.com Arena", gameNight, 24000),
		raw("ticketmaster", "b", "Lakers vs Warriors", "Crypto.com Arena", gameNight, 26000),
		raw("seatgeek", "c", "Lakers v Warriors", "Crypto.com Arena", gameNight, 25000),
	}
	reversed := []models.RawListing{raws[2], raws[1], raws[0]}

	a := newTestNormalizer().Process(raws).Listings
	b := newTestNormalizer().Process(reversed).Listings

	keyOf := func(ls []models.CanonicalListing) map[string]string {
		out := map[string]string{}
		for _, l := range ls {
			out[l.Key()] = l.CanonicalEventKey
		}
		return out
	}
	ka, kb := keyOf(a), keyOf(b)
	for k := range ka {
		if ka[k] != kb[k] {
			t.Errorf("%s: key %q vs %q depends on input order", k, ka[k], kb[k])
		}
	}
}

func TestDeduplicateKeepsSamePlatformOffersPrimary(t *testing.T) {
	n := newTestNormalizer()
	res := n.Process([]models.RawListing{
		raw("ticketmaster", "tm-a", "Lakers vs Warriors", "Crypto.com Arena", gameNight, 40000),
		raw("ticketmaster", "tm-b", "Lakers vs Warriors", "Crypto.com Arena", gameNight, 5000),
		raw("stubhub", "sh-1", "Lakers vs Warriors", "Crypto.com Arena", gameNight, 30000),
	})
	if res.Groups != 1 {
		t.Fatalf("Groups = %d; want 1", res.Groups)
	}
	byKey := make(map[string]models.CanonicalListing)
	for _, l := range res.Listings {
		byKey[l.Key()] = l
	}
	a, b := byKey["ticketmaster:tm-a"], byKey["ticketmaster:tm-b"]
	if !a.IsPrimary() || !b.IsPrimary() {
		t.Errorf("same-platform offers: tm-a dup %q, tm-b dup %q; want both primary", a.DuplicateOf, b.DuplicateOf)
	}
	sh := byKey["stubhub:sh-1"]
	if sh.DuplicateOf != a.ID && sh.DuplicateOf != b.ID {
		t.Errorf("stubhub DuplicateOf = %q; want one of the ticketmaster offers", sh.DuplicateOf)
	}
	if a.CanonicalEventKey != b.CanonicalEventKey || a.CanonicalEventKey != sh.CanonicalEventKey {
		t.Error("all three offers must share the event key")
	}
}

func TestEventKeyIgnoresPrimaryChoice(t *testing.T) {
	a := raw("stubhub", "sh-77", "LA Lakers vs Warriors", "Crypto.com Arena", gameNight, 24000)
	b := raw("ticketmaster", "tm-12", "Lakers vs Warriors", "Crypto.com Arena", gameNight, 26000)

	first := newTestNormalizer().Process([]models.RawListing{a, b}).Listings
	a.Section, a.Quantity = "112", 2
	second := newTestNormalizer().Process([]models.RawListing{a, b}).Listings

	primaryOf := func(ls []models.CanonicalListing) string {
		for _, l := range ls {
			if l.IsPrimary() {
				return l.PlatformID
			}
		}
		return ""
	}
	if primaryOf(first) == primaryOf(second) {
		t.Fatalf("primary stayed %s; the richer stubhub listing should take over", primaryOf(first))
	}
	if first[0].CanonicalEventKey != second[0].CanonicalEventKey {
		t.Errorf("event key %q became %q when the primary changed", first[0].CanonicalEventKey, second[0].CanonicalEventKey)
	}
}

func TestProcessCountsUnreadableItems(t *testing.T) {
	n := newTestNormalizer()
	noPrice := raw("stubhub", "sh-3", "Lakers vs Warriors", "Crypto.com Arena", gameNight, models.UnreadablePrice)
	noID := raw("stubhub", "", "Lakers vs Warriors", "Crypto.com Arena", gameNight, 8000)
	res := n.Process([]models.RawListing{
		raw("stubhub", "sh-1", "Lakers vs Warriors", "Crypto.com Arena", gameNight, 12000),
		raw("stubhub", "sh-2", "Lakers vs Warriors", "Crypto.com Arena", gameNight, 9550),
		noPrice,
		noID,
	})
	if len(res.Listings) != 2 || res.ValidationFailed != 2 {
		t.Errorf("listings = %d, validation failures = %d; want 2 and 2", len(res.Listings), res.ValidationFailed)
	}
}
