package browser

import (
	"strings"
	"testing"
	"time"

	"ticket-monitor/models"
	"ticket-monitor/utils"
)

func TestParseCards(t *testing.T) {
	now := time.Now()
	cards := []Card{
		{ID: "L1", Name: " Lakers vs Warriors ", Venue: "Crypto.com Arena", Date: "2026-11-20T19:30:00Z",
			Price: "$245.00\nper ticket", Section: "Lower 112", URL: "https://tix.example/l/L1"},
		{ID: "L2", Name: "Lakers vs Warriors", Venue: "Crypto.com Arena", Date: "2026-11-20", Price: "From £99"},
		{ID: "L3", Name: "Sold out", Price: "Sold out"},
		{ID: "", Name: "no id", Price: "$10"},
	}
	got, err := ParseCards(cards, "https://tix.example/", now)
	if err != nil {
		t.Fatalf("ParseCards: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d; want every card passed on", len(got))
	}
	if got[2].PriceMinor != models.UnreadablePrice || got[3].ExternalID != "" {
		t.Errorf("unreadable cards = %+v, %+v; want marked for the normalizer", got[2], got[3])
	}
	if got[3].SourceURL != "" {
		t.Errorf("id-less card got url %q", got[3].SourceURL)
	}
	if got[0].EventName != "Lakers vs Warriors" || got[0].PriceMinor != 24500 || got[0].Section != "Lower 112" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Currency != "GBP" || got[1].PriceMinor != 9900 {
		t.Errorf("second price = %s %d; want GBP 9900", got[1].Currency, got[1].PriceMinor)
	}
	if got[1].SourceURL != "https://tix.example/L2" {
		t.Errorf("synthesised url = %q", got[1].SourceURL)
	}
}

func TestParseCardsAllUnreadable(t *testing.T) {
	_, err := ParseCards([]Card{{ID: "a", Price: "call"}}, "", time.Now())
	if err == nil {
		t.Error("expected an error when no card has a readable price")
	}
}

func TestExtractionScriptEmbedsSelectors(t *testing.T) {
	a := New(models.PlatformConfig{
		PlatformID: "vividseats",
		BaseURL:    "https://vivid.example",
		Selectors:  map[string]string{SelCard: ".production-listing"},
	}, utils.Discard())

	script, err := extractionScript(a.selectors, 25)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(script, `.production-listing`) {
		t.Error("custom card selector missing from script")
	}
	if !strings.Contains(script, "var limit = 25;") {
		t.Error("limit missing from script")
	}
	if !strings.Contains(script, "data-listing-id") {
		t.Error("default id attribute should survive a partial override")
	}
}

func TestSearchURL(t *testing.T) {
	a := New(models.PlatformConfig{PlatformID: "vividseats", BaseURL: "https://vivid.example/", SearchPath: "/search"}, utils.Discard())
	got := a.searchURL(models.SearchCriteria{Keyword: "lakers warriors"})
	if want := "https://vivid.example/search?q=lakers+warriors"; got != want {
		t.Errorf("searchURL = %q; want %q", got, want)
	}
}
