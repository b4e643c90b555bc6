package mock

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"ticket-monitor/models"
)

func fixedNow() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) }

func TestAdapterIsDeterministic(t *testing.T) {
	a := New(Options{PlatformID: "stubhub", Seed: 7, Now: fixedNow})
	b := New(Options{PlatformID: "stubhub", Seed: 7, Now: fixedNow})
	ctx := context.Background()

	x, _ := a.Search(ctx, models.SearchCriteria{})
	y, _ := b.Search(ctx, models.SearchCriteria{})
	if len(x) != len(fixtures)*3 {
		t.Fatalf("len = %d; want %d", len(x), len(fixtures)*3)
	}
	if !reflect.DeepEqual(x, y) {
		t.Error("same platform, seed and criteria must yield identical listings")
	}
}

func TestAdapterFilters(t *testing.T) {
	a := New(Options{PlatformID: "viagogo", PerEvent: 4, Now: fixedNow})
	ctx := context.Background()

	got, _ := a.Search(ctx, models.SearchCriteria{Keyword: "lakers"})
	if len(got) != 4 {
		t.Fatalf("keyword filter: len = %d; want 4", len(got))
	}
	for _, l := range got {
		if l.Venue != "Crypto.com Arena" {
			t.Errorf("unexpected venue %q for lakers search", l.Venue)
		}
	}

	got, _ = a.Search(ctx, models.SearchCriteria{MaxResults: 2})
	if len(got) != 2 {
		t.Errorf("MaxResults: len = %d; want 2", len(got))
	}

	got, _ = a.Search(ctx, models.SearchCriteria{DateTo: fixedNow().Add(7 * 24 * time.Hour)})
	for _, l := range got {
		if l.EventName != "Celtics vs Knicks" {
			t.Errorf("DateTo filter let %q through", l.EventName)
		}
	}
}

func TestAdapterHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(Options{PlatformID: "x"}).Search(ctx, models.SearchCriteria{}); err == nil {
		t.Error("expected ctx error")
	}
}

func TestPurchaserScript(t *testing.T) {
	boom := errors.New("boom")
	p := NewPurchaser(boom, nil)
	ctx := context.Background()

	if _, err := p.Purchase(ctx, models.PurchaseRequest{AttemptID: "a1"}); !errors.Is(err, boom) {
		t.Errorf("first call err = %v; want boom", err)
	}
	rec, err := p.Purchase(ctx, models.PurchaseRequest{AttemptID: "a2", AmountMinor: 900})
	if err != nil || rec.ConfirmationRef != "MOCK-a2" || rec.ChargedMinor != 900 {
		t.Errorf("second call = %+v, %v", rec, err)
	}
	if _, err := p.Purchase(ctx, models.PurchaseRequest{AttemptID: "a3"}); err != nil {
		t.Errorf("past end of script err = %v; want success", err)
	}
	if p.Calls() != 3 {
		t.Errorf("Calls() = %d; want 3", p.Calls())
	}
}
