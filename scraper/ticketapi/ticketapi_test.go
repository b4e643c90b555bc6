package ticketapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ticket-monitor/models"
	"ticket-monitor/scraper"
)

func TestParseAcceptsBothShapes(t *testing.T) {
	now := time.Now()
	wrapped := `{"listings":[{"id":1,"event_name":"Lakers vs Warriors","venue":"Crypto.com Arena",
		"event_date":"2026-11-20T19:30:00Z","price":"$250.00","availability":"limited","section":"112","quantity":2}]}`
	bare := `[{"id":"x9","name":"Lakers vs Warriors","venue":"Crypto.com Arena","date":"2026-11-20",
		"price":{"minor":24000,"currency":"usd"}}]`

	a, err := Parse([]byte(wrapped), now)
	if err != nil || len(a) != 1 {
		t.Fatalf("Parse(wrapped) = %v, %v", a, err)
	}
	if a[0].ExternalID != "1" || a[0].PriceMinor != 25000 || a[0].Availability != models.Limited || a[0].Quantity != 2 {
		t.Errorf("wrapped listing = %+v", a[0])
	}

	b, err := Parse([]byte(bare), now)
	if err != nil || len(b) != 1 {
		t.Fatalf("Parse(bare) = %v, %v", b, err)
	}
	if b[0].EventName != "Lakers vs Warriors" || b[0].PriceMinor != 24000 || b[0].Currency != "USD" {
		t.Errorf("bare listing = %+v", b[0])
	}
	if b[0].Availability != models.Available {
		t.Errorf("missing availability = %q; want available", b[0].Availability)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := Parse([]byte(`<html>`), time.Now()); err == nil {
		t.Error("Parse(html) should fail")
	}
}

func TestParseKeepsBatchWithBadItems(t *testing.T) {
	body := `{"listings":[
		{"id":"a1","event_name":"Lakers vs Warriors","venue":"Crypto.com Arena","event_date":"2026-11-20","price":"$120"},
		{"id":"a2","event_name":"Lakers vs Warriors","venue":"Crypto.com Arena","event_date":"2026-11-20","price":"$95.50"},
		{"id":"a3","event_name":"Lakers vs Warriors","venue":"Crypto.com Arena","event_date":"2026-11-20","price":null},
		{"event_name":"Lakers vs Warriors","venue":"Crypto.com Arena","event_date":"2026-11-20","price":"$80"}]}`

	got, err := Parse([]byte(body), time.Now())
	if err != nil {
		t.Fatalf("Parse = %v; one bad item must not fail the batch", err)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d; want 4", len(got))
	}
	if got[0].PriceMinor != 12000 || got[1].PriceMinor != 9550 {
		t.Errorf("valid prices = %d, %d", got[0].PriceMinor, got[1].PriceMinor)
	}
	if got[2].PriceMinor != models.UnreadablePrice {
		t.Errorf("null price = %d; want UnreadablePrice", got[2].PriceMinor)
	}
	if got[3].ExternalID != "" {
		t.Errorf("id-less item = %q", got[3].ExternalID)
	}
}

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/search" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("q") != "lakers" {
			t.Errorf("q = %q; want lakers", r.URL.Query().Get("q"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"a","event_name":"Lakers vs Warriors","venue":"Arena","event_date":"2026-11-20","price":100},
			{"id":"b","event_name":"Lakers vs Warriors","venue":"Arena","event_date":"2026-11-20","price":120}]`))
	}))
	defer srv.Close()

	cfg := models.PlatformConfig{PlatformID: "stubhub", BaseURL: srv.URL, SearchPath: "/v2/search", APIKey: "secret"}
	got, err := New(cfg).Search(context.Background(), models.SearchCriteria{Keyword: "lakers", MaxResults: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d; want MaxResults=1", len(got))
	}
	if got[0].PlatformID != "stubhub" || got[0].SourceURL != srv.URL+"/events/a" {
		t.Errorf("listing = %+v", got[0])
	}
}

func TestSearchMapsStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   scraper.ErrorKind
	}{
		{http.StatusTooManyRequests, scraper.RateLimited},
		{http.StatusForbidden, scraper.AuthFailure},
		{http.StatusBadGateway, scraper.Unavailable},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		cfg := models.PlatformConfig{PlatformID: "tickpick", BaseURL: srv.URL}
		_, err := New(cfg).Search(context.Background(), models.SearchCriteria{})
		if k := scraper.KindOf(err); k != tt.kind {
			t.Errorf("status %d: kind = %q; want %q", tt.status, k, tt.kind)
		}
		srv.Close()
	}
}

func TestPurchase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.PurchaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("Idempotency-Key") != req.IdempotencyKey {
			t.Errorf("Idempotency-Key header = %q; want %q", r.Header.Get("Idempotency-Key"), req.IdempotencyKey)
		}
		w.Header().Set("Content-Type", "application/json")
		switch req.ExternalID {
		case "declined":
			w.WriteHeader(http.StatusPaymentRequired)
		case "busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.Write([]byte(`{"confirmation":"CONF-1","status":"confirmed"}`))
		}
	}))
	defer srv.Close()

	p := NewPurchaser(models.PlatformConfig{PlatformID: "stubhub", BaseURL: srv.URL})
	ctx := context.Background()

	rec, err := p.Purchase(ctx, models.PurchaseRequest{IdempotencyKey: "k1", ExternalID: "ok", AmountMinor: 5000})
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if rec.ConfirmationRef != "CONF-1" || rec.ChargedMinor != 5000 {
		t.Errorf("receipt = %+v", rec)
	}

	_, err = p.Purchase(ctx, models.PurchaseRequest{IdempotencyKey: "k2", ExternalID: "declined"})
	if ae, ok := err.(*scraper.AdapterError); !ok || ae.Retryable() {
		t.Errorf("declined payment err = %v; want permanent AdapterError", err)
	}

	_, err = p.Purchase(ctx, models.PurchaseRequest{IdempotencyKey: "k3", ExternalID: "busy"})
	if ae, ok := err.(*scraper.AdapterError); !ok || !ae.Retryable() {
		t.Errorf("503 err = %v; want retryable AdapterError", err)
	}
}
