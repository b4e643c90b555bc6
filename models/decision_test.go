package models

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestNewWeightsRejectsBadSums(t *testing.T) {
	tests := []struct {
		name    string
		w       [6]float64
		wantErr bool
	}{
		{"defaults", [6]float64{0.25, 0.20, 0.20, 0.15, 0.10, 0.10}, false},
		{"all price", [6]float64{1, 0, 0, 0, 0, 0}, false},
		{"short", [6]float64{0.25, 0.20, 0.20, 0.15, 0.10, 0}, true},
		{"over", [6]float64{0.5, 0.5, 0.5, 0, 0, 0}, true},
		{"negative", [6]float64{1.1, -0.1, 0, 0, 0, 0}, true},
	}
	for _, tt := range tests {
		_, err := NewWeights(tt.w[0], tt.w[1], tt.w[2], tt.w[3], tt.w[4], tt.w[5])
		if (err != nil) != tt.wantErr {
			t.Errorf("NewWeights(%s) error = %v; wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestCompositeStaysInBounds(t *testing.T) {
	w := DefaultWeights()
	if math.Abs(w.Sum()-1.0) > weightEpsilon {
		t.Fatalf("default weights sum = %v; want 1.0", w.Sum())
	}

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		f := DecisionFactors{
			PriceScore:          r.Float64() * 100,
			DemandScore:         r.Float64() * 100,
			PlatformScore:       r.Float64() * 100,
			TimingScore:         r.Float64() * 100,
			UserPreferenceScore: r.Float64() * 100,
			SuccessScore:        r.Float64() * 100,
		}
		got := w.Composite(f)
		if got < 0 || got > 100 {
			t.Fatalf("Composite(%+v) = %v; want within [0,100]", f, got)
		}
	}

	if got := w.Composite(DecisionFactors{PriceScore: 100, DemandScore: 100, PlatformScore: 100,
		TimingScore: 100, UserPreferenceScore: 100, SuccessScore: 100}); math.Abs(got-100) > 1e-9 {
		t.Errorf("Composite(all 100) = %v; want 100", got)
	}
}

func TestTierRankOrdering(t *testing.T) {
	if !(TierAutoPurchase.Rank() > TierRecommend.Rank() && TierRecommend.Rank() > TierIgnore.Rank()) {
		t.Error("tier ranks are not strictly ordered auto > recommend > ignore")
	}
}

func TestPurchaseAttemptTransitions(t *testing.T) {
	a := &PurchaseAttempt{ID: "pa_1", State: StatePending}
	now := time.Now()

	if err := a.Transition(StateSucceeded, now); err == nil {
		t.Error("pending -> succeeded should be rejected")
	}
	if err := a.Transition(StateInProgress, now); err != nil {
		t.Fatalf("pending -> in_progress: %v", err)
	}
	if err := a.Transition(StateFailed, now); err != nil {
		t.Fatalf("in_progress -> failed: %v", err)
	}
	if !a.State.Terminal() {
		t.Error("failed should be terminal")
	}
	if err := a.Transition(StatePending, now); err == nil {
		t.Error("terminal attempt must never be reopened")
	}
}

func TestPlatformConfigValidate(t *testing.T) {
	good := PlatformConfig{
		PlatformID: "ticketmaster", Kind: KindAPI, BaseURL: "https://api.example.invalid",
		RateLimitPerSecond: 2, RateLimitPerHour: 1000, MaxRetries: 3, RetryDelayMs: 500,
		ReliabilityMultiplier: 0.9, TimeoutMs: 10000,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := good
	bad.Kind = "ftp"
	bad.ReliabilityMultiplier = 1.5
	if err := bad.Validate(); err == nil {
		t.Error("config with unknown kind and reliability > 1 should be rejected")
	}
}
