package models

import (
	"fmt"
	"math"
	"time"
)

// Tier is the action class the decision engine assigns to a listing.
type Tier string

const (
	TierAutoPurchase Tier = "auto_purchase"
	TierRecommend    Tier = "recommend"
	TierIgnore       Tier = "ignore"
)

// Rank orders tiers so that a higher rank is a stronger action.
func (t Tier) Rank() int {
	switch t {
	case TierAutoPurchase:
		return 2
	case TierRecommend:
		return 1
	}
	return 0
}

// DecisionFactors are the per-listing scoring inputs, each within [0,100].
type DecisionFactors struct {
	PriceScore          float64 `json:"price_score"`
	DemandScore         float64 `json:"demand_score"`
	PlatformScore       float64 `json:"platform_score"`
	TimingScore         float64 `json:"timing_score"`
	UserPreferenceScore float64 `json:"user_preference_score"`
	SuccessScore        float64 `json:"success_score"`
}

// Values lists the factors in weight order.
func (f DecisionFactors) Values() []float64 {
	return []float64{f.PriceScore, f.DemandScore, f.PlatformScore, f.TimingScore, f.UserPreferenceScore, f.SuccessScore}
}

// weightEpsilon is the tolerance for the weights-sum-to-one check.
const weightEpsilon = 1e-6

// Weights is the validated weighting of DecisionFactors. The zero value is
// not usable; build one with NewWeights or DefaultWeights.
type Weights struct {
	price, demand, platform, timing, preference, success float64
}

// NewWeights validates that every weight is non-negative and that they sum to 1.
func NewWeights(price, demand, platform, timing, preference, success float64) (Weights, error) {
	w := Weights{price, demand, platform, timing, preference, success}
	sum := 0.0
	for _, v := range w.values() {
		if v < 0 || math.IsNaN(v) {
			return Weights{}, fmt.Errorf("weights: negative or NaN weight %v", v)
		}
		sum += v
	}
	if math.Abs(sum-1.0) > weightEpsilon {
		return Weights{}, fmt.Errorf("weights: sum to %.6f, want 1.0", sum)
	}
	return w, nil
}

// DefaultWeights returns price 0.25, demand 0.20, platform 0.20, timing 0.15,
// preference 0.10 and success probability 0.10.
func DefaultWeights() Weights {
	return Weights{0.25, 0.20, 0.20, 0.15, 0.10, 0.10}
}

func (w Weights) values() []float64 {
	return []float64{w.price, w.demand, w.platform, w.timing, w.preference, w.success}
}

// Sum returns the total weight, 1.0 for any validated Weights.
func (w Weights) Sum() float64 {
	s := 0.0
	for _, v := range w.values() {
		s += v
	}
	return s
}

// Composite is the weighted sum of f, clamped to [0,100].
func (w Weights) Composite(f DecisionFactors) float64 {
	fv := f.Values()
	total := 0.0
	for i, v := range w.values() {
		total += v * clamp(fv[i], 0, 100)
	}
	return clamp(total, 0, 100)
}

// Decision is the immutable outcome of scoring one canonical listing.
type Decision struct {
	ID                 string          `json:"id"`
	CanonicalListingID string          `json:"canonical_listing_id"`
	UserID             string          `json:"user_id"`
	Factors            DecisionFactors `json:"factors"`
	CompositeScore     float64         `json:"composite_score"`
	Tier               Tier            `json:"tier"`
	Confidence         float64         `json:"confidence"`
	SuccessProbability float64         `json:"success_probability"`
	PriceVariance      float64         `json:"price_variance"`
	Reasons            []string        `json:"reasons,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
