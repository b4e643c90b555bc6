package services

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"ticket-monitor/models"
	"ticket-monitor/utils"
)

// DecisionConfig holds the engine's weights, tier thresholds and risk gate.
type DecisionConfig struct {
	Weights                models.Weights
	AutoPurchaseMinScore   float64
	RecommendationMinScore float64
	MinSuccessProbability  float64
	MaxPriceVariance       float64
	// DefaultBudgetMinor is the price reference when the user set no maximum.
	DefaultBudgetMinor int64
}

// DefaultDecisionConfig returns thresholds 80/50, probability 0.7 and
// variance 0.3.
func DefaultDecisionConfig() DecisionConfig {
	return DecisionConfig{
		Weights:                models.DefaultWeights(),
		AutoPurchaseMinScore:   80,
		RecommendationMinScore: 50,
		MinSuccessProbability:  0.7,
		MaxPriceVariance:       0.3,
		DefaultBudgetMinor:     100_000,
	}
}

// Validate rejects inconsistent thresholds.
func (c DecisionConfig) Validate() error {
	if math.Abs(c.Weights.Sum()-1) > 1e-6 {
		return fmt.Errorf("decision: weights sum to %.6f, want 1.0", c.Weights.Sum())
	}
	if c.RecommendationMinScore > c.AutoPurchaseMinScore {
		return fmt.Errorf("decision: recommendation_min_score %.1f above auto_purchase_min_score %.1f",
			c.RecommendationMinScore, c.AutoPurchaseMinScore)
	}
	if c.MinSuccessProbability < 0 || c.MinSuccessProbability > 1 {
		return fmt.Errorf("decision: min_success_probability %.2f outside [0,1]", c.MinSuccessProbability)
	}
	if c.MaxPriceVariance < 0 {
		return fmt.Errorf("decision: max_price_variance must not be negative")
	}
	return nil
}

var trendMultiplier = map[Trend]float64{
	TrendDecreasing: 1.2,
	TrendStable:     1.0,
	TrendIncreasing: 0.8,
}

type eventCategory struct {
	name string
	re   *regexp.Regexp
	rate float64
}

var eventCategories = []eventCategory{
	{"concert", regexp.MustCompile(`concert|music|band|singer`), 75},
	{"sports", regexp.MustCompile(`game|match|sports|football|basketball|baseball|hockey|\bvs\b`), 80},
	{"theater", regexp.MustCompile(`theater|theatre|play|musical|opera`), 70},
	{"festival", regexp.MustCompile(`festival|fest|fair`), 65},
}

const otherEventRate = 70

// defaults when a platform has no scrape history yet
const (
	defaultSuccessRate = 0.8
	defaultLatency     = time.Second
)

// RiskInputs are the conditions the risk gate looks at.
type RiskInputs struct {
	SuccessProbability  float64
	PriceVariance       float64
	AutoPurchaseEnabled bool
}

// Engine scores canonical listings. It has no side effects.
type Engine struct {
	cfg    DecisionConfig
	ids    utils.IDGenerator
	logger *utils.Logger
}

// NewEngine creates an Engine with validated configuration.
func NewEngine(cfg DecisionConfig, logger *utils.Logger) *Engine {
	return &Engine{cfg: cfg, ids: utils.Prefixed("dec_", utils.UUIDv7()), logger: logger.With("engine")}
}

// WithIDs replaces the decision ID generator.
func (e *Engine) WithIDs(gen utils.IDGenerator) *Engine {
	e.ids = gen
	return e
}

// Config returns the engine's thresholds.
func (e *Engine) Config() DecisionConfig { return e.cfg }

// Score derives the factors for l, combines them and classifies the result.
func (e *Engine) Score(l models.CanonicalListing, pref models.UserPreference, market MarketSnapshot) models.Decision {
	ev := market.Event(l.CanonicalEventKey)
	stats, observed := market.Platforms[l.PlatformID]
	successRate, latency := defaultSuccessRate, defaultLatency
	if observed && stats.Samples > 0 {
		successRate, latency = stats.SuccessRate, stats.AvgResponseTime
	}

	prob := successProbability(successRate, l.EventName, l.PriceMinor)
	f := models.DecisionFactors{
		PriceScore:          e.priceScore(l.PriceMinor, pref, ev.Trend),
		DemandScore:         ev.Demand.Score(),
		PlatformScore:       platformScore(successRate, market.Reliability[l.PlatformID], latency),
		TimingScore:         timingScore(l.EventDate, market.Now),
		UserPreferenceScore: preferenceScore(l, pref),
		SuccessScore:        prob * 100,
	}
	composite := e.cfg.Weights.Composite(f)

	variance := 0.0
	if ev.HistorySamples > 0 && ev.HistoryMean > 0 {
		variance = math.Abs(float64(l.PriceMinor)-ev.HistoryMean) / ev.HistoryMean
	}

	tier, reasons := e.Classify(composite, RiskInputs{
		SuccessProbability:  prob,
		PriceVariance:       variance,
		AutoPurchaseEnabled: pref.AutoPurchaseEnabled,
	})

	e.logger.Debug("%s scored %.1f (p=%.2f var=%.2f) -> %s", l.Key(), composite, prob, variance, tier)

	return models.Decision{
		ID:                 e.ids(),
		CanonicalListingID: l.ID,
		UserID:             pref.UserID,
		Factors:            f,
		CompositeScore:     composite,
		Tier:               tier,
		Confidence:         confidence(f),
		SuccessProbability: prob,
		PriceVariance:      variance,
		Reasons:            reasons,
		CreatedAt:          market.Now,
	}
}

// Classify maps a composite score to a tier and applies the risk gate. An
// auto_purchase score is downgraded to recommend when the gate trips; score
// alone never bypasses it.
func (e *Engine) Classify(score float64, risk RiskInputs) (models.Tier, []string) {
	switch {
	case score >= e.cfg.AutoPurchaseMinScore:
	case score >= e.cfg.RecommendationMinScore:
		return models.TierRecommend, nil
	default:
		return models.TierIgnore, nil
	}

	var reasons []string
	if risk.SuccessProbability < e.cfg.MinSuccessProbability {
		reasons = append(reasons, fmt.Sprintf("success probability %.2f below %.2f",
			risk.SuccessProbability, e.cfg.MinSuccessProbability))
	}
	if risk.PriceVariance > e.cfg.MaxPriceVariance {
		reasons = append(reasons, fmt.Sprintf("price variance %.2f above %.2f",
			risk.PriceVariance, e.cfg.MaxPriceVariance))
	}
	if !risk.AutoPurchaseEnabled {
		reasons = append(reasons, "auto purchase disabled for user")
	}
	if len(reasons) > 0 {
		return models.TierRecommend, reasons
	}
	return models.TierAutoPurchase, nil
}

func (e *Engine) priceScore(priceMinor int64, pref models.UserPreference, trend Trend) float64 {
	budget := pref.MaxTicketPriceMinor
	if budget <= 0 {
		budget = e.cfg.DefaultBudgetMinor
	}
	if budget <= 0 {
		return 0
	}
	base := math.Max(0, 100-float64(priceMinor)/float64(budget)*100)
	mult, ok := trendMultiplier[trend]
	if !ok {
		mult = 1
	}
	return math.Min(100, base*mult)
}

func platformScore(successRate, reliability float64, latency time.Duration) float64 {
	responseScore := math.Max(0, 100-latency.Seconds()*20)
	return successRate*100*0.5 + reliability*100*0.3 + responseScore*0.2
}

func timingScore(eventDate, now time.Time) float64 {
	until := eventDate.Sub(now)
	if until < 0 {
		return 0
	}
	days := until.Hours() / 24
	switch {
	case days <= 1:
		return 100
	case days <= 7:
		return 90
	case days <= 30:
		return 80
	case days <= 90:
		return 60
	}
	return 40
}

func preferenceScore(l models.CanonicalListing, pref models.UserPreference) float64 {
	score := 50.0
	if l.Section != "" {
		for _, s := range pref.PreferredSections {
			if s != "" && strings.Contains(strings.ToLower(l.Section), strings.ToLower(s)) {
				score += 20
				break
			}
		}
	}
	for _, p := range pref.PreferredPlatforms {
		if strings.EqualFold(p, l.PlatformID) {
			score += 15
			break
		}
	}
	if pref.MaxTicketPriceMinor > 0 && l.PriceMinor <= pref.MaxTicketPriceMinor {
		score += 15
	}
	return math.Min(100, score)
}

// EventCategory classifies an event name as concert, sports, theater,
// festival or other.
func EventCategory(name string) string {
	if c, ok := categoryOf(name); ok {
		return c.name
	}
	return "other"
}

func categoryOf(name string) (eventCategory, bool) {
	n := NormalizeText(name)
	for _, c := range eventCategories {
		if c.re.MatchString(n) {
			return c, true
		}
	}
	return eventCategory{}, false
}

func categoryRate(name string) float64 {
	if c, ok := categoryOf(name); ok {
		return c.rate
	}
	return otherEventRate
}

func priceRangeRate(priceMinor int64) float64 {
	major := float64(priceMinor) / 100
	switch {
	case major < 100:
		return 85
	case major < 300:
		return 80
	case major < 500:
		return 75
	case major < 1000:
		return 70
	}
	return 60
}

// successProbability blends platform, event type and price range rates into [0,1].
func successProbability(platformRate float64, eventName string, priceMinor int64) float64 {
	p := platformRate*100*0.4 + categoryRate(eventName)*0.3 + priceRangeRate(priceMinor)*0.3
	return math.Max(0, math.Min(1, p/100))
}

// confidence is 1 - stddev(factors)/100: agreeing factors give high confidence.
func confidence(f models.DecisionFactors) float64 {
	_, sd := meanStdDev(f.Values())
	return math.Max(0, math.Min(1, 1-sd/100))
}
