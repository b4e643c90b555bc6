package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"ticket-monitor/cache"
	"ticket-monitor/guard"
	"ticket-monitor/models"
	"ticket-monitor/scraper"
	"ticket-monitor/utils"
)

var (
	ErrCircuitOpen      = errors.New("purchase: circuit open for platform")
	ErrAttemptActive    = errors.New("purchase: listing already has an active attempt")
	ErrNotEligible      = errors.New("purchase: decision is not auto_purchase")
	ErrAuditCommit      = errors.New("purchase: audit commit failed")
	ErrNotTerminal      = errors.New("purchase: attempt is still running")
	ErrAlreadyPurchased = errors.New("purchase: attempt already succeeded")
	ErrNoPurchaser      = errors.New("purchase: no purchaser configured for platform")
	ErrNotInReview      = errors.New("purchase: attempt is not waiting for manual review")
	ErrNoApprover       = errors.New("purchase: approval needs an approver")
)

// SafetyConfig bounds what the orchestrator may spend and how often it may try.
// Amounts are in minor currency units.
type SafetyConfig struct {
	MaxSinglePurchaseMinor    int64
	MaxDailySpendPerUserMinor int64
	RequireApprovalAboveMinor int64

	UserLimit     guard.WindowLimit
	PlatformLimit guard.WindowLimit
	GlobalLimit   guard.WindowLimit

	// A price this many standard deviations from the event's history is an anomaly.
	FraudThreshold  float64
	FraudMinSamples int
	// BlockOnFraud fails anomalous attempts instead of sending them to review.
	BlockOnFraud bool

	MaxAutoRetries  int
	Retry           utils.RetryPolicy
	PurchaseTimeout time.Duration

	BreakerThreshold   int
	BreakerRecovery    time.Duration
	BreakerHalfOpenMax int
}

// DefaultSafetyConfig returns conservative limits: 2000.00 per purchase,
// 5000.00 per user per day, approval above 1000.00.
func DefaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		MaxSinglePurchaseMinor:    200_000,
		MaxDailySpendPerUserMinor: 500_000,
		RequireApprovalAboveMinor: 100_000,
		UserLimit:                 guard.WindowLimit{Max: 5, Window: time.Hour},
		PlatformLimit:             guard.WindowLimit{Max: 10, Window: time.Minute},
		GlobalLimit:               guard.WindowLimit{Max: 30, Window: time.Minute},
		FraudThreshold:            3.0,
		FraudMinSamples:           3,
		MaxAutoRetries:            3,
		Retry:                     utils.RetryPolicy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second},
		PurchaseTimeout:           30 * time.Second,
		BreakerThreshold:          10,
		BreakerRecovery:           300 * time.Second,
		BreakerHalfOpenMax:        3,
	}
}

func (c SafetyConfig) Validate() error {
	var errs []error
	if c.MaxSinglePurchaseMinor <= 0 {
		errs = append(errs, errors.New("max_single_purchase must be positive"))
	}
	if c.MaxDailySpendPerUserMinor < c.MaxSinglePurchaseMinor {
		errs = append(errs, errors.New("max_daily_spend_per_user must be at least max_single_purchase"))
	}
	if c.RequireApprovalAboveMinor > c.MaxSinglePurchaseMinor {
		errs = append(errs, errors.New("require_approval_above must not exceed max_single_purchase"))
	}
	if c.FraudThreshold <= 0 {
		errs = append(errs, errors.New("max_price_anomaly_threshold must be positive"))
	}
	if c.MaxAutoRetries < 0 {
		errs = append(errs, errors.New("max_auto_retries must not be negative"))
	}
	if c.PurchaseTimeout <= 0 {
		errs = append(errs, errors.New("purchase_timeout must be positive"))
	}
	if c.BreakerThreshold < 1 || c.BreakerHalfOpenMax < 1 || c.BreakerRecovery <= 0 {
		errs = append(errs, errors.New("circuit breaker settings must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("safety: %w", err)
	}
	return nil
}

// BreakerOptions turns the breaker settings into guard options.
func (c SafetyConfig) BreakerOptions() []guard.BreakerOption {
	return []guard.BreakerOption{
		guard.WithThreshold(c.BreakerThreshold),
		guard.WithRecoveryTimeout(c.BreakerRecovery),
		guard.WithHalfOpenMax(c.BreakerHalfOpenMax),
	}
}

// PurchaseErrorKind separates failures worth retrying from final ones.
type PurchaseErrorKind string

const (
	TransientPlatformError PurchaseErrorKind = "transient"
	PermanentPlatformError PurchaseErrorKind = "permanent"
)

// PurchaseError is how a failed platform call surfaces from the orchestrator.
type PurchaseError struct {
	Kind     PurchaseErrorKind
	Platform string
	Err      error
}

func (e *PurchaseError) Error() string {
	return fmt.Sprintf("purchase on %s: %s: %v", e.Platform, e.Kind, e.Err)
}

func (e *PurchaseError) Unwrap() error { return e.Err }

// Transient reports whether a new attempt may be made.
func (e *PurchaseError) Transient() bool { return e.Kind == TransientPlatformError }

// ClassifyPurchaseError maps a purchaser error onto the purchase taxonomy.
// Errors that carry no classification are treated as permanent so an
// unexplained failure is never retried into a double charge.
func ClassifyPurchaseError(platform string, err error) *PurchaseError {
	var pe *PurchaseError
	if errors.As(err, &pe) {
		return pe
	}
	kind := PermanentPlatformError
	var ae *scraper.AdapterError
	switch {
	case errors.As(err, &ae):
		if ae.Retryable() {
			kind = TransientPlatformError
		}
	case errors.Is(err, context.DeadlineExceeded):
		kind = TransientPlatformError
	}
	return &PurchaseError{Kind: kind, Platform: platform, Err: err}
}

// SafetyError means a guard refused automatic execution. The attempt goes to
// manual review; it is not a platform failure.
type SafetyError struct {
	Check  string
	Reason string
}

func (e *SafetyError) Error() string {
	return "purchase held for review: " + e.Check + ": " + e.Reason
}

// SpendTracker keeps per-user daily spend in a cache.Store so every
// orchestrator sharing the store sees the same total.
type SpendTracker struct {
	store cache.Store
	limit int64
	now   func() time.Time
}

// Reservation is an amount held against a user's daily budget.
type Reservation struct {
	key    string
	amount int64
}

// NewSpendTracker caps each user at limit minor units per UTC day.
func NewSpendTracker(store cache.Store, limit int64) *SpendTracker {
	return &SpendTracker{store: store, limit: limit, now: time.Now}
}

func spendKey(userID string, day time.Time) string {
	return "spend:" + userID + ":" + day.UTC().Format(time.DateOnly)
}

// Reserve adds amount to today's total. It returns false, leaving the total
// unchanged, when the reservation would exceed the limit.
func (s *SpendTracker) Reserve(ctx context.Context, userID string, amount int64) (*Reservation, bool, error) {
	key := spendKey(userID, s.now())
	total, err := s.store.IncrementWithTTL(ctx, key, amount, 25*time.Hour)
	if err != nil {
		return nil, false, fmt.Errorf("safety: reserve spend: %w", err)
	}
	if total > s.limit {
		if _, err := s.store.IncrementWithTTL(ctx, key, -amount, 0); err != nil {
			return nil, false, fmt.Errorf("safety: roll back spend: %w", err)
		}
		return nil, false, nil
	}
	return &Reservation{key: key, amount: amount}, true, nil
}

// Release returns a reservation to the budget.
func (s *SpendTracker) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}
	_, err := s.store.IncrementWithTTL(ctx, r.key, -r.amount, 0)
	return err
}

// Spent returns what userID has reserved today.
func (s *SpendTracker) Spent(ctx context.Context, userID string) (int64, error) {
	key := spendKey(userID, s.now())
	n, err := s.store.IncrementWithTTL(ctx, key, 0, 25*time.Hour)
	return n, err
}

// priceAnomaly returns the z-score of price against history, and false when
// there are too few samples or no spread to judge.
func priceAnomaly(price int64, history []float64, minSamples int) (float64, bool) {
	if len(history) < minSamples || len(history) == 0 {
		return 0, false
	}
	mean, sd := meanStdDev(history)
	if sd == 0 {
		return 0, false
	}
	return math.Abs(float64(price)-mean) / sd, true
}

// checkAmount applies the single-purchase and approval guards. An approved
// attempt has already passed review and only the hard limit applies.
func (c SafetyConfig) checkAmount(amount int64, approved bool) *SafetyError {
	if amount > c.MaxSinglePurchaseMinor {
		return &SafetyError{Check: "max_single_purchase",
			Reason: fmt.Sprintf("amount %d above limit %d", amount, c.MaxSinglePurchaseMinor)}
	}
	if !approved && amount > c.RequireApprovalAboveMinor {
		return &SafetyError{Check: "require_approval_above",
			Reason: fmt.Sprintf("amount %d needs approval above %d", amount, c.RequireApprovalAboveMinor)}
	}
	return nil
}

// IsManualReview reports whether err routed an attempt to manual review.
func IsManualReview(err error) bool {
	var se *SafetyError
	return errors.As(err, &se)
}

// historyPrices collects prices of other stored listings for the same event.
func historyPrices(ls []models.CanonicalListing, exclude string) []float64 {
	out := make([]float64, 0, len(ls))
	for _, l := range ls {
		if l.ID == exclude {
			continue
		}
		out = append(out, float64(l.PriceMinor))
	}
	return out
}
