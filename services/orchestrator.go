package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticket-monitor/cache"
	"ticket-monitor/guard"
	"ticket-monitor/models"
	"ticket-monitor/notify"
	"ticket-monitor/utils"
)

// AttemptStore is the persistence the orchestrator needs.
type AttemptStore interface {
	SaveAttempt(ctx context.Context, a models.PurchaseAttempt) error
	FindAttempt(ctx context.Context, id string) (models.PurchaseAttempt, error)
	FindDecision(ctx context.Context, id string) (models.Decision, error)
	FindListing(ctx context.Context, id string) (models.CanonicalListing, error)
	ListingsForEvent(ctx context.Context, eventKey string) ([]models.CanonicalListing, error)
}

// AuditWriter persists the immutable record of a terminal attempt.
type AuditWriter interface {
	WriteAudit(ctx context.Context, rec models.AuditRecord) error
}

// OrchestratorDeps are the collaborators an Orchestrator is built from.
type OrchestratorDeps struct {
	Store      AttemptStore
	Audit      AuditWriter
	Purchasers map[string]Purchaser
	Breakers   *guard.BreakerSet
	Cache      cache.Store
	Notifier   notify.Dispatcher
}

// Orchestrator drives purchase attempts through their state machine. It is
// safe for concurrent use; a listing never has more than one attempt running.
type Orchestrator struct {
	cfg        SafetyConfig
	store      AttemptStore
	audit      AuditWriter
	purchasers map[string]Purchaser
	breakers   *guard.BreakerSet
	windows    *guard.WindowCounter
	spend      *SpendTracker
	notifier   notify.Dispatcher
	active     *utils.KeySet
	ids        utils.IDGenerator
	auditIDs   utils.IDGenerator
	now        func() time.Time
	logger     *utils.Logger
}

// NewOrchestrator wires the orchestrator. A nil Breakers or Notifier gets a
// default built from cfg.
func NewOrchestrator(cfg SafetyConfig, deps OrchestratorDeps, logger *utils.Logger) *Orchestrator {
	breakers := deps.Breakers
	if breakers == nil {
		breakers = guard.NewBreakerSet(cfg.BreakerOptions()...)
	}
	store := deps.Cache
	if store == nil {
		store = cache.NewMemory()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLog(logger)
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		audit:      deps.Audit,
		purchasers: deps.Purchasers,
		breakers:   breakers,
		windows:    guard.NewWindowCounter(store),
		spend:      NewSpendTracker(store, cfg.MaxDailySpendPerUserMinor),
		notifier:   notifier,
		active:     utils.NewKeySet(),
		ids:        utils.Prefixed("pa_", utils.UUIDv7()),
		auditIDs:   utils.Prefixed("aud_", utils.UUIDv7()),
		now:        time.Now,
		logger:     logger.With("orchestrator"),
	}
}

// WithClock replaces the time source used for records and spend days.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	o.spend.now = now
	o.windows.WithClock(now)
	return o
}

// Breakers exposes the per-platform breakers, for status reporting.
func (o *Orchestrator) Breakers() *guard.BreakerSet { return o.breakers }

// Active reports whether listingID has an attempt in flight.
func (o *Orchestrator) Active(listingID string) bool {
	_, ok := o.active.Owner(listingID)
	return ok
}

// Execute buys the listing an auto_purchase decision points at. It returns
// the last attempt of the chain along with:
//   - nil when it succeeded
//   - a *SafetyError when a guard sent it to manual review
//   - ErrCircuitOpen when the platform's breaker refused it
//   - a *PurchaseError when the platform call failed for good
//   - an error wrapping ErrAuditCommit when the audit record could not be written
func (o *Orchestrator) Execute(ctx context.Context, d models.Decision, l models.CanonicalListing) (*models.PurchaseAttempt, error) {
	if d.Tier != models.TierAutoPurchase {
		return nil, ErrNotEligible
	}
	if d.CanonicalListingID != l.ID {
		return nil, fmt.Errorf("purchase: decision %s is for listing %s, not %s", d.ID, d.CanonicalListingID, l.ID)
	}
	return o.chain(ctx, d, l, "", 1, "")
}

// Retry starts a fresh attempt for a terminal one. The old record is never
// reopened; the new one points back through RetryOf.
func (o *Orchestrator) Retry(ctx context.Context, attemptID string) (*models.PurchaseAttempt, error) {
	prev, err := o.store.FindAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("purchase: retry %s: %w", attemptID, err)
	}
	switch {
	case prev.State == models.StateSucceeded:
		return nil, ErrAlreadyPurchased
	case !prev.State.Terminal():
		return nil, ErrNotTerminal
	}
	d, err := o.store.FindDecision(ctx, prev.DecisionID)
	if err != nil {
		return nil, fmt.Errorf("purchase: retry %s: decision: %w", attemptID, err)
	}
	l, err := o.store.FindListing(ctx, prev.CanonicalListingID)
	if err != nil {
		return nil, fmt.Errorf("purchase: retry %s: listing: %w", attemptID, err)
	}
	return o.chain(ctx, d, l, prev.ID, prev.AttemptCount+1, prev.ApprovedBy)
}

// Approve releases an attempt held for manual review. The new attempt
// records the approver and skips the approval threshold and the price
// anomaly check that sent it to review; every other guard still applies.
func (o *Orchestrator) Approve(ctx context.Context, attemptID, approver string) (*models.PurchaseAttempt, error) {
	if approver == "" {
		return nil, ErrNoApprover
	}
	prev, err := o.store.FindAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("purchase: approve %s: %w", attemptID, err)
	}
	if prev.State != models.StateManualReview {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotInReview, attemptID, prev.State)
	}
	d, err := o.store.FindDecision(ctx, prev.DecisionID)
	if err != nil {
		return nil, fmt.Errorf("purchase: approve %s: decision: %w", attemptID, err)
	}
	l, err := o.store.FindListing(ctx, prev.CanonicalListingID)
	if err != nil {
		return nil, fmt.Errorf("purchase: approve %s: listing: %w", attemptID, err)
	}
	o.logger.Info("attempt %s approved by %s", attemptID, approver)
	return o.chain(ctx, d, l, prev.ID, prev.AttemptCount+1, approver)
}

// chain runs attempts for one listing until one ends in a state that is not
// a retryable failure. The listing stays locked for the whole chain.
func (o *Orchestrator) chain(ctx context.Context, d models.Decision, l models.CanonicalListing,
	retryOf string, count int, approvedBy string) (*models.PurchaseAttempt, error) {
	a := o.newAttempt(d, l, retryOf, count)
	a.ApprovedBy = approvedBy
	if !o.active.Acquire(l.ID, a.ID) {
		return nil, ErrAttemptActive
	}
	defer o.active.Release(l.ID)

	idempotencyKey := a.ID
	for {
		err := o.attempt(ctx, &a, idempotencyKey, l)

		var pe *PurchaseError
		retry := errors.As(err, &pe) && pe.Transient() && a.AttemptCount <= o.cfg.MaxAutoRetries
		if !retry {
			o.announce(ctx, a, err)
			return &a, err
		}

		delay := o.cfg.Retry.Delay(a.AttemptCount - 1)
		o.logger.Warn("attempt %s failed (%d/%d): %v, retrying in %v",
			a.ID, a.AttemptCount, o.cfg.MaxAutoRetries+1, err, delay)
		if serr := utils.Sleep(ctx, delay); serr != nil {
			o.announce(ctx, a, err)
			return &a, err
		}
		a = o.newAttempt(d, l, a.ID, a.AttemptCount+1)
		a.ApprovedBy = approvedBy
	}
}

func (o *Orchestrator) newAttempt(d models.Decision, l models.CanonicalListing, retryOf string, count int) models.PurchaseAttempt {
	now := o.now()
	return models.PurchaseAttempt{
		ID:                 o.ids(),
		DecisionID:         d.ID,
		CanonicalListingID: l.ID,
		UserID:             d.UserID,
		PlatformID:         l.PlatformID,
		State:              models.StatePending,
		AttemptCount:       count,
		AmountMinor:        l.PriceMinor,
		Currency:           l.Currency,
		RetryOf:            retryOf,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// attempt drives a single record from Pending to a terminal state.
func (o *Orchestrator) attempt(ctx context.Context, a *models.PurchaseAttempt, idempotencyKey string, l models.CanonicalListing) error {
	o.save(ctx, *a)

	purchaser, ok := o.purchasers[a.PlatformID]
	if !ok {
		return o.finish(ctx, a, models.StateFailed,
			&PurchaseError{Kind: PermanentPlatformError, Platform: a.PlatformID, Err: ErrNoPurchaser})
	}
	approved := a.ApprovedBy != ""
	if se := o.cfg.checkAmount(a.AmountMinor, approved); se != nil {
		return o.finish(ctx, a, models.StateManualReview, se)
	}
	if se := o.checkFraud(ctx, l); se != nil && !approved {
		if o.cfg.BlockOnFraud {
			return o.finish(ctx, a, models.StateFailed, se)
		}
		return o.finish(ctx, a, models.StateManualReview, se)
	}

	br := o.breakers.For(a.PlatformID)
	if br.State() == guard.BreakerOpen {
		return o.finish(ctx, a, models.StateCircuitOpen, ErrCircuitOpen)
	}

	refund, se := o.takeWindows(ctx, a)
	if se != nil {
		return o.finish(ctx, a, models.StateManualReview, se)
	}
	res, ok, err := o.spend.Reserve(ctx, a.UserID, a.AmountMinor)
	if err != nil || !ok {
		refund()
		reason := fmt.Sprintf("daily spend would exceed %d", o.cfg.MaxDailySpendPerUserMinor)
		if err != nil {
			reason = err.Error()
		}
		return o.finish(ctx, a, models.StateManualReview, &SafetyError{Check: "max_daily_spend_per_user", Reason: reason})
	}
	if !br.Allow() {
		refund()
		o.releaseSpend(ctx, res)
		return o.finish(ctx, a, models.StateCircuitOpen, ErrCircuitOpen)
	}

	if err := a.Transition(models.StateInProgress, o.now()); err != nil {
		return err
	}
	o.save(ctx, *a)

	pctx, cancel := ctx, context.CancelFunc(func() {})
	if o.cfg.PurchaseTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, o.cfg.PurchaseTimeout)
	}
	receipt, err := purchaser.Purchase(pctx, models.PurchaseRequest{
		AttemptID:      a.ID,
		IdempotencyKey: idempotencyKey,
		PlatformID:     a.PlatformID,
		ExternalID:     l.ExternalID,
		Quantity:       1,
		AmountMinor:    a.AmountMinor,
		Currency:       a.Currency,
		UserID:         a.UserID,
	})
	cancel()

	if err != nil {
		pe := ClassifyPurchaseError(a.PlatformID, err)
		// a permanent refusal says nothing about platform health, but the
		// half-open trial slot still has to be resolved
		if pe.Transient() || errors.Is(err, context.Canceled) {
			br.RecordFailure()
		} else {
			br.RecordSuccess()
		}
		o.releaseSpend(ctx, res)
		return o.finish(ctx, a, models.StateFailed, pe)
	}
	br.RecordSuccess()
	a.ConfirmationRef = receipt.ConfirmationRef
	return o.succeed(ctx, a)
}

// succeed commits the audit record before the attempt may claim success.
func (o *Orchestrator) succeed(ctx context.Context, a *models.PurchaseAttempt) error {
	rec := o.auditOf(*a, models.StateSucceeded)
	if err := o.audit.WriteAudit(ctx, rec); err != nil {
		o.logger.Error("audit for %s failed after platform confirmed %s: %v", a.ID, a.ConfirmationRef, err)
		a.LastError = "audit commit: " + err.Error()
		if terr := a.Transition(models.StateFailed, o.now()); terr != nil {
			return terr
		}
		o.save(ctx, *a)
		return fmt.Errorf("%w: attempt %s: %v", ErrAuditCommit, a.ID, err)
	}
	if err := a.Transition(models.StateSucceeded, o.now()); err != nil {
		return err
	}
	o.save(ctx, *a)
	o.logger.Info("attempt %s succeeded on %s: %s", a.ID, a.PlatformID, a.ConfirmationRef)
	return nil
}

// finish moves a to a terminal state and writes its audit record. It returns cause.
func (o *Orchestrator) finish(ctx context.Context, a *models.PurchaseAttempt, to models.PurchaseState, cause error) error {
	if cause != nil {
		a.LastError = cause.Error()
	}
	if err := a.Transition(to, o.now()); err != nil {
		return err
	}
	o.save(ctx, *a)
	if err := o.audit.WriteAudit(ctx, o.auditOf(*a, to)); err != nil {
		o.logger.Error("audit for %s (%s): %v", a.ID, to, err)
	}
	return cause
}

func (o *Orchestrator) auditOf(a models.PurchaseAttempt, outcome models.PurchaseState) models.AuditRecord {
	return models.AuditRecord{
		ID:              o.auditIDs(),
		AttemptID:       a.ID,
		DecisionID:      a.DecisionID,
		UserID:          a.UserID,
		PlatformID:      a.PlatformID,
		AmountMinor:     a.AmountMinor,
		Currency:        a.Currency,
		Outcome:         outcome,
		LastError:       a.LastError,
		ConfirmationRef: a.ConfirmationRef,
		RecordedAt:      o.now(),
	}
}

func (o *Orchestrator) checkFraud(ctx context.Context, l models.CanonicalListing) *SafetyError {
	if l.CanonicalEventKey == "" {
		return nil
	}
	ls, err := o.store.ListingsForEvent(ctx, l.CanonicalEventKey)
	if err != nil {
		o.logger.Warn("price history for %s unavailable: %v", l.CanonicalEventKey, err)
		return nil
	}
	z, ok := priceAnomaly(l.PriceMinor, historyPrices(ls, l.ID), o.cfg.FraudMinSamples)
	if ok && z >= o.cfg.FraudThreshold {
		return &SafetyError{Check: "price_anomaly", Reason: fmt.Sprintf("price is %.1f standard deviations from history", z)}
	}
	return nil
}

// takeWindows consumes one slot from the user, platform and global windows.
// On refusal nothing stays taken. The returned func gives all slots back.
func (o *Orchestrator) takeWindows(ctx context.Context, a *models.PurchaseAttempt) (func(), *SafetyError) {
	type slot struct {
		check string
		key   string
		limit guard.WindowLimit
	}
	slots := []slot{
		{"user_rate_limit", "purchase:user:" + a.UserID, o.cfg.UserLimit},
		{"platform_rate_limit", "purchase:platform:" + a.PlatformID, o.cfg.PlatformLimit},
		{"global_rate_limit", "purchase:global", o.cfg.GlobalLimit},
	}
	var taken []slot
	refund := func() {
		for _, s := range taken {
			if err := o.windows.Refund(ctx, s.key, s.limit); err != nil {
				o.logger.Warn("refund %s: %v", s.key, err)
			}
		}
	}
	for _, s := range slots {
		ok, err := o.windows.Take(ctx, s.key, s.limit)
		if err != nil || !ok {
			refund()
			reason := fmt.Sprintf("%d per %v reached", s.limit.Max, s.limit.Window)
			if err != nil {
				reason = err.Error()
			}
			return nil, &SafetyError{Check: s.check, Reason: reason}
		}
		taken = append(taken, s)
	}
	return refund, nil
}

func (o *Orchestrator) releaseSpend(ctx context.Context, r *Reservation) {
	if err := o.spend.Release(ctx, r); err != nil {
		o.logger.Warn("release spend: %v", err)
	}
}

func (o *Orchestrator) save(ctx context.Context, a models.PurchaseAttempt) {
	if err := o.store.SaveAttempt(ctx, a); err != nil {
		o.logger.Error("save attempt %s (%s): %v", a.ID, a.State, err)
	}
}

// announce hands the final attempt of a chain to the notifier.
func (o *Orchestrator) announce(ctx context.Context, a models.PurchaseAttempt, err error) {
	event, prio := notify.EventPurchaseSuccess, notify.PriorityHigh
	switch {
	case errors.Is(err, ErrAuditCommit):
		event, prio = notify.EventOperatorAttention, notify.PriorityCritical
	case a.State == models.StateManualReview:
		event, prio = notify.EventManualReview, notify.PriorityNormal
	case a.State == models.StateCircuitOpen:
		event = notify.EventCircuitOpen
	case a.State == models.StateFailed:
		event = notify.EventPurchaseFailed
	}
	if nerr := o.notifier.Notify(ctx, event, a, prio); nerr != nil {
		o.logger.Warn("notify %s for %s: %v", event, a.ID, nerr)
	}
}
