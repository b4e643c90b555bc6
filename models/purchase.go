package models

import (
	"fmt"
	"time"
)

// PurchaseState is a step in the purchase attempt state machine.
type PurchaseState string

const (
	StatePending      PurchaseState = "pending"
	StateInProgress   PurchaseState = "in_progress"
	StateSucceeded    PurchaseState = "succeeded"
	StateFailed       PurchaseState = "failed"
	StateCircuitOpen  PurchaseState = "circuit_open"
	StateManualReview PurchaseState = "manual_review"
)

// Terminal reports whether no further transition is allowed from s.
func (s PurchaseState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCircuitOpen, StateManualReview:
		return true
	}
	return false
}

var transitions = map[PurchaseState][]PurchaseState{
	StatePending:    {StateInProgress, StateCircuitOpen, StateManualReview, StateFailed},
	StateInProgress: {StateSucceeded, StateFailed, StateCircuitOpen},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to PurchaseState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PurchaseAttempt is one try at buying a listing. Terminal attempts are never
// reopened; a retry is a new record pointing back through RetryOf.
type PurchaseAttempt struct {
	ID                 string        `json:"id"`
	DecisionID         string        `json:"decision_id"`
	CanonicalListingID string        `json:"canonical_listing_id"`
	UserID             string        `json:"user_id"`
	PlatformID         string        `json:"platform_id"`
	State              PurchaseState `json:"state"`
	AttemptCount       int           `json:"attempt_count"`
	LastError          string        `json:"last_error,omitempty"`
	AmountMinor        int64         `json:"amount_minor"`
	Currency           string        `json:"currency"`
	RetryOf            string        `json:"retry_of,omitempty"`
	ApprovedBy         string        `json:"approved_by,omitempty"`
	ConfirmationRef    string        `json:"confirmation_ref,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Transition moves the attempt to the given state or returns an error when
// the state machine forbids it.
func (a *PurchaseAttempt) Transition(to PurchaseState, at time.Time) error {
	if !CanTransition(a.State, to) {
		return fmt.Errorf("purchase attempt %s: illegal transition %s -> %s", a.ID, a.State, to)
	}
	a.State = to
	a.UpdatedAt = at
	return nil
}

// AuditRecord is the immutable trail an attempt leaves when it reaches a
// terminal state.
type AuditRecord struct {
	ID              string        `json:"id"`
	AttemptID       string        `json:"attempt_id"`
	DecisionID      string        `json:"decision_id"`
	UserID          string        `json:"user_id"`
	PlatformID      string        `json:"platform_id"`
	AmountMinor     int64         `json:"amount_minor"`
	Currency        string        `json:"currency"`
	Outcome         PurchaseState `json:"outcome"`
	LastError       string        `json:"last_error,omitempty"`
	ConfirmationRef string        `json:"confirmation_ref,omitempty"`
	RecordedAt      time.Time     `json:"recorded_at"`
}

// PurchaseRequest is what the orchestrator hands a platform purchaser.
// IdempotencyKey is stable across retries of the same attempt chain.
type PurchaseRequest struct {
	AttemptID      string `json:"attempt_id"`
	IdempotencyKey string `json:"idempotency_key"`
	PlatformID     string `json:"platform_id"`
	ExternalID     string `json:"listing_id"`
	Quantity       int    `json:"quantity"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	UserID         string `json:"user_id"`
}

// PurchaseReceipt confirms a completed purchase.
type PurchaseReceipt struct {
	ConfirmationRef string    `json:"confirmation_ref"`
	ChargedMinor    int64     `json:"charged_minor"`
	CompletedAt     time.Time `json:"completed_at"`
}
