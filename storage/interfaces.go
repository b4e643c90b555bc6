// Package storage persists canonical listings, decisions, purchase attempts
// and audit records. Records are appended; only attempts change in place as
// they move through their state machine.
package storage

import (
	"context"
	"errors"

	"ticket-monitor/models"
	"ticket-monitor/utils"
)

// ErrNotFound is returned by Find methods when no record has the id.
var ErrNotFound = errors.New("storage: record not found")

// Query narrows list reads. Zero fields match everything.
type Query struct {
	CycleID string
	UserID  string
	Tier    models.Tier
	Limit   int
}

// Repository is the persistence surface the pipeline, orchestrator and API share.
type Repository interface {
	// SaveListings commits one cycle's listings as a unit: all or none.
	SaveListings(ctx context.Context, listings []models.CanonicalListing) error
	SaveDecisions(ctx context.Context, decisions []models.Decision) error
	// SaveAttempt inserts or updates an attempt by id.
	SaveAttempt(ctx context.Context, a models.PurchaseAttempt) error

	FindListing(ctx context.Context, id string) (models.CanonicalListing, error)
	FindDecision(ctx context.Context, id string) (models.Decision, error)
	FindAttempt(ctx context.Context, id string) (models.PurchaseAttempt, error)

	// ListingsForEvent returns every stored listing under eventKey, oldest first.
	ListingsForEvent(ctx context.Context, eventKey string) ([]models.CanonicalListing, error)
	// LatestListing returns the newest listing for a platform offer.
	LatestListing(ctx context.Context, platformID, externalID string) (models.CanonicalListing, bool, error)

	Listings(ctx context.Context, q Query) ([]models.CanonicalListing, error)
	Decisions(ctx context.Context, q Query) ([]models.Decision, error)
	Attempts(ctx context.Context, q Query) ([]models.PurchaseAttempt, error)

	Close() error
}

// AuditWriter persists the immutable trail of terminal purchase attempts.
type AuditWriter interface {
	WriteAudit(ctx context.Context, rec models.AuditRecord) error
}

// Tee writes each audit record to a primary store and then to its mirrors.
// Only the primary decides whether the commit happened: a failed primary
// write skips the mirrors, and a failed mirror write is logged.
type Tee struct {
	primary AuditWriter
	mirrors []AuditWriter
	logger  *utils.Logger
}

// NewTee creates a Tee around primary.
func NewTee(primary AuditWriter, logger *utils.Logger, mirrors ...AuditWriter) *Tee {
	return &Tee{primary: primary, mirrors: mirrors, logger: logger.With("audit")}
}

func (t *Tee) WriteAudit(ctx context.Context, rec models.AuditRecord) error {
	if err := t.primary.WriteAudit(ctx, rec); err != nil {
		return err
	}
	for _, w := range t.mirrors {
		if err := w.WriteAudit(ctx, rec); err != nil {
			t.logger.Error("audit mirror: record %s for attempt %s: %v", rec.ID, rec.AttemptID, err)
		}
	}
	return nil
}

func limit(n, size int) int {
	if n <= 0 || n > size {
		return size
	}
	return n
}
