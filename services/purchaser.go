package services

import (
	"context"
	"sync"
	"time"

	"ticket-monitor/models"
	"ticket-monitor/utils"
)

// Purchaser executes a buy on one platform. It must honour ctx and return an
// *scraper.AdapterError (or a ctx error) so failures can be classified.
type Purchaser interface {
	Purchase(ctx context.Context, req models.PurchaseRequest) (models.PurchaseReceipt, error)
}

// PurchaserFunc lets a plain function serve as a Purchaser.
type PurchaserFunc func(ctx context.Context, req models.PurchaseRequest) (models.PurchaseReceipt, error)

func (f PurchaserFunc) Purchase(ctx context.Context, req models.PurchaseRequest) (models.PurchaseReceipt, error) {
	return f(ctx, req)
}

// DryRunPurchaser records requests and confirms them without buying anything.
type DryRunPurchaser struct {
	logger *utils.Logger
	now    func() time.Time

	mu       sync.Mutex
	requests []models.PurchaseRequest
}

// NewDryRunPurchaser creates a purchaser for --dry-run deployments.
func NewDryRunPurchaser(logger *utils.Logger) *DryRunPurchaser {
	return &DryRunPurchaser{logger: logger.With("dry-run"), now: time.Now}
}

func (p *DryRunPurchaser) Purchase(ctx context.Context, req models.PurchaseRequest) (models.PurchaseReceipt, error) {
	if err := ctx.Err(); err != nil {
		return models.PurchaseReceipt{}, err
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	p.logger.Info("would buy %s on %s for %d %s (attempt %s)",
		req.ExternalID, req.PlatformID, req.AmountMinor, req.Currency, req.AttemptID)
	return models.PurchaseReceipt{
		ConfirmationRef: "DRYRUN-" + req.AttemptID,
		ChargedMinor:    0,
		CompletedAt:     p.now(),
	}, nil
}

// Requests returns a copy of everything the purchaser was asked to buy.
func (p *DryRunPurchaser) Requests() []models.PurchaseRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.PurchaseRequest(nil), p.requests...)
}
