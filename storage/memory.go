package storage

import (
	"context"
	"fmt"
	"sync"

	"ticket-monitor/models"
)

// Memory is a mutex-guarded in-process Repository and AuditWriter.
type Memory struct {
	mu        sync.RWMutex
	listings  []models.CanonicalListing
	listingAt map[string]int
	decisions []models.Decision
	decAt     map[string]int
	attempts  []models.PurchaseAttempt
	attemptAt map[string]int
	audits    []models.AuditRecord
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		listingAt: make(map[string]int),
		decAt:     make(map[string]int),
		attemptAt: make(map[string]int),
	}
}

func (m *Memory) SaveListings(ctx context.Context, listings []models.CanonicalListing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range listings {
		if _, dup := m.listingAt[l.ID]; dup {
			return fmt.Errorf("storage: listing %s already stored", l.ID)
		}
	}
	for _, l := range listings {
		m.listingAt[l.ID] = len(m.listings)
		m.listings = append(m.listings, l)
	}
	return nil
}

func (m *Memory) SaveDecisions(ctx context.Context, decisions []models.Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range decisions {
		if _, dup := m.decAt[d.ID]; dup {
			return fmt.Errorf("storage: decision %s already stored", d.ID)
		}
	}
	for _, d := range decisions {
		m.decAt[d.ID] = len(m.decisions)
		m.decisions = append(m.decisions, d)
	}
	return nil
}

func (m *Memory) SaveAttempt(_ context.Context, a models.PurchaseAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.attemptAt[a.ID]; ok {
		m.attempts[i] = a
		return nil
	}
	m.attemptAt[a.ID] = len(m.attempts)
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *Memory) FindListing(_ context.Context, id string) (models.CanonicalListing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.listingAt[id]
	if !ok {
		return models.CanonicalListing{}, ErrNotFound
	}
	return m.listings[i], nil
}

func (m *Memory) FindDecision(_ context.Context, id string) (models.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.decAt[id]
	if !ok {
		return models.Decision{}, ErrNotFound
	}
	return m.decisions[i], nil
}

func (m *Memory) FindAttempt(_ context.Context, id string) (models.PurchaseAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.attemptAt[id]
	if !ok {
		return models.PurchaseAttempt{}, ErrNotFound
	}
	return m.attempts[i], nil
}

func (m *Memory) ListingsForEvent(_ context.Context, eventKey string) ([]models.CanonicalListing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CanonicalListing
	for _, l := range m.listings {
		if l.CanonicalEventKey == eventKey {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *Memory) LatestListing(_ context.Context, platformID, externalID string) (models.CanonicalListing, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.listings) - 1; i >= 0; i-- {
		if l := m.listings[i]; l.PlatformID == platformID && l.ExternalID == externalID {
			return l, true, nil
		}
	}
	return models.CanonicalListing{}, false, nil
}

// Listings returns matches newest first.
func (m *Memory) Listings(_ context.Context, q Query) ([]models.CanonicalListing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.CanonicalListing{}
	for i := len(m.listings) - 1; i >= 0; i-- {
		l := m.listings[i]
		if q.CycleID != "" && l.CycleID != q.CycleID {
			continue
		}
		out = append(out, l)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Decisions returns matches newest first.
func (m *Memory) Decisions(_ context.Context, q Query) ([]models.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Decision{}
	for i := len(m.decisions) - 1; i >= 0; i-- {
		d := m.decisions[i]
		if (q.Tier != "" && d.Tier != q.Tier) || (q.UserID != "" && d.UserID != q.UserID) {
			continue
		}
		out = append(out, d)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Attempts returns matches newest first.
func (m *Memory) Attempts(_ context.Context, q Query) ([]models.PurchaseAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.PurchaseAttempt{}
	for i := len(m.attempts) - 1; i >= 0; i-- {
		a := m.attempts[i]
		if q.UserID != "" && a.UserID != q.UserID {
			continue
		}
		out = append(out, a)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) WriteAudit(_ context.Context, rec models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, rec)
	return nil
}

// Audits returns every audit record in write order.
func (m *Memory) Audits() []models.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AuditRecord(nil), m.audits...)
}

func (m *Memory) Close() error { return nil }
