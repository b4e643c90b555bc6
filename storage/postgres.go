package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"ticket-monitor/models"
)

// Postgres is a Repository and AuditWriter over PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection, waits for the server to answer and runs
// the schema migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS canonical_listings (
			id                  TEXT PRIMARY KEY,
			platform_id         VARCHAR(50)  NOT NULL,
			external_id         TEXT         NOT NULL,
			event_name          TEXT         NOT NULL,
			venue               TEXT         NOT NULL,
			event_date          TIMESTAMPTZ  NOT NULL,
			price_minor         BIGINT       NOT NULL,
			currency            CHAR(3)      NOT NULL,
			availability        VARCHAR(20)  NOT NULL,
			section             TEXT         NOT NULL DEFAULT '',
			quantity            INTEGER      NOT NULL DEFAULT 0,
			scraped_at          TIMESTAMPTZ  NOT NULL,
			source_url          TEXT         NOT NULL DEFAULT '',
			canonical_event_key TEXT         NOT NULL,
			duplicate_of        TEXT         NOT NULL DEFAULT '',
			quality_score       NUMERIC(5,4) NOT NULL DEFAULT 0,
			cycle_id            TEXT         NOT NULL,
			supersedes_id       TEXT         NOT NULL DEFAULT '',
			created_at          TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_listings_event ON canonical_listings(canonical_event_key);
		CREATE INDEX IF NOT EXISTS idx_listings_offer ON canonical_listings(platform_id, external_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_listings_cycle ON canonical_listings(cycle_id);

		CREATE TABLE IF NOT EXISTS decisions (
			id                   TEXT PRIMARY KEY,
			canonical_listing_id TEXT        NOT NULL,
			user_id              TEXT        NOT NULL,
			factors              JSONB       NOT NULL,
			composite_score      NUMERIC(6,2) NOT NULL,
			tier                 VARCHAR(20) NOT NULL,
			confidence           NUMERIC(5,4) NOT NULL,
			success_probability  NUMERIC(5,4) NOT NULL,
			price_variance       DOUBLE PRECISION NOT NULL,
			reasons              JSONB       NOT NULL DEFAULT '[]',
			created_at           TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_decisions_tier ON decisions(tier);

		CREATE TABLE IF NOT EXISTS purchase_attempts (
			id                   TEXT PRIMARY KEY,
			decision_id          TEXT        NOT NULL,
			canonical_listing_id TEXT        NOT NULL,
			user_id              TEXT        NOT NULL,
			platform_id          VARCHAR(50) NOT NULL,
			state                VARCHAR(20) NOT NULL,
			attempt_count        INTEGER     NOT NULL,
			last_error           TEXT        NOT NULL DEFAULT '',
			amount_minor         BIGINT      NOT NULL,
			currency             CHAR(3)     NOT NULL,
			retry_of             TEXT        NOT NULL DEFAULT '',
			approved_by          TEXT        NOT NULL DEFAULT '',
			confirmation_ref     TEXT        NOT NULL DEFAULT '',
			created_at           TIMESTAMPTZ NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL
		);
		ALTER TABLE purchase_attempts ADD COLUMN IF NOT EXISTS approved_by TEXT NOT NULL DEFAULT '';

		CREATE TABLE IF NOT EXISTS purchase_audit (
			id               TEXT PRIMARY KEY,
			attempt_id       TEXT        NOT NULL,
			decision_id      TEXT        NOT NULL,
			user_id          TEXT        NOT NULL,
			platform_id      VARCHAR(50) NOT NULL,
			amount_minor     BIGINT      NOT NULL,
			currency         CHAR(3)     NOT NULL,
			outcome          VARCHAR(20) NOT NULL,
			last_error       TEXT        NOT NULL DEFAULT '',
			confirmation_ref TEXT        NOT NULL DEFAULT '',
			recorded_at      TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

const listingColumns = `id, platform_id, external_id, event_name, venue, event_date, price_minor, currency,
	availability, section, quantity, scraped_at, source_url, canonical_event_key, duplicate_of,
	quality_score, cycle_id, supersedes_id, created_at`

const listingArity = 19

// SaveListings batch-inserts inside one transaction.
func (p *Postgres) SaveListings(ctx context.Context, listings []models.CanonicalListing) error {
	if len(listings) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	const batchSize = 50
	for i := 0; i < len(listings); i += batchSize {
		end := i + batchSize
		if end > len(listings) {
			end = len(listings)
		}
		if err := insertListings(ctx, tx, listings[i:end]); err != nil {
			return fmt.Errorf("postgres: insert listings: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit listings: %w", err)
	}
	return nil
}

func insertListings(ctx context.Context, tx *sql.Tx, batch []models.CanonicalListing) error {
	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]interface{}, 0, len(batch)*listingArity)

	for idx, l := range batch {
		valueStrings = append(valueStrings, placeholders(idx*listingArity, listingArity))
		valueArgs = append(valueArgs,
			l.ID, l.PlatformID, l.ExternalID, l.EventName, l.Venue, l.EventDate, l.PriceMinor, l.Currency,
			string(l.Availability), l.Section, l.Quantity, l.ScrapedAt, l.SourceURL, l.CanonicalEventKey,
			l.DuplicateOf, l.QualityScore, l.CycleID, l.SupersedesID, l.CreatedAt)
	}

	query := fmt.Sprintf(`INSERT INTO canonical_listings (%s) VALUES %s`,
		listingColumns, strings.Join(valueStrings, ","))
	_, err := tx.ExecContext(ctx, query, valueArgs...)
	return err
}

func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}

func (p *Postgres) SaveDecisions(ctx context.Context, decisions []models.Decision) error {
	if len(decisions) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO decisions (id, canonical_listing_id, user_id, factors, composite_score, tier,
			confidence, success_probability, price_variance, reasons, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`)
	if err != nil {
		return fmt.Errorf("postgres: prepare decisions: %w", err)
	}
	defer stmt.Close()

	for _, d := range decisions {
		factors, _ := json.Marshal(d.Factors)
		reasons, _ := json.Marshal(append([]string{}, d.Reasons...))
		if _, err := stmt.ExecContext(ctx, d.ID, d.CanonicalListingID, d.UserID, string(factors), d.CompositeScore,
			string(d.Tier), d.Confidence, d.SuccessProbability, d.PriceVariance, string(reasons), d.CreatedAt); err != nil {
			return fmt.Errorf("postgres: insert decision %s: %w", d.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit decisions: %w", err)
	}
	return nil
}

func (p *Postgres) SaveAttempt(ctx context.Context, a models.PurchaseAttempt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO purchase_attempts (id, decision_id, canonical_listing_id, user_id, platform_id, state,
			attempt_count, last_error, amount_minor, currency, retry_of, approved_by, confirmation_ref,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			last_error = EXCLUDED.last_error,
			confirmation_ref = EXCLUDED.confirmation_ref,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.DecisionID, a.CanonicalListingID, a.UserID, a.PlatformID, string(a.State), a.AttemptCount,
		a.LastError, a.AmountMinor, a.Currency, a.RetryOf, a.ApprovedBy, a.ConfirmationRef, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save attempt %s: %w", a.ID, err)
	}
	return nil
}

func (p *Postgres) WriteAudit(ctx context.Context, r models.AuditRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO purchase_audit (id, attempt_id, decision_id, user_id, platform_id, amount_minor,
			currency, outcome, last_error, confirmation_ref, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.AttemptID, r.DecisionID, r.UserID, r.PlatformID, r.AmountMinor, r.Currency,
		string(r.Outcome), r.LastError, r.ConfirmationRef, r.RecordedAt)
	if err != nil {
		return fmt.Errorf("postgres: write audit %s: %w", r.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanListing(s scanner) (models.CanonicalListing, error) {
	var l models.CanonicalListing
	var avail string
	err := s.Scan(&l.ID, &l.PlatformID, &l.ExternalID, &l.EventName, &l.Venue, &l.EventDate, &l.PriceMinor,
		&l.Currency, &avail, &l.Section, &l.Quantity, &l.ScrapedAt, &l.SourceURL, &l.CanonicalEventKey,
		&l.DuplicateOf, &l.QualityScore, &l.CycleID, &l.SupersedesID, &l.CreatedAt)
	l.Availability = models.AvailabilityStatus(avail)
	return l, err
}

func scanDecision(s scanner) (models.Decision, error) {
	var d models.Decision
	var tier string
	var factors, reasons []byte
	if err := s.Scan(&d.ID, &d.CanonicalListingID, &d.UserID, &factors, &d.CompositeScore, &tier,
		&d.Confidence, &d.SuccessProbability, &d.PriceVariance, &reasons, &d.CreatedAt); err != nil {
		return d, err
	}
	d.Tier = models.Tier(tier)
	if err := json.Unmarshal(factors, &d.Factors); err != nil {
		return d, fmt.Errorf("decode factors: %w", err)
	}
	if err := json.Unmarshal(reasons, &d.Reasons); err != nil {
		return d, fmt.Errorf("decode reasons: %w", err)
	}
	return d, nil
}

func scanAttempt(s scanner) (models.PurchaseAttempt, error) {
	var a models.PurchaseAttempt
	var state string
	err := s.Scan(&a.ID, &a.DecisionID, &a.CanonicalListingID, &a.UserID, &a.PlatformID, &state,
		&a.AttemptCount, &a.LastError, &a.AmountMinor, &a.Currency, &a.RetryOf, &a.ApprovedBy, &a.ConfirmationRef,
		&a.CreatedAt, &a.UpdatedAt)
	a.State = models.PurchaseState(state)
	return a, err
}

const (
	decisionColumns = `id, canonical_listing_id, user_id, factors, composite_score, tier, confidence,
	success_probability, price_variance, reasons, created_at`
	attemptColumns = `id, decision_id, canonical_listing_id, user_id, platform_id, state, attempt_count,
	last_error, amount_minor, currency, retry_of, approved_by, confirmation_ref, created_at, updated_at`
)

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (p *Postgres) FindListing(ctx context.Context, id string) (models.CanonicalListing, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM canonical_listings WHERE id = $1`, id)
	l, err := scanListing(row)
	return l, notFound(err)
}

func (p *Postgres) FindDecision(ctx context.Context, id string) (models.Decision, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id)
	d, err := scanDecision(row)
	return d, notFound(err)
}

func (p *Postgres) FindAttempt(ctx context.Context, id string) (models.PurchaseAttempt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM purchase_attempts WHERE id = $1`, id)
	a, err := scanAttempt(row)
	return a, notFound(err)
}

func (p *Postgres) ListingsForEvent(ctx context.Context, eventKey string) ([]models.CanonicalListing, error) {
	return p.queryListings(ctx, `SELECT `+listingColumns+` FROM canonical_listings
		WHERE canonical_event_key = $1 ORDER BY created_at, id`, eventKey)
}

func (p *Postgres) LatestListing(ctx context.Context, platformID, externalID string) (models.CanonicalListing, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM canonical_listings
		WHERE platform_id = $1 AND external_id = $2 ORDER BY created_at DESC, id DESC LIMIT 1`, platformID, externalID)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return l, false, nil
	}
	if err != nil {
		return l, false, fmt.Errorf("postgres: latest listing: %w", err)
	}
	return l, true, nil
}

func (p *Postgres) Listings(ctx context.Context, q Query) ([]models.CanonicalListing, error) {
	return p.queryListings(ctx, `SELECT `+listingColumns+` FROM canonical_listings
		WHERE ($1::text = '' OR cycle_id = $1) ORDER BY created_at DESC, id DESC LIMIT $2`, q.CycleID, limit(q.Limit, 1000))
}

func (p *Postgres) queryListings(ctx context.Context, query string, args ...any) ([]models.CanonicalListing, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query listings: %w", err)
	}
	defer rows.Close()

	out := []models.CanonicalListing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan listing: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *Postgres) Decisions(ctx context.Context, q Query) ([]models.Decision, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+decisionColumns+` FROM decisions
		WHERE ($1::text = '' OR tier = $1) AND ($2::text = '' OR user_id = $2)
		ORDER BY created_at DESC, id DESC LIMIT $3`, string(q.Tier), q.UserID, limit(q.Limit, 1000))
	if err != nil {
		return nil, fmt.Errorf("postgres: query decisions: %w", err)
	}
	defer rows.Close()

	out := []models.Decision{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) Attempts(ctx context.Context, q Query) ([]models.PurchaseAttempt, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+attemptColumns+` FROM purchase_attempts
		WHERE ($1::text = '' OR user_id = $1) ORDER BY created_at DESC, id DESC LIMIT $2`, q.UserID, limit(q.Limit, 1000))
	if err != nil {
		return nil, fmt.Errorf("postgres: query attempts: %w", err)
	}
	defer rows.Close()

	out := []models.PurchaseAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
