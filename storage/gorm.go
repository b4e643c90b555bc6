package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"ticket-monitor/models"
)

type listingRow struct {
	ID                string    `gorm:"primaryKey;size:64"`
	PlatformID        string    `gorm:"size:50;index:idx_offer,priority:1;not null"`
	ExternalID        string    `gorm:"size:191;index:idx_offer,priority:2;not null"`
	EventName         string    `gorm:"type:text;not null"`
	Venue             string    `gorm:"type:text;not null"`
	EventDate         time.Time `gorm:"not null"`
	PriceMinor        int64     `gorm:"not null"`
	Currency          string    `gorm:"size:3;not null"`
	Availability      string    `gorm:"size:20;not null"`
	Section           string    `gorm:"size:191"`
	Quantity          int
	ScrapedAt         time.Time `gorm:"not null"`
	SourceURL         string    `gorm:"type:text"`
	CanonicalEventKey string    `gorm:"size:64;index;not null"`
	DuplicateOf       string    `gorm:"size:64"`
	QualityScore      float64
	CycleID           string    `gorm:"size:64;index;not null"`
	SupersedesID      string    `gorm:"size:64"`
	CreatedAt         time.Time `gorm:"index:idx_offer,priority:3"`
}

func (listingRow) TableName() string { return "canonical_listings" }

type decisionRow struct {
	ID                 string `gorm:"primaryKey;size:64"`
	CanonicalListingID string `gorm:"size:64;index;not null"`
	UserID             string `gorm:"size:64;index;not null"`
	Factors            string `gorm:"type:json;not null"`
	CompositeScore     float64
	Tier               string `gorm:"size:20;index;not null"`
	Confidence         float64
	SuccessProbability float64
	PriceVariance      float64
	Reasons            string `gorm:"type:json"`
	CreatedAt          time.Time
}

func (decisionRow) TableName() string { return "decisions" }

type attemptRow struct {
	ID                 string `gorm:"primaryKey;size:64"`
	DecisionID         string `gorm:"size:64;not null"`
	CanonicalListingID string `gorm:"size:64;index;not null"`
	UserID             string `gorm:"size:64;index;not null"`
	PlatformID         string `gorm:"size:50;not null"`
	State              string `gorm:"size:20;not null"`
	AttemptCount       int    `gorm:"not null"`
	LastError          string `gorm:"type:text"`
	AmountMinor        int64  `gorm:"not null"`
	Currency           string `gorm:"size:3;not null"`
	RetryOf            string `gorm:"size:64"`
	ApprovedBy         string `gorm:"size:64"`
	ConfirmationRef    string `gorm:"size:191"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (attemptRow) TableName() string { return "purchase_attempts" }

type auditRow struct {
	ID              string `gorm:"primaryKey;size:64"`
	AttemptID       string `gorm:"size:64;index;not null"`
	DecisionID      string `gorm:"size:64;not null"`
	UserID          string `gorm:"size:64;not null"`
	PlatformID      string `gorm:"size:50;not null"`
	AmountMinor     int64  `gorm:"not null"`
	Currency        string `gorm:"size:3;not null"`
	Outcome         string `gorm:"size:20;not null"`
	LastError       string `gorm:"type:text"`
	ConfirmationRef string `gorm:"size:191"`
	RecordedAt      time.Time
}

func (auditRow) TableName() string { return "purchase_audit" }

// Gorm is a Repository and AuditWriter for MySQL deployments.
type Gorm struct {
	db *gorm.DB
}

// NewMySQL connects through the gorm MySQL driver and migrates the tables.
func NewMySQL(dsn string) (*Gorm, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("mysql: connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("mysql: underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return NewGorm(db)
}

// NewGorm wraps an open gorm handle and migrates the tables.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&listingRow{}, &decisionRow{}, &attemptRow{}, &auditRow{}); err != nil {
		return nil, fmt.Errorf("gorm: migrate: %w", err)
	}
	return &Gorm{db: db}, nil
}

func toListingRow(l models.CanonicalListing) listingRow {
	return listingRow{
		ID: l.ID, PlatformID: l.PlatformID, ExternalID: l.ExternalID, EventName: l.EventName, Venue: l.Venue,
		EventDate: l.EventDate, PriceMinor: l.PriceMinor, Currency: l.Currency, Availability: string(l.Availability),
		Section: l.Section, Quantity: l.Quantity, ScrapedAt: l.ScrapedAt, SourceURL: l.SourceURL,
		CanonicalEventKey: l.CanonicalEventKey, DuplicateOf: l.DuplicateOf, QualityScore: l.QualityScore,
		CycleID: l.CycleID, SupersedesID: l.SupersedesID, CreatedAt: l.CreatedAt,
	}
}

func (r listingRow) model() models.CanonicalListing {
	return models.CanonicalListing{
		ID: r.ID,
		RawListing: models.RawListing{
			PlatformID: r.PlatformID, ExternalID: r.ExternalID, EventName: r.EventName, Venue: r.Venue,
			EventDate: r.EventDate, PriceMinor: r.PriceMinor, Currency: r.Currency,
			Availability: models.AvailabilityStatus(r.Availability), Section: r.Section, Quantity: r.Quantity,
			ScrapedAt: r.ScrapedAt, SourceURL: r.SourceURL,
		},
		CanonicalEventKey: r.CanonicalEventKey, DuplicateOf: r.DuplicateOf, QualityScore: r.QualityScore,
		CycleID: r.CycleID, SupersedesID: r.SupersedesID, CreatedAt: r.CreatedAt,
	}
}

func toDecisionRow(d models.Decision) decisionRow {
	factors, _ := json.Marshal(d.Factors)
	reasons, _ := json.Marshal(append([]string{}, d.Reasons...))
	return decisionRow{
		ID: d.ID, CanonicalListingID: d.CanonicalListingID, UserID: d.UserID, Factors: string(factors),
		CompositeScore: d.CompositeScore, Tier: string(d.Tier), Confidence: d.Confidence,
		SuccessProbability: d.SuccessProbability, PriceVariance: d.PriceVariance, Reasons: string(reasons),
		CreatedAt: d.CreatedAt,
	}
}

func (r decisionRow) model() (models.Decision, error) {
	d := models.Decision{
		ID: r.ID, CanonicalListingID: r.CanonicalListingID, UserID: r.UserID, CompositeScore: r.CompositeScore,
		Tier: models.Tier(r.Tier), Confidence: r.Confidence, SuccessProbability: r.SuccessProbability,
		PriceVariance: r.PriceVariance, CreatedAt: r.CreatedAt,
	}
	if err := json.Unmarshal([]byte(r.Factors), &d.Factors); err != nil {
		return d, fmt.Errorf("gorm: decode factors of %s: %w", r.ID, err)
	}
	if r.Reasons != "" {
		if err := json.Unmarshal([]byte(r.Reasons), &d.Reasons); err != nil {
			return d, fmt.Errorf("gorm: decode reasons of %s: %w", r.ID, err)
		}
	}
	return d, nil
}

func toAttemptRow(a models.PurchaseAttempt) attemptRow {
	return attemptRow{
		ID: a.ID, DecisionID: a.DecisionID, CanonicalListingID: a.CanonicalListingID, UserID: a.UserID,
		PlatformID: a.PlatformID, State: string(a.State), AttemptCount: a.AttemptCount, LastError: a.LastError,
		AmountMinor: a.AmountMinor, Currency: a.Currency, RetryOf: a.RetryOf, ApprovedBy: a.ApprovedBy,
		ConfirmationRef: a.ConfirmationRef, CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt,
	}
}

func (r attemptRow) model() models.PurchaseAttempt {
	return models.PurchaseAttempt{
		ID: r.ID, DecisionID: r.DecisionID, CanonicalListingID: r.CanonicalListingID, UserID: r.UserID,
		PlatformID: r.PlatformID, State: models.PurchaseState(r.State), AttemptCount: r.AttemptCount,
		LastError: r.LastError, AmountMinor: r.AmountMinor, Currency: r.Currency, RetryOf: r.RetryOf,
		ApprovedBy: r.ApprovedBy, ConfirmationRef: r.ConfirmationRef, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func (g *Gorm) SaveListings(ctx context.Context, listings []models.CanonicalListing) error {
	if len(listings) == 0 {
		return nil
	}
	rows := make([]listingRow, len(listings))
	for i, l := range listings {
		rows[i] = toListingRow(l)
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(rows, 50).Error; err != nil {
			return fmt.Errorf("gorm: insert listings: %w", err)
		}
		return nil
	})
}

func (g *Gorm) SaveDecisions(ctx context.Context, decisions []models.Decision) error {
	if len(decisions) == 0 {
		return nil
	}
	rows := make([]decisionRow, len(decisions))
	for i, d := range decisions {
		rows[i] = toDecisionRow(d)
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(rows, 50).Error; err != nil {
			return fmt.Errorf("gorm: insert decisions: %w", err)
		}
		return nil
	})
}

func (g *Gorm) SaveAttempt(ctx context.Context, a models.PurchaseAttempt) error {
	row := toAttemptRow(a)
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "last_error", "confirmation_ref", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("gorm: save attempt %s: %w", a.ID, err)
	}
	return nil
}

func (g *Gorm) WriteAudit(ctx context.Context, r models.AuditRecord) error {
	row := auditRow{
		ID: r.ID, AttemptID: r.AttemptID, DecisionID: r.DecisionID, UserID: r.UserID, PlatformID: r.PlatformID,
		AmountMinor: r.AmountMinor, Currency: r.Currency, Outcome: string(r.Outcome), LastError: r.LastError,
		ConfirmationRef: r.ConfirmationRef, RecordedAt: r.RecordedAt,
	}
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("gorm: write audit %s: %w", r.ID, err)
	}
	return nil
}

func gormNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (g *Gorm) FindListing(ctx context.Context, id string) (models.CanonicalListing, error) {
	var row listingRow
	if err := g.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return models.CanonicalListing{}, gormNotFound(err)
	}
	return row.model(), nil
}

func (g *Gorm) FindDecision(ctx context.Context, id string) (models.Decision, error) {
	var row decisionRow
	if err := g.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return models.Decision{}, gormNotFound(err)
	}
	return row.model()
}

func (g *Gorm) FindAttempt(ctx context.Context, id string) (models.PurchaseAttempt, error) {
	var row attemptRow
	if err := g.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return models.PurchaseAttempt{}, gormNotFound(err)
	}
	return row.model(), nil
}

func (g *Gorm) ListingsForEvent(ctx context.Context, eventKey string) ([]models.CanonicalListing, error) {
	var rows []listingRow
	if err := g.db.WithContext(ctx).Where("canonical_event_key = ?", eventKey).
		Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gorm: listings for event: %w", err)
	}
	return listingModels(rows), nil
}

func (g *Gorm) LatestListing(ctx context.Context, platformID, externalID string) (models.CanonicalListing, bool, error) {
	var rows []listingRow
	err := g.db.WithContext(ctx).Where("platform_id = ? AND external_id = ?", platformID, externalID).
		Order("created_at DESC, id DESC").Limit(1).Find(&rows).Error
	if err != nil {
		return models.CanonicalListing{}, false, fmt.Errorf("gorm: latest listing: %w", err)
	}
	if len(rows) == 0 {
		return models.CanonicalListing{}, false, nil
	}
	return rows[0].model(), true, nil
}

func (g *Gorm) Listings(ctx context.Context, q Query) ([]models.CanonicalListing, error) {
	tx := g.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit(q.Limit, 1000))
	if q.CycleID != "" {
		tx = tx.Where("cycle_id = ?", q.CycleID)
	}
	var rows []listingRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gorm: listings: %w", err)
	}
	return listingModels(rows), nil
}

func listingModels(rows []listingRow) []models.CanonicalListing {
	out := make([]models.CanonicalListing, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out
}

func (g *Gorm) Decisions(ctx context.Context, q Query) ([]models.Decision, error) {
	tx := g.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit(q.Limit, 1000))
	if q.Tier != "" {
		tx = tx.Where("tier = ?", string(q.Tier))
	}
	if q.UserID != "" {
		tx = tx.Where("user_id = ?", q.UserID)
	}
	var rows []decisionRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gorm: decisions: %w", err)
	}
	out := make([]models.Decision, 0, len(rows))
	for _, r := range rows {
		d, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (g *Gorm) Attempts(ctx context.Context, q Query) ([]models.PurchaseAttempt, error) {
	tx := g.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit(q.Limit, 1000))
	if q.UserID != "" {
		tx = tx.Where("user_id = ?", q.UserID)
	}
	var rows []attemptRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gorm: attempts: %w", err)
	}
	out := make([]models.PurchaseAttempt, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
