package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"ticket-monitor/models"
)

var auditHeader = []string{
	"id", "attempt_id", "decision_id", "user_id", "platform_id", "amount_minor", "currency",
	"outcome", "last_error", "confirmation_ref", "recorded_at",
}

// CSVAudit appends audit records to a CSV file. It is safe for concurrent use.
type CSVAudit struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewCSVAudit opens path for appending, creating it and its directories if
// needed. The header row is written only to a new, empty file.
func NewCSVAudit(path string) (*CSVAudit, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("csv: open file %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: stat %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(auditHeader); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("csv: write header: %w", err)
		}
		w.Flush()
	}

	return &CSVAudit{file: f, writer: w}, nil
}

// WriteAudit appends one row and flushes it.
func (c *CSVAudit) WriteAudit(_ context.Context, r models.AuditRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := []string{
		r.ID,
		r.AttemptID,
		r.DecisionID,
		r.UserID,
		r.PlatformID,
		strconv.FormatInt(r.AmountMinor, 10),
		r.Currency,
		string(r.Outcome),
		r.LastError,
		r.ConfirmationRef,
		r.RecordedAt.UTC().Format(time.RFC3339),
	}
	if err := c.writer.Write(row); err != nil {
		return fmt.Errorf("csv: write row: %w", err)
	}
	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes and closes the underlying file.
func (c *CSVAudit) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer.Flush()
	return c.file.Close()
}
