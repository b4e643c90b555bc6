package storage

import (
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"ticket-monitor/models"
)

const (
	decisionSheet = "Decisions"
	summarySheet  = "Summary"
)

var decisionHeader = []interface{}{
	"decision_id", "user_id", "platform", "event", "venue", "event_date", "price", "currency",
	"tier", "composite_score", "confidence", "success_probability", "price_variance", "reasons", "created_at",
}

// WriteDecisionReport renders decisions, joined with their listings where
// known, as an XLSX workbook: one row per decision and a tier summary sheet.
func WriteDecisionReport(w io.Writer, decisions []models.Decision, listings map[string]models.CanonicalListing) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", decisionSheet); err != nil {
		return fmt.Errorf("xlsx: rename sheet: %w", err)
	}
	if err := f.SetSheetRow(decisionSheet, "A1", &decisionHeader); err != nil {
		return fmt.Errorf("xlsx: header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("xlsx: style: %w", err)
	}
	if err := f.SetCellStyle(decisionSheet, "A1", "O1", bold); err != nil {
		return fmt.Errorf("xlsx: header style: %w", err)
	}

	tiers := make(map[models.Tier]int)
	for i, d := range decisions {
		tiers[d.Tier]++
		l := listings[d.CanonicalListingID]
		reasons := ""
		for j, r := range d.Reasons {
			if j > 0 {
				reasons += "; "
			}
			reasons += r
		}
		row := []interface{}{
			d.ID, d.UserID, l.PlatformID, l.EventName, l.Venue, formatDate(l), float64(l.PriceMinor) / 100, l.Currency,
			string(d.Tier), d.CompositeScore, d.Confidence, d.SuccessProbability, d.PriceVariance, reasons,
			d.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(decisionSheet, cell, &row); err != nil {
			return fmt.Errorf("xlsx: row %d: %w", i+2, err)
		}
	}
	if err := f.SetColWidth(decisionSheet, "A", "B", 40); err != nil {
		return err
	}
	if err := f.SetColWidth(decisionSheet, "D", "E", 32); err != nil {
		return err
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("xlsx: summary sheet: %w", err)
	}
	if err := f.SetSheetRow(summarySheet, "A1", &[]interface{}{"tier", "decisions"}); err != nil {
		return err
	}
	keys := make([]models.Tier, 0, len(tiers))
	for t := range tiers {
		keys = append(keys, t)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Rank() > keys[j].Rank() })
	for i, t := range keys {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(summarySheet, cell, &[]interface{}{string(t), tiers[t]}); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("xlsx: write: %w", err)
	}
	return nil
}

func formatDate(l models.CanonicalListing) string {
	if l.EventDate.IsZero() {
		return ""
	}
	return l.EventDate.UTC().Format("2006-01-02 15:04")
}
