package services

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"ticket-monitor/models"
	"ticket-monitor/utils"
)

// InsightService turns one cycle's outcome into a CycleReport and prints it.
type InsightService struct {
	logger *utils.Logger
	out    io.Writer
}

func NewInsightService(logger *utils.Logger) *InsightService {
	return &InsightService{logger: logger.With("insights"), out: os.Stdout}
}

// WithOutput redirects Print.
func (s *InsightService) WithOutput(w io.Writer) *InsightService {
	s.out = w
	return s
}

// Generate fills the computed parts of r from normalizer output and decisions.
// Timing, cancellation and queue counts are left to the caller.
func (s *InsightService) Generate(r *models.CycleReport, raw int, res Result, decisions []models.Decision) {
	r.RawListings = raw
	r.CanonicalCount = len(res.Listings)
	r.EventGroups = res.Groups
	r.ValidationFailed = res.ValidationFailed
	r.PriceOutOfBounds = res.PriceOutOfBounds
	if r.Tiers == nil {
		r.Tiers = make(map[models.Tier]int)
	}
	r.CheapestByEvent = make(map[string]int64)
	r.EventNames = make(map[string]string)

	for _, l := range res.Listings {
		key := l.CanonicalEventKey
		if cur, ok := r.CheapestByEvent[key]; !ok || l.PriceMinor < cur {
			r.CheapestByEvent[key] = l.PriceMinor
		}
		if l.IsPrimary() {
			r.EventNames[key] = l.EventName
		} else if _, ok := r.EventNames[key]; !ok {
			r.EventNames[key] = l.EventName
		}
	}
	for _, d := range decisions {
		r.Tiers[d.Tier]++
	}
	s.logger.Debug("cycle %s: %d raw, %d canonical, %d groups", r.CycleID, raw, r.CanonicalCount, r.EventGroups)
}

func (s *InsightService) Print(r *models.CycleReport) {
	w := s.out
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  🎟  TICKET CYCLE %s\033[0m\n", truncate(r.CycleID, 36))
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Duration             : \033[1m%s\033[0m\n", r.FinishedAt.Sub(r.StartedAt).Round(1e6))
	if r.Cancelled {
		fmt.Fprintf(w, "  Status               : \033[1;31mcancelled, nothing committed\033[0m\n")
	}
	fmt.Fprintf(w, "  Raw listings         : \033[1m%d\033[0m\n", r.RawListings)
	fmt.Fprintf(w, "  Canonical listings   : \033[1m%d\033[0m\n", r.CanonicalCount)
	fmt.Fprintf(w, "  Event groups         : \033[1m%d\033[0m\n", r.EventGroups)
	fmt.Fprintf(w, "  Dropped (invalid)    : %d\n", r.ValidationFailed)
	fmt.Fprintf(w, "  Dropped (price)      : %d\n", r.PriceOutOfBounds)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Platforms\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	ids := make([]string, 0, len(r.Platforms))
	for id := range r.Platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := r.Platforms[id]
		if p.Error != "" {
			fmt.Fprintf(w, "  %-20s \033[1;31m%s\033[0m %s\n", id, p.ErrorKind, truncate(p.Error, 28))
			continue
		}
		fmt.Fprintf(w, "  %-20s \033[1;32m%4d\033[0m listings in %s\n", id, p.Listings, p.Duration.Round(1e6))
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Decisions\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	for _, t := range []models.Tier{models.TierAutoPurchase, models.TierRecommend, models.TierIgnore} {
		n := r.Tiers[t]
		fmt.Fprintf(w, "  %-14s %s (%d)\n", t, strings.Repeat("█", min(n, 30)), n)
	}
	fmt.Fprintf(w, "  Purchases queued : \033[1m%d\033[0m\n", r.PurchasesQueued)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Cheapest by Event\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(r.CheapestByEvent) == 0 {
		fmt.Fprintf(w, "  No listings this cycle\n")
	}
	for i, c := range cheapest(r) {
		if i == 5 {
			break
		}
		fmt.Fprintf(w, "  \033[1m%d.\033[0m %-38s \033[1;32m%10.2f\033[0m\n", i+1, truncate(c.name, 38), float64(c.price)/100)
	}

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

type eventPrice struct {
	key   string
	name  string
	price int64
}

func cheapest(r *models.CycleReport) []eventPrice {
	out := make([]eventPrice, 0, len(r.CheapestByEvent))
	for k, p := range r.CheapestByEvent {
		name := r.EventNames[k]
		if name == "" {
			name = k
		}
		out = append(out, eventPrice{key: k, name: name, price: p})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].price != out[j].price {
			return out[i].price < out[j].price
		}
		return out[i].key < out[j].key
	})
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
