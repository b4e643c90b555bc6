package services

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"ticket-monitor/models"
	"ticket-monitor/utils"
)

// NormalizeErrorKind tells why a raw listing was dropped.
type NormalizeErrorKind string

const (
	ValidationFailed NormalizeErrorKind = "validation_failed"
	PriceOutOfBounds NormalizeErrorKind = "price_out_of_bounds"
)

// NormalizeError describes one dropped listing. It is counted and reported,
// never returned as a pipeline failure.
type NormalizeError struct {
	Kind    NormalizeErrorKind
	Field   string
	Listing string
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Listing, e.Kind, e.Field)
}

// NormalizerConfig holds the price bounds and duplicate threshold.
type NormalizerConfig struct {
	MinPriceMinor       int64   `yaml:"min_price_minor"`
	MaxPriceMinor       int64   `yaml:"max_price_minor"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// DefaultNormalizerConfig returns $1 - $50,000 bounds and a 0.85 threshold.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		MinPriceMinor:       100,
		MaxPriceMinor:       5_000_000,
		SimilarityThreshold: 0.85,
	}
}

// Result is the outcome of normalising one batch.
type Result struct {
	Listings         []models.CanonicalListing
	Rejected         []NormalizeError
	ValidationFailed int
	PriceOutOfBounds int
	Groups           int
}

// Normalizer validates raw listings and links cross-platform duplicates.
type Normalizer struct {
	cfg         NormalizerConfig
	reliability map[string]float64
	ids         utils.IDGenerator
	now         func() time.Time
	logger      *utils.Logger
}

// NewNormalizer creates a Normalizer. Platform reliability multipliers are
// used to break ties between equally complete listings.
func NewNormalizer(cfg NormalizerConfig, platforms []models.PlatformConfig, logger *utils.Logger) *Normalizer {
	rel := make(map[string]float64, len(platforms))
	for _, p := range platforms {
		rel[p.PlatformID] = p.ReliabilityMultiplier
	}
	return &Normalizer{
		cfg:         cfg,
		reliability: rel,
		ids:         utils.Prefixed("lst_", utils.UUIDv7()),
		now:         time.Now,
		logger:      logger.With("normalizer"),
	}
}

// WithIDs replaces the listing ID generator.
func (n *Normalizer) WithIDs(gen utils.IDGenerator) *Normalizer {
	n.ids = gen
	return n
}

// WithClock replaces the clock used for CreatedAt.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Process validates raws, keeps one record per (platform, external id) and
// groups the survivors into events.
func (n *Normalizer) Process(raws []models.RawListing) Result {
	var res Result
	latest := make(map[string]int, len(raws))
	valid := make([]models.RawListing, 0, len(raws))

	for _, r := range raws {
		r = clean(r)
		if err := n.validate(r); err != nil {
			res.Rejected = append(res.Rejected, *err)
			switch err.Kind {
			case ValidationFailed:
				res.ValidationFailed++
			case PriceOutOfBounds:
				res.PriceOutOfBounds++
			}
			n.logger.Debug("dropping %s", err)
			continue
		}
		if i, seen := latest[r.Key()]; seen {
			if r.ScrapedAt.After(valid[i].ScrapedAt) {
				valid[i] = r
			}
			continue
		}
		latest[r.Key()] = len(valid)
		valid = append(valid, r)
	}

	now := n.now()
	listings := make([]models.CanonicalListing, len(valid))
	for i, r := range valid {
		listings[i] = models.CanonicalListing{
			ID:           n.ids(),
			RawListing:   r,
			QualityScore: qualityScore(r),
			CreatedAt:    now,
		}
	}

	res.Listings = n.Deduplicate(listings)
	groups := make(map[string]struct{})
	for _, l := range res.Listings {
		groups[l.CanonicalEventKey] = struct{}{}
	}
	res.Groups = len(groups)

	n.logger.Info("normalised %d -> %d listings in %d events (validation %d, price bounds %d)",
		len(raws), len(res.Listings), res.Groups, res.ValidationFailed, res.PriceOutOfBounds)
	return res
}

func clean(r models.RawListing) models.RawListing {
	r.EventName = strings.Join(strings.Fields(r.EventName), " ")
	r.Venue = strings.Join(strings.Fields(r.Venue), " ")
	r.Section = strings.TrimSpace(r.Section)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.SourceURL = strings.TrimSpace(r.SourceURL)
	return r
}

func (n *Normalizer) validate(r models.RawListing) *NormalizeError {
	fail := func(kind NormalizeErrorKind, field string) *NormalizeError {
		return &NormalizeError{Kind: kind, Field: field, Listing: r.Key()}
	}
	switch {
	case r.PlatformID == "" || strings.TrimSpace(r.ExternalID) == "":
		return fail(ValidationFailed, "external_id")
	case r.EventName == "":
		return fail(ValidationFailed, "event_name")
	case r.EventDate.IsZero():
		return fail(ValidationFailed, "event_date")
	case r.Venue == "":
		return fail(ValidationFailed, "venue")
	case r.Availability != "" && !r.Availability.Valid():
		return fail(ValidationFailed, "availability_status")
	case r.PriceMinor == models.UnreadablePrice:
		return fail(ValidationFailed, "price_minor")
	}
	if r.PriceMinor < n.cfg.MinPriceMinor || (n.cfg.MaxPriceMinor > 0 && r.PriceMinor > n.cfg.MaxPriceMinor) {
		return fail(PriceOutOfBounds, "price_minor")
	}
	return nil
}

// qualityScore rates completeness in [0,1]: a valid listing starts at 0.5
// and each optional field present adds an equal share of the rest.
func qualityScore(r models.RawListing) float64 {
	optional := []bool{
		r.SourceURL != "",
		r.Section != "",
		r.Quantity > 0,
		len(r.Currency) == 3,
		!r.ScrapedAt.IsZero(),
		r.Availability != "",
	}
	present := 0
	for _, ok := range optional {
		if ok {
			present++
		}
	}
	return 0.5 + 0.5*float64(present)/float64(len(optional))
}

// Deduplicate assigns canonical event keys and duplicate links. Grouping
// depends only on the listing fields, so running it on its own output
// yields the same groups and primaries.
func (n *Normalizer) Deduplicate(listings []models.CanonicalListing) []models.CanonicalListing {
	out := make([]models.CanonicalListing, len(listings))
	copy(out, listings)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PlatformID != out[j].PlatformID {
			return out[i].PlatformID < out[j].PlatformID
		}
		return out[i].ExternalID < out[j].ExternalID
	})

	fps := make([]fingerprint, len(out))
	for i := range out {
		fps[i] = fingerprintOf(out[i].RawListing)
	}

	uf := newUnionFind(len(out))
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if uf.find(i) == uf.find(j) {
				continue
			}
			a, b := fps[i], fps[j]
			if a == b {
				uf.union(i, j)
				continue
			}
			// different days cap the score at name+venue weight
			if a.day != b.day && n.cfg.SimilarityThreshold >= nameWeight+venueWeight {
				continue
			}
			if out[i].PlatformID != out[j].PlatformID && a.similarity(b) > n.cfg.SimilarityThreshold {
				uf.union(i, j)
			}
		}
	}

	members := make(map[int][]int)
	for i := range out {
		root := uf.find(i)
		members[root] = append(members[root], i)
	}
	for _, idx := range members {
		key := eventKey(fps, idx)
		for _, c := range n.offers(out, fps, idx) {
			for k, i := range c {
				out[i].CanonicalEventKey = key
				out[i].DuplicateOf = ""
				if k > 0 {
					out[i].DuplicateOf = out[c[0]].ID
				}
			}
		}
	}
	return out
}

// offers splits one event group into clusters of the same offer seen on
// different platforms. The first index of each cluster is its primary. Two
// listings from one platform are always distinct offers.
func (n *Normalizer) offers(out []models.CanonicalListing, fps []fingerprint, idx []int) [][]int {
	ranked := append([]int(nil), idx...)
	sort.SliceStable(ranked, func(a, b int) bool {
		return n.better(out[ranked[a]], out[ranked[b]])
	})

	var clusters [][]int
next:
	for _, i := range ranked {
		for c, members := range clusters {
			if !n.sameOffer(out, fps, members, i) {
				continue
			}
			clusters[c] = append(members, i)
			continue next
		}
		clusters = append(clusters, []int{i})
	}
	return clusters
}

func (n *Normalizer) sameOffer(out []models.CanonicalListing, fps []fingerprint, members []int, i int) bool {
	for _, m := range members {
		if out[m].PlatformID == out[i].PlatformID {
			return false
		}
	}
	p := members[0]
	return fps[p] == fps[i] || fps[p].similarity(fps[i]) > n.cfg.SimilarityThreshold
}

// better orders primary candidates: quality, then platform reliability,
// then earliest scrape, then key.
func (n *Normalizer) better(a, b models.CanonicalListing) bool {
	if a.QualityScore != b.QualityScore {
		return a.QualityScore > b.QualityScore
	}
	ra, rb := n.reliability[a.PlatformID], n.reliability[b.PlatformID]
	if ra != rb {
		return ra > rb
	}
	if !a.ScrapedAt.Equal(b.ScrapedAt) {
		return a.ScrapedAt.Before(b.ScrapedAt)
	}
	return a.Key() < b.Key()
}

// eventKey hashes the smallest name|day|venue identity in the group, so the
// key follows the event rather than whichever listing is primary.
func eventKey(fps []fingerprint, idx []int) string {
	ident := ""
	for k, i := range idx {
		s := fps[i].name + "|" + fps[i].day + "|" + fps[i].venue
		if k == 0 || s < ident {
			ident = s
		}
	}
	sum := blake3.Sum256([]byte(ident))
	return "evt_" + hex.EncodeToString(sum[:12])
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union keeps the smaller index as root so roots are input-order stable.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}
