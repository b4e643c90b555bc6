package services

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"ticket-monitor/models"
)

// Component weights of the listing similarity score.
const (
	nameWeight  = 0.5
	venueWeight = 0.3
	dateWeight  = 0.2
)

// tokenAliases folds common spellings of the same word.
var tokenAliases = map[string]string{
	"versus": "vs",
	"v":      "vs",
	"and":    "&",
	"st":     "saint",
	"ctr":    "center",
	"centre": "center",
}

var stopTokens = map[string]bool{"the": true, "at": true}

// NormalizeText lowercases s, strips diacritics and punctuation, folds
// aliases and collapses whitespace.
func NormalizeText(s string) string {
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(fold, s); err == nil {
		s = folded
	}
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '&':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	fields := strings.Fields(b.String())
	out := fields[:0]
	for _, f := range fields {
		if stopTokens[f] {
			continue
		}
		if a, ok := tokenAliases[f]; ok {
			f = a
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}

// StringSimilarity returns 1 - levenshtein(a,b)/max(len) over runes, so
// identical strings score 1 and disjoint ones approach 0.
func StringSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// fingerprint caches the normalised comparison fields of a listing.
type fingerprint struct {
	name  string
	venue string
	day   string
}

func fingerprintOf(l models.RawListing) fingerprint {
	return fingerprint{
		name:  NormalizeText(l.EventName),
		venue: NormalizeText(l.Venue),
		day:   l.EventDate.UTC().Format(time.DateOnly),
	}
}

func (f fingerprint) similarity(o fingerprint) float64 {
	s := nameWeight*StringSimilarity(f.name, o.name) + venueWeight*StringSimilarity(f.venue, o.venue)
	if f.day == o.day {
		s += dateWeight
	}
	return s
}

// Similarity scores how likely a and b describe the same real-world event:
// a weighted blend of name, venue and event-day agreement in [0,1].
func Similarity(a, b models.RawListing) float64 {
	return fingerprintOf(a).similarity(fingerprintOf(b))
}
