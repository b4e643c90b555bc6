package scraper

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// dateLayouts are tried in order when a payload carries an event date.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
	"01/02/2006",
	"Jan 2, 2006",
	"Mon, Jan 2, 2006 3:04 PM",
}

var currencySymbols = map[string]string{
	"$": "USD",
	"£": "GBP",
	"€": "EUR",
	"¥": "JPY",
}

// zeroDecimal currencies have no minor unit.
var zeroDecimal = map[string]bool{"JPY": true, "KRW": true}

// ParseDate tries the known layouts and returns the zero time when none match.
func ParseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ParseMoney converts "$1,234.50", "1234.5" or "€99" into minor units.
func ParseMoney(s, currency string) (string, int64, error) {
	s = strings.TrimSpace(s)
	for sym, code := range currencySymbols {
		if strings.HasPrefix(s, sym) {
			s = strings.TrimSpace(strings.TrimPrefix(s, sym))
			if currency == "" {
				currency = code
			}
			break
		}
	}
	s = strings.ReplaceAll(s, ",", "")
	if fields := strings.Fields(s); len(fields) == 2 && len(fields[1]) == 3 {
		s = fields[0]
		if currency == "" {
			currency = strings.ToUpper(fields[1])
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid price %q", s)
	}
	if currency == "" {
		currency = "USD"
	}
	currency = strings.ToUpper(currency)
	if !zeroDecimal[currency] {
		v *= 100
	}
	v = math.Round(v)
	// float64(MaxInt64) rounds up to 2^63, which int64 cannot hold
	if math.IsNaN(v) || v < 0 || v >= math.MaxInt64 {
		return "", 0, fmt.Errorf("invalid price %q", s)
	}
	return currency, int64(v), nil
}

