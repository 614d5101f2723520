package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Enucatl/send-bills/internal/calendar"
)

// DefaultDateLayouts are tried in order when a feed does not configure its own
var DefaultDateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"2.1.2006",
	"02/01/2006",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseAmount parses a monetary amount. Thousands separators (apostrophes,
// spaces and the non-decimal separator) are dropped; decimalComma selects
// ',' as the decimal separator.
func ParseAmount(s string, decimalComma bool) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}

	cleaned := strings.NewReplacer("'", "", "’", "", " ", "", " ", "").Replace(s)
	if decimalComma {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	} else {
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}
	return d, nil
}

// ParseDate parses a civil date trying each layout in order
func ParseDate(s string, layouts []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date string cannot be empty")
	}
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}

	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return calendar.Day(t), nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("unable to parse date '%s': %w", s, lastErr)
}
