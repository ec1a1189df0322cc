package features

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lox/kalbot/internal/models"
)

// Low-temperature market tickers look like KXLOWTNYC-26AUG29-B45.5: series
// prefix, city code, two-digit year, month abbreviation, day of month, and
// a strike suffix we ignore in favor of the title text.
var tickerRe = regexp.MustCompile(`^KXLOWT([A-Z]+)-(\d{2})([A-Z]{3})(\d{2})`)

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// ParseTicker extracts the city code and target date from a market ticker.
func ParseTicker(ticker string) (cityCode string, targetDate time.Time, err error) {
	m := tickerRe.FindStringSubmatch(ticker)
	if m == nil {
		return "", time.Time{}, fmt.Errorf("unrecognized ticker %q", ticker)
	}
	month, ok := months[m[3]]
	if !ok {
		return "", time.Time{}, fmt.Errorf("unrecognized month in ticker %q", ticker)
	}
	year, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[4])
	return m[1], time.Date(2000+year, month, day, 0, 0, 0, 0, time.UTC), nil
}

var (
	aboveRe   = regexp.MustCompile(`(?i)\babove\s+(-?\d+(?:\.\d+)?)°?`)
	belowRe   = regexp.MustCompile(`(?i)\bbelow\s+(-?\d+(?:\.\d+)?)°?`)
	betweenRe = regexp.MustCompile(`(?i)\bbetween\s+(-?\d+(?:\.\d+)?)°?\s+and\s+(-?\d+(?:\.\d+)?)°?`)
)

// ParseStrike extracts the settlement condition from a market title, e.g.
// "Will the low temp in NYC be above 45° today?".
func ParseStrike(title string) (models.Strike, error) {
	if m := betweenRe.FindStringSubmatch(title); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		hi, _ := strconv.ParseFloat(m[2], 64)
		if hi < lo {
			lo, hi = hi, lo
		}
		return models.Strike{Kind: models.StrikeBetween, Lower: lo, Upper: hi}, nil
	}
	if m := aboveRe.FindStringSubmatch(title); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		return models.Strike{Kind: models.StrikeAbove, Lower: v}, nil
	}
	if m := belowRe.FindStringSubmatch(title); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		return models.Strike{Kind: models.StrikeBelow, Lower: v}, nil
	}
	return models.Strike{}, fmt.Errorf("no strike in title %q", strings.TrimSpace(title))
}
