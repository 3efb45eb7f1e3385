// Package instrument implements instrument-name parsing, expiry checks,
// and the partitioning of an instrument universe across collectors.
package instrument

import (
	"regexp"
	"strings"
	"time"
)

// Deribit settles dated instruments at 08:00 UTC on the expiry day.
const settlementHourUTC = 8

// Matches the date segment of "BTC-26SEP25-60000-C", "ETH-27JUN25" and
// similar dated names. Perpetuals have no date segment and never match.
var expiryPattern = regexp.MustCompile(`^[A-Z0-9_]+-(\d{1,2})([A-Z]{3})(\d{2})(?:-|$)`)

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// ParseExpiry extracts the settlement time from a dated instrument name.
// Returns false for perpetuals and anything it cannot parse.
func ParseExpiry(name string) (time.Time, bool) {
	m := expiryPattern.FindStringSubmatch(strings.ToUpper(name))
	if m == nil {
		return time.Time{}, false
	}
	day := 0
	for _, c := range m[1] {
		day = day*10 + int(c-'0')
	}
	month, ok := months[m[2]]
	if !ok {
		return time.Time{}, false
	}
	year := 2000 + int(m[3][0]-'0')*10 + int(m[3][1]-'0')
	if day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, settlementHourUTC, 0, 0, 0, time.UTC)
	// time.Date normalizes out-of-range days (e.g. 31FEB rolls into March).
	if t.Day() != day || t.Month() != month {
		return time.Time{}, false
	}
	return t, true
}

// IsExpired reports whether the instrument settled at least buffer ago,
// i.e. now >= settlement + buffer. The buffer keeps the instrument live
// through the settlement window so the final prints are captured.
// Unparseable names are never considered expired; dropping live data is
// worse than briefly tracking a dead instrument.
func IsExpired(name string, now time.Time, buffer time.Duration) bool {
	expiry, ok := ParseExpiry(name)
	if !ok {
		return false
	}
	return !now.Before(expiry.Add(buffer))
}

// NextExpiry returns the earliest settlement time among names, ignoring
// perpetuals and unparseable entries. ok is false when none parse.
func NextExpiry(names []string) (time.Time, bool) {
	var next time.Time
	found := false
	for _, n := range names {
		expiry, ok := ParseExpiry(n)
		if !ok {
			continue
		}
		if !found || expiry.Before(next) {
			next = expiry
			found = true
		}
	}
	return next, found
}

// FilterExpired splits names into live and expired sets relative to now
// with the given buffer. Order is preserved.
func FilterExpired(names []string, now time.Time, buffer time.Duration) (live, expired []string) {
	for _, n := range names {
		if IsExpired(n, now, buffer) {
			expired = append(expired, n)
		} else {
			live = append(live, n)
		}
	}
	return live, expired
}
