package extraction

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var monthNames = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "sept": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

var (
	// 25-Dec-2025, 25 Dec 2025, 25.December.2025
	dayMonthNameRe = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?[\s\-/.]+([A-Za-z]{3,9})\.?[\s\-/.,]+(\d{2,4})\b`)
	// December 25, 2025
	monthNameDayRe = regexp.MustCompile(`(?i)\b([A-Za-z]{3,9})\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{2,4})\b`)
	// 2025-12-25
	isoDateRe = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})(?:\b|T)`)
	// 25/12/2025, 25.12.2025, 25-12-2025
	numericDateRe = regexp.MustCompile(`\b(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{2,4})\b`)
)

type dateMatch struct {
	start int
	iso   string
	ok    bool
}

// ParseDate finds the earliest date in s and returns it as YYYY-MM-DD. A
// candidate that cannot be read unambiguously is discarded, and so is
// everything after it: the first date-shaped text decides.
func ParseDate(s string) (string, bool) {
	iso, _, ok := parseDateAt(s)
	return iso, ok
}

// parseDateAt is ParseDate that also reports where the date started.
func parseDateAt(s string) (string, int, bool) {
	best := dateMatch{start: -1}
	consider := func(start int, iso string, ok bool) {
		if best.start == -1 || start < best.start {
			best = dateMatch{start: start, iso: iso, ok: ok}
		}
	}

	if m := isoDateRe.FindStringSubmatchIndex(s); m != nil {
		iso, ok := buildDate(s[m[2]:m[3]], s[m[4]:m[5]], s[m[6]:m[7]])
		consider(m[0], iso, ok)
	}
	if m := dayMonthNameRe.FindStringSubmatchIndex(s); m != nil {
		if month, known := monthNames[strings.ToLower(s[m[4]:m[5]])]; known {
			iso, ok := buildDate(s[m[6]:m[7]], strconv.Itoa(int(month)), s[m[2]:m[3]])
			consider(m[0], iso, ok)
		}
	}
	if m := monthNameDayRe.FindStringSubmatchIndex(s); m != nil {
		if month, known := monthNames[strings.ToLower(s[m[2]:m[3]])]; known {
			iso, ok := buildDate(s[m[6]:m[7]], strconv.Itoa(int(month)), s[m[4]:m[5]])
			consider(m[0], iso, ok)
		}
	}
	if m := numericDateRe.FindStringSubmatchIndex(s); m != nil {
		iso, ok := numericDate(s[m[2]:m[3]], s[m[4]:m[5]], s[m[6]:m[7]])
		consider(m[0], iso, ok)
	}

	if best.start == -1 || !best.ok {
		return "", -1, false
	}
	return best.iso, best.start, true
}

// numericDate reads a/b/year when the order is unambiguous: one part is
// above 12, or both parts are equal. Anything else is discarded.
func numericDate(a, b, year string) (string, bool) {
	x, err1 := strconv.Atoi(a)
	y, err2 := strconv.Atoi(b)
	if err1 != nil || err2 != nil {
		return "", false
	}
	switch {
	case x > 12 && y <= 12:
		return buildDate(year, b, a)
	case y > 12 && x <= 12:
		return buildDate(year, a, b)
	case x == y:
		return buildDate(year, a, b)
	}
	return "", false
}

func buildDate(year, month, day string) (string, bool) {
	if len(year) != 4 {
		return "", false
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return "", false
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return "", false
	}
	d, err := strconv.Atoi(day)
	if err != nil || d < 1 {
		return "", false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return "", false
	}
	return t.Format(time.DateOnly), true
}
