package shipments

import (
	"strings"
	"unicode"

	"github.com/otherjamesbrown/freightdesk/pkg/resolution/rules"
)

const minBookingCore = 5

// NormalizeBooking reduces a booking number to its lookup key: uppercase,
// no whitespace, trailing reference suffixes and carrier SCAC prefixes
// removed. A strip is skipped when it would leave fewer than five
// characters or no digit.
func NormalizeBooking(rb *rules.Rulebook, raw string) string {
	v := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, raw)

	for _, re := range rb.ReferenceSuffixes() {
		if loc := re.FindStringIndex(v); loc != nil && bookingCore(v[:loc[0]]) {
			v = v[:loc[0]]
		}
	}
	for _, prefix := range rb.SCACPrefixes() {
		if !strings.HasPrefix(v, prefix) {
			continue
		}
		rest := strings.TrimLeft(v[len(prefix):], "-/")
		if bookingCore(rest) {
			v = rest
			break
		}
	}
	return v
}

// CleanBooking is the stored raw form: trimmed, uppercased, spaces removed.
func CleanBooking(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), ""))
}

func bookingCore(s string) bool {
	return len(s) >= minBookingCore && strings.ContainsFunc(s, unicode.IsDigit)
}
