package extraction

import (
	"regexp"
	"strings"
)

var containerShapeRe = regexp.MustCompile(`^[A-Z]{4}\d{7}$`)

// NormalizeContainer strips separators and uppercases a container number.
// It reports false when the result is not the ISO 6346 shape.
func NormalizeContainer(raw string) (string, bool) {
	v := strings.ToUpper(strings.NewReplacer(" ", "", "-", "", "\t", "").Replace(raw))
	if !containerShapeRe.MatchString(v) {
		return "", false
	}
	return v, true
}

// ContainerCheckDigitValid verifies the ISO 6346 check digit of a
// normalized container number.
func ContainerCheckDigitValid(v string) bool {
	if !containerShapeRe.MatchString(v) {
		return false
	}
	sum := 0
	weight := 1
	for i := 0; i < 10; i++ {
		sum += containerCharValue(v[i]) * weight
		weight *= 2
	}
	check := sum % 11 % 10
	return int(v[10]-'0') == check
}

// containerCharValue maps A..Z to 10..38 skipping multiples of eleven.
func containerCharValue(c byte) int {
	if c >= '0' && c <= '9' {
		return int(c - '0')
	}
	v := 10
	for ch := byte('A'); ch < c; ch++ {
		v++
		if v%11 == 0 {
			v++
		}
	}
	return v
}
