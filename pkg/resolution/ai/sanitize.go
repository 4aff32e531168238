package ai

import (
	"strings"

	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
)

// TypeNormalizer maps free-text labels onto the document catalogue.
type TypeNormalizer interface {
	NormalizeDocumentType(label string) resolution.DocumentType
}

// ClampConfidence bounds c to 0..100.
func ClampConfidence(c int) int {
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	}
	return c
}

// SanitizeClassification normalizes the model's label. It reports false
// when the label does not map to a known type.
func SanitizeClassification(n TypeNormalizer, resp *ClassifyResponse) (resolution.DocumentType, int, bool) {
	if resp == nil {
		return resolution.DocUnknown, 0, false
	}
	dt := n.NormalizeDocumentType(resp.DocumentType)
	if dt == resolution.DocUnknown {
		return resolution.DocUnknown, 0, false
	}
	return dt, ClampConfidence(resp.Confidence), true
}

// SanitizeIdentifiers drops entries with unknown kinds, kinds that were not
// asked for, or empty values, and trims what remains. Value validation is
// left to the extractor so both tiers share one set of rules.
func SanitizeIdentifiers(resp *ExtractResponse, wanted []resolution.IdentifierKind) []Identifier {
	if resp == nil {
		return nil
	}
	allowed := make(map[resolution.IdentifierKind]bool, len(wanted))
	for _, k := range wanted {
		allowed[k] = true
	}

	out := make([]Identifier, 0, len(resp.Identifiers))
	for _, id := range resp.Identifiers {
		kind := resolution.IdentifierKind(resolution.CanonicalToken(id.Kind))
		if !kind.Valid() {
			continue
		}
		if len(allowed) > 0 && !allowed[kind] {
			continue
		}
		value := strings.TrimSpace(id.Value)
		if value == "" || strings.EqualFold(value, "null") || strings.EqualFold(value, "n/a") {
			continue
		}
		out = append(out, Identifier{
			Kind:       string(kind),
			Value:      value,
			Confidence: ClampConfidence(id.Confidence),
		})
	}
	return out
}
