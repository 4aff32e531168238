// Package extraction pulls structured shipment identifiers out of a
// message. The rulebook's pattern families run first; the AI collaborator
// fills gaps in free-text attachments and its answers pass through the
// same validators.
package extraction

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/ai"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/rules"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/textnorm"
)

// Pattern-tier confidences.
const (
	confidenceCarrierBooking = 95
	confidenceGenericBooking = 90
	confidenceContainerValid = 95
	confidenceContainerShape = 80
	confidenceDate           = 90
	confidenceLabelled       = 85
	confidenceAIDefault      = 60

	// A labelled date must start this close to its label.
	maxDateOffset = 12
	maxDateWindow = 48
)

// RulebookSource supplies the current rulebook.
type RulebookSource interface {
	Current() *rules.Rulebook
}

// Result is the identifier set found in one message.
type Result struct {
	Identifiers resolution.Identifiers
	AIUsed      bool
	AIErr       error
}

// Extractor is the Identifier Extractor.
type Extractor struct {
	rules  RulebookSource
	ai     ai.Client
	logger logging.Logger
	now    func() time.Time
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithAI enables AI fallback on attachment text.
func WithAI(c ai.Client) Option {
	return func(e *Extractor) { e.ai = c }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l.With(logging.F("component", "extractor"))
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// NewExtractor creates an Extractor.
func NewExtractor(src RulebookSource, opts ...Option) *Extractor {
	e := &Extractor{
		rules:  src,
		logger: logging.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type section struct {
	name string
	text string
}

type collector struct {
	messageID string
	createdAt time.Time
	out       resolution.Identifiers
	seen      map[string]bool
	kinds     map[resolution.IdentifierKind]bool
}

func (c *collector) add(kind resolution.IdentifierKind, value string, confidence int, method resolution.ExtractionMethod, source string) {
	key := string(kind) + "\x00" + value
	if c.seen[key] {
		return
	}
	c.seen[key] = true
	c.kinds[kind] = true
	c.out = append(c.out, resolution.ExtractedIdentifier{
		MessageID:        c.messageID,
		Kind:             kind,
		Value:            value,
		Confidence:       confidence,
		ExtractionMethod: method,
		Source:           source,
		CreatedAt:        c.createdAt,
	})
}

func (c *collector) has(kind resolution.IdentifierKind, value string) bool {
	return c.seen[string(kind)+"\x00"+value]
}

// Extract returns the identifiers in msg. The document type only decides
// whether the AI tier is worth calling; it never gates the pattern tier.
// The output is ordered by kind and then by discovery, so identical input
// always yields an identical set.
func (e *Extractor) Extract(ctx context.Context, msg *resolution.Message, dt resolution.DocumentType, dir resolution.ResolvedDirection) Result {
	rb := e.rules.Current()
	attachment := textnorm.Normalize(msg.AttachmentText())
	sections := []section{
		{"subject", textnorm.Normalize(msg.Subject)},
		{"body", textnorm.Normalize(msg.Body)},
		{"attachment", attachment},
	}

	col := &collector{
		messageID: msg.ID,
		createdAt: e.now().UTC(),
		seen:      make(map[string]bool),
		kinds:     make(map[resolution.IdentifierKind]bool),
	}

	fields := rb.Fields()
	for i := range fields {
		fr := &fields[i]
		kind := fr.IdentifierKind()
		if kind.IsDate() {
			extractDate(fr, sections, col)
			continue
		}

		type family struct {
			patterns   []*regexp.Regexp
			confidence int
		}
		var families []family
		if kind == resolution.KindBookingNumber && dir.CarrierID != "" {
			if carrier, ok := rb.CarrierByID(dir.CarrierID); ok {
				families = append(families, family{carrier.BookingRegexps(), confidenceCarrierBooking})
			}
		}
		generic := confidenceLabelled
		if kind == resolution.KindBookingNumber {
			generic = confidenceGenericBooking
		}
		families = append(families, family{fr.PatternRegexps(), generic})

	kindLoop:
		for _, fam := range families {
			for _, sec := range sections {
				if sec.text == "" {
					continue
				}
				for _, re := range fam.patterns {
					for _, m := range re.FindAllStringSubmatch(sec.text, -1) {
						if len(m) < 2 {
							continue
						}
						value, conf, ok := normalizeValue(fr, m[1])
						if !ok || shadowed(col, kind, value) {
							continue
						}
						if kind != resolution.KindContainerNumber {
							conf = fam.confidence
						}
						col.add(kind, value, conf, resolution.ExtractedByPattern, sec.name)
						if !fr.Multi {
							break kindLoop
						}
					}
				}
			}
		}
	}

	res := Result{}
	if e.ai != nil && attachment != "" && !anyPresent(col, rb.PriorityKinds(dt)) {
		res.AIUsed = true
		res.AIErr = e.fillFromAI(ctx, rb, msg, dt, dir, sections, col)
	}

	sort.SliceStable(col.out, func(i, j int) bool {
		return col.out[i].Kind.Rank() < col.out[j].Kind.Rank()
	})
	res.Identifiers = col.out
	return res
}

func (e *Extractor) fillFromAI(ctx context.Context, rb *rules.Rulebook, msg *resolution.Message, dt resolution.DocumentType, dir resolution.ResolvedDirection, sections []section, col *collector) error {
	var wanted []resolution.IdentifierKind
	for _, k := range resolution.AllIdentifierKinds() {
		if !col.kinds[k] {
			wanted = append(wanted, k)
		}
	}
	if len(wanted) == 0 {
		return nil
	}

	resp, err := e.ai.Extract(ctx, ai.Request{
		MessageID:      msg.ID,
		Task:           ai.TaskExtract,
		Subject:        sections[0].text,
		Body:           sections[1].text,
		AttachmentText: sections[2].text,
		Direction:      dir.Direction,
		DocumentType:   dt,
		WantedKinds:    wanted,
	})
	if err != nil {
		e.logger.Warn("AI extraction failed",
			logging.F("message_id", msg.ID),
			logging.Err(err))
		return err
	}

	filled := make(map[resolution.IdentifierKind]bool)
	accepted, rejected := 0, 0
	for _, id := range ai.SanitizeIdentifiers(resp, wanted) {
		kind := resolution.IdentifierKind(id.Kind)
		fr, ok := rb.Field(kind)
		if !ok {
			rejected++
			continue
		}
		value, conf, ok := normalizeValue(fr, id.Value)
		if !ok || shadowed(col, kind, value) || (filled[kind] && !fr.Multi) {
			rejected++
			continue
		}
		if id.Confidence > 0 {
			conf = min(conf, id.Confidence)
		} else {
			conf = min(conf, confidenceAIDefault)
		}
		filled[kind] = true
		col.add(kind, value, conf, resolution.ExtractedByAI, "ai")
		accepted++
	}
	e.logger.Debug("AI extraction merged",
		logging.F("message_id", msg.ID),
		logging.F("accepted", accepted),
		logging.F("rejected", rejected))
	return nil
}

// shadowed reports whether a generic B/L value was already captured as a
// master or house bill.
func shadowed(col *collector, kind resolution.IdentifierKind, value string) bool {
	if kind != resolution.KindBLNumber {
		return false
	}
	return col.has(resolution.KindMBLNumber, value) || col.has(resolution.KindHBLNumber, value)
}

func anyPresent(col *collector, kinds []resolution.IdentifierKind) bool {
	for _, k := range kinds {
		if col.kinds[k] {
			return true
		}
	}
	return false
}

// extractDate searches each label occurrence and accepts the first date
// that starts right after it.
func extractDate(fr *rules.FieldRule, sections []section, col *collector) {
	kind := fr.IdentifierKind()
	for _, sec := range sections {
		for _, re := range fr.LabelRegexps() {
			for _, loc := range re.FindAllStringIndex(sec.text, -1) {
				window := dateWindow(sec.text[loc[1]:])
				iso, start, ok := parseDateAt(window)
				if !ok || start > maxDateOffset {
					continue
				}
				col.add(kind, iso, confidenceDate, resolution.ExtractedByPattern, sec.name)
				return
			}
		}
	}
}

// dateWindow returns the text that follows a label on the same line, or the
// next line when the label ends its line.
func dateWindow(rest string) string {
	rest = strings.TrimLeft(rest, " \t:=-|.")
	if strings.HasPrefix(rest, "\n") {
		rest = strings.TrimLeft(rest, " \t\n:=-|.")
	}
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.Index(rest, "  "); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '|'); i >= 0 {
		rest = rest[:i]
	}
	return textnorm.Truncate(rest, maxDateWindow)
}

// normalizeValue applies a field's validators to a raw candidate. Both tiers
// go through here.
func normalizeValue(fr *rules.FieldRule, raw string) (string, int, bool) {
	kind := fr.IdentifierKind()
	switch {
	case kind == resolution.KindContainerNumber:
		v, ok := NormalizeContainer(raw)
		if !ok {
			return "", 0, false
		}
		if ContainerCheckDigitValid(v) {
			return v, confidenceContainerValid, true
		}
		return v, confidenceContainerShape, true
	case kind.IsDate():
		iso, ok := ParseDate(raw)
		if !ok {
			return "", 0, false
		}
		return iso, confidenceDate, true
	}

	v := textnorm.CollapseSpace(fr.Truncate(raw))
	v = strings.Trim(v, " \t,;:.-/#")
	if fr.Uppercase {
		v = strings.ToUpper(v)
	}
	if len([]rune(v)) < max(fr.MinLength, 1) {
		return "", 0, false
	}
	if fr.RequireDigit && !strings.ContainsFunc(v, unicode.IsDigit) {
		return "", 0, false
	}
	return v, confidenceLabelled, true
}
