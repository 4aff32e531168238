// Package direction decides which party really sent a message and whether
// it flows into or out of the forwarder, looking through internal forwards.
package direction

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"unicode"

	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/rules"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/textnorm"
)

// RulebookSource supplies the active rulebook.
type RulebookSource interface {
	Current() *rules.Rulebook
}

// Resolver is a pure function of the message and the rulebook.
type Resolver struct {
	rules  RulebookSource
	logger logging.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver's logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Resolver) {
		r.logger = l.With(logging.F("component", "direction"))
	}
}

// NewResolver creates a Resolver.
func NewResolver(src RulebookSource, opts ...Option) *Resolver {
	r := &Resolver{rules: src, logger: logging.NewNopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve applies the ordered direction rules. The first match wins:
// carrier domain, forward marker, carrier subject boilerplate, own domain,
// then fallback.
func (r *Resolver) Resolve(msg *resolution.Message) resolution.ResolvedDirection {
	rb := r.rules.Current()
	rd := resolve(rb, msg)
	r.logger.Debug("Direction resolved",
		logging.F("message_id", msg.ID),
		logging.F("direction", string(rd.Direction)),
		logging.F("method", string(rd.Method)),
		logging.F("true_party", rd.TrueParty))
	return rd
}

func resolve(rb *rules.Rulebook, msg *resolution.Message) resolution.ResolvedDirection {
	senderDomain := DomainOf(msg.SenderAddress)
	apparentDomain := DomainOf(msg.ApparentSender)
	subject := textnorm.Normalize(msg.Subject)

	// 1. Direct carrier domain.
	for _, d := range []string{apparentDomain, senderDomain} {
		if c, ok := rb.CarrierByDomain(d); ok {
			return carrierDirection(c, d, resolution.MethodDirectDomain)
		}
	}

	// 2. Forward marker in the display name.
	if party, ok := rb.ForwardParty(textnorm.Normalize(msg.SenderName)); ok {
		if c, ok := carrierForParty(rb, party); ok {
			return carrierDirection(c, c.PrimaryDomain(), resolution.MethodForwardMarker)
		}
		if c, ok := rb.CarrierBySubject(subject); ok {
			return carrierDirection(c, c.PrimaryDomain(), resolution.MethodSubjectPattern)
		}
		return resolution.ResolvedDirection{
			Direction:      resolution.DirectionInbound,
			TrueParty:      resolution.UnknownExternalParty,
			TrueDomain:     DomainOf(party),
			Method:         resolution.MethodForwardMarker,
			SenderCategory: resolution.SenderExternal,
		}
	}

	// 3. Carrier boilerplate in the subject.
	if c, ok := rb.CarrierBySubject(subject); ok {
		return carrierDirection(c, c.PrimaryDomain(), resolution.MethodSubjectPattern)
	}

	// 4. Own organization.
	if rb.IsOwnDomain(senderDomain) {
		return resolution.ResolvedDirection{
			Direction:      resolution.DirectionOutbound,
			TrueParty:      partyName(msg),
			TrueDomain:     senderDomain,
			Method:         resolution.MethodOwnDomain,
			SenderCategory: resolution.SenderInternal,
		}
	}

	// 5. Anything else is an inbound external party.
	return resolution.ResolvedDirection{
		Direction:      resolution.DirectionInbound,
		TrueParty:      partyName(msg),
		TrueDomain:     senderDomain,
		Method:         resolution.MethodFallback,
		SenderCategory: resolution.SenderExternal,
	}
}

func carrierDirection(c *rules.Carrier, domain string, method resolution.DirectionMethod) resolution.ResolvedDirection {
	return resolution.ResolvedDirection{
		Direction:      resolution.DirectionInbound,
		TrueParty:      c.Name,
		TrueDomain:     strings.ToLower(domain),
		Method:         method,
		CarrierID:      c.ID,
		SenderCategory: resolution.SenderCarrier,
	}
}

// carrierForParty resolves the text before a forward marker to a carrier,
// first as an address or domain, then by name fragment.
func carrierForParty(rb *rules.Rulebook, party string) (*rules.Carrier, bool) {
	if d := DomainOf(party); d != "" {
		if c, ok := rb.CarrierByDomain(d); ok {
			return c, true
		}
	}
	folded := " " + wordsOnly(textnorm.Fold(party)) + " "
	for i := range rb.Carriers {
		c := &rb.Carriers[i]
		for _, frag := range append([]string{c.Name}, c.NameFragments...) {
			f := wordsOnly(textnorm.Fold(frag))
			if f != "" && strings.Contains(folded, " "+f+" ") {
				return c, true
			}
		}
	}
	return nil, false
}

// wordsOnly replaces punctuation with spaces and collapses runs so name
// fragments can be compared on word boundaries.
func wordsOnly(s string) string {
	return textnorm.CollapseSpace(strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s))
}

func partyName(msg *resolution.Message) string {
	if n := strings.TrimSpace(msg.SenderName); n != "" {
		return n
	}
	return strings.ToLower(strings.TrimSpace(msg.SenderAddress))
}

// DomainOf extracts the lowercased domain from an address, a raw From
// header or a bare domain. It returns "" when there is none.
func DomainOf(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		s = addr.Address
	}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		s = s[at+1:]
	} else if strings.ContainsAny(s, " \t") || !strings.Contains(s, ".") {
		return ""
	}
	s = strings.Trim(strings.ToLower(s), "<>. ")
	if s == "" || strings.ContainsAny(s, " \t@") {
		return ""
	}
	return s
}

// AuditRecord pairs a stored message with the direction stored for it.
type AuditRecord struct {
	Message *resolution.Message
	Stored  resolution.ResolvedDirection
}

// AuditSource lists stored messages with their recorded direction.
type AuditSource interface {
	DirectionAuditRecords(ctx context.Context, limit int) ([]AuditRecord, error)
}

// Mismatch is a message whose current resolution differs from the stored one.
type Mismatch struct {
	MessageID string                       `json:"message_id"`
	Stored    resolution.ResolvedDirection `json:"stored"`
	Current   resolution.ResolvedDirection `json:"current"`
}

// AuditReport summarizes an audit run.
type AuditReport struct {
	RulesVersion string     `json:"rules_version"`
	Checked      int        `json:"checked"`
	Mismatches   []Mismatch `json:"mismatches"`
}

// Audit re-runs the resolver over stored messages and reports every message
// whose direction, method or true party changed.
func (r *Resolver) Audit(ctx context.Context, src AuditSource, limit int) (*AuditReport, error) {
	records, err := src.DirectionAuditRecords(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load audit records: %w", err)
	}

	report := &AuditReport{RulesVersion: r.rules.Current().Version}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		current := r.Resolve(rec.Message)
		if current.Direction != rec.Stored.Direction ||
			current.Method != rec.Stored.Method ||
			!strings.EqualFold(current.TrueParty, rec.Stored.TrueParty) {
			report.Mismatches = append(report.Mismatches, Mismatch{
				MessageID: rec.Message.ID,
				Stored:    rec.Stored,
				Current:   current,
			})
		}
	}

	r.logger.Info("Direction audit complete",
		logging.F("checked", report.Checked),
		logging.F("mismatches", len(report.Mismatches)),
		logging.F("rules_version", report.RulesVersion))
	return report, nil
}
