// Package rules loads the versioned rulebook that drives direction
// resolution, classification, extraction, booking normalization and the
// workflow state machine.
//
// A rulebook is plain YAML. The embedded default ships with the binary and
// an override can be loaded from disk. Every regular expression is compiled
// once at load time; a rulebook that fails validation is never returned.
package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
)

//go:embed default.yaml
var defaultRulebook []byte

// DefaultYAML returns the embedded default rulebook source.
func DefaultYAML() []byte {
	out := make([]byte, len(defaultRulebook))
	copy(out, defaultRulebook)
	return out
}

// Phases in the order a shipment moves through them.
var Phases = []string{"pre_departure", "in_transit", "arrival", "delivery"}

// Rulebook is the full, compiled rule set.
type Rulebook struct {
	Version             string              `yaml:"version"`
	Direction           DirectionRules      `yaml:"direction"`
	Carriers            []Carrier           `yaml:"carriers"`
	DocumentTypeAliases map[string]string   `yaml:"document_type_aliases"`
	Classification      ClassificationRules `yaml:"classification"`
	Extraction          ExtractionRules     `yaml:"extraction"`
	Shipments           ShipmentRules       `yaml:"shipments"`
	Workflow            WorkflowRules       `yaml:"workflow"`

	states      map[string]State
	transitions map[transitionKey]string
}

// DirectionRules configures the Direction Resolver.
type DirectionRules struct {
	OwnDomains     []string `yaml:"own_domains"`
	ForwardMarkers []string `yaml:"forward_markers"`
	// ForwardTeams are the group aliases a marker must be followed by.
	// When empty, any trailing alias of up to three words is accepted.
	ForwardTeams []string `yaml:"forward_teams"`

	forwardRes []*regexp.Regexp
}

// Carrier is one ocean carrier known to the rulebook.
type Carrier struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Domains         []string `yaml:"domains"`
	NameFragments   []string `yaml:"name_fragments"`
	SCAC            []string `yaml:"scac"`
	SubjectPatterns []string `yaml:"subject_patterns"`
	BookingPatterns []string `yaml:"booking_patterns"`

	subjectRes []*regexp.Regexp
	bookingRes []*regexp.Regexp
}

// PrimaryDomain is the first configured domain, used as the true domain of
// a forwarded carrier message.
func (c *Carrier) PrimaryDomain() string {
	if len(c.Domains) == 0 {
		return ""
	}
	return strings.ToLower(c.Domains[0])
}

// MatchesSubject reports whether subject carries this carrier's boilerplate.
func (c *Carrier) MatchesSubject(subject string) bool {
	for _, re := range c.subjectRes {
		if re.MatchString(subject) {
			return true
		}
	}
	return false
}

// BookingRegexps returns the compiled carrier-specific booking patterns.
func (c *Carrier) BookingRegexps() []*regexp.Regexp {
	return c.bookingRes
}

// ClassificationRules configures the Document Classifier.
type ClassificationRules struct {
	AIThreshold int         `yaml:"ai_threshold"`
	ReviewBelow int         `yaml:"review_below"`
	Rules       []ClassRule `yaml:"rules"`
}

// ClassRule is one pattern-tier classification rule.
type ClassRule struct {
	ID             string   `yaml:"id"`
	DocumentType   string   `yaml:"document_type"`
	Confidence     int      `yaml:"confidence"`
	Direction      string   `yaml:"direction,omitempty"`
	SenderCategory string   `yaml:"sender_category,omitempty"`
	Subject        []string `yaml:"subject,omitempty"`
	Body           []string `yaml:"body,omitempty"`
	Attachment     []string `yaml:"attachment,omitempty"`

	docType    resolution.DocumentType
	subjectRes []*regexp.Regexp
	bodyRes    []*regexp.Regexp
	attachRes  []*regexp.Regexp
}

// Type returns the rule's document type.
func (r *ClassRule) Type() resolution.DocumentType {
	return r.docType
}

// Applies reports whether the rule's direction and sender constraints hold.
func (r *ClassRule) Applies(dir resolution.Direction, category resolution.SenderCategory) bool {
	if r.Direction != "" && resolution.Direction(r.Direction) != dir {
		return false
	}
	if r.SenderCategory != "" && resolution.SenderCategory(r.SenderCategory) != category {
		return false
	}
	return true
}

// Section names a part of the message a classification rule can match.
type Section string

const (
	SectionSubject    Section = "subject"
	SectionBody       Section = "body"
	SectionAttachment Section = "attachment"
)

// Match returns the matched text when any of the rule's patterns for the
// given section matches text.
func (r *ClassRule) Match(section Section, text string) (string, bool) {
	var res []*regexp.Regexp
	switch section {
	case SectionSubject:
		res = r.subjectRes
	case SectionBody:
		res = r.bodyRes
	case SectionAttachment:
		res = r.attachRes
	}
	for _, re := range res {
		if m := re.FindString(text); m != "" {
			return m, true
		}
	}
	return "", false
}

// ExtractionRules configures the Identifier Extractor.
type ExtractionRules struct {
	Fields        []FieldRule         `yaml:"fields"`
	PriorityKinds map[string][]string `yaml:"priority_kinds"`

	byKind map[resolution.IdentifierKind]*FieldRule
}

// FieldRule is the pattern family for one identifier kind. Date kinds use
// Labels; every other kind uses Patterns whose first capture group is the
// value.
type FieldRule struct {
	Kind         string   `yaml:"kind"`
	Patterns     []string `yaml:"patterns,omitempty"`
	Labels       []string `yaml:"labels,omitempty"`
	Stop         []string `yaml:"stop,omitempty"`
	MinLength    int      `yaml:"min_length,omitempty"`
	RequireDigit bool     `yaml:"require_digit,omitempty"`
	Uppercase    bool     `yaml:"uppercase,omitempty"`
	Multi        bool     `yaml:"multi,omitempty"`

	kind      resolution.IdentifierKind
	patternRe []*regexp.Regexp
	labelRe   []*regexp.Regexp
	stopRe    []*regexp.Regexp
}

// IdentifierKind returns the typed kind.
func (f *FieldRule) IdentifierKind() resolution.IdentifierKind { return f.kind }

// PatternRegexps returns the compiled value patterns.
func (f *FieldRule) PatternRegexps() []*regexp.Regexp { return f.patternRe }

// LabelRegexps returns the compiled date label patterns.
func (f *FieldRule) LabelRegexps() []*regexp.Regexp { return f.labelRe }

// Truncate cuts v at the earliest stop pattern.
func (f *FieldRule) Truncate(v string) string {
	cut := len(v)
	for _, re := range f.stopRe {
		if loc := re.FindStringIndex(v); loc != nil && loc[0] < cut {
			cut = loc[0]
		}
	}
	return v[:cut]
}

// ShipmentRules configures booking normalization.
type ShipmentRules struct {
	ReferenceSuffixes []string `yaml:"reference_suffixes"`

	suffixRes []*regexp.Regexp
}

// WorkflowRules configures the Workflow State Engine.
type WorkflowRules struct {
	States           []State             `yaml:"states"`
	Transitions      []Transition        `yaml:"transitions"`
	ActionResolution map[string][]string `yaml:"action_resolution"`
	Obligations      []Obligation        `yaml:"obligations"`
}

// State is one workflow state.
type State struct {
	Name  string `yaml:"name"`
	Order int    `yaml:"order"`
	Phase string `yaml:"phase"`
}

// Transition maps a document type and direction to a state. An empty
// direction matches both.
type Transition struct {
	DocumentType string `yaml:"document_type"`
	Direction    string `yaml:"direction,omitempty"`
	State        string `yaml:"state"`
}

// Obligation turns an extracted cutoff into an action item.
type Obligation struct {
	Kind        string `yaml:"kind"`
	Description string `yaml:"description"`
	Owner       string `yaml:"owner"`
	Priority    string `yaml:"priority"`
}

type transitionKey struct {
	docType   resolution.DocumentType
	direction resolution.Direction
}

// Default parses the embedded rulebook.
func Default() (*Rulebook, error) {
	return Parse(defaultRulebook)
}

// MustDefault is Default for tests and package init; it panics on error.
func MustDefault() *Rulebook {
	rb, err := Default()
	if err != nil {
		panic(fmt.Sprintf("rules: embedded rulebook invalid: %v", err))
	}
	return rb
}

// Load reads, validates and compiles a rulebook file.
func Load(path string) (*Rulebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rulebook %s: %w", path, err)
	}
	rb, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rulebook %s: %w", path, err)
	}
	return rb, nil
}

// Parse decodes, validates and compiles a rulebook.
func Parse(data []byte) (*Rulebook, error) {
	var rb Rulebook
	if err := yaml.Unmarshal(data, &rb); err != nil {
		return nil, fmt.Errorf("%w: decode rulebook: %v", fderrors.ErrValidation, err)
	}
	if err := rb.compile(); err != nil {
		return nil, err
	}
	return &rb, nil
}

func (rb *Rulebook) compile() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	compileAll := func(where string, patterns []string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				bad("%s: pattern %q: %v", where, p, err)
				continue
			}
			out = append(out, re)
		}
		return out
	}

	if strings.TrimSpace(rb.Version) == "" {
		bad("version is required")
	}

	// Direction
	if len(rb.Direction.OwnDomains) == 0 {
		bad("direction.own_domains must not be empty")
	}
	rb.Direction.forwardRes = nil
	team := `\S+(?:\s+\S+){0,2}`
	if len(rb.Direction.ForwardTeams) > 0 {
		alts := make([]string, 0, len(rb.Direction.ForwardTeams))
		for _, t := range rb.Direction.ForwardTeams {
			if f := strings.Fields(t); len(f) > 0 {
				for i := range f {
					f[i] = regexp.QuoteMeta(f[i])
				}
				alts = append(alts, strings.Join(f, `\s+`))
			} else {
				bad("direction.forward_teams: empty team")
			}
		}
		team = `(?:` + strings.Join(alts, "|") + `)`
	}
	for _, m := range rb.Direction.ForwardMarkers {
		m = strings.TrimSpace(m)
		if m == "" {
			bad("direction.forward_markers: empty marker")
			continue
		}
		rb.Direction.forwardRes = append(rb.Direction.forwardRes,
			regexp.MustCompile(`(?i)^\s*(.+?)\s+`+regexp.QuoteMeta(m)+`\s+`+team+`\s*$`))
	}

	// Carriers
	seenCarrier := map[string]bool{}
	for i := range rb.Carriers {
		c := &rb.Carriers[i]
		where := fmt.Sprintf("carriers[%d]", i)
		if c.ID == "" {
			bad("%s: id is required", where)
		} else if seenCarrier[c.ID] {
			bad("%s: duplicate id %q", where, c.ID)
		}
		seenCarrier[c.ID] = true
		if len(c.Domains) == 0 {
			bad("%s (%s): at least one domain is required", where, c.ID)
		}
		c.subjectRes = compileAll(where+".subject_patterns", c.SubjectPatterns)
		c.bookingRes = compileAll(where+".booking_patterns", c.BookingPatterns)
		for _, re := range c.bookingRes {
			if re.NumSubexp() < 1 {
				bad("%s.booking_patterns: %q needs a capture group", where, re.String())
			}
		}
	}

	// Aliases
	for alias, target := range rb.DocumentTypeAliases {
		if !resolution.DocumentType(target).Valid() {
			bad("document_type_aliases: %q maps to unknown type %q", alias, target)
		}
	}

	// Classification
	if rb.Classification.AIThreshold < 0 || rb.Classification.AIThreshold > 100 {
		bad("classification.ai_threshold must be 0..100")
	}
	if rb.Classification.AIThreshold == 0 {
		rb.Classification.AIThreshold = 70
	}
	if rb.Classification.ReviewBelow == 0 {
		rb.Classification.ReviewBelow = 50
	}
	seenRule := map[string]bool{}
	for i := range rb.Classification.Rules {
		r := &rb.Classification.Rules[i]
		where := fmt.Sprintf("classification.rules[%d]", i)
		if r.ID == "" {
			bad("%s: id is required", where)
		} else if seenRule[r.ID] {
			bad("%s: duplicate id %q", where, r.ID)
		}
		seenRule[r.ID] = true
		r.docType = resolution.DocumentType(r.DocumentType)
		if !r.docType.Valid() || r.docType == resolution.DocUnknown {
			bad("%s (%s): unknown document_type %q", where, r.ID, r.DocumentType)
		}
		if r.Confidence < 1 || r.Confidence > 100 {
			bad("%s (%s): confidence must be 1..100", where, r.ID)
		}
		if r.Direction != "" && !resolution.Direction(r.Direction).Valid() {
			bad("%s (%s): unknown direction %q", where, r.ID, r.Direction)
		}
		switch resolution.SenderCategory(r.SenderCategory) {
		case "", resolution.SenderCarrier, resolution.SenderInternal, resolution.SenderExternal:
		default:
			bad("%s (%s): unknown sender_category %q", where, r.ID, r.SenderCategory)
		}
		if len(r.Subject)+len(r.Body)+len(r.Attachment) == 0 {
			bad("%s (%s): no patterns", where, r.ID)
		}
		r.subjectRes = compileAll(where+".subject", r.Subject)
		r.bodyRes = compileAll(where+".body", r.Body)
		r.attachRes = compileAll(where+".attachment", r.Attachment)
	}

	// Extraction
	rb.Extraction.byKind = make(map[resolution.IdentifierKind]*FieldRule)
	for i := range rb.Extraction.Fields {
		f := &rb.Extraction.Fields[i]
		where := fmt.Sprintf("extraction.fields[%d]", i)
		f.kind = resolution.IdentifierKind(f.Kind)
		if !f.kind.Valid() {
			bad("%s: unknown kind %q", where, f.Kind)
			continue
		}
		if _, dup := rb.Extraction.byKind[f.kind]; dup {
			bad("%s: duplicate kind %q", where, f.Kind)
		}
		rb.Extraction.byKind[f.kind] = f
		f.patternRe = compileAll(where+".patterns", f.Patterns)
		f.labelRe = compileAll(where+".labels", f.Labels)
		f.stopRe = compileAll(where+".stop", f.Stop)
		if f.kind.IsDate() {
			if len(f.Labels) == 0 {
				bad("%s (%s): date kinds need labels", where, f.Kind)
			}
		} else {
			if len(f.Patterns) == 0 {
				bad("%s (%s): patterns are required", where, f.Kind)
			}
			for _, re := range f.patternRe {
				if re.NumSubexp() < 1 {
					bad("%s (%s): %q needs a capture group", where, f.Kind, re.String())
				}
			}
		}
	}
	for dt, kinds := range rb.Extraction.PriorityKinds {
		if dt != "default" && !resolution.DocumentType(dt).Valid() {
			bad("extraction.priority_kinds: unknown document type %q", dt)
		}
		for _, k := range kinds {
			if !resolution.IdentifierKind(k).Valid() {
				bad("extraction.priority_kinds[%s]: unknown kind %q", dt, k)
			}
		}
	}

	// Shipments
	rb.Shipments.suffixRes = compileAll("shipments.reference_suffixes", rb.Shipments.ReferenceSuffixes)

	// Workflow
	errs = append(errs, rb.compileWorkflow()...)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", fderrors.ErrValidation, errors.Join(errs...))
	}
	return nil
}

func (rb *Rulebook) compileWorkflow() []error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	phaseRank := make(map[string]int, len(Phases))
	for i, p := range Phases {
		phaseRank[p] = i
	}

	rb.states = make(map[string]State, len(rb.Workflow.States))
	seenOrder := map[int]string{}
	for _, s := range rb.Workflow.States {
		if s.Name == "" {
			bad("workflow.states: state without name")
			continue
		}
		if _, dup := rb.states[s.Name]; dup {
			bad("workflow.states: duplicate state %q", s.Name)
		}
		if other, dup := seenOrder[s.Order]; dup {
			bad("workflow.states: %q and %q share order %d", other, s.Name, s.Order)
		}
		if _, ok := phaseRank[s.Phase]; !ok {
			bad("workflow.states: %q has unknown phase %q", s.Name, s.Phase)
		}
		if s.Order <= 0 {
			bad("workflow.states: %q order must be positive", s.Name)
		}
		seenOrder[s.Order] = s.Name
		rb.states[s.Name] = s
	}

	// Phases must not interleave: sorted by order, phase rank never decreases.
	sorted := make([]State, 0, len(rb.states))
	for _, s := range rb.states {
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	for i := 1; i < len(sorted); i++ {
		if phaseRank[sorted[i].Phase] < phaseRank[sorted[i-1].Phase] {
			bad("workflow.states: %q (%s, order %d) precedes phase of %q (%s, order %d)",
				sorted[i].Name, sorted[i].Phase, sorted[i].Order,
				sorted[i-1].Name, sorted[i-1].Phase, sorted[i-1].Order)
		}
	}

	rb.transitions = make(map[transitionKey]string)
	for _, t := range rb.Workflow.Transitions {
		dt := resolution.DocumentType(t.DocumentType)
		if !dt.Valid() {
			bad("workflow.transitions: unknown document type %q", t.DocumentType)
			continue
		}
		if _, ok := rb.states[t.State]; !ok {
			bad("workflow.transitions: %s maps to unknown state %q", t.DocumentType, t.State)
			continue
		}
		dirs := []resolution.Direction{resolution.DirectionInbound, resolution.DirectionOutbound}
		if t.Direction != "" {
			d := resolution.Direction(t.Direction)
			if !d.Valid() {
				bad("workflow.transitions: %s has unknown direction %q", t.DocumentType, t.Direction)
				continue
			}
			dirs = []resolution.Direction{d}
		}
		for _, d := range dirs {
			key := transitionKey{docType: dt, direction: d}
			if prev, dup := rb.transitions[key]; dup && prev != t.State {
				bad("workflow.transitions: %s/%s maps to both %q and %q", dt, d, prev, t.State)
			}
			rb.transitions[key] = t.State
		}
	}

	for dt := range rb.Workflow.ActionResolution {
		if !resolution.DocumentType(dt).Valid() {
			bad("workflow.action_resolution: unknown document type %q", dt)
		}
	}
	for _, o := range rb.Workflow.Obligations {
		k := resolution.IdentifierKind(o.Kind)
		if !k.IsDate() {
			bad("workflow.obligations: kind %q is not a date kind", o.Kind)
		}
		if strings.TrimSpace(o.Description) == "" {
			bad("workflow.obligations: %s has no description", o.Kind)
		}
	}
	return errs
}

// --- Lookups ---

// DomainMatches reports whether domain equals pattern or is a subdomain of
// it. A leading "*." on the pattern is accepted. Comparison ignores case.
func DomainMatches(domain, pattern string) bool {
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	pattern = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(pattern), "*."))
	if domain == "" || pattern == "" {
		return false
	}
	return domain == pattern || strings.HasSuffix(domain, "."+pattern)
}

// IsOwnDomain reports whether domain belongs to the forwarder.
func (rb *Rulebook) IsOwnDomain(domain string) bool {
	for _, d := range rb.Direction.OwnDomains {
		if DomainMatches(domain, d) {
			return true
		}
	}
	return false
}

// CarrierByDomain finds the carrier owning domain.
func (rb *Rulebook) CarrierByDomain(domain string) (*Carrier, bool) {
	for i := range rb.Carriers {
		for _, d := range rb.Carriers[i].Domains {
			if DomainMatches(domain, d) {
				return &rb.Carriers[i], true
			}
		}
	}
	return nil, false
}

// CarrierByID finds a carrier by id.
func (rb *Rulebook) CarrierByID(id string) (*Carrier, bool) {
	for i := range rb.Carriers {
		if rb.Carriers[i].ID == id {
			return &rb.Carriers[i], true
		}
	}
	return nil, false
}

// CarrierBySubject finds the first carrier whose boilerplate matches subject.
func (rb *Rulebook) CarrierBySubject(subject string) (*Carrier, bool) {
	for i := range rb.Carriers {
		if rb.Carriers[i].MatchesSubject(subject) {
			return &rb.Carriers[i], true
		}
	}
	return nil, false
}

// ForwardParty splits a display name such as "Maersk via Operations" and
// returns the party before the marker.
func (rb *Rulebook) ForwardParty(displayName string) (string, bool) {
	for _, re := range rb.Direction.forwardRes {
		if m := re.FindStringSubmatch(displayName); m != nil {
			party := strings.Trim(strings.TrimSpace(m[1]), `"'`)
			if party != "" {
				return party, true
			}
		}
	}
	return "", false
}

// ClassRules returns the classification rules in evaluation order.
func (rb *Rulebook) ClassRules() []ClassRule {
	return rb.Classification.Rules
}

// NormalizeDocumentType maps a loose label to the catalogue via the alias
// map. Anything unrecognised becomes unknown.
func (rb *Rulebook) NormalizeDocumentType(label string) resolution.DocumentType {
	token := resolution.CanonicalToken(label)
	if token == "" {
		return resolution.DocUnknown
	}
	if dt := resolution.DocumentType(token); dt.Valid() {
		return dt
	}
	if target, ok := rb.DocumentTypeAliases[token]; ok {
		return resolution.DocumentType(target)
	}
	return resolution.DocUnknown
}

// Field returns the extraction rule for kind.
func (rb *Rulebook) Field(kind resolution.IdentifierKind) (*FieldRule, bool) {
	f, ok := rb.Extraction.byKind[kind]
	return f, ok
}

// Fields returns the extraction rules in declaration order.
func (rb *Rulebook) Fields() []FieldRule {
	return rb.Extraction.Fields
}

// PriorityKinds returns the kinds whose absence triggers AI extraction.
func (rb *Rulebook) PriorityKinds(dt resolution.DocumentType) []resolution.IdentifierKind {
	raw, ok := rb.Extraction.PriorityKinds[string(dt)]
	if !ok {
		raw = rb.Extraction.PriorityKinds["default"]
	}
	out := make([]resolution.IdentifierKind, 0, len(raw))
	for _, k := range raw {
		out = append(out, resolution.IdentifierKind(k))
	}
	return out
}

// SCACPrefixes returns every configured carrier prefix, longest first.
func (rb *Rulebook) SCACPrefixes() []string {
	var out []string
	for _, c := range rb.Carriers {
		for _, s := range c.SCAC {
			out = append(out, strings.ToUpper(strings.TrimSpace(s)))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// ReferenceSuffixes returns the compiled trailing-suffix patterns.
func (rb *Rulebook) ReferenceSuffixes() []*regexp.Regexp {
	return rb.Shipments.suffixRes
}

// State looks up a workflow state by name.
func (rb *Rulebook) State(name string) (State, bool) {
	s, ok := rb.states[name]
	return s, ok
}

// StateFor returns the state a document type and direction map to.
func (rb *Rulebook) StateFor(dt resolution.DocumentType, dir resolution.Direction) (State, bool) {
	name, ok := rb.transitions[transitionKey{docType: dt, direction: dir}]
	if !ok {
		return State{}, false
	}
	return rb.State(name)
}

// States returns every state ordered by Order.
func (rb *Rulebook) States() []State {
	out := make([]State, 0, len(rb.states))
	for _, s := range rb.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// ActionKeywords returns the keywords a document type resolves.
func (rb *Rulebook) ActionKeywords(dt resolution.DocumentType) []string {
	return rb.Workflow.ActionResolution[string(dt)]
}

// ObligationFor returns the obligation template for a cutoff kind.
func (rb *Rulebook) ObligationFor(kind resolution.IdentifierKind) (Obligation, bool) {
	for _, o := range rb.Workflow.Obligations {
		if resolution.IdentifierKind(o.Kind) == kind {
			return o, true
		}
	}
	return Obligation{}, false
}
