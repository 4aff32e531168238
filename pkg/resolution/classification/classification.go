// Package classification decides the document type of a message. A
// pattern tier driven by the rulebook runs first; the AI collaborator is
// consulted when nothing matched or the match is weak.
package classification

import (
	"context"
	"fmt"
	"time"

	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/ai"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/rules"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/textnorm"
)

const (
	DefaultAIThreshold = 70
	DefaultReviewBelow = 50

	maxEvidence = 200
)

// RulebookSource supplies the current rulebook.
type RulebookSource interface {
	Current() *rules.Rulebook
}

// Result is the outcome of classifying one message.
type Result struct {
	Classification resolution.Classification
	// Review is set when the message must be queued for a human.
	Review *resolution.ReviewItem
	// AIErr is the absorbed collaborator failure, if the AI tier failed.
	AIErr error
}

// Classifier is the Document Classifier. It holds no per-message state.
type Classifier struct {
	rules     RulebookSource
	ai        ai.Client
	threshold int
	logger    logging.Logger
	now       func() time.Time
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithAI enables the AI tier.
func WithAI(c ai.Client) Option {
	return func(cl *Classifier) { cl.ai = c }
}

// WithThreshold overrides the rulebook's AI threshold.
func WithThreshold(t int) Option {
	return func(cl *Classifier) { cl.threshold = t }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(cl *Classifier) {
		if l != nil {
			cl.logger = l.With(logging.F("component", "classifier"))
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(cl *Classifier) { cl.now = now }
}

// NewClassifier creates a Classifier.
func NewClassifier(src RulebookSource, opts ...Option) *Classifier {
	c := &Classifier{
		rules:  src,
		logger: logging.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify runs both tiers over msg. It never fails: collaborator errors are
// absorbed into Result.AIErr and an indeterminate result.
func (c *Classifier) Classify(ctx context.Context, msg *resolution.Message, dir resolution.ResolvedDirection) Result {
	rb := c.rules.Current()
	subject := textnorm.Normalize(msg.Subject)
	body := textnorm.Normalize(msg.Body)
	attachment := textnorm.Normalize(msg.AttachmentText())

	cls := resolution.Classification{
		MessageID:    msg.ID,
		DocumentType: resolution.DocUnknown,
		Confidence:   0,
		Method:       resolution.ClassifiedByNone,
		RulesVersion: rb.Version,
		ContentHash:  textnorm.Fingerprint(subject, body, attachment, string(dir.Direction), string(dir.SenderCategory)),
		CreatedAt:    c.now().UTC(),
	}

	matched := matchPattern(rb, dir, subject, body, attachment, &cls)

	var res Result
	if c.ai != nil && (!matched || cls.Confidence < c.thresholdFor(rb)) {
		resp, err := c.ai.Classify(ctx, ai.Request{
			MessageID: msg.ID,
			Task:      ai.TaskClassify,
			Subject:   subject,
			Body:      body,
			Direction: dir.Direction,
		})
		switch {
		case err != nil:
			res.AIErr = err
			c.logger.Warn("AI classification failed",
				logging.F("message_id", msg.ID),
				logging.Err(err))
		default:
			dt, conf, ok := ai.SanitizeClassification(rb, resp)
			if !ok {
				c.logger.Debug("AI returned an unrecognised document type",
					logging.F("message_id", msg.ID),
					logging.F("label", resp.DocumentType))
				break
			}
			if !matched || conf > cls.Confidence {
				cls.DocumentType = dt
				cls.Confidence = conf
				cls.Method = resolution.ClassifiedByAI
				cls.Evidence = clip("ai: " + resp.Reasoning)
			}
		}
	}

	res.Classification = cls
	res.Review = c.reviewFor(rb, cls, res.AIErr)
	return res
}

// matchPattern walks every rule against the subject, then the body, then the
// attachment text. The first applicable match wins.
func matchPattern(rb *rules.Rulebook, dir resolution.ResolvedDirection, subject, body, attachment string, cls *resolution.Classification) bool {
	sections := []struct {
		name rules.Section
		text string
	}{
		{rules.SectionSubject, subject},
		{rules.SectionBody, body},
		{rules.SectionAttachment, attachment},
	}
	ruleset := rb.ClassRules()
	for _, sec := range sections {
		if sec.text == "" {
			continue
		}
		for i := range ruleset {
			r := &ruleset[i]
			if !r.Applies(dir.Direction, dir.SenderCategory) {
				continue
			}
			if m, ok := r.Match(sec.name, sec.text); ok {
				cls.DocumentType = r.Type()
				cls.Confidence = r.Confidence
				cls.Method = resolution.ClassifiedByPattern
				cls.Evidence = clip(fmt.Sprintf("rule %s matched %s: %q", r.ID, sec.name, m))
				return true
			}
		}
	}
	return false
}

func (c *Classifier) thresholdFor(rb *rules.Rulebook) int {
	switch {
	case c.threshold > 0:
		return c.threshold
	case rb.Classification.AIThreshold > 0:
		return rb.Classification.AIThreshold
	}
	return DefaultAIThreshold
}

func (c *Classifier) reviewFor(rb *rules.Rulebook, cls resolution.Classification, aiErr error) *resolution.ReviewItem {
	reviewBelow := rb.Classification.ReviewBelow
	if reviewBelow <= 0 {
		reviewBelow = DefaultReviewBelow
	}

	item := &resolution.ReviewItem{MessageID: cls.MessageID, CreatedAt: cls.CreatedAt}
	switch {
	case cls.DocumentType == resolution.DocUnknown:
		item.Reason = resolution.ReviewIndeterminate
		item.Details = "no pattern matched and the AI tier gave no usable answer"
		if aiErr != nil {
			item.Details = "no pattern matched; AI failed: " + aiErr.Error()
		}
	case cls.Confidence < reviewBelow:
		item.Reason = resolution.ReviewLowConfidence
		item.Details = fmt.Sprintf("%s at confidence %d (%s)", cls.DocumentType, cls.Confidence, cls.Method)
	default:
		return nil
	}
	return item
}

func clip(s string) string {
	return textnorm.Truncate(s, maxEvidence)
}
