package classification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/ai"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/rules"
)

var fixedNow = time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)

var (
	carrierDirect = resolution.ResolvedDirection{
		Direction:      resolution.DirectionInbound,
		Method:         resolution.MethodDirectDomain,
		CarrierID:      "maersk",
		SenderCategory: resolution.SenderCarrier,
	}
	outboundOps = resolution.ResolvedDirection{
		Direction:      resolution.DirectionOutbound,
		Method:         resolution.MethodOwnDomain,
		SenderCategory: resolution.SenderInternal,
	}
	externalFallback = resolution.ResolvedDirection{
		Direction:      resolution.DirectionInbound,
		Method:         resolution.MethodFallback,
		SenderCategory: resolution.SenderExternal,
	}
)

func newClassifier(opts ...Option) *Classifier {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewClassifier(rules.Static(rules.MustDefault()), opts...)
}

func TestClassify_PatternTier(t *testing.T) {
	tests := []struct {
		name     string
		msg      resolution.Message
		dir      resolution.ResolvedDirection
		wantType resolution.DocumentType
		wantConf int
	}{
		{
			name:     "booking confirmation subject",
			msg:      resolution.Message{ID: "m1", Subject: "Booking Confirmation: 263368698"},
			dir:      carrierDirect,
			wantType: resolution.DocBookingConfirmation,
			wantConf: 95,
		},
		{
			name:     "cancellation beats confirmation",
			msg:      resolution.Message{ID: "m2", Subject: "Booking 263368698 cancelled"},
			dir:      carrierDirect,
			wantType: resolution.DocBookingCancellation,
			wantConf: 92,
		},
		{
			name:     "arrival notice",
			msg:      resolution.Message{ID: "m3", Subject: "Arrival Notice - MSKU1234565"},
			dir:      carrierDirect,
			wantType: resolution.DocArrivalNotice,
			wantConf: 95,
		},
		{
			name:     "outbound VGM submission",
			msg:      resolution.Message{ID: "m4", Subject: "VGM for booking 263368698"},
			dir:      outboundOps,
			wantType: resolution.DocVGMSubmission,
			wantConf: 85,
		},
		{
			name:     "inbound VGM confirmation",
			msg:      resolution.Message{ID: "m5", Subject: "VGM accepted for 263368698"},
			dir:      carrierDirect,
			wantType: resolution.DocVGMConfirmation,
			wantConf: 90,
		},
		{
			name:     "body match when subject is silent",
			msg:      resolution.Message{ID: "m6", Subject: "Re: shipment", Body: "We are pleased to confirm your booking as below."},
			dir:      carrierDirect,
			wantType: resolution.DocBookingConfirmation,
			wantConf: 95,
		},
		{
			name: "subject wins over body",
			msg: resolution.Message{ID: "m7", Subject: "Delivery Order 555",
				Body: "We are pleased to confirm your booking"},
			dir:      carrierDirect,
			wantType: resolution.DocDeliveryOrder,
			wantConf: 90,
		},
		{
			name: "attachment only",
			msg: resolution.Message{ID: "m8", Subject: "Documents", Body: "see attached",
				Attachments: []resolution.AttachmentText{{Filename: "bc.pdf", Text: "BOOKING CONFIRMATION\nNo 263368698", Status: resolution.AttachmentExtracted}}},
			dir:      carrierDirect,
			wantType: resolution.DocBookingConfirmation,
			wantConf: 75,
		},
		{
			name:     "departure notice requires carrier sender",
			msg:      resolution.Message{ID: "m9", Subject: "Vessel departed Shanghai"},
			dir:      carrierDirect,
			wantType: resolution.DocDepartureNotice,
			wantConf: 85,
		},
	}

	c := newClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify(context.Background(), &tt.msg, tt.dir)
			got := res.Classification
			assert.Equal(t, tt.wantType, got.DocumentType)
			assert.Equal(t, tt.wantConf, got.Confidence)
			assert.Equal(t, resolution.ClassifiedByPattern, got.Method)
			assert.Equal(t, tt.msg.ID, got.MessageID)
			assert.Equal(t, "2025.10.1", got.RulesVersion)
			assert.NotEmpty(t, got.ContentHash)
			assert.NotEmpty(t, got.Evidence)
			assert.Nil(t, res.Review)
			assert.NoError(t, res.AIErr)
		})
	}
}

func TestClassify_ConstraintsSkipRules(t *testing.T) {
	c := newClassifier()

	res := c.Classify(context.Background(), &resolution.Message{ID: "m1", Subject: "Vessel departed Shanghai"}, externalFallback)
	assert.Equal(t, resolution.DocUnknown, res.Classification.DocumentType)

	res = c.Classify(context.Background(), &resolution.Message{ID: "m2", Subject: "VGM for booking 1"}, carrierDirect)
	assert.NotEqual(t, resolution.DocVGMSubmission, res.Classification.DocumentType)
}

func TestClassify_Indeterminate(t *testing.T) {
	c := newClassifier()
	res := c.Classify(context.Background(), &resolution.Message{ID: "m1", Subject: "Hello", Body: "lunch?"}, externalFallback)

	assert.Equal(t, resolution.DocUnknown, res.Classification.DocumentType)
	assert.Equal(t, 0, res.Classification.Confidence)
	assert.Equal(t, resolution.ClassifiedByNone, res.Classification.Method)
	require.NotNil(t, res.Review)
	assert.Equal(t, resolution.ReviewIndeterminate, res.Review.Reason)
	assert.Equal(t, "m1", res.Review.MessageID)
}

func TestClassify_AIFallback(t *testing.T) {
	tests := []struct {
		name       string
		msg        resolution.Message
		aiResp     *ai.ClassifyResponse
		aiErr      error
		wantType   resolution.DocumentType
		wantConf   int
		wantMethod resolution.ClassificationMethod
		wantReview resolution.ReviewReason
		wantCalls  int
	}{
		{
			name:       "no pattern, AI answers",
			msg:        resolution.Message{ID: "a1", Subject: "Documents for your shipment"},
			aiResp:     &ai.ClassifyResponse{DocumentType: "Arrival Notice", Confidence: 82, Reasoning: "mentions arrival"},
			wantType:   resolution.DocArrivalNotice,
			wantConf:   82,
			wantMethod: resolution.ClassifiedByAI,
			wantCalls:  1,
		},
		{
			name:       "alias normalized",
			msg:        resolution.Message{ID: "a2", Subject: "fyi"},
			aiResp:     &ai.ClassifyResponse{DocumentType: "HBL", Confidence: 77},
			wantType:   resolution.DocBillOfLading,
			wantConf:   77,
			wantMethod: resolution.ClassifiedByAI,
			wantCalls:  1,
		},
		{
			name:       "weak pattern replaced by stronger AI",
			msg:        resolution.Message{ID: "a3", Subject: "docs", Body: "verified gross mass attached"},
			aiResp:     &ai.ClassifyResponse{DocumentType: "vgm_confirmation", Confidence: 80},
			wantType:   resolution.DocVGMConfirmation,
			wantConf:   80,
			wantMethod: resolution.ClassifiedByAI,
			wantCalls:  1,
		},
		{
			name:       "weak pattern kept when AI is weaker",
			msg:        resolution.Message{ID: "a4", Subject: "docs", Body: "verified gross mass attached"},
			aiResp:     &ai.ClassifyResponse{DocumentType: "invoice", Confidence: 40},
			wantType:   resolution.DocVGMSubmission,
			wantConf:   55,
			wantMethod: resolution.ClassifiedByPattern,
			wantCalls:  1,
		},
		{
			name:       "strong pattern skips AI",
			msg:        resolution.Message{ID: "a5", Subject: "Booking Confirmation 263368698"},
			wantType:   resolution.DocBookingConfirmation,
			wantConf:   95,
			wantMethod: resolution.ClassifiedByPattern,
			wantCalls:  0,
		},
		{
			name:       "out of catalogue label rejected",
			msg:        resolution.Message{ID: "a6", Subject: "hello"},
			aiResp:     &ai.ClassifyResponse{DocumentType: "packing list", Confidence: 90},
			wantType:   resolution.DocUnknown,
			wantConf:   0,
			wantMethod: resolution.ClassifiedByNone,
			wantReview: resolution.ReviewIndeterminate,
			wantCalls:  1,
		},
		{
			name:       "AI failure degrades to unknown",
			msg:        resolution.Message{ID: "a7", Subject: "hello"},
			aiErr:      errors.New("connection refused"),
			wantType:   resolution.DocUnknown,
			wantMethod: resolution.ClassifiedByNone,
			wantReview: resolution.ReviewIndeterminate,
			wantCalls:  1,
		},
		{
			name:       "low confidence AI answer is queued",
			msg:        resolution.Message{ID: "a8", Subject: "hello"},
			aiResp:     &ai.ClassifyResponse{DocumentType: "invoice", Confidence: 30},
			wantType:   resolution.DocInvoice,
			wantConf:   30,
			wantMethod: resolution.ClassifiedByAI,
			wantReview: resolution.ReviewLowConfidence,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &ai.StubClient{
				ClassifyFunc: func(ctx context.Context, req ai.Request) (*ai.ClassifyResponse, error) {
					assert.Equal(t, ai.TaskClassify, req.Task)
					assert.Equal(t, tt.msg.ID, req.MessageID)
					return tt.aiResp, tt.aiErr
				},
			}
			c := newClassifier(WithAI(stub))
			res := c.Classify(context.Background(), &tt.msg, externalFallback)

			assert.Equal(t, tt.wantType, res.Classification.DocumentType)
			assert.Equal(t, tt.wantConf, res.Classification.Confidence)
			assert.Equal(t, tt.wantMethod, res.Classification.Method)
			if tt.wantReview == "" {
				assert.Nil(t, res.Review)
			} else {
				require.NotNil(t, res.Review)
				assert.Equal(t, tt.wantReview, res.Review.Reason)
			}
			if tt.aiErr != nil {
				assert.Error(t, res.AIErr)
			}
			calls, _ := stub.Calls()
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestClassify_EvidenceKeepsValidUTF8(t *testing.T) {
	reasoning := strings.Repeat("a", 191) + "ééééé"
	stub := &ai.StubClient{
		ClassifyFunc: func(ctx context.Context, req ai.Request) (*ai.ClassifyResponse, error) {
			return &ai.ClassifyResponse{DocumentType: "invoice", Confidence: 85, Reasoning: reasoning}, nil
		},
	}
	c := newClassifier(WithAI(stub))
	res := c.Classify(context.Background(), &resolution.Message{ID: "u1", Subject: "hello"}, externalFallback)

	ev := res.Classification.Evidence
	assert.Equal(t, resolution.ClassifiedByAI, res.Classification.Method)
	assert.True(t, utf8.ValidString(ev), "evidence %q", ev)
	assert.LessOrEqual(t, len(ev), maxEvidence)
	assert.True(t, strings.HasSuffix(ev, "éé"))
}

func TestClassify_ThresholdOverride(t *testing.T) {
	stub := &ai.StubClient{}
	c := newClassifier(WithAI(stub), WithThreshold(99))
	c.Classify(context.Background(), &resolution.Message{ID: "m", Subject: "Booking Confirmation 263368698"}, carrierDirect)
	calls, _ := stub.Calls()
	assert.Equal(t, 1, calls)
}

func TestClassify_Deterministic(t *testing.T) {
	c := newClassifier()
	msg := &resolution.Message{ID: "m", Subject: "Arrival Notice", Body: "cargo will arrive"}
	a := c.Classify(context.Background(), msg, carrierDirect)
	b := c.Classify(context.Background(), msg, carrierDirect)
	assert.Equal(t, a.Classification, b.Classification)

	other := c.Classify(context.Background(), &resolution.Message{ID: "m", Subject: "Arrival Notice", Body: "changed"}, carrierDirect)
	assert.NotEqual(t, a.Classification.ContentHash, other.Classification.ContentHash)
}

func TestRules_CoverCatalogue(t *testing.T) {
	rb := rules.MustDefault()
	covered := map[resolution.DocumentType]bool{}
	for _, r := range rb.ClassRules() {
		require.True(t, r.Type().Valid(), r.ID)
		covered[r.Type()] = true
	}
	for _, dt := range resolution.AllDocumentTypes() {
		switch dt {
		case resolution.DocUnknown, resolution.DocGeneralCorrespondence:
			assert.False(t, covered[dt], "%s should only come from the AI tier", dt)
		default:
			assert.True(t, covered[dt], "no pattern rule for %s", dt)
		}
	}
}
