package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/rules"
)

func chatResponse(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
	return string(body)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewOpenAIClient(OpenAIConfig{Endpoint: srv.URL + "/", Model: "test-model", APIKey: "k"}, nil)
	require.NoError(t, err)
	return c
}

func TestNewOpenAIClient_RequiresModel(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{Endpoint: "http://localhost"}, nil)
	require.Error(t, err)
	assert.True(t, fderrors.IsValidation(err))
}

func TestOpenAIClient_Classify(t *testing.T) {
	var gotBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatResponse("Sure:\n```json\n{\"document_type\": \"Arrival Notice\", \"confidence\": 88}\n```"))
	})

	resp, err := c.Classify(context.Background(), Request{
		MessageID: "m1",
		Task:      TaskClassify,
		Subject:   "AN for MAEU1234567",
		Body:      "Your cargo arrives soon",
		Direction: resolution.DirectionInbound,
	})
	require.NoError(t, err)
	assert.Equal(t, "Arrival Notice", resp.DocumentType)
	assert.Equal(t, 88, resp.Confidence)
	assert.Contains(t, gotBody, "test-model")
	assert.Contains(t, gotBody, "json_object")
	assert.Contains(t, gotBody, "AN for MAEU1234567")
}

func TestOpenAIClient_Extract(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(b), "booking_number, etd")
		_, _ = io.WriteString(w, chatResponse(`{"identifiers":[{"kind":"booking_number","value":"263368698","confidence":90}]}`))
	})

	resp, err := c.Extract(context.Background(), Request{
		Task:           TaskExtract,
		AttachmentText: "Booking 263368698",
		WantedKinds:    []resolution.IdentifierKind{resolution.KindBookingNumber, resolution.KindETD},
	})
	require.NoError(t, err)
	require.Len(t, resp.Identifiers, 1)
	assert.Equal(t, "263368698", resp.Identifiers[0].Value)
}

func TestOpenAIClient_StatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   fderrors.ErrorCode
	}{
		{"rate limited", http.StatusTooManyRequests, fderrors.ErrRateLimit},
		{"unavailable", http.StatusServiceUnavailable, fderrors.ErrModelUnavailable},
		{"gateway timeout", http.StatusGatewayTimeout, fderrors.ErrTimeout},
		{"bad request", http.StatusBadRequest, fderrors.ErrProcessingError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"server_error"}}`)
			})
			_, err := c.Classify(context.Background(), Request{Task: TaskClassify})
			require.Error(t, err)
			assert.Equal(t, tt.want, fderrors.CodeOf(err))
			assert.Equal(t, fderrors.KindCollaboratorFailure, fderrors.KindOf(err))
		})
	}
}

func TestOpenAIClient_MalformedContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, chatResponse("I cannot help with that"))
	})
	_, err := c.Classify(context.Background(), Request{Task: TaskClassify})
	require.Error(t, err)
	assert.Equal(t, fderrors.ErrMalformedResponse, fderrors.CodeOf(err))
	assert.False(t, fderrors.IsErrorRetryable(err))
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"plain", `{"document_type":"invoice"}`, "invoice", false},
		{"prose around", `here you go {"document_type":"invoice"} thanks`, "invoice", false},
		{"brace in string", `{"document_type":"in}voice"}`, "in}voice", false},
		{"escaped quote", `{"document_type":"a\"}b"}`, `a"}b`, false},
		{"nested", `{"document_type":"x","extra":{"a":1}}`, "x", false},
		{"no object", `nothing`, "", true},
		{"unbalanced", `{"document_type":"x"`, "", true},
		{"wrong type", `{"document_type":5}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out ClassifyResponse
			err := DecodeJSON(tt.content, "classify", &out)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, fderrors.ErrMalformedResponse, fderrors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.DocumentType)
		})
	}
}

func TestSanitizeClassification(t *testing.T) {
	rb := rules.MustDefault()

	dt, conf, ok := SanitizeClassification(rb, &ClassifyResponse{DocumentType: "Booking Confirmation", Confidence: 140})
	assert.True(t, ok)
	assert.Equal(t, resolution.DocBookingConfirmation, dt)
	assert.Equal(t, 100, conf)

	dt, conf, ok = SanitizeClassification(rb, &ClassifyResponse{DocumentType: "shipping manifest of doom", Confidence: 99})
	assert.False(t, ok)
	assert.Equal(t, resolution.DocUnknown, dt)
	assert.Zero(t, conf)

	_, _, ok = SanitizeClassification(rb, nil)
	assert.False(t, ok)
}

func TestSanitizeIdentifiers(t *testing.T) {
	resp := &ExtractResponse{Identifiers: []Identifier{
		{Kind: "Booking Number", Value: " 263368698 ", Confidence: 90},
		{Kind: "etd", Value: "2025-12-25", Confidence: -5},
		{Kind: "eta", Value: "2026-01-10", Confidence: 80},
		{Kind: "favourite_colour", Value: "blue", Confidence: 80},
		{Kind: "booking_number", Value: "null", Confidence: 80},
		{Kind: "etd", Value: "  ", Confidence: 80},
	}}

	got := SanitizeIdentifiers(resp, []resolution.IdentifierKind{resolution.KindBookingNumber, resolution.KindETD})
	require.Len(t, got, 2)
	assert.Equal(t, Identifier{Kind: "booking_number", Value: "263368698", Confidence: 90}, got[0])
	assert.Equal(t, Identifier{Kind: "etd", Value: "2025-12-25", Confidence: 0}, got[1])

	all := SanitizeIdentifiers(resp, nil)
	assert.Len(t, all, 3)
	assert.Nil(t, SanitizeIdentifiers(nil, nil))
}

type recordingObserver struct {
	calls atomic.Int32
	errs  atomic.Int32
}

func (o *recordingObserver) ObserveAICall(_ context.Context, _ TaskKind, _ time.Duration, err error) {
	o.calls.Add(1)
	if err != nil {
		o.errs.Add(1)
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestGuard_RetriesRetryableErrors(t *testing.T) {
	var attempts atomic.Int32
	stub := &StubClient{
		ClassifyFunc: func(ctx context.Context, req Request) (*ClassifyResponse, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("429 too many requests")
			}
			return &ClassifyResponse{DocumentType: "invoice", Confidence: 80}, nil
		},
	}
	obs := &recordingObserver{}
	g := NewGuard(stub, WithRate(0, 0), WithObserver(obs), withSleep(noSleep))

	resp, err := g.Classify(context.Background(), Request{MessageID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "invoice", resp.DocumentType)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int32(3), obs.calls.Load())
	assert.Equal(t, int32(2), obs.errs.Load())
}

func TestGuard_DoesNotRetryPermanentErrors(t *testing.T) {
	stub := &StubClient{
		ExtractFunc: func(ctx context.Context, req Request) (*ExtractResponse, error) {
			return nil, &fderrors.ResolutionError{
				Kind: fderrors.KindCollaboratorFailure,
				Code: fderrors.ErrMalformedResponse,
			}
		},
	}
	g := NewGuard(stub, WithRate(0, 0), withSleep(noSleep))

	_, err := g.Extract(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, fderrors.ErrMalformedResponse, fderrors.CodeOf(err))
	_, extract := stub.Calls()
	assert.Equal(t, 1, extract)
}

func TestGuard_StopsAfterMaxRetries(t *testing.T) {
	stub := &StubClient{
		ClassifyFunc: func(ctx context.Context, req Request) (*ClassifyResponse, error) {
			return nil, errors.New("connection refused")
		},
	}
	policy := fderrors.DefaultRetryPolicy()
	policy.MaxRetries = 2
	g := NewGuard(stub, WithRate(0, 0), WithRetryPolicy(policy), withSleep(noSleep))

	_, err := g.Classify(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, fderrors.ErrModelUnavailable, fderrors.CodeOf(err))
	classify, _ := stub.Calls()
	assert.Equal(t, 3, classify)
}

func TestGuard_TimeoutPerCall(t *testing.T) {
	stub := &StubClient{
		ClassifyFunc: func(ctx context.Context, req Request) (*ClassifyResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	policy := fderrors.DefaultRetryPolicy()
	policy.MaxRetries = 0
	g := NewGuard(stub, WithRate(0, 0), WithTimeout(10*time.Millisecond), WithRetryPolicy(policy))

	_, err := g.Classify(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, fderrors.IsTimeout(err))
}

func TestGuard_CancelledContext(t *testing.T) {
	stub := &StubClient{}
	g := NewGuard(stub, WithRate(1, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Classify(ctx, Request{})
	require.Error(t, err)
	classify, _ := stub.Calls()
	assert.Zero(t, classify)
}

func TestStubClient_Defaults(t *testing.T) {
	s := &StubClient{}
	c, err := s.Classify(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, strings.EqualFold(c.DocumentType, "unknown"))
	e, err := s.Extract(context.Background(), Request{})
	require.NoError(t, err)
	assert.Empty(t, e.Identifiers)
}
