package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/textnorm"
)

// maxPromptText bounds each text section sent to the model.
const maxPromptText = 12000

// OpenAIConfig holds configuration for the OpenAI-compatible adapter.
type OpenAIConfig struct {
	Endpoint string // Base URL, e.g. "https://api.openai.com/v1"
	Model    string
	APIKey   string
}

// OpenAIClient implements Client against any OpenAI-compatible chat
// completions endpoint, asking for a JSON object response.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger logging.Logger
}

// NewOpenAIClient creates the adapter.
func NewOpenAIClient(cfg OpenAIConfig, logger logging.Logger) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: ai model is required", fderrors.ErrValidation)
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
		logger: logger.With(logging.F("component", "ai_openai")),
	}, nil
}

const classifySystemPrompt = `You classify freight forwarding emails.
Reply with a single JSON object: {"document_type": string, "confidence": integer 0-100, "reasoning": string}.
document_type must be one of: %s.
Use "unknown" when unsure.`

const extractSystemPrompt = `You extract shipment identifiers from freight forwarding documents.
Reply with a single JSON object: {"identifiers": [{"kind": string, "value": string, "confidence": integer 0-100}]}.
Only return these kinds: %s.
Dates must be YYYY-MM-DD. Omit anything you are not sure of.`

// Classify asks the model for a document type.
func (c *OpenAIClient) Classify(ctx context.Context, req Request) (*ClassifyResponse, error) {
	types := make([]string, 0, len(resolution.AllDocumentTypes()))
	for _, dt := range resolution.AllDocumentTypes() {
		types = append(types, string(dt))
	}
	system := fmt.Sprintf(classifySystemPrompt, strings.Join(types, ", "))

	var out ClassifyResponse
	if err := c.complete(ctx, req, system, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Extract asks the model for identifiers of the wanted kinds.
func (c *OpenAIClient) Extract(ctx context.Context, req Request) (*ExtractResponse, error) {
	kinds := make([]string, 0, len(req.WantedKinds))
	for _, k := range req.WantedKinds {
		kinds = append(kinds, string(k))
	}
	if len(kinds) == 0 {
		for _, k := range resolution.AllIdentifierKinds() {
			kinds = append(kinds, string(k))
		}
	}
	system := fmt.Sprintf(extractSystemPrompt, strings.Join(kinds, ", "))

	var out ExtractResponse
	if err := c.complete(ctx, req, system, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *OpenAIClient) complete(ctx context.Context, req Request, system string, out any) error {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(req)},
		},
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		c.logger.Warn("AI request failed",
			logging.F("message_id", req.MessageID),
			logging.F("task", string(req.Task)),
			logging.F("elapsed", time.Since(start)),
			logging.Err(err))
		return classifyAPIError(err, string(req.Task))
	}
	if len(resp.Choices) == 0 {
		return &fderrors.ResolutionError{
			Kind:    fderrors.KindCollaboratorFailure,
			Code:    fderrors.ErrMalformedResponse,
			Stage:   string(req.Task),
			Message: "no choices in response",
		}
	}

	c.logger.Debug("AI request completed",
		logging.F("message_id", req.MessageID),
		logging.F("task", string(req.Task)),
		logging.F("prompt_tokens", resp.Usage.PromptTokens),
		logging.F("completion_tokens", resp.Usage.CompletionTokens),
		logging.F("elapsed", time.Since(start)))

	return DecodeJSON(resp.Choices[0].Message.Content, string(req.Task), out)
}

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Direction: %s\n", req.Direction)
	if req.DocumentType != "" {
		fmt.Fprintf(&b, "Document type: %s\n", req.DocumentType)
	}
	fmt.Fprintf(&b, "Subject: %s\n\nBody:\n%s\n", truncate(req.Subject, 500), truncate(req.Body, maxPromptText))
	if req.AttachmentText != "" {
		fmt.Fprintf(&b, "\nAttachments:\n%s\n", truncate(req.AttachmentText, maxPromptText))
	}
	return b.String()
}

func truncate(s string, n int) string {
	return textnorm.Truncate(s, n)
}

// DecodeJSON pulls the first JSON object out of a model reply, tolerating
// markdown fences and leading prose, and decodes it into out.
func DecodeJSON(content, stage string, out any) error {
	raw, ok := firstObject(content)
	if !ok {
		return &fderrors.ResolutionError{
			Kind:    fderrors.KindCollaboratorFailure,
			Code:    fderrors.ErrMalformedResponse,
			Stage:   stage,
			Message: "no JSON object in response",
		}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &fderrors.ResolutionError{
			Kind:    fderrors.KindCollaboratorFailure,
			Code:    fderrors.ErrMalformedResponse,
			Stage:   stage,
			Message: "decode response",
			Cause:   err,
		}
	}
	return nil
}

// firstObject returns the first balanced {...} in s, honouring strings.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case ch == '{' && !inString:
			depth++
		case ch == '}' && !inString:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// classifyAPIError maps go-openai errors onto resolution error codes using
// the HTTP status when one is available.
func classifyAPIError(err error, stage string) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	code := fderrors.ErrorCode("")
	switch {
	case status == http.StatusTooManyRequests:
		code = fderrors.ErrRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = fderrors.ErrTimeout
	case status >= 500:
		code = fderrors.ErrModelUnavailable
	case status >= 400:
		code = fderrors.ErrProcessingError
	}
	if code == "" {
		return fderrors.ClassifyError(err, stage)
	}
	return &fderrors.ResolutionError{
		Kind:    fderrors.KindCollaboratorFailure,
		Code:    code,
		Stage:   stage,
		Message: fmt.Sprintf("ai endpoint returned HTTP %d", status),
		Cause:   err,
	}
}
