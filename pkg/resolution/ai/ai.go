// Package ai defines the narrow interface to the external AI collaborator
// used as a fallback by classification and extraction, plus an
// OpenAI-compatible adapter and a rate-limited, retrying guard around it.
package ai

import (
	"context"

	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
)

// TaskKind names the kind of AI call.
type TaskKind string

const (
	TaskClassify TaskKind = "classify"
	TaskExtract  TaskKind = "extract"
)

// Request is the typed input to an AI call.
type Request struct {
	MessageID      string                      `json:"message_id"`
	Task           TaskKind                    `json:"task"`
	Subject        string                      `json:"subject"`
	Body           string                      `json:"body"`
	AttachmentText string                      `json:"attachment_text,omitempty"`
	Direction      resolution.Direction        `json:"direction"`
	DocumentType   resolution.DocumentType     `json:"document_type,omitempty"`
	WantedKinds    []resolution.IdentifierKind `json:"wanted_kinds,omitempty"`
}

// ClassifyResponse is the raw classification the model returned. The
// document type is free text until sanitized.
type ClassifyResponse struct {
	DocumentType string `json:"document_type"`
	Confidence   int    `json:"confidence"`
	Reasoning    string `json:"reasoning,omitempty"`
}

// Identifier is one raw (kind, value) pair returned by the model.
type Identifier struct {
	Kind       string `json:"kind"`
	Value      string `json:"value"`
	Confidence int    `json:"confidence"`
}

// ExtractResponse is the raw extraction the model returned.
type ExtractResponse struct {
	Identifiers []Identifier `json:"identifiers"`
}

// Client is the AI collaborator.
type Client interface {
	Classify(ctx context.Context, req Request) (*ClassifyResponse, error)
	Extract(ctx context.Context, req Request) (*ExtractResponse, error)
}
