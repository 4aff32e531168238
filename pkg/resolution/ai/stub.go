package ai

import (
	"context"
	"sync"
)

// StubClient is a scripted Client for tests and offline runs. Nil funcs
// return an empty response.
type StubClient struct {
	ClassifyFunc func(ctx context.Context, req Request) (*ClassifyResponse, error)
	ExtractFunc  func(ctx context.Context, req Request) (*ExtractResponse, error)

	mu            sync.Mutex
	classifyCalls int
	extractCalls  int
}

// Classify implements Client.
func (s *StubClient) Classify(ctx context.Context, req Request) (*ClassifyResponse, error) {
	s.mu.Lock()
	s.classifyCalls++
	s.mu.Unlock()
	if s.ClassifyFunc == nil {
		return &ClassifyResponse{DocumentType: "unknown"}, nil
	}
	return s.ClassifyFunc(ctx, req)
}

// Extract implements Client.
func (s *StubClient) Extract(ctx context.Context, req Request) (*ExtractResponse, error) {
	s.mu.Lock()
	s.extractCalls++
	s.mu.Unlock()
	if s.ExtractFunc == nil {
		return &ExtractResponse{}, nil
	}
	return s.ExtractFunc(ctx, req)
}

// Calls returns how many times each method was invoked.
func (s *StubClient) Calls() (classify, extract int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.classifyCalls, s.extractCalls
}
