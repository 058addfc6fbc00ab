// Copyright 2025 Fiscalia
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"sync"
	"time"
)

// MockProvider is an in-memory Provider used by tests across packages.
// It replays a configured response or error and records every request.
type MockProvider struct {
	ProviderName string
	Response     *CompletionResponse
	Err          error

	// CompleteFunc, when set, overrides Response/Err entirely.
	CompleteFunc func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	mu       sync.Mutex
	requests []CompletionRequest
}

// NewMockProvider creates a mock provider that answers with content.
func NewMockProvider(name, content string) *MockProvider {
	return &MockProvider{
		ProviderName: name,
		Response: &CompletionResponse{
			Content:      content,
			Model:        "mock-model",
			Usage:        UsageStats{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
			Latency:      5 * time.Millisecond,
			FinishReason: "stop",
		},
	}
}

// Name implements Provider.
func (m *MockProvider) Name() string { return m.ProviderName }

// Type implements Provider.
func (m *MockProvider) Type() ProviderType { return ProviderTypeMock }

// Complete implements Provider.
func (m *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}

	resp := *m.Response
	if req.Model != "" {
		resp.Model = req.Model
	}
	return &resp, nil
}

// Ping implements Provider.
func (m *MockProvider) Ping(ctx context.Context) error {
	if m.Err != nil {
		return m.Err
	}
	return nil
}

// Requests returns a copy of every request seen so far.
func (m *MockProvider) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns the number of Complete calls observed.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

var _ Provider = (*MockProvider)(nil)
