// Copyright 2025 Fiscalia
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package anthropic provides a completion provider implementation for
// Anthropic's Claude models over the Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fiscalia/platform/orchestrator/llm"
)

const (
	// DefaultBaseURL is the default Anthropic API endpoint
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the Anthropic API version
	DefaultAPIVersion = "2023-06-01"

	// DefaultTimeout is the default HTTP timeout
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 4096

	// DefaultModel is used when a request does not name a model
	DefaultModel = "claude-3-5-sonnet-20241022"
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for Anthropic Claude
type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	client     HTTPClient
}

// Config contains configuration for the Anthropic provider
type Config struct {
	Name       string        // Required: provider instance name
	APIKey     string        // Required: Anthropic API key
	BaseURL    string        // Optional: API base URL
	APIVersion string        // Optional: API version
	Model      string        // Optional: default model
	Timeout    time.Duration // Optional: HTTP timeout
	HTTPClient HTTPClient    // Optional: override for tests
}

// New creates a new Anthropic provider
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &Provider{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		model:      cfg.Model,
		client:     client,
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return p.name }

// Type implements llm.Provider.
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeAnthropic }

// messagesRequest is the Anthropic Messages API request body
type messagesRequest struct {
	Model         string    `json:"model"`
	MaxTokens     int       `json:"max_tokens"`
	System        string    `json:"system,omitempty"`
	Messages      []message `json:"messages"`
	Temperature   *float64  `json:"temperature,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// messagesResponse is the Anthropic Messages API response body
type messagesResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// apiError is the Anthropic error response body
type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	body := messagesRequest{
		Model:         model,
		MaxTokens:     maxTokens,
		System:        req.SystemPrompt,
		StopSequences: req.StopSequences,
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	for _, turn := range req.History {
		body.Messages = append(body.Messages, message{Role: turn.Role, Content: turn.Content})
	}
	body.Messages = append(body.Messages, message{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &llm.ProviderError{
			Provider: p.name,
			Code:     llm.ErrCodeInvalidRequest,
			Message:  fmt.Sprintf("failed to encode request: %v", err),
			Cause:    err,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, &llm.ProviderError{
			Provider: p.name,
			Code:     llm.ErrCodeInvalidRequest,
			Message:  fmt.Sprintf("failed to build request: %v", err),
			Cause:    err,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", p.apiKey)
	httpReq.Header.Set("Anthropic-Version", p.apiVersion)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &llm.ProviderError{
			Provider:  p.name,
			Code:      llm.ErrCodeProviderError,
			Message:   fmt.Sprintf("failed to read response: %v", err),
			Retryable: true,
			Cause:     err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp.StatusCode, data)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &llm.ProviderError{
			Provider:  p.name,
			Code:      llm.ErrCodeProviderError,
			Message:   fmt.Sprintf("failed to decode response: %v", err),
			Retryable: true,
			Cause:     err,
		}
	}

	var content strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &llm.CompletionResponse{
		Content: content.String(),
		Model:   parsed.Model,
		Usage: llm.UsageStats{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			TotalTokens:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
		Latency:      time.Since(start),
		FinishReason: parsed.StopReason,
		Metadata:     map[string]any{"message_id": parsed.ID},
	}, nil
}

// Ping implements llm.Provider with a minimal single-token completion.
func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.Complete(ctx, llm.CompletionRequest{Prompt: "ping", MaxTokens: 1})
	if err != nil {
		// Invalid-request here still proves connectivity and auth.
		if llm.CodeOf(err) == llm.ErrCodeInvalidRequest {
			return nil
		}
		return err
	}
	return nil
}

// transportError maps network-level failures onto the error taxonomy.
func (p *Provider) transportError(ctx context.Context, err error) *llm.ProviderError {
	code := llm.ErrCodeProviderError
	retryable := true

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = llm.ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		code = llm.ErrCodeUnknown
		retryable = false
	case strings.Contains(err.Error(), "Client.Timeout"):
		code = llm.ErrCodeTimeout
	}
	_ = ctx

	return &llm.ProviderError{
		Provider:  p.name,
		Code:      code,
		Message:   err.Error(),
		Retryable: retryable,
		Cause:     err,
	}
}

// statusError maps an HTTP error status onto the error taxonomy.
// Quota exhaustion arrives as a 429 with billing language in the body, so
// the body check runs before the generic rate-limit mapping.
func (p *Provider) statusError(status int, body []byte) *llm.ProviderError {
	var parsed apiError
	message := string(body)
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	code := llm.ErrCodeProviderError
	retryable := true
	lower := strings.ToLower(message)

	switch {
	case status == http.StatusTooManyRequests &&
		(strings.Contains(lower, "quota") || strings.Contains(lower, "credit") || strings.Contains(lower, "billing")):
		code = llm.ErrCodeQuotaExceeded
		retryable = false
	case status == http.StatusTooManyRequests:
		code = llm.ErrCodeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = llm.ErrCodeAuth
		retryable = false
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		code = llm.ErrCodeInvalidRequest
		retryable = false
	case status >= 500:
		code = llm.ErrCodeProviderError
	}

	return &llm.ProviderError{
		Provider:   p.name,
		Code:       code,
		Message:    message,
		StatusCode: status,
		Retryable:  retryable,
	}
}

var _ llm.Provider = (*Provider)(nil)
