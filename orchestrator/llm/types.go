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

// Package llm provides the unified interface and types for the completion
// backends the Fiscalia orchestrator dispatches to. It defines the common
// abstractions shared by all backend integrations, enabling pluggable
// provider implementations.
package llm

import (
	"errors"
	"fmt"
	"time"
)

// ProviderType identifies the underlying implementation of a completion
// backend.
type ProviderType string

const (
	// ProviderTypeAnthropic represents the Anthropic Messages API.
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeBedrock represents AWS Bedrock managed models.
	ProviderTypeBedrock ProviderType = "bedrock"

	// ProviderTypeMock represents an in-memory provider used in tests.
	ProviderTypeMock ProviderType = "mock"
)

// CompletionRequest encapsulates all parameters for a completion request.
// This is the unified request type used across all providers.
type CompletionRequest struct {
	// Prompt is the user's input text/question.
	Prompt string `json:"prompt"`

	// SystemPrompt is an optional system message that sets context/behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// History holds prior conversation turns, oldest first.
	History []Turn `json:"history,omitempty"`

	// MaxTokens limits the maximum number of tokens in the response.
	// If 0, provider defaults are used.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 = deterministic).
	Temperature float64 `json:"temperature,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// StopSequences are strings that cause generation to stop.
	StopSequences []string `json:"stop_sequences,omitempty"`

	// Metadata contains provider-specific options.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Turn is a single prior exchange in the conversation history.
type Turn struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`

	// Content is the turn's text.
	Content string `json:"content"`
}

// CompletionResponse contains the result of a completion.
type CompletionResponse struct {
	// Content is the generated text response.
	Content string `json:"content"`

	// Model is the actual model used (may differ from requested).
	Model string `json:"model"`

	// Usage contains token usage statistics.
	Usage UsageStats `json:"usage"`

	// Latency is the time taken to generate the response.
	Latency time.Duration `json:"latency"`

	// FinishReason indicates why generation stopped.
	// Common values: "stop", "max_tokens", "content_filter".
	FinishReason string `json:"finish_reason,omitempty"`

	// Metadata contains provider-specific response data.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UsageStats tracks token usage for billing and monitoring.
type UsageStats struct {
	// InputTokens is the number of tokens in the input.
	InputTokens int `json:"input_tokens"`

	// OutputTokens is the number of tokens generated.
	OutputTokens int `json:"output_tokens"`

	// TotalTokens is the sum of input and output tokens.
	TotalTokens int `json:"total_tokens"`
}

// ErrorCode is a machine-readable classification of a provider failure.
type ErrorCode string

// Error codes every provider must map its failures onto.
const (
	// ErrCodeRateLimit indicates the provider throttled the request.
	ErrCodeRateLimit ErrorCode = "rate_limit"

	// ErrCodeQuotaExceeded indicates a billing or usage quota was hit.
	// Unlike rate limiting this does not clear on its own within seconds.
	ErrCodeQuotaExceeded ErrorCode = "quota_exceeded"

	// ErrCodeAuth indicates authentication or authorization failure.
	ErrCodeAuth ErrorCode = "auth_error"

	// ErrCodeInvalidRequest indicates a malformed request.
	ErrCodeInvalidRequest ErrorCode = "invalid_request"

	// ErrCodeProviderError indicates a server-side provider failure.
	ErrCodeProviderError ErrorCode = "provider_error"

	// ErrCodeTimeout indicates the request timed out.
	ErrCodeTimeout ErrorCode = "timeout"

	// ErrCodeUnknown is the fallback for unclassified failures.
	ErrCodeUnknown ErrorCode = "unknown"
)

// ProviderError represents an error from a completion backend.
type ProviderError struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is the machine-readable error code.
	Code ErrorCode `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried elsewhere.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError with Retryable derived from code.
func NewProviderError(provider string, code ErrorCode, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// isRetryableCode determines if an error code is worth retrying on a
// different backend. Quota and auth failures are backend-specific and
// permanent until an operator intervenes, but they never block trying an
// alternative backend; the dispatcher handles that distinction.
func isRetryableCode(code ErrorCode) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeProviderError, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// CodeOf extracts the error code from err, unwrapping as needed.
// Returns ErrCodeUnknown when err carries no provider classification.
func CodeOf(err error) ErrorCode {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeUnknown
}

// StatusOf extracts the HTTP status code from err, or 0.
func StatusOf(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}
