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

// Package bedrock provides a completion provider implementation for AWS
// Bedrock managed models using AWS SDK v2 with Signature V4 / IAM
// authentication.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"fiscalia/platform/orchestrator/llm"
)

const (
	// DefaultModel is used when a request does not name a model
	DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 4096

	anthropicBedrockVersion = "bedrock-2023-05-31"
)

// InvokeClient is the subset of the Bedrock Runtime client the provider
// needs (enables testing).
type InvokeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements llm.Provider for AWS Bedrock
type Provider struct {
	name   string
	client InvokeClient
	region string
	model  string
}

// Config contains configuration for the Bedrock provider
type Config struct {
	Name   string       // Required: provider instance name
	Region string       // Required: AWS region
	Model  string       // Optional: default model id
	Client InvokeClient // Optional: override for tests
}

// New creates a new Bedrock provider. Credentials come from the default
// AWS credential chain (IAM role, env, shared config).
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("bedrock: region is required")
	}
	if cfg.Name == "" {
		cfg.Name = "bedrock"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
		}
		client = bedrockruntime.NewFromConfig(awsCfg)
	}

	return &Provider{
		name:   cfg.Name,
		client: client,
		region: cfg.Region,
		model:  cfg.Model,
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return p.name }

// Type implements llm.Provider.
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeBedrock }

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

	body, err := p.buildRequestBody(req, model, maxTokens)
	if err != nil {
		return nil, &llm.ProviderError{
			Provider: p.name,
			Code:     llm.ErrCodeInvalidRequest,
			Message:  err.Error(),
			Cause:    err,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &llm.ProviderError{
			Provider: p.name,
			Code:     llm.ErrCodeInvalidRequest,
			Message:  fmt.Sprintf("failed to marshal request: %v", err),
			Cause:    err,
		}
	}

	start := time.Now()
	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, p.invokeError(err)
	}

	resp, err := p.parseResponseBody(output.Body, model)
	if err != nil {
		return nil, &llm.ProviderError{
			Provider:  p.name,
			Code:      llm.ErrCodeProviderError,
			Message:   fmt.Sprintf("failed to parse response: %v", err),
			Retryable: true,
			Cause:     err,
		}
	}

	resp.Model = model
	resp.Latency = time.Since(start)
	if resp.Metadata == nil {
		resp.Metadata = map[string]any{}
	}
	resp.Metadata["region"] = p.region

	return resp, nil
}

// Ping implements llm.Provider with a minimal single-token invocation.
func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.Complete(ctx, llm.CompletionRequest{Prompt: "ping", MaxTokens: 1})
	if err != nil && llm.CodeOf(err) != llm.ErrCodeInvalidRequest {
		return err
	}
	return nil
}

// buildRequestBody builds the request body based on model family.
func (p *Provider) buildRequestBody(req llm.CompletionRequest, model string, maxTokens int) (map[string]any, error) {
	family := detectModelFamily(model)

	switch family {
	case "anthropic":
		messages := make([]map[string]string, 0, len(req.History)+1)
		for _, turn := range req.History {
			messages = append(messages, map[string]string{"role": turn.Role, "content": turn.Content})
		}
		messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

		body := map[string]any{
			"anthropic_version": anthropicBedrockVersion,
			"max_tokens":        maxTokens,
			"messages":          messages,
		}
		if req.SystemPrompt != "" {
			body["system"] = req.SystemPrompt
		}
		if req.Temperature > 0 {
			body["temperature"] = req.Temperature
		}
		return body, nil
	case "amazon":
		return map[string]any{
			"inputText": req.Prompt,
			"textGenerationConfig": map[string]any{
				"maxTokenCount": maxTokens,
				"temperature":   req.Temperature,
				"topP":          0.9,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family %q", family)
	}
}

// parseResponseBody parses the response body based on model family.
func (p *Provider) parseResponseBody(body []byte, model string) (*llm.CompletionResponse, error) {
	switch detectModelFamily(model) {
	case "anthropic":
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
			Usage      struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}

		var content strings.Builder
		for _, block := range resp.Content {
			content.WriteString(block.Text)
		}

		return &llm.CompletionResponse{
			Content:      content.String(),
			FinishReason: resp.StopReason,
			Usage: llm.UsageStats{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
				TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
			},
		}, nil
	case "amazon":
		var resp struct {
			Results []struct {
				OutputText       string `json:"outputText"`
				TokenCount       int    `json:"tokenCount"`
				CompletionReason string `json:"completionReason"`
			} `json:"results"`
			InputTextTokenCount int `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}

		content := ""
		outputTokens := 0
		finish := ""
		if len(resp.Results) > 0 {
			content = resp.Results[0].OutputText
			outputTokens = resp.Results[0].TokenCount
			finish = resp.Results[0].CompletionReason
		}

		return &llm.CompletionResponse{
			Content:      content,
			FinishReason: finish,
			Usage: llm.UsageStats{
				InputTokens:  resp.InputTextTokenCount,
				OutputTokens: outputTokens,
				TotalTokens:  resp.InputTextTokenCount + outputTokens,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model %q", model)
	}
}

// invokeError maps Bedrock SDK failures onto the error taxonomy.
func (p *Provider) invokeError(err error) *llm.ProviderError {
	msg := err.Error()
	lower := strings.ToLower(msg)

	code := llm.ErrCodeProviderError
	retryable := true

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = llm.ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		code = llm.ErrCodeUnknown
		retryable = false
	case strings.Contains(lower, "servicequotaexceeded"):
		code = llm.ErrCodeQuotaExceeded
		retryable = false
	case strings.Contains(lower, "accessdenied") ||
		strings.Contains(lower, "unrecognizedclient") ||
		strings.Contains(lower, "expiredtoken"):
		code = llm.ErrCodeAuth
		retryable = false
	case strings.Contains(lower, "throttling") || strings.Contains(lower, "too many requests"):
		code = llm.ErrCodeRateLimit
	case strings.Contains(lower, "validationexception"):
		code = llm.ErrCodeInvalidRequest
		retryable = false
	}

	return &llm.ProviderError{
		Provider:  p.name,
		Code:      code,
		Message:   msg,
		Retryable: retryable,
		Cause:     err,
	}
}

// detectModelFamily infers the body/response format from a model id.
func detectModelFamily(model string) string {
	id := model
	// Cross-region inference profiles prefix the model id with a region.
	for _, prefix := range []string{"us.", "eu.", "apac."} {
		id = strings.TrimPrefix(id, prefix)
	}

	switch {
	case strings.HasPrefix(id, "anthropic."):
		return "anthropic"
	case strings.HasPrefix(id, "amazon."):
		return "amazon"
	default:
		return "unknown"
	}
}

var _ llm.Provider = (*Provider)(nil)
