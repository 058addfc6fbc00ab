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

package llm

import (
	"context"
	"fmt"
)

// Provider is the unified interface for all completion backends.
// Implementations must be safe for concurrent use.
//
// Failures must be signalled as *ProviderError so the health monitor can
// classify them; wrapping the transport error as Cause is encouraged.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	// This is used for routing, logging, and metrics.
	Name() string

	// Type returns the provider type (e.g., "anthropic", "bedrock").
	Type() ProviderType

	// Complete generates a completion for the given request.
	// The context should be used for cancellation and timeout.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Ping verifies the provider is reachable and authenticated.
	// It should complete within a few seconds.
	Ping(ctx context.Context) error
}

// ProviderConfig contains configuration for creating a provider.
type ProviderConfig struct {
	// Name is the unique identifier for this provider instance.
	Name string `json:"name"`

	// Type identifies the provider implementation to use.
	Type ProviderType `json:"type"`

	// APIKey is the authentication key for the provider API.
	// For AWS Bedrock this may be empty (uses IAM).
	APIKey string `json:"api_key,omitempty"`

	// APIKeySecretARN is the AWS Secrets Manager ARN for the API key.
	// Used instead of APIKey for production deployments.
	APIKeySecretARN string `json:"api_key_secret_arn,omitempty"`

	// Endpoint is the API endpoint URL. If empty, provider defaults apply.
	Endpoint string `json:"endpoint,omitempty"`

	// Model is the default model to use.
	Model string `json:"model,omitempty"`

	// Region is the cloud region (for AWS Bedrock).
	Region string `json:"region,omitempty"`

	// TimeoutSeconds is the request timeout (0 = default).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// ValidateConfig checks a provider configuration for the fields its type
// requires.
func ValidateConfig(config ProviderConfig) error {
	if config.Name == "" {
		return fmt.Errorf("provider name is required")
	}

	switch config.Type {
	case ProviderTypeAnthropic:
		if config.APIKey == "" && config.APIKeySecretARN == "" {
			return fmt.Errorf("anthropic provider %q requires api_key or api_key_secret_arn", config.Name)
		}
	case ProviderTypeBedrock:
		if config.Region == "" {
			return fmt.Errorf("bedrock provider %q requires a region", config.Name)
		}
	case ProviderTypeMock:
		// No required fields.
	default:
		return fmt.Errorf("unknown provider type %q", config.Type)
	}

	return nil
}
