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
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretFetcher retrieves a secret value by ARN. Satisfied by the AWS
// Secrets Manager client; fakes implement it in tests.
type SecretFetcher interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// APIKeyResolver resolves provider API keys from AWS Secrets Manager with
// a TTL cache, so production deployments never carry keys in config.
type APIKeyResolver struct {
	client SecretFetcher
	cache  map[string]*secretCacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	logger *log.Logger
}

type secretCacheEntry struct {
	value     string
	expiresAt time.Time
}

// APIKeyResolverOptions holds options for creating an APIKeyResolver.
type APIKeyResolverOptions struct {
	Region   string
	CacheTTL time.Duration
	Logger   *log.Logger

	// Client overrides the AWS client, for tests.
	Client SecretFetcher
}

// NewAPIKeyResolver creates an API key resolver backed by AWS Secrets
// Manager.
func NewAPIKeyResolver(ctx context.Context, opts APIKeyResolverOptions) (*APIKeyResolver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[SECRETS] ", log.LstdFlags)
	}

	client := opts.Client
	if client == nil {
		cfgOpts := []func(*config.LoadOptions) error{}
		if opts.Region != "" {
			cfgOpts = append(cfgOpts, config.WithRegion(opts.Region))
		}

		cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = secretsmanager.NewFromConfig(cfg)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &APIKeyResolver{
		client: client,
		cache:  make(map[string]*secretCacheEntry),
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Resolve returns the API key stored at secretARN. Secrets stored as JSON
// objects must carry the key under "api_key" or "value"; plain-string
// secrets are returned as-is.
func (r *APIKeyResolver) Resolve(ctx context.Context, secretARN string) (string, error) {
	r.mu.RLock()
	entry, exists := r.cache[secretARN]
	r.mu.RUnlock()

	if exists && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	r.logger.Printf("Fetching secret %s from AWS Secrets Manager", maskARN(secretARN))

	result, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", maskARN(secretARN), err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", maskARN(secretARN))
	}

	key := *result.SecretString

	// JSON-object secrets carry the key under a named field.
	var fields map[string]string
	if err := json.Unmarshal([]byte(key), &fields); err == nil {
		if v, ok := fields["api_key"]; ok {
			key = v
		} else if v, ok := fields["value"]; ok {
			key = v
		}
	}

	r.mu.Lock()
	r.cache[secretARN] = &secretCacheEntry{
		value:     key,
		expiresAt: time.Now().Add(r.ttl),
	}
	r.mu.Unlock()

	return key, nil
}

// maskARN redacts the secret name portion of an ARN for logging.
func maskARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 7 {
		return "arn:***"
	}
	return strings.Join(parts[:5], ":") + ":secret:***"
}
