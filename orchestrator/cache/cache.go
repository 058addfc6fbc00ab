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

// Package cache provides the Redis-backed completion cache and the
// per-firm request rate limiter. Both fail open: a Redis outage degrades
// to uncached, unlimited operation rather than blocking dispatch.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-redis/redis/v8"

	"fiscalia/platform/orchestrator/llm"
	"fiscalia/platform/shared/types"
)

// DefaultTTL is how long cached completions stay valid. Professional
// guidance goes stale slowly; an hour keeps repeat questions cheap
// without serving outdated law for long.
const DefaultTTL = time.Hour

// CompletionCache stores completion responses keyed by request content.
type CompletionCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// New connects to Redis at redisURL and returns a cache.
func New(redisURL string, ttl time.Duration) (*CompletionCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing client (used by tests with miniredis).
func NewWithClient(client *redis.Client, ttl time.Duration) *CompletionCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CompletionCache{
		client: client,
		ttl:    ttl,
		logger: log.New(os.Stdout, "[CACHE] ", log.LstdFlags),
	}
}

// Key derives the cache key for a completion request. Conversation
// history is part of the key: the same question after different turns is
// a different request.
func (c *CompletionCache) Key(backend types.Backend, model string, req llm.CompletionRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%d\x00", backend, model, req.SystemPrompt, req.Prompt, req.MaxTokens)
	for _, turn := range req.History {
		fmt.Fprintf(h, "%s:%s\x00", turn.Role, turn.Content)
	}
	return "completion:" + hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached response for key, or ok=false on miss or any
// Redis failure.
func (c *CompletionCache) Get(ctx context.Context, key string) (*llm.CompletionResponse, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Printf("Cache read failed (serving uncached): %v", err)
		return nil, false
	}

	var resp llm.CompletionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Printf("Cache entry corrupt, dropping: %v", err)
		c.client.Del(ctx, key)
		return nil, false
	}
	return &resp, true
}

// Put stores a response under key. Failures are logged, not returned.
func (c *CompletionCache) Put(ctx context.Context, key string, resp *llm.CompletionResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Printf("Cache encode failed: %v", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Printf("Cache write failed: %v", err)
	}
}

// Close releases the Redis connection.
func (c *CompletionCache) Close() error {
	return c.client.Close()
}
