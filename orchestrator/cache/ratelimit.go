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

package cache

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-redis/redis/v8"

	"fiscalia/platform/shared/types"
)

// Per-minute request ceilings by subscription tier.
var tierLimits = map[types.Tier]int{
	types.TierFree:         10,
	types.TierProfessional: 60,
	types.TierEnterprise:   300,
}

const rateWindow = time.Minute

// RateLimitError reports a firm over its per-minute ceiling.
type RateLimitError struct {
	FirmID string
	Limit  int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("firm %s exceeded rate limit of %d requests/minute", e.FirmID, e.Limit)
}

// RateLimiter enforces per-firm sliding-window request limits in Redis.
type RateLimiter struct {
	client *redis.Client
	logger *log.Logger
	now    func() time.Time
}

// NewRateLimiter wraps an existing Redis client.
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: log.New(os.Stdout, "[RATELIMIT] ", log.LstdFlags),
		now:    time.Now,
	}
}

// Allow records a request for firmID and returns a *RateLimitError if the
// firm's tier ceiling is exceeded. Redis failures allow the request
// through: losing rate limiting is better than losing the service.
func (r *RateLimiter) Allow(ctx context.Context, firmID string, tier types.Tier) error {
	limit, ok := tierLimits[tier]
	if !ok {
		limit = tierLimits[types.TierFree]
	}

	key := "ratelimit:" + firmID
	now := r.now()
	windowStart := now.Add(-rateWindow)

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	count := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, rateWindow)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Printf("Rate limit check failed (allowing request): %v", err)
		return nil
	}

	if count.Val() >= int64(limit) {
		return &RateLimitError{FirmID: firmID, Limit: limit}
	}
	return nil
}

// IsRateLimitError reports whether err is a rate limit rejection.
func IsRateLimitError(err error) bool {
	_, ok := err.(*RateLimitError)
	return ok
}
