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

package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"fiscalia/platform/shared/types"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const ctxKeyCaller contextKey = "caller"

// Caller is the authenticated identity extracted from the bearer token.
type Caller struct {
	FirmID string     `json:"firm_id"`
	UserID string     `json:"user_id"`
	Email  string     `json:"email"`
	Tier   types.Tier `json:"tier"`
}

// anonymousCaller is used when authentication is disabled.
var anonymousCaller = &Caller{
	FirmID: "anonymous",
	Tier:   types.TierFree,
}

// ValidateToken parses and validates a bearer token, returning the
// caller identity from its claims.
func ValidateToken(tokenString string, secret []byte) (*Caller, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	firmID := getClaimString(claims, "firm_id")
	if firmID == "" {
		return nil, fmt.Errorf("token missing firm_id claim")
	}

	tier := types.Tier(getClaimString(claims, "tier"))
	switch tier {
	case types.TierFree, types.TierProfessional, types.TierEnterprise:
	default:
		tier = types.TierFree
	}

	return &Caller{
		FirmID: firmID,
		UserID: getClaimString(claims, "user_id"),
		Email:  getClaimString(claims, "email"),
		Tier:   tier,
	}, nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

// AuthMiddleware validates the Authorization header and attaches the
// caller to the request context. An empty secret disables validation;
// requests then run as the anonymous free-tier caller.
func AuthMiddleware(secret []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(secret) == 0 {
			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), anonymousCaller)))
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}

		caller, err := ValidateToken(strings.TrimPrefix(header, "Bearer "), secret)
		if err != nil {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
	})
}

func withCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, ctxKeyCaller, caller)
}

// CallerFrom returns the authenticated caller, or the anonymous caller
// if none is attached.
func CallerFrom(ctx context.Context) *Caller {
	if caller, ok := ctx.Value(ctxKeyCaller).(*Caller); ok {
		return caller
	}
	return anonymousCaller
}
