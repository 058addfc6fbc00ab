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

// Package main is the entry point for the Fiscalia Orchestrator service.
//
// The Orchestrator routes professional accounting and tax queries to the
// right reasoning backend, tracks backend health, and validates
// responses before they reach the client.
//
// Usage:
//
//	./orchestrator
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8084)
//	ANTHROPIC_API_KEY - Anthropic API key (or ANTHROPIC_API_KEY_SECRET_ARN)
//	BEDROCK_REGION - AWS Bedrock region (optional)
//	AUDIT_DATABASE_URL - audit store connection string (optional)
//	REDIS_URL - completion cache / rate limiter (optional)
//	JWT_SECRET - bearer-token secret (optional; empty disables auth)
package main

import (
	"fiscalia/platform/orchestrator"
)

func main() {
	orchestrator.Run()
}
