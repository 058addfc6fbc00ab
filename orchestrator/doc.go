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

// Package orchestrator is the query routing and resilience layer of the
// Fiscalia platform.
//
// Every inbound question from an accounting or tax professional flows
// through the Dispatcher:
//
//	classify → route → select reasoning profile → dispatch → validate
//
// Classification (orchestrator/classify) assigns a professional domain,
// jurisdictions and complexity to the query. Routing
// (orchestrator/routing) picks a backend and model chain from the
// classification, the caller's subscription tier and live backend
// health (orchestrator/health). The governor (orchestrator/governor)
// selects the reasoning strategy the backend should apply. Dispatch
// walks the fallback chain behind per-backend circuit breakers
// (orchestrator/resilience) against the registered providers
// (orchestrator/llm). Responses to calculation, audit and research
// requests are validated (orchestrator/sentinel) before being returned.
//
// The package root adds the operational shell: the HTTP surface, JWT
// authentication, per-firm rate limiting, the Redis completion cache,
// the SQL audit trail and Prometheus metrics.
package orchestrator
