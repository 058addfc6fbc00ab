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

// Package types provides shared type definitions used across Fiscalia components.
// This file defines the closed sets of completion backends, subscription tiers,
// and assistant modes that the orchestrator routes on.
package types

// Backend identifies one of the interchangeable completion backends the
// orchestrator can dispatch to. The set is closed: routing code switches
// exhaustively over these values so adding a backend is a compile-time
// visible change.
type Backend string

const (
	// BackendDocIntel is the document-intelligence backend, used for
	// requests that analyze uploaded attachments (contracts, trial
	// balances, working papers).
	BackendDocIntel Backend = "docintel"

	// BackendResearch is the search-capable backend with access to
	// current regulatory and market data.
	BackendResearch Backend = "research"

	// BackendApex is the high-capability, long-context backend used for
	// expert-complexity and deep-reasoning requests.
	BackendApex Backend = "apex"

	// BackendSwift is the cost-optimized backend for simple and moderate
	// requests.
	BackendSwift Backend = "swift"

	// BackendCore is the general-purpose backend and the fallback of
	// last resort for every routing chain.
	BackendCore Backend = "core"
)

// AllBackends lists every known backend in registration order.
var AllBackends = []Backend{
	BackendDocIntel,
	BackendResearch,
	BackendApex,
	BackendSwift,
	BackendCore,
}

// String returns the string representation of the Backend.
func (b Backend) String() string {
	return string(b)
}

// IsValid returns true if the Backend is a valid known value.
func (b Backend) IsValid() bool {
	switch b {
	case BackendDocIntel, BackendResearch, BackendApex, BackendSwift, BackendCore:
		return true
	default:
		return false
	}
}

// Tier represents the caller's subscription tier.
type Tier string

const (
	// TierFree is the free trial tier.
	TierFree Tier = "free"
	// TierProfessional is the paid practitioner tier.
	TierProfessional Tier = "professional"
	// TierEnterprise is the paid firm-wide tier with specialist models.
	TierEnterprise Tier = "enterprise"
)

// String returns the string representation of the Tier.
func (t Tier) String() string {
	return string(t)
}

// IsValid returns true if the Tier is a valid known value.
func (t Tier) IsValid() bool {
	switch t {
	case TierFree, TierProfessional, TierEnterprise:
		return true
	default:
		return false
	}
}

// IsPaid returns true for tiers that unlock advanced reasoning profiles
// and cognitive monitoring.
func (t Tier) IsPaid() bool {
	return t == TierProfessional || t == TierEnterprise
}

// Mode represents the assistant mode the caller selected for a request.
type Mode string

const (
	// ModeChat is general conversational Q&A.
	ModeChat Mode = "chat"
	// ModeResearch is regulatory and technical research.
	ModeResearch Mode = "research"
	// ModeCalculation is tax and financial calculation work.
	ModeCalculation Mode = "calculation"
	// ModeAudit is audit planning and risk assessment work.
	ModeAudit Mode = "audit"
	// ModeDocuments is attachment review and extraction.
	ModeDocuments Mode = "documents"
)

// String returns the string representation of the Mode.
func (m Mode) String() string {
	return string(m)
}

// IsValid returns true if the Mode is a valid known value.
func (m Mode) IsValid() bool {
	switch m {
	case ModeChat, ModeResearch, ModeCalculation, ModeAudit, ModeDocuments:
		return true
	default:
		return false
	}
}
