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

// Package routing turns a query classification and caller tier into a
// backend/model plan: a preferred backend, an ordered fallback chain,
// required solver capabilities, and a token budget. Decisions are
// deterministic given the health monitor snapshot they were built from.
package routing

import (
	"fmt"
	"strings"

	"fiscalia/platform/orchestrator/classify"
	"fiscalia/platform/orchestrator/health"
	"fiscalia/platform/shared/types"
)

// Default model per backend.
var backendModels = map[types.Backend]string{
	types.BackendDocIntel: "claude-3-5-sonnet-20241022",
	types.BackendResearch: "claude-3-5-sonnet-20241022",
	types.BackendApex:     "claude-3-opus-20240229",
	types.BackendSwift:    "claude-3-5-haiku-20241022",
	types.BackendCore:     "claude-3-5-sonnet-20241022",
}

// Domain-specialized deployments available to enterprise firms.
var specialistModels = map[classify.Domain]string{
	classify.DomainTax:                "fiscalia-tax-specialist",
	classify.DomainAudit:              "fiscalia-audit-specialist",
	classify.DomainFinancialReporting: "fiscalia-reporting-specialist",
}

// Solver capability names appended to decisions.
const (
	SolverCalculator        = "calculator"
	SolverTaxCalculator     = "tax-calculator"
	SolverMultiJurisdiction = "multi-jurisdiction"
	SolverRiskAssessment    = "risk-assessment"
	SolverStandardsLookup   = "standards-lookup"
	SolverRegulatoryCheck   = "regulatory-check"
	SolverJurisdictionRules = "jurisdiction-rules"
)

// Token budget per complexity tier, plus surcharges.
var tokenBudgets = map[classify.Complexity]int{
	classify.ComplexitySimple:   500,
	classify.ComplexityModerate: 800,
	classify.ComplexityComplex:  1200,
	classify.ComplexityExpert:   2000,
}

const (
	researchBudgetBonus = 500
	documentBudgetBonus = 300
)

// RoutingDecision is the immutable plan for dispatching one request.
type RoutingDecision struct {
	Model            string          `json:"model"`
	Backend          types.Backend   `json:"backend"`
	FallbackBackends []types.Backend `json:"fallback_backends"`
	FallbackModels   []string        `json:"fallback_models"`
	Solvers          []string        `json:"solvers,omitempty"`
	TokenBudget      int             `json:"token_budget"`
	Justification    string          `json:"justification"`
}

// Engine builds routing decisions. The health monitor is optional; when
// present, an unhealthy preferred backend is demoted in favor of the
// first healthy backend in the chain.
type Engine struct {
	monitor *health.Monitor
}

// NewEngine creates a routing engine.
func NewEngine(monitor *health.Monitor) *Engine {
	return &Engine{monitor: monitor}
}

// Route produces the routing decision for a classified query.
func (e *Engine) Route(cls classify.QueryClassification, tier types.Tier) RoutingDecision {
	backend, fallbacks, reason := e.baseSelection(cls)

	model := backendModels[backend]
	if tier == types.TierEnterprise {
		if specialist, ok := specialistModels[cls.Domain]; ok {
			model = specialist
			reason += ", enterprise specialist model"
		}
	}

	// Chain always ends at the general-purpose backend.
	if backend != types.BackendCore && !containsBackend(fallbacks, types.BackendCore) {
		fallbacks = append(fallbacks, types.BackendCore)
	}

	healthNote := ""
	if e.monitor != nil && !e.monitor.IsHealthy(backend) {
		if promoted, ok := e.monitor.BestCandidate(backend, fallbacks); ok && promoted != backend {
			healthNote = fmt.Sprintf("; preferred backend %s unhealthy, promoted %s", backend, promoted)
			fallbacks = demote(backend, promoted, fallbacks)
			backend = promoted
			model = backendModels[backend]
		}
	}

	solvers := e.solvers(cls)
	budget := e.tokenBudget(cls)

	decision := RoutingDecision{
		Model:            model,
		Backend:          backend,
		FallbackBackends: fallbacks,
		FallbackModels:   fallbackModels(fallbacks),
		Solvers:          solvers,
		TokenBudget:      budget,
	}
	decision.Justification = justification(cls, decision, reason+healthNote)
	return decision
}

// baseSelection applies the priority rules; first match wins.
func (e *Engine) baseSelection(cls classify.QueryClassification) (types.Backend, []types.Backend, string) {
	switch {
	case cls.NeedsDocumentAnalysis:
		return types.BackendDocIntel,
			[]types.Backend{types.BackendCore, types.BackendApex},
			"document analysis required"
	case cls.NeedsRealTimeData || cls.NeedsResearch:
		return types.BackendResearch,
			[]types.Backend{types.BackendCore, types.BackendApex},
			"research or real-time data required"
	case cls.NeedsDeepReasoning || cls.Complexity == classify.ComplexityExpert:
		return types.BackendApex,
			[]types.Backend{types.BackendCore},
			"deep reasoning required"
	case cls.Complexity == classify.ComplexitySimple || cls.Complexity == classify.ComplexityModerate:
		return types.BackendSwift,
			[]types.Backend{types.BackendCore, types.BackendApex},
			"cost-optimized for low complexity"
	default:
		return types.BackendCore,
			[]types.Backend{types.BackendSwift, types.BackendApex},
			"general-purpose default"
	}
}

// solvers determines the auxiliary capabilities the answer needs.
func (e *Engine) solvers(cls classify.QueryClassification) []string {
	var solvers []string
	calculatorAdded := false

	switch cls.Domain {
	case classify.DomainTax:
		if cls.NeedsCalculation {
			solvers = append(solvers, SolverTaxCalculator)
			calculatorAdded = true
		}
		if len(cls.Jurisdictions) > 1 {
			solvers = append(solvers, SolverMultiJurisdiction)
		}
	case classify.DomainAudit:
		solvers = append(solvers, SolverRiskAssessment)
	case classify.DomainFinancialReporting:
		if mentionsStandards(cls.Keywords) {
			solvers = append(solvers, SolverStandardsLookup)
		}
	case classify.DomainCompliance:
		solvers = append(solvers, SolverRegulatoryCheck)
		if len(cls.Jurisdictions) > 0 {
			solvers = append(solvers, SolverJurisdictionRules)
		}
	}

	if cls.NeedsCalculation && !calculatorAdded {
		solvers = append(solvers, SolverCalculator)
	}
	return solvers
}

func (e *Engine) tokenBudget(cls classify.QueryClassification) int {
	budget := tokenBudgets[cls.Complexity]
	if budget == 0 {
		budget = tokenBudgets[classify.ComplexityModerate]
	}
	if cls.NeedsResearch {
		budget += researchBudgetBonus
	}
	if cls.NeedsDocumentAnalysis {
		budget += documentBudgetBonus
	}
	return budget
}

// mentionsStandards reports whether any matched keyword names an
// accounting standard.
func mentionsStandards(keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(k, "ifrs") || strings.Contains(k, "gaap") ||
			strings.Contains(k, "asc") || strings.Contains(k, "frs") {
			return true
		}
	}
	return false
}

func fallbackModels(backends []types.Backend) []string {
	out := make([]string, 0, len(backends))
	for _, b := range backends {
		out = append(out, backendModels[b])
	}
	return out
}

func containsBackend(list []types.Backend, b types.Backend) bool {
	for _, x := range list {
		if x == b {
			return true
		}
	}
	return false
}

// demote swaps the promoted backend out of the fallback chain and puts
// the demoted preferred backend at its end.
func demote(preferred, promoted types.Backend, fallbacks []types.Backend) []types.Backend {
	out := make([]types.Backend, 0, len(fallbacks))
	for _, b := range fallbacks {
		if b != promoted {
			out = append(out, b)
		}
	}
	return append(out, preferred)
}

// justification renders the audit-log line explaining the decision.
func justification(cls classify.QueryClassification, d RoutingDecision, reason string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "domain=%s complexity=%s: routed to %s (%s) because %s",
		cls.Domain, cls.Complexity, d.Backend, d.Model, reason)
	if len(d.Solvers) > 0 {
		fmt.Fprintf(&sb, "; solvers: %s", strings.Join(d.Solvers, ", "))
	}
	return sb.String()
}
