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

// Package governor selects the reasoning strategy for a request: how the
// chosen model should think (fast, chain-of-thought, multi-agent,
// parallel) and whether the compliance sentinel reviews the answer.
// Tier gates everything: free-tier requests always run fast and
// unmonitored.
package governor

import (
	"fiscalia/platform/orchestrator/classify"
	"fiscalia/platform/orchestrator/routing"
	"fiscalia/platform/shared/types"
)

// Profile is a reasoning strategy.
type Profile string

const (
	// ProfileFast is a single direct completion.
	ProfileFast Profile = "fast"

	// ProfileChainOfThought instructs explicit step-by-step reasoning.
	ProfileChainOfThought Profile = "chain-of-thought"

	// ProfileMultiAgent invokes additional reviewer agents.
	ProfileMultiAgent Profile = "multi-agent"

	// ProfileParallel fans the request out and reconciles answers.
	ProfileParallel Profile = "parallel"
)

// ReasoningProfile is the selected strategy plus its supporting data.
type ReasoningProfile struct {
	Profile            Profile  `json:"profile"`
	Agents             []string `json:"agents,omitempty"`
	PromptAugmentation string   `json:"prompt_augmentation,omitempty"`
}

// Agent sets invoked by the multi-agent profile, per mode.
var agentSets = map[types.Mode][]string{
	types.ModeAudit:    {"audit", "compliance"},
	types.ModeResearch: {"research", "validation"},
}

// Prompt augmentations per mode. Each instructs the model to reason in a
// numbered, verifiable structure before answering.
var promptAugmentations = map[types.Mode]string{
	types.ModeCalculation: "Work through the calculation in explicitly numbered steps. " +
		"State every input figure and its source, show each intermediate result, " +
		"and verify the final amount against the intermediate steps before answering.",
	types.ModeResearch: "Structure the research as numbered findings. For each finding, " +
		"cite the specific standard, statute, or authority it rests on, " +
		"and separate settled positions from open interpretation.",
	types.ModeAudit: "Reason through the assessment in numbered steps: identify the " +
		"assertion at risk, the evidence available, and the conclusion each piece " +
		"of evidence supports, before stating an overall position.",
	types.ModeDocuments: "Review the material section by section in numbered order, " +
		"quoting the passage each conclusion is drawn from.",
	types.ModeChat: "Answer in numbered steps, making each inference explicit and " +
		"verifiable from the previous one.",
}

// modelCapability marks what a backend+model pairing supports.
type modelCapability struct {
	chainOfThought bool
}

// capabilities is the static capability table keyed by backend/model.
var capabilities = map[string]modelCapability{
	"apex/claude-3-opus-20240229":          {chainOfThought: true},
	"core/claude-3-5-sonnet-20241022":      {chainOfThought: true},
	"research/claude-3-5-sonnet-20241022":  {chainOfThought: true},
	"docintel/claude-3-5-sonnet-20241022":  {chainOfThought: true},
	"swift/claude-3-5-haiku-20241022":      {chainOfThought: false},
	"apex/fiscalia-tax-specialist":         {chainOfThought: true},
	"core/fiscalia-tax-specialist":         {chainOfThought: true},
	"swift/fiscalia-tax-specialist":        {chainOfThought: true},
	"apex/fiscalia-audit-specialist":       {chainOfThought: true},
	"core/fiscalia-audit-specialist":       {chainOfThought: true},
	"swift/fiscalia-audit-specialist":      {chainOfThought: true},
	"apex/fiscalia-reporting-specialist":   {chainOfThought: true},
	"core/fiscalia-reporting-specialist":   {chainOfThought: true},
	"swift/fiscalia-reporting-specialist":  {chainOfThought: true},
}

// Config toggles the non-fast profiles. All enabled by default.
type Config struct {
	ChainOfThoughtEnabled bool
	MultiAgentEnabled     bool
	ParallelEnabled       bool
}

// DefaultConfig enables every profile.
func DefaultConfig() Config {
	return Config{
		ChainOfThoughtEnabled: true,
		MultiAgentEnabled:     true,
		ParallelEnabled:       true,
	}
}

// Governor selects reasoning profiles.
type Governor struct {
	cfg Config
}

// New creates a Governor.
func New(cfg Config) *Governor {
	return &Governor{cfg: cfg}
}

// SelectProfile picks the reasoning strategy for a request. Rules apply
// in order; the first match wins.
func (g *Governor) SelectProfile(cls classify.QueryClassification, decision routing.RoutingDecision, mode types.Mode, tier types.Tier) ReasoningProfile {
	// Free tier always runs fast, regardless of anything else.
	if tier == types.TierFree {
		return ReasoningProfile{Profile: ProfileFast}
	}

	if (mode == types.ModeResearch || mode == types.ModeCalculation) &&
		g.cfg.ChainOfThoughtEnabled &&
		supportsChainOfThought(decision.Backend, decision.Model) {
		return ReasoningProfile{
			Profile:            ProfileChainOfThought,
			PromptAugmentation: promptAugmentations[mode],
		}
	}

	if mode == types.ModeAudit && g.cfg.MultiAgentEnabled &&
		(cls.Complexity == classify.ComplexityExpert || cls.Complexity == classify.ComplexityComplex) {
		return ReasoningProfile{
			Profile:            ProfileMultiAgent,
			Agents:             agentSets[mode],
			PromptAugmentation: promptAugmentations[mode],
		}
	}

	if mode == types.ModeCalculation && tier.IsPaid() && g.cfg.ParallelEnabled {
		return ReasoningProfile{
			Profile:            ProfileParallel,
			PromptAugmentation: promptAugmentations[mode],
		}
	}

	return ReasoningProfile{Profile: ProfileFast}
}

// MonitoringEnabled reports whether the compliance sentinel reviews
// answers for this mode and tier.
func (g *Governor) MonitoringEnabled(mode types.Mode, tier types.Tier) bool {
	if !tier.IsPaid() {
		return false
	}
	switch mode {
	case types.ModeCalculation, types.ModeAudit, types.ModeResearch:
		return true
	default:
		return false
	}
}

func supportsChainOfThought(backend types.Backend, model string) bool {
	c, ok := capabilities[string(backend)+"/"+model]
	return ok && c.chainOfThought
}
