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

// Package sentinel validates generated answers before release. It runs
// four read-only checks over the response text: hallucination signals,
// numeric consistency, reporting compliance, and tax compliance. A
// validation never blocks or mutates the answer; it annotates it with a
// verdict and a human-review flag, and it never panics outward.
package sentinel

import (
	"fmt"
	"log"
	"os"
	"time"

	"fiscalia/platform/orchestrator/classify"
	"fiscalia/platform/shared/types"
)

// CheckKind identifies one of the four validation checks.
type CheckKind string

const (
	// CheckHallucination looks for unverifiable or fabricated content.
	CheckHallucination CheckKind = "hallucination"

	// CheckNumericConsistency re-evaluates arithmetic in the answer.
	CheckNumericConsistency CheckKind = "numeric_consistency"

	// CheckReportingCompliance enforces accounting-standard citation
	// and terminology rules.
	CheckReportingCompliance CheckKind = "reporting_compliance"

	// CheckTaxCompliance enforces tax-advice disclosure rules.
	CheckTaxCompliance CheckKind = "tax_compliance"
)

// Status is the aggregate verdict over all checks.
type Status string

const (
	// StatusPass means every check passed at high confidence.
	StatusPass Status = "pass"

	// StatusWarning means no check failed but confidence dipped.
	StatusWarning Status = "warning"

	// StatusFail means at least one check failed outright.
	StatusFail Status = "fail"
)

// Confidence thresholds for the aggregate verdict.
const (
	// passThreshold is the confidence below which a check fails.
	passThreshold = 0.5

	// warningThreshold is the confidence below which the aggregate
	// verdict degrades to warning.
	warningThreshold = 0.8

	// reviewThreshold is the confidence below which a human must review.
	reviewThreshold = 0.6
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Kind       CheckKind `json:"kind"`
	Passed     bool      `json:"passed"`
	Confidence float64   `json:"confidence"`
	Issues     []string  `json:"issues,omitempty"`
	Evidence   []string  `json:"evidence,omitempty"`
}

// MonitorResult aggregates the four check results.
type MonitorResult struct {
	Checks              []CheckResult `json:"checks"`
	Status              Status        `json:"status"`
	RequiresHumanReview bool          `json:"requires_human_review"`
}

// Context carries the request-side information the checks need.
type Context struct {
	Classification  classify.QueryClassification
	Mode            types.Mode
	SourceDocuments []string
}

// Validator runs the four checks.
type Validator struct {
	logger *log.Logger

	// now is swappable in tests (the tax check compares years).
	now func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger overrides the default stdout logger.
func WithLogger(logger *log.Logger) Option {
	return func(v *Validator) { v.logger = logger }
}

// NewValidator creates a Validator.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		logger: log.New(os.Stdout, "[SENTINEL] ", log.LstdFlags),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs all checks over the response. It never panics: a check
// that errors internally reports a warning-level result with an
// explanatory issue instead.
func (v *Validator) Validate(query, response string, vctx Context) MonitorResult {
	checks := []CheckResult{
		v.safeCheck(CheckHallucination, func() CheckResult { return v.checkHallucination(response, vctx) }),
		v.safeCheck(CheckNumericConsistency, func() CheckResult { return v.checkNumericConsistency(response) }),
		v.safeCheck(CheckReportingCompliance, func() CheckResult { return v.checkReportingCompliance(response, vctx.Mode) }),
		v.safeCheck(CheckTaxCompliance, func() CheckResult { return v.checkTaxCompliance(query, response, vctx.Classification) }),
	}

	result := MonitorResult{Checks: checks, Status: StatusPass}
	for _, c := range checks {
		if !c.Passed {
			result.Status = StatusFail
			result.RequiresHumanReview = true
			continue
		}
		if c.Confidence < warningThreshold && result.Status != StatusFail {
			result.Status = StatusWarning
		}
		if c.Confidence < reviewThreshold {
			result.RequiresHumanReview = true
		}
	}
	return result
}

// safeCheck converts a check panic into a warning-level result.
func (v *Validator) safeCheck(kind CheckKind, fn func() CheckResult) (result CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Printf("Check %s panicked: %v", kind, r)
			result = CheckResult{
				Kind:       kind,
				Passed:     true,
				Confidence: warningThreshold - 0.01,
				Issues:     []string{fmt.Sprintf("check could not complete: %v", r)},
			}
		}
	}()
	return fn()
}

// finish clamps confidence and derives the passed flag.
func finish(kind CheckKind, confidence float64, issues, evidence []string) CheckResult {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return CheckResult{
		Kind:       kind,
		Passed:     confidence >= passThreshold,
		Confidence: confidence,
		Issues:     issues,
		Evidence:   evidence,
	}
}
