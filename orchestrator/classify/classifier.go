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

// Package classify maps request text onto a professional-services domain,
// complexity tier, jurisdiction tags, and requirement flags. Keyword
// tables are data (rules.yaml), not code; classification is a total
// function that degrades to the general domain on unusable input.
package classify

import "strings"

// Domain is a professional-services practice area.
type Domain string

const (
	// DomainTax covers tax law and tax computation questions.
	DomainTax Domain = "tax"

	// DomainAudit covers audit planning and assurance work.
	DomainAudit Domain = "audit"

	// DomainFinancialReporting covers accounting standards work.
	DomainFinancialReporting Domain = "financial-reporting"

	// DomainCompliance covers regulatory compliance questions.
	DomainCompliance Domain = "compliance"

	// DomainAdvisory covers transactions and valuation work.
	DomainAdvisory Domain = "advisory"

	// DomainGeneral is the fallback for everything else.
	DomainGeneral Domain = "general"
)

// IsValid reports whether d is a known domain.
func (d Domain) IsValid() bool {
	switch d {
	case DomainTax, DomainAudit, DomainFinancialReporting, DomainCompliance, DomainAdvisory, DomainGeneral:
		return true
	}
	return false
}

// Complexity is the estimated difficulty tier of a query.
type Complexity string

const (
	// ComplexitySimple is a short factual question.
	ComplexitySimple Complexity = "simple"

	// ComplexityModerate needs some domain knowledge.
	ComplexityModerate Complexity = "moderate"

	// ComplexityComplex needs multi-step reasoning.
	ComplexityComplex Complexity = "complex"

	// ComplexityExpert needs specialist-level reasoning.
	ComplexityExpert Complexity = "expert"
)

// Confidence levels emitted by the classifier.
const (
	confidenceVeryShort = 0.4
	confidenceDefault   = 0.6
	confidenceMatched   = 0.85
)

// veryShortLimit is the character count below which input is too short to
// classify meaningfully.
const veryShortLimit = 10

// maxKeywords bounds the matched-keyword list carried on a classification.
const maxKeywords = 10

// QueryClassification is the immutable result of classifying one query.
type QueryClassification struct {
	Domain                Domain     `json:"domain"`
	SubDomain             string     `json:"sub_domain,omitempty"`
	Jurisdictions         []string   `json:"jurisdictions,omitempty"`
	Complexity            Complexity `json:"complexity"`
	NeedsCalculation      bool       `json:"needs_calculation"`
	NeedsResearch         bool       `json:"needs_research"`
	NeedsDocumentAnalysis bool       `json:"needs_document_analysis"`
	NeedsRealTimeData     bool       `json:"needs_real_time_data"`
	NeedsDeepReasoning    bool       `json:"needs_deep_reasoning"`
	Keywords              []string   `json:"keywords,omitempty"`
	Confidence            float64    `json:"confidence"`
}

// Classifier classifies query text against a compiled rule set.
type Classifier struct {
	rules *RuleSet
}

// NewClassifier creates a classifier using the embedded rule file.
func NewClassifier() (*Classifier, error) {
	rules, err := DefaultRules()
	if err != nil {
		return nil, err
	}
	return &Classifier{rules: rules}, nil
}

// NewClassifierWithRules creates a classifier over a custom rule set.
func NewClassifierWithRules(rules *RuleSet) *Classifier {
	return &Classifier{rules: rules}
}

// Classify maps text to a classification. It is total: empty or very
// short input yields the general domain at low confidence, never an error.
func (c *Classifier) Classify(text string) QueryClassification {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	if len(trimmed) < veryShortLimit {
		return QueryClassification{
			Domain:     DomainGeneral,
			Complexity: ComplexitySimple,
			Confidence: confidenceVeryShort,
		}
	}

	result := QueryClassification{
		Domain:     DomainGeneral,
		Confidence: confidenceDefault,
	}

	var matched []string
	for _, d := range c.rules.domains {
		hits := matchAll(lower, d.keywords)
		if len(hits) == 0 {
			continue
		}
		result.Domain = d.name
		result.Confidence = confidenceMatched
		matched = append(matched, hits...)

		// Sub-domain only within the chosen domain.
		for _, sub := range d.subdomains {
			if _, ok := matchAny(lower, sub.keywords); ok {
				result.SubDomain = sub.name
				break
			}
		}
		break
	}

	for _, j := range c.rules.jurisdictions {
		if hit, ok := matchAny(lower, j.keywords); ok {
			result.Jurisdictions = append(result.Jurisdictions, j.tag)
			matched = append(matched, hit)
		}
	}

	result.NeedsCalculation = c.flagged(lower, flagCalculation)
	result.NeedsResearch = c.flagged(lower, flagResearch)
	result.NeedsDocumentAnalysis = c.flagged(lower, flagDocumentAnalysis)
	result.NeedsRealTimeData = c.flagged(lower, flagRealTimeData)
	result.NeedsDeepReasoning = c.flagged(lower, flagDeepReasoning)

	result.Complexity = c.complexity(trimmed, lower, result.Jurisdictions)
	result.Keywords = dedupe(matched, maxKeywords)

	return result
}

func (c *Classifier) flagged(lower, flag string) bool {
	_, ok := matchAny(lower, c.rules.flags[flag])
	return ok
}

// complexity scores the query: length, question count, technical terms,
// and multi-jurisdiction scope each add weight.
func (c *Classifier) complexity(text, lower string, jurisdictions []string) Complexity {
	score := 0
	if len(text) > 200 {
		score += 2
	} else if len(text) > 100 {
		score++
	}
	if n := strings.Count(text, "?"); n > 1 {
		score += n - 1
	}
	if _, ok := matchAny(lower, c.rules.technicalTerms); ok {
		score += 2
	}
	if len(jurisdictions) > 1 {
		score++
	}

	switch {
	case score < 1:
		return ComplexitySimple
	case score < 3:
		return ComplexityModerate
	case score < 5:
		return ComplexityComplex
	default:
		return ComplexityExpert
	}
}

func dedupe(keywords []string, limit int) []string {
	seen := make(map[string]struct{}, len(keywords))
	var out []string
	for _, k := range keywords {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
		if len(out) == limit {
			break
		}
	}
	return out
}
