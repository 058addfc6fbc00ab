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

package sentinel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"fiscalia/platform/orchestrator/classify"
	"fiscalia/platform/shared/types"
)

// Regulated topics that must cite their governing standard when discussed.
var regulatedTopics = []struct {
	topic     string
	keywords  []string
	citations []string
}{
	{
		topic:     "revenue recognition",
		keywords:  []string{"revenue recognition", "recognize revenue", "recognise revenue"},
		citations: []string{"ifrs 15", "asc 606"},
	},
	{
		topic:     "lease accounting",
		keywords:  []string{"lease accounting", "lease liability", "right-of-use"},
		citations: []string{"ifrs 16", "asc 842"},
	},
}

// Terminology a professional answer must not use.
var discouragedTerms = []string{
	"guaranteed return",
	"risk-free",
	"no risk",
	"assured profit",
	"certainly compliant",
	"cannot be challenged",
}

// Disclaimer phrasings accepted by the tax check.
var disclaimerPhrases = []string{
	"consult",
	"professional advice",
	"tax advisor",
	"tax adviser",
	"tax professional",
	"qualified professional",
}

// taxYearPattern captures explicit tax or fiscal year references.
var taxYearPattern = regexp.MustCompile(`(?i)\b(?:tax year|fiscal year|fy)\s*((?:19|20)\d{2})`)

// formPattern captures tax form references.
var formPattern = regexp.MustCompile(`(?i)\bform\s+([A-Z0-9][A-Z0-9-]*)`)

// knownForms is the whitelist of recognized tax form numbers.
var knownForms = map[string]struct{}{
	"1040": {}, "1040-ES": {}, "1040-X": {}, "1120": {}, "1120-S": {},
	"1065": {}, "941": {}, "940": {}, "1099": {}, "1099-MISC": {},
	"1099-NEC": {}, "W-2": {}, "W-4": {}, "W-8BEN": {}, "W-9": {},
	"4562": {}, "8949": {}, "2848": {}, "7004": {},
}

const (
	missingCitationPenalty   = 0.25
	discouragedTermPenalty   = 0.2
	missingDisclaimerPenalty = 0.25
	staleTaxYearPenalty      = 0.2
	unknownFormPenalty       = 0.3

	// staleYearHorizon: tax years older than current − 2 are suspect.
	staleYearHorizon = 2
)

// Modes in which the reporting-compliance rules apply.
func regulatedMode(mode types.Mode) bool {
	return mode == types.ModeAudit || mode == types.ModeDocuments
}

// checkReportingCompliance enforces standard-citation and terminology
// rules on answers produced in regulated modes.
func (v *Validator) checkReportingCompliance(response string, mode types.Mode) CheckResult {
	if !regulatedMode(mode) {
		return finish(CheckReportingCompliance, 1.0, nil, nil)
	}

	confidence := 1.0
	var issues, evidence []string
	lower := strings.ToLower(response)

	for _, topic := range regulatedTopics {
		discussed := false
		for _, kw := range topic.keywords {
			if strings.Contains(lower, kw) {
				discussed = true
				break
			}
		}
		if !discussed {
			continue
		}
		cited := false
		for _, c := range topic.citations {
			if strings.Contains(lower, c) {
				cited = true
				break
			}
		}
		if !cited {
			confidence -= missingCitationPenalty
			issues = append(issues, fmt.Sprintf("discusses %s without citing %s",
				topic.topic, strings.Join(topic.citations, " or ")))
		}
	}

	for _, term := range discouragedTerms {
		if strings.Contains(lower, term) {
			confidence -= discouragedTermPenalty
			issues = append(issues, fmt.Sprintf("discouraged terminology %q", term))
			evidence = append(evidence, term)
		}
	}

	return finish(CheckReportingCompliance, confidence, issues, evidence)
}

// checkTaxCompliance enforces disclosure rules on tax advice: a
// professional-consultation disclaimer, current tax years, and recognized
// form numbers.
func (v *Validator) checkTaxCompliance(query, response string, cls classify.QueryClassification) CheckResult {
	if cls.Domain != classify.DomainTax && !containsWord(strings.ToLower(query), "tax") {
		return finish(CheckTaxCompliance, 1.0, nil, nil)
	}

	confidence := 1.0
	var issues, evidence []string
	lower := strings.ToLower(response)

	hasDisclaimer := false
	for _, phrase := range disclaimerPhrases {
		if strings.Contains(lower, phrase) {
			hasDisclaimer = true
			break
		}
	}
	if !hasDisclaimer {
		confidence -= missingDisclaimerPenalty
		issues = append(issues, "tax advice lacks a professional-consultation disclaimer")
	}

	oldest := v.now().Year() - staleYearHorizon
	for _, m := range taxYearPattern.FindAllStringSubmatch(response, -1) {
		year, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if year < oldest {
			confidence -= staleTaxYearPenalty
			issues = append(issues, fmt.Sprintf("references tax year %d, older than %d", year, oldest))
			evidence = append(evidence, m[0])
		}
	}

	for _, m := range formPattern.FindAllStringSubmatch(response, -1) {
		form := strings.ToUpper(m[1])
		if _, ok := knownForms[form]; !ok {
			confidence -= unknownFormPenalty
			issues = append(issues, fmt.Sprintf("unrecognized tax form %q", m[1]))
			evidence = append(evidence, m[0])
		}
	}

	return finish(CheckTaxCompliance, confidence, issues, evidence)
}
