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
	"strings"
)

// Generic citation phrasing that needs a specific reference to back it.
var genericCitations = []string{
	"according to the standard",
	"according to the standards",
	"according to regulations",
	"as per the regulations",
	"as per regulations",
	"the law states",
	"the law requires",
	"per the tax code",
	"under the applicable rules",
	"regulations require",
	"the standard requires",
}

// specificCitation matches a concrete statute, standard, form, or URL
// reference.
var specificCitation = regexp.MustCompile(`(?i)\b(?:IFRS|IAS|ASC|ISA|FRS|GAAP)\s*\d+|\bsection\s+\d+|\bart(?:icle)?\.?\s*\d+|\b§\s*\d+|\bform\s+[A-Z0-9][A-Z0-9-]*|https?://\S+`)

// Hedging phrases. More than two of these in professional advice is a
// reliability signal.
var hedgingPhrases = []string{
	"i believe",
	"i think",
	"probably",
	"it seems",
	"possibly",
	"might be",
	"i assume",
	"presumably",
	"as far as i know",
}

// Keywords that "explain" a nearby number.
var explanationKeywords = []string{
	"for", "total", "revenue", "rate", "amount", "tax", "cost", "price",
	"fee", "income", "expense", "profit", "loss", "of", "per", "year",
	"deduction", "vat", "balance", "interest",
}

const (
	// unexplainedNumberLimit is how many numbers a response may carry
	// before the explanation ratio is enforced.
	unexplainedNumberLimit = 5

	// explainedRatioFloor is the minimum fraction of numbers that must
	// have nearby explanatory context.
	explainedRatioFloor = 0.7

	// hedgeLimit is how many hedging phrases are tolerated.
	hedgeLimit = 2

	// explainWindow is how many characters before a number are scanned
	// for explanatory keywords.
	explainWindow = 50

	genericCitationPenalty = 0.2
	unexplainedPenalty     = 0.3
	hedgingPenalty         = 0.25
	sourceMismatchPenalty  = 0.15
)

// checkHallucination flags unverifiable citation phrasing, unexplained
// number dumps, excessive hedging, and figures contradicting the source
// documents.
func (v *Validator) checkHallucination(response string, vctx Context) CheckResult {
	confidence := 1.0
	var issues, evidence []string
	lower := strings.ToLower(response)

	// Generic citations without a specific reference anywhere.
	hasSpecific := specificCitation.MatchString(response)
	for _, phrase := range genericCitations {
		if strings.Contains(lower, phrase) && !hasSpecific {
			confidence -= genericCitationPenalty
			issues = append(issues, fmt.Sprintf("unverifiable citation %q lacks a specific reference", phrase))
			evidence = append(evidence, phrase)
			break
		}
	}

	// Many numbers, few explained.
	numbers := extractNumbers(response)
	if len(numbers) > unexplainedNumberLimit {
		explained := 0
		for _, n := range numbers {
			if numberExplained(lower, n) {
				explained++
			}
		}
		ratio := float64(explained) / float64(len(numbers))
		if ratio < explainedRatioFloor {
			confidence -= unexplainedPenalty
			issues = append(issues, fmt.Sprintf("%d of %d numeric values lack explanatory context", len(numbers)-explained, len(numbers)))
		}
	}

	// Hedging density.
	hedges := 0
	for _, phrase := range hedgingPhrases {
		if n := strings.Count(lower, phrase); n > 0 {
			hedges += n
			evidence = append(evidence, phrase)
		}
	}
	if hedges > hedgeLimit {
		confidence -= hedgingPenalty
		issues = append(issues, fmt.Sprintf("%d hedging phrases in a professional answer", hedges))
	}

	// Figures not present in the supplied source documents.
	if len(vctx.SourceDocuments) > 0 {
		for _, n := range numbers {
			if len(strings.TrimLeft(n.raw, "$€£")) < 3 {
				continue
			}
			if !numberInSources(n, vctx.SourceDocuments) {
				confidence -= sourceMismatchPenalty
				issues = append(issues, fmt.Sprintf("figure %s does not appear in the source documents", n.raw))
				evidence = append(evidence, n.raw)
			}
		}
	}

	return finish(CheckHallucination, confidence, issues, evidence)
}

// numberExplained reports whether an explanatory keyword appears shortly
// before the number.
func numberExplained(lower string, n numberMatch) bool {
	from := n.start - explainWindow
	if from < 0 {
		from = 0
	}
	window := lower[from:n.start]
	for _, kw := range explanationKeywords {
		if containsWord(window, kw) {
			return true
		}
	}
	return false
}

// numberInSources checks a response figure against every source document,
// matching either the raw spelling or the canonical value.
func numberInSources(n numberMatch, sources []string) bool {
	raw := strings.TrimRight(strings.TrimLeft(n.raw, "$€£"), "%")
	canonical := normalizeNumber(n.value)
	for _, doc := range sources {
		if strings.Contains(doc, raw) || strings.Contains(doc, canonical) {
			return true
		}
	}
	return false
}

// containsWord checks for a word-boundary match.
func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i == -1 {
			return false
		}
		i += idx
		startOK := i == 0 || !isAlnum(text[i-1])
		end := i + len(word)
		endOK := end == len(text) || !isAlnum(text[end])
		if startOK && endOK {
			return true
		}
		idx = i + 1
	}
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
