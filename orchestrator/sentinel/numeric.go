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

// arithmeticPattern matches inline binary arithmetic claims like
// "1,200 + 300 = 1,500" or "10 x 5 = 50".
var arithmeticPattern = regexp.MustCompile(`([$€£]?\d[\d,]*(?:\.\d+)?)\s*([-+*/×÷xX])\s*([$€£]?\d[\d,]*(?:\.\d+)?)\s*=\s*([$€£]?\d[\d,]*(?:\.\d+)?)`)

// totalPattern matches a claimed total and captures its figure.
var totalPattern = regexp.MustCompile(`(?i)\btotal\b[^.\n\d]{0,40}?([$€£]?\d[\d,]*(?:\.\d+)?)`)

const (
	// arithmeticTolerance is the absolute tolerance for re-evaluated
	// inline expressions.
	arithmeticTolerance = 0.01

	// totalRelTolerance is the relative tolerance for claimed totals.
	totalRelTolerance = 0.01

	// A wrong number in a professional answer fails the check outright,
	// so the penalty pushes confidence below the pass threshold.
	numericErrorPenalty = 0.6

	// minTotalComponents is how many preceding figures a claimed total
	// needs before the sum comparison applies.
	minTotalComponents = 2
)

// checkNumericConsistency re-evaluates inline arithmetic and claimed
// totals in the response.
func (v *Validator) checkNumericConsistency(response string) CheckResult {
	confidence := 1.0
	var issues, evidence []string

	// Spans of arithmetic operands: they feed their result, so a later
	// total should count the result, not the operands again.
	type span struct{ start, end int }
	var operandSpans []span

	for _, m := range arithmeticPattern.FindAllStringSubmatchIndex(response, -1) {
		full := response[m[0]:m[1]]
		left, okL := parseNumber(response[m[2]:m[3]])
		op := response[m[4]:m[5]]
		right, okR := parseNumber(response[m[6]:m[7]])
		claimed, okC := parseNumber(response[m[8]:m[9]])
		if !okL || !okR || !okC {
			continue
		}

		operandSpans = append(operandSpans, span{m[2], m[3]}, span{m[6], m[7]})

		actual, ok := evaluate(left, op, right)
		if !ok {
			continue
		}
		if !approxEqual(actual, claimed, arithmeticTolerance) {
			confidence -= numericErrorPenalty
			issues = append(issues, fmt.Sprintf("arithmetic error: %s evaluates to %s, not %s",
				strings.TrimSpace(full), normalizeNumber(actual), normalizeNumber(claimed)))
			evidence = append(evidence, strings.TrimSpace(full))
		}
	}

	isOperand := func(n numberMatch) bool {
		for _, s := range operandSpans {
			if n.start >= s.start && n.end <= s.end {
				return true
			}
		}
		return false
	}

	numbers := extractNumbers(response)
	segmentStart := 0
	for _, m := range totalPattern.FindAllStringSubmatchIndex(response, -1) {
		claimed, ok := parseNumber(response[m[2]:m[3]])
		if !ok {
			continue
		}

		sum := 0.0
		components := 0
		for _, n := range numbers {
			if n.start < segmentStart || n.end > m[2] {
				continue
			}
			if isOperand(n) || looksLikeYear(n) || strings.HasSuffix(n.raw, "%") {
				continue
			}
			sum += n.value
			components++
		}
		segmentStart = m[1]

		if components < minTotalComponents {
			continue
		}
		if !approxEqualRelative(sum, claimed, arithmeticTolerance, totalRelTolerance) {
			confidence -= numericErrorPenalty
			issues = append(issues, fmt.Sprintf("claimed total %s does not match the sum of preceding figures (%s)",
				normalizeNumber(claimed), normalizeNumber(sum)))
			evidence = append(evidence, response[m[0]:m[1]])
		}
	}

	return finish(CheckNumericConsistency, confidence, issues, evidence)
}

func evaluate(left float64, op string, right float64) (float64, bool) {
	switch op {
	case "+":
		return left + right, true
	case "-":
		return left - right, true
	case "*", "×", "x", "X":
		return left * right, true
	case "/", "÷":
		if right == 0 {
			return 0, false
		}
		return left / right, true
	default:
		return 0, false
	}
}

// looksLikeYear filters bare four-digit years out of total sums.
func looksLikeYear(n numberMatch) bool {
	return len(n.raw) == 4 && !strings.ContainsAny(n.raw, ".,$€£%") &&
		n.value >= 1900 && n.value <= 2100
}
