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
	"regexp"
	"strconv"
	"strings"
)

// numberPattern matches currency-prefixed, comma-grouped, and percentage
// numbers.
var numberPattern = regexp.MustCompile(`[$€£]?\d{1,3}(?:,\d{3})+(?:\.\d+)?%?|[$€£]?\d+(?:\.\d+)?%?`)

// numberMatch is one numeric value found in text, with its position.
type numberMatch struct {
	raw   string
	value float64
	start int
	end   int
}

// extractNumbers finds every numeric value in text.
func extractNumbers(text string) []numberMatch {
	var out []numberMatch
	for _, loc := range numberPattern.FindAllStringIndex(text, -1) {
		raw := text[loc[0]:loc[1]]
		value, ok := parseNumber(raw)
		if !ok {
			continue
		}
		out = append(out, numberMatch{raw: raw, value: value, start: loc[0], end: loc[1]})
	}
	return out
}

// parseNumber strips currency symbols, grouping commas, and percent signs.
func parseNumber(raw string) (float64, bool) {
	s := strings.TrimRight(raw, "%")
	s = strings.TrimLeft(s, "$€£")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// normalizeNumber renders a value in a comparable canonical form.
func normalizeNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// approxEqual compares within an absolute tolerance.
func approxEqual(a, b, tolerance float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// approxEqualRelative compares within an absolute or relative tolerance.
func approxEqualRelative(a, b, absTol, relTol float64) bool {
	if approxEqual(a, b, absTol) {
		return true
	}
	ref := b
	if ref < 0 {
		ref = -ref
	}
	return ref > 0 && approxEqual(a, b, ref*relTol)
}
