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

package classify

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var embeddedRules []byte

// ruleFile is the on-disk shape of rules.yaml.
type ruleFile struct {
	Version int          `yaml:"version"`
	Domains []domainRule `yaml:"domains"`
	Jurisdictions []struct {
		Tag      string   `yaml:"tag"`
		Keywords []string `yaml:"keywords"`
	} `yaml:"jurisdictions"`
	TechnicalTerms []string            `yaml:"technical_terms"`
	Flags          map[string][]string `yaml:"flags"`
}

type domainRule struct {
	Name       string   `yaml:"name"`
	Keywords   []string `yaml:"keywords"`
	Subdomains []struct {
		Name     string   `yaml:"name"`
		Keywords []string `yaml:"keywords"`
	} `yaml:"subdomains"`
}

// Flag set names in rules.yaml.
const (
	flagCalculation      = "calculation"
	flagResearch         = "research"
	flagDocumentAnalysis = "document_analysis"
	flagRealTimeData     = "real_time_data"
	flagDeepReasoning    = "deep_reasoning"
)

// RuleSet holds the compiled classification rules. Keywords are
// lower-cased and sorted longest-first so more specific phrases win.
type RuleSet struct {
	version int
	domains []compiledDomain
	jurisdictions []struct {
		tag      string
		keywords []string
	}
	technicalTerms []string
	flags          map[string][]string
}

type compiledDomain struct {
	name       Domain
	keywords   []string
	subdomains []struct {
		name     string
		keywords []string
	}
}

// LoadRules parses and compiles a rule file.
func LoadRules(data []byte) (*RuleSet, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse classification rules: %w", err)
	}
	if len(file.Domains) == 0 {
		return nil, fmt.Errorf("classification rules declare no domains")
	}

	rs := &RuleSet{
		version: file.Version,
		flags:   make(map[string][]string, len(file.Flags)),
	}

	for _, d := range file.Domains {
		domain := Domain(d.Name)
		if !domain.IsValid() || domain == DomainGeneral {
			return nil, fmt.Errorf("classification rules name unknown domain %q", d.Name)
		}
		cd := compiledDomain{name: domain, keywords: compileKeywords(d.Keywords)}
		for _, sub := range d.Subdomains {
			cd.subdomains = append(cd.subdomains, struct {
				name     string
				keywords []string
			}{name: sub.Name, keywords: compileKeywords(sub.Keywords)})
		}
		rs.domains = append(rs.domains, cd)
	}

	for _, j := range file.Jurisdictions {
		rs.jurisdictions = append(rs.jurisdictions, struct {
			tag      string
			keywords []string
		}{tag: j.Tag, keywords: compileKeywords(j.Keywords)})
	}

	rs.technicalTerms = compileKeywords(file.TechnicalTerms)
	for name, words := range file.Flags {
		rs.flags[name] = compileKeywords(words)
	}

	return rs, nil
}

// DefaultRules compiles the embedded rule file.
func DefaultRules() (*RuleSet, error) {
	return LoadRules(embeddedRules)
}

// Version returns the rule file version.
func (rs *RuleSet) Version() int { return rs.version }

// compileKeywords lower-cases and sorts keywords longest-first so more
// specific phrases are reported before their substrings.
func compileKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

// matchAny reports whether any keyword occurs in text, returning the first
// (longest) match.
func matchAny(text string, keywords []string) (string, bool) {
	for _, k := range keywords {
		if containsKeyword(text, k) {
			return k, true
		}
	}
	return "", false
}

// matchAll returns every keyword occurring in text, longest first.
func matchAll(text string, keywords []string) []string {
	var out []string
	for _, k := range keywords {
		if containsKeyword(text, k) {
			out = append(out, k)
		}
	}
	return out
}

// containsKeyword checks for keyword in text on word boundaries, so "vat"
// does not match inside "private".
func containsKeyword(text, keyword string) bool {
	from := 0
	for {
		idx := strings.Index(text[from:], keyword)
		if idx == -1 {
			return false
		}
		idx += from

		startOK := idx == 0 || !isWordChar(text[idx-1])
		end := idx + len(keyword)
		endOK := end == len(text) || !isWordChar(text[end])
		if startOK && endOK {
			return true
		}
		from = idx + 1
	}
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
