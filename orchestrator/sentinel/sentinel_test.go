// Copyright 2025 Fiscalia
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"strings"
	"testing"
	"time"

	"fiscalia/platform/orchestrator/classify"
	"fiscalia/platform/shared/types"
)

func newTestValidator() *Validator {
	v := NewValidator()
	v.now = func() time.Time { return time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC) }
	return v
}

func checkOf(t *testing.T, result MonitorResult, kind CheckKind) CheckResult {
	t.Helper()
	for _, c := range result.Checks {
		if c.Kind == kind {
			return c
		}
	}
	t.Fatalf("result carries no %s check", kind)
	return CheckResult{}
}

func TestValidateCleanAnswerPasses(t *testing.T) {
	v := newTestValidator()

	response := "Under IFRS 15 the contract revenue of 120,000 is recognized over time. " +
		"Please consult your tax advisor before filing."
	result := v.Validate("How do we recognize revenue on this contract?", response, Context{
		Classification: classify.QueryClassification{Domain: classify.DomainFinancialReporting},
		Mode:           types.ModeChat,
	})

	if result.Status != StatusPass {
		t.Errorf("status = %s, want pass: %+v", result.Status, result.Checks)
	}
	if result.RequiresHumanReview {
		t.Error("clean answer flagged for human review")
	}
	if len(result.Checks) != 4 {
		t.Errorf("checks = %d, want 4", len(result.Checks))
	}
}

func TestHallucinationGenericCitation(t *testing.T) {
	v := newTestValidator()

	res := v.Validate("q", "According to the standard, this treatment is required.", Context{})
	check := checkOf(t, res, CheckHallucination)
	if len(check.Issues) == 0 {
		t.Error("generic citation without specific reference not flagged")
	}

	// A specific citation anywhere absolves the generic phrasing.
	res = v.Validate("q", "According to the standard, IFRS 16 requires capitalization.", Context{})
	check = checkOf(t, res, CheckHallucination)
	if len(check.Issues) != 0 {
		t.Errorf("specific citation still flagged: %v", check.Issues)
	}
}

func TestHallucinationUnexplainedNumbers(t *testing.T) {
	v := newTestValidator()

	// Seven bare numbers with no explanatory context.
	res := v.Validate("q", "Consider 13, 27, 99, 482, 771, 813, 954.", Context{})
	check := checkOf(t, res, CheckHallucination)
	if check.Confidence >= 1.0 {
		t.Error("unexplained number dump not penalized")
	}

	// The same count with context is fine.
	res = v.Validate("q", "Revenue of 100, cost of 40, tax of 12, fee of 5, interest of 3, profit of 40.", Context{})
	check = checkOf(t, res, CheckHallucination)
	for _, issue := range check.Issues {
		if strings.Contains(issue, "explanatory") {
			t.Errorf("explained numbers flagged: %v", check.Issues)
		}
	}
}

func TestHallucinationHedging(t *testing.T) {
	v := newTestValidator()

	res := v.Validate("q", "I believe this is right. It seems correct. Probably fine.", Context{})
	check := checkOf(t, res, CheckHallucination)
	found := false
	for _, issue := range check.Issues {
		if strings.Contains(issue, "hedging") {
			found = true
		}
	}
	if !found {
		t.Errorf("three hedges not flagged: %v", check.Issues)
	}

	res = v.Validate("q", "This is probably the cleaner route.", Context{})
	check = checkOf(t, res, CheckHallucination)
	for _, issue := range check.Issues {
		if strings.Contains(issue, "hedging") {
			t.Error("single hedge flagged")
		}
	}
}

func TestHallucinationSourceDocumentMismatch(t *testing.T) {
	v := newTestValidator()
	vctx := Context{SourceDocuments: []string{"Invoice total: 12,500. VAT at 7.7%: 962.50."}}

	res := v.Validate("q", "The invoice shows 12,500 with VAT of 962.50.", vctx)
	check := checkOf(t, res, CheckHallucination)
	if len(check.Issues) != 0 {
		t.Errorf("figures present in sources flagged: %v", check.Issues)
	}

	res = v.Validate("q", "The invoice shows a charge of 37,800.", vctx)
	check = checkOf(t, res, CheckHallucination)
	if len(check.Issues) == 0 {
		t.Error("fabricated figure not flagged against sources")
	}
}

func TestNumericArithmeticError(t *testing.T) {
	v := newTestValidator()

	res := v.Validate("q", "We compute 10 + 5 = 16 for the quarter.", Context{})
	check := checkOf(t, res, CheckNumericConsistency)
	if check.Passed {
		t.Error("wrong arithmetic passed the check")
	}
	if res.Status != StatusFail || !res.RequiresHumanReview {
		t.Errorf("status = %s review=%v, want fail with review", res.Status, res.RequiresHumanReview)
	}

	res = v.Validate("q", "We compute 10 + 5 = 15 for the quarter.", Context{})
	if check := checkOf(t, res, CheckNumericConsistency); !check.Passed {
		t.Errorf("correct arithmetic failed: %v", check.Issues)
	}
}

func TestNumericArithmeticOperatorsAndTolerance(t *testing.T) {
	v := newTestValidator()

	for _, text := range []string{
		"Depreciation: 1,200 / 4 = 300 per year.",
		"Gross-up: 500 x 1.2 = 600.",
		"Net: 1,000 - 250 = 750.",
		"Allocation: 33.333 * 3 = 100.",
	} {
		res := v.Validate("q", text, Context{})
		if check := checkOf(t, res, CheckNumericConsistency); !check.Passed {
			t.Errorf("%q failed: %v", text, check.Issues)
		}
	}
}

func TestNumericClaimedTotal(t *testing.T) {
	v := newTestValidator()

	res := v.Validate("q", "Items: consulting 1,000, travel 250, software 750. Total: 2,000.", Context{})
	if check := checkOf(t, res, CheckNumericConsistency); !check.Passed {
		t.Errorf("correct total failed: %v", check.Issues)
	}

	res = v.Validate("q", "Items: consulting 1,000, travel 250, software 750. Total: 2,500.", Context{})
	check := checkOf(t, res, CheckNumericConsistency)
	if check.Passed {
		t.Error("wrong total passed")
	}

	// Within 1% relative tolerance.
	res = v.Validate("q", "Items: 1,000, 250, 750. The total comes to 2,010.", Context{})
	if check := checkOf(t, res, CheckNumericConsistency); !check.Passed {
		t.Errorf("total within relative tolerance failed: %v", check.Issues)
	}
}

func TestNumericTotalAfterArithmeticCountsResultOnce(t *testing.T) {
	v := newTestValidator()

	// The operands of 100 + 50 = 150 feed the result; the total must
	// compare against 150, not 300.
	res := v.Validate("q", "Base 100 + 50 = 150. With the fee of 50, the total is 200.", Context{})
	if check := checkOf(t, res, CheckNumericConsistency); !check.Passed {
		t.Errorf("total double-counted arithmetic operands: %v", check.Issues)
	}
}

func TestReportingComplianceOnlyInRegulatedModes(t *testing.T) {
	v := newTestValidator()
	response := "Revenue recognition happens at delivery."

	res := v.Validate("q", response, Context{Mode: types.ModeChat})
	if check := checkOf(t, res, CheckReportingCompliance); len(check.Issues) != 0 {
		t.Errorf("unregulated mode produced issues: %v", check.Issues)
	}

	res = v.Validate("q", response, Context{Mode: types.ModeAudit})
	check := checkOf(t, res, CheckReportingCompliance)
	if len(check.Issues) == 0 {
		t.Error("revenue recognition without IFRS 15/ASC 606 citation not flagged")
	}

	res = v.Validate("q", "Revenue recognition follows IFRS 15 here.", Context{Mode: types.ModeAudit})
	if check := checkOf(t, res, CheckReportingCompliance); len(check.Issues) != 0 {
		t.Errorf("cited standard still flagged: %v", check.Issues)
	}
}

func TestReportingComplianceDiscouragedTerms(t *testing.T) {
	v := newTestValidator()

	res := v.Validate("q", "This structure is risk-free and cannot be challenged.", Context{Mode: types.ModeDocuments})
	check := checkOf(t, res, CheckReportingCompliance)
	if len(check.Issues) != 2 {
		t.Errorf("issues = %v, want both discouraged terms", check.Issues)
	}
	if check.Confidence >= warningThreshold {
		t.Errorf("confidence = %v, want degraded", check.Confidence)
	}
}

func TestTaxComplianceDisclaimer(t *testing.T) {
	v := newTestValidator()
	cls := classify.QueryClassification{Domain: classify.DomainTax}

	res := v.Validate("Is this deductible?", "Yes, fully deductible this year.", Context{Classification: cls})
	check := checkOf(t, res, CheckTaxCompliance)
	if len(check.Issues) == 0 {
		t.Error("tax advice without disclaimer not flagged")
	}

	res = v.Validate("Is this deductible?", "Yes, but consult your tax advisor to confirm.", Context{Classification: cls})
	if check := checkOf(t, res, CheckTaxCompliance); len(check.Issues) != 0 {
		t.Errorf("disclaimed advice flagged: %v", check.Issues)
	}

	// Non-tax queries skip the check entirely.
	res = v.Validate("What is materiality?", "A threshold concept.", Context{})
	if check := checkOf(t, res, CheckTaxCompliance); check.Confidence != 1.0 {
		t.Errorf("non-tax query penalized: %v", check.Issues)
	}
}

func TestTaxComplianceStaleYears(t *testing.T) {
	v := newTestValidator() // current year pinned to 2026

	cls := classify.QueryClassification{Domain: classify.DomainTax}
	res := v.Validate("q", "For tax year 2021 the rate differed. Consult a tax advisor.", Context{Classification: cls})
	check := checkOf(t, res, CheckTaxCompliance)
	if len(check.Issues) == 0 {
		t.Error("tax year 2021 not flagged as stale in 2026")
	}

	res = v.Validate("q", "For tax year 2024 the rate applies. Consult a tax advisor.", Context{Classification: cls})
	if check := checkOf(t, res, CheckTaxCompliance); len(check.Issues) != 0 {
		t.Errorf("tax year within horizon flagged: %v", check.Issues)
	}
}

func TestTaxComplianceFormWhitelist(t *testing.T) {
	v := newTestValidator()
	cls := classify.QueryClassification{Domain: classify.DomainTax}

	res := v.Validate("q", "File Form 1040 with Schedule C. Consult a tax advisor.", Context{Classification: cls})
	if check := checkOf(t, res, CheckTaxCompliance); len(check.Issues) != 0 {
		t.Errorf("whitelisted form flagged: %v", check.Issues)
	}

	res = v.Validate("q", "File Form 9999-Z promptly. Consult a tax advisor.", Context{Classification: cls})
	check := checkOf(t, res, CheckTaxCompliance)
	if len(check.Issues) == 0 {
		t.Error("unknown form number not flagged")
	}
}

func TestAggregateVerdicts(t *testing.T) {
	v := newTestValidator()

	// Warning: hedging degrades confidence below 0.8 without failing.
	res := v.Validate("q", "I believe so. It seems right. Probably.", Context{})
	if res.Status != StatusWarning {
		t.Errorf("status = %s, want warning", res.Status)
	}

	// Fail: numeric error dominates.
	res = v.Validate("q", "Since 2 + 2 = 5, the position holds.", Context{})
	if res.Status != StatusFail || !res.RequiresHumanReview {
		t.Errorf("status = %s review = %v, want fail with review", res.Status, res.RequiresHumanReview)
	}
}

func TestValidateNeverPanics(t *testing.T) {
	v := newTestValidator()

	inputs := []string{
		"",
		strings.Repeat("9", 10000),
		"total total total = = = 5 + + 3",
		"\x00\xff garbage",
	}
	for _, text := range inputs {
		res := v.Validate(text, text, Context{
			Classification: classify.QueryClassification{Domain: classify.DomainTax},
			Mode:           types.ModeAudit,
		})
		if len(res.Checks) != 4 {
			t.Errorf("checks = %d for %q", len(res.Checks), text)
		}
	}
}
