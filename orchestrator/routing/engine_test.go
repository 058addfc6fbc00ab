// Copyright 2025 Fiscalia
// SPDX-License-Identifier: BUSL-1.1

package routing

import (
	"strings"
	"testing"

	"fiscalia/platform/orchestrator/classify"
	"fiscalia/platform/orchestrator/health"
	"fiscalia/platform/orchestrator/llm"
	"fiscalia/platform/shared/types"
)

func TestRoutePriorityRules(t *testing.T) {
	e := NewEngine(nil)

	tests := []struct {
		name        string
		cls         classify.QueryClassification
		wantBackend types.Backend
	}{
		{
			"document analysis wins over everything",
			classify.QueryClassification{
				Complexity:            classify.ComplexityExpert,
				NeedsDocumentAnalysis: true,
				NeedsResearch:         true,
				NeedsDeepReasoning:    true,
			},
			types.BackendDocIntel,
		},
		{
			"research",
			classify.QueryClassification{Complexity: classify.ComplexityModerate, NeedsResearch: true},
			types.BackendResearch,
		},
		{
			"real-time data routes like research",
			classify.QueryClassification{Complexity: classify.ComplexitySimple, NeedsRealTimeData: true},
			types.BackendResearch,
		},
		{
			"deep reasoning",
			classify.QueryClassification{Complexity: classify.ComplexityModerate, NeedsDeepReasoning: true},
			types.BackendApex,
		},
		{
			"expert complexity without flags",
			classify.QueryClassification{Complexity: classify.ComplexityExpert},
			types.BackendApex,
		},
		{
			"simple goes cost-optimized",
			classify.QueryClassification{Complexity: classify.ComplexitySimple},
			types.BackendSwift,
		},
		{
			"moderate goes cost-optimized",
			classify.QueryClassification{Complexity: classify.ComplexityModerate},
			types.BackendSwift,
		},
		{
			"complex defaults to general purpose",
			classify.QueryClassification{Complexity: classify.ComplexityComplex},
			types.BackendCore,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := e.Route(tc.cls, types.TierProfessional)
			if got.Backend != tc.wantBackend {
				t.Errorf("backend = %s, want %s", got.Backend, tc.wantBackend)
			}
		})
	}
}

func TestRouteFallbackChainEndsAtCore(t *testing.T) {
	e := NewEngine(nil)

	for _, cls := range []classify.QueryClassification{
		{Complexity: classify.ComplexityExpert},
		{Complexity: classify.ComplexitySimple},
		{NeedsDocumentAnalysis: true, Complexity: classify.ComplexityModerate},
		{NeedsResearch: true, Complexity: classify.ComplexityComplex},
	} {
		got := e.Route(cls, types.TierProfessional)
		chain := append([]types.Backend{got.Backend}, got.FallbackBackends...)
		if !containsBackend(chain, types.BackendCore) {
			t.Errorf("chain %v does not include the general backend", chain)
		}
		if len(got.FallbackModels) != len(got.FallbackBackends) {
			t.Errorf("fallback models %v do not pair with backends %v", got.FallbackModels, got.FallbackBackends)
		}
	}
}

func TestRouteEnterpriseSpecialistSwap(t *testing.T) {
	e := NewEngine(nil)
	cls := classify.QueryClassification{Domain: classify.DomainTax, Complexity: classify.ComplexityComplex}

	pro := e.Route(cls, types.TierProfessional)
	if pro.Model == "fiscalia-tax-specialist" {
		t.Error("professional tier got the specialist model")
	}

	ent := e.Route(cls, types.TierEnterprise)
	if ent.Model != "fiscalia-tax-specialist" {
		t.Errorf("enterprise model = %s, want fiscalia-tax-specialist", ent.Model)
	}

	// No specialist exists for the general domain.
	general := e.Route(classify.QueryClassification{Domain: classify.DomainGeneral, Complexity: classify.ComplexityComplex}, types.TierEnterprise)
	if strings.HasPrefix(general.Model, "fiscalia-") {
		t.Errorf("general domain swapped to specialist %s", general.Model)
	}
}

func TestRouteSolvers(t *testing.T) {
	e := NewEngine(nil)

	tests := []struct {
		name string
		cls  classify.QueryClassification
		want []string
	}{
		{
			"tax with calculation gets tax calculator, not generic",
			classify.QueryClassification{Domain: classify.DomainTax, Complexity: classify.ComplexityModerate, NeedsCalculation: true},
			[]string{SolverTaxCalculator},
		},
		{
			"tax across jurisdictions",
			classify.QueryClassification{Domain: classify.DomainTax, Complexity: classify.ComplexityComplex, Jurisdictions: []string{"CH", "DE"}},
			[]string{SolverMultiJurisdiction},
		},
		{
			"audit always gets risk assessment",
			classify.QueryClassification{Domain: classify.DomainAudit, Complexity: classify.ComplexitySimple},
			[]string{SolverRiskAssessment},
		},
		{
			"reporting with standards keywords",
			classify.QueryClassification{Domain: classify.DomainFinancialReporting, Complexity: classify.ComplexityModerate, Keywords: []string{"ifrs 15"}},
			[]string{SolverStandardsLookup},
		},
		{
			"reporting without standards keywords",
			classify.QueryClassification{Domain: classify.DomainFinancialReporting, Complexity: classify.ComplexityModerate, Keywords: []string{"balance sheet"}},
			nil,
		},
		{
			"compliance with jurisdiction",
			classify.QueryClassification{Domain: classify.DomainCompliance, Complexity: classify.ComplexityModerate, Jurisdictions: []string{"EU"}},
			[]string{SolverRegulatoryCheck, SolverJurisdictionRules},
		},
		{
			"compliance without jurisdiction",
			classify.QueryClassification{Domain: classify.DomainCompliance, Complexity: classify.ComplexityModerate},
			[]string{SolverRegulatoryCheck},
		},
		{
			"generic calculation outside tax",
			classify.QueryClassification{Domain: classify.DomainGeneral, Complexity: classify.ComplexitySimple, NeedsCalculation: true},
			[]string{SolverCalculator},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := e.Route(tc.cls, types.TierProfessional)
			if len(got.Solvers) != len(tc.want) {
				t.Fatalf("solvers = %v, want %v", got.Solvers, tc.want)
			}
			for i := range tc.want {
				if got.Solvers[i] != tc.want[i] {
					t.Errorf("solvers[%d] = %s, want %s", i, got.Solvers[i], tc.want[i])
				}
			}
		})
	}
}

func TestRouteTokenBudget(t *testing.T) {
	e := NewEngine(nil)

	tests := []struct {
		name string
		cls  classify.QueryClassification
		want int
	}{
		{"simple", classify.QueryClassification{Complexity: classify.ComplexitySimple}, 500},
		{"moderate", classify.QueryClassification{Complexity: classify.ComplexityModerate}, 800},
		{"complex", classify.QueryClassification{Complexity: classify.ComplexityComplex}, 1200},
		{"expert", classify.QueryClassification{Complexity: classify.ComplexityExpert}, 2000},
		{"research bonus", classify.QueryClassification{Complexity: classify.ComplexityComplex, NeedsResearch: true}, 1700},
		{"document bonus", classify.QueryClassification{Complexity: classify.ComplexitySimple, NeedsDocumentAnalysis: true}, 800},
		{"both bonuses", classify.QueryClassification{Complexity: classify.ComplexityExpert, NeedsResearch: true, NeedsDocumentAnalysis: true}, 2800},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.Route(tc.cls, types.TierProfessional); got.TokenBudget != tc.want {
				t.Errorf("budget = %d, want %d", got.TokenBudget, tc.want)
			}
		})
	}
}

func TestRouteJustificationNamesEverything(t *testing.T) {
	e := NewEngine(nil)
	cls := classify.QueryClassification{
		Domain:           classify.DomainTax,
		Complexity:       classify.ComplexityComplex,
		NeedsCalculation: true,
	}

	got := e.Route(cls, types.TierEnterprise)
	for _, part := range []string{"tax", "complex", string(got.Backend), got.Model, SolverTaxCalculator} {
		if !strings.Contains(got.Justification, part) {
			t.Errorf("justification %q missing %q", got.Justification, part)
		}
	}
}

func TestRoutePromotesHealthyFallback(t *testing.T) {
	monitor := health.NewMonitor()
	e := NewEngine(monitor)

	// Knock out the research backend.
	monitor.RecordFailure(types.BackendResearch, llm.NewProviderError("research", llm.ErrCodeQuotaExceeded, "quota"))

	cls := classify.QueryClassification{Complexity: classify.ComplexityModerate, NeedsResearch: true}
	got := e.Route(cls, types.TierProfessional)

	if got.Backend != types.BackendCore {
		t.Errorf("backend = %s, want promoted core", got.Backend)
	}
	if !containsBackend(got.FallbackBackends, types.BackendResearch) {
		t.Errorf("demoted backend missing from fallbacks: %v", got.FallbackBackends)
	}
	if got.FallbackBackends[len(got.FallbackBackends)-1] != types.BackendResearch {
		t.Errorf("demoted backend should be last in chain: %v", got.FallbackBackends)
	}
	if !strings.Contains(got.Justification, "unhealthy") {
		t.Errorf("justification %q does not mention health demotion", got.Justification)
	}
}

func TestRouteDeterministic(t *testing.T) {
	e := NewEngine(nil)
	cls := classify.QueryClassification{
		Domain:        classify.DomainCompliance,
		Complexity:    classify.ComplexityComplex,
		Jurisdictions: []string{"EU"},
	}

	first := e.Route(cls, types.TierEnterprise)
	for i := 0; i < 5; i++ {
		if got := e.Route(cls, types.TierEnterprise); got.Justification != first.Justification || got.Backend != first.Backend {
			t.Fatal("identical inputs produced different decisions")
		}
	}
}
