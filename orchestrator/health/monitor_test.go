// Copyright 2025 Fiscalia
// SPDX-License-Identifier: BUSL-1.1

package health

import (
	"errors"
	"sync"
	"testing"
	"time"

	"fiscalia/platform/orchestrator/llm"
	"fiscalia/platform/shared/types"
)

func newTestMonitor() (*Monitor, *time.Time) {
	m := NewMonitor()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func rateLimitErr() error {
	return llm.NewProviderError("apex", llm.ErrCodeRateLimit, "rate limit exceeded")
}

func TestInitialStateHealthy(t *testing.T) {
	m, _ := newTestMonitor()
	for _, b := range types.AllBackends {
		if !m.IsHealthy(b) {
			t.Errorf("backend %s should start healthy", b)
		}
		if got := m.Snapshot(b).Score; got != FullScore {
			t.Errorf("backend %s score = %d, want %d", b, got, FullScore)
		}
	}
}

func TestRecordSuccessCreditsAndClears(t *testing.T) {
	m, _ := newTestMonitor()
	b := types.BackendApex

	m.RecordFailure(b, llm.NewProviderError("apex", llm.ErrCodeQuotaExceeded, "quota"))
	if m.IsHealthy(b) {
		t.Fatal("quota failure should mark backend unhealthy")
	}

	m.RecordSuccess(b)
	rec := m.Snapshot(b)
	if rec.ConsecutiveFailures != 0 || rec.QuotaExceeded || !rec.CooldownUntil.IsZero() {
		t.Errorf("success did not clear failure state: %+v", rec)
	}
	if !m.IsHealthy(b) {
		t.Error("backend should be healthy after success")
	}
}

func TestScoreClampedAtFull(t *testing.T) {
	m, _ := newTestMonitor()
	for i := 0; i < 10; i++ {
		m.RecordSuccess(types.BackendCore)
	}
	if got := m.Snapshot(types.BackendCore).Score; got != FullScore {
		t.Errorf("score = %d, want clamped at %d", got, FullScore)
	}
}

func TestFailurePenalties(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantScore    int
		wantCooldown time.Duration
		wantQuota    bool
		wantClass    ErrorClass
	}{
		{
			name:         "rate limit",
			err:          rateLimitErr(),
			wantScore:    70,
			wantCooldown: 60 * time.Second,
			wantClass:    ClassRateLimit,
		},
		{
			name:         "quota exceeded",
			err:          llm.NewProviderError("apex", llm.ErrCodeQuotaExceeded, "quota hit"),
			wantScore:    0,
			wantCooldown: 300 * time.Second,
			wantQuota:    true,
			wantClass:    ClassQuota,
		},
		{
			name:         "auth error",
			err:          llm.NewProviderError("apex", llm.ErrCodeAuth, "bad key"),
			wantScore:    0,
			wantCooldown: 600 * time.Second,
			wantClass:    ClassAuth,
		},
		{
			name:      "generic",
			err:       errors.New("connection reset"),
			wantScore: 90,
			wantClass: ClassGeneric,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, now := newTestMonitor()
			m.RecordFailure(types.BackendApex, tc.err)

			rec := m.Snapshot(types.BackendApex)
			if rec.Score != tc.wantScore {
				t.Errorf("score = %d, want %d", rec.Score, tc.wantScore)
			}
			if rec.QuotaExceeded != tc.wantQuota {
				t.Errorf("quota = %v, want %v", rec.QuotaExceeded, tc.wantQuota)
			}
			if rec.LastErrorClass != tc.wantClass {
				t.Errorf("class = %s, want %s", rec.LastErrorClass, tc.wantClass)
			}
			if tc.wantCooldown == 0 {
				if !rec.CooldownUntil.IsZero() {
					t.Errorf("unexpected cooldown %v", rec.CooldownUntil)
				}
			} else if got := rec.CooldownUntil.Sub(*now); got != tc.wantCooldown {
				t.Errorf("cooldown = %v, want %v", got, tc.wantCooldown)
			}
		})
	}
}

func TestConsecutiveFailurePenalty(t *testing.T) {
	m, _ := newTestMonitor()
	b := types.BackendSwift

	for i := 0; i < 4; i++ {
		m.RecordFailure(b, errors.New("boom"))
	}
	// 4 generic failures: 100 - 40 = 60, still healthy.
	if got := m.Snapshot(b).Score; got != 60 {
		t.Fatalf("score = %d, want 60", got)
	}
	if !m.IsHealthy(b) {
		t.Fatal("4 failures should still be healthy")
	}

	// 5th failure: -10 generic, then -20 for hitting the consecutive cap.
	m.RecordFailure(b, errors.New("boom"))
	rec := m.Snapshot(b)
	if rec.Score != 30 {
		t.Errorf("score = %d, want 30", rec.Score)
	}
	if rec.Healthy {
		t.Error("5 consecutive failures must be unhealthy regardless of score")
	}
}

func TestScoreNeverNegative(t *testing.T) {
	m, _ := newTestMonitor()
	for i := 0; i < 30; i++ {
		m.RecordFailure(types.BackendCore, rateLimitErr())
	}
	if got := m.Snapshot(types.BackendCore).Score; got != 0 {
		t.Errorf("score = %d, want clamped at 0", got)
	}
}

func TestCooldownBlocksUntilReconciled(t *testing.T) {
	m, now := newTestMonitor()
	b := types.BackendResearch

	m.RecordFailure(b, rateLimitErr())
	if m.IsHealthy(b) {
		t.Fatal("cooldown should make backend unhealthy")
	}

	// Cooldown expired but not yet reconciled: IsHealthy may become true
	// via the derived predicate, but the recovery bonus is not credited.
	*now = now.Add(61 * time.Second)
	scoreBefore := m.Snapshot(b).Score

	m.ReconcileCooldowns()
	rec := m.Snapshot(b)
	if !rec.CooldownUntil.IsZero() {
		t.Error("reconcile did not clear expired cooldown")
	}
	if rec.Score != scoreBefore+20 {
		t.Errorf("score = %d, want %d after recovery bonus", rec.Score, scoreBefore+20)
	}
}

func TestReconcileLeavesActiveCooldowns(t *testing.T) {
	m, now := newTestMonitor()
	b := types.BackendResearch

	m.RecordFailure(b, rateLimitErr())
	*now = now.Add(30 * time.Second)

	m.ReconcileCooldowns()
	if m.Snapshot(b).CooldownUntil.IsZero() {
		t.Error("reconcile cleared a cooldown that has not expired")
	}
	if m.IsHealthy(b) {
		t.Error("backend healthy during active cooldown")
	}
}

func TestDecayRewardsQuietBackends(t *testing.T) {
	m, now := newTestMonitor()
	b := types.BackendApex

	m.RecordFailure(b, errors.New("boom"))
	m.RecordFailure(b, errors.New("boom"))
	scoreBefore := m.Snapshot(b).Score

	// Too recent: no decay credit.
	*now = now.Add(2 * time.Minute)
	m.decay()
	if got := m.Snapshot(b).Score; got != scoreBefore {
		t.Fatalf("decay applied before quiet period: %d", got)
	}

	// Past the quiet period: +2 and one failure forgiven.
	*now = now.Add(4 * time.Minute)
	m.decay()
	rec := m.Snapshot(b)
	if rec.Score != scoreBefore+2 {
		t.Errorf("score = %d, want %d", rec.Score, scoreBefore+2)
	}
	if rec.ConsecutiveFailures != 1 {
		t.Errorf("consecutive = %d, want 1", rec.ConsecutiveFailures)
	}
}

func TestHealthyCandidatesSortedByScore(t *testing.T) {
	m, _ := newTestMonitor()

	m.RecordFailure(types.BackendApex, errors.New("boom"))  // 90
	m.RecordFailure(types.BackendSwift, rateLimitErr())     // 70 + cooldown
	m.RecordFailure(types.BackendCore, errors.New("boom"))  // 90
	m.RecordFailure(types.BackendCore, errors.New("boom"))  // 80

	got := m.HealthyCandidates([]types.Backend{types.BackendSwift, types.BackendCore, types.BackendApex, types.BackendResearch})

	want := []types.Backend{types.BackendResearch, types.BackendApex, types.BackendCore}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidates[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBestCandidate(t *testing.T) {
	m, _ := newTestMonitor()

	if b, ok := m.BestCandidate(types.BackendApex, []types.Backend{types.BackendCore}); !ok || b != types.BackendApex {
		t.Errorf("healthy preferred should win, got %s ok=%v", b, ok)
	}

	m.RecordFailure(types.BackendApex, llm.NewProviderError("apex", llm.ErrCodeQuotaExceeded, "quota"))
	if b, ok := m.BestCandidate(types.BackendApex, []types.Backend{types.BackendCore, types.BackendSwift}); !ok || b != types.BackendCore {
		t.Errorf("first healthy fallback should win, got %s ok=%v", b, ok)
	}

	m.RecordFailure(types.BackendCore, llm.NewProviderError("core", llm.ErrCodeAuth, "bad key"))
	m.RecordFailure(types.BackendSwift, llm.NewProviderError("swift", llm.ErrCodeAuth, "bad key"))
	if _, ok := m.BestCandidate(types.BackendApex, []types.Backend{types.BackendCore, types.BackendSwift}); ok {
		t.Error("no healthy candidate should return ok=false")
	}
}

func TestClassifyPriorityOrder(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"structured quota", llm.NewProviderError("a", llm.ErrCodeQuotaExceeded, "x"), ClassQuota},
		{"structured auth", llm.NewProviderError("a", llm.ErrCodeAuth, "x"), ClassAuth},
		{"structured rate limit", llm.NewProviderError("a", llm.ErrCodeRateLimit, "x"), ClassRateLimit},
		{"structured timeout is generic", llm.NewProviderError("a", llm.ErrCodeTimeout, "x"), ClassGeneric},
		// Quota wording inside a throttling message must not be misread
		// as a plain rate limit.
		{"quota text beats rate limit text", errors.New("429 too many requests: monthly quota exhausted"), ClassQuota},
		{"auth text beats rate limit text", errors.New("rate limited: invalid api key"), ClassAuth},
		{"plain throttle text", errors.New("request throttled upstream"), ClassRateLimit},
		{"plain 401 status", &llm.ProviderError{Provider: "a", Code: llm.ErrCodeUnknown, Message: "denied", StatusCode: 401}, ClassAuth},
		{"generic", errors.New("connection refused"), ClassGeneric},
		{"nil", nil, ClassGeneric},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestConcurrentRecordingKeepsCounts(t *testing.T) {
	m := NewMonitor()
	b := types.BackendCore

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.RecordSuccess(b)
		}()
		go func() {
			defer wg.Done()
			m.RecordFailure(b, errors.New("boom"))
		}()
	}
	wg.Wait()

	rec := m.Snapshot(b)
	if rec.SuccessCount != 50 || rec.ErrorCount != 50 {
		t.Errorf("counts = %d/%d, want 50/50", rec.SuccessCount, rec.ErrorCount)
	}
	if rec.Score < 0 || rec.Score > FullScore {
		t.Errorf("score %d outside [0,%d]", rec.Score, FullScore)
	}
}
