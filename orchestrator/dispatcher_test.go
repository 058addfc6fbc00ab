// Copyright 2025 Fiscalia
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalia/platform/orchestrator/cache"
	"fiscalia/platform/orchestrator/governor"
	"fiscalia/platform/orchestrator/health"
	"fiscalia/platform/orchestrator/llm"
	"fiscalia/platform/orchestrator/resilience"
	"fiscalia/platform/shared/types"
)

// registryWith registers one mock provider per backend.
func registryWith(t *testing.T, build func(backend types.Backend) llm.Provider) *llm.Registry {
	t.Helper()
	registry := llm.NewRegistry()
	for _, backend := range types.AllBackends {
		require.NoError(t, registry.Register(backend, build(backend)))
	}
	return registry
}

func newTestDispatcher(t *testing.T, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	if cfg.Governor == (governor.Config{}) {
		cfg.Governor = governor.DefaultConfig()
	}
	d, err := NewDispatcher(cfg)
	require.NoError(t, err)
	return d
}

func TestDispatchSuccess(t *testing.T) {
	registry := registryWith(t, func(backend types.Backend) llm.Provider {
		return llm.NewMockProvider(string(backend), "The standard rate is 19%.")
	})
	d := newTestDispatcher(t, DispatcherConfig{Registry: registry})

	resp, err := d.Dispatch(context.Background(), QueryRequest{
		FirmID: "firm-1",
		Query:  "What is the standard VAT rate in Germany?",
		Tier:   types.TierProfessional,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, "The standard rate is 19%.", resp.Content)
	assert.NotEmpty(t, resp.Backend)
	assert.NotEmpty(t, resp.Decision.Justification)
	require.NotEmpty(t, resp.Attempts)
	assert.Equal(t, "success", resp.Attempts[len(resp.Attempts)-1].Outcome)
	assert.False(t, resp.Cached)
}

func TestDispatchFallsBackToCore(t *testing.T) {
	registry := registryWith(t, func(backend types.Backend) llm.Provider {
		if backend == types.BackendCore {
			return llm.NewMockProvider(string(backend), "answer from core")
		}
		m := llm.NewMockProvider(string(backend), "")
		m.Err = llm.NewProviderError(string(backend), llm.ErrCodeProviderError, "upstream 500")
		return m
	})
	monitor := health.NewMonitor()
	d := newTestDispatcher(t, DispatcherConfig{Registry: registry, Monitor: monitor})

	resp, err := d.Dispatch(context.Background(), QueryRequest{
		FirmID: "firm-1",
		Query:  "Summarize the going concern assessment requirements.",
		Tier:   types.TierProfessional,
	})
	require.NoError(t, err)

	assert.Equal(t, types.BackendCore, resp.Backend)
	require.True(t, len(resp.Attempts) >= 2)
	assert.Equal(t, "failed", resp.Attempts[0].Outcome)
	assert.Equal(t, "success", resp.Attempts[len(resp.Attempts)-1].Outcome)

	// The failed backend took a health penalty; core did not.
	failed := resp.Attempts[0].Backend
	assert.Less(t, monitor.Snapshot(failed).Score, health.FullScore)
	assert.Equal(t, health.FullScore, monitor.Snapshot(types.BackendCore).Score)
}

func TestDispatchRoutingExhausted(t *testing.T) {
	registry := registryWith(t, func(backend types.Backend) llm.Provider {
		m := llm.NewMockProvider(string(backend), "")
		m.Err = llm.NewProviderError(string(backend), llm.ErrCodeProviderError, "down")
		return m
	})
	d := newTestDispatcher(t, DispatcherConfig{Registry: registry})

	_, err := d.Dispatch(context.Background(), QueryRequest{
		FirmID: "firm-1",
		Query:  "How do I consolidate a foreign subsidiary?",
	})
	require.Error(t, err)
	assert.True(t, IsRoutingExhausted(err))

	var re *RoutingExhaustedError
	require.ErrorAs(t, err, &re)
	for _, attempt := range re.Attempts {
		assert.Equal(t, "failed", attempt.Outcome)
	}
}

func TestDispatchSkipsOpenCircuits(t *testing.T) {
	registry := registryWith(t, func(backend types.Backend) llm.Provider {
		m := llm.NewMockProvider(string(backend), "")
		m.Err = llm.NewProviderError(string(backend), llm.ErrCodeProviderError, "down")
		return m
	})
	monitor := health.NewMonitor()
	d := newTestDispatcher(t, DispatcherConfig{
		Registry: registry,
		Monitor:  monitor,
		Breakers: resilience.Config{
			CallTimeout:    time.Second,
			Window:         time.Minute,
			MinRequests:    1,
			ErrorThreshold: 0.5,
			ResetTimeout:   time.Minute,
		},
	})

	req := QueryRequest{FirmID: "firm-1", Query: "Explain deferred tax asset recognition."}

	// First pass records real failures and trips every breaker.
	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)
	scoresAfterFirst := map[types.Backend]int{}
	for _, b := range types.AllBackends {
		scoresAfterFirst[b] = monitor.Snapshot(b).Score
	}

	// Second pass is skipped at every circuit with no extra penalty.
	_, err = d.Dispatch(context.Background(), req)
	require.Error(t, err)
	var re *RoutingExhaustedError
	require.ErrorAs(t, err, &re)
	for _, attempt := range re.Attempts {
		assert.Equal(t, "skipped", attempt.Outcome)
	}
	for _, b := range types.AllBackends {
		assert.Equal(t, scoresAfterFirst[b], monitor.Snapshot(b).Score, "open circuit must not penalize %s", b)
	}
}

func TestDispatchQuotaErrorContinuesChain(t *testing.T) {
	var quotaBackend types.Backend
	registry := registryWith(t, func(backend types.Backend) llm.Provider {
		if backend == types.BackendCore {
			return llm.NewMockProvider(string(backend), "core answer")
		}
		m := llm.NewMockProvider(string(backend), "")
		m.Err = llm.NewProviderError(string(backend), llm.ErrCodeQuotaExceeded, "quota exhausted")
		return m
	})
	monitor := health.NewMonitor()
	d := newTestDispatcher(t, DispatcherConfig{Registry: registry, Monitor: monitor})

	resp, err := d.Dispatch(context.Background(), QueryRequest{
		FirmID: "firm-1",
		Query:  "What is the corporate tax filing deadline?",
	})
	require.NoError(t, err)
	assert.Equal(t, types.BackendCore, resp.Backend)

	quotaBackend = resp.Attempts[0].Backend
	snap := monitor.Snapshot(quotaBackend)
	assert.Equal(t, 0, snap.Score)
	assert.True(t, snap.QuotaExceeded)
}

func TestDispatchCancellationNotPenalized(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	registry := registryWith(t, func(backend types.Backend) llm.Provider {
		return &llm.MockProvider{
			ProviderName: string(backend),
			CompleteFunc: func(callCtx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
				cancel()
				<-callCtx.Done()
				return nil, callCtx.Err()
			},
		}
	})
	monitor := health.NewMonitor()
	d := newTestDispatcher(t, DispatcherConfig{Registry: registry, Monitor: monitor})

	_, err := d.Dispatch(ctx, QueryRequest{FirmID: "firm-1", Query: "long running analysis request"})
	require.Error(t, err)
	assert.False(t, IsRoutingExhausted(err))

	for _, b := range types.AllBackends {
		assert.Equal(t, health.FullScore, monitor.Snapshot(b).Score, "cancellation must not penalize %s", b)
	}
}

func TestDispatchComplianceValidation(t *testing.T) {
	registry := registryWith(t, func(backend types.Backend) llm.Provider {
		return llm.NewMockProvider(string(backend), "The total tax due is 10 + 5 = 16 dollars.")
	})
	d := newTestDispatcher(t, DispatcherConfig{Registry: registry})

	resp, err := d.Dispatch(context.Background(), QueryRequest{
		FirmID: "firm-1",
		Query:  "Calculate my total tax due.",
		Mode:   types.ModeCalculation,
		Tier:   types.TierProfessional,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Compliance, "paid calculation requests are validated")
	assert.True(t, resp.Compliance.RequiresHumanReview)

	// Free tier chat is not validated.
	resp, err = d.Dispatch(context.Background(), QueryRequest{
		FirmID: "firm-1",
		Query:  "Calculate my total tax due.",
		Mode:   types.ModeChat,
		Tier:   types.TierFree,
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Compliance)
}

func TestDispatchCompletionCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	completionCache := cache.NewWithClient(client, time.Hour)
	t.Cleanup(func() { completionCache.Close() })

	providers := map[types.Backend]*llm.MockProvider{}
	registry := registryWith(t, func(backend types.Backend) llm.Provider {
		m := llm.NewMockProvider(string(backend), "cached answer")
		providers[backend] = m
		return m
	})
	d := newTestDispatcher(t, DispatcherConfig{Registry: registry, Cache: completionCache})

	req := QueryRequest{FirmID: "firm-1", Query: "Define materiality in an audit context."}

	first, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)

	calls := 0
	for _, m := range providers {
		calls += m.CallCount()
	}
	assert.Equal(t, 1, calls, "cache hit must not call a provider")
}

func TestDispatchRealTimeRequestsBypassCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	completionCache := cache.NewWithClient(client, time.Hour)
	t.Cleanup(func() { completionCache.Close() })

	registry := registryWith(t, func(backend types.Backend) llm.Provider {
		return llm.NewMockProvider(string(backend), "fresh answer")
	})
	d := newTestDispatcher(t, DispatcherConfig{Registry: registry, Cache: completionCache})

	req := QueryRequest{FirmID: "firm-1", Query: "What is the current EUR/USD exchange rate today?"}

	first, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.Classification.NeedsRealTimeData)

	second, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Cached)
}

func TestDispatchRejectsEmptyQuery(t *testing.T) {
	registry := registryWith(t, func(backend types.Backend) llm.Provider {
		return llm.NewMockProvider(string(backend), "x")
	})
	d := newTestDispatcher(t, DispatcherConfig{Registry: registry})

	_, err := d.Dispatch(context.Background(), QueryRequest{FirmID: "firm-1", Query: "   "})
	require.Error(t, err)
}

func TestDispatchDefaults(t *testing.T) {
	registry := registryWith(t, func(backend types.Backend) llm.Provider {
		return llm.NewMockProvider(string(backend), "x")
	})
	d := newTestDispatcher(t, DispatcherConfig{Registry: registry})

	resp, err := d.Dispatch(context.Background(), QueryRequest{FirmID: "firm-1", Query: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RequestID)
	// Free tier defaults produce the fast profile.
	assert.Equal(t, governor.ProfileFast, resp.Profile.Profile)
}

func TestNewDispatcherRequiresRegistry(t *testing.T) {
	_, err := NewDispatcher(DispatcherConfig{})
	require.Error(t, err)
}
