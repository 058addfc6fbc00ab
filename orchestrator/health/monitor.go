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

// Package health tracks per-backend health for routing decisions. Every
// call outcome adjusts a 0-100 score; rate limits, quota exhaustion, and
// auth failures additionally impose cooldowns so routing stops sending
// traffic to a backend that cannot serve it.
package health

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"fiscalia/platform/orchestrator/llm"
	"fiscalia/platform/shared/types"
)

// Score and recovery tuning.
const (
	// FullScore is a backend in perfect health.
	FullScore = 100

	// HealthyThreshold is the score below which a backend is unhealthy.
	HealthyThreshold = 30

	// MaxConsecutiveFailures marks a backend unhealthy regardless of score.
	MaxConsecutiveFailures = 5

	successReward      = 5
	genericPenalty     = 10
	rateLimitPenalty   = 30
	consecutivePenalty = 20
	cooldownRecovery   = 20
	decayRecovery      = 2

	rateLimitCooldown = 60 * time.Second
	quotaCooldown     = 300 * time.Second
	authCooldown      = 600 * time.Second

	// decayInterval is how often the background task scans records.
	decayInterval = 60 * time.Second

	// quietPeriod is how long a backend must go without failures before
	// decay-toward-health applies.
	quietPeriod = 300 * time.Second
)

// ErrorClass is the health-relevant classification of a backend failure.
type ErrorClass string

const (
	// ClassRateLimit is transient throttling.
	ClassRateLimit ErrorClass = "rate_limit"

	// ClassQuota is quota or billing exhaustion.
	ClassQuota ErrorClass = "quota_exceeded"

	// ClassAuth is an authentication or authorization failure.
	ClassAuth ErrorClass = "auth_error"

	// ClassGeneric is any other failure.
	ClassGeneric ErrorClass = "generic"
)

// Record is a snapshot of one backend's health state.
type Record struct {
	Backend             types.Backend `json:"backend"`
	SuccessCount        int64         `json:"success_count"`
	ErrorCount          int64         `json:"error_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	LastError           time.Time     `json:"last_error,omitempty"`
	LastErrorClass      ErrorClass    `json:"last_error_class,omitempty"`
	Score               int           `json:"score"`
	CooldownUntil       time.Time     `json:"cooldown_until,omitempty"`
	QuotaExceeded       bool          `json:"quota_exceeded"`
	Healthy             bool          `json:"healthy"`
}

// record is the live, mutex-guarded state behind a Record snapshot.
// Each backend gets its own lock so recording for one backend never
// blocks another.
type record struct {
	mu sync.Mutex
	Record
}

// Monitor tracks health records for every known backend.
type Monitor struct {
	mu      sync.RWMutex
	records map[types.Backend]*record
	logger  *log.Logger

	// now is swappable in tests.
	now func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger overrides the default stdout logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// NewMonitor creates a Monitor with a full-health record per backend.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		records: make(map[types.Backend]*record),
		logger:  log.New(os.Stdout, "[HEALTH] ", log.LstdFlags),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, b := range types.AllBackends {
		m.records[b] = &record{Record: Record{Backend: b, Score: FullScore, Healthy: true}}
	}
	return m
}

func (m *Monitor) get(backend types.Backend) *record {
	m.mu.RLock()
	r, ok := m.records[backend]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok = m.records[backend]; ok {
		return r
	}
	r = &record{Record: Record{Backend: backend, Score: FullScore, Healthy: true}}
	m.records[backend] = r
	return r
}

// RecordSuccess credits a successful call: score +5, consecutive failures
// reset, quota flag and cooldown cleared.
func (m *Monitor) RecordSuccess(backend types.Backend) {
	r := m.get(backend)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.SuccessCount++
	r.LastSuccess = m.now()
	r.ConsecutiveFailures = 0
	r.QuotaExceeded = false
	r.CooldownUntil = time.Time{}
	r.Score = clamp(r.Score + successReward)
	m.refreshHealthy(r)
}

// RecordFailure debits a failed call according to the failure class.
func (m *Monitor) RecordFailure(backend types.Backend, err error) {
	class := Classify(err)

	r := m.get(backend)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := m.now()
	r.ErrorCount++
	r.LastError = now
	r.LastErrorClass = class
	r.ConsecutiveFailures++

	switch class {
	case ClassRateLimit:
		r.Score = clamp(r.Score - rateLimitPenalty)
		r.CooldownUntil = now.Add(rateLimitCooldown)
	case ClassQuota:
		r.Score = 0
		r.QuotaExceeded = true
		r.CooldownUntil = now.Add(quotaCooldown)
	case ClassAuth:
		r.Score = 0
		r.CooldownUntil = now.Add(authCooldown)
	default:
		r.Score = clamp(r.Score - genericPenalty)
	}

	if r.ConsecutiveFailures >= MaxConsecutiveFailures {
		r.Score = clamp(r.Score - consecutivePenalty)
	}

	m.refreshHealthy(r)
	if !r.Healthy {
		m.logger.Printf("Backend %s unhealthy: score=%d consecutive=%d class=%s",
			backend, r.Score, r.ConsecutiveFailures, class)
	}
}

// refreshHealthy recomputes the derived healthy flag. Caller holds r.mu.
func (m *Monitor) refreshHealthy(r *record) {
	now := m.now()
	r.Healthy = r.Score >= HealthyThreshold &&
		!r.QuotaExceeded &&
		r.ConsecutiveFailures < MaxConsecutiveFailures &&
		(r.CooldownUntil.IsZero() || !now.Before(r.CooldownUntil))
}

// IsHealthy reports whether backend is currently routable. This is a pure
// read: cooldown expiry is credited by the periodic reconcile pass, not
// here.
func (m *Monitor) IsHealthy(backend types.Backend) bool {
	r := m.get(backend)
	r.mu.Lock()
	defer r.mu.Unlock()
	m.refreshHealthy(r)
	return r.Healthy
}

// Snapshot returns a copy of the backend's record.
func (m *Monitor) Snapshot(backend types.Backend) Record {
	r := m.get(backend)
	r.mu.Lock()
	defer r.mu.Unlock()
	m.refreshHealthy(r)
	return r.Record
}

// Snapshots returns a copy of every record, sorted by backend name.
func (m *Monitor) Snapshots() []Record {
	m.mu.RLock()
	backends := make([]types.Backend, 0, len(m.records))
	for b := range m.records {
		backends = append(backends, b)
	}
	m.mu.RUnlock()

	sort.Slice(backends, func(i, j int) bool { return backends[i] < backends[j] })
	out := make([]Record, 0, len(backends))
	for _, b := range backends {
		out = append(out, m.Snapshot(b))
	}
	return out
}

// HealthyCandidates filters candidates to healthy backends, sorted by
// score descending. Ties keep the caller's ordering.
func (m *Monitor) HealthyCandidates(candidates []types.Backend) []types.Backend {
	type scored struct {
		backend types.Backend
		score   int
		pos     int
	}

	healthy := make([]scored, 0, len(candidates))
	for i, b := range candidates {
		if !m.IsHealthy(b) {
			continue
		}
		healthy = append(healthy, scored{backend: b, score: m.Snapshot(b).Score, pos: i})
	}

	sort.SliceStable(healthy, func(i, j int) bool {
		if healthy[i].score != healthy[j].score {
			return healthy[i].score > healthy[j].score
		}
		return healthy[i].pos < healthy[j].pos
	})

	out := make([]types.Backend, 0, len(healthy))
	for _, s := range healthy {
		out = append(out, s.backend)
	}
	return out
}

// BestCandidate returns preferred if healthy, otherwise the first healthy
// fallback. The second return is false when no candidate is healthy.
func (m *Monitor) BestCandidate(preferred types.Backend, fallbacks []types.Backend) (types.Backend, bool) {
	if m.IsHealthy(preferred) {
		return preferred, true
	}
	for _, b := range fallbacks {
		if m.IsHealthy(b) {
			return b, true
		}
	}
	return "", false
}

// ReconcileCooldowns clears expired cooldowns and credits the recovery
// bonus. Called by the decay task each tick; exposed for tests and for
// manual operator resets.
func (m *Monitor) ReconcileCooldowns() {
	now := m.now()
	for _, rec := range m.Snapshots() {
		r := m.get(rec.Backend)
		r.mu.Lock()
		if !r.CooldownUntil.IsZero() && !now.Before(r.CooldownUntil) {
			r.CooldownUntil = time.Time{}
			r.QuotaExceeded = false
			r.Score = clamp(r.Score + cooldownRecovery)
		}
		m.refreshHealthy(r)
		r.mu.Unlock()
	}
}

// decay credits quiet backends: no failure in quietPeriod earns +2 score
// and one consecutive-failure forgiven.
func (m *Monitor) decay() {
	now := m.now()
	for _, rec := range m.Snapshots() {
		r := m.get(rec.Backend)
		r.mu.Lock()
		if r.LastError.IsZero() || now.Sub(r.LastError) >= quietPeriod {
			r.Score = clamp(r.Score + decayRecovery)
			if r.ConsecutiveFailures > 0 {
				r.ConsecutiveFailures--
			}
		}
		m.refreshHealthy(r)
		r.mu.Unlock()
	}
}

// RunDecayTask runs the periodic reconcile/decay loop until ctx is
// cancelled. Start it in a goroutine at service startup.
func (m *Monitor) RunDecayTask(ctx context.Context) {
	ticker := time.NewTicker(decayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReconcileCooldowns()
			m.decay()
		}
	}
}

// Classify maps a backend failure onto its health-relevant class.
// Quota and auth are matched before rate limiting because their messages
// often also contain throttling language.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassGeneric
	}

	switch llm.CodeOf(err) {
	case llm.ErrCodeQuotaExceeded:
		return ClassQuota
	case llm.ErrCodeAuth:
		return ClassAuth
	case llm.ErrCodeRateLimit:
		return ClassRateLimit
	case llm.ErrCodeInvalidRequest, llm.ErrCodeProviderError, llm.ErrCodeTimeout:
		return ClassGeneric
	}

	msg := strings.ToLower(err.Error())
	status := llm.StatusOf(err)

	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing") ||
		strings.Contains(msg, "credit balance"):
		return ClassQuota
	case status == 401 || status == 403 ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "invalid api key") || strings.Contains(msg, "authentication"):
		return ClassAuth
	case status == 429 || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") || strings.Contains(msg, "throttl"):
		return ClassRateLimit
	default:
		return ClassGeneric
	}
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > FullScore {
		return FullScore
	}
	return score
}
