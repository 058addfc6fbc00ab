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

package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fiscalia/platform/orchestrator/classify"
	"fiscalia/platform/shared/types"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiscalia_orchestrator_requests_total",
			Help: "Total number of requests processed by the orchestrator",
		},
		[]string{"domain", "status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fiscalia_orchestrator_request_duration_milliseconds",
			Help:    "Request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"domain"},
	)
	promBackendCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiscalia_orchestrator_backend_calls_total",
			Help: "Total number of backend completion calls",
		},
		[]string{"backend", "status"},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promBackendCalls)
}

// MetricsCollector aggregates in-process metrics for the JSON metrics
// endpoint, alongside the Prometheus registry.
type MetricsCollector struct {
	mu        sync.RWMutex
	startTime time.Time
	domains   map[classify.Domain]*DomainMetrics
	backends  map[types.Backend]*BackendMetrics
}

// DomainMetrics tracks request metrics per classified domain.
type DomainMetrics struct {
	TotalRequests int64         `json:"total_requests"`
	SuccessCount  int64         `json:"success_count"`
	ErrorCount    int64         `json:"error_count"`
	AvgLatency    time.Duration `json:"avg_latency_ms"`
	P95Latency    time.Duration `json:"p95_latency_ms"`
	P99Latency    time.Duration `json:"p99_latency_ms"`
	latencies     []time.Duration
}

// BackendMetrics tracks completion call outcomes per backend.
type BackendMetrics struct {
	TotalCalls   int64   `json:"total_calls"`
	SuccessCalls int64   `json:"success_calls"`
	FailedCalls  int64   `json:"failed_calls"`
	Availability float64 `json:"availability_percentage"`
}

// MetricsSnapshot is the JSON metrics payload.
type MetricsSnapshot struct {
	UptimeSeconds int64                              `json:"uptime_seconds"`
	TotalRequests int64                              `json:"total_requests"`
	Domains       map[classify.Domain]*DomainMetrics `json:"domains"`
	Backends      map[types.Backend]*BackendMetrics  `json:"backends"`
}

// NewMetricsCollector creates an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startTime: time.Now(),
		domains:   make(map[classify.Domain]*DomainMetrics),
		backends:  make(map[types.Backend]*BackendMetrics),
	}
}

// RecordRequest records one finished request.
func (c *MetricsCollector) RecordRequest(domain classify.Domain, latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	promRequestsTotal.WithLabelValues(string(domain), status).Inc()
	promRequestDuration.WithLabelValues(string(domain)).Observe(float64(latency.Milliseconds()))

	c.mu.Lock()
	defer c.mu.Unlock()

	dm, ok := c.domains[domain]
	if !ok {
		dm = &DomainMetrics{latencies: make([]time.Duration, 0, 1000)}
		c.domains[domain] = dm
	}

	dm.TotalRequests++
	if success {
		dm.SuccessCount++
	} else {
		dm.ErrorCount++
	}
	dm.latencies = append(dm.latencies, latency)
	// Bound the window used for percentile calculation.
	if len(dm.latencies) > 1000 {
		dm.latencies = dm.latencies[len(dm.latencies)-1000:]
	}
}

// RecordBackendCall records one completion call outcome.
func (c *MetricsCollector) RecordBackendCall(backend types.Backend, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	promBackendCalls.WithLabelValues(string(backend), status).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	bm, ok := c.backends[backend]
	if !ok {
		bm = &BackendMetrics{}
		c.backends[backend] = bm
	}
	bm.TotalCalls++
	if success {
		bm.SuccessCalls++
	} else {
		bm.FailedCalls++
	}
}

// Snapshot returns a copy of current metrics with derived values filled
// in.
func (c *MetricsCollector) Snapshot() *MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &MetricsSnapshot{
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Domains:       make(map[classify.Domain]*DomainMetrics, len(c.domains)),
		Backends:      make(map[types.Backend]*BackendMetrics, len(c.backends)),
	}

	for domain, dm := range c.domains {
		out := &DomainMetrics{
			TotalRequests: dm.TotalRequests,
			SuccessCount:  dm.SuccessCount,
			ErrorCount:    dm.ErrorCount,
		}
		if len(dm.latencies) > 0 {
			sorted := make([]time.Duration, len(dm.latencies))
			copy(sorted, dm.latencies)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

			var total time.Duration
			for _, l := range sorted {
				total += l
			}
			out.AvgLatency = total / time.Duration(len(sorted))
			out.P95Latency = percentile(sorted, 95)
			out.P99Latency = percentile(sorted, 99)
		}
		snap.Domains[domain] = out
		snap.TotalRequests += dm.TotalRequests
	}

	for backend, bm := range c.backends {
		out := &BackendMetrics{
			TotalCalls:   bm.TotalCalls,
			SuccessCalls: bm.SuccessCalls,
			FailedCalls:  bm.FailedCalls,
		}
		if bm.TotalCalls > 0 {
			out.Availability = float64(bm.SuccessCalls) / float64(bm.TotalCalls) * 100
		}
		snap.Backends[backend] = out
	}

	return snap
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted) * p) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
