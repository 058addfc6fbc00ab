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
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"fiscalia/platform/connectors/attachments"
	"fiscalia/platform/orchestrator/cache"
	"fiscalia/platform/orchestrator/classify"
	"fiscalia/platform/orchestrator/governor"
	"fiscalia/platform/orchestrator/health"
	"fiscalia/platform/orchestrator/llm"
	"fiscalia/platform/orchestrator/resilience"
	"fiscalia/platform/orchestrator/routing"
	"fiscalia/platform/orchestrator/sentinel"
	"fiscalia/platform/shared/logger"
	"fiscalia/platform/shared/types"
)

// QueryRequest is one inbound assistant request.
type QueryRequest struct {
	RequestID      string     `json:"request_id,omitempty"`
	FirmID         string     `json:"firm_id"`
	Query          string     `json:"query"`
	Mode           types.Mode `json:"mode,omitempty"`
	Tier           types.Tier `json:"tier,omitempty"`
	History        []llm.Turn `json:"history,omitempty"`
	AttachmentURIs []string   `json:"attachment_uris,omitempty"`
}

// QueryResponse is the outbound bundle: the answer plus everything an
// auditor needs to reconstruct how it was produced.
type QueryResponse struct {
	RequestID      string                        `json:"request_id"`
	Content        string                        `json:"content"`
	Backend        types.Backend                 `json:"backend"`
	Model          string                        `json:"model"`
	Classification classify.QueryClassification  `json:"classification"`
	Decision       routing.RoutingDecision       `json:"routing_decision"`
	Profile        governor.ReasoningProfile     `json:"reasoning_profile"`
	Compliance     *sentinel.MonitorResult       `json:"compliance,omitempty"`
	Usage          llm.UsageStats                `json:"usage"`
	Attempts       []Attempt                     `json:"attempts"`
	Cached         bool                          `json:"cached"`
	ProcessingMs   int64                         `json:"processing_ms"`
}

// Attempt records one step of the fallback chain.
type Attempt struct {
	Backend types.Backend `json:"backend"`
	Model   string        `json:"model"`
	Outcome string        `json:"outcome"` // "success", "skipped", "failed", "unavailable"
	Error   string        `json:"error,omitempty"`
}

// RoutingExhaustedError is returned when every candidate backend has
// been tried or skipped.
type RoutingExhaustedError struct {
	RequestID string
	Attempts  []Attempt
}

func (e *RoutingExhaustedError) Error() string {
	return fmt.Sprintf("no backend available for request %s after %d attempts", e.RequestID, len(e.Attempts))
}

// IsRoutingExhausted reports whether err indicates an exhausted chain.
func IsRoutingExhausted(err error) bool {
	var re *RoutingExhaustedError
	return errors.As(err, &re)
}

// DispatcherConfig wires the dispatcher's collaborators. Registry is
// required; everything else is optional and degrades gracefully.
type DispatcherConfig struct {
	Registry    *llm.Registry
	Monitor     *health.Monitor
	Governor    governor.Config
	Cache       *cache.CompletionCache
	Attachments *attachments.Fetcher
	Audit       *AuditLogger
	Metrics     *MetricsCollector
	Breakers    resilience.Config
}

// Dispatcher sequences classify, route, profile selection, backend
// dispatch with circuit breaking and fallback, and response validation.
type Dispatcher struct {
	classifier  *classify.Classifier
	engine      *routing.Engine
	governor    *governor.Governor
	monitor     *health.Monitor
	registry    *llm.Registry
	breakers    *resilience.Group
	validator   *sentinel.Validator
	cache       *cache.CompletionCache
	attachments *attachments.Fetcher
	audit       *AuditLogger
	metrics     *MetricsCollector
	logger      *log.Logger
	requestLog  *logger.Logger
}

// NewDispatcher builds a dispatcher from cfg.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("dispatcher requires a provider registry")
	}

	classifier, err := classify.NewClassifier()
	if err != nil {
		return nil, fmt.Errorf("failed to load classification rules: %w", err)
	}

	monitor := cfg.Monitor
	if monitor == nil {
		monitor = health.NewMonitor()
	}

	breakerCfg := cfg.Breakers
	if breakerCfg.Window == 0 {
		breakerCfg = resilience.AIBackendConfig
	}

	return &Dispatcher{
		classifier:  classifier,
		engine:      routing.NewEngine(monitor),
		governor:    governor.New(cfg.Governor),
		monitor:     monitor,
		registry:    cfg.Registry,
		breakers:    resilience.NewGroup(breakerCfg),
		validator:   sentinel.NewValidator(),
		cache:       cfg.Cache,
		attachments: cfg.Attachments,
		audit:       cfg.Audit,
		metrics:     cfg.Metrics,
		logger:      log.New(os.Stdout, "[DISPATCH] ", log.LstdFlags),
		requestLog:  logger.New("orchestrator"),
	}, nil
}

// Monitor exposes the backend health monitor for status endpoints and
// the decay task.
func (d *Dispatcher) Monitor() *health.Monitor { return d.monitor }

// BreakerStates exposes circuit state per backend for status endpoints.
func (d *Dispatcher) BreakerStates() map[string]resilience.State {
	return d.breakers.States()
}

// Dispatch processes one request end to end.
func (d *Dispatcher) Dispatch(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Mode == "" {
		req.Mode = types.ModeChat
	}
	if req.Tier == "" {
		req.Tier = types.TierFree
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	cls := d.classifier.Classify(req.Query)
	decision := d.engine.Route(cls, req.Tier)
	profile := d.governor.SelectProfile(cls, decision, req.Mode, req.Tier)

	sourceDocs := d.fetchAttachments(ctx, req)

	resp := &QueryResponse{
		RequestID:      req.RequestID,
		Classification: cls,
		Decision:       decision,
		Profile:        profile,
	}

	if cached := d.cacheLookup(ctx, req, cls, decision); cached != nil {
		resp.Content = cached.Content
		resp.Backend = decision.Backend
		resp.Model = cached.Model
		resp.Usage = cached.Usage
		resp.Cached = true
	} else {
		completion, backend, model, attempts, err := d.dispatchChain(ctx, req, cls, decision, profile)
		resp.Attempts = attempts
		if err != nil {
			d.recordOutcome(req, cls, resp, start, err)
			return nil, err
		}
		resp.Content = completion.Content
		resp.Backend = backend
		resp.Model = model
		resp.Usage = completion.Usage
		d.cacheStore(ctx, req, cls, decision, completion)
	}

	if d.governor.MonitoringEnabled(req.Mode, req.Tier) {
		result := d.validator.Validate(req.Query, resp.Content, sentinel.Context{
			Classification:  cls,
			Mode:            req.Mode,
			SourceDocuments: sourceDocs,
		})
		resp.Compliance = &result
	}

	resp.ProcessingMs = time.Since(start).Milliseconds()
	d.recordOutcome(req, cls, resp, start, nil)
	return resp, nil
}

// dispatchChain walks the routing decision's backend chain in order. At
// most one call goes to each backend; quota and auth failures move on
// like any other failure because retrying the same backend cannot help.
func (d *Dispatcher) dispatchChain(ctx context.Context, req QueryRequest, cls classify.QueryClassification, decision routing.RoutingDecision, profile governor.ReasoningProfile) (*llm.CompletionResponse, types.Backend, string, []Attempt, error) {
	backends := append([]types.Backend{decision.Backend}, decision.FallbackBackends...)
	models := append([]string{decision.Model}, decision.FallbackModels...)

	completionReq := llm.CompletionRequest{
		Prompt:       req.Query,
		SystemPrompt: profile.PromptAugmentation,
		History:      req.History,
		MaxTokens:    decision.TokenBudget,
	}

	var attempts []Attempt
	for i, backend := range backends {
		model := models[i]

		provider, err := d.registry.Get(backend)
		if err != nil {
			attempts = append(attempts, Attempt{Backend: backend, Model: model, Outcome: "unavailable", Error: err.Error()})
			continue
		}

		var completion *llm.CompletionResponse
		br := d.breakers.Get(string(backend))
		err = br.Execute(ctx, func(callCtx context.Context) error {
			var callErr error
			completion, callErr = provider.Complete(callCtx, completionReq)
			return callErr
		})

		if err == nil {
			d.monitor.RecordSuccess(backend)
			if d.metrics != nil {
				d.metrics.RecordBackendCall(backend, true)
			}
			attempts = append(attempts, Attempt{Backend: backend, Model: model, Outcome: "success"})
			return completion, backend, model, attempts, nil
		}

		// An open circuit is not evidence about the backend itself.
		if resilience.IsOpenError(err) {
			attempts = append(attempts, Attempt{Backend: backend, Model: model, Outcome: "skipped", Error: err.Error()})
			d.logger.Printf("Request %s: circuit open for %s, skipping", req.RequestID, backend)
			continue
		}

		// Caller cancellation is not a backend failure either.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, "", "", attempts, err
		}

		d.monitor.RecordFailure(backend, err)
		if d.metrics != nil {
			d.metrics.RecordBackendCall(backend, false)
		}
		attempts = append(attempts, Attempt{Backend: backend, Model: model, Outcome: "failed", Error: err.Error()})
		d.logger.Printf("Request %s: backend %s failed (%s), trying next", req.RequestID, backend, llm.CodeOf(err))
	}

	return nil, "", "", attempts, &RoutingExhaustedError{RequestID: req.RequestID, Attempts: attempts}
}

// fetchAttachments resolves document URIs for the validation checks.
// Failures degrade to validating without source documents.
func (d *Dispatcher) fetchAttachments(ctx context.Context, req QueryRequest) []string {
	if d.attachments == nil || len(req.AttachmentURIs) == 0 {
		return nil
	}
	atts, err := d.attachments.FetchAll(ctx, req.AttachmentURIs)
	if err != nil {
		d.logger.Printf("Request %s: attachment fetch failed: %v", req.RequestID, err)
		return nil
	}
	return attachments.Texts(atts)
}

// cacheable excludes requests whose answers depend on live data or on
// documents not captured in the cache key.
func cacheable(cls classify.QueryClassification) bool {
	return !cls.NeedsRealTimeData && !cls.NeedsDocumentAnalysis
}

func (d *Dispatcher) cacheLookup(ctx context.Context, req QueryRequest, cls classify.QueryClassification, decision routing.RoutingDecision) *llm.CompletionResponse {
	if d.cache == nil || !cacheable(cls) {
		return nil
	}
	key := d.cache.Key(decision.Backend, decision.Model, llm.CompletionRequest{
		Prompt:  req.Query,
		History: req.History,
	})
	cached, ok := d.cache.Get(ctx, key)
	if !ok {
		return nil
	}
	return cached
}

func (d *Dispatcher) cacheStore(ctx context.Context, req QueryRequest, cls classify.QueryClassification, decision routing.RoutingDecision, completion *llm.CompletionResponse) {
	if d.cache == nil || !cacheable(cls) {
		return
	}
	key := d.cache.Key(decision.Backend, decision.Model, llm.CompletionRequest{
		Prompt:  req.Query,
		History: req.History,
	})
	d.cache.Put(ctx, key, completion)
}

func (d *Dispatcher) recordOutcome(req QueryRequest, cls classify.QueryClassification, resp *QueryResponse, start time.Time, err error) {
	elapsed := time.Since(start)

	if d.metrics != nil {
		d.metrics.RecordRequest(cls.Domain, elapsed, err == nil)
	}
	if d.audit != nil {
		entry := newAuditEntry(req, cls, resp, elapsed, err)
		d.audit.Log(entry)
	}

	fields := map[string]interface{}{
		"domain":      string(cls.Domain),
		"complexity":  string(cls.Complexity),
		"backend":     string(resp.Backend),
		"model":       resp.Model,
		"profile":     string(resp.Profile.Profile),
		"cached":      resp.Cached,
		"duration_ms": float64(elapsed.Milliseconds()),
	}
	if err != nil {
		fields["error"] = err.Error()
		d.requestLog.Error(req.FirmID, req.RequestID, "Query dispatch failed", fields)
		return
	}
	d.requestLog.Info(req.FirmID, req.RequestID, "Query dispatched", fields)
}
