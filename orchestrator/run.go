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
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"fiscalia/platform/connectors/attachments"
	"fiscalia/platform/orchestrator/cache"
	"fiscalia/platform/orchestrator/health"
	"fiscalia/platform/orchestrator/llm"
	"fiscalia/platform/orchestrator/llm/anthropic"
	"fiscalia/platform/orchestrator/llm/bedrock"
	"fiscalia/platform/shared/types"
)

// Server holds the HTTP surface around the dispatcher.
type Server struct {
	dispatcher *Dispatcher
	limiter    *cache.RateLimiter
	audit      *AuditLogger
	metrics    *MetricsCollector
	jwtSecret  []byte
	logger     *log.Logger
}

// ServerConfig wires the server's collaborators. Dispatcher is
// required.
type ServerConfig struct {
	Dispatcher *Dispatcher
	Limiter    *cache.RateLimiter
	Audit      *AuditLogger
	Metrics    *MetricsCollector
	JWTSecret  []byte
}

// NewServer creates the HTTP surface.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		dispatcher: cfg.Dispatcher,
		limiter:    cfg.Limiter,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		jwtSecret:  cfg.JWTSecret,
		logger:     log.New(os.Stdout, "[SERVER] ", log.LstdFlags),
	}
}

// Handler builds the routed, CORS-wrapped, authenticated handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/metrics", s.metricsHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/query", s.queryHandler).Methods("POST")
	api.HandleFunc("/backends/status", s.backendStatusHandler).Methods("GET")
	api.HandleFunc("/audit/search", s.auditSearchHandler).Methods("POST")
	api.HandleFunc("/audit/review-queue", s.reviewQueueHandler).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return c.Handler(AuthMiddleware(s.jwtSecret, r))
}

func (s *Server) queryHandler(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The token decides who is asking; the body cannot override it.
	caller := CallerFrom(r.Context())
	req.FirmID = caller.FirmID
	req.Tier = caller.Tier

	if s.limiter != nil {
		if err := s.limiter.Allow(r.Context(), req.FirmID, req.Tier); err != nil {
			if cache.IsRateLimitError(err) {
				writeJSONError(w, http.StatusTooManyRequests, err.Error())
				return
			}
		}
	}

	resp, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		switch {
		case IsRoutingExhausted(err):
			writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		case r.Context().Err() != nil:
			// Client went away; status is moot but 499-style close is
			// not expressible, use 503.
			writeJSONError(w, http.StatusServiceUnavailable, "request cancelled")
		default:
			writeJSONError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.audit != nil && !s.audit.IsHealthy() {
		status["audit_store"] = "degraded"
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) backendStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"health":   s.dispatcher.Monitor().Snapshots(),
		"breakers": s.dispatcher.BreakerStates(),
	})
}

func (s *Server) auditSearchHandler(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSONError(w, http.StatusNotImplemented, "audit store not configured")
		return
	}

	var criteria SearchCriteria
	if err := json.NewDecoder(r.Body).Decode(&criteria); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid search criteria")
		return
	}
	// Non-anonymous callers only see their own firm's entries.
	if caller := CallerFrom(r.Context()); caller != anonymousCaller {
		criteria.FirmID = caller.FirmID
	}
	if criteria.Limit <= 0 || criteria.Limit > 500 {
		criteria.Limit = 100
	}

	entries, err := s.audit.Search(r.Context(), criteria)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "audit search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) reviewQueueHandler(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSONError(w, http.StatusNotImplemented, "audit store not configured")
		return
	}
	entries, err := s.audit.ReviewQueue(r.Context(), 50)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "review queue lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Run is the exported entry point for the orchestrator service. It
// builds every component from environment variables, starts the health
// decay task, and serves HTTP until the process exits.
//
// Environment variables used:
//   - PORT: HTTP server port (default: 8084)
//   - ANTHROPIC_API_KEY: direct Anthropic API key
//   - ANTHROPIC_API_KEY_SECRET_ARN: Secrets Manager ARN for the key
//   - AWS_REGION: region for Secrets Manager and Bedrock
//   - BEDROCK_REGION: enables the Bedrock provider when set
//   - AUDIT_DATABASE_DRIVER / AUDIT_DATABASE_URL: audit store (postgres or mysql)
//   - REDIS_URL: enables the completion cache and rate limiter
//   - JWT_SECRET: bearer-token secret; empty disables authentication
func Run() {
	log.Println("Starting Fiscalia Orchestrator...")
	ctx := context.Background()

	registry := llm.NewRegistry()
	registerProviders(ctx, registry)
	defer func() { _ = registry.Close() }()

	monitor := health.NewMonitor()
	go monitor.RunDecayTask(ctx)

	metrics := NewMetricsCollector()

	var auditLogger *AuditLogger
	if dsn := os.Getenv("AUDIT_DATABASE_URL"); dsn != "" {
		driver := getEnv("AUDIT_DATABASE_DRIVER", "postgres")
		var err error
		auditLogger, err = NewAuditLogger(driver, dsn)
		if err != nil {
			log.Printf("Audit store disabled: %v", err)
		} else {
			defer func() { _ = auditLogger.Close() }()
		}
	}

	var completionCache *cache.CompletionCache
	var limiter *cache.RateLimiter
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		var err error
		completionCache, err = cache.New(redisURL, cache.DefaultTTL)
		if err != nil {
			log.Printf("Completion cache disabled: %v", err)
		} else {
			defer func() { _ = completionCache.Close() }()
			if opts, err := redis.ParseURL(redisURL); err == nil {
				limiter = cache.NewRateLimiter(redis.NewClient(opts))
			}
		}
	}

	fetcher, err := attachments.NewFromEnvironment(ctx)
	if err != nil {
		log.Printf("Attachment fetching disabled: %v", err)
	}

	dispatcher, err := NewDispatcher(DispatcherConfig{
		Registry:    registry,
		Monitor:     monitor,
		Cache:       completionCache,
		Attachments: fetcher,
		Audit:       auditLogger,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf("Failed to build dispatcher: %v", err)
	}

	server := NewServer(ServerConfig{
		Dispatcher: dispatcher,
		Limiter:    limiter,
		Audit:      auditLogger,
		Metrics:    metrics,
		JWTSecret:  []byte(os.Getenv("JWT_SECRET")),
	})

	port := getEnv("PORT", "8084")
	log.Printf("Fiscalia Orchestrator listening on port %s (backends: %v)", port, registry.List())
	log.Fatal(http.ListenAndServe(":"+port, server.Handler()))
}

// registerProviders wires each backend to a provider based on available
// credentials. Anthropic serves every backend when its key is present;
// Bedrock covers the rest when a region is configured.
func registerProviders(ctx context.Context, registry *llm.Registry) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		if arn := os.Getenv("ANTHROPIC_API_KEY_SECRET_ARN"); arn != "" {
			resolver, err := llm.NewAPIKeyResolver(ctx, llm.APIKeyResolverOptions{
				Region: os.Getenv("AWS_REGION"),
			})
			if err != nil {
				log.Printf("Secrets Manager unavailable: %v", err)
			} else if apiKey, err = resolver.Resolve(ctx, arn); err != nil {
				log.Printf("Failed to resolve Anthropic API key: %v", err)
			}
		}
	}

	bedrockRegion := os.Getenv("BEDROCK_REGION")

	for _, backend := range types.AllBackends {
		switch {
		case apiKey != "":
			provider, err := anthropic.New(anthropic.Config{
				Name:   string(backend),
				APIKey: apiKey,
			})
			if err != nil {
				log.Printf("Failed to create Anthropic provider for %s: %v", backend, err)
				continue
			}
			if err := registry.Register(backend, provider); err != nil {
				log.Printf("Failed to register %s: %v", backend, err)
			}
		case bedrockRegion != "":
			provider, err := bedrock.New(ctx, bedrock.Config{
				Name:   string(backend),
				Region: bedrockRegion,
			})
			if err != nil {
				log.Printf("Failed to create Bedrock provider for %s: %v", backend, err)
				continue
			}
			if err := registry.Register(backend, provider); err != nil {
				log.Printf("Failed to register %s: %v", backend, err)
			}
		}
	}

	if registry.Count() == 0 {
		log.Printf("WARNING: no backend providers configured; all requests will fail")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
