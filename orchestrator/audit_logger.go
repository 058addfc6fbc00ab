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
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"fiscalia/platform/orchestrator/classify"
	"fiscalia/platform/orchestrator/resilience"
	"fiscalia/platform/shared/types"
)

const (
	auditQueueSize     = 10000
	auditBatchSize     = 100
	auditFlushInterval = 5 * time.Second
)

// AuditEntry is one persisted record of a dispatched request. The query
// itself is stored hashed plus truncated, not verbatim, because client
// questions routinely contain confidential figures.
type AuditEntry struct {
	ID               string              `json:"id"`
	RequestID        string              `json:"request_id"`
	Timestamp        time.Time           `json:"timestamp"`
	FirmID           string              `json:"firm_id"`
	Tier             types.Tier          `json:"tier"`
	Mode             types.Mode          `json:"mode"`
	QueryHash        string              `json:"query_hash"`
	QuerySample      string              `json:"query_sample"`
	Domain           classify.Domain     `json:"domain"`
	SubDomain        string              `json:"sub_domain,omitempty"`
	Complexity       classify.Complexity `json:"complexity"`
	Confidence       float64             `json:"confidence"`
	Backend          types.Backend       `json:"backend,omitempty"`
	Model            string              `json:"model,omitempty"`
	RoutingReason    string              `json:"routing_reason"`
	Profile          string              `json:"profile"`
	Attempts         []Attempt           `json:"attempts,omitempty"`
	ComplianceStatus string              `json:"compliance_status,omitempty"`
	HumanReview      bool                `json:"human_review"`
	Cached           bool                `json:"cached"`
	TokensUsed       int                 `json:"tokens_used"`
	LatencyMs        int64               `json:"latency_ms"`
	ErrorMessage     string              `json:"error_message,omitempty"`
}

// newAuditEntry assembles an entry from a finished (or failed) dispatch.
func newAuditEntry(req QueryRequest, cls classify.QueryClassification, resp *QueryResponse, elapsed time.Duration, err error) *AuditEntry {
	entry := &AuditEntry{
		ID:            uuid.NewString(),
		RequestID:     req.RequestID,
		Timestamp:     time.Now().UTC(),
		FirmID:        req.FirmID,
		Tier:          req.Tier,
		Mode:          req.Mode,
		QueryHash:     hashQuery(req.Query),
		QuerySample:   truncate(req.Query, 200),
		Domain:        cls.Domain,
		SubDomain:     cls.SubDomain,
		Complexity:    cls.Complexity,
		Confidence:    cls.Confidence,
		LatencyMs:     elapsed.Milliseconds(),
	}
	if resp != nil {
		entry.Backend = resp.Backend
		entry.Model = resp.Model
		entry.RoutingReason = resp.Decision.Justification
		entry.Profile = string(resp.Profile.Profile)
		entry.Attempts = resp.Attempts
		entry.Cached = resp.Cached
		entry.TokensUsed = resp.Usage.TotalTokens
		if resp.Compliance != nil {
			entry.ComplianceStatus = string(resp.Compliance.Status)
			entry.HumanReview = resp.Compliance.RequiresHumanReview
		}
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	return entry
}

func hashQuery(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// AuditLogger persists audit entries asynchronously. Entries queue in
// memory and flush in batches; a full queue drops the oldest behavior to
// a direct blocking write rather than losing the entry.
type AuditLogger struct {
	db           *sql.DB
	driver       string
	breaker      *resilience.Breaker
	queue        chan *AuditEntry
	logger       *log.Logger
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdown     chan struct{}

	mu      sync.Mutex
	pending []*AuditEntry
}

// NewAuditLogger opens the audit database and starts the background
// writer. Driver is "postgres" or "mysql".
func NewAuditLogger(driver, dsn string) (*AuditLogger, error) {
	if driver != "postgres" && driver != "mysql" {
		return nil, fmt.Errorf("unsupported audit database driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	l := NewAuditLoggerWithDB(db, driver)
	if err := l.createTables(); err != nil {
		l.logger.Printf("Failed to create audit tables: %v", err)
	}
	return l, nil
}

// NewAuditLoggerWithDB wraps an existing handle (used by tests).
func NewAuditLoggerWithDB(db *sql.DB, driver string) *AuditLogger {
	l := &AuditLogger{
		db:       db,
		driver:   driver,
		breaker:  resilience.New("audit-db", resilience.DatabaseConfig),
		queue:    make(chan *AuditEntry, auditQueueSize),
		logger:   log.New(os.Stdout, "[AUDIT] ", log.LstdFlags),
		shutdown: make(chan struct{}),
		pending:  make([]*AuditEntry, 0, auditBatchSize),
	}

	l.wg.Add(1)
	go l.run()

	return l
}

// Log enqueues an entry for persistence. It never blocks the dispatch
// path; if the queue is full the entry is written synchronously.
func (l *AuditLogger) Log(entry *AuditEntry) {
	select {
	case l.queue <- entry:
	default:
		l.logger.Printf("Audit queue full, writing directly")
		if err := l.write([]*AuditEntry{entry}); err != nil {
			l.logger.Printf("Direct audit write failed: %v", err)
		}
	}
}

// IsHealthy reports whether the audit database is reachable.
func (l *AuditLogger) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return l.db.PingContext(ctx) == nil
}

// Close flushes pending entries and stops the background writer.
func (l *AuditLogger) Close() error {
	l.shutdownOnce.Do(func() { close(l.shutdown) })
	l.wg.Wait()
	return l.db.Close()
}

func (l *AuditLogger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-l.queue:
			l.add(entry)
		case <-ticker.C:
			l.flush()
		case <-l.shutdown:
			// Drain whatever is still queued, then flush.
			for {
				select {
				case entry := <-l.queue:
					l.add(entry)
				default:
					l.flush()
					return
				}
			}
		}
	}
}

func (l *AuditLogger) add(entry *AuditEntry) {
	l.mu.Lock()
	l.pending = append(l.pending, entry)
	full := len(l.pending) >= auditBatchSize
	l.mu.Unlock()

	if full {
		l.flush()
	}
}

func (l *AuditLogger) flush() {
	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.pending
	l.pending = make([]*AuditEntry, 0, auditBatchSize)
	l.mu.Unlock()

	if err := l.write(batch); err != nil {
		l.logger.Printf("Failed to write audit batch of %d: %v", len(batch), err)
	}
}

const auditInsert = `
	INSERT INTO audit_entries (
		id, request_id, timestamp, firm_id, tier, mode, query_hash,
		query_sample, domain, sub_domain, complexity, confidence,
		backend, model, routing_reason, profile, attempts,
		compliance_status, human_review, cached, tokens_used,
		latency_ms, error_message
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		$14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`

func (l *AuditLogger) write(entries []*AuditEntry) error {
	return l.breaker.Execute(context.Background(), func(ctx context.Context) error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, l.rebind(auditInsert))
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, entry := range entries {
			attemptsJSON, _ := json.Marshal(entry.Attempts)

			if _, err := stmt.ExecContext(ctx,
				entry.ID,
				entry.RequestID,
				entry.Timestamp,
				entry.FirmID,
				string(entry.Tier),
				string(entry.Mode),
				entry.QueryHash,
				entry.QuerySample,
				string(entry.Domain),
				entry.SubDomain,
				string(entry.Complexity),
				entry.Confidence,
				string(entry.Backend),
				entry.Model,
				entry.RoutingReason,
				entry.Profile,
				attemptsJSON,
				entry.ComplianceStatus,
				entry.HumanReview,
				entry.Cached,
				entry.TokensUsed,
				entry.LatencyMs,
				entry.ErrorMessage,
			); err != nil {
				l.logger.Printf("Failed to insert audit entry %s: %v", entry.ID, err)
			}
		}

		return tx.Commit()
	})
}

// SearchCriteria filters audit queries.
type SearchCriteria struct {
	FirmID    string
	Domain    classify.Domain
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Search returns matching audit entries, newest first.
func (l *AuditLogger) Search(ctx context.Context, criteria SearchCriteria) ([]*AuditEntry, error) {
	query := `
		SELECT id, request_id, timestamp, firm_id, tier, mode, query_hash,
			   query_sample, domain, complexity, backend, model,
			   compliance_status, human_review, cached, tokens_used,
			   latency_ms, error_message
		FROM audit_entries
		WHERE 1=1`

	var args []interface{}
	n := 0
	next := func() string {
		n++
		return fmt.Sprintf("$%d", n)
	}

	if criteria.FirmID != "" {
		query += " AND firm_id = " + next()
		args = append(args, criteria.FirmID)
	}
	if criteria.Domain != "" {
		query += " AND domain = " + next()
		args = append(args, string(criteria.Domain))
	}
	if !criteria.StartTime.IsZero() {
		query += " AND timestamp >= " + next()
		args = append(args, criteria.StartTime)
	}
	if !criteria.EndTime.IsZero() {
		query += " AND timestamp <= " + next()
		args = append(args, criteria.EndTime)
	}

	query += " ORDER BY timestamp DESC"
	if criteria.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", criteria.Limit)
	}

	rows, err := l.db.QueryContext(ctx, l.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var tier, mode, domain, complexity, backend string

		if err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.Timestamp,
			&entry.FirmID,
			&tier,
			&mode,
			&entry.QueryHash,
			&entry.QuerySample,
			&domain,
			&complexity,
			&backend,
			&entry.Model,
			&entry.ComplianceStatus,
			&entry.HumanReview,
			&entry.Cached,
			&entry.TokensUsed,
			&entry.LatencyMs,
			&entry.ErrorMessage,
		); err != nil {
			l.logger.Printf("Error scanning audit entry: %v", err)
			continue
		}

		entry.Tier = types.Tier(tier)
		entry.Mode = types.Mode(mode)
		entry.Domain = classify.Domain(domain)
		entry.Complexity = classify.Complexity(complexity)
		entry.Backend = types.Backend(backend)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// ReviewQueue returns entries flagged for human review.
func (l *AuditLogger) ReviewQueue(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT id, request_id, timestamp, firm_id, tier, mode, query_hash,
			   query_sample, domain, complexity, backend, model,
			   compliance_status, human_review, cached, tokens_used,
			   latency_ms, error_message
		FROM audit_entries
		WHERE human_review = %s
		ORDER BY timestamp DESC
		LIMIT %d`, l.boolLiteral(true), limit)

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var tier, mode, domain, complexity, backend string
		if err := rows.Scan(
			&entry.ID, &entry.RequestID, &entry.Timestamp, &entry.FirmID,
			&tier, &mode, &entry.QueryHash, &entry.QuerySample,
			&domain, &complexity, &backend, &entry.Model,
			&entry.ComplianceStatus, &entry.HumanReview, &entry.Cached,
			&entry.TokensUsed, &entry.LatencyMs, &entry.ErrorMessage,
		); err != nil {
			l.logger.Printf("Error scanning audit entry: %v", err)
			continue
		}
		entry.Tier = types.Tier(tier)
		entry.Mode = types.Mode(mode)
		entry.Domain = classify.Domain(domain)
		entry.Complexity = classify.Complexity(complexity)
		entry.Backend = types.Backend(backend)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// rebind converts $n placeholders to ? for the mysql driver.
func (l *AuditLogger) rebind(query string) string {
	if l.driver != "mysql" {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' {
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			if j > i+1 {
				b.WriteByte('?')
				i = j - 1
				continue
			}
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (l *AuditLogger) boolLiteral(v bool) string {
	if l.driver == "mysql" {
		if v {
			return "1"
		}
		return "0"
	}
	if v {
		return "TRUE"
	}
	return "FALSE"
}

func (l *AuditLogger) createTables() error {
	textType := "TEXT"
	jsonType := "JSONB"
	if l.driver == "mysql" {
		jsonType = "JSON"
	}

	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS audit_entries (
		id VARCHAR(64) PRIMARY KEY,
		request_id VARCHAR(64) NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		firm_id VARCHAR(128) NOT NULL,
		tier VARCHAR(32) NOT NULL,
		mode VARCHAR(32) NOT NULL,
		query_hash VARCHAR(64) NOT NULL,
		query_sample %s,
		domain VARCHAR(64) NOT NULL,
		sub_domain VARCHAR(64),
		complexity VARCHAR(32),
		confidence DECIMAL(4, 2),
		backend VARCHAR(32),
		model VARCHAR(128),
		routing_reason %s,
		profile VARCHAR(32),
		attempts %s,
		compliance_status VARCHAR(32),
		human_review BOOLEAN NOT NULL DEFAULT FALSE,
		cached BOOLEAN NOT NULL DEFAULT FALSE,
		tokens_used INTEGER,
		latency_ms BIGINT,
		error_message %s
	)`, textType, textType, jsonType, textType)

	if _, err := l.db.Exec(query); err != nil {
		return err
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_audit_entries_firm_id ON audit_entries(firm_id)",
		"CREATE INDEX IF NOT EXISTS idx_audit_entries_domain ON audit_entries(domain)",
		"CREATE INDEX IF NOT EXISTS idx_audit_entries_human_review ON audit_entries(human_review)",
	}
	if l.driver == "mysql" {
		// MySQL has no IF NOT EXISTS for indexes; duplicate-index errors
		// on restart are harmless.
		indexes = []string{
			"CREATE INDEX idx_audit_entries_timestamp ON audit_entries(timestamp)",
			"CREATE INDEX idx_audit_entries_firm_id ON audit_entries(firm_id)",
			"CREATE INDEX idx_audit_entries_domain ON audit_entries(domain)",
			"CREATE INDEX idx_audit_entries_human_review ON audit_entries(human_review)",
		}
	}
	for _, idx := range indexes {
		if _, err := l.db.Exec(idx); err != nil {
			l.logger.Printf("Index creation skipped: %v", err)
		}
	}
	return nil
}
