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

// Package resilience provides circuit breakers around the call targets the
// orchestrator depends on: completion backends, databases, and external
// APIs. A breaker fast-fails calls to a target whose recent error rate
// crossed its threshold, so a degraded backend cannot drag every request
// through its timeout.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// State is the circuit state of a breaker.
type State int

const (
	// StateClosed lets all calls through.
	StateClosed State = iota

	// StateOpen fast-fails every call until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets exactly one probe call through.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker for its target class.
type Config struct {
	// CallTimeout is the hard per-call deadline. Zero disables it.
	CallTimeout time.Duration

	// Window is the rolling window over which the error rate is computed.
	Window time.Duration

	// MinRequests is the minimum number of calls in the window before the
	// error rate can trip the breaker.
	MinRequests int

	// ErrorThreshold is the error percentage (0-100] that opens the circuit.
	ErrorThreshold float64

	// ResetTimeout is how long the circuit stays open before allowing a
	// half-open probe.
	ResetTimeout time.Duration

	// Logger overrides the default stdout logger.
	Logger *log.Logger
}

// Presets per target class. Completion backends get a long call timeout and
// a short reset window because remote model latency is high and transient;
// databases fail fast and are expected to recover quickly.
var (
	AIBackendConfig = Config{
		CallTimeout:    45 * time.Second,
		Window:         60 * time.Second,
		MinRequests:    10,
		ErrorThreshold: 50,
		ResetTimeout:   60 * time.Second,
	}

	DatabaseConfig = Config{
		CallTimeout:    5 * time.Second,
		Window:         60 * time.Second,
		MinRequests:    10,
		ErrorThreshold: 60,
		ResetTimeout:   30 * time.Second,
	}

	ExternalAPIConfig = Config{
		CallTimeout:    10 * time.Second,
		Window:         60 * time.Second,
		MinRequests:    10,
		ErrorThreshold: 50,
		ResetTimeout:   30 * time.Second,
	}
)

type outcome struct {
	at      time.Time
	failure bool
}

// Breaker implements the circuit breaker pattern with a rolling
// error-rate window.
type Breaker struct {
	name   string
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	state    State
	window   []outcome
	openedAt time.Time
	probing  bool

	// now is swappable in tests.
	now func() time.Time
}

// New creates a breaker for the named target with the given config.
func New(name string, cfg Config) *Breaker {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 10
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 50
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[BREAKER] ", log.LstdFlags)
	}

	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs fn through the breaker. When the circuit is open it returns
// a *BreakerOpenError without invoking fn, so callers can distinguish
// "never attempted" from "attempted and failed". The call runs under the
// breaker's call timeout; a timeout counts as a target failure, but
// cancellation of the parent context does not.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err := fn(callCtx)

	// The caller walking away is not evidence about the target.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.abandonProbe()
		return err
	}

	b.record(err != nil)
	return err
}

// admit decides whether a call may proceed, transitioning open circuits to
// half-open when the reset timeout has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.ResetTimeout {
			return &BreakerOpenError{Name: b.name, RetryAt: b.openedAt.Add(b.cfg.ResetTimeout)}
		}
		b.state = StateHalfOpen
		b.probing = true
		b.logger.Printf("Circuit %s half-open, probing", b.name)
		return nil
	case StateHalfOpen:
		if b.probing {
			return &BreakerOpenError{Name: b.name, RetryAt: b.openedAt.Add(b.cfg.ResetTimeout)}
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// record folds one call outcome into the window and runs transitions.
func (b *Breaker) record(failure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		b.probing = false
		if failure {
			b.state = StateOpen
			b.openedAt = now
			b.logger.Printf("Circuit %s probe failed, reopening", b.name)
		} else {
			b.state = StateClosed
			b.window = nil
			b.logger.Printf("Circuit %s probe succeeded, closing", b.name)
		}
		return
	}

	b.window = append(b.window, outcome{at: now, failure: failure})
	b.prune(now)

	total, failures := b.tally()
	if total < b.cfg.MinRequests {
		return
	}
	rate := float64(failures) / float64(total) * 100
	if rate >= b.cfg.ErrorThreshold {
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
		b.logger.Printf("Circuit %s opened: %d/%d calls failed (%.0f%%)", b.name, failures, total, rate)
	}
}

// abandonProbe releases a half-open probe slot without judging the target.
func (b *Breaker) abandonProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

func (b *Breaker) tally() (total, failures int) {
	for _, o := range b.window {
		total++
		if o.failure {
			failures++
		}
	}
	return total, failures
}

// Name returns the breaker's target name.
func (b *Breaker) Name() string { return b.name }

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit and clears the window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.window = nil
	b.probing = false
}

// BreakerOpenError indicates the target was not attempted because its
// circuit is open.
type BreakerOpenError struct {
	Name    string
	RetryAt time.Time
}

// Error implements the error interface.
func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("target %q unavailable: circuit open", e.Name)
}

// IsOpenError reports whether err is a circuit-open fast-fail.
func IsOpenError(err error) bool {
	var oe *BreakerOpenError
	return errors.As(err, &oe)
}
