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

package llm

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"fiscalia/platform/shared/types"
)

// Registry maps each logical backend to its provider instance.
// It is thread-safe for concurrent access and is constructed once at
// startup; there is no process-wide singleton.
type Registry struct {
	providers map[types.Backend]Provider
	logger    *log.Logger
	mu        sync.RWMutex
}

// RegistryOption configures the registry during creation.
type RegistryOption func(*Registry)

// WithRegistryLogger sets a custom logger for the registry.
func WithRegistryLogger(logger *log.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a new backend registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		providers: make(map[types.Backend]Provider),
		logger:    log.New(os.Stdout, "[LLM_REGISTRY] ", log.LstdFlags),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register binds a provider instance to a backend.
// Registering the same backend twice is an error.
func (r *Registry) Register(backend types.Backend, provider Provider) error {
	if provider == nil {
		return &RegistryError{Backend: backend, Code: ErrRegistryInvalidConfig, Message: "provider cannot be nil"}
	}
	if !backend.IsValid() {
		return &RegistryError{Backend: backend, Code: ErrRegistryInvalidConfig, Message: fmt.Sprintf("unknown backend %q", backend)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[backend]; exists {
		return &RegistryError{
			Backend: backend,
			Code:    ErrRegistryDuplicate,
			Message: fmt.Sprintf("backend %q already registered", backend),
		}
	}

	r.providers[backend] = provider
	r.logger.Printf("Registered backend %s -> provider %s (type: %s)", backend, provider.Name(), provider.Type())
	return nil
}

// Get retrieves the provider for a backend.
func (r *Registry) Get(backend types.Backend) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[backend]
	if !exists {
		return nil, &RegistryError{
			Backend: backend,
			Code:    ErrRegistryNotFound,
			Message: fmt.Sprintf("no provider registered for backend %q", backend),
		}
	}
	return provider, nil
}

// Has returns true if a provider is registered for the backend.
func (r *Registry) Has(backend types.Backend) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.providers[backend]
	return exists
}

// List returns all registered backends in sorted order.
func (r *Registry) List() []types.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backends := make([]types.Backend, 0, len(r.providers))
	for b := range r.providers {
		backends = append(backends, b)
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i] < backends[j] })
	return backends
}

// Count returns the number of registered backends.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Close clears the registry. Providers manage their own lifecycle.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[types.Backend]Provider)
	return nil
}

// Registry error codes.
const (
	// ErrRegistryNotFound indicates no provider is bound to the backend.
	ErrRegistryNotFound = "registry_not_found"

	// ErrRegistryDuplicate indicates the backend is already bound.
	ErrRegistryDuplicate = "registry_duplicate"

	// ErrRegistryInvalidConfig indicates an invalid registration.
	ErrRegistryInvalidConfig = "registry_invalid_config"
)

// RegistryError represents an error from registry operations.
type RegistryError struct {
	Backend types.Backend
	Code    string
	Message string
}

// Error implements the error interface.
func (e *RegistryError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("registry error for %q: %s", e.Backend, e.Message)
	}
	return fmt.Sprintf("registry error: %s", e.Message)
}
