package gate

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines the limits for a single scope.
type Config struct {
	// MaxConcurrent limits how many jobs from this scope may run
	// simultaneously. Zero means no concurrency limit.
	MaxConcurrent int

	// Rate is the maximum sustained acquires per second. Zero disables
	// rate smoothing.
	Rate float64

	// Burst is the burst size for the token-bucket smoother.
	// Defaults to 1 if Rate is set but Burst is zero.
	Burst int
}

// DefaultConfig is applied to scopes without an explicit limit: one job
// at a time, no rate smoothing. Work within a scope stays serialized
// unless an operator widens it.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 1}
}

// scopeState tracks runtime state for a single scope.
type scopeState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

func newScopeState(cfg Config) *scopeState {
	st := &scopeState{config: cfg}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		st.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return st
}

// Manager controls per-scope concurrency and rate limits.
// It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	scopes map[string]*scopeState
	def    Config
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefault overrides the config applied to scopes that have no
// explicit limit.
func WithDefault(cfg Config) Option {
	return func(m *Manager) { m.def = cfg }
}

// NewManager creates a Manager. Scopes are materialized lazily on first
// acquire with the default config.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		scopes: make(map[string]*scopeState),
		def:    DefaultConfig(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire checks the scope's rate and concurrency limits. If the job may
// proceed it increments the active counter and returns true; the caller
// MUST call Release when the job finishes. The empty scope is never
// gated.
func (m *Manager) Acquire(scope string) bool {
	if scope == "" {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.scopes[scope]
	if st == nil {
		st = newScopeState(m.def)
		m.scopes[scope] = st
	}

	if st.limiter != nil && !st.limiter.Allow() {
		return false
	}
	if st.config.MaxConcurrent > 0 && st.active >= st.config.MaxConcurrent {
		return false
	}

	st.active++
	return true
}

// Release decrements the active count for the scope.
func (m *Manager) Release(scope string) {
	if scope == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if st := m.scopes[scope]; st != nil && st.active > 0 {
		st.active--
	}
}

// SetLimit dynamically updates (or creates) a scope's config.
func (m *Manager) SetLimit(scope string, cfg Config) {
	if scope == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.scopes[scope]
	st := newScopeState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		st.active = existing.active
	}
	m.scopes[scope] = st
}

// ActiveCount returns the current number of active jobs for a scope.
func (m *Manager) ActiveCount(scope string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.scopes[scope]; st != nil {
		return st.active
	}
	return 0
}
