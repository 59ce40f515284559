package biz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"Breakwater/internal/conf"
	"Breakwater/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// UnitOfWork is the caller-supplied callable protected by Execute.
type UnitOfWork func(ctx context.Context) error

// UnderlyingCallError wraps a failure of the protected unit of work. The
// failure has already been recorded against the breaker when it is returned.
type UnderlyingCallError struct {
	Dependency string
	Err        error
}

// Error implements the error interface.
func (e *UnderlyingCallError) Error() string {
	return fmt.Sprintf("call to dependency %s failed: %v", e.Dependency, e.Err)
}

// Unwrap exposes the underlying failure for errors.Is/As.
func (e *UnderlyingCallError) Unwrap() error {
	return e.Err
}

// DependencyConfig is a per-dependency override of the default breaker and
// bulkhead settings.
type DependencyConfig struct {
	Breaker  BreakerConfig
	Bulkhead BulkheadConfig
}

// pair is one breaker+bulkhead unit owned by the manager.
type pair struct {
	breaker  *CircuitBreaker
	bulkhead *Bulkhead
}

// ResilienceManager is the process-wide registry mapping dependency name to
// its breaker+bulkhead pair, created lazily on first lookup. Execute is the
// hot path; it performs no I/O.
type ResilienceManager struct {
	defaults DependencyConfig

	mu      sync.RWMutex
	pairs   map[string]*pair
	configs map[string]DependencyConfig

	hookMu       sync.RWMutex
	onTransition func(model.TransitionEvent)

	transitions TransitionLogger
	logger      *log.Helper
}

// NewResilienceManager creates a manager with defaults taken from
// configuration. Per-dependency overrides are added through Register.
func NewResilienceManager(c *conf.Resilience, transitions TransitionLogger, logger log.Logger) *ResilienceManager {
	defaults := DependencyConfig{}
	if c != nil && c.Breaker != nil {
		defaults.Breaker = BreakerConfig{
			WindowSize:       int(c.Breaker.WindowSize),
			MinVolume:        int(c.Breaker.MinVolume),
			FailureThreshold: c.Breaker.FailureThreshold,
			OpenDuration:     c.Breaker.OpenDuration.AsDuration(),
			ProbeCount:       int(c.Breaker.ProbeCount),
		}
	}
	if c != nil && c.Bulkhead != nil {
		defaults.Bulkhead = BulkheadConfig{
			MaxConcurrency: int(c.Bulkhead.MaxConcurrency),
			MaxQueue:       int(c.Bulkhead.MaxQueue),
			QueueWait:      c.Bulkhead.QueueWait.AsDuration(),
		}
	}
	if c != nil && c.Sync != nil {
		defaults.Breaker.PreferOpenOnTie = c.Sync.PreferOpenOnTie
	}

	return &ResilienceManager{
		defaults:    defaults,
		pairs:       make(map[string]*pair),
		configs:     make(map[string]DependencyConfig),
		transitions: transitions,
		logger:      log.NewHelper(logger),
	}
}

// Register installs an explicit configuration for a dependency. It must be
// called before the first Execute for that name; a registration after the
// pair exists is ignored with a warning.
func (m *ResilienceManager) Register(name string, cfg DependencyConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pairs[name]; exists {
		m.logger.Warnw("dependency already instantiated, configuration ignored", "dependency", name)
		return
	}
	// The tie-break bias is a fleet-wide protocol setting, not a
	// per-dependency knob.
	cfg.Breaker.PreferOpenOnTie = m.defaults.Breaker.PreferOpenOnTie
	m.configs[name] = cfg
}

// OnTransition registers the sink notified of every breaker transition
// (used by the state syncer). The sink runs on the reporting goroutine and
// must hand off work instead of blocking.
func (m *ResilienceManager) OnTransition(fn func(model.TransitionEvent)) {
	m.hookMu.Lock()
	m.onTransition = fn
	m.hookMu.Unlock()
}

// Execute runs the unit of work for a dependency behind its bulkhead and
// circuit breaker. Admission-layer rejections (*BulkheadFullError,
// *BulkheadTimeoutError, *CircuitOpenError, ctx.Err) are returned without
// invoking the work; work failures are recorded and wrapped in
// *UnderlyingCallError. A panic in the work is recorded as a failure and
// re-raised, so a panicking half-open probe reopens the breaker instead of
// leaking its probe slot.
func (m *ResilienceManager) Execute(ctx context.Context, name string, work UnitOfWork) error {
	p := m.pair(name)

	if err := p.bulkhead.Acquire(ctx); err != nil {
		return err
	}
	defer p.bulkhead.Release()

	gen, err := p.breaker.Allow()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			p.breaker.ReportFailure(gen)
			panic(r)
		}
	}()

	if err := work(ctx); err != nil {
		p.breaker.ReportFailure(gen)
		return &UnderlyingCallError{Dependency: name, Err: err}
	}
	p.breaker.ReportSuccess(gen)
	return nil
}

// Reset returns a dependency's breaker to Closed. Unknown names are a no-op.
func (m *ResilienceManager) Reset(name string) {
	m.mu.RLock()
	p := m.pairs[name]
	m.mu.RUnlock()
	if p == nil {
		return
	}
	p.breaker.Reset()
	m.logger.Infow("circuit breaker reset", "dependency", name)
}

// ForceOpen applies a peer-observed open state to a dependency's breaker.
// Returns false for unknown dependencies or stale remote timestamps.
func (m *ResilienceManager) ForceOpen(name string, remoteAt time.Time, failureCount int) bool {
	m.mu.RLock()
	p := m.pairs[name]
	m.mu.RUnlock()
	if p == nil {
		return false
	}
	return p.breaker.ForceOpen(remoteAt, failureCount)
}

// Names returns the registered dependency names in sorted order.
func (m *ResilienceManager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.pairs))
	for name := range m.pairs {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// StatsFor returns the breaker snapshot for one dependency.
func (m *ResilienceManager) StatsFor(name string) (model.BreakerStats, bool) {
	m.mu.RLock()
	p := m.pairs[name]
	m.mu.RUnlock()
	if p == nil {
		return model.BreakerStats{}, false
	}
	return p.breaker.Stats(), true
}

// GetAllStats returns breaker snapshots for every registered dependency,
// ordered by name. Diagnostics only; never used for control decisions.
func (m *ResilienceManager) GetAllStats() []model.BreakerStats {
	names := m.Names()
	stats := make([]model.BreakerStats, 0, len(names))
	for _, name := range names {
		if s, ok := m.StatsFor(name); ok {
			stats = append(stats, s)
		}
	}
	return stats
}

// GetAllBulkheadStats returns bulkhead snapshots for every registered
// dependency, ordered by name.
func (m *ResilienceManager) GetAllBulkheadStats() []model.BulkheadStats {
	names := m.Names()
	stats := make([]model.BulkheadStats, 0, len(names))
	for _, name := range names {
		m.mu.RLock()
		p := m.pairs[name]
		m.mu.RUnlock()
		if p != nil {
			stats = append(stats, p.bulkhead.Stats())
		}
	}
	return stats
}

// pair returns the breaker+bulkhead pair for a dependency, creating it
// lazily from the registered or default configuration.
func (m *ResilienceManager) pair(name string) *pair {
	m.mu.RLock()
	p := m.pairs[name]
	m.mu.RUnlock()
	if p != nil {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p = m.pairs[name]; p != nil {
		return p
	}

	cfg, ok := m.configs[name]
	if !ok {
		cfg = m.defaults
	}
	p = &pair{
		breaker:  NewCircuitBreaker(name, cfg.Breaker),
		bulkhead: NewBulkhead(name, cfg.Bulkhead),
	}
	p.breaker.OnTransition(m.handleTransition)
	m.pairs[name] = p
	m.logger.Debugw("dependency registered", "dependency", name)
	return p
}

// handleTransition fans a breaker transition out to the log, the audit sink
// and the sync hook.
func (m *ResilienceManager) handleTransition(ev model.TransitionEvent) {
	m.logger.Infow("circuit breaker transition",
		"dependency", ev.Dependency,
		"from", ev.FromState,
		"to", ev.ToState,
		"failure_count", ev.FailureCount,
		"remote", ev.Remote)

	if m.transitions != nil {
		m.transitions.LogTransition(context.Background(), &ev)
	}

	m.hookMu.RLock()
	fn := m.onTransition
	m.hookMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}
