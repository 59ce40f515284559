package biz

import (
	"fmt"
	"sync"
	"time"

	"Breakwater/internal/model"
)

// State is the circuit breaker state.
type State int32

const (
	// StateClosed admits every call and tracks outcomes.
	StateClosed State = iota
	// StateOpen rejects every call until the open duration elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen
)

// String returns the wire representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return model.StateClosed
	case StateOpen:
		return model.StateOpen
	case StateHalfOpen:
		return model.StateHalfOpen
	default:
		return "unknown"
	}
}

// BreakerConfig holds the thresholds of one circuit breaker.
type BreakerConfig struct {
	// WindowSize is the number of most recent outcomes in the rolling window.
	WindowSize int
	// MinVolume is the minimum number of samples before the breaker may trip.
	MinVolume int
	// FailureThreshold is the failure rate (0.0-1.0] that trips the breaker.
	FailureThreshold float64
	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration time.Duration
	// ProbeCount is the number of half-open probes that must all succeed.
	ProbeCount int
	// PreferOpenOnTie accepts a remote open record whose timestamp equals
	// the local transition time (fail-safe bias).
	PreferOpenOnTie bool
}

// withDefaults fills zero fields with conservative defaults.
func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.WindowSize <= 0 {
		c.WindowSize = 20
	}
	if c.MinVolume <= 0 {
		c.MinVolume = 10
	}
	if c.WindowSize < c.MinVolume {
		c.WindowSize = c.MinVolume
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		c.FailureThreshold = 0.5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.ProbeCount <= 0 {
		c.ProbeCount = 3
	}
	return c
}

// CircuitOpenError is returned when a call is rejected because the breaker
// is open. RetryAfter is the time remaining until probe eligibility (zero
// when the half-open probe quota is exhausted).
type CircuitOpenError struct {
	Dependency string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open: dependency=%s retry_after=%s", e.Dependency, e.RetryAfter)
}

// CircuitBreaker is the per-dependency admission state machine. All methods
// are safe for concurrent use; every critical section is O(1).
//
// The breaker is purely local: it never performs I/O. Cross-replica
// synchronization happens through the transition callback and ForceOpen.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu sync.Mutex
	// window is a ring of recent outcomes, true = failure.
	window         []bool
	windowPos      int
	windowLen      int
	windowFailures int

	state State
	// generation increments on every transition; outcome reports carry the
	// generation of their admission so late completions from a previous
	// state cannot pollute the current window or probe counters.
	generation     uint64
	probeInFlight  int
	probeSuccesses int
	lastTransition time.Time

	onTransition func(model.TransitionEvent)
}

// NewCircuitBreaker creates a breaker for the named dependency in the
// Closed state.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		name:           name,
		cfg:            cfg,
		window:         make([]bool, cfg.WindowSize),
		state:          StateClosed,
		lastTransition: time.Now(),
	}
}

// OnTransition registers the callback fired after every state transition.
// The callback runs outside the breaker lock and must not block.
func (b *CircuitBreaker) OnTransition(fn func(model.TransitionEvent)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow decides whether a call may proceed. In Open it returns
// *CircuitOpenError until the open duration has elapsed, then lazily
// transitions to HalfOpen and admits the call as a probe. Over-quota
// half-open calls are rejected without touching the failure window.
//
// The returned generation must be handed back to ReportSuccess or
// ReportFailure; reports from a generation older than the current state are
// ignored, so calls admitted before a transition cannot count as probes or
// reopen the breaker.
func (b *CircuitBreaker) Allow() (uint64, error) {
	b.mu.Lock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		gen := b.generation
		b.mu.Unlock()
		return gen, nil

	case StateOpen:
		remaining := b.cfg.OpenDuration - now.Sub(b.lastTransition)
		if remaining > 0 {
			b.mu.Unlock()
			return 0, &CircuitOpenError{Dependency: b.name, RetryAfter: remaining}
		}
		// Open duration elapsed: this call becomes the first probe.
		ev := b.transitionLocked(StateHalfOpen, now, false)
		b.probeInFlight = 1
		gen := b.generation
		b.mu.Unlock()
		b.fire(ev)
		return gen, nil

	case StateHalfOpen:
		if b.probeInFlight+b.probeSuccesses >= b.cfg.ProbeCount {
			b.mu.Unlock()
			return 0, &CircuitOpenError{Dependency: b.name}
		}
		b.probeInFlight++
		gen := b.generation
		b.mu.Unlock()
		return gen, nil
	}

	gen := b.generation
	b.mu.Unlock()
	return gen, nil
}

// ReportSuccess records a successful call outcome. Reports from a stale
// generation (admitted before the last transition) are dropped.
func (b *CircuitBreaker) ReportSuccess(gen uint64) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}

	switch b.state {
	case StateClosed:
		b.recordLocked(false)
		// The rate may still sit above the threshold after a success once
		// the window reaches minimum volume, so the trip check runs on
		// every outcome, not only on failures.
		if b.windowLen >= b.cfg.MinVolume && b.failureRateLocked() >= b.cfg.FailureThreshold {
			ev := b.transitionLocked(StateOpen, time.Now(), false)
			b.mu.Unlock()
			b.fire(ev)
			return
		}

	case StateHalfOpen:
		// A matching generation means this really was a probe admission.
		b.probeInFlight--
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.ProbeCount {
			ev := b.transitionLocked(StateClosed, time.Now(), false)
			b.mu.Unlock()
			b.fire(ev)
			return
		}
	}

	b.mu.Unlock()
}

// ReportFailure records a failed call outcome. In HalfOpen a single probe
// failure reopens the breaker and restarts the open-duration clock. Reports
// from a stale generation are dropped.
func (b *CircuitBreaker) ReportFailure(gen uint64) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}

	switch b.state {
	case StateClosed:
		b.recordLocked(true)
		if b.windowLen >= b.cfg.MinVolume && b.failureRateLocked() >= b.cfg.FailureThreshold {
			ev := b.transitionLocked(StateOpen, time.Now(), false)
			b.mu.Unlock()
			b.fire(ev)
			return
		}

	case StateHalfOpen:
		ev := b.transitionLocked(StateOpen, time.Now(), false)
		b.mu.Unlock()
		b.fire(ev)
		return
	}

	b.mu.Unlock()
}

// ForceOpen applies a peer-observed open state. It is accepted only when the
// remote transition timestamp is newer than the local one (equal timestamps
// accepted under the open-on-tie bias). Returns true if the breaker opened.
func (b *CircuitBreaker) ForceOpen(remoteAt time.Time, failureCount int) bool {
	b.mu.Lock()

	if b.state == StateOpen {
		b.mu.Unlock()
		return false
	}
	newer := remoteAt.After(b.lastTransition)
	tie := remoteAt.Equal(b.lastTransition) && b.cfg.PreferOpenOnTie
	if !newer && !tie {
		b.mu.Unlock()
		return false
	}

	ev := b.transitionLocked(StateOpen, remoteAt, true)
	ev.FailureCount = failureCount
	b.mu.Unlock()
	b.fire(ev)
	return true
}

// Reset returns the breaker to Closed and clears all counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	if b.state == StateClosed {
		b.clearWindowLocked()
		b.mu.Unlock()
		return
	}
	ev := b.transitionLocked(StateClosed, time.Now(), false)
	b.mu.Unlock()
	b.fire(ev)
}

// Stats returns an immutable snapshot for diagnostics.
func (b *CircuitBreaker) Stats() model.BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return model.BreakerStats{
		Dependency:       b.name,
		State:            b.state.String(),
		FailureRate:      b.failureRateLocked(),
		FailureCount:     b.windowFailures,
		SampleCount:      b.windowLen,
		LastTransitionAt: b.lastTransition,
	}
}

// recordLocked appends one outcome to the rolling window.
func (b *CircuitBreaker) recordLocked(failure bool) {
	if b.windowLen == len(b.window) {
		// Evict the oldest outcome.
		if b.window[b.windowPos] {
			b.windowFailures--
		}
	} else {
		b.windowLen++
	}
	b.window[b.windowPos] = failure
	if failure {
		b.windowFailures++
	}
	b.windowPos = (b.windowPos + 1) % len(b.window)
}

func (b *CircuitBreaker) failureRateLocked() float64 {
	if b.windowLen == 0 {
		return 0
	}
	return float64(b.windowFailures) / float64(b.windowLen)
}

func (b *CircuitBreaker) clearWindowLocked() {
	b.windowPos = 0
	b.windowLen = 0
	b.windowFailures = 0
}

// transitionLocked moves the state machine and returns the event to fire
// after the lock is released. Counters reset on every transition into
// Closed or Open; probe counters and the generation advance on every
// transition, invalidating outcome reports from calls admitted earlier.
func (b *CircuitBreaker) transitionLocked(to State, at time.Time, remote bool) model.TransitionEvent {
	from := b.state
	b.state = to
	b.lastTransition = at
	b.generation++

	failures := b.windowFailures
	if to == StateClosed || to == StateOpen {
		b.clearWindowLocked()
	}
	b.probeInFlight = 0
	b.probeSuccesses = 0

	return model.TransitionEvent{
		Dependency:   b.name,
		FromState:    from.String(),
		ToState:      to.String(),
		FailureCount: failures,
		Remote:       remote,
		TransitionAt: at,
	}
}

// fire invokes the transition callback outside the lock.
func (b *CircuitBreaker) fire(ev model.TransitionEvent) {
	b.mu.Lock()
	fn := b.onTransition
	b.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
