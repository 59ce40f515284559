// Package model contains shared domain types used across layers.
package model

import "time"

// Breaker state wire values shared between the local state machine and the
// record stored in Redis.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// BreakerRecord is the per-dependency record persisted in the shared store.
// All replicas read and write this layout; LastTransitionAt (unix
// milliseconds) is the version used for set-if-newer conflict resolution.
type BreakerRecord struct {
	State            string `json:"state"`
	FailureCount     int    `json:"failureCount"`
	LastTransitionAt int64  `json:"lastTransitionAt"`
	InstanceID       string `json:"instanceId"`
	TTLSeconds       int    `json:"ttlSeconds"`
}

// BreakerStats is an immutable diagnostics snapshot of one circuit breaker.
// Produced on demand, never stored.
type BreakerStats struct {
	Dependency       string    `json:"dependency"`
	State            string    `json:"state"`
	FailureRate      float64   `json:"failureRate"`
	FailureCount     int       `json:"failureCount"`
	SampleCount      int       `json:"sampleCount"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
}

// BulkheadStats is an immutable diagnostics snapshot of one bulkhead.
type BulkheadStats struct {
	Resource       string  `json:"resource"`
	MaxConcurrency int     `json:"maxConcurrency"`
	MaxQueue       int     `json:"maxQueue"`
	InFlight       int     `json:"inFlight"`
	Queued         int     `json:"queued"`
	Utilization    float64 `json:"utilization"`
}

// TransitionEvent describes one breaker state transition. Remote marks
// transitions applied from a peer's shared-store record rather than from
// locally observed outcomes.
type TransitionEvent struct {
	Dependency   string
	FromState    string
	ToState      string
	FailureCount int
	Remote       bool
	TransitionAt time.Time
}
