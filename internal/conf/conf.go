// Package conf provides configuration management using Viper.
package conf

import "google.golang.org/protobuf/types/known/durationpb"

// Bootstrap is the root configuration for the Breakwater service.
// The structure mirrors the conf schema layout used across our services
// (nested message-style types, durationpb for all durations).
type Bootstrap struct {
	Server     *Server
	Data       *Data
	Resilience *Resilience
	Log        *Log
}

// Server holds transport configuration.
type Server struct {
	Http *Server_HTTP
}

// Server_HTTP configures the diagnostics HTTP server.
type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Data holds external datastore configuration.
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database configures the optional MySQL audit sink.
// An empty Source disables transition persistence.
type Data_Database struct {
	Driver string
	Source string
}

// Data_Redis configures the shared-state Redis store.
type Data_Redis struct {
	Network      string
	Addr         string
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Resilience holds the default circuit breaker, bulkhead and state
// synchronization settings. Per-dependency overrides are registered at
// runtime through the manager.
type Resilience struct {
	Breaker  *Resilience_Breaker
	Bulkhead *Resilience_Bulkhead
	Sync     *Resilience_Sync
}

// Resilience_Breaker configures the default circuit breaker state machine.
type Resilience_Breaker struct {
	// WindowSize is the number of most recent call outcomes kept in the
	// rolling failure window.
	WindowSize int32
	// MinVolume is the minimum number of samples before the failure rate
	// is allowed to trip the breaker.
	MinVolume int32
	// FailureThreshold is the failure rate (0.0-1.0] that trips the
	// breaker once MinVolume is reached.
	FailureThreshold float64
	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration *durationpb.Duration
	// ProbeCount is the number of half-open probe calls that must all
	// succeed before the breaker closes again.
	ProbeCount int32
}

// Resilience_Bulkhead configures the default bulkhead admission controller.
type Resilience_Bulkhead struct {
	MaxConcurrency int32
	MaxQueue       int32
	// QueueWait bounds how long an enqueued call waits for a slot.
	QueueWait *durationpb.Duration
}

// Resilience_Sync configures cross-replica state synchronization.
type Resilience_Sync struct {
	// Interval between reconciliation passes against the shared store.
	Interval *durationpb.Duration
	// OpTimeout bounds every individual shared-store operation.
	OpTimeout *durationpb.Duration
	// RecordTtl is the time-to-live of shared-store records; records not
	// refreshed by any replica within this window expire.
	RecordTtl *durationpb.Duration
	// PreferOpenOnTie resolves equal-timestamp conflicts in favor of the
	// open state (fail-safe bias).
	PreferOpenOnTie bool
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}
