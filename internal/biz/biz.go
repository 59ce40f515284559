// Package biz contains business logic layer implementations.
// This layer holds the resilience core: circuit breaker, bulkhead,
// manager and the distributed state syncer.
package biz

import (
	"Breakwater/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewResilienceManager,
	NewStateSyncer,
	// Import data layer providers
	data.NewStateStore,
	data.NewTransitionLog,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(StateStore), new(*data.RedisStateStore)),
	wire.Bind(new(TransitionLogger), new(*data.TransitionLog)),
)
