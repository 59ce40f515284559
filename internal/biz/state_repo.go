package biz

import (
	"context"
	"time"

	"Breakwater/internal/model"
)

// StateStore is the shared-store contract used by the state syncer.
// Implementations live in the data layer (Redis) and in test doubles.
// Failures are signals, not fatal: callers degrade to local-only operation.
type StateStore interface {
	// GetBreakerRecord reads the record for a dependency.
	// Returns (nil, nil) when no record exists.
	GetBreakerRecord(ctx context.Context, dependency string) (*model.BreakerRecord, error)

	// SetBreakerRecordIfNewer writes the record only when its
	// LastTransitionAt is newer than the stored one (equal timestamps
	// resolved by the store's open-on-tie bias). The record expires after
	// ttl unless refreshed. Returns whether the write was applied.
	SetBreakerRecordIfNewer(ctx context.Context, dependency string, rec *model.BreakerRecord, ttl time.Duration) (bool, error)
}

// TransitionLogger receives breaker transition events for audit purposes.
// Implementations must not block the caller.
type TransitionLogger interface {
	LogTransition(ctx context.Context, ev *model.TransitionEvent)
}
