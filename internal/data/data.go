// Package data provides data access layer implementations.
// It handles the shared-state Redis store and the optional MySQL audit sink.
package data

import (
	"github.com/google/wire"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewRedisClient,
	NewMySQLClient,
)
