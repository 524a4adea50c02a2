// Package store defines the aggregate persistence interface. Each
// subsystem (lease, task) defines its own store interface; the composite
// Store composes them all. Backends: Postgres, SQL Server, Redis, Mongo,
// and Memory.
//
// Every backend must provide atomic single-row compare-and-swap with the
// expiry comparison evaluated against the backend's own clock, so that
// skewed worker clocks cannot produce split-brain ownership.
package store

import (
	"context"

	"github.com/StratusCode/paralyze/lease"
	"github.com/StratusCode/paralyze/task"
)

// Store is the aggregate persistence interface. A single backend
// implements all subsystem stores.
type Store interface {
	lease.Store
	task.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backing store connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
