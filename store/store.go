package store

import (
	"context"

	"github.com/workmesh/escrow/event"
	"github.com/workmesh/escrow/job"
	"github.com/workmesh/escrow/reward"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (postgres, bun, redis, memory) implements all of them.
type Store interface {
	job.Store
	reward.Store
	event.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
