// Package store defines the aggregate persistence interface.
//
// The job queue and the operation log each define their own store
// interface next to their domain types. The composite [Store] composes
// them with lifecycle methods; a single backend implements all of it.
// Backends: Postgres (pgx), Bun, and Memory.
package store

import (
	"context"

	"github.com/emergent-company/pace/job"
	"github.com/emergent-company/pace/oplog"
)

// Store is the aggregate persistence interface.
type Store interface {
	job.Store
	oplog.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
