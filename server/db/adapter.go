// Package adapter contains the interfaces to be implemented by the database adapter
package adapter

import (
	"context"
	"encoding/json"

	t "github.com/tinode/livesync/server/store/types"
)

// Collection is a CRUD delegate for one named collection of entities. Every entity is
// keyed by its unique "id" field. Where filters are conjunctions of equality matches on
// top-level fields.
type Collection interface {
	// FindUnique returns a single entity matching the filter, optionally limited to the
	// selected fields. Returns t.ErrNotFound if nothing matches.
	FindUnique(ctx context.Context, where map[string]any, sel []string) (t.Entity, error)
	// FindMany returns entities matching the query.
	FindMany(ctx context.Context, query *t.Query) ([]t.Entity, error)
	// Create saves a new entity. The entity must have an id. Returns t.ErrDuplicate if the
	// id is already taken.
	Create(ctx context.Context, data t.Entity) (t.Entity, error)
	// Update applies a shallow patch to the single entity matching the filter and returns
	// the updated entity. Returns t.ErrNotFound if nothing matches.
	Update(ctx context.Context, where map[string]any, data map[string]any) (t.Entity, error)
	// Delete removes the single entity matching the filter. Returns t.ErrNotFound if nothing matches.
	Delete(ctx context.Context, where map[string]any) error
	// Count returns the number of entities matching the filter.
	Count(ctx context.Context, where map[string]any) (int, error)
}

// Adapter is the interface that must be implemented by a database
// adapter. The current schema supports a single connection by database type.
type Adapter interface {
	// General

	// Open and configure the adapter
	Open(config json.RawMessage) error
	// Close the adapter
	Close() error
	// IsOpen checks if the adapter is ready for use
	IsOpen() bool
	// GetName returns the name of the adapter
	GetName() string
	// SetMaxResults configures how many results can be returned in a single DB call.
	SetMaxResults(val int) error
	// CreateDb creates the database and the named collections optionally dropping an existing database first.
	CreateDb(collections []string, reset bool) error
	// Stats returns DB connection stats object.
	Stats() any

	// Collection returns a delegate for the named collection.
	Collection(name string) Collection
}
