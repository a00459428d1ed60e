// Package store defines the Capsule Store port (spec §4.2, C2): the
// abstract persistence boundary the rest of Forge depends on. Concrete
// adapters live in store/postgres (production) and store/memory
// (reference/testing). Grounded on the teacher's pkg/database package
// shape — a small port interface backing several concrete repositories —
// generalized here into one interface covering capsules, edges, and
// ancestry/similarity queries.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/forgehq/forge/pkg/capsule"
)

// SimilarCapsule pairs a capsule with its cosine similarity to a query
// embedding, as returned by FindSimilarByEmbedding.
type SimilarCapsule struct {
	Capsule    *capsule.Capsule
	Similarity float64
}

// Store is the Capsule Store port. All query execution receives
// parameterized input; no implementation may build query strings by
// concatenating caller-supplied values (spec §4.2).
type Store interface {
	// CreateCapsule persists a new capsule. Returns ferrors.KindStoreConflict
	// if a capsule with the same id already exists.
	CreateCapsule(ctx context.Context, c *capsule.Capsule) error

	// UpdateCapsule persists changes to an existing capsule, storing
	// c.Version as given; the Store does not increment it. Returns
	// ferrors.KindStoreNotFound if no such capsule exists.
	UpdateCapsule(ctx context.Context, c *capsule.Capsule) error

	// DeleteCapsule removes a capsule by id.
	DeleteCapsule(ctx context.Context, id uuid.UUID) error

	// FindByID retrieves a single capsule by id.
	FindByID(ctx context.Context, id uuid.UUID) (*capsule.Capsule, error)

	// FindSimilarByEmbedding returns up to k capsules whose embedding has
	// cosine similarity >= minSim to vec, ordered by similarity descending.
	FindSimilarByEmbedding(ctx context.Context, vec []float32, k int, minSim float64) ([]SimilarCapsule, error)

	// CreateEdge persists a new semantic edge between two capsules.
	CreateEdge(ctx context.Context, e *capsule.Edge) error

	// EdgesForCapsule returns every edge touching id, in either direction.
	EdgesForCapsule(ctx context.Context, id uuid.UUID) ([]*capsule.Edge, error)

	// Ancestors walks parent_ids up to maxDepth hops, returning the
	// ancestor chain closest-first.
	Ancestors(ctx context.Context, id uuid.UUID, maxDepth int) ([]*capsule.Capsule, error)

	// ListByPartition streams capsules owned by partitionID. The returned
	// channel is closed when iteration completes or ctx is cancelled; a
	// non-nil error is sent as the final value read from errc.
	ListByPartition(ctx context.Context, partitionID string) (<-chan *capsule.Capsule, <-chan error)

	// WithTx runs fn inside a transaction; the Store passed to fn shares
	// the transaction and must be used for every call within fn. Nothing
	// in this repository calls it; the cascade pipeline persists chains
	// through its own cascade.ChainStore, outside any Store transaction.
	WithTx(ctx context.Context, fn func(txStore Store) error) error

	// Close releases underlying resources (connections, file handles).
	Close() error
}
