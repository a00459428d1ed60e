// Package memory is an in-process Capsule Store adapter used for tests and
// single-node development. It implements the same store.Store port as
// store/postgres with no external dependency, mirroring the reference
// in-memory repositories the teacher keeps alongside its Postgres
// implementation for unit tests.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/forgehq/forge/pkg/capsule"
	"github.com/forgehq/forge/pkg/ferrors"
	"github.com/forgehq/forge/pkg/store"
)

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu       sync.RWMutex
	capsules map[uuid.UUID]*capsule.Capsule
	edges    map[uuid.UUID]*capsule.Edge
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		capsules: make(map[uuid.UUID]*capsule.Capsule),
		edges:    make(map[uuid.UUID]*capsule.Edge),
	}
}

// Close is a no-op; there is no external resource to release.
func (s *Store) Close() error { return nil }

// CreateCapsule implements store.Store.
func (s *Store) CreateCapsule(ctx context.Context, c *capsule.Capsule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.capsules[c.ID]; exists {
		return ferrors.New(ferrors.KindStoreConflict, "capsule already exists")
	}
	s.capsules[c.ID] = c.Clone()
	return nil
}

// UpdateCapsule implements store.Store.
func (s *Store) UpdateCapsule(ctx context.Context, c *capsule.Capsule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.capsules[c.ID]; !exists {
		return ferrors.New(ferrors.KindStoreNotFound, "capsule not found")
	}
	s.capsules[c.ID] = c.Clone()
	return nil
}

// DeleteCapsule implements store.Store.
func (s *Store) DeleteCapsule(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.capsules, id)
	return nil
}

// FindByID implements store.Store.
func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*capsule.Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.capsules[id]
	if !ok {
		return nil, ferrors.New(ferrors.KindStoreNotFound, "capsule not found")
	}
	return c.Clone(), nil
}

// FindSimilarByEmbedding implements store.Store via a linear scan, adequate
// for tests and small single-node deployments.
func (s *Store) FindSimilarByEmbedding(ctx context.Context, vec []float32, k int, minSim float64) ([]store.SimilarCapsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.SimilarCapsule
	for _, c := range s.capsules {
		if len(c.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(vec, c.Embedding)
		if sim >= minSim {
			out = append(out, store.SimilarCapsule{Capsule: c.Clone(), Similarity: sim})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// CreateEdge implements store.Store.
func (s *Store) CreateEdge(ctx context.Context, e *capsule.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[e.ID] = e
	return nil
}

// EdgesForCapsule implements store.Store.
func (s *Store) EdgesForCapsule(ctx context.Context, id uuid.UUID) ([]*capsule.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*capsule.Edge
	for _, e := range s.edges {
		if e.SourceID == id || e.TargetID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

// Ancestors implements store.Store by walking parent_ids breadth-first.
func (s *Store) Ancestors(ctx context.Context, id uuid.UUID, maxDepth int) ([]*capsule.Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*capsule.Capsule
	frontier := []uuid.UUID{id}
	visited := map[uuid.UUID]bool{id: true}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []uuid.UUID
		for _, fid := range frontier {
			c, ok := s.capsules[fid]
			if !ok {
				continue
			}
			for _, pid := range c.ParentIDs {
				if visited[pid] {
					continue
				}
				visited[pid] = true
				if parent, ok := s.capsules[pid]; ok {
					result = append(result, parent.Clone())
					next = append(next, pid)
				}
			}
		}
		frontier = next
	}
	return result, nil
}

// ListByPartition implements store.Store.
func (s *Store) ListByPartition(ctx context.Context, partitionID string) (<-chan *capsule.Capsule, <-chan error) {
	out := make(chan *capsule.Capsule)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		s.mu.RLock()
		matched := make([]*capsule.Capsule, 0)
		for _, c := range s.capsules {
			if c.PartitionID == partitionID {
				matched = append(matched, c.Clone())
			}
		}
		s.mu.RUnlock()

		for _, c := range matched {
			select {
			case out <- c:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// WithTx implements store.Store. The in-memory store has no rollback
// support; fn's writes simply apply as they happen, which is sufficient
// for single-threaded test use.
func (s *Store) WithTx(ctx context.Context, fn func(txStore store.Store) error) error {
	return fn(s)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
