package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forgehq/forge/pkg/capsule"
	"github.com/forgehq/forge/pkg/ferrors"
)

func newTestCapsule() *capsule.Capsule {
	return &capsule.Capsule{
		ID:          uuid.New(),
		Title:       "test",
		Content:     "hello",
		ContentType: "text/plain",
		Type:        capsule.TypeFact,
		CreatedBy:   "tester",
		CreatedAt:   time.Now(),
		Version:     1,
		PartitionID: "p0",
	}
}

func TestCreateAndFindByID(t *testing.T) {
	s := New()
	ctx := context.Background()
	c := newTestCapsule()

	if err := s.CreateCapsule(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.FindByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Title != c.Title {
		t.Fatalf("expected title %q, got %q", c.Title, got.Title)
	}
}

func TestCreateDuplicateConflicts(t *testing.T) {
	s := New()
	ctx := context.Background()
	c := newTestCapsule()

	if err := s.CreateCapsule(ctx, c); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := s.CreateCapsule(ctx, c)
	if err == nil || ferrors.KindOf(err) != ferrors.KindStoreConflict {
		t.Fatalf("expected KindStoreConflict, got %v", err)
	}
}

func TestFindSimilarByEmbedding(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := newTestCapsule()
	a.Embedding = []float32{1, 0, 0}
	b := newTestCapsule()
	b.Embedding = []float32{0, 1, 0}

	if err := s.CreateCapsule(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateCapsule(ctx, b); err != nil {
		t.Fatal(err)
	}

	results, err := s.FindSimilarByEmbedding(ctx, []float32{1, 0, 0}, 5, 0.5)
	if err != nil {
		t.Fatalf("find similar: %v", err)
	}
	if len(results) != 1 || results[0].Capsule.ID != a.ID {
		t.Fatalf("expected only capsule a to match, got %+v", results)
	}
}

func TestAncestors(t *testing.T) {
	s := New()
	ctx := context.Background()

	root := newTestCapsule()
	child := newTestCapsule()
	child.ParentIDs = []uuid.UUID{root.ID}
	grandchild := newTestCapsule()
	grandchild.ParentIDs = []uuid.UUID{child.ID}

	for _, c := range []*capsule.Capsule{root, child, grandchild} {
		if err := s.CreateCapsule(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	ancestors, err := s.Ancestors(ctx, grandchild.ID, 2)
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	if len(ancestors) != 2 {
		t.Fatalf("expected 2 ancestors within depth 2, got %d", len(ancestors))
	}
}

func TestListByPartitionStreams(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c := newTestCapsule()
		if err := s.CreateCapsule(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	out, errc := s.ListByPartition(ctx, "p0")
	count := 0
	for range out {
		count++
	}
	if err := <-errc; err != nil {
		t.Fatalf("list by partition: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 capsules, got %d", count)
	}
}
