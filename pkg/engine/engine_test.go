package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgehq/forge/pkg/capsule"
	"github.com/forgehq/forge/pkg/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		InstanceID:                  "inst-test",
		InstanceName:                "test instance",
		EnableCaching:               true,
		EnablePartitioning:          true,
		EnableFederation:            false,
		EnableSemanticDetection:     false,
		CacheMaxBytes:               1024 * 1024,
		CacheMaxCachedResultBytes:   64 * 1024,
		CacheTTLLineage:             time.Minute,
		CacheTTLSearch:              time.Minute,
		CacheTTLGeneral:             time.Minute,
		PartitionMaxCapsules:        1000,
		PartitionRebalanceThreshold: 0.2,
		CascadeMaxHops:              5,
		Tier1MinTrust:               70,
		Tier2MinTrust:               40,
		Tier1MaxAgeDays:             7,
		Tier2MaxAgeDays:             30,
		MaxDeltaChain:               10,
	}
	return cfg
}

func TestNewWiresEveryEnabledComponent(t *testing.T) {
	eng, err := New(context.Background(), testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()

	if eng.Store == nil || eng.Bus == nil || eng.Overlays == nil || eng.Cascade == nil {
		t.Fatal("expected store/bus/overlays/cascade to be wired")
	}
	if eng.Cache == nil || eng.Invalidate == nil {
		t.Fatal("expected cache and invalidation manager to be wired when caching is enabled")
	}
	if eng.Semantic != nil {
		t.Fatal("expected no semantic detector when semantic detection is disabled")
	}
	if eng.Federation != nil {
		t.Fatal("expected no federation protocol when federation is disabled")
	}
	if eng.Partitions == nil || eng.Router == nil || eng.Executor == nil {
		t.Fatal("expected partition manager, router, and executor to be wired")
	}
	if eng.Lineage == nil || eng.Deltas == nil {
		t.Fatal("expected lineage storage and delta compressor to be wired")
	}
}

func TestIngestCapsuleExercisesTheFullWritePath(t *testing.T) {
	eng, err := New(context.Background(), testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()
	ctx := context.Background()

	c := &capsule.Capsule{
		ID:          uuid.New(),
		Title:       "first principle",
		Content:     "institutional memory compounds",
		ContentType: "text/plain",
		Type:        capsule.TypeInsight,
		Tags:        []string{"strategy"},
		TrustLevel:  85,
		CreatedBy:   "tester",
		CreatedAt:   time.Now(),
	}

	if err := eng.IngestCapsule(ctx, c, nil); err != nil {
		t.Fatalf("ingest capsule: %v", err)
	}
	if c.ContentHash == "" {
		t.Fatal("expected IngestCapsule to stamp a content hash")
	}
	if c.PartitionID == "" {
		t.Fatal("expected IngestCapsule to assign a partition")
	}

	got, err := eng.Store.FindByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if got.ContentHash != c.ContentHash {
		t.Fatalf("expected persisted capsule to carry the stamped content hash")
	}

	entry, err := eng.Lineage.Get(ctx, c.ID.String())
	if err != nil {
		t.Fatalf("get lineage entry: %v", err)
	}
	if entry.CapsuleID != c.ID.String() {
		t.Fatalf("expected a lineage entry recorded for the ingested capsule")
	}
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	eng, err := New(context.Background(), testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return once its context is cancelled")
	}
}
