package lineage

import (
	"context"
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/forgehq/forge/pkg/kvdb"
)

func newTestStorage(now time.Time) *Storage {
	s := New(WithConfig(Config{
		Enabled:         true,
		Tier1MaxAgeDays: 7,
		Tier2MaxAgeDays: 30,
		Tier1MinTrust:   70,
		Tier2MinTrust:   40,
	}))
	s.nowFn = func() time.Time { return now }
	return s
}

func TestStoreRoutesByTrustLevel(t *testing.T) {
	now := time.Now()
	s := newTestStorage(now)
	ctx := context.Background()

	hot := &Entry{EntryID: "e-hot", CapsuleID: "c1", TrustLevel: 90, CreatedAt: now}
	warm := &Entry{EntryID: "e-warm", CapsuleID: "c2", TrustLevel: 50, CreatedAt: now}
	cold := &Entry{EntryID: "e-cold", CapsuleID: "c3", TrustLevel: 10, CreatedAt: now}

	for _, e := range []*Entry{hot, warm, cold} {
		if err := s.Store(ctx, e); err != nil {
			t.Fatalf("store %s: %v", e.EntryID, err)
		}
	}

	if hot.Tier != TierHot {
		t.Fatalf("expected high-trust entry in HOT, got %s", hot.Tier)
	}
	if warm.Tier != TierWarm {
		t.Fatalf("expected mid-trust entry in WARM, got %s", warm.Tier)
	}
	// With no cold backend configured, archiveToCold keeps low-trust entries
	// compressed in the WARM map rather than losing them, but the entry
	// stays tagged COLD.
	if cold.Tier != TierCold {
		t.Fatalf("expected low-trust entry tagged COLD, got %s", cold.Tier)
	}
}

func TestGetRetrievesFromHotAndWarm(t *testing.T) {
	now := time.Now()
	s := newTestStorage(now)
	ctx := context.Background()

	hot := &Entry{EntryID: "e-hot", CapsuleID: "c1", TrustLevel: 90, CreatedAt: now}
	warm := &Entry{EntryID: "e-warm", CapsuleID: "c2", TrustLevel: 50, CreatedAt: now}
	if err := s.Store(ctx, hot); err != nil {
		t.Fatalf("store hot: %v", err)
	}
	if err := s.Store(ctx, warm); err != nil {
		t.Fatalf("store warm: %v", err)
	}

	got, err := s.Get(ctx, "e-hot")
	if err != nil || got.CapsuleID != "c1" {
		t.Fatalf("expected to retrieve hot entry, got %v err=%v", got, err)
	}

	got, err = s.Get(ctx, "e-warm")
	if err != nil || got.CapsuleID != "c2" {
		t.Fatalf("expected to retrieve and decompress warm entry, got %v err=%v", got, err)
	}
}

func TestGetReturnsNotFoundForUnknownEntry(t *testing.T) {
	s := newTestStorage(time.Now())
	_, err := s.Get(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected an error for an unknown entry id")
	}
}

func TestArchiveToColdUsesBackingStoreWhenConfigured(t *testing.T) {
	now := time.Now()
	s := New(WithConfig(Config{Enabled: true, Tier1MinTrust: 70, Tier2MinTrust: 40}), WithColdStore(kvdb.NewKVAdapter(dbm.NewMemDB())))
	s.nowFn = func() time.Time { return now }
	ctx := context.Background()

	entry := &Entry{EntryID: "e-cold", CapsuleID: "c1", TrustLevel: 5, CreatedAt: now}
	if err := s.Store(ctx, entry); err != nil {
		t.Fatalf("store: %v", err)
	}
	if entry.Tier != TierCold {
		t.Fatalf("expected TierCold, got %s", entry.Tier)
	}

	raw, err := s.cold.Get(coldKey(entry))
	if err != nil {
		t.Fatalf("get from cold store: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected the cold backend to hold the archived entry bytes")
	}
}

func TestGetLineageChainFollowsParentLinks(t *testing.T) {
	now := time.Now()
	s := newTestStorage(now)
	ctx := context.Background()

	root := &Entry{EntryID: "e1", CapsuleID: "c1", ParentID: "", TrustLevel: 90, CreatedAt: now}
	child := &Entry{EntryID: "e2", CapsuleID: "c2", ParentID: "c1", TrustLevel: 90, CreatedAt: now}
	grandchild := &Entry{EntryID: "e3", CapsuleID: "c3", ParentID: "c2", TrustLevel: 90, CreatedAt: now}

	for _, e := range []*Entry{root, child, grandchild} {
		if err := s.Store(ctx, e); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	chain, err := s.GetLineageChain(ctx, "c3", 10)
	if err != nil {
		t.Fatalf("get lineage chain: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("expected a 3-entry chain, got %d", len(chain))
	}
	if chain[0].CapsuleID != "c3" || chain[2].CapsuleID != "c1" {
		t.Fatalf("expected chain ordered from c3 back to c1, got %+v", chain)
	}
}

func TestPerformTierMigrationMovesAgedEntries(t *testing.T) {
	now := time.Now()
	s := newTestStorage(now)
	ctx := context.Background()

	old := &Entry{EntryID: "e-old", CapsuleID: "c1", TrustLevel: 90, CreatedAt: now.AddDate(0, 0, -10)}
	if err := s.Store(ctx, old); err != nil {
		t.Fatalf("store: %v", err)
	}
	if old.Tier != TierHot {
		t.Fatalf("expected initial HOT placement, got %s", old.Tier)
	}

	if err := s.performTierMigration(ctx); err != nil {
		t.Fatalf("perform tier migration: %v", err)
	}

	got, err := s.Get(ctx, "e-old")
	if err != nil {
		t.Fatalf("get after migration: %v", err)
	}
	if got.Tier != TierWarm {
		t.Fatalf("expected entry older than tier1_max_age to migrate to WARM, got %s", got.Tier)
	}
}

func TestMigrateToTierIsNoOpWhenAlreadyAtTarget(t *testing.T) {
	now := time.Now()
	s := newTestStorage(now)
	ctx := context.Background()

	e := &Entry{EntryID: "e1", CapsuleID: "c1", TrustLevel: 90, CreatedAt: now}
	if err := s.Store(ctx, e); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.MigrateToTier(ctx, "e1", TierHot); err != nil {
		t.Fatalf("migrate to same tier: %v", err)
	}
	got, err := s.Get(ctx, "e1")
	if err != nil || got.Tier != TierHot {
		t.Fatalf("expected entry to remain in HOT, got %+v err=%v", got, err)
	}
}

func TestRunWithDisabledConfigClosesImmediately(t *testing.T) {
	s := New(WithConfig(Config{Enabled: false}))
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return immediately when disabled")
	}
}
