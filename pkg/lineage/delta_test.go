package lineage

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSnapshotHashIsDeterministicAndOrderIndependent(t *testing.T) {
	now := time.Now()
	a, err := NewSnapshot("s1", "c1", 1, now, map[string]interface{}{"x": 1, "y": "two"})
	if err != nil {
		t.Fatalf("new snapshot: %v", err)
	}
	b, err := NewSnapshot("s2", "c1", 1, now, map[string]interface{}{"y": "two", "x": 1})
	if err != nil {
		t.Fatalf("new snapshot: %v", err)
	}
	if a.Hash != b.Hash {
		t.Fatalf("expected identical data to hash identically regardless of key order, got %q vs %q", a.Hash, b.Hash)
	}
}

func TestComputeDiffDetectsAddRemoveModify(t *testing.T) {
	c := NewCompressor()
	old, _ := NewSnapshot("s1", "c1", 1, time.Now(), map[string]interface{}{
		"title":   "draft",
		"removed": "gone-soon",
	})
	newSnap, _ := NewSnapshot("s2", "c1", 2, time.Now(), map[string]interface{}{
		"title": "final",
		"added": "new-field",
	})

	diff, err := c.ComputeDiff(old, newSnap)
	if err != nil {
		t.Fatalf("compute diff: %v", err)
	}

	ops := map[string]DiffOp{}
	for _, e := range diff.Entries {
		ops[e.Path] = e.Operation
	}
	if ops["title"] != DiffModify {
		t.Fatalf("expected title to be a modify, got %v", ops["title"])
	}
	if ops["removed"] != DiffRemove {
		t.Fatalf("expected removed to be a remove, got %v", ops["removed"])
	}
	if ops["added"] != DiffAdd {
		t.Fatalf("expected added to be an add, got %v", ops["added"])
	}
	if diff.BaseHash != old.Hash || diff.TargetHash != newSnap.Hash {
		t.Fatal("expected diff to record the base and target hashes")
	}
}

func TestComputeDiffRecursesIntoNestedMaps(t *testing.T) {
	c := NewCompressor()
	old, _ := NewSnapshot("s1", "c1", 1, time.Now(), map[string]interface{}{
		"nested": map[string]interface{}{"a": 1},
	})
	newSnap, _ := NewSnapshot("s2", "c1", 2, time.Now(), map[string]interface{}{
		"nested": map[string]interface{}{"a": 2},
	})

	diff, err := c.ComputeDiff(old, newSnap)
	if err != nil {
		t.Fatalf("compute diff: %v", err)
	}
	if len(diff.Entries) != 1 || diff.Entries[0].Path != "nested.a" {
		t.Fatalf("expected a single nested.a modify entry, got %+v", diff.Entries)
	}
}

func TestComputeDiffDetectsMoveAcrossPaths(t *testing.T) {
	c := NewCompressor()
	old, _ := NewSnapshot("s1", "c1", 1, time.Now(), map[string]interface{}{
		"draft_title": "institutional memory compounds",
	})
	newSnap, _ := NewSnapshot("s2", "c1", 2, time.Now(), map[string]interface{}{
		"published_title": "institutional memory compounds",
	})

	diff, err := c.ComputeDiff(old, newSnap)
	if err != nil {
		t.Fatalf("compute diff: %v", err)
	}
	if len(diff.Entries) != 1 {
		t.Fatalf("expected a single coalesced move entry, got %+v", diff.Entries)
	}
	entry := diff.Entries[0]
	if entry.Operation != DiffMove || entry.FromPath != "draft_title" || entry.Path != "published_title" {
		t.Fatalf("expected a move from draft_title to published_title, got %+v", entry)
	}

	reconstructed, err := c.ApplyDiff(old, diff)
	if err != nil {
		t.Fatalf("apply diff: %v", err)
	}
	if _, stillPresent := reconstructed.Data["draft_title"]; stillPresent {
		t.Fatalf("expected the old path to be removed after applying a move, got %+v", reconstructed.Data)
	}
	if reconstructed.Data["published_title"] != "institutional memory compounds" {
		t.Fatalf("expected the new path to carry the moved value, got %+v", reconstructed.Data)
	}
}

func TestApplyDiffReconstructsTargetSnapshot(t *testing.T) {
	c := NewCompressor()
	old, _ := NewSnapshot("s1", "c1", 1, time.Now(), map[string]interface{}{
		"title": "draft",
		"count": float64(1),
	})
	newSnap, _ := NewSnapshot("s2", "c1", 2, time.Now(), map[string]interface{}{
		"title": "final",
		"count": float64(2),
	})

	diff, err := c.ComputeDiff(old, newSnap)
	if err != nil {
		t.Fatalf("compute diff: %v", err)
	}

	reconstructed, err := c.ApplyDiff(old, diff)
	if err != nil {
		t.Fatalf("apply diff: %v", err)
	}
	if reconstructed.Hash != newSnap.Hash {
		t.Fatalf("expected reconstructed snapshot hash to match target, got %q want %q", reconstructed.Hash, newSnap.Hash)
	}
	if reconstructed.Data["title"] != "final" {
		t.Fatalf("expected reconstructed title 'final', got %v", reconstructed.Data["title"])
	}
}

func TestApplyDiffRejectsBaseHashMismatch(t *testing.T) {
	c := NewCompressor()
	old, _ := NewSnapshot("s1", "c1", 1, time.Now(), map[string]interface{}{"a": 1})
	wrongBase, _ := NewSnapshot("s-wrong", "c1", 1, time.Now(), map[string]interface{}{"a": 999})
	newSnap, _ := NewSnapshot("s2", "c1", 2, time.Now(), map[string]interface{}{"a": 2})

	diff, err := c.ComputeDiff(old, newSnap)
	if err != nil {
		t.Fatalf("compute diff: %v", err)
	}

	_, err = c.ApplyDiff(wrongBase, diff)
	if err == nil {
		t.Fatal("expected ApplyDiff to reject a base snapshot whose hash doesn't match diff.BaseHash")
	}
}

func TestStoreDeltaLogsConsolidationAtChainLimit(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := NewCompressor(WithMaxDeltaChain(2), WithCompressorLogger(zap.New(core)))
	old, _ := NewSnapshot("s1", "c1", 1, time.Now(), map[string]interface{}{"a": 1})
	newSnap, _ := NewSnapshot("s2", "c1", 2, time.Now(), map[string]interface{}{"a": 2})
	diff, err := c.ComputeDiff(old, newSnap)
	if err != nil {
		t.Fatalf("compute diff: %v", err)
	}

	c.StoreDelta("c1", diff)
	if n := logs.FilterMessage("delta_chain_consolidation_needed").Len(); n != 0 {
		t.Fatalf("expected no consolidation log below the chain limit, got %d", n)
	}
	c.StoreDelta("c1", diff)

	if got := c.GetDeltas("c1"); len(got) != 2 {
		t.Fatalf("expected 2 stored deltas, got %d", len(got))
	}
	if n := logs.FilterMessage("delta_chain_consolidation_needed").Len(); n != 1 {
		t.Fatalf("expected one consolidation log at the chain limit, got %d", n)
	}
}

func TestCompressDecompressSnapshotRoundTrip(t *testing.T) {
	c := NewCompressor()
	snap, _ := NewSnapshot("s1", "c1", 1, time.Now(), map[string]interface{}{"a": 1, "b": "two"})

	compressed, err := c.CompressSnapshot(snap)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	restored, err := c.DecompressSnapshot(compressed, "s1", "c1")
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if restored.Hash != snap.Hash {
		t.Fatalf("expected round-tripped snapshot to hash identically, got %q vs %q", restored.Hash, snap.Hash)
	}
}

func TestParsePathHandlesDottedAndIndexedSegments(t *testing.T) {
	parts := parsePath("a.b[2].c")
	if len(parts) != 4 {
		t.Fatalf("expected 4 path parts, got %d: %+v", len(parts), parts)
	}
	if parts[0].key != "a" || parts[1].key != "b" || !parts[2].isIdx || parts[2].index != 2 || parts[3].key != "c" {
		t.Fatalf("unexpected path parse result: %+v", parts)
	}
}
