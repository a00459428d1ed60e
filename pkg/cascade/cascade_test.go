package cascade

import (
	"context"
	"testing"

	"github.com/forgehq/forge/pkg/eventbus"
	"github.com/forgehq/forge/pkg/overlay"
)

// alwaysEmitOverlay emits exactly one derivative insight of the same type
// every time it's invoked, useful for driving a cascade to its hop bound.
type alwaysEmitOverlay struct {
	id       string
	priority int
}

func (o *alwaysEmitOverlay) ID() string    { return o.id }
func (o *alwaysEmitOverlay) Priority() int { return o.priority }
func (o *alwaysEmitOverlay) Process(ctx context.Context, evt overlay.Event) (overlay.Decision, error) {
	return overlay.Decision{}, nil
}
func (o *alwaysEmitOverlay) OnInsight(ctx context.Context, insight overlay.Insight) ([]overlay.Insight, error) {
	return []overlay.Insight{{SourceOverlay: o.id, InsightType: insight.InsightType, Data: insight.Data}}, nil
}

func newPipeline(t *testing.T, overlays ...overlay.Overlay) (*Pipeline, *MemoryChainStore) {
	t.Helper()
	reg := overlay.New()
	for _, ov := range overlays {
		if err := reg.Register(ov); err != nil {
			t.Fatalf("register %s: %v", ov.ID(), err)
		}
		if err := reg.Activate(ov.ID()); err != nil {
			t.Fatalf("activate %s: %v", ov.ID(), err)
		}
	}
	store := NewMemoryChainStore()
	bus := eventbus.New()
	return New(reg, store, bus), store
}

func TestCascadeRespectsHopBound(t *testing.T) {
	p, store := newPipeline(t, &alwaysEmitOverlay{id: "echo", priority: 1})

	chain, err := p.Run(context.Background(), OriginatingInsight{
		SourceOverlay: "user",
		InsightType:   "note",
		InsightData:   map[string]interface{}{"x": 1},
		MaxHops:       3,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, evt := range chain.Events {
		if evt.HopCount > evt.MaxHops {
			t.Fatalf("found event with hop_count %d exceeding max_hops %d", evt.HopCount, evt.MaxHops)
		}
	}
	if chain.Status != StatusCompleted {
		t.Fatalf("expected chain to complete, got status %s", chain.Status)
	}

	stored, ok := store.Get(chain.CascadeID)
	if !ok {
		t.Fatal("expected chain to be persisted")
	}
	if stored.Status != StatusCompleted {
		t.Fatalf("expected persisted chain completed, got %s", stored.Status)
	}
}

func TestCascadePreventsCycles(t *testing.T) {
	// Two overlays that would otherwise emit indefinitely to each other;
	// the visited-overlays set must stop each one from firing twice along
	// a single path, bounding the chain even with a generous hop budget.
	p, _ := newPipeline(t,
		&alwaysEmitOverlay{id: "a", priority: 1},
		&alwaysEmitOverlay{id: "b", priority: 2},
	)

	chain, err := p.Run(context.Background(), OriginatingInsight{
		SourceOverlay: "user",
		InsightType:   "note",
		MaxHops:       50,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, evt := range chain.Events {
		seen := map[string]bool{}
		for _, id := range evt.VisitedOverlays {
			if seen[id] {
				t.Fatalf("overlay %s appears twice in visited_overlays: %v", id, evt.VisitedOverlays)
			}
			seen[id] = true
		}
	}

	// With only 2 overlays and cycle prevention, the chain must terminate
	// long before the 50-hop budget: each path visits at most 2 overlays.
	if chain.TotalHops > 4 {
		t.Fatalf("expected cascade to terminate quickly via cycle prevention, got %d hops", chain.TotalHops)
	}
}

func TestCascadeImpactScorePropagatesMultiplicatively(t *testing.T) {
	p, _ := newPipeline(t, &alwaysEmitOverlay{id: "half", priority: 1})
	p.overlayWeight = func(string) float64 { return 0.5 }

	chain, err := p.Run(context.Background(), OriginatingInsight{
		SourceOverlay: "user",
		InsightType:   "note",
		MaxHops:       2,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, evt := range chain.Events {
		if evt.ImpactScore < 0 || evt.ImpactScore > 1 {
			t.Fatalf("impact score %f out of [0,1] range", evt.ImpactScore)
		}
		if evt.HopCount == 1 && evt.ImpactScore != 0.5 {
			t.Fatalf("expected hop-1 impact 1.0*0.5 = 0.5, got %f", evt.ImpactScore)
		}
	}
}
