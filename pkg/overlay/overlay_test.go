package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/forgehq/forge/pkg/ferrors"
)

type stubOverlay struct {
	id       string
	priority int
}

func (s *stubOverlay) ID() string    { return s.id }
func (s *stubOverlay) Priority() int { return s.priority }
func (s *stubOverlay) Process(ctx context.Context, evt Event) (Decision, error) {
	return Decision{}, nil
}
func (s *stubOverlay) OnInsight(ctx context.Context, insight Insight) ([]Insight, error) {
	return nil, nil
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := New()
	if err := r.Register(&stubOverlay{id: "a", priority: 1}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register(&stubOverlay{id: "a", priority: 2})
	if err == nil || ferrors.KindOf(err) != ferrors.KindOverlay {
		t.Fatalf("expected KindOverlay duplicate error, got %v", err)
	}
}

func TestActivateDeactivateIdempotent(t *testing.T) {
	r := New()
	_ = r.Register(&stubOverlay{id: "a", priority: 1})

	if err := r.Activate("a"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := r.Activate("a"); err != nil {
		t.Fatalf("re-activate should be idempotent: %v", err)
	}
	state, _ := r.StateOf("a")
	if state != StateActive {
		t.Fatalf("expected active, got %s", state)
	}

	if err := r.Deactivate("a"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := r.Deactivate("a"); err != nil {
		t.Fatalf("re-deactivate should be idempotent: %v", err)
	}
}

func TestIterateActiveOrderedByPriorityThenRegistration(t *testing.T) {
	r := New()
	_ = r.Register(&stubOverlay{id: "first-registered-priority-1", priority: 1})
	_ = r.Register(&stubOverlay{id: "second-registered-priority-1", priority: 1})
	_ = r.Register(&stubOverlay{id: "highest-priority-number-runs-last", priority: 5})

	for _, id := range []string{"first-registered-priority-1", "second-registered-priority-1", "highest-priority-number-runs-last"} {
		if err := r.Activate(id); err != nil {
			t.Fatalf("activate %s: %v", id, err)
		}
	}

	ordered := r.IterateActiveOrdered()
	if len(ordered) != 3 {
		t.Fatalf("expected 3 active overlays, got %d", len(ordered))
	}
	if ordered[0].ID() != "first-registered-priority-1" || ordered[1].ID() != "second-registered-priority-1" {
		t.Fatalf("expected priority-1 overlays first in registration order, got %s, %s", ordered[0].ID(), ordered[1].ID())
	}
	if ordered[2].ID() != "highest-priority-number-runs-last" {
		t.Fatalf("expected priority-5 overlay last, got %s", ordered[2].ID())
	}
}

func TestStopAllRespectsTimeout(t *testing.T) {
	r := New()
	_ = r.Register(&stubOverlay{id: "a", priority: 1})
	_ = r.Register(&stubOverlay{id: "b", priority: 2})
	_ = r.Activate("a")
	_ = r.Activate("b")

	start := time.Now()
	r.StopAll(time.Second)
	if time.Since(start) > time.Second {
		t.Fatal("StopAll should not block past its timeout")
	}

	stats := r.GetStats()
	if stats.Stopped != 2 {
		t.Fatalf("expected both overlays stopped, got stats %+v", stats)
	}
}
