// Package overlay implements the Overlay Registry + Lifecycle (spec §4.4,
// C4). An overlay is a polymorphic processing unit the Cascade Pipeline
// drives; the registry is the single source of truth for which overlays
// exist and are active — overlays never observe each other directly, only
// through the event bus and the pipeline's return values. Grounded on the
// teacher's pkg/strategy/registry.go (mutex-guarded map registry, reject
// duplicate ids, Stats snapshot), generalized from chain/attestation
// strategy lookup to priority-ordered overlay lifecycle management. Unlike
// the teacher, this registry is never a package-level singleton — it is
// constructed once by the composition root (pkg/engine) and passed down.
package overlay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forgehq/forge/pkg/ferrors"
)

// State is an overlay's lifecycle state.
type State string

const (
	StateRegistered State = "registered"
	StateActive     State = "active"
	StateStopped    State = "stopped"
)

// Decision is returned by Overlay.Process, describing what the pipeline
// should do in response to an event.
type Decision struct {
	// Handled reports whether this overlay took any action on the event.
	Handled bool
	// DerivativeInsights are zero or more new insights this overlay wants
	// to emit as a result of the event, further fanned out by the cascade
	// pipeline (spec §4.5).
	DerivativeInsights []Insight
}

// Insight is an opaque unit of knowledge an overlay emits, either as the
// originating insight of a cascade or as a derivative of processing one.
type Insight struct {
	SourceOverlay string
	InsightType   string
	Data          map[string]interface{}
}

// Event is what the pipeline hands to Overlay.Process for each cascade hop.
type Event struct {
	CascadeID     string
	InsightType   string
	InsightData   map[string]interface{}
	HopCount      int
	MaxHops       int
	CorrelationID string
}

// Overlay is the capability set every registered overlay implements (spec
// §4.4).
type Overlay interface {
	// ID returns this overlay's unique identifier.
	ID() string
	// Priority orders active overlays; lower values run earlier.
	Priority() int
	// Process handles one cascade event, returning a Decision.
	Process(ctx context.Context, evt Event) (Decision, error)
	// OnInsight is called with an insight — either the cascade's
	// originating insight or a derivative from a prior hop — and may
	// return further derivative insights.
	OnInsight(ctx context.Context, insight Insight) ([]Insight, error)
}

// entry tracks an overlay's lifecycle state and registration order, used to
// break priority ties deterministically. degraded coexists with
// StateActive: a degraded overlay is still active and still invoked by the
// cascade pipeline, it has simply raised an error on a prior event (spec
// §4.5 failure semantics).
type entry struct {
	overlay  Overlay
	state    State
	seq      int
	degraded bool
}

// Registry is the single source of truth for overlay registration and
// lifecycle (spec §4.4).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	nextSeq int
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds ov in the StateRegistered state. Returns
// ferrors.KindOverlay if ov's id is already registered.
func (r *Registry) Register(ov Overlay) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ov.ID()
	if _, exists := r.entries[id]; exists {
		return ferrors.New(ferrors.KindOverlay, fmt.Sprintf("overlay %q already registered", id))
	}

	r.entries[id] = &entry{overlay: ov, state: StateRegistered, seq: r.nextSeq}
	r.nextSeq++
	return nil
}

// Activate transitions id to StateActive. Idempotent: activating an
// already-active overlay is a no-op success.
func (r *Registry) Activate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ferrors.New(ferrors.KindOverlay, fmt.Sprintf("overlay %q not registered", id))
	}
	e.state = StateActive
	e.degraded = false
	return nil
}

// MarkDegraded flags id as degraded without changing its lifecycle state:
// the overlay stays active (and keeps being invoked) but the pipeline
// records that it raised an error on a prior event (spec §4.5: "mark
// overlay degraded in its registry entry (but still active)").
func (r *Registry) MarkDegraded(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ferrors.New(ferrors.KindOverlay, fmt.Sprintf("overlay %q not registered", id))
	}
	e.degraded = true
	return nil
}

// ClearDegraded clears id's degraded flag, e.g. after it processes an event
// successfully again.
func (r *Registry) ClearDegraded(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ferrors.New(ferrors.KindOverlay, fmt.Sprintf("overlay %q not registered", id))
	}
	e.degraded = false
	return nil
}

// IsDegraded reports whether id is currently flagged degraded.
func (r *Registry) IsDegraded(id string) (bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return false, false
	}
	return e.degraded, true
}

// Deactivate transitions id to StateStopped. Idempotent.
func (r *Registry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ferrors.New(ferrors.KindOverlay, fmt.Sprintf("overlay %q not registered", id))
	}
	e.state = StateStopped
	return nil
}

// StateOf returns id's current lifecycle state.
func (r *Registry) StateOf(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// IterateActiveOrdered returns every StateActive overlay, ordered by
// priority ascending then registration order (spec §4.4: "stable order by
// priority then registration order").
func (r *Registry) IterateActiveOrdered() []Overlay {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.state == StateActive {
			active = append(active, e)
		}
	}

	sort.SliceStable(active, func(i, j int) bool {
		if active[i].overlay.Priority() != active[j].overlay.Priority() {
			return active[i].overlay.Priority() < active[j].overlay.Priority()
		}
		return active[i].seq < active[j].seq
	})

	out := make([]Overlay, len(active))
	for i, e := range active {
		out[i] = e.overlay
	}
	return out
}

// StopAll best-effort deactivates every overlay in parallel, bounded by
// timeout. Overlays that don't finish within the budget are left in
// whatever state they reached; StopAll never blocks past timeout.
func (r *Registry) StopAll(timeout time.Duration) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_ = r.Deactivate(id)
			}(id)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// Stats summarizes the registry's current composition.
type Stats struct {
	Registered int
	Active     int
	Stopped    int
	Degraded   int
}

// GetStats returns a snapshot of registry composition.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Stats
	for _, e := range r.entries {
		switch e.state {
		case StateRegistered:
			s.Registered++
		case StateActive:
			s.Active++
		case StateStopped:
			s.Stopped++
		}
		if e.degraded {
			s.Degraded++
		}
	}
	return s
}
