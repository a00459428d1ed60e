// Package cascade implements the Cascade Pipeline (spec §4.5, C5) — the
// heart of the core. It runs an originating insight through the active,
// priority-ordered overlays, recording every hop as a CascadeEvent on a
// CascadeChain, fanning out derivative insights up to a hop bound, and
// breaking cycles via a per-event visited-overlays set. Grounded on the
// teacher's pkg/batch/processor.go (mutex-guarded processor over a
// dependency set, retry-then-fail semantics) and pkg/batch's 3-attempt
// exponential-backoff convention (bpt_extractor.go, consensus_coordinator.go),
// generalized here via cenkalti/backoff/v4; the chain/event data shape and
// work-list algorithm are adapted from original_source's cascade_repository.py.
package cascade

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgehq/forge/pkg/eventbus"
	"github.com/forgehq/forge/pkg/overlay"
)

// Status is a cascade chain's lifecycle state (spec §4.5 state machine).
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Event is one hop of an insight cascade (spec §3 Cascade Event).
type Event struct {
	ID              uuid.UUID
	SourceOverlay   string
	InsightType     string
	InsightData     map[string]interface{}
	HopCount        int
	MaxHops         int
	VisitedOverlays []string
	ImpactScore     float64
	Timestamp       time.Time
	CorrelationID   string
}

// visited reports whether overlayID already appears in this event's
// visited-overlays set (spec invariant: emitting overlay must not appear
// twice).
func (e Event) visited(overlayID string) bool {
	for _, id := range e.VisitedOverlays {
		if id == overlayID {
			return true
		}
	}
	return false
}

// Chain is the directed chain of events produced by one cascade (spec §3
// Cascade Chain).
type Chain struct {
	CascadeID         uuid.UUID
	InitiatedBy       string
	InitiatedAt       time.Time
	Events            []Event
	TotalHops         int
	OverlaysAffected  map[string]bool
	InsightsGenerated int
	ActionsTriggered  int
	ErrorsEncountered int
	CompletedAt       time.Time
	Status            Status
}

// OriginatingInsight is the input that starts a new cascade (spec §4.5
// Inputs).
type OriginatingInsight struct {
	SourceOverlay string
	InsightType   string
	InsightData   map[string]interface{}
	MaxHops       int
	CorrelationID string
}

// ChainStore is the narrow persistence surface the pipeline needs: create
// and append-to a chain transactionally. A concrete implementation is
// expected to sit on top of pkg/store (e.g. serializing chain state into a
// capsule-adjacent table), but the pipeline itself depends only on this
// port, per the teacher's pattern of small per-component interfaces.
type ChainStore interface {
	CreateChain(ctx context.Context, chain *Chain) error
	AppendEvent(ctx context.Context, cascadeID uuid.UUID, evt Event) error
	CompleteChain(ctx context.Context, cascadeID uuid.UUID, completedAt time.Time) error
}

// Pipeline runs cascades against a Registry of overlays, persisting chain
// state via a ChainStore and publishing hop/completion events to a Bus.
type Pipeline struct {
	registry *overlay.Registry
	store    ChainStore
	bus      *eventbus.Bus
	logger   *zap.Logger

	overlayWeight func(overlayID string) float64
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithOverlayWeight supplies the per-overlay multiplier used in impact-score
// propagation (spec §4.5: "child.impact = parent.impact * overlay_weight").
// Defaults to a constant 1.0 for every overlay when not supplied.
func WithOverlayWeight(fn func(overlayID string) float64) Option {
	return func(p *Pipeline) { p.overlayWeight = fn }
}

// New constructs a Pipeline.
func New(registry *overlay.Registry, store ChainStore, bus *eventbus.Bus, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry:      registry,
		store:         store,
		bus:           bus,
		logger:        zap.NewNop(),
		overlayWeight: func(string) float64 { return 1.0 },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes a cascade to completion: creates the chain, processes the
// work list (originating event plus every derivative it spawns) until
// drained, then marks the chain COMPLETED (spec §4.5 algorithm).
func (p *Pipeline) Run(ctx context.Context, insight OriginatingInsight) (*Chain, error) {
	if insight.CorrelationID == "" {
		insight.CorrelationID = uuid.NewString()
	}

	cascadeID := uuid.New()
	now := time.Now()

	first := Event{
		ID:              uuid.New(),
		SourceOverlay:   insight.SourceOverlay,
		InsightType:     insight.InsightType,
		InsightData:     insight.InsightData,
		HopCount:        0,
		MaxHops:         insight.MaxHops,
		VisitedOverlays: nil,
		ImpactScore:     1.0,
		Timestamp:       now,
		CorrelationID:   insight.CorrelationID,
	}

	chain := &Chain{
		CascadeID:        cascadeID,
		InitiatedBy:      insight.SourceOverlay,
		InitiatedAt:      now,
		OverlaysAffected: make(map[string]bool),
		Status:           StatusActive,
	}

	if err := p.createChainWithRetry(ctx, chain); err != nil {
		return nil, fmt.Errorf("persist cascade chain: %w", err)
	}

	chain.Events = append(chain.Events, first)

	workList := []Event{first}
	for len(workList) > 0 {
		evt := workList[0]
		workList = workList[1:]

		if evt.HopCount > evt.MaxHops {
			// Malformed: a hop beyond the cap reached the work list at
			// all. Silently dropped per spec, but counted as an error
			// since the event itself is malformed (not merely capped).
			chain.ErrorsEncountered++
			continue
		}

		derivatives := p.processEvent(ctx, chain, evt)
		for _, d := range derivatives {
			if d.HopCount > d.MaxHops {
				// Beyond the hop budget: dropped without being recorded.
				continue
			}
			if err := p.appendEventWithRetry(ctx, chain, d); err != nil {
				chain.ErrorsEncountered++
				p.logger.Error("failed to persist cascade event after retries", zap.Error(err))
				return chain, fmt.Errorf("persist cascade event: %w", err)
			}
			chain.Events = append(chain.Events, d)
			chain.TotalHops++
			chain.InsightsGenerated++

			p.bus.Publish(ctx, eventbus.CascadeHopEvent{
				CascadeID:     cascadeID,
				SourceOverlay: d.SourceOverlay,
				InsightType:   d.InsightType,
				HopCount:      d.HopCount,
				MaxHops:       d.MaxHops,
				ImpactScore:   d.ImpactScore,
			})

			if d.HopCount <= d.MaxHops {
				workList = append(workList, d)
			}
		}
	}

	chain.Status = StatusCompleted
	chain.CompletedAt = time.Now()
	if err := p.store.CompleteChain(ctx, cascadeID, chain.CompletedAt); err != nil {
		p.logger.Error("failed to mark cascade chain completed", zap.Error(err))
	}

	p.bus.Publish(ctx, eventbus.CascadeCompletedEvent{
		CascadeID:         cascadeID,
		TotalHops:         chain.TotalHops,
		InsightsGenerated: chain.InsightsGenerated,
	})

	return chain, nil
}

// processEvent runs evt through every active overlay in priority order,
// excluding any already in evt's visited set, isolating per-overlay panics
// and errors so one misbehaving overlay never blocks its siblings (spec
// §4.5 step 2).
func (p *Pipeline) processEvent(ctx context.Context, chain *Chain, evt Event) []Event {
	var derivatives []Event

	for _, ov := range p.registry.IterateActiveOrdered() {
		if evt.visited(ov.ID()) {
			continue
		}

		insights, err := p.invokeOverlay(ctx, ov, evt)
		if err != nil {
			chain.ErrorsEncountered++
			if markErr := p.registry.MarkDegraded(ov.ID()); markErr != nil {
				p.logger.Warn("failed to mark overlay degraded", zap.String("overlay_id", ov.ID()), zap.Error(markErr))
			}
			p.logger.Warn("overlay raised during cascade processing; isolating",
				zap.String("overlay_id", ov.ID()), zap.Error(err))
			continue
		}
		_ = p.registry.ClearDegraded(ov.ID())

		chain.OverlaysAffected[ov.ID()] = true

		for _, insight := range insights {
			weight := p.overlayWeight(ov.ID())
			impact := evt.ImpactScore * weight
			if impact > 1 {
				impact = 1
			}
			if impact < 0 {
				impact = 0
			}

			derivatives = append(derivatives, Event{
				ID:              uuid.New(),
				SourceOverlay:   ov.ID(),
				InsightType:     insight.InsightType,
				InsightData:     insight.Data,
				HopCount:        evt.HopCount + 1,
				MaxHops:         evt.MaxHops,
				VisitedOverlays: append(append([]string(nil), evt.VisitedOverlays...), ov.ID()),
				ImpactScore:     impact,
				Timestamp:       time.Now(),
				CorrelationID:   evt.CorrelationID,
			})
		}
	}

	return derivatives
}

// invokeOverlay calls ov.OnInsight, converting a panic into an error so a
// single misbehaving overlay can be isolated the same way as one that
// simply returns an error.
func (p *Pipeline) invokeOverlay(ctx context.Context, ov overlay.Overlay, evt Event) (insights []overlay.Insight, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("overlay %s panicked: %v", ov.ID(), r)
		}
	}()

	insight := overlay.Insight{
		SourceOverlay: evt.SourceOverlay,
		InsightType:   evt.InsightType,
		Data:          evt.InsightData,
	}
	return ov.OnInsight(ctx, insight)
}

// createChainWithRetry and appendEventWithRetry implement "retry with
// exponential backoff up to 3 attempts, then fail" (spec §4.5 Failure
// semantics). On exhaustion Run returns the error and the chain stays
// `active`; nothing in this package later completes such a chain.
func (p *Pipeline) createChainWithRetry(ctx context.Context, chain *Chain) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	return backoff.Retry(func() error {
		return p.store.CreateChain(ctx, chain)
	}, backoff.WithContext(policy, ctx))
}

func (p *Pipeline) appendEventWithRetry(ctx context.Context, chain *Chain, evt Event) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	return backoff.Retry(func() error {
		return p.store.AppendEvent(ctx, chain.CascadeID, evt)
	}, backoff.WithContext(policy, ctx))
}
