// Package eventbus implements the single-process typed pub/sub bus (spec
// §4.3, C3). Publishers emit typed events (capsule.*, cascade.*, overlay.*,
// tool.call); subscribers register a handler keyed to a concrete event
// type. Delivery fans out to every subscriber under a bounded concurrency
// budget, and a failure in one handler never blocks or cancels the others.
// Grounded on the teacher's pkg/batch/attestation_broadcaster.go fan-out
// (per-peer goroutine, buffered result channel, WaitGroup-then-close), here
// generalized from "broadcast to peers" to "deliver to subscribers".
package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Event is the common envelope every published event satisfies.
type Event interface {
	// EventType returns the dotted type string subscribers key on, e.g.
	// "capsule.created", "cascade.hop", "tool.call".
	EventType() string
	// CorrelationID returns the id that propagates across a cascade for
	// tracing (spec §4.3).
	CorrelationID() string
}

// Handler processes one delivered event. A returned error is logged, never
// propagated to the publisher or to sibling handlers.
type Handler func(ctx context.Context, evt Event) error

// Bus is an in-process, typed, fan-out publish/subscribe bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	sem    chan struct{}
	logger *zap.Logger
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithConcurrency sets the bounded concurrency budget for handler dispatch
// (spec §4.3: "handlers run under a bounded concurrency budget"). Defaults
// to 32 if n <= 0.
func WithConcurrency(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.sem = make(chan struct{}, n)
		}
	}
}

// New constructs a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]Handler),
		sem:      make(chan struct{}, 32),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for every event whose EventType() equals
// eventType. Multiple handlers may subscribe to the same type; all are
// invoked on publish.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish fans evt out to every subscriber of its EventType, waiting for all
// of them to complete before returning. Each handler runs under the bus's
// concurrency semaphore; a panicking or erroring handler is logged and does
// not affect delivery to its siblings.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[evt.EventType()]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(handler Handler) {
			defer wg.Done()

			select {
			case b.sem <- struct{}{}:
				defer func() { <-b.sem }()
			case <-ctx.Done():
				return
			}

			b.dispatch(ctx, handler, evt)
		}(h)
	}
	wg.Wait()
}

func (b *Bus) dispatch(ctx context.Context, handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", evt.EventType()),
				zap.String("correlation_id", evt.CorrelationID()),
				zap.Any("panic", r),
			)
		}
	}()

	if err := handler(ctx, evt); err != nil {
		b.logger.Warn("event handler returned error",
			zap.String("event_type", evt.EventType()),
			zap.String("correlation_id", evt.CorrelationID()),
			zap.Error(err),
		)
	}
}
