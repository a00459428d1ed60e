package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgehq/forge/pkg/eventbus"
)

// Strategy selects how a capsule lifecycle event is turned into cache
// invalidation (spec §4.6 Invalidation).
type Strategy int

const (
	// StrategyImmediate invalidates affected entries synchronously, as soon
	// as the lifecycle event is observed.
	StrategyImmediate Strategy = iota
	// StrategyDebounced merges bursts of invalidations for the same capsule
	// within the debounce window (WithDebounceWindow) into a single pass,
	// processed once the window elapses.
	StrategyDebounced
	// StrategyLazy marks affected entries stale immediately; they are only
	// actually evicted the next time something tries to read them.
	StrategyLazy
)

// InvalidationManager subscribes to capsule lifecycle events on a Bus and
// applies the configured Strategy against a Cache, generalizing the
// invalidation hooks in original_source's query_cache.py (which fire on
// every capsule mutation) into an explicit, pluggable policy.
type InvalidationManager struct {
	cache    *Cache
	strategy Strategy
	window   time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// ManagerOption configures an InvalidationManager at construction time.
type ManagerOption func(*InvalidationManager)

// WithDebounceWindow sets the coalescing window for StrategyDebounced.
// Ignored by the other strategies.
func WithDebounceWindow(d time.Duration) ManagerOption {
	return func(m *InvalidationManager) { m.window = d }
}

// WithManagerLogger attaches a logger for invalidation bookkeeping.
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *InvalidationManager) { m.logger = logger }
}

// NewInvalidationManager constructs a manager that invalidates cache against
// strategy whenever a capsule lifecycle event fires.
func NewInvalidationManager(cache *Cache, strategy Strategy, opts ...ManagerOption) *InvalidationManager {
	m := &InvalidationManager{
		cache:    cache,
		strategy: strategy,
		window:   2 * time.Second,
		logger:   zap.NewNop(),
		pending:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers the manager's handlers against bus for every capsule
// lifecycle event type.
func (m *InvalidationManager) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe("capsule.created", m.onCapsuleCreated)
	bus.Subscribe("capsule.updated", m.onCapsuleUpdated)
	bus.Subscribe("capsule.deleted", m.onCapsuleDeleted)
}

func (m *InvalidationManager) onCapsuleCreated(ctx context.Context, evt eventbus.Event) error {
	e, ok := evt.(eventbus.CapsuleCreatedEvent)
	if !ok {
		return nil
	}
	m.invalidate(e.CapsuleID.String())
	return nil
}

func (m *InvalidationManager) onCapsuleUpdated(ctx context.Context, evt eventbus.Event) error {
	e, ok := evt.(eventbus.CapsuleUpdatedEvent)
	if !ok {
		return nil
	}
	m.invalidate(e.CapsuleID.String())
	return nil
}

func (m *InvalidationManager) onCapsuleDeleted(ctx context.Context, evt eventbus.Event) error {
	e, ok := evt.(eventbus.CapsuleDeletedEvent)
	if !ok {
		return nil
	}
	m.invalidate(e.CapsuleID.String())
	return nil
}

// invalidate dispatches capsuleID to the configured strategy.
func (m *InvalidationManager) invalidate(capsuleID string) {
	switch m.strategy {
	case StrategyLazy:
		n := m.cache.MarkStaleByCapsule(capsuleID)
		m.logger.Debug("marked cache entries stale", zap.String("capsule_id", capsuleID), zap.Int("count", n))
	case StrategyDebounced:
		m.debounce(capsuleID)
	default: // StrategyImmediate
		n := m.cache.InvalidateByCapsule(capsuleID)
		m.logger.Debug("invalidated cache entries", zap.String("capsule_id", capsuleID), zap.Int("count", n))
	}
}

// debounce coalesces repeated invalidations for the same capsule within the
// configured window into a single InvalidateByCapsule call, the way a burst
// of rapid edits to one capsule should only flush its cached queries once.
func (m *InvalidationManager) debounce(capsuleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, exists := m.pending[capsuleID]; exists {
		t.Stop()
	}
	m.pending[capsuleID] = time.AfterFunc(m.window, func() {
		m.mu.Lock()
		delete(m.pending, capsuleID)
		m.mu.Unlock()

		n := m.cache.InvalidateByCapsule(capsuleID)
		m.logger.Debug("debounced cache invalidation fired", zap.String("capsule_id", capsuleID), zap.Int("count", n))
	})
}

// Close cancels any pending debounce timers without firing them, for clean
// shutdown.
func (m *InvalidationManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.pending {
		t.Stop()
		delete(m.pending, id)
	}
}
