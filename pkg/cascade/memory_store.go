package cascade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryChainStore is an in-memory ChainStore used by tests and
// single-node development, mirroring pkg/store/memory's role for the
// Capsule Store port.
type MemoryChainStore struct {
	mu     sync.Mutex
	chains map[uuid.UUID]*Chain
}

// NewMemoryChainStore constructs an empty MemoryChainStore.
func NewMemoryChainStore() *MemoryChainStore {
	return &MemoryChainStore{chains: make(map[uuid.UUID]*Chain)}
}

// CreateChain implements ChainStore.
func (m *MemoryChainStore) CreateChain(ctx context.Context, chain *Chain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.chains[chain.CascadeID]; exists {
		return fmt.Errorf("cascade %s already exists", chain.CascadeID)
	}
	cp := *chain
	m.chains[chain.CascadeID] = &cp
	return nil
}

// AppendEvent implements ChainStore.
func (m *MemoryChainStore) AppendEvent(ctx context.Context, cascadeID uuid.UUID, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain, ok := m.chains[cascadeID]
	if !ok {
		return fmt.Errorf("cascade %s not found", cascadeID)
	}
	chain.Events = append(chain.Events, evt)
	return nil
}

// CompleteChain implements ChainStore.
func (m *MemoryChainStore) CompleteChain(ctx context.Context, cascadeID uuid.UUID, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain, ok := m.chains[cascadeID]
	if !ok {
		return fmt.Errorf("cascade %s not found", cascadeID)
	}
	chain.Status = StatusCompleted
	chain.CompletedAt = completedAt
	return nil
}

// Get returns a copy of the stored chain, for test assertions.
func (m *MemoryChainStore) Get(cascadeID uuid.UUID) (*Chain, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain, ok := m.chains[cascadeID]
	if !ok {
		return nil, false
	}
	cp := *chain
	return &cp, true
}
