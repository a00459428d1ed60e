// Package partition implements the Partition Manager (spec §4.8, C8):
// domain/user/hash-based capsule placement, partition lifecycle, and
// periodic utilization rebalancing. Grounded on original_source's
// partition_manager.py for the assignment-score formula, rebalance-job
// shape, and the security-fixed SHA-256 partition id derivation; the
// background loop follows the teacher's AnchorSchedulerService ticker
// pattern (pkg/anchor/scheduler.go).
package partition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgehq/forge/pkg/ferrors"
)

// Strategy selects how a partition chooses the capsules it owns.
type Strategy string

const (
	StrategyDomain Strategy = "domain"
	StrategyUser   Strategy = "user"
	StrategyTime   Strategy = "time"
	StrategyHash   Strategy = "hash"
	StrategyHybrid Strategy = "hybrid"
)

// State is a partition's lifecycle state.
type State string

const (
	StateActive      State = "active"
	StateRebalancing State = "rebalancing"
	StateReadOnly    State = "readonly"
	StateDraining    State = "draining"
	StateOffline     State = "offline"
)

// Stats tracks a partition's load. The Manager keeps CapsuleCount current on
// assignment and rebalancing; nothing in this package updates the other
// fields.
type Stats struct {
	CapsuleCount    int
	EdgeCount       int
	TotalSizeBytes  int64
	AvgQueryLatency time.Duration
	LastWriteAt     time.Time
	LastQueryAt     time.Time
}

// Partition is one shard of the capsule graph.
type Partition struct {
	ID        string
	Name      string
	Strategy  Strategy
	CreatedAt time.Time
	State     State
	Stats     Stats

	DomainTags map[string]bool
	UserIDs    map[string]bool
	HashRange  [2]int // [low, high) out of 100

	MaxCapsules int
	MaxEdges    int
}

// IsFull reports whether the partition has reached its capsule capacity.
func (p *Partition) IsFull() bool {
	return p.MaxCapsules > 0 && p.Stats.CapsuleCount >= p.MaxCapsules
}

// Utilization returns the percentage of capacity consumed.
func (p *Partition) Utilization() float64 {
	if p.MaxCapsules <= 0 {
		return 0
	}
	return float64(p.Stats.CapsuleCount) / float64(p.MaxCapsules) * 100
}

// RebalanceJob records one rebalancing pass between two partitions.
type RebalanceJob struct {
	JobID           string
	SourcePartition string
	TargetPartition string
	CapsulesToMove  []string
	MovedCount      int
	Status          string // pending, running, completed, failed
	StartedAt       time.Time
	CompletedAt     time.Time
}

// Config governs assignment, capacity, and rebalancing behavior.
type Config struct {
	Enabled                 bool
	AutoRebalance           bool
	MaxCapsulesPerPartition int
	RebalanceThreshold      float64 // fractional imbalance that triggers a rebalance
	RebalanceCheckInterval  time.Duration
	RebalanceFraction       float64 // fraction of source capsules moved per pass
}

// DefaultConfig mirrors original_source's resilience config defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		AutoRebalance:           true,
		MaxCapsulesPerPartition: 50000,
		RebalanceThreshold:      0.2,
		RebalanceCheckInterval:  time.Hour,
		RebalanceFraction:       0.1,
	}
}

// Manager owns the partition set, capsule-to-partition assignment map, and
// rebalancing jobs.
type Manager struct {
	mu               sync.RWMutex
	config           Config
	partitions       map[string]*Partition
	capsulePartition map[string]string
	rebalanceJobs    map[string]*RebalanceJob

	logger *zap.Logger
	nowFn  func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithConfig overrides the default config.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.config = cfg }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New constructs a Manager with a single "default" hash partition, mirroring
// original_source's PartitionManager.initialize.
func New(opts ...Option) *Manager {
	m := &Manager{
		config:           DefaultConfig(),
		partitions:       make(map[string]*Partition),
		capsulePartition: make(map[string]string),
		rebalanceJobs:    make(map[string]*RebalanceJob),
		logger:           zap.NewNop(),
		nowFn:            time.Now,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.partitions["default"] = &Partition{
		ID:          "default",
		Name:        "Default Partition",
		Strategy:    StrategyHash,
		CreatedAt:   m.nowFn(),
		State:       StateActive,
		DomainTags:  map[string]bool{},
		UserIDs:     map[string]bool{},
		HashRange:   [2]int{0, 100},
		MaxCapsules: m.config.MaxCapsulesPerPartition,
	}
	return m
}

// Run starts the background rebalancing loop, following the teacher's
// ticker-driven Start/Stop shape (pkg/anchor/scheduler.go). It returns
// immediately; call Stop to terminate the loop.
func (m *Manager) Run(ctx context.Context) {
	if !m.config.Enabled || !m.config.AutoRebalance {
		close(m.doneCh)
		return
	}
	go m.rebalanceLoop(ctx)
}

func (m *Manager) rebalanceLoop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.config.RebalanceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.TriggerRebalance(ctx); err != nil {
				m.logger.Error("background_rebalance_error", zap.Error(err))
			}
		}
	}
}

// Stop signals the rebalance loop to exit and waits for it.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh
}

// CreatePartition registers a new partition, deriving its id from a
// SHA-256 prefix of name (original_source's Audit 4 H16 fix: SHA-256/16
// hex chars, not MD5/8, to keep collision probability negligible at scale).
func (m *Manager) CreatePartition(name string, strategy Strategy, domainTags []string, maxCapsules int) *Partition {
	sum := sha256.Sum256([]byte(name))
	id := "p_" + hex.EncodeToString(sum[:])[:16]

	if maxCapsules <= 0 {
		maxCapsules = m.config.MaxCapsulesPerPartition
	}

	tags := make(map[string]bool, len(domainTags))
	for _, t := range domainTags {
		tags[t] = true
	}

	p := &Partition{
		ID:          id,
		Name:        name,
		Strategy:    strategy,
		CreatedAt:   m.nowFn(),
		State:       StateActive,
		DomainTags:  tags,
		UserIDs:     map[string]bool{},
		HashRange:   [2]int{0, 100},
		MaxCapsules: maxCapsules,
	}

	m.mu.Lock()
	m.partitions[id] = p
	m.mu.Unlock()

	m.logger.Info("partition_created", zap.String("partition_id", id), zap.String("name", name), zap.String("strategy", string(strategy)))
	return p
}

// GetPartition returns the partition with the given id, if any.
func (m *Manager) GetPartition(id string) (*Partition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.partitions[id]
	return p, ok
}

// ListPartitions returns every known partition.
func (m *Manager) ListPartitions() []*Partition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Partition, 0, len(m.partitions))
	for _, p := range m.partitions {
		out = append(out, p)
	}
	return out
}

// AssignCapsule picks the best partition for capsuleID given its domain
// tags and owner, records the assignment, and returns the partition id.
func (m *Manager) AssignCapsule(capsuleID string, domainTags []string, ownerID string) string {
	if !m.config.Enabled {
		return "default"
	}

	id := m.findBestPartition(capsuleID, domainTags, ownerID)

	m.mu.Lock()
	m.capsulePartition[capsuleID] = id
	if p, ok := m.partitions[id]; ok {
		p.Stats.CapsuleCount++
	}
	m.mu.Unlock()

	return id
}

// CapsulePartition returns the partition id capsuleID was assigned to, if
// known.
func (m *Manager) CapsulePartition(capsuleID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.capsulePartition[capsuleID]
	return id, ok
}

func (m *Manager) findBestPartition(capsuleID string, domainTags []string, ownerID string) string {
	type candidate struct {
		id    string
		score float64
	}

	m.mu.RLock()
	var candidates []candidate
	for _, p := range m.partitions {
		if p.State != StateActive || p.IsFull() {
			continue
		}
		candidates = append(candidates, candidate{id: p.ID, score: m.scorePartition(p, capsuleID, domainTags, ownerID)})
	}
	m.mu.RUnlock()

	if len(candidates) == 0 {
		newP := m.CreatePartition(fmt.Sprintf("auto-%d", m.nowFn().UnixNano()), StrategyHash, nil, 0)
		return newP.ID
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score {
			best = c
		}
	}
	return best.id
}

// scorePartition implements the affinity-score formula from
// original_source's _calculate_partition_score: domain-tag overlap * 10,
// owner match worth 20, hash-range match worth 15, plus a bonus favoring
// less-utilized partitions.
func (m *Manager) scorePartition(p *Partition, capsuleID string, domainTags []string, ownerID string) float64 {
	var score float64

	if len(domainTags) > 0 && len(p.DomainTags) > 0 {
		var overlap int
		for _, t := range domainTags {
			if p.DomainTags[t] {
				overlap++
			}
		}
		score += float64(overlap) * 10
	}

	if ownerID != "" && p.UserIDs[ownerID] {
		score += 20
	}

	if p.Strategy == StrategyHash {
		sum := sha256.Sum256([]byte(capsuleID))
		hashVal := int(sum[0])<<8 | int(sum[1])
		hashVal %= 100
		if p.HashRange[0] <= hashVal && hashVal < p.HashRange[1] {
			score += 15
		}
	}

	score += (100 - p.Utilization()) / 10
	return score
}

// TriggerRebalance starts a rebalance job if the spread between the most
// and least utilized partitions exceeds RebalanceThreshold.
func (m *Manager) TriggerRebalance(ctx context.Context) (*RebalanceJob, error) {
	if !m.config.Enabled || !m.config.AutoRebalance {
		return nil, nil
	}

	m.mu.RLock()
	partitions := make([]*Partition, 0, len(m.partitions))
	for _, p := range m.partitions {
		partitions = append(partitions, p)
	}
	m.mu.RUnlock()

	if len(partitions) == 0 {
		return nil, nil
	}

	maxUtil, minUtil := partitions[0].Utilization(), partitions[0].Utilization()
	var source, target *Partition
	source, target = partitions[0], partitions[0]
	for _, p := range partitions {
		u := p.Utilization()
		if u > maxUtil {
			maxUtil = u
			source = p
		}
		if u < minUtil {
			minUtil = u
			target = p
		}
	}

	imbalance := (maxUtil - minUtil) / 100
	if imbalance < m.config.RebalanceThreshold {
		return nil, nil
	}

	job := &RebalanceJob{
		JobID:           fmt.Sprintf("rebal_%d", m.nowFn().UnixNano()),
		SourcePartition: source.ID,
		TargetPartition: target.ID,
		Status:          "pending",
	}

	m.mu.Lock()
	m.rebalanceJobs[job.JobID] = job
	m.mu.Unlock()

	m.logger.Info("rebalance_triggered",
		zap.String("job_id", job.JobID),
		zap.String("source", source.ID),
		zap.String("target", target.ID),
		zap.Float64("imbalance", imbalance))

	go m.safeExecuteRebalance(job)

	return job, nil
}

// safeExecuteRebalance runs executeRebalance and converts a panic into a
// failed job status, the way original_source's _safe_rebalance wraps
// _execute_rebalance in a try/except before scheduling it as a task.
func (m *Manager) safeExecuteRebalance(job *RebalanceJob) {
	defer func() {
		if r := recover(); r != nil {
			m.mu.Lock()
			job.Status = "failed"
			m.mu.Unlock()
			m.logger.Error("rebalance_execution_panic", zap.String("job_id", job.JobID), zap.Any("panic", r))
		}
	}()
	m.executeRebalance(job)
}

func (m *Manager) executeRebalance(job *RebalanceJob) {
	m.mu.Lock()
	job.Status = "running"
	job.StartedAt = m.nowFn()

	source, sourceOK := m.partitions[job.SourcePartition]
	target, targetOK := m.partitions[job.TargetPartition]
	if !sourceOK || !targetOK {
		job.Status = "failed"
		m.mu.Unlock()
		return
	}

	source.State = StateRebalancing
	target.State = StateRebalancing

	toMove := int(float64(source.Stats.CapsuleCount) * m.config.RebalanceFraction)
	var moved int
	for capsuleID, partitionID := range m.capsulePartition {
		if partitionID != source.ID || moved >= toMove {
			continue
		}
		m.capsulePartition[capsuleID] = target.ID
		source.Stats.CapsuleCount--
		target.Stats.CapsuleCount++
		job.CapsulesToMove = append(job.CapsulesToMove, capsuleID)
		moved++
	}

	job.MovedCount = moved
	job.Status = "completed"
	job.CompletedAt = m.nowFn()
	source.State = StateActive
	target.State = StateActive
	m.mu.Unlock()

	m.logger.Info("rebalance_completed", zap.String("job_id", job.JobID), zap.Int("moved", moved))
}

// RebalanceStatus returns a snapshot of every rebalance job.
func (m *Manager) RebalanceStatus() []RebalanceJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RebalanceJob, 0, len(m.rebalanceJobs))
	for _, j := range m.rebalanceJobs {
		out = append(out, *j)
	}
	return out
}

// ErrPartitionNotFound is returned by lookups against an unknown partition.
var ErrPartitionNotFound = ferrors.New(ferrors.KindPartitionNotFound, "partition not found")
