// Package engine is Forge's composition root. It wires the Capsule Store,
// Event Bus, Overlay Registry, Cascade Pipeline, Query Cache, Semantic Edge
// Detector, Partition Manager, Federation Protocol, and Lineage Tiered
// Storage into a single Engine value with no package-level globals,
// grounded on the teacher's main.go wiring style (one startValidator
// function assembling every component and threading the results through
// explicit struct fields rather than init()-time singletons). Run starts
// every component's background loop and blocks until ctx is cancelled,
// mirroring the teacher's goroutine-per-service-plus-signal-wait shutdown
// shape.
package engine

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"sync"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"go.uber.org/zap"

	"github.com/forgehq/forge/pkg/cache"
	"github.com/forgehq/forge/pkg/capsule"
	"github.com/forgehq/forge/pkg/cascade"
	"github.com/forgehq/forge/pkg/config"
	"github.com/forgehq/forge/pkg/eventbus"
	"github.com/forgehq/forge/pkg/federation"
	"github.com/forgehq/forge/pkg/ferrors"
	"github.com/forgehq/forge/pkg/integrity"
	"github.com/forgehq/forge/pkg/kvdb"
	"github.com/forgehq/forge/pkg/lineage"
	"github.com/forgehq/forge/pkg/overlay"
	"github.com/forgehq/forge/pkg/partition"
	"github.com/forgehq/forge/pkg/partition/executor"
	"github.com/forgehq/forge/pkg/semantic"
	"github.com/forgehq/forge/pkg/store"
	"github.com/forgehq/forge/pkg/store/memory"
	"github.com/forgehq/forge/pkg/store/postgres"
	"github.com/forgehq/forge/pkg/telemetry"
)

// Engine owns every long-lived Forge component for one instance. There is
// exactly one Engine per process; callers construct it once in main and
// pass it (or the narrow ports it exposes) down to HTTP handlers, CLI
// commands, or tests.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	Store      store.Store
	Bus        *eventbus.Bus
	Overlays   *overlay.Registry
	Integrity  *integrity.Service
	Cascade    *cascade.Pipeline
	Cache      *cache.Cache
	Invalidate *cache.InvalidationManager
	Semantic   *semantic.Detector
	Partitions *partition.Manager
	Router     *partition.Router
	Executor   *executor.Executor
	Federation *federation.Protocol
	Lineage    *lineage.Storage
	Deltas     *lineage.Compressor
	Metrics    *telemetry.Metrics

	chainStore *cascade.MemoryChainStore
	queryFunc  executor.QueryFunc

	closeOnce sync.Once
}

// Option customizes Engine construction, mirroring the per-package
// functional-option convention used throughout pkg/.
type Option func(*Engine) error

// WithStore overrides the default store selection (postgres when
// cfg.GraphStoreURI is set, otherwise an in-memory store), useful for
// tests that want a fresh memory.Store per case.
func WithStore(s store.Store) Option {
	return func(e *Engine) error {
		e.Store = s
		return nil
	}
}

// WithQueryFunc wires the Cross-Partition Executor's query function, the
// one piece New cannot default sensibly since it depends on the host's
// query surface (spec §4.9 leaves query execution itself out of scope).
// Without it, cross-partition queries fail with a ferrors.KindConfig error
// for every partition visited.
func WithQueryFunc(fn executor.QueryFunc) Option {
	return func(e *Engine) error {
		e.queryFunc = fn
		return nil
	}
}

// New constructs a fully wired Engine from cfg. Federation is left nil
// when cfg.EnableFederation is false; callers must check for nil before
// using it, the same degradation pattern the teacher's main.go applies to
// its optional database connection.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		Overlays:  overlay.New(),
		Integrity: integrity.NewService(),
		Metrics:   telemetry.NewMetrics(),
	}
	e.Bus = eventbus.New(eventbus.WithLogger(telemetry.Component(logger, "eventbus")))

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	if e.Store == nil {
		s, err := defaultStore(ctx, cfg, logger)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.KindConfig, "construct capsule store", err)
		}
		e.Store = s
	}

	e.chainStore = cascade.NewMemoryChainStore()
	e.Cascade = cascade.New(e.Overlays, e.chainStore, e.Bus,
		cascade.WithLogger(telemetry.Component(logger, "cascade")))

	e.Cache = cache.New(
		cache.WithTTL(cache.QueryTypeLineage, cfg.CacheTTLLineage),
		cache.WithTTL(cache.QueryTypeSearch, cfg.CacheTTLSearch),
		cache.WithTTL(cache.QueryTypeGeneral, cfg.CacheTTLGeneral),
		cache.WithMaxBytes(cfg.CacheMaxBytes),
		cache.WithMaxResultBytes(cfg.CacheMaxCachedResultBytes),
		cache.WithRejectHook(func(key string, size int64) { e.Metrics.CacheRejectedTooLarge.Inc() }),
		cache.WithEvictHook(func(key string) { e.Metrics.CacheEvictions.Inc() }),
	)
	if cfg.EnableCaching {
		e.Invalidate = cache.NewInvalidationManager(e.Cache, cache.StrategyDebounced,
			cache.WithManagerLogger(telemetry.Component(logger, "cache.invalidation")))
		e.Invalidate.Subscribe(e.Bus)
	}

	if cfg.EnableSemanticDetection {
		classifier := semantic.Classifier(noopClassifier{})
		if cfg.SemanticLLMEndpoint != "" {
			classifier = semantic.NewHTTPClassifier(cfg.SemanticLLMEndpoint, cfg.SemanticLLMAPIKey, cfg.SemanticLLMModel, cfg.PeerRequestTimeout)
		}
		e.Semantic = semantic.New(e.Store, classifier,
			semantic.WithConfig(semantic.Config{
				SimilarityThreshold: cfg.SemanticSimilarityThreshold,
				ConfidenceThreshold: cfg.SemanticConfidenceThreshold,
				MaxCandidates:       cfg.SemanticMaxCandidates,
				Enabled:             true,
				EnabledTypes:        semantic.DefaultConfig().EnabledTypes,
			}),
			semantic.WithLogger(telemetry.Component(logger, "semantic")))
	}

	partitionCfg := partition.DefaultConfig()
	partitionCfg.Enabled = cfg.EnablePartitioning
	partitionCfg.AutoRebalance = cfg.EnablePartitioning
	if cfg.PartitionMaxCapsules > 0 {
		partitionCfg.MaxCapsulesPerPartition = cfg.PartitionMaxCapsules
	}
	if cfg.PartitionRebalanceThreshold > 0 {
		partitionCfg.RebalanceThreshold = cfg.PartitionRebalanceThreshold
	}
	e.Partitions = partition.New(
		partition.WithConfig(partitionCfg),
		partition.WithLogger(telemetry.Component(logger, "partition")))
	e.Router = partition.NewRouter(e.Partitions)
	queryFn := e.queryFunc
	if queryFn == nil {
		queryFn = unconfiguredQueryFunc
	}
	e.Executor = executor.New(e.Router, queryFn)

	if cfg.EnableFederation {
		fed, err := newFederationProtocol(cfg, logger)
		if err != nil {
			return nil, err
		}
		e.Federation = fed
	}

	coldStore, err := newLineageColdStore(cfg)
	if err != nil {
		return nil, err
	}
	e.Lineage = lineage.New(
		lineage.WithConfig(lineage.Config{
			Enabled:                true,
			Tier1MaxAgeDays:        cfg.Tier1MaxAgeDays,
			Tier2MaxAgeDays:        cfg.Tier2MaxAgeDays,
			Tier1MinTrust:          cfg.Tier1MinTrust,
			Tier2MinTrust:          cfg.Tier2MinTrust,
			MigrationCheckInterval: time.Hour,
		}),
		lineage.WithColdStore(coldStore),
		lineage.WithLogger(telemetry.Component(logger, "lineage")))
	e.Deltas = lineage.NewCompressor(
		lineage.WithMaxDeltaChain(cfg.MaxDeltaChain),
		lineage.WithCompressorLogger(telemetry.Component(logger, "lineage.delta")))

	return e, nil
}

func defaultStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.GraphStoreURI == "" {
		logger.Warn("FORGE_GRAPH_STORE_URI not set, running with an in-memory capsule store")
		return memory.New(), nil
	}
	s, err := postgres.New(ctx, cfg.GraphStoreURI, 20, 5, postgres.WithLogger(telemetry.Component(logger, "store.postgres")))
	if err != nil {
		return nil, err
	}
	if err := s.MigrateUp(ctx); err != nil {
		logger.Warn("capsule store migration failed", zap.Error(err))
	}
	return s, nil
}

// newLineageColdStore builds the COLD-tier key-value backend. With no
// directory configured it falls back to an in-memory store, matching the
// in-memory capsule store fallback in defaultStore.
func newLineageColdStore(cfg *config.Config) (*kvdb.KVAdapter, error) {
	if cfg.LineageColdStoreDir == "" {
		return kvdb.NewKVAdapter(dbm.NewMemDB()), nil
	}
	db, err := dbm.NewGoLevelDB("lineage-cold", cfg.LineageColdStoreDir)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindLineageColdStore, "open lineage cold store", err)
	}
	return kvdb.NewKVAdapter(db), nil
}

func newFederationProtocol(cfg *config.Config, logger *zap.Logger) (*federation.Protocol, error) {
	opts := []federation.Option{federation.WithLogger(telemetry.Component(logger, "federation"))}
	if cfg.FederationPrivateKeyPath != "" {
		priv, err := loadFederationKey(cfg.FederationPrivateKeyPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, federation.WithPrivateKey(priv))
	}
	fed, err := federation.New(cfg.InstanceID, cfg.InstanceName, opts...)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindConfig, "construct federation protocol", err)
	}
	return fed, nil
}

// loadFederationKey reads a persisted Ed25519 identity from disk, following
// the teacher's loadOrGenerateEd25519Key file convention (raw key bytes,
// restrictive file permissions enforced at write time by whatever
// provisioned the file).
func loadFederationKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindConfig, fmt.Sprintf("read federation key from %s", path), err)
	}
	if len(data) != ed25519.PrivateKeySize {
		return nil, ferrors.New(ferrors.KindConfig, fmt.Sprintf("federation key at %s has wrong size: want %d bytes, got %d", path, ed25519.PrivateKeySize, len(data)))
	}
	return ed25519.PrivateKey(data), nil
}

// noopClassifier backs the Semantic Edge Detector when semantic detection
// is enabled but no LLM endpoint is configured: every candidate pair is
// reported NONE, so detection degrades to a no-op instead of failing every
// call with a network error.
type noopClassifier struct{}

func (noopClassifier) Complete(ctx context.Context, prompt string) (string, error) {
	return `{"relationship_type":"NONE","confidence":0,"reasoning":"no classifier configured","bidirectional":false}`, nil
}

func unconfiguredQueryFunc(ctx context.Context, partitionID string, query string, params map[string]interface{}, maxResults int) ([]executor.Record, error) {
	return nil, ferrors.New(ferrors.KindConfig, "no query function configured: pass engine.WithQueryFunc to engine.New")
}

// Run starts every component's background loop (partition rebalancing,
// lineage tier migration) and blocks until ctx is cancelled. Both
// Manager.Run and Storage.Run spawn their own loop goroutine and return
// immediately, so Run here waits on ctx directly and then calls each
// component's Stop, which blocks until its loop has actually exited. A
// panic inside either loop is already recovered by the component itself
// (pkg/partition's safeExecuteRebalance, pkg/lineage's
// safePerformMigration) and never reaches this function.
func (e *Engine) Run(ctx context.Context) error {
	e.Partitions.Run(ctx)
	e.Lineage.Run(ctx)

	<-ctx.Done()
	e.logger.Info("engine shutting down")
	e.Partitions.Stop()
	e.Lineage.Stop()
	return nil
}

// Close releases resources held by the Engine's components (store
// connections, invalidation-manager timers). Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.Invalidate != nil {
			e.Invalidate.Close()
		}
		if e.Store != nil {
			err = e.Store.Close()
		}
	})
	return err
}

// IngestCapsule runs the full write path for a new capsule (spec §4's
// cross-cutting create flow): hash and optionally sign the content, mint a
// Merkle root chained off the parent, assign it to a partition, persist
// it, publish a CapsuleCreated event (driving cache invalidation),
// schedule the Cascade Pipeline and Semantic Edge Detector in the
// background, and record its lineage entry. It is the single place that
// exercises every wired component together, grounded on the teacher's
// startValidator-constructed request path rather than any one package's
// internal method.
func (e *Engine) IngestCapsule(ctx context.Context, c *capsule.Capsule, priv ed25519.PrivateKey) error {
	c.ContentHash = e.Integrity.HashContent(c.Content)
	if priv != nil {
		c.Signature = e.Integrity.Sign(c.ContentHash, priv)
	}
	c.MerkleRoot = e.Integrity.MerkleRoot(c.ContentHash, c.ParentMerkleRoot)

	if e.Partitions != nil {
		owner := ""
		if c.CreatedBy != "" {
			owner = c.CreatedBy
		}
		c.PartitionID = e.Partitions.AssignCapsule(c.ID.String(), c.Tags, owner)
	}

	if err := e.Store.CreateCapsule(ctx, c); err != nil {
		return err
	}

	e.Bus.Publish(ctx, eventbus.NewCapsuleCreated(c.ID.String(), c.ID, string(c.Type), c.CreatedBy, c.CreatedAt))

	e.scheduleCascade(c)
	e.scheduleSemanticAnalysis(c)

	trust := c.TrustLevel
	parent := ""
	if len(c.ParentIDs) > 0 {
		parent = c.ParentIDs[0].String()
	}
	entry := &lineage.Entry{
		EntryID:          c.ID.String(),
		CapsuleID:        c.ID.String(),
		ParentID:         parent,
		RelationshipType: "derived_from",
		CreatedAt:        c.CreatedAt,
		TrustLevel:       trust,
	}
	if err := e.Lineage.Store(ctx, entry); err != nil {
		e.logger.Warn("lineage entry store failed", zap.Error(err))
	}

	return nil
}

// scheduleCascade runs the capsule's originating insight through the
// Cascade Pipeline in the background, the way spec §2's write-path data
// flow routes `capsule.created` into "Cascade Pipeline schedules overlays"
// without blocking the ingest caller on overlay fan-out.
func (e *Engine) scheduleCascade(c *capsule.Capsule) {
	go func() {
		insight := cascade.OriginatingInsight{
			SourceOverlay: "capsule_created",
			InsightType:   string(c.Type),
			InsightData: map[string]interface{}{
				"capsule_id":   c.ID.String(),
				"content_hash": c.ContentHash,
				"tags":         c.Tags,
			},
			MaxHops:       e.cfg.CascadeMaxHops,
			CorrelationID: c.ID.String(),
		}
		if _, err := e.Cascade.Run(context.Background(), insight); err != nil {
			e.logger.Warn("cascade run failed", zap.String("capsule_id", c.ID.String()), zap.Error(err))
		}
	}()
}

// scheduleSemanticAnalysis runs the Semantic Edge Detector over the new
// capsule in the background (spec §2: "Semantic-Edge Detector runs in
// background"). A no-op when semantic detection is disabled.
func (e *Engine) scheduleSemanticAnalysis(c *capsule.Capsule) {
	if e.Semantic == nil {
		return
	}
	go func() {
		if _, err := e.Semantic.AnalyzeCapsule(context.Background(), c, c.CreatedBy); err != nil {
			e.logger.Warn("semantic analysis failed", zap.String("capsule_id", c.ID.String()), zap.Error(err))
		}
	}()
}
