// Package postgres is the production Capsule Store adapter, backed by
// PostgreSQL via lib/pq. Grounded on the teacher's pkg/database/client.go
// (connection pooling, embedded migrations, transaction wrapper) and
// pkg/database/repository_*.go (parameterized-query repository style).
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgehq/forge/pkg/capsule"
	"github.com/forgehq/forge/pkg/ferrors"
	"github.com/forgehq/forge/pkg/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the PostgreSQL-backed Capsule Store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New opens a connection pool against dsn and verifies connectivity.
func New(ctx context.Context, dsn string, maxOpenConns, maxIdleConns int, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, ferrors.New(ferrors.KindConfig, "postgres dsn cannot be empty")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = 20
	}
	if maxIdleConns <= 0 {
		maxIdleConns = 5
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// migration is one embedded schema file.
type migration struct {
	version  string
	filename string
	sql      string
}

// MigrateUp applies every embedded migration not yet recorded in
// schema_migrations, in version order.
func (s *Store) MigrateUp(ctx context.Context) error {
	migrations, err := s.loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		applied = map[string]bool{}
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
		s.logger.Info("applied migration", zap.String("version", m.version))
	}
	return nil
}

func (s *Store) loadMigrations() ([]migration, error) {
	var out []migration
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return err
		}
		out = append(out, migration{
			version:  strings.TrimSuffix(d.Name(), ".sql"),
			filename: d.Name(),
			sql:      string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	return tx.Commit()
}

// execer abstracts over *sql.DB and *sql.Tx so repository methods can run
// either standalone or inside WithTx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) exec() execer { return s.db }

// CreateCapsule implements store.Store.
func (s *Store) CreateCapsule(ctx context.Context, c *capsule.Capsule) error {
	return s.createCapsule(ctx, s.exec(), c)
}

func (s *Store) createCapsule(ctx context.Context, ex execer, c *capsule.Capsule) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO capsules (
			id, content_hash, signature, merkle_root, title, content, content_type,
			type, tags, trust_level, parent_ids, parent_merkle_root, embedding,
			created_by, created_at, updated_at, version, partition_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		c.ID, c.ContentHash, c.Signature, c.MerkleRoot, c.Title, c.Content, c.ContentType,
		string(c.Type), pqStrings(c.Tags), c.TrustLevel, pqUUIDs(c.ParentIDs), c.ParentMerkleRoot, pqFloats(c.Embedding),
		c.CreatedBy, c.CreatedAt, nullTime(c.UpdatedAt), c.Version, c.PartitionID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ferrors.Wrap(ferrors.KindStoreConflict, fmt.Sprintf("capsule %s already exists", c.ID), err)
		}
		return ferrors.Wrap(ferrors.KindStoreTransient, "insert capsule", err)
	}
	return nil
}

// UpdateCapsule implements store.Store.
func (s *Store) UpdateCapsule(ctx context.Context, c *capsule.Capsule) error {
	res, err := s.exec().ExecContext(ctx, `
		UPDATE capsules SET
			content_hash=$2, signature=$3, merkle_root=$4, title=$5, content=$6,
			content_type=$7, type=$8, tags=$9, trust_level=$10, embedding=$11,
			updated_at=$12, version=$13, partition_id=$14
		WHERE id=$1
	`,
		c.ID, c.ContentHash, c.Signature, c.MerkleRoot, c.Title, c.Content,
		c.ContentType, string(c.Type), pqStrings(c.Tags), c.TrustLevel, pqFloats(c.Embedding),
		nullTime(c.UpdatedAt), c.Version, c.PartitionID,
	)
	if err != nil {
		return ferrors.Wrap(ferrors.KindStoreTransient, "update capsule", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ferrors.New(ferrors.KindStoreNotFound, fmt.Sprintf("capsule %s not found", c.ID))
	}
	return nil
}

// DeleteCapsule implements store.Store.
func (s *Store) DeleteCapsule(ctx context.Context, id uuid.UUID) error {
	_, err := s.exec().ExecContext(ctx, `DELETE FROM capsules WHERE id = $1`, id)
	if err != nil {
		return ferrors.Wrap(ferrors.KindStoreTransient, "delete capsule", err)
	}
	return nil
}

// FindByID implements store.Store.
func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*capsule.Capsule, error) {
	row := s.exec().QueryRowContext(ctx, `
		SELECT id, content_hash, signature, merkle_root, title, content, content_type,
		       type, tags, trust_level, parent_ids, parent_merkle_root, embedding,
		       created_by, created_at, updated_at, version, partition_id
		FROM capsules WHERE id = $1
	`, id)
	c, err := scanCapsule(row)
	if err == sql.ErrNoRows {
		return nil, ferrors.New(ferrors.KindStoreNotFound, fmt.Sprintf("capsule %s not found", id))
	}
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindStoreTransient, "scan capsule", err)
	}
	return c, nil
}

// FindSimilarByEmbedding implements store.Store. Without a vector extension
// installed, similarity is computed in application code over a bounded
// candidate set fetched with a parameterized query; a deployment with
// pgvector can swap this body for an ORDER BY <-> LIMIT query without
// changing the interface.
func (s *Store) FindSimilarByEmbedding(ctx context.Context, vec []float32, k int, minSim float64) ([]store.SimilarCapsule, error) {
	rows, err := s.exec().QueryContext(ctx, `
		SELECT id, content_hash, signature, merkle_root, title, content, content_type,
		       type, tags, trust_level, parent_ids, parent_merkle_root, embedding,
		       created_by, created_at, updated_at, version, partition_id
		FROM capsules WHERE embedding IS NOT NULL
	`)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindStoreTransient, "query candidates", err)
	}
	defer rows.Close()

	var out []store.SimilarCapsule
	for rows.Next() {
		c, err := scanCapsuleRows(rows)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.KindStoreTransient, "scan candidate", err)
		}
		sim := cosineSimilarity(vec, c.Embedding)
		if sim >= minSim {
			out = append(out, store.SimilarCapsule{Capsule: c, Similarity: sim})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out, rows.Err()
}

// CreateEdge implements store.Store.
func (s *Store) CreateEdge(ctx context.Context, e *capsule.Edge) error {
	props, err := marshalProperties(e.Properties)
	if err != nil {
		return ferrors.Wrap(ferrors.KindStoreTransient, "marshal edge properties", err)
	}
	_, err = s.exec().ExecContext(ctx, `
		INSERT INTO edges (id, source_id, target_id, relationship_type, confidence,
		                    reason, auto_detected, properties, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.ID, e.SourceID, e.TargetID, string(e.RelationshipType), e.Confidence,
		e.Reason, e.AutoDetected, props, e.CreatedBy, e.CreatedAt)
	if err != nil {
		return ferrors.Wrap(ferrors.KindStoreTransient, "insert edge", err)
	}
	return nil
}

// EdgesForCapsule implements store.Store.
func (s *Store) EdgesForCapsule(ctx context.Context, id uuid.UUID) ([]*capsule.Edge, error) {
	rows, err := s.exec().QueryContext(ctx, `
		SELECT id, source_id, target_id, relationship_type, confidence, reason,
		       auto_detected, properties, created_by, created_at
		FROM edges WHERE source_id = $1 OR target_id = $1
	`, id)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindStoreTransient, "query edges", err)
	}
	defer rows.Close()

	var out []*capsule.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.KindStoreTransient, "scan edge", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ancestors implements store.Store, walking parent_ids breadth-first up to
// maxDepth hops.
func (s *Store) Ancestors(ctx context.Context, id uuid.UUID, maxDepth int) ([]*capsule.Capsule, error) {
	var result []*capsule.Capsule
	frontier := []uuid.UUID{id}
	visited := map[uuid.UUID]bool{id: true}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []uuid.UUID
		for _, fid := range frontier {
			c, err := s.FindByID(ctx, fid)
			if err != nil {
				continue
			}
			for _, pid := range c.ParentIDs {
				if visited[pid] {
					continue
				}
				visited[pid] = true
				parent, err := s.FindByID(ctx, pid)
				if err != nil {
					continue
				}
				result = append(result, parent)
				next = append(next, pid)
			}
		}
		frontier = next
	}
	return result, nil
}

// ListByPartition implements store.Store, streaming rows rather than
// materializing the full partition in memory (spec §4.2).
func (s *Store) ListByPartition(ctx context.Context, partitionID string) (<-chan *capsule.Capsule, <-chan error) {
	out := make(chan *capsule.Capsule)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		rows, err := s.exec().QueryContext(ctx, `
			SELECT id, content_hash, signature, merkle_root, title, content, content_type,
			       type, tags, trust_level, parent_ids, parent_merkle_root, embedding,
			       created_by, created_at, updated_at, version, partition_id
			FROM capsules WHERE partition_id = $1
		`, partitionID)
		if err != nil {
			errc <- ferrors.Wrap(ferrors.KindStoreTransient, "query partition", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			c, err := scanCapsuleRows(rows)
			if err != nil {
				errc <- ferrors.Wrap(ferrors.KindStoreTransient, "scan partition row", err)
				return
			}
			select {
			case out <- c:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			errc <- ferrors.Wrap(ferrors.KindStoreTransient, "iterate partition rows", err)
		}
	}()

	return out, errc
}

// WithTx implements store.Store. Only CreateCapsule on the Store passed to
// fn runs inside the transaction (see txBoundStore).
func (s *Store) WithTx(ctx context.Context, fn func(txStore store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ferrors.Wrap(ferrors.KindStoreTransient, "begin tx", err)
	}

	txStore := &txBoundStore{Store: s, tx: tx}
	if err := fn(txStore); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return ferrors.Wrap(ferrors.KindStoreTransient, "commit tx", err)
	}
	return nil
}

// txBoundStore routes CreateCapsule through the active transaction; every
// other method, CreateEdge, UpdateCapsule and DeleteCapsule included, runs on
// the parent Store's pool outside the transaction.
type txBoundStore struct {
	*Store
	tx *sql.Tx
}

func (t *txBoundStore) CreateCapsule(ctx context.Context, c *capsule.Capsule) error {
	return t.Store.createCapsule(ctx, t.tx, c)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "duplicate key value") || strings.Contains(err.Error(), "unique constraint")
}
