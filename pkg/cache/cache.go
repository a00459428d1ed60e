// Package cache implements the Query Cache (spec §4.6, C6): a
// fingerprint→artifact cache with at-most-once concurrent compute per
// fingerprint, per-query-type TTLs, bounded-size eviction, and
// capsule-id-keyed invalidation. Grounded on original_source's
// query_cache.py (SHA-256 fingerprinting, hit-count bookkeeping, TTL
// refresh on read) and the teacher's pkg/kvdb/adapter.go (a pluggable
// key/value Backend behind the cache logic); single-flight compute
// dedup is golang.org/x/sync/singleflight, the pattern jordigilh-kubernaut
// uses for its own result-cache layer.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/forgehq/forge/pkg/ferrors"
)

// QueryType selects which TTL table entry governs a fingerprint (spec
// §4.6: "TTL ... chosen by query-type table").
type QueryType string

const (
	QueryTypeLineage QueryType = "lineage"
	QueryTypeSearch  QueryType = "search"
	QueryTypeGeneral QueryType = "general"
)

// Entry is one cached artifact.
type Entry struct {
	Key               string
	Value             []byte
	RelatedCapsuleIDs []string
	ExpiresAt         time.Time
	HitCount          int64
	LastAccessed      time.Time
	Stale             bool
}

var keySegmentRE = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// SanitizeKeySegment replaces any key segment that doesn't match
// `[A-Za-z0-9._-]{1,128}` with `sanitized_<sha256 first 32 chars>` (spec
// §4.6 Key sanitization).
func SanitizeKeySegment(seg string) string {
	if keySegmentRE.MatchString(seg) {
		return seg
	}
	sum := sha256.Sum256([]byte(seg))
	return "sanitized_" + hex.EncodeToString(sum[:])[:32]
}

// Fingerprint computes the cache key for (queryType, normalized params,
// trust level): SHA-256 over their canonical concatenation, truncated to 32
// hex chars, matching original_source's _hash_query.
func Fingerprint(queryType QueryType, normalizedParams string, trustLevel int) string {
	content := string(queryType) + ":" + normalizedParams + ":trust:" + itoa(trustLevel)
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:32]
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Cache is the in-process Query Cache. It holds entries in memory;
// RedisBackend (redis.go) offers a shared-backend alternative for
// multi-instance deployments wired behind the same API.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry

	maxBytes       int64
	usedBytes      int64
	maxResultBytes int64
	ttlByType      map[QueryType]time.Duration

	sf singleflight.Group

	onReject func(key string, size int64)
	onEvict  func(key string)
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithTTL overrides the TTL for a specific query type.
func WithTTL(qt QueryType, ttl time.Duration) Option {
	return func(c *Cache) { c.ttlByType[qt] = ttl }
}

// WithMaxBytes sets the bounded total size before eviction kicks in.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) { c.maxBytes = n }
}

// WithMaxResultBytes sets the per-entry size cap above which Set rejects
// the value without failing the caller's compute (spec §4.6 Size caps).
func WithMaxResultBytes(n int64) Option {
	return func(c *Cache) { c.maxResultBytes = n }
}

// WithRejectHook registers a callback invoked whenever Set rejects a value
// for exceeding maxResultBytes, useful for metrics wiring.
func WithRejectHook(fn func(key string, size int64)) Option {
	return func(c *Cache) { c.onReject = fn }
}

// WithEvictHook registers a callback invoked whenever an entry is evicted.
func WithEvictHook(fn func(key string)) Option {
	return func(c *Cache) { c.onEvict = fn }
}

// New constructs a Cache with default TTLs (lineage long, search moderate,
// general short, per spec §4.6) unless overridden via options.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:        make(map[string]*Entry),
		maxBytes:       256 * 1024 * 1024,
		maxResultBytes: 2 * 1024 * 1024,
		ttlByType: map[QueryType]time.Duration{
			QueryTypeLineage: 24 * time.Hour,
			QueryTypeSearch:  10 * time.Minute,
			QueryTypeGeneral: time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key if present and not expired. Expired
// entries are removed on access (spec §4.6).
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.ExpiresAt) {
		c.removeLocked(key)
		return nil, false
	}
	e.HitCount++
	e.LastAccessed = time.Now()

	if e.Stale {
		// LAZY strategy: serve nothing once marked stale, forcing a
		// recompute, but the entry is only actually removed here.
		c.removeLocked(key)
		return nil, false
	}

	return e.Value, true
}

// Set stores value under key for queryType's TTL, tagged with the capsule
// ids whose invalidation events should evict it. Values exceeding
// maxResultBytes are not stored: Set reports the rejection through the
// reject hook and returns a KindCacheTooLarge error, which GetOrCompute
// ignores so the computed value still reaches its caller.
func (c *Cache) Set(key string, value []byte, queryType QueryType, relatedCapsuleIDs []string) error {
	size := int64(len(value))
	if size > c.maxResultBytes {
		if c.onReject != nil {
			c.onReject(key, size)
		}
		return ferrors.New(ferrors.KindCacheTooLarge, "value exceeds max_cached_result_bytes")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictIfNeededLocked(size)

	ttl := c.ttlByType[queryType]
	if ttl == 0 {
		ttl = c.ttlByType[QueryTypeGeneral]
	}

	if old, exists := c.entries[key]; exists {
		c.usedBytes -= int64(len(old.Value))
	}

	c.entries[key] = &Entry{
		Key:               key,
		Value:             value,
		RelatedCapsuleIDs: relatedCapsuleIDs,
		ExpiresAt:         time.Now().Add(ttl),
		LastAccessed:      time.Now(),
	}
	c.usedBytes += size

	return nil
}

// GetOrCompute implements at-most-once concurrent compute per fingerprint
// (spec §4.6: "single flight"): concurrent callers for the same key wait
// for the first in-flight compute rather than each recomputing.
func (c *Cache) GetOrCompute(ctx context.Context, key string, queryType QueryType, relatedCapsuleIDs []string, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		result, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		_ = c.Set(key, result, queryType, relatedCapsuleIDs)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// InvalidateByCapsule removes every entry whose RelatedCapsuleIDs contains
// capsuleID (spec §4.6 Invalidation). Used directly by the IMMEDIATE
// strategy; DEBOUNCED/LAZY strategies (invalidation.go) call this once
// their window elapses or on next read respectively.
func (c *Cache) InvalidateByCapsule(capsuleID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for key, e := range c.entries {
		for _, id := range e.RelatedCapsuleIDs {
			if id == capsuleID {
				c.removeLocked(key)
				removed++
				break
			}
		}
	}
	return removed
}

// MarkStaleByCapsule flags every entry touching capsuleID as stale without
// removing it immediately, for the LAZY invalidation strategy.
func (c *Cache) MarkStaleByCapsule(capsuleID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var marked int
	for _, e := range c.entries {
		for _, id := range e.RelatedCapsuleIDs {
			if id == capsuleID {
				e.Stale = true
				marked++
				break
			}
		}
	}
	return marked
}

// Len reports the number of entries currently cached, for tests/metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(key string) {
	if e, ok := c.entries[key]; ok {
		c.usedBytes -= int64(len(e.Value))
		delete(c.entries, key)
		if c.onEvict != nil {
			c.onEvict(key)
		}
	}
}

// evictIfNeededLocked evicts entries, oldest-accessed first with hit count
// as tiebreaker, until there is room for an incoming value of size
// incomingSize (spec §4.6: "LRU variant where hit count is tiebreaker").
func (c *Cache) evictIfNeededLocked(incomingSize int64) {
	for c.usedBytes+incomingSize > c.maxBytes && len(c.entries) > 0 {
		var victimKey string
		var victim *Entry
		for key, e := range c.entries {
			if victim == nil ||
				e.LastAccessed.Before(victim.LastAccessed) ||
				(e.LastAccessed.Equal(victim.LastAccessed) && e.HitCount < victim.HitCount) {
				victimKey = key
				victim = e
			}
		}
		if victim == nil {
			return
		}
		c.removeLocked(victimKey)
	}
}
