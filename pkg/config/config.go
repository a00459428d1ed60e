// Package config loads the Forge engine's configuration bundle: the graph
// store URI, federation key material (or a reference to a secrets port),
// and feature toggles, per spec §6. Env vars carry secrets and connection
// strings; an optional YAML file (see settings.go) carries structural,
// non-secret tuning. No specific env var names are mandated upstream, but
// this loader follows the teacher's pattern of reading explicit names with
// no implicit defaults for anything security sensitive.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the configuration bundle the core engine is constructed from.
type Config struct {
	// GraphStoreURI is the connection string for the abstract GraphStore
	// port's concrete backend (e.g. a Postgres DSN for pkg/store/postgres).
	GraphStoreURI string

	// FederationPrivateKeyPath, if set, points at a file holding a raw
	// 64-byte Ed25519 private key for this instance's federation identity.
	// If empty, a fresh keypair is generated at startup (ephemeral identity
	// suitable for development).
	FederationPrivateKeyPath string
	InstanceID               string
	InstanceName             string

	// Feature toggles.
	EnableCaching           bool
	EnablePartitioning      bool
	EnableFederation        bool
	EnableSemanticDetection bool

	// Cache tuning.
	CacheMaxBytes             int64
	CacheMaxCachedResultBytes int64
	CacheTTLLineage           time.Duration
	CacheTTLSearch            time.Duration
	CacheTTLGeneral           time.Duration
	RedisAddr                 string

	// Partition tuning.
	PartitionMaxCapsules        int
	PartitionRebalanceThreshold float64

	// Semantic-edge detector tuning.
	SemanticMaxCandidates       int
	SemanticSimilarityThreshold float64
	SemanticConfidenceThreshold float64
	SemanticLLMEndpoint         string
	SemanticLLMAPIKey           string
	SemanticLLMModel            string

	// CascadeMaxHops bounds how deep a single cascade's derivative fan-out
	// may go before new insights are silently dropped (spec §4.5).
	CascadeMaxHops int

	// Lineage tiering thresholds (0-100 trust scale).
	Tier1MinTrust   int
	Tier2MinTrust   int
	Tier1MaxAgeDays int
	Tier2MaxAgeDays int
	MaxDeltaChain   int

	// LineageColdStoreDir, if set, points at a directory for the COLD-tier
	// persistent key-value store. Empty keeps the COLD tier in memory.
	LineageColdStoreDir string

	// Timeouts (spec §5).
	HandshakeTimeout      time.Duration
	HealthCheckTimeout    time.Duration
	PeerRequestTimeout    time.Duration
	CrossPartitionTimeout time.Duration

	LogLevel string

	// ListenAddr is the address the health/status HTTP surface binds to.
	ListenAddr string
}

// Load reads configuration from environment variables, applying safe
// defaults for tuning knobs and leaving connection/secret fields empty
// (callers must Validate before use in production).
func Load() (*Config, error) {
	cfg := &Config{
		GraphStoreURI: getEnv("FORGE_GRAPH_STORE_URI", ""),

		FederationPrivateKeyPath: getEnv("FORGE_FEDERATION_KEY_PATH", ""),
		InstanceID:               getEnv("FORGE_INSTANCE_ID", ""),
		InstanceName:             getEnv("FORGE_INSTANCE_NAME", "forge-instance"),

		EnableCaching:           getEnvBool("FORGE_ENABLE_CACHING", true),
		EnablePartitioning:      getEnvBool("FORGE_ENABLE_PARTITIONING", true),
		EnableFederation:        getEnvBool("FORGE_ENABLE_FEDERATION", false),
		EnableSemanticDetection: getEnvBool("FORGE_ENABLE_SEMANTIC_DETECTION", true),

		CacheMaxBytes:             getEnvInt64("FORGE_CACHE_MAX_BYTES", 256*1024*1024),
		CacheMaxCachedResultBytes: getEnvInt64("FORGE_CACHE_MAX_RESULT_BYTES", 2*1024*1024),
		CacheTTLLineage:           getEnvDuration("FORGE_CACHE_TTL_LINEAGE", 24*time.Hour),
		CacheTTLSearch:            getEnvDuration("FORGE_CACHE_TTL_SEARCH", 10*time.Minute),
		CacheTTLGeneral:           getEnvDuration("FORGE_CACHE_TTL_GENERAL", time.Minute),
		RedisAddr:                 getEnv("FORGE_REDIS_ADDR", ""),

		PartitionMaxCapsules:        getEnvInt("FORGE_PARTITION_MAX_CAPSULES", 100_000),
		PartitionRebalanceThreshold: getEnvFloat("FORGE_PARTITION_REBALANCE_THRESHOLD", 0.2),

		SemanticMaxCandidates:       getEnvInt("FORGE_SEMANTIC_MAX_CANDIDATES", 10),
		SemanticSimilarityThreshold: getEnvFloat("FORGE_SEMANTIC_SIMILARITY_THRESHOLD", 0.75),
		SemanticConfidenceThreshold: getEnvFloat("FORGE_SEMANTIC_CONFIDENCE_THRESHOLD", 0.6),
		SemanticLLMEndpoint:         getEnv("FORGE_SEMANTIC_LLM_ENDPOINT", ""),
		SemanticLLMAPIKey:           getEnv("FORGE_SEMANTIC_LLM_API_KEY", ""),
		SemanticLLMModel:            getEnv("FORGE_SEMANTIC_LLM_MODEL", "gpt-4o-mini"),

		CascadeMaxHops: getEnvInt("FORGE_CASCADE_MAX_HOPS", 5),

		Tier1MinTrust:   getEnvInt("FORGE_TIER1_MIN_TRUST", 70),
		Tier2MinTrust:   getEnvInt("FORGE_TIER2_MIN_TRUST", 40),
		Tier1MaxAgeDays: getEnvInt("FORGE_TIER1_MAX_AGE_DAYS", 30),
		Tier2MaxAgeDays: getEnvInt("FORGE_TIER2_MAX_AGE_DAYS", 180),
		MaxDeltaChain:   getEnvInt("FORGE_MAX_DELTA_CHAIN", 20),

		LineageColdStoreDir: getEnv("FORGE_LINEAGE_COLD_STORE_DIR", ""),

		HandshakeTimeout:      getEnvDuration("FORGE_HANDSHAKE_TIMEOUT", 30*time.Second),
		HealthCheckTimeout:    getEnvDuration("FORGE_HEALTH_CHECK_TIMEOUT", 10*time.Second),
		PeerRequestTimeout:    getEnvDuration("FORGE_PEER_REQUEST_TIMEOUT", 60*time.Second),
		CrossPartitionTimeout: getEnvDuration("FORGE_CROSS_PARTITION_TIMEOUT", 30*time.Second),

		LogLevel: getEnv("FORGE_LOG_LEVEL", "info"),

		ListenAddr: getEnv("FORGE_LISTEN_ADDR", ":8080"),
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = "forge-" + strings.ReplaceAll(cfg.InstanceName, " ", "-")
	}

	return cfg, nil
}

// Validate checks that configuration required for production operation is
// present. ConfigError (spec §7) is fatal at startup only.
func (c *Config) Validate() error {
	var problems []string

	if c.GraphStoreURI == "" {
		problems = append(problems, "FORGE_GRAPH_STORE_URI is required")
	}
	if c.EnableFederation && c.FederationPrivateKeyPath == "" {
		problems = append(problems, "FORGE_FEDERATION_KEY_PATH is required when federation is enabled")
	}
	if c.Tier1MinTrust <= c.Tier2MinTrust {
		problems = append(problems, "FORGE_TIER1_MIN_TRUST must exceed FORGE_TIER2_MIN_TRUST")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
