package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings holds the structural, non-secret tuning that is more naturally
// expressed as a file than an environment variable sprawl — overlay
// priorities, relationship-type enablement, per-tier limits. Grounded on the
// teacher's pkg/config/anchor_config.go YAML settings file.
type Settings struct {
	Version string `yaml:"version"`

	Overlays struct {
		FanOutLimit int `yaml:"fan_out_limit"`
		MaxHops     int `yaml:"max_hops_default"`
	} `yaml:"overlays"`

	SemanticEdges struct {
		EnabledRelationshipTypes []string `yaml:"enabled_relationship_types"`
	} `yaml:"semantic_edges"`

	Partitioning struct {
		DefaultStrategy string `yaml:"default_strategy"`
	} `yaml:"partitioning"`

	Lineage struct {
		ConsolidateOnRead bool `yaml:"consolidate_on_read"`
	} `yaml:"lineage"`
}

// DefaultSettings returns the built-in defaults used when no settings file
// is supplied.
func DefaultSettings() *Settings {
	s := &Settings{Version: "1"}
	s.Overlays.FanOutLimit = 8
	s.Overlays.MaxHops = 5
	s.SemanticEdges.EnabledRelationshipTypes = []string{
		"RELATED_TO", "CONTRADICTS", "SUPPORTS", "ELABORATES",
		"SUPERSEDES", "REFERENCES", "IMPLEMENTS", "EXTENDS",
	}
	s.Partitioning.DefaultStrategy = "hash"
	s.Lineage.ConsolidateOnRead = false
	return s
}

// LoadSettings reads a YAML settings file from path, falling back to
// DefaultSettings when path is empty.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		return DefaultSettings(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file %s: %w", path, err)
	}

	s := DefaultSettings()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", path, err)
	}
	return s, nil
}
