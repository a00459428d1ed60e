// Package capsule defines the Forge data model: the Capsule (the unit of
// knowledge) and the Semantic Edge that links capsules, per spec §3.
package capsule

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates the kind of knowledge a Capsule carries.
type Type string

const (
	TypeFact     Type = "fact"
	TypeInsight  Type = "insight"
	TypeDecision Type = "decision"
	TypeArtifact Type = "artifact"
	TypeQuestion Type = "question"
)

// Capsule is the unit of knowledge: content-addressed, optionally signed,
// and linked into lineage via parent_ids and a frozen parent_merkle_root.
type Capsule struct {
	ID          uuid.UUID `json:"id"`
	ContentHash string    `json:"content_hash"`
	Signature   string    `json:"signature,omitempty"`
	MerkleRoot  string    `json:"merkle_root,omitempty"`

	Title       string   `json:"title"`
	Content     string   `json:"content"`
	ContentType string   `json:"content_type"`
	Type        Type     `json:"type"`
	Tags        []string `json:"tags,omitempty"`
	TrustLevel  int      `json:"trust_level"`

	// ParentIDs is an ordered set of parent capsule ids. ParentMerkleRoot is
	// captured once at fork time and is immutable thereafter.
	ParentIDs        []uuid.UUID `json:"parent_ids,omitempty"`
	ParentMerkleRoot string      `json:"parent_merkle_root,omitempty"`

	Embedding []float32 `json:"embedding,omitempty"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Version   int       `json:"version"`

	// PartitionID is the single partition that owns this capsule
	// (spec §3: "a capsule is owned exclusively by its partition").
	PartitionID string `json:"partition_id,omitempty"`
}

// IsRoot reports whether this capsule has no recorded ancestry.
func (c *Capsule) IsRoot() bool {
	return len(c.ParentIDs) == 0
}

// Clone returns a deep-enough copy of c suitable for mutation without
// aliasing slices with the original.
func (c *Capsule) Clone() *Capsule {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Tags = append([]string(nil), c.Tags...)
	clone.ParentIDs = append([]uuid.UUID(nil), c.ParentIDs...)
	clone.Embedding = append([]float32(nil), c.Embedding...)
	return &clone
}
