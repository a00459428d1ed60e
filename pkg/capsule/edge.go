package capsule

import (
	"time"

	"github.com/google/uuid"
)

// RelationshipType enumerates the typed relationships a Semantic Edge may
// carry. RELATED_TO and CONTRADICTS are symmetric; the rest are directed.
type RelationshipType string

const (
	RelatedTo   RelationshipType = "RELATED_TO"
	Contradicts RelationshipType = "CONTRADICTS"
	Supports    RelationshipType = "SUPPORTS"
	Elaborates  RelationshipType = "ELABORATES"
	Supersedes  RelationshipType = "SUPERSEDES"
	References  RelationshipType = "REFERENCES"
	Implements  RelationshipType = "IMPLEMENTS"
	Extends     RelationshipType = "EXTENDS"
)

// symmetricTypes are stored once and surfaced in both directions by the
// query layer (spec §3 invariant).
var symmetricTypes = map[RelationshipType]bool{
	RelatedTo:   true,
	Contradicts: true,
}

// IsSymmetric reports whether rt is stored once and surfaced bidirectionally.
func (rt RelationshipType) IsSymmetric() bool {
	return symmetricTypes[rt]
}

// Inverse returns rt itself for symmetric types. Directed types have no
// inverse: per the resolved Open Question (spec §9), query-time surfacing
// never synthesizes one, so Inverse returns ("", false) for directed types.
func (rt RelationshipType) Inverse() (RelationshipType, bool) {
	if rt.IsSymmetric() {
		return rt, true
	}
	return "", false
}

// ValidRelationshipTypes lists every relationship type the model supports.
func ValidRelationshipTypes() []RelationshipType {
	return []RelationshipType{
		RelatedTo, Contradicts, Supports, Elaborates,
		Supersedes, References, Implements, Extends,
	}
}

// Edge is a typed relationship between two capsules.
type Edge struct {
	ID               uuid.UUID              `json:"id"`
	SourceID         uuid.UUID              `json:"source_id"`
	TargetID         uuid.UUID              `json:"target_id"`
	RelationshipType RelationshipType       `json:"relationship_type"`
	Confidence       float64                `json:"confidence"`
	Reason           string                 `json:"reason,omitempty"`
	AutoDetected     bool                   `json:"auto_detected"`
	Properties       map[string]interface{} `json:"properties,omitempty"`
	CreatedBy        string                 `json:"created_by"`
	CreatedAt        time.Time              `json:"created_at"`
}

// OwningPartitions returns the pair of partition ids an edge is jointly
// owned by, derived from its two endpoint capsules (spec §3: "edges are
// owned jointly by both endpoints' partitions").
func OwningPartitions(source, target *Capsule) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range []string{source.PartitionID, target.PartitionID} {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
