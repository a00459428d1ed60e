package postgres

import (
	"database/sql"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/forgehq/forge/pkg/capsule"
)

// row abstracts over *sql.Row and *sql.Rows so scanCapsule works for both.
type row interface {
	Scan(dest ...interface{}) error
}

func scanCapsule(r row) (*capsule.Capsule, error) {
	var (
		c         capsule.Capsule
		typ       string
		tags      pq.StringArray
		parentIDs pq.StringArray
		embedding pq.Float64Array
		updatedAt sql.NullTime
	)

	err := r.Scan(
		&c.ID, &c.ContentHash, &c.Signature, &c.MerkleRoot, &c.Title, &c.Content, &c.ContentType,
		&typ, &tags, &c.TrustLevel, &parentIDs, &c.ParentMerkleRoot, &embedding,
		&c.CreatedBy, &c.CreatedAt, &updatedAt, &c.Version, &c.PartitionID,
	)
	if err != nil {
		return nil, err
	}

	c.Type = capsule.Type(typ)
	c.Tags = []string(tags)
	if updatedAt.Valid {
		c.UpdatedAt = updatedAt.Time
	}

	c.ParentIDs = make([]uuid.UUID, 0, len(parentIDs))
	for _, s := range parentIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		c.ParentIDs = append(c.ParentIDs, id)
	}

	c.Embedding = make([]float32, len(embedding))
	for i, v := range embedding {
		c.Embedding[i] = float32(v)
	}

	return &c, nil
}

// scanCapsuleRows scans from *sql.Rows, which also satisfies row but is kept
// as a distinct name at call sites for readability.
func scanCapsuleRows(r *sql.Rows) (*capsule.Capsule, error) {
	return scanCapsule(r)
}

func scanEdge(r row) (*capsule.Edge, error) {
	var (
		e          capsule.Edge
		relType    string
		propsBytes []byte
	)

	err := r.Scan(
		&e.ID, &e.SourceID, &e.TargetID, &relType, &e.Confidence, &e.Reason,
		&e.AutoDetected, &propsBytes, &e.CreatedBy, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.RelationshipType = capsule.RelationshipType(relType)

	if len(propsBytes) > 0 {
		if err := json.Unmarshal(propsBytes, &e.Properties); err != nil {
			return nil, err
		}
	}

	return &e, nil
}

func marshalProperties(props map[string]interface{}) ([]byte, error) {
	if props == nil {
		return nil, nil
	}
	return json.Marshal(props)
}

// pqStrings converts a []string into a driver value lib/pq can bind as a
// Postgres text array.
func pqStrings(tags []string) interface{} {
	return pq.StringArray(tags)
}

func pqUUIDs(ids []uuid.UUID) interface{} {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	return pq.StringArray(strs)
}

func pqFloats(vec []float32) interface{} {
	if vec == nil {
		return nil
	}
	floats := make(pq.Float64Array, len(vec))
	for i, v := range vec {
		floats[i] = float64(v)
	}
	return floats
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func cosineSimilarity(a []float32, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
