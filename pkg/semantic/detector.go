// Package semantic implements the Semantic Edge Detector (spec §4.7, C7):
// a two-phase pipeline that proposes typed relationships between capsules,
// first narrowing candidates by embedding similarity, then classifying each
// candidate pair with an LLM. Grounded on original_source's
// semantic_edge_detector.py for the two-phase shape, prompt structure, and
// defensive JSON parsing; the HTTP call itself follows the teacher's
// HTTPPeerManager request/response pattern (llm.go).
package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgehq/forge/pkg/capsule"
	"github.com/forgehq/forge/pkg/store"
)

const classificationPromptTemplate = `Analyze the relationship between two knowledge capsules and classify their semantic connection.

## Source Capsule
Title: %s
Type: %s
Content:
%s

## Target Capsule
Title: %s
Type: %s
Content:
%s

## Task
Determine if there is a meaningful semantic relationship between these capsules.

Possible relationship types:
- SUPPORTS: Source provides evidence or agreement for target's claims
- CONTRADICTS: Source conflicts with or opposes target's content
- ELABORATES: Source provides additional detail, examples, or explanation of target
- REFERENCES: Source explicitly cites or mentions target
- RELATED_TO: Generic semantic association (use only if others don't fit)
- NONE: No meaningful relationship exists

## Response Format
Respond with a JSON object:
{
    "relationship_type": "SUPPORTS" | "CONTRADICTS" | "ELABORATES" | "REFERENCES" | "RELATED_TO" | "NONE",
    "confidence": 0.0-1.0,
    "reasoning": "Brief explanation of why this relationship exists",
    "bidirectional": true/false
}

Only return the JSON object, no other text.`

// maxContentChars truncates capsule content embedded in the prompt, mirroring
// original_source's [:2000] truncation to stay within token budgets.
const maxContentChars = 2000

// Config governs candidate selection and acceptance thresholds.
type Config struct {
	SimilarityThreshold float64
	ConfidenceThreshold float64
	MaxCandidates       int
	Enabled             bool
	EnabledTypes        map[capsule.RelationshipType]bool
}

// DefaultConfig mirrors original_source's DetectionConfig defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.7,
		ConfidenceThreshold: 0.7,
		MaxCandidates:       20,
		Enabled:             true,
		EnabledTypes: map[capsule.RelationshipType]bool{
			capsule.Supports:    true,
			capsule.Contradicts: true,
			capsule.Elaborates:  true,
			capsule.References:  true,
			capsule.RelatedTo:   true,
		},
	}
}

// Classification is the parsed result of one LLM classification call.
type Classification struct {
	RelationshipType capsule.RelationshipType
	Confidence       float64
	Reasoning        string
	Bidirectional    bool
	// Detected is false when the classifier reported NONE or failed to
	// parse; callers must not create an edge in that case.
	Detected bool
}

// Result summarizes one capsule's detection pass.
type Result struct {
	CapsuleID          string
	CandidatesAnalyzed int
	EdgesCreated       int
	Edges              []*capsule.Edge
	Errors             []string
	Duration           time.Duration
}

// Detector finds and creates semantic edges for a capsule against the
// existing corpus.
type Detector struct {
	store      store.Store
	classifier Classifier
	config     Config
	logger     *zap.Logger
}

// Option configures a Detector at construction time.
type Option func(*Detector)

// WithConfig overrides the default detection thresholds.
func WithConfig(cfg Config) Option {
	return func(d *Detector) { d.config = cfg }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

// New constructs a Detector over store s using classifier for relationship
// classification.
func New(s store.Store, classifier Classifier, opts ...Option) *Detector {
	d := &Detector{
		store:      s,
		classifier: classifier,
		config:     DefaultConfig(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AnalyzeCapsule runs the two-phase detection for c, persisting any edges
// whose classification clears both the enabled-types and confidence
// thresholds, and attributing them to createdBy.
func (d *Detector) AnalyzeCapsule(ctx context.Context, c *capsule.Capsule, createdBy string) (*Result, error) {
	start := time.Now()
	result := &Result{CapsuleID: c.ID.String()}

	if !d.config.Enabled {
		return result, nil
	}
	if len(c.Embedding) == 0 {
		d.logger.Debug("skipping detection: capsule has no embedding", zap.String("capsule_id", c.ID.String()))
		return result, nil
	}

	candidates, err := d.store.FindSimilarByEmbedding(ctx, c.Embedding, d.config.MaxCandidates+1, d.config.SimilarityThreshold)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.Duration = time.Since(start)
		return result, err
	}

	filtered := make([]store.SimilarCapsule, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Capsule.ID == c.ID {
			continue
		}
		filtered = append(filtered, cand)
		if len(filtered) >= d.config.MaxCandidates {
			break
		}
	}
	result.CandidatesAnalyzed = len(filtered)

	for _, cand := range filtered {
		classification, err := d.classifyRelationship(ctx, c, cand.Capsule)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to classify %s: %v", cand.Capsule.ID, err))
			d.logger.Warn("classification_failed",
				zap.String("capsule_id", c.ID.String()),
				zap.String("target_id", cand.Capsule.ID.String()),
				zap.Error(err))
			continue
		}

		if !classification.Detected ||
			!d.config.EnabledTypes[classification.RelationshipType] ||
			classification.Confidence < d.config.ConfidenceThreshold {
			continue
		}

		edge := &capsule.Edge{
			ID:               uuid.New(),
			SourceID:         c.ID,
			TargetID:         cand.Capsule.ID,
			RelationshipType: classification.RelationshipType,
			Confidence:       classification.Confidence,
			Reason:           classification.Reasoning,
			AutoDetected:     true,
			Properties: map[string]interface{}{
				"similarity":  cand.Similarity,
				"reasoning":   classification.Reasoning,
				"detected_at": time.Now().UTC().Format(time.RFC3339),
			},
			CreatedBy: createdBy,
			CreatedAt: time.Now().UTC(),
		}

		if err := d.store.CreateEdge(ctx, edge); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to persist edge to %s: %v", cand.Capsule.ID, err))
			d.logger.Error("edge_creation_failed",
				zap.String("source_id", c.ID.String()),
				zap.String("target_id", cand.Capsule.ID.String()),
				zap.Error(err))
			continue
		}

		result.Edges = append(result.Edges, edge)
		result.EdgesCreated++
	}

	result.Duration = time.Since(start)
	d.logger.Info("edge_detection_complete",
		zap.String("capsule_id", c.ID.String()),
		zap.Int("candidates", result.CandidatesAnalyzed),
		zap.Int("created", result.EdgesCreated),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// BatchAnalyze runs AnalyzeCapsule for every capsule, continuing past
// individual detection failures so one bad capsule doesn't abort the rest.
func (d *Detector) BatchAnalyze(ctx context.Context, capsules []*capsule.Capsule, createdBy string) []*Result {
	results := make([]*Result, 0, len(capsules))
	for _, c := range capsules {
		r, err := d.AnalyzeCapsule(ctx, c, createdBy)
		if err != nil && r == nil {
			r = &Result{CapsuleID: c.ID.String(), Errors: []string{err.Error()}}
		}
		results = append(results, r)
	}
	return results
}

func (d *Detector) classifyRelationship(ctx context.Context, source, target *capsule.Capsule) (Classification, error) {
	prompt := fmt.Sprintf(classificationPromptTemplate,
		source.Title, source.Type, truncate(source.Content, maxContentChars),
		target.Title, target.Type, truncate(target.Content, maxContentChars))

	raw, err := d.classifier.Complete(ctx, prompt)
	if err != nil {
		return Classification{}, err
	}
	return parseClassification(raw), nil
}

type classificationPayload struct {
	RelationshipType string  `json:"relationship_type"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
	Bidirectional    bool    `json:"bidirectional"`
}

// parseClassification extracts the JSON object from raw, defensively
// stripping a markdown code fence if the model wrapped its answer in one
// (original_source handles the same ```...``` wrapping in its parser). Any
// parse failure or an explicit "NONE" relationship type yields a
// non-Detected Classification rather than an error, since a classification
// miss should not abort the batch.
func parseClassification(raw string) Classification {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		parts := strings.SplitN(text, "```", 3)
		if len(parts) >= 2 {
			text = strings.TrimSpace(parts[1])
			text = strings.TrimPrefix(text, "json")
			text = strings.TrimSpace(text)
		}
	}

	var payload classificationPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return Classification{Reasoning: fmt.Sprintf("parse error: %v", err)}
	}

	relType := capsule.RelationshipType(payload.RelationshipType)
	if payload.RelationshipType == "" || payload.RelationshipType == "NONE" {
		return Classification{Reasoning: payload.Reasoning}
	}

	return Classification{
		RelationshipType: relType,
		Confidence:       payload.Confidence,
		Reasoning:        payload.Reasoning,
		Bidirectional:    payload.Bidirectional,
		Detected:         true,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
