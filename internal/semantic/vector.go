package semantic

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// VectorMatcher matches mentions to candidates by embedding similarity.
//
// The mention is embedded as a query and every candidate name (canonical
// plus aliases) as a passage; the candidate owning the most similar name
// wins, with cosine similarity reported as confidence.
type VectorMatcher struct {
	embedder Embedder
	logger   *zap.Logger
}

// NewVectorMatcher creates a VectorMatcher over the given embedder.
func NewVectorMatcher(embedder Embedder, logger *zap.Logger) (*VectorMatcher, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VectorMatcher{
		embedder: embedder,
		logger:   logger,
	}, nil
}

// Compare judges whether mention refers to one of the candidates.
func (m *VectorMatcher) Compare(ctx context.Context, mention string, candidates []Candidate) (Match, error) {
	ctx, span := tracer.Start(ctx, "VectorMatcher.Compare")
	defer span.End()

	span.SetAttributes(attribute.Int("candidate_count", len(candidates)))

	if mention == "" {
		return Match{}, fmt.Errorf("%w: mention cannot be empty", ErrEmptyInput)
	}
	if len(candidates) == 0 {
		return Match{}, nil
	}

	queryVec, err := m.embedder.EmbedQuery(ctx, mention)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Match{}, err
	}

	// One passage per candidate name; owners maps each passage back to
	// its candidate.
	var texts []string
	var owners []int
	for i, c := range candidates {
		for _, name := range c.names() {
			if name == "" {
				continue
			}
			texts = append(texts, name)
			owners = append(owners, i)
		}
	}
	if len(texts) == 0 {
		return Match{}, nil
	}

	vectors, err := m.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Match{}, err
	}
	if len(vectors) != len(texts) {
		err := fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Match{}, err
	}

	bestIdx := -1
	bestScore := math.Inf(-1)
	for i, vec := range vectors {
		score := cosineSimilarity(queryVec, vec)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return Match{}, nil
	}

	match := Match{
		EntityID:   candidates[owners[bestIdx]].EntityID,
		Confidence: clamp01(bestScore),
	}

	span.SetAttributes(
		attribute.String("matched_entity_id", match.EntityID),
		attribute.Float64("confidence", match.Confidence),
	)
	span.SetStatus(codes.Ok, "success")

	m.logger.Debug("vector comparison complete",
		zap.String("mention", mention),
		zap.String("matched_entity_id", match.EntityID),
		zap.Float64("confidence", match.Confidence),
	)

	return match, nil
}

// Close releases the underlying embedder.
func (m *VectorMatcher) Close() error {
	return m.embedder.Close()
}

// cosineSimilarity computes the cosine similarity of two vectors.
// Mismatched or zero-norm vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
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

// clamp01 clamps v to [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Ensure interface is implemented.
var _ Matcher = (*VectorMatcher)(nil)
