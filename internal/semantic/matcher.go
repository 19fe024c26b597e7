package semantic

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("dealsignal.semantic")

// Sentinel errors for semantic matching operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")

	// ErrCompareFailed indicates the comparison model could not produce
	// a usable answer.
	ErrCompareFailed = errors.New("comparison failed")
)

// Candidate is a known entity offered to a matcher for comparison.
type Candidate struct {
	// EntityID is the canonical entity identifier.
	EntityID string

	// Name is the entity's canonical name.
	Name string

	// Aliases are previously recorded alternate names.
	Aliases []string
}

// names returns the candidate's canonical name followed by its aliases.
func (c Candidate) names() []string {
	out := make([]string, 0, len(c.Aliases)+1)
	out = append(out, c.Name)
	out = append(out, c.Aliases...)
	return out
}

// Match is a matcher's verdict on a mention.
//
// A zero Match means "no candidate matched". Confidence is the matcher's
// own estimate in [0,1]; callers apply their acceptance threshold.
type Match struct {
	// EntityID is the matched candidate's entity ID, or empty for no match.
	EntityID string

	// Confidence is the matcher's confidence in [0,1].
	Confidence float64
}

// Matched reports whether the matcher selected a candidate.
func (m Match) Matched() bool {
	return m.EntityID != ""
}

// Matcher compares a raw mention against candidate entities.
//
// Implementations must return either one of the provided candidates or a
// zero Match; they never invent entity IDs. Compare respects context
// cancellation and returns promptly when the deadline passes.
type Matcher interface {
	// Compare judges whether mention refers to one of the candidates.
	// An empty candidate list yields a zero Match and no error.
	Compare(ctx context.Context, mention string, candidates []Candidate) (Match, error)

	// Close releases any resources held by the matcher.
	Close() error
}

// Config selects and configures a Matcher implementation.
type Config struct {
	// Provider selects the implementation: "vector" (default) or "model".
	Provider string

	// Embedder configures the embedding provider used by the vector
	// matcher and the alias index.
	Embedder EmbedderConfig

	// Model configures the external comparison model (provider "model").
	Model ModelConfig
}

// NewMatcher creates a Matcher based on the configuration.
//
// Providers:
//   - "vector" (default): embeds mention and candidate names, picks the
//     nearest candidate by cosine similarity. Requires an embedder.
//   - "model": defers the comparison to an external OpenAI-compatible
//     chat model with a strict JSON output contract.
func NewMatcher(cfg Config, embedder Embedder, logger *zap.Logger) (Matcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Provider {
	case "vector", "":
		return NewVectorMatcher(embedder, logger)
	case "model":
		return NewModelMatcher(cfg.Model, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported matcher provider %q (supported: vector, model)", ErrInvalidConfig, cfg.Provider)
	}
}
