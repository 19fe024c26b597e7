package semantic

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder generates vector embeddings from text.
//
// Some models embed queries and documents differently, so the two paths are
// kept separate. All vectors from one embedder have the same dimension.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension.
	Dimension() int

	// Close releases resources held by the embedder.
	Close() error
}

// EmbedderConfig holds configuration for embedding providers.
type EmbedderConfig struct {
	// Provider selects the implementation: "remote" (default) or "local".
	Provider string

	// BaseURL is the base URL for the remote embedding API.
	// For TEI: http://localhost:8080/v1
	// For OpenAI: https://api.openai.com/v1
	BaseURL string

	// Model is the embedding model to use.
	// Remote: BAAI/bge-small-en-v1.5, text-embedding-3-small, ...
	// Local: BAAI/bge-small-en-v1.5, sentence-transformers/all-MiniLM-L6-v2, ...
	Model string

	// APIKey is the API key (required for OpenAI, optional for TEI).
	APIKey string

	// CacheDir is the local model cache directory (provider "local").
	CacheDir string

	// MaxLength is the maximum input sequence length (provider "local").
	MaxLength int

	// Dimension overrides the embedding dimension when the model is not
	// in the built-in table.
	Dimension int
}

// ApplyDefaults sets default values for unset fields.
func (c *EmbedderConfig) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "remote"
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080/v1"
	}
	if c.Model == "" {
		c.Model = "BAAI/bge-small-en-v1.5"
	}
	if c.MaxLength == 0 {
		c.MaxLength = 512
	}
	if c.Dimension == 0 {
		if dim, ok := embeddingDimensions[c.Model]; ok {
			c.Dimension = dim
		} else {
			c.Dimension = 384
		}
	}
}

// embeddingDimensions maps known models to their embedding dimensions.
var embeddingDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
}

// NewEmbedder creates an Embedder based on the configuration.
//
// Providers:
//   - "remote" (default): OpenAI-compatible embeddings API. Works against
//     TEI (Text Embeddings Inference) and OpenAI.
//   - "local": ONNX models via FastEmbed, no network dependency.
func NewEmbedder(cfg EmbedderConfig) (Embedder, error) {
	cfg.ApplyDefaults()

	switch cfg.Provider {
	case "remote":
		return newRemoteEmbedder(cfg)
	case "local":
		return newLocalEmbedder(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported embedder provider %q (supported: remote, local)", ErrInvalidConfig, cfg.Provider)
	}
}

// remoteEmbedder generates embeddings via an OpenAI-compatible HTTP API.
type remoteEmbedder struct {
	embedder  *embeddings.EmbedderImpl
	dimension int
}

func newRemoteEmbedder(cfg EmbedderConfig) (*remoteEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}

	// langchaingo requires a token, use placeholder for TEI
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &remoteEmbedder{
		embedder:  embedder,
		dimension: cfg.Dimension,
	}, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (e *remoteEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (e *remoteEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vector, nil
}

// Dimension returns the embedding dimension.
func (e *remoteEmbedder) Dimension() int {
	return e.dimension
}

// Close is a no-op for the remote embedder.
func (e *remoteEmbedder) Close() error {
	return nil
}
