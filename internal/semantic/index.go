package semantic

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Neighbor is a nearest-neighbour hit from the alias index.
type Neighbor struct {
	// EntityID is the entity that owns the indexed name.
	EntityID string

	// Name is the indexed name text.
	Name string

	// Score is the similarity score (highest first).
	Score float32
}

// AliasIndex stores entity name vectors for nearest-neighbour lookup.
//
// The resolver uses it to widen the candidate set beyond fuzzy hits: every
// canonical name and alias is indexed under its entity, and Nearest returns
// the entities whose names sit closest to a mention in embedding space.
type AliasIndex interface {
	// UpsertNames indexes names under the given entity. Re-indexing the
	// same (entity, name) pair is idempotent.
	UpsertNames(ctx context.Context, entityID string, names []string) error

	// Nearest returns up to k indexed names most similar to name.
	Nearest(ctx context.Context, name string, k int) ([]Neighbor, error)

	// Close releases index resources.
	Close() error
}

// IndexConfig holds configuration for the alias index.
type IndexConfig struct {
	// Backend selects the implementation: "chromem" (default) or "qdrant".
	Backend string

	// Path is the storage directory for the embedded backend.
	// Default: "~/.local/share/dealsignald/alias-index"
	Path string

	// Collection is the index collection name.
	// Default: "entity_aliases"
	Collection string

	// VectorSize is the embedding dimension. Must match the embedder.
	// Default: 384
	VectorSize int

	// Host is the Qdrant host (backend "qdrant").
	Host string

	// Port is the Qdrant gRPC port (backend "qdrant"). Default: 6334
	Port int

	// UseTLS enables TLS for the Qdrant connection.
	UseTLS bool
}

// ApplyDefaults sets default values for unset fields.
func (c *IndexConfig) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = "chromem"
	}
	if c.Path == "" {
		c.Path = "~/.local/share/dealsignald/alias-index"
	}
	if c.Collection == "" {
		c.Collection = "entity_aliases"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
}

// Validate validates the configuration.
func (c *IndexConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// NewAliasIndex creates an AliasIndex based on the configuration.
//
// Backends:
//   - "chromem" (default): embedded chromem-go, persisted to disk, no
//     external services.
//   - "qdrant": external Qdrant server over gRPC.
func NewAliasIndex(cfg IndexConfig, embedder Embedder, logger *zap.Logger) (AliasIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case "chromem":
		return newChromemIndex(cfg, embedder, logger)
	case "qdrant":
		return newQdrantIndex(cfg, embedder, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported index backend %q (supported: chromem, qdrant)", ErrInvalidConfig, cfg.Backend)
	}
}

// chromemIndex implements AliasIndex using embedded chromem-go.
type chromemIndex struct {
	db       *chromem.DB
	embedder Embedder
	config   IndexConfig
	logger   *zap.Logger
}

func newChromemIndex(cfg IndexConfig, embedder Embedder, logger *zap.Logger) (*chromemIndex, error) {
	path, err := expandIndexPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	idx := &chromemIndex{
		db:       db,
		embedder: embedder,
		config:   cfg,
		logger:   logger,
	}

	logger.Info("alias index initialized",
		zap.String("backend", "chromem"),
		zap.String("path", path),
		zap.String("collection", cfg.Collection),
		zap.Int("vector_size", cfg.VectorSize),
	)

	return idx, nil
}

// expandIndexPath expands ~ to home directory.
func expandIndexPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// embeddingFunc adapts the Embedder to chromem's query embedding hook.
func (x *chromemIndex) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return x.embedder.EmbedQuery(ctx, text)
	}
}

// UpsertNames indexes names under the given entity.
func (x *chromemIndex) UpsertNames(ctx context.Context, entityID string, names []string) error {
	ctx, span := tracer.Start(ctx, "chromemIndex.UpsertNames")
	defer span.End()

	span.SetAttributes(
		attribute.String("entity_id", entityID),
		attribute.Int("name_count", len(names)),
	)

	if entityID == "" {
		return fmt.Errorf("%w: entity ID cannot be empty", ErrEmptyInput)
	}
	texts := dedupeNonEmpty(names)
	if len(texts) == 0 {
		return nil
	}

	collection, err := x.db.GetOrCreateCollection(x.config.Collection, nil, x.embeddingFunc())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("getting/creating collection %s: %w", x.config.Collection, err)
	}

	vectors, err := x.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	docs := make([]chromem.Document, len(texts))
	for i, name := range texts {
		docs[i] = chromem.Document{
			ID:        aliasDocID(entityID, name),
			Content:   name,
			Metadata:  map[string]string{"entity_id": entityID, "name": name},
			Embedding: vectors[i],
		}
	}

	// Concurrency of 1 since we already have embeddings.
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}

	span.SetStatus(codes.Ok, "success")

	x.logger.Debug("indexed entity names",
		zap.String("entity_id", entityID),
		zap.Int("count", len(texts)),
	)

	return nil
}

// Nearest returns up to k indexed names most similar to name.
func (x *chromemIndex) Nearest(ctx context.Context, name string, k int) ([]Neighbor, error) {
	ctx, span := tracer.Start(ctx, "chromemIndex.Nearest")
	defer span.End()

	span.SetAttributes(attribute.Int("k", k))

	if name == "" {
		return nil, fmt.Errorf("%w: name cannot be empty", ErrEmptyInput)
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	collection := x.db.GetCollection(x.config.Collection, x.embeddingFunc())
	if collection == nil {
		// Nothing indexed yet.
		return []Neighbor{}, nil
	}

	// chromem requires nResults <= doc count.
	docCount := collection.Count()
	if docCount == 0 {
		return []Neighbor{}, nil
	}
	if k > docCount {
		k = docCount
	}

	results, err := collection.Query(ctx, name, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", x.config.Collection, err)
	}

	neighbors := make([]Neighbor, len(results))
	for i, r := range results {
		neighbors[i] = Neighbor{
			EntityID: r.Metadata["entity_id"],
			Name:     r.Metadata["name"],
			Score:    r.Similarity,
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(neighbors)))
	span.SetStatus(codes.Ok, "success")

	return neighbors, nil
}

// Close is a no-op; chromem persists on write.
func (x *chromemIndex) Close() error {
	return nil
}

// aliasDocID derives a stable document ID for an (entity, name) pair so
// repeated indexing upserts instead of duplicating.
func aliasDocID(entityID, name string) string {
	h := fnv.New64a()
	h.Write([]byte(name))
	return fmt.Sprintf("%s:%x", entityID, h.Sum64())
}

// dedupeNonEmpty drops empty strings and duplicates, preserving order.
func dedupeNonEmpty(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Ensure interface is implemented.
var _ AliasIndex = (*chromemIndex)(nil)
