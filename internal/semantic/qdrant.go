package semantic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// qdrantMaxMessageSize bounds gRPC message sizes for batch upserts.
const qdrantMaxMessageSize = 32 << 20

// qdrantIndex implements AliasIndex against an external Qdrant server.
type qdrantIndex struct {
	client   *qdrant.Client
	embedder Embedder
	config   IndexConfig
	logger   *zap.Logger
}

func newQdrantIndex(cfg IndexConfig, embedder Embedder, logger *zap.Logger) (*qdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(qdrantMaxMessageSize),
				grpc.MaxCallSendMsgSize(qdrantMaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	idx := &qdrantIndex{
		client:   client,
		embedder: embedder,
		config:   cfg,
		logger:   logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := idx.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("alias index initialized",
		zap.String("backend", "qdrant"),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
		zap.Int("vector_size", cfg.VectorSize),
	)

	return idx, nil
}

// ensureCollection creates the alias collection when missing.
func (x *qdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := x.client.CollectionExists(ctx, x.config.Collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", x.config.Collection, err)
	}
	if exists {
		return nil
	}

	err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: x.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(x.config.VectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", x.config.Collection, err)
	}
	return nil
}

// UpsertNames indexes names under the given entity.
func (x *qdrantIndex) UpsertNames(ctx context.Context, entityID string, names []string) error {
	ctx, span := tracer.Start(ctx, "qdrantIndex.UpsertNames")
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

	vectors, err := x.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	points := make([]*qdrant.PointStruct, len(texts))
	for i, name := range texts {
		payload := map[string]*qdrant.Value{
			"entity_id": {Kind: &qdrant.Value_StringValue{StringValue: entityID}},
			"name":      {Kind: &qdrant.Value_StringValue{StringValue: name}},
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(aliasPointID(entityID, name)),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: payload,
		}
	}

	_, err = x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.config.Collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points: %w", err)
	}

	span.SetStatus(codes.Ok, "success")

	x.logger.Debug("indexed entity names",
		zap.String("entity_id", entityID),
		zap.Int("count", len(texts)),
	)

	return nil
}

// Nearest returns up to k indexed names most similar to name.
func (x *qdrantIndex) Nearest(ctx context.Context, name string, k int) ([]Neighbor, error) {
	ctx, span := tracer.Start(ctx, "qdrantIndex.Nearest")
	defer span.End()

	span.SetAttributes(attribute.Int("k", k))

	if name == "" {
		return nil, fmt.Errorf("%w: name cannot be empty", ErrEmptyInput)
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	queryVec, err := x.embedder.EmbedQuery(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	results, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.config.Collection,
		Query:          qdrant.NewQuery(queryVec...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", x.config.Collection, err)
	}

	neighbors := make([]Neighbor, len(results))
	for i, point := range results {
		n := Neighbor{Score: point.Score}
		for key, value := range point.Payload {
			sv, ok := value.Kind.(*qdrant.Value_StringValue)
			if !ok {
				continue
			}
			switch key {
			case "entity_id":
				n.EntityID = sv.StringValue
			case "name":
				n.Name = sv.StringValue
			}
		}
		neighbors[i] = n
	}

	span.SetAttributes(attribute.Int("results_count", len(neighbors)))
	span.SetStatus(codes.Ok, "success")

	return neighbors, nil
}

// Close closes the Qdrant gRPC connection.
func (x *qdrantIndex) Close() error {
	return x.client.Close()
}

// aliasPointID derives a stable UUID for an (entity, name) pair so repeated
// indexing upserts instead of duplicating.
func aliasPointID(entityID, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(entityID+"\x00"+name)).String()
}

// Ensure interface is implemented.
var _ AliasIndex = (*qdrantIndex)(nil)
