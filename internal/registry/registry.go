// Package registry is the canonical entity store: every signal the pipeline
// accepts is attributed to exactly one entity held here.
//
// The registry owns two invariants the rest of the pipeline leans on:
// authoritative identifier values (tax_id, registration_number) bind to at
// most one entity, and all mutations of a given entity are serialized through
// its lock so concurrent workers cannot race alias updates.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/store"
)

const instrumentationName = "github.com/InfinityXOneSystems/vision-cortex-sub000/internal/registry"

// Sentinels re-exported from the store so callers classify errors without
// importing the persistence layer.
var (
	ErrIdentifierConflict = store.ErrIdentifierConflict
	ErrEntityNotFound     = store.ErrEntityNotFound
)

// Service provides canonical entity operations.
type Service interface {
	// Get retrieves an entity by registry ID.
	Get(ctx context.Context, entityID string) (*signal.Entity, error)

	// GetByIdentifier retrieves the entity bound to an identifier value.
	GetByIdentifier(ctx context.Context, scheme, value string) (*signal.Entity, error)

	// Candidates lists the active entities in one segment, full match
	// surface loaded, for fuzzy and semantic matching.
	Candidates(ctx context.Context, t signal.EntityType) ([]*signal.Entity, error)

	// Create inserts a new entity built from an unresolved mention.
	Create(ctx context.Context, e *signal.Entity) error

	// RecordAlias adds a mention's raw name to a matched entity. Idempotent.
	RecordAlias(ctx context.Context, entityID, alias string) error

	// BindIdentifiers attaches mention identifiers to a matched entity.
	// A conflict on an authoritative scheme is returned as
	// ErrIdentifierConflict; conflicts on other schemes are dropped with a
	// log line, since they carry no uniqueness invariant.
	BindIdentifiers(ctx context.Context, entityID string, identifiers map[string]string) error

	// Promote clears the provisional flag on a timeout-created entity.
	Promote(ctx context.Context, entityID string) error

	// Retire marks an entity inactive. Entities are never deleted.
	Retire(ctx context.Context, entityID string) error

	// List returns up to limit entities for the admin API.
	List(ctx context.Context, entityType string, limit int) ([]*signal.Entity, error)

	// Lock serializes work on a key (an entity ID, or a normalized mention
	// name during creation) and returns the release func.
	Lock(key string) func()

	// Schemes exposes the identifier-scheme table.
	Schemes() *Schemes

	// Close closes the service.
	Close() error
}

// Config configures the registry service.
type Config struct {
	// SchemesPath points at the TOML identifier-scheme table. Empty or
	// missing falls back to DefaultSchemes.
	SchemesPath string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{}
}

type service struct {
	config  *Config
	store   *store.Store
	schemes *Schemes
	logger  *zap.Logger
	locks   keyedLocks

	tracer          trace.Tracer
	meter           metric.Meter
	createdCounter  metric.Int64Counter
	aliasCounter    metric.Int64Counter
	conflictCounter metric.Int64Counter
}

// NewService creates a registry service over the shared store.
func NewService(cfg *Config, st *store.Store, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	schemes, err := LoadSchemes(cfg.SchemesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load identifier schemes: %w", err)
	}

	s := &service{
		config:  cfg,
		store:   st,
		schemes: schemes,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.createdCounter, err = s.meter.Int64Counter(
		"dealsignal.registry.entities_created_total",
		metric.WithDescription("Total number of entities created"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		s.logger.Warn("failed to create entity counter", zap.Error(err))
	}

	s.aliasCounter, err = s.meter.Int64Counter(
		"dealsignal.registry.aliases_recorded_total",
		metric.WithDescription("Total number of aliases recorded on matched entities"),
		metric.WithUnit("{alias}"),
	)
	if err != nil {
		s.logger.Warn("failed to create alias counter", zap.Error(err))
	}

	s.conflictCounter, err = s.meter.Int64Counter(
		"dealsignal.registry.identifier_conflicts_total",
		metric.WithDescription("Total number of identifier binding conflicts"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		s.logger.Warn("failed to create conflict counter", zap.Error(err))
	}
}

func (s *service) Get(ctx context.Context, entityID string) (*signal.Entity, error) {
	ctx, span := s.tracer.Start(ctx, "registry.get")
	defer span.End()
	span.SetAttributes(attribute.String("entity_id", entityID))

	e, err := s.store.GetEntity(ctx, entityID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return e, nil
}

func (s *service) GetByIdentifier(ctx context.Context, scheme, value string) (*signal.Entity, error) {
	ctx, span := s.tracer.Start(ctx, "registry.get_by_identifier")
	defer span.End()
	span.SetAttributes(attribute.String("scheme", scheme))

	e, err := s.store.EntityByIdentifier(ctx, scheme, value)
	if err != nil {
		if !errors.Is(err, ErrEntityNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	return e, nil
}

func (s *service) Candidates(ctx context.Context, t signal.EntityType) ([]*signal.Entity, error) {
	ctx, span := s.tracer.Start(ctx, "registry.candidates")
	defer span.End()
	span.SetAttributes(attribute.String("entity_type", string(t)))

	entities, err := s.store.CandidatesByType(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("candidate_count", len(entities)))
	return entities, nil
}

func (s *service) Create(ctx context.Context, e *signal.Entity) error {
	ctx, span := s.tracer.Start(ctx, "registry.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity_id", e.ID),
		attribute.String("entity_type", string(e.Type)),
		attribute.Bool("provisional", e.Provisional),
	)

	// Identifier values that fail their scheme pattern are crawler noise;
	// drop them here so one bad value cannot block entity creation.
	for scheme, value := range e.Identifiers {
		if !s.schemes.ValidValue(scheme, value) {
			s.logger.Warn("dropping malformed identifier value",
				zap.String("entity_id", e.ID),
				zap.String("scheme", scheme),
			)
			delete(e.Identifiers, scheme)
		}
	}

	if err := s.store.CreateEntity(ctx, e); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrIdentifierConflict) && s.conflictCounter != nil {
			s.conflictCounter.Add(ctx, 1)
		}
		return err
	}

	if s.createdCounter != nil {
		s.createdCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("entity_type", string(e.Type)),
			attribute.Bool("provisional", e.Provisional),
		))
	}
	s.logger.Info("created entity",
		zap.String("entity_id", e.ID),
		zap.String("entity_type", string(e.Type)),
		zap.String("canonical_name", e.CanonicalName),
		zap.Bool("provisional", e.Provisional),
	)
	return nil
}

func (s *service) RecordAlias(ctx context.Context, entityID, alias string) error {
	ctx, span := s.tracer.Start(ctx, "registry.record_alias")
	defer span.End()
	span.SetAttributes(attribute.String("entity_id", entityID))

	if alias == "" {
		return nil
	}
	if err := s.store.AddEntityAlias(ctx, entityID, alias); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if s.aliasCounter != nil {
		s.aliasCounter.Add(ctx, 1)
	}
	return nil
}

func (s *service) BindIdentifiers(ctx context.Context, entityID string, identifiers map[string]string) error {
	ctx, span := s.tracer.Start(ctx, "registry.bind_identifiers")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity_id", entityID),
		attribute.Int("identifier_count", len(identifiers)),
	)

	// Deterministic bind order keeps conflict reports stable across runs.
	schemes := make([]string, 0, len(identifiers))
	for scheme := range identifiers {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)

	for _, scheme := range schemes {
		value := identifiers[scheme]
		if !s.schemes.ValidValue(scheme, value) {
			s.logger.Warn("dropping malformed identifier value",
				zap.String("entity_id", entityID),
				zap.String("scheme", scheme),
			)
			continue
		}
		err := s.store.AddEntityIdentifier(ctx, entityID, scheme, value)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrIdentifierConflict) {
			if s.conflictCounter != nil {
				s.conflictCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("scheme", scheme),
					attribute.Bool("authoritative", s.schemes.Authoritative(scheme)),
				))
			}
			if s.schemes.Authoritative(scheme) {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			// First binding wins on non-authoritative schemes.
			s.logger.Debug("skipping non-authoritative identifier conflict",
				zap.String("entity_id", entityID),
				zap.String("scheme", scheme),
			)
			continue
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *service) Promote(ctx context.Context, entityID string) error {
	ctx, span := s.tracer.Start(ctx, "registry.promote")
	defer span.End()
	span.SetAttributes(attribute.String("entity_id", entityID))

	if err := s.store.PromoteEntity(ctx, entityID); err != nil {
		span.RecordError(err)
		return err
	}
	s.logger.Info("promoted provisional entity", zap.String("entity_id", entityID))
	return nil
}

func (s *service) Retire(ctx context.Context, entityID string) error {
	ctx, span := s.tracer.Start(ctx, "registry.retire")
	defer span.End()
	span.SetAttributes(attribute.String("entity_id", entityID))

	if err := s.store.SetEntityActive(ctx, entityID, false); err != nil {
		span.RecordError(err)
		return err
	}
	s.logger.Info("retired entity", zap.String("entity_id", entityID))
	return nil
}

func (s *service) List(ctx context.Context, entityType string, limit int) ([]*signal.Entity, error) {
	ctx, span := s.tracer.Start(ctx, "registry.list")
	defer span.End()

	entities, err := s.store.ListEntities(ctx, entityType, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return entities, nil
}

func (s *service) Lock(key string) func() {
	return s.locks.lock(key)
}

func (s *service) Schemes() *Schemes {
	return s.schemes
}

func (s *service) Close() error {
	return nil
}
