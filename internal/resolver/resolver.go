// Package resolver binds raw entity mentions to canonical registry entities.
//
// Resolution runs four stages in strict priority order, short-circuiting on
// the first success: exact identifier match, fuzzy name match, semantic
// fallback, and finally provisional entity creation. Each stage assigns
// confidence by its own rule, so downstream consumers can weight a
// created-new binding differently from an exact identifier hit.
//
// The semantic stage is the only network call and runs behind a hard
// deadline; when it expires the resolver gives up on matching and creates a
// provisional entity rather than stalling the pipeline.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/registry"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/semantic"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
)

const instrumentationName = "github.com/InfinityXOneSystems/vision-cortex-sub000/internal/resolver"

// Sentinel errors for resolution.
var (
	// ErrAmbiguousIdentifier is returned when a mention's identifiers name
	// more than one registry entity. A registry integrity problem: never
	// auto-resolved, surfaced to the operator queue instead.
	ErrAmbiguousIdentifier = errors.New("ambiguous identifier")

	// ErrResolutionTimeout marks a semantic-fallback deadline expiry. It is
	// recovered locally by provisional entity creation and surfaces only in
	// logs and metrics.
	ErrResolutionTimeout = errors.New("resolution timed out")
)

// Confidence rules per resolution method.
const (
	exactConfidence    = 0.95
	fuzzyConfidenceCap = 0.80
	semanticClamp      = 0.90
	createdConfidence  = 1.0
)

// Resolution is the outcome of binding a mention to an entity.
type Resolution struct {
	// Entity is the canonical entity the mention resolved to.
	Entity *signal.Entity

	// Confidence is the binding confidence in [0,1].
	Confidence float64

	// Method is the stage that produced the binding.
	Method signal.ResolutionMethod
}

// Config holds resolver tuning knobs.
type Config struct {
	// FuzzyThreshold is the minimum name similarity for a fuzzy match.
	FuzzyThreshold float64

	// SemanticThreshold is the minimum matcher confidence for a semantic
	// match.
	SemanticThreshold float64

	// Timeout bounds the semantic-fallback stage.
	Timeout time.Duration

	// TopN is how many fuzzy-ranked candidates the semantic matcher sees.
	TopN int

	// IndexWiden is how many alias-index neighbours may be added to the
	// semantic candidate set. Zero disables widening.
	IndexWiden int
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() Config {
	return Config{
		FuzzyThreshold:    0.60,
		SemanticThreshold: 0.75,
		Timeout:           5 * time.Second,
		TopN:              5,
		IndexWiden:        10,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.FuzzyThreshold < 0 || c.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy threshold must be in [0,1], got %v", c.FuzzyThreshold)
	}
	if c.SemanticThreshold < 0 || c.SemanticThreshold > 1 {
		return fmt.Errorf("semantic threshold must be in [0,1], got %v", c.SemanticThreshold)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.TopN <= 0 {
		return fmt.Errorf("top-n must be positive, got %v", c.TopN)
	}
	return nil
}

// Service resolves entity mentions.
type Service interface {
	// Resolve binds mention to exactly one canonical entity. It never
	// blocks indefinitely: the semantic stage runs behind the configured
	// deadline and expiry falls back to provisional creation.
	Resolve(ctx context.Context, mention signal.Mention) (Resolution, error)

	// Close releases the semantic matcher and alias index.
	Close() error
}

type service struct {
	config   Config
	registry registry.Service
	matcher  semantic.Matcher
	index    semantic.AliasIndex
	logger   *zap.Logger
	tracer   trace.Tracer
	meter    metric.Meter

	resolutionsTotal metric.Int64Counter
	ambiguousTotal   metric.Int64Counter
	timeoutsTotal    metric.Int64Counter
}

// NewService creates an entity resolver.
//
// The alias index is optional (nil disables candidate widening). A nil
// matcher disables the semantic stage entirely: resolution degrades to
// exact, fuzzy, create-new.
func NewService(cfg Config, reg registry.Service, matcher semantic.Matcher, index semantic.AliasIndex, logger *zap.Logger) (Service, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if matcher == nil {
		logger.Warn("no semantic matcher configured, resolution degrades to exact/fuzzy/create")
	}

	s := &service{
		config:   cfg,
		registry: reg,
		matcher:  matcher,
		index:    index,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.resolutionsTotal, err = s.meter.Int64Counter(
		"dealsignal.resolver.resolutions_total",
		metric.WithDescription("Mentions resolved, by method"),
	)
	if err != nil {
		s.logger.Warn("failed to create resolutions counter", zap.Error(err))
	}

	s.ambiguousTotal, err = s.meter.Int64Counter(
		"dealsignal.resolver.ambiguous_identifiers_total",
		metric.WithDescription("Resolutions rejected for identifier ambiguity"),
	)
	if err != nil {
		s.logger.Warn("failed to create ambiguous counter", zap.Error(err))
	}

	s.timeoutsTotal, err = s.meter.Int64Counter(
		"dealsignal.resolver.timeouts_total",
		metric.WithDescription("Semantic fallback deadline expiries"),
	)
	if err != nil {
		s.logger.Warn("failed to create timeouts counter", zap.Error(err))
	}
}

func (s *service) Resolve(ctx context.Context, mention signal.Mention) (Resolution, error) {
	ctx, span := s.tracer.Start(ctx, "resolver.resolve")
	defer span.End()

	span.SetAttributes(
		attribute.String("mention", mention.CanonicalName),
		attribute.String("entity_type", string(mention.EntityType)),
	)

	if mention.CanonicalName == "" {
		err := fmt.Errorf("%w: mention has no canonical name", signal.ErrMalformedSignal)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Resolution{}, err
	}

	normalized := Normalize(mention.CanonicalName)

	// Serialize resolution per normalized name so two concurrent signals
	// for the same unknown entity cannot both create it.
	unlock := s.registry.Lock("resolve:" + normalized)
	defer unlock()

	// Stage 1: exact identifier match.
	ent, err := s.exactMatch(ctx, mention)
	if err != nil {
		if errors.Is(err, ErrAmbiguousIdentifier) {
			if s.ambiguousTotal != nil {
				s.ambiguousTotal.Add(ctx, 1)
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Resolution{}, err
	}
	if ent != nil {
		return s.finish(ctx, span, Resolution{
			Entity:     ent,
			Confidence: exactConfidence,
			Method:     signal.MethodExact,
		}, mention, false)
	}

	// Stage 2: fuzzy name match.
	candidates, err := s.registry.Candidates(ctx, mention.EntityType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Resolution{}, fmt.Errorf("loading candidates: %w", err)
	}

	ranked := rankByName(normalized, candidates)
	if len(ranked) > 0 && ranked[0].similarity >= s.config.FuzzyThreshold {
		confidence := ranked[0].similarity
		if confidence > fuzzyConfidenceCap {
			confidence = fuzzyConfidenceCap
		}
		return s.finish(ctx, span, Resolution{
			Entity:     ranked[0].entity,
			Confidence: confidence,
			Method:     signal.MethodFuzzy,
		}, mention, true)
	}

	// Stage 3: semantic fallback, behind a hard deadline.
	if s.matcher != nil {
		res, ok, err := s.semanticMatch(ctx, mention, ranked)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Resolution{}, err
		}
		if ok {
			return s.finish(ctx, span, res, mention, true)
		}
	}

	// Stage 4: create a provisional entity from the mention.
	created := signal.NewEntity(mention)
	created.Provisional = true
	if err := s.registry.Create(ctx, created); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Resolution{}, fmt.Errorf("creating provisional entity: %w", err)
	}
	return s.finish(ctx, span, Resolution{
		Entity:     created,
		Confidence: createdConfidence,
		Method:     signal.MethodCreated,
	}, mention, false)
}

// exactMatch looks every mention identifier up in the registry. All hits
// must agree on one entity; disagreement is ErrAmbiguousIdentifier.
func (s *service) exactMatch(ctx context.Context, mention signal.Mention) (*signal.Entity, error) {
	schemes := make([]string, 0, len(mention.Identifiers))
	for scheme := range mention.Identifiers {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)

	var (
		found       *signal.Entity
		foundScheme string
	)
	for _, scheme := range schemes {
		value := mention.Identifiers[scheme]
		if value == "" {
			continue
		}
		ent, err := s.registry.GetByIdentifier(ctx, scheme, value)
		if errors.Is(err, registry.ErrEntityNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("identifier lookup %s: %w", scheme, err)
		}
		if found != nil && found.ID != ent.ID {
			return nil, fmt.Errorf("%w: %s names entity %s but %s names entity %s",
				ErrAmbiguousIdentifier, foundScheme, found.ID, scheme, ent.ID)
		}
		if found == nil {
			found = ent
			foundScheme = scheme
		}
	}
	return found, nil
}

// semanticMatch presents the top fuzzy candidates (optionally widened by the
// alias index) to the matcher. The bool reports acceptance; a deadline
// expiry is recovered by returning false so the caller creates an entity.
func (s *service) semanticMatch(ctx context.Context, mention signal.Mention, ranked []rankedCandidate) (Resolution, bool, error) {
	topN := ranked
	if len(topN) > s.config.TopN {
		topN = topN[:s.config.TopN]
	}

	offered := make([]semantic.Candidate, 0, len(topN)+s.config.IndexWiden)
	byID := make(map[string]*signal.Entity, len(topN)+s.config.IndexWiden)
	for _, rc := range topN {
		offered = append(offered, semantic.Candidate{
			EntityID: rc.entity.ID,
			Name:     rc.entity.CanonicalName,
			Aliases:  rc.entity.Aliases,
		})
		byID[rc.entity.ID] = rc.entity
	}

	offered = s.widenCandidates(ctx, mention, offered, byID)
	if len(offered) == 0 {
		return Resolution{}, false, nil
	}

	matchCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	match, err := s.matcher.Compare(matchCtx, mention.CanonicalName, offered)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			if s.timeoutsTotal != nil {
				s.timeoutsTotal.Add(ctx, 1)
			}
			s.logger.Warn("semantic fallback deadline expired, creating provisional entity",
				zap.String("mention", mention.CanonicalName),
				zap.Duration("timeout", s.config.Timeout),
				zap.Error(ErrResolutionTimeout),
			)
			return Resolution{}, false, nil
		}
		return Resolution{}, false, fmt.Errorf("semantic comparison: %w", err)
	}

	if !match.Matched() || match.Confidence < s.config.SemanticThreshold {
		return Resolution{}, false, nil
	}

	ent := byID[match.EntityID]
	if ent == nil {
		// Matcher contract violation; its own validation should prevent this.
		s.logger.Warn("matcher returned unknown entity, ignoring",
			zap.String("entity_id", match.EntityID))
		return Resolution{}, false, nil
	}

	confidence := match.Confidence
	if confidence > semanticClamp {
		confidence = semanticClamp
	}
	return Resolution{
		Entity:     ent,
		Confidence: confidence,
		Method:     signal.MethodSemantic,
	}, true, nil
}

// widenCandidates adds alias-index neighbours the fuzzy ranking missed.
// Index failures are advisory only and never fail resolution.
func (s *service) widenCandidates(ctx context.Context, mention signal.Mention, offered []semantic.Candidate, byID map[string]*signal.Entity) []semantic.Candidate {
	if s.index == nil || s.config.IndexWiden <= 0 {
		return offered
	}

	neighbors, err := s.index.Nearest(ctx, mention.CanonicalName, s.config.IndexWiden)
	if err != nil {
		s.logger.Warn("alias index lookup failed", zap.Error(err))
		return offered
	}

	for _, n := range neighbors {
		if n.EntityID == "" {
			continue
		}
		if _, ok := byID[n.EntityID]; ok {
			continue
		}
		ent, err := s.registry.Get(ctx, n.EntityID)
		if err != nil {
			if !errors.Is(err, registry.ErrEntityNotFound) {
				s.logger.Warn("alias index names unloadable entity",
					zap.String("entity_id", n.EntityID), zap.Error(err))
			}
			continue
		}
		if ent.Type != mention.EntityType || !ent.Active {
			continue
		}
		offered = append(offered, semantic.Candidate{
			EntityID: ent.ID,
			Name:     ent.CanonicalName,
			Aliases:  ent.Aliases,
		})
		byID[ent.ID] = ent
	}
	return offered
}

// finish applies side effects, records metrics, and returns the resolution.
//
// adopt marks fuzzy/semantic outcomes: the matched entity gains the raw
// mention name as an alias and any identifiers the mention carried.
func (s *service) finish(ctx context.Context, span trace.Span, res Resolution, mention signal.Mention, adopt bool) (Resolution, error) {
	if adopt {
		if err := s.registry.RecordAlias(ctx, res.Entity.ID, mention.CanonicalName); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Resolution{}, fmt.Errorf("recording alias: %w", err)
		}
		res.Entity.AddAlias(mention.CanonicalName)

		if len(mention.Identifiers) > 0 {
			if err := s.registry.BindIdentifiers(ctx, res.Entity.ID, mention.Identifiers); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return Resolution{}, fmt.Errorf("binding identifiers: %w", err)
			}
		}
	}

	s.refreshIndex(ctx, res.Entity, mention)

	span.SetAttributes(
		attribute.String("entity_id", res.Entity.ID),
		attribute.String("method", string(res.Method)),
		attribute.Float64("confidence", res.Confidence),
	)
	if s.resolutionsTotal != nil {
		s.resolutionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", string(res.Method)),
		))
	}

	s.logger.Info("mention resolved",
		zap.String("mention", mention.CanonicalName),
		zap.String("entity_id", res.Entity.ID),
		zap.String("method", string(res.Method)),
		zap.Float64("confidence", res.Confidence),
	)

	return res, nil
}

// refreshIndex keeps the alias index in step with resolution outcomes.
// Best effort: the index improves recall but is never load-bearing.
func (s *service) refreshIndex(ctx context.Context, ent *signal.Entity, mention signal.Mention) {
	if s.index == nil {
		return
	}
	names := []string{ent.CanonicalName, mention.CanonicalName}
	if err := s.index.UpsertNames(ctx, ent.ID, names); err != nil {
		s.logger.Warn("alias index refresh failed",
			zap.String("entity_id", ent.ID), zap.Error(err))
	}
}

func (s *service) Close() error {
	var errs []error
	if s.matcher != nil {
		if err := s.matcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing matcher: %w", err))
		}
	}
	if s.index != nil {
		if err := s.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing alias index: %w", err))
		}
	}
	return errors.Join(errs...)
}

// rankedCandidate pairs a candidate entity with its best name similarity.
type rankedCandidate struct {
	entity     *signal.Entity
	similarity float64
}

// rankByName scores every candidate by its best canonical/alias similarity
// to the normalized mention and sorts descending. Ties break on entity ID
// for determinism.
func rankByName(normalizedMention string, candidates []*signal.Entity) []rankedCandidate {
	ranked := make([]rankedCandidate, 0, len(candidates))
	for _, ent := range candidates {
		best := 0.0
		for _, name := range ent.Names() {
			sim := Similarity(normalizedMention, Normalize(name))
			if sim > best {
				best = sim
			}
		}
		ranked = append(ranked, rankedCandidate{entity: ent, similarity: best})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].similarity != ranked[j].similarity {
			return ranked[i].similarity > ranked[j].similarity
		}
		return ranked[i].entity.ID < ranked[j].entity.ID
	})
	return ranked
}
