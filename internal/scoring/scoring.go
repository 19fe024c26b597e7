// Package scoring assigns viability scores to resolved signals.
//
// The score is a pure function of the signal's trigger set and the
// evaluation instant: a weighted win-probability term, a days-to-win
// estimate that shrinks as urgency grows, and a profit-lift estimate are
// multiplied into a base score, then weighted by squared urgency, financial
// stress and an exponential staleness decay. Every intermediate term is
// preserved on the Breakdown for audit.
//
// Scoring also assigns the priority tier and the candidate playbook. Both
// travel with the scored signal so later stages publish them instead of
// re-deriving them.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/playbook"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
)

const instrumentationName = "github.com/InfinityXOneSystems/vision-cortex-sub000/internal/scoring"

// Days-to-win is a linear inverse of urgency: 30 days at zero urgency,
// shrinking 2.5 days per urgency point down to 5 at the maximum.
const (
	maxDaysToWin      = 30.0
	daysToWinPerPoint = 2.5
)

// Profit-lift coefficients per trigger point.
const (
	liftPerFinancialStress = 2.0
	liftPerDisruption      = 1.5
)

// Config holds the scoring knobs.
type Config struct {
	// WeightUrgency, WeightFinancialStress and WeightOperationalDisruption
	// weight the probability-to-win average.
	WeightUrgency               float64
	WeightFinancialStress       float64
	WeightOperationalDisruption float64

	// DecayHalfLifeDays is the period over which a stale signal loses half
	// its score.
	DecayHalfLifeDays float64

	// DecayFloor is the minimum decay multiplier. Old signals fade, they
	// never vanish.
	DecayFloor float64

	// CriticalScore, HighScore and MediumScore are inclusive tier lower
	// bounds, evaluated high to low. Scores below MediumScore are low tier.
	CriticalScore float64
	HighScore     float64
	MediumScore   float64
}

// DefaultConfig returns the default scoring configuration.
func DefaultConfig() Config {
	return Config{
		WeightUrgency:               0.4,
		WeightFinancialStress:       0.3,
		WeightOperationalDisruption: 0.3,
		DecayHalfLifeDays:           14,
		DecayFloor:                  0.20,
		CriticalScore:               85,
		HighScore:                   70,
		MediumScore:                 55,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	for name, w := range map[string]float64{
		"urgency":                c.WeightUrgency,
		"financial_stress":       c.WeightFinancialStress,
		"operational_disruption": c.WeightOperationalDisruption,
	} {
		if w < 0 {
			return fmt.Errorf("%s weight must be non-negative, got %v", name, w)
		}
	}
	if c.DecayHalfLifeDays <= 0 {
		return fmt.Errorf("decay half-life must be positive, got %v", c.DecayHalfLifeDays)
	}
	if c.DecayFloor < 0 || c.DecayFloor > 1 {
		return fmt.Errorf("decay floor must be in [0,1], got %v", c.DecayFloor)
	}
	if c.CriticalScore < c.HighScore || c.HighScore < c.MediumScore {
		return fmt.Errorf("tier thresholds must descend: critical %v, high %v, medium %v",
			c.CriticalScore, c.HighScore, c.MediumScore)
	}
	return nil
}

// Service scores resolved signals.
type Service interface {
	// Score evaluates res at instant at, assigning the final score, the
	// priority tier and the candidate playbook. A zero at means now.
	Score(ctx context.Context, res signal.Resolved, at time.Time) (signal.Scored, error)
}

type service struct {
	config Config
	router *playbook.Router
	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter

	scoredTotal metric.Int64Counter
}

// NewService creates a scoring service routing through router.
func NewService(cfg Config, router *playbook.Router, logger *zap.Logger) (Service, error) {
	if router == nil {
		return nil, errors.New("playbook router is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	s := &service{
		config: cfg,
		router: router,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.scoredTotal, err = s.meter.Int64Counter(
		"dealsignal.scoring.scored_total",
		metric.WithDescription("Signals scored, by tier and candidate playbook"),
	)
	if err != nil {
		s.logger.Warn("failed to create scored counter", zap.Error(err))
	}
}

func (s *service) Score(ctx context.Context, res signal.Resolved, at time.Time) (signal.Scored, error) {
	ctx, span := s.tracer.Start(ctx, "scoring.score")
	defer span.End()

	if res.Signal == nil {
		err := fmt.Errorf("%w: resolved signal carries no payload", signal.ErrMalformedSignal)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return signal.Scored{}, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	breakdown := Evaluate(res.Signal.Triggers, res.Signal.ObservedAt, at, s.config)
	tier := TierFor(breakdown.Final, s.config)

	pb, err := s.router.Route(playbook.Input{
		SignalType:  res.Signal.Type,
		Score:       breakdown.Final,
		HasDeadline: res.Signal.HasDeadline(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return signal.Scored{}, fmt.Errorf("routing signal %s: %w", res.Signal.ID, err)
	}

	scored := signal.Scored{
		Resolved:          res,
		Score:             breakdown.Final,
		Tier:              tier,
		CandidatePlaybook: pb,
		ScoredAt:          at,
		Breakdown:         breakdown,
	}

	span.SetAttributes(
		attribute.String("signal_id", res.Signal.ID),
		attribute.Float64("score", breakdown.Final),
		attribute.String("tier", string(tier)),
		attribute.String("candidate_playbook", string(pb)),
	)
	if s.scoredTotal != nil {
		s.scoredTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tier", string(tier)),
			attribute.String("playbook", string(pb)),
		))
	}
	s.logger.Info("scored signal",
		zap.String("signal_id", res.Signal.ID),
		zap.String("entity_id", res.EntityID),
		zap.Float64("score", breakdown.Final),
		zap.String("tier", string(tier)),
		zap.String("candidate_playbook", string(pb)),
	)

	return scored, nil
}

// Evaluate computes the scoring formula term by term. It is a pure function:
// the same triggers, instants and config always yield the same Breakdown.
// Triggers the source never reported are zero, which zeroes the terms they
// feed rather than erroring.
func Evaluate(t signal.TriggerSet, observedAt, at time.Time, cfg Config) signal.Breakdown {
	probability := (cfg.WeightUrgency*t.Urgency +
		cfg.WeightFinancialStress*t.FinancialStress +
		cfg.WeightOperationalDisruption*t.OperationalDisruption) / 10

	daysToWin := maxDaysToWin - daysToWinPerPoint*t.Urgency
	profitLift := liftPerFinancialStress*t.FinancialStress + liftPerDisruption*t.OperationalDisruption
	base := probability * daysToWin * profitLift

	urgencyWeight := (t.Urgency / 10) * (t.Urgency / 10)
	decay := Decay(at.Sub(observedAt), cfg)
	final := base * urgencyWeight * (t.FinancialStress / 10) * decay

	return signal.Breakdown{
		Probability:   probability,
		DaysToWin:     daysToWin,
		ProfitLift:    profitLift,
		Base:          base,
		UrgencyWeight: urgencyWeight,
		Decay:         decay,
		Final:         final,
	}
}

// Decay returns the staleness multiplier for a signal observed elapsed ago:
// exponential with cfg.DecayHalfLifeDays half-life, floored at
// cfg.DecayFloor. Negative elapsed (source clock ahead of ours) counts as
// fresh.
func Decay(elapsed time.Duration, cfg Config) float64 {
	days := elapsed.Hours() / 24
	if days < 0 {
		days = 0
	}
	d := math.Exp(-math.Ln2 * days / cfg.DecayHalfLifeDays)
	if d < cfg.DecayFloor {
		return cfg.DecayFloor
	}
	return d
}

// TierFor buckets a final score into its priority tier.
func TierFor(score float64, cfg Config) signal.Tier {
	switch {
	case score >= cfg.CriticalScore:
		return signal.TierCritical
	case score >= cfg.HighScore:
		return signal.TierHigh
	case score >= cfg.MediumScore:
		return signal.TierMedium
	default:
		return signal.TierLow
	}
}
