// Package alert fires deadline countdown alerts for signals that carry a
// hard deadline.
//
// Every deadline signal gets a persistent watch. A milestone fires when
// wall-clock time crosses deadline minus the milestone's day count, exactly
// once per (signal, milestone) pair: the durable fire log in the store is
// the idempotency guard, so restarts and concurrent sweeps cannot
// double-fire. If the scheduler was offline across a crossing, the next
// sweep catches up and fires it then, with the live days-remaining value.
// Once the deadline itself passes the watch expires and any milestones still
// unfired lapse silently.
//
// Signals without a deadline skip this stage entirely.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/store"
)

const instrumentationName = "github.com/InfinityXOneSystems/vision-cortex-sub000/internal/alert"

// Label formats a milestone day count as the operator-facing countdown
// label, e.g. T-30.
func Label(days int) string {
	return fmt.Sprintf("T-%d", days)
}

// Emitter receives fired alerts. The scheduler claims the milestone in the
// store before emitting, so a failed emit is logged and dropped rather than
// retried: at most one alert per milestone, never two.
type Emitter interface {
	AlertFired(ctx context.Context, a signal.Alert) error
}

// Config holds the scheduler knobs.
type Config struct {
	// Milestones are the remaining-day thresholds, strictly descending.
	Milestones []int

	// SweepSchedule is the cron spec for the background sweep. Both
	// standard five-field specs and @every descriptors are accepted.
	SweepSchedule string

	// SweepTimeout bounds a single sweep.
	SweepTimeout time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Milestones:    []int{30, 14, 7, 2},
		SweepSchedule: "@every 1m",
		SweepTimeout:  30 * time.Second,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if len(c.Milestones) == 0 {
		return errors.New("at least one milestone is required")
	}
	prev := int(^uint(0) >> 1)
	for _, m := range c.Milestones {
		if m <= 0 {
			return fmt.Errorf("milestones must be positive, got %d", m)
		}
		if m >= prev {
			return fmt.Errorf("milestones must be strictly descending, got %v", c.Milestones)
		}
		prev = m
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", c.SweepSchedule, err)
	}
	if c.SweepTimeout <= 0 {
		return fmt.Errorf("sweep timeout must be positive, got %v", c.SweepTimeout)
	}
	return nil
}

// Scheduler manages deadline watches and fires countdown milestones.
//
// All public methods are safe for concurrent use. The background sweep is
// optional: Watch already evaluates milestones inline at registration, the
// sweep only picks up crossings that happen while a signal sits idle.
type Scheduler struct {
	config  Config
	store   *store.Store
	emitter Emitter
	logger  *zap.Logger
	tracer  trace.Tracer
	meter   metric.Meter
	now     func() time.Time
	cron    *cron.Cron

	mu      sync.Mutex
	running bool

	firesTotal   metric.Int64Counter
	expiredTotal metric.Int64Counter
	sweepErrors  metric.Int64Counter
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock. Tests use this to cross milestones
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler creates a deadline alert scheduler. It does not start the
// background sweep; call Start.
func NewScheduler(cfg Config, st *store.Store, emitter Emitter, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	s := &Scheduler{
		config:  cfg,
		store:   st,
		emitter: emitter,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
		now:     time.Now,
		cron:    cron.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initMetrics()

	// Registered once here; Start and Stop only toggle the runner, so a
	// stopped scheduler can be started again without doubling the entry.
	if _, err := s.cron.AddFunc(cfg.SweepSchedule, s.safeSweep); err != nil {
		return nil, fmt.Errorf("scheduling sweep: %w", err)
	}
	return s, nil
}

func (s *Scheduler) initMetrics() {
	var err error

	s.firesTotal, err = s.meter.Int64Counter(
		"dealsignal.alert.milestone_fires_total",
		metric.WithDescription("Milestone alerts fired, by label"),
	)
	if err != nil {
		s.logger.Warn("failed to create fires counter", zap.Error(err))
	}

	s.expiredTotal, err = s.meter.Int64Counter(
		"dealsignal.alert.watches_expired_total",
		metric.WithDescription("Deadline watches retired after their deadline passed"),
	)
	if err != nil {
		s.logger.Warn("failed to create expired counter", zap.Error(err))
	}

	s.sweepErrors, err = s.meter.Int64Counter(
		"dealsignal.alert.sweep_errors_total",
		metric.WithDescription("Watch evaluations that failed during a sweep"),
	)
	if err != nil {
		s.logger.Warn("failed to create sweep errors counter", zap.Error(err))
	}
}

// Watch registers a scored signal for countdown alerts and evaluates its
// milestones immediately, so a crossing that already happened fires at
// processing time instead of waiting for the next sweep. Signals without a
// deadline are skipped with no error. Re-registering the same signal is a
// no-op.
func (s *Scheduler) Watch(ctx context.Context, sc signal.Scored) error {
	ctx, span := s.tracer.Start(ctx, "alert.watch")
	defer span.End()

	if sc.Signal == nil {
		err := fmt.Errorf("%w: scored signal carries no payload", signal.ErrMalformedSignal)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("signal_id", sc.Signal.ID))

	if !sc.Signal.HasDeadline() {
		s.logger.Debug("signal has no deadline, skipping watch",
			zap.String("signal_id", sc.Signal.ID))
		return nil
	}

	w := store.Watch{
		SignalID:   sc.Signal.ID,
		EntityID:   sc.EntityID,
		DeadlineAt: sc.Signal.DeadlineAt.UTC(),
	}
	if err := s.store.PutWatch(ctx, w); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("registering watch for %s: %w", w.SignalID, err)
	}

	s.logger.Info("deadline watch registered",
		zap.String("signal_id", w.SignalID),
		zap.String("entity_id", w.EntityID),
		zap.Time("deadline_at", w.DeadlineAt),
	)

	if err := s.evaluate(ctx, w); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Start begins the background sweep. Calling Start on a running scheduler
// is an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("alert scheduler is already running")
	}
	s.running = true
	s.cron.Start()

	s.logger.Info("alert scheduler started",
		zap.String("sweep_schedule", s.config.SweepSchedule),
		zap.Ints("milestones", s.config.Milestones),
	)
	return nil
}

// Stop halts the background sweep and waits for an in-flight sweep to
// finish. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("alert scheduler stopped")
}

// safeSweep is the cron entry point: one bounded sweep, panics contained so
// a bad run cannot kill the cron runner.
func (s *Scheduler) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("alert sweep panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.SweepTimeout)
	defer cancel()

	if err := s.Sweep(ctx); err != nil {
		s.logger.Warn("alert sweep finished with errors", zap.Error(err))
	}
}

// Sweep evaluates every active watch once. Per-watch failures are counted
// and joined into the returned error; they never stop the rest of the sweep.
func (s *Scheduler) Sweep(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "alert.sweep")
	defer span.End()

	watches, err := s.store.ActiveWatches(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("listing active watches: %w", err)
	}
	span.SetAttributes(attribute.Int("watches", len(watches)))

	var errs []error
	for _, w := range watches {
		if err := s.evaluate(ctx, w); err != nil {
			if s.sweepErrors != nil {
				s.sweepErrors.Add(ctx, 1)
			}
			s.logger.Warn("watch evaluation failed",
				zap.String("signal_id", w.SignalID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("watch %s: %w", w.SignalID, err))
		}
	}
	return errors.Join(errs...)
}

// evaluate fires every crossed-but-unfired milestone for one watch, or
// expires the watch when its deadline has passed.
func (s *Scheduler) evaluate(ctx context.Context, w store.Watch) error {
	now := s.now()

	if !w.DeadlineAt.After(now) {
		if err := s.store.ExpireWatch(ctx, w.SignalID); err != nil {
			return fmt.Errorf("expiring watch: %w", err)
		}
		if s.expiredTotal != nil {
			s.expiredTotal.Add(ctx, 1)
		}
		s.logger.Info("deadline passed, watch expired",
			zap.String("signal_id", w.SignalID),
			zap.Time("deadline_at", w.DeadlineAt),
		)
		return nil
	}

	fired, err := s.store.FiredMilestones(ctx, w.SignalID)
	if err != nil {
		return fmt.Errorf("loading fired milestones: %w", err)
	}

	daysRemaining := w.DeadlineAt.Sub(now).Hours() / 24

	for _, m := range s.config.Milestones {
		crossing := w.DeadlineAt.Add(-time.Duration(m) * 24 * time.Hour)
		if now.Before(crossing) || fired[m] {
			continue
		}

		// Claim before emit. The first writer of the fire row owns the
		// alert; a lost claim means another sweep got there first.
		ok, err := s.store.RecordMilestoneFire(ctx, store.MilestoneFire{
			SignalID:      w.SignalID,
			MilestoneDays: m,
			DaysRemaining: daysRemaining,
			FiredAt:       now.UTC(),
		})
		if err != nil {
			return fmt.Errorf("recording milestone %s: %w", Label(m), err)
		}
		if !ok {
			continue
		}

		a := signal.Alert{
			SignalID:       w.SignalID,
			EntityID:       w.EntityID,
			MilestoneLabel: Label(m),
			MilestoneDays:  m,
			DaysRemaining:  daysRemaining,
			DeadlineAt:     w.DeadlineAt,
			FiredAt:        now.UTC(),
		}
		if err := s.emitter.AlertFired(ctx, a); err != nil {
			// The claim is durable; emitting again would risk a duplicate
			// alert, so the failure is surfaced and the alert dropped.
			s.logger.Error("failed to emit milestone alert",
				zap.String("signal_id", a.SignalID),
				zap.String("milestone", a.MilestoneLabel),
				zap.Error(err),
			)
			continue
		}

		if s.firesTotal != nil {
			s.firesTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("milestone", a.MilestoneLabel),
			))
		}
		s.logger.Info("milestone alert fired",
			zap.String("signal_id", a.SignalID),
			zap.String("entity_id", a.EntityID),
			zap.String("milestone", a.MilestoneLabel),
			zap.Float64("days_remaining", a.DaysRemaining),
		)
	}
	return nil
}
