// Package pipeline coordinates signal processing end to end.
//
// A bounded worker pool consumes decoded signals from the intake handler;
// each worker runs one signal through resolve, score, alert registration and
// decision publishing before taking the next. Intake hands signals to
// workers over an unbuffered channel, so a transport's delivery guarantee
// is never diluted by an in-memory backlog: a payload is either refused
// (and redelivered by transports that can) or owned by a worker until it
// completes, dead-letters, or is released back to the queue on shutdown.
//
// At-most-one in-flight scoring per signal ID is enforced twice: an
// in-memory set catches concurrent redelivery cheaply, and the durable
// processing ledger catches redelivery across restarts. Completed signals
// are never re-processed.
//
// Stage errors split into terminal and transient. Malformed input, unknown
// signal types and ambiguous identifiers are deterministic: retrying
// changes nothing, so they never retry. Everything else is assumed
// transient and retried with exponential backoff until the attempt budget
// runs out, at which point the signal dead-letters with its full context.
// Stage events are therefore at-least-once: a retry may republish
// entity.resolved for a signal whose scoring failed after the first
// publish succeeded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/alert"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/deadletter"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/events"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/ingest"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/resolver"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/scoring"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/store"
)

const instrumentationName = "github.com/InfinityXOneSystems/vision-cortex-sub000/internal/pipeline"

// The stage event publisher satisfies the alert emitter, so milestone fires
// travel the same connection as the other stage events.
var _ alert.Emitter = events.Publisher(nil)

// Stage names recorded on dead letters.
const (
	stageResolve = "resolve"
	stageScore   = "score"
	stageAlert   = "alert"
	stageDecide  = "decide"
)

const recentScoreWindow = 64

// sourceReclaim is the provenance recorded for signals re-enqueued from the
// ledger at startup.
const sourceReclaim = "reclaim"

// Watcher registers deadline countdowns as signals flow through.
type Watcher interface {
	Watch(ctx context.Context, sc signal.Scored) error
}

// Config holds pipeline tuning knobs.
type Config struct {
	// Workers is the processing pool size.
	Workers int

	// MaxRetries is how many times a signal is retried after its first
	// failed attempt. Transient errors only; terminal errors skip retry.
	MaxRetries int

	// RetryBackoffBase is the delay before the first retry; each further
	// retry doubles it up to RetryBackoffCap.
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration

	// PersistTimeout bounds every store write so a wedged database fails
	// the stage instead of hanging a worker.
	PersistTimeout time.Duration
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		MaxRetries:       3,
		RetryBackoffBase: time.Second,
		RetryBackoffCap:  30 * time.Second,
		PersistTimeout:   2 * time.Second,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d", c.MaxRetries)
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("retry backoff base must be positive, got %v", c.RetryBackoffBase)
	}
	if c.RetryBackoffCap < c.RetryBackoffBase {
		return fmt.Errorf("retry backoff cap %v is below base %v", c.RetryBackoffCap, c.RetryBackoffBase)
	}
	if c.PersistTimeout <= 0 {
		return fmt.Errorf("persist timeout must be positive, got %v", c.PersistTimeout)
	}
	return nil
}

// Snapshot is a point-in-time view of pipeline activity for the admin API
// and the watch dashboard. Durable totals live in store.Stats; these
// counters are process-local and reset on restart.
type Snapshot struct {
	Workers      int       `json:"workers"`
	InFlight     int       `json:"in_flight"`
	Received     uint64    `json:"received"`
	Completed    uint64    `json:"completed"`
	Retries      uint64    `json:"retries"`
	DeadLettered uint64    `json:"dead_lettered"`
	Duplicates   uint64    `json:"duplicates"`
	Malformed    uint64    `json:"malformed"`
	RecentScores []float64 `json:"recent_scores"`
}

type work struct {
	sig *signal.Signal
	raw []byte
}

// Pipeline is the signal processing coordinator.
type Pipeline struct {
	config      Config
	store       *store.Store
	resolver    resolver.Service
	scorer      scoring.Service
	alerts      Watcher
	publisher   events.Publisher
	deadletters deadletter.Service
	logger      *zap.Logger
	tracer      trace.Tracer
	meter       metric.Meter

	intake  chan work
	stopped chan struct{}
	halt    sync.Once
	running atomic.Bool

	mu       sync.Mutex
	inflight map[string]struct{}
	recent   []float64

	received     atomic.Uint64
	completed    atomic.Uint64
	retries      atomic.Uint64
	deadlettered atomic.Uint64
	duplicates   atomic.Uint64
	malformed    atomic.Uint64

	completedTotal  metric.Int64Counter
	retriesTotal    metric.Int64Counter
	deadletterTotal metric.Int64Counter
	duplicatesTotal metric.Int64Counter
	malformedTotal  metric.Int64Counter
}

// NewPipeline creates the coordinator over its stage services.
func NewPipeline(cfg Config, st *store.Store, res resolver.Service, sc scoring.Service, alerts Watcher, pub events.Publisher, dlq deadletter.Service, logger *zap.Logger) (*Pipeline, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if res == nil {
		return nil, errors.New("resolver is required")
	}
	if sc == nil {
		return nil, errors.New("scorer is required")
	}
	if alerts == nil {
		return nil, errors.New("alert watcher is required")
	}
	if pub == nil {
		return nil, errors.New("event publisher is required")
	}
	if dlq == nil {
		return nil, errors.New("dead-letter service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	p := &Pipeline{
		config:      cfg,
		store:       st,
		resolver:    res,
		scorer:      sc,
		alerts:      alerts,
		publisher:   pub,
		deadletters: dlq,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
		intake:      make(chan work),
		stopped:     make(chan struct{}),
		inflight:    make(map[string]struct{}),
	}
	p.initMetrics()
	return p, nil
}

func (p *Pipeline) initMetrics() {
	var err error
	p.completedTotal, err = p.meter.Int64Counter("dealsignal.pipeline.completed_total",
		metric.WithDescription("Signals processed through decision publishing"))
	if err != nil {
		p.logger.Warn("failed to create completed counter", zap.Error(err))
	}
	p.retriesTotal, err = p.meter.Int64Counter("dealsignal.pipeline.retries_total",
		metric.WithDescription("Retry attempts across all signals"))
	if err != nil {
		p.logger.Warn("failed to create retries counter", zap.Error(err))
	}
	p.deadletterTotal, err = p.meter.Int64Counter("dealsignal.pipeline.dead_lettered_total",
		metric.WithDescription("Signals that terminally failed"))
	if err != nil {
		p.logger.Warn("failed to create dead-lettered counter", zap.Error(err))
	}
	p.duplicatesTotal, err = p.meter.Int64Counter("dealsignal.pipeline.duplicates_total",
		metric.WithDescription("Redeliveries dropped by deduplication"))
	if err != nil {
		p.logger.Warn("failed to create duplicates counter", zap.Error(err))
	}
	p.malformedTotal, err = p.meter.Int64Counter("dealsignal.pipeline.malformed_total",
		metric.WithDescription("Payloads rejected at intake validation"))
	if err != nil {
		p.logger.Warn("failed to create malformed counter", zap.Error(err))
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// in-flight signal has drained. Workers finish the signal they hold rather
// than abort mid-stage; signals parked in retry backoff are released back
// to the ledger instead of holding the drain, and the reclaim pass on the
// next Run picks them up. Run may be called once.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pipeline already running")
	}
	p.logger.Info("pipeline started",
		zap.Int("workers", p.config.Workers),
		zap.Int("max_retries", p.config.MaxRetries),
	)

	var wg sync.WaitGroup
	for range p.config.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}

	p.reclaim(ctx)

	<-ctx.Done()
	p.halt.Do(func() { close(p.stopped) })
	wg.Wait()
	p.logger.Info("pipeline drained")
	return nil
}

// reclaim re-enqueues ledger rows left in the received state by a prior
// run: signals a shutdown released mid-backoff, or requeued dead letters
// whose republished payload never arrived. No transport redelivers these
// (Kafka committed the offset, core NATS has no replay), so the stored
// payload is the only copy left.
func (p *Pipeline) reclaim(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, p.config.PersistTimeout)
	pending, err := p.store.PendingSignals(pctx)
	cancel()
	if err != nil {
		p.logger.Error("failed to list pending signals for reclaim", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	p.logger.Info("reclaiming pending signals", zap.Int("count", len(pending)))
	for _, ps := range pending {
		if err := p.Handle(ctx, ingest.Message{Source: sourceReclaim, Data: ps.Data}); err != nil {
			p.logger.Warn("failed to reclaim signal",
				zap.String("signal_id", ps.SignalID),
				zap.Error(err))
		}
	}
}

// Handle is the intake entry point shared by every ingest source. It
// decodes and validates the payload, claims the signal in the ledger, and
// blocks until a worker accepts it. Malformed payloads and duplicates are
// consumed and dropped (nil return); an error return means the transport
// should keep the payload for redelivery.
func (p *Pipeline) Handle(ctx context.Context, msg ingest.Message) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.intake")
	defer span.End()
	span.SetAttributes(attribute.String("source", msg.Source))

	sig, err := signal.Decode(msg.Data)
	if err != nil {
		p.rejectMalformed(ctx, msg.Source, err)
		return nil
	}
	if sig.Source == "" {
		sig.Source = msg.Source
	}
	span.SetAttributes(
		attribute.String("signal.id", sig.ID),
		attribute.String("signal.type", string(sig.Type)),
	)

	if !p.track(sig.ID) {
		p.dropDuplicate(ctx, sig.ID, "in flight")
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, p.config.PersistTimeout)
	ok, err := p.store.AcquireSignal(pctx, sig)
	cancel()
	if err != nil {
		p.untrack(sig.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("acquiring signal %s: %w", sig.ID, err)
	}
	if !ok {
		p.untrack(sig.ID)
		p.dropDuplicate(ctx, sig.ID, "already processed")
		return nil
	}

	select {
	case p.intake <- work{sig: sig, raw: msg.Data}:
		p.received.Add(1)
		return nil
	case <-p.stopped:
		p.releaseClaim(sig.ID)
		p.untrack(sig.ID)
		return errors.New("pipeline is shutting down")
	case <-ctx.Done():
		p.releaseClaim(sig.ID)
		p.untrack(sig.ID)
		return ctx.Err()
	}
}

// Snapshot returns the live activity counters.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	inflight := len(p.inflight)
	recent := append([]float64(nil), p.recent...)
	p.mu.Unlock()

	return Snapshot{
		Workers:      p.config.Workers,
		InFlight:     inflight,
		Received:     p.received.Load(),
		Completed:    p.completed.Load(),
		Retries:      p.retries.Load(),
		DeadLettered: p.deadlettered.Load(),
		Duplicates:   p.duplicates.Load(),
		Malformed:    p.malformed.Load(),
		RecentScores: recent,
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-p.intake:
			// Shutdown must not abort a signal mid-stage; stages run
			// under their own timeouts and the stop channel only cuts
			// retry backoff short.
			p.process(context.WithoutCancel(ctx), ctx.Done(), it)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, stop <-chan struct{}, it work) {
	defer p.untrack(it.sig.ID)

	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("signal.id", it.sig.ID),
		attribute.String("signal.type", string(it.sig.Type)),
		attribute.String("signal.source", it.sig.Source),
	)

	for attempt := 1; ; attempt++ {
		decision, stage, err := p.runStages(ctx, it.sig)
		if err == nil {
			p.finish(ctx, decision)
			return
		}

		if isTerminal(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if errors.Is(err, resolver.ErrAmbiguousIdentifier) {
				p.escalate(ctx, it.sig.ID, err)
			}
			p.bury(ctx, it, stage, attempt, err)
			return
		}

		p.retries.Add(1)
		if p.retriesTotal != nil {
			p.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
		}
		p.recordAttempt(ctx, it.sig.ID, attempt, err)
		p.logger.Warn("stage failed",
			zap.String("signal_id", it.sig.ID),
			zap.String("stage", stage),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt > p.config.MaxRetries {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.bury(ctx, it, stage, attempt, err)
			return
		}

		select {
		case <-time.After(p.backoffFor(attempt)):
		case <-stop:
			// Parked in backoff at shutdown: hand the claim back so a
			// restart picks the signal up instead of waiting out the
			// backoff here.
			p.releaseClaim(it.sig.ID)
			p.logger.Info("released signal on shutdown",
				zap.String("signal_id", it.sig.ID),
				zap.Int("attempts", attempt))
			return
		}
	}
}

// runStages executes resolve, score, alert registration and decision
// publishing for one attempt. It returns the failed stage name alongside
// the error so dead letters carry it.
func (p *Pipeline) runStages(ctx context.Context, sig *signal.Signal) (signal.Decision, string, error) {
	res, err := p.resolver.Resolve(ctx, sig.Mention)
	if err != nil {
		return signal.Decision{}, stageResolve, err
	}
	resolved := signal.Resolved{
		Signal:      sig,
		EntityID:    res.Entity.ID,
		Confidence:  res.Confidence,
		Method:      res.Method,
		Provisional: res.Entity.Provisional,
	}
	if err := p.publisher.EntityResolved(ctx, resolved); err != nil {
		return signal.Decision{}, stageResolve, err
	}

	scored, err := p.scorer.Score(ctx, resolved, time.Time{})
	if err != nil {
		return signal.Decision{}, stageScore, err
	}
	if err := p.publisher.SignalScored(ctx, scored); err != nil {
		return signal.Decision{}, stageScore, err
	}

	wctx, cancel := context.WithTimeout(ctx, p.config.PersistTimeout)
	err = p.alerts.Watch(wctx, scored)
	cancel()
	if err != nil {
		return signal.Decision{}, stageAlert, err
	}

	decision := signal.Decision{
		SignalID:  sig.ID,
		EntityID:  scored.EntityID,
		Playbook:  scored.CandidatePlaybook,
		Score:     scored.Score,
		Tier:      scored.Tier,
		DecidedAt: time.Now().UTC(),
	}
	if err := p.publisher.PlaybookDecided(ctx, decision); err != nil {
		return signal.Decision{}, stageDecide, err
	}
	return decision, "", nil
}

// finish records a published decision. The decision is immutable once
// published, so a failed ledger write is logged rather than retried through
// the stages: re-running them could produce a different decision.
func (p *Pipeline) finish(ctx context.Context, d signal.Decision) {
	pctx, cancel := context.WithTimeout(ctx, p.config.PersistTimeout)
	err := p.store.CompleteSignal(pctx, d)
	cancel()
	if err != nil {
		p.logger.Error("decision published but ledger completion failed",
			zap.String("signal_id", d.SignalID),
			zap.Error(err))
	}

	p.completed.Add(1)
	if p.completedTotal != nil {
		p.completedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("playbook", string(d.Playbook)),
			attribute.String("tier", string(d.Tier)),
		))
	}
	p.mu.Lock()
	p.recent = append(p.recent, d.Score)
	if len(p.recent) > recentScoreWindow {
		p.recent = p.recent[1:]
	}
	p.mu.Unlock()

	p.logger.Info("signal decided",
		zap.String("signal_id", d.SignalID),
		zap.String("entity_id", d.EntityID),
		zap.String("playbook", string(d.Playbook)),
		zap.Float64("score", d.Score),
		zap.String("tier", string(d.Tier)))
}

// isTerminal reports whether retrying cannot change the outcome.
func isTerminal(err error) bool {
	return errors.Is(err, signal.ErrMalformedSignal) ||
		errors.Is(err, signal.ErrInvalidSignalType) ||
		errors.Is(err, resolver.ErrAmbiguousIdentifier)
}

func (p *Pipeline) backoffFor(attempt int) time.Duration {
	d := p.config.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.config.RetryBackoffCap {
			return p.config.RetryBackoffCap
		}
	}
	if d > p.config.RetryBackoffCap {
		return p.config.RetryBackoffCap
	}
	return d
}

func (p *Pipeline) rejectMalformed(ctx context.Context, source string, err error) {
	p.malformed.Add(1)
	if p.malformedTotal != nil {
		p.malformedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
	p.logger.Warn("rejected malformed signal",
		zap.String("source", source),
		zap.Error(err))
}

func (p *Pipeline) dropDuplicate(ctx context.Context, signalID, reason string) {
	p.duplicates.Add(1)
	if p.duplicatesTotal != nil {
		p.duplicatesTotal.Add(ctx, 1)
	}
	p.logger.Debug("dropped duplicate delivery",
		zap.String("signal_id", signalID),
		zap.String("reason", reason))
}

func (p *Pipeline) recordAttempt(ctx context.Context, signalID string, attempt int, cause error) {
	pctx, cancel := context.WithTimeout(ctx, p.config.PersistTimeout)
	defer cancel()
	if err := p.store.RecordAttempt(pctx, signalID, attempt, cause.Error()); err != nil {
		p.logger.Warn("failed to record attempt",
			zap.String("signal_id", signalID),
			zap.Error(err))
	}
}

func (p *Pipeline) bury(ctx context.Context, it work, stage string, attempts int, cause error) {
	pctx, cancel := context.WithTimeout(ctx, p.config.PersistTimeout)
	defer cancel()
	if _, err := p.deadletters.Bury(pctx, it.sig.ID, stage, attempts, cause, it.raw); err != nil {
		p.logger.Error("failed to dead-letter signal",
			zap.String("signal_id", it.sig.ID),
			zap.Error(err))
		return
	}
	p.deadlettered.Add(1)
	if p.deadletterTotal != nil {
		p.deadletterTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

func (p *Pipeline) escalate(ctx context.Context, signalID string, cause error) {
	pctx, cancel := context.WithTimeout(ctx, p.config.PersistTimeout)
	defer cancel()
	if _, err := p.deadletters.Escalate(pctx, store.OperatorKindAmbiguousIdentifier, signalID, cause.Error()); err != nil {
		p.logger.Error("failed to escalate ambiguous identifier",
			zap.String("signal_id", signalID),
			zap.Error(err))
	}
}

// releaseClaim returns a claimed ledger row to the received state. It runs
// on a fresh context: callers reach here precisely when theirs is dead.
func (p *Pipeline) releaseClaim(signalID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.PersistTimeout)
	defer cancel()
	if err := p.store.ReleaseSignal(ctx, signalID); err != nil {
		p.logger.Error("failed to release signal claim",
			zap.String("signal_id", signalID),
			zap.Error(err))
	}
}

func (p *Pipeline) track(signalID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[signalID]; ok {
		return false
	}
	p.inflight[signalID] = struct{}{}
	return true
}

func (p *Pipeline) untrack(signalID string) {
	p.mu.Lock()
	delete(p.inflight, signalID)
	p.mu.Unlock()
}
