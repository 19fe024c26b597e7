// Package deadletter manages terminally failed signals and the operator
// review queue.
//
// A signal lands here when the pipeline exhausts its retries or hits an
// error retrying cannot fix. The record keeps the original wire payload, so
// an operator can requeue it: the payload goes back onto the inbound queue
// and the processing ledger flips to received, making the signal claimable
// again with a fresh attempt counter.
//
// The operator queue is separate: it holds registry integrity findings
// (ambiguous identifiers, identifier conflicts) that no amount of
// reprocessing resolves. Those wait for a human.
package deadletter

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/store"
)

const instrumentationName = "github.com/InfinityXOneSystems/vision-cortex-sub000/internal/deadletter"

// ErrAlreadyRequeued is returned when a dead letter was requeued before.
// A signal that fails again after a requeue produces a new record; the old
// one stays terminal.
var ErrAlreadyRequeued = errors.New("dead letter already requeued")

// Republisher pushes a raw payload back onto a queue subject. *nats.Conn
// satisfies it.
type Republisher interface {
	Publish(subject string, data []byte) error
}

// Config holds dead-letter queue settings.
type Config struct {
	// RequeueSubject is the inbound subject requeued payloads return to.
	// It must match the subject the intake consumer listens on.
	RequeueSubject string
}

// DefaultConfig returns the default dead-letter configuration.
func DefaultConfig() Config {
	return Config{
		RequeueSubject: "dealsignal.signals.inbound",
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.RequeueSubject == "" {
		return errors.New("requeue subject is required")
	}
	return nil
}

// Service manages dead letters and operator review items.
type Service interface {
	// Bury records a terminally failed signal: it appends a dead-letter
	// record carrying the original payload and marks the ledger row
	// dead-lettered. Returns the dead-letter ID.
	Bury(ctx context.Context, signalID, stage string, attempts int, cause error, payload []byte) (int64, error)

	// Requeue re-submits a dead letter's payload to the inbound queue. The
	// ledger row flips back to received with a zero attempt counter before
	// the payload is published, so the redelivery is claimable the moment
	// it arrives. Requeuing the same record twice returns
	// ErrAlreadyRequeued.
	Requeue(ctx context.Context, id int64) error

	// Escalate surfaces a registry integrity problem for manual review.
	Escalate(ctx context.Context, kind, signalID, detail string) (int64, error)

	// List returns dead letters, newest first. With pending true, records
	// already requeued are excluded.
	List(ctx context.Context, pending bool, limit int) ([]*store.DeadLetter, error)

	// Get returns one dead letter by ID.
	Get(ctx context.Context, id int64) (*store.DeadLetter, error)

	// OperatorItems returns review queue items, newest first. With open
	// true, resolved items are excluded.
	OperatorItems(ctx context.Context, open bool, limit int) ([]*store.OperatorItem, error)

	// ResolveOperatorItem closes a review queue item.
	ResolveOperatorItem(ctx context.Context, id int64) error
}

type service struct {
	config    Config
	store     *store.Store
	publisher Republisher
	logger    *zap.Logger
	tracer    trace.Tracer
	meter     metric.Meter

	buriedTotal    metric.Int64Counter
	requeuedTotal  metric.Int64Counter
	escalatedTotal metric.Int64Counter
}

// NewService creates a dead-letter queue service.
func NewService(cfg Config, st *store.Store, pub Republisher, logger *zap.Logger) (Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if pub == nil {
		return nil, errors.New("republisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &service{
		config:    cfg,
		store:     st,
		publisher: pub,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error
	s.buriedTotal, err = s.meter.Int64Counter("dealsignal.deadletter.buried_total",
		metric.WithDescription("Signals dead-lettered after terminal failure"))
	if err != nil {
		s.logger.Warn("failed to create buried counter", zap.Error(err))
	}
	s.requeuedTotal, err = s.meter.Int64Counter("dealsignal.deadletter.requeued_total",
		metric.WithDescription("Dead letters re-submitted to the inbound queue"))
	if err != nil {
		s.logger.Warn("failed to create requeued counter", zap.Error(err))
	}
	s.escalatedTotal, err = s.meter.Int64Counter("dealsignal.deadletter.escalated_total",
		metric.WithDescription("Registry integrity findings sent to the operator queue"))
	if err != nil {
		s.logger.Warn("failed to create escalated counter", zap.Error(err))
	}
}

func (s *service) Bury(ctx context.Context, signalID, stage string, attempts int, cause error, payload []byte) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "deadletter.bury")
	defer span.End()

	if signalID == "" {
		err := errors.New("signal ID is required")
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if stage == "" {
		err := errors.New("stage is required")
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	span.SetAttributes(
		attribute.String("signal.id", signalID),
		attribute.String("stage", stage),
		attribute.Int("attempts", attempts),
	)

	id, err := s.store.AddDeadLetter(ctx, store.DeadLetter{
		SignalID:  signalID,
		Stage:     stage,
		Attempts:  attempts,
		LastError: lastErr,
		Payload:   payload,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("bury signal %s: %w", signalID, err)
	}

	// The record above is what requeue reads; a stale ledger status shows
	// up in stats but loses nothing.
	if err := s.store.DeadLetterSignal(ctx, signalID, attempts, lastErr); err != nil {
		s.logger.Error("failed to mark ledger row dead-lettered",
			zap.String("signal_id", signalID),
			zap.Error(err))
	}

	if s.buriedTotal != nil {
		s.buriedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
	s.logger.Warn("dead-lettered signal",
		zap.String("signal_id", signalID),
		zap.String("stage", stage),
		zap.Int("attempts", attempts),
		zap.String("last_error", lastErr))
	return id, nil
}

func (s *service) Requeue(ctx context.Context, id int64) error {
	ctx, span := s.tracer.Start(ctx, "deadletter.requeue")
	defer span.End()
	span.SetAttributes(attribute.Int64("deadletter.id", id))

	dl, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if dl.RequeuedAt != nil {
		err := fmt.Errorf("dead letter %d: %w", id, ErrAlreadyRequeued)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Flip the ledger before publishing so the redelivered payload is
	// claimable the moment it arrives.
	if _, err := s.store.RequeueSignal(ctx, dl.SignalID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("requeue signal %s: %w", dl.SignalID, err)
	}

	if err := s.publisher.Publish(s.config.RequeueSubject, dl.Payload); err != nil {
		// Restore the dead-lettered status so the operator can retry.
		if restoreErr := s.store.DeadLetterSignal(ctx, dl.SignalID, dl.Attempts, dl.LastError); restoreErr != nil {
			s.logger.Error("failed to restore dead-lettered status after publish failure",
				zap.String("signal_id", dl.SignalID),
				zap.Error(restoreErr))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("republish signal %s: %w", dl.SignalID, err)
	}

	// The payload is in flight; a failed stamp must not fail a requeue
	// that already happened.
	if err := s.store.MarkDeadLetterRequeued(ctx, id); err != nil {
		s.logger.Error("failed to mark dead letter requeued",
			zap.Int64("deadletter_id", id),
			zap.String("signal_id", dl.SignalID),
			zap.Error(err))
	}

	if s.requeuedTotal != nil {
		s.requeuedTotal.Add(ctx, 1)
	}
	s.logger.Info("requeued dead letter",
		zap.Int64("deadletter_id", id),
		zap.String("signal_id", dl.SignalID),
		zap.String("stage", dl.Stage),
		zap.String("subject", s.config.RequeueSubject))
	return nil
}

func (s *service) Escalate(ctx context.Context, kind, signalID, detail string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "deadletter.escalate")
	defer span.End()

	if kind == "" {
		err := errors.New("kind is required")
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(
		attribute.String("kind", kind),
		attribute.String("signal.id", signalID),
	)

	id, err := s.store.AddOperatorItem(ctx, store.OperatorItem{
		Kind:     kind,
		SignalID: signalID,
		Detail:   detail,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("escalate signal %s: %w", signalID, err)
	}

	if s.escalatedTotal != nil {
		s.escalatedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
	s.logger.Warn("escalated to operator queue",
		zap.Int64("item_id", id),
		zap.String("kind", kind),
		zap.String("signal_id", signalID),
		zap.String("detail", detail))
	return id, nil
}

func (s *service) List(ctx context.Context, pending bool, limit int) ([]*store.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, pending, limit)
}

func (s *service) Get(ctx context.Context, id int64) (*store.DeadLetter, error) {
	return s.store.GetDeadLetter(ctx, id)
}

func (s *service) OperatorItems(ctx context.Context, open bool, limit int) ([]*store.OperatorItem, error) {
	return s.store.ListOperatorItems(ctx, open, limit)
}

func (s *service) ResolveOperatorItem(ctx context.Context, id int64) error {
	if err := s.store.ResolveOperatorItem(ctx, id); err != nil {
		return err
	}
	s.logger.Info("resolved operator item", zap.Int64("item_id", id))
	return nil
}
