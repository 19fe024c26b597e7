// Package ingest feeds raw signal payloads into the pipeline.
//
// Three transports are supported: a NATS subject (the default), a Kafka
// topic, and a spool directory watched for JSON drops. Every source
// delivers into the same Handler with identical semantics; validation and
// dedup happen downstream, sources only move bytes.
//
// A handler error means intake failed. Transports that can redeliver
// (Kafka: the message stays uncommitted) will; the rest log and drop,
// leaning on the durable processing ledger to keep effects exactly-once.
package ingest

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/InfinityXOneSystems/vision-cortex-sub000/internal/ingest"

// Message is one raw inbound payload plus its provenance.
type Message struct {
	// Source names the transport that delivered the payload.
	Source string

	// Data is the raw signal payload, normally a JSON document.
	Data []byte
}

// Handler consumes one inbound message.
type Handler func(ctx context.Context, msg Message) error

// Source streams raw signal payloads into a Handler.
type Source interface {
	// Name identifies the source in logs and message provenance.
	Name() string

	// Run blocks until ctx is cancelled, delivering payloads to handler.
	// A cancelled context is a clean shutdown, not an error.
	Run(ctx context.Context, handler Handler) error

	// Close releases transport resources.
	Close() error
}

// sourceMetrics are the counters every source maintains.
type sourceMetrics struct {
	receivedTotal metric.Int64Counter
	intakeErrors  metric.Int64Counter
}

func newSourceMetrics(logger *zap.Logger) sourceMetrics {
	meter := otel.Meter(instrumentationName)
	var m sourceMetrics
	var err error

	m.receivedTotal, err = meter.Int64Counter(
		"dealsignal.ingest.received_total",
		metric.WithDescription("Payloads accepted into the pipeline, by source"),
	)
	if err != nil {
		logger.Warn("failed to create received counter", zap.Error(err))
	}

	m.intakeErrors, err = meter.Int64Counter(
		"dealsignal.ingest.intake_errors_total",
		metric.WithDescription("Payloads the pipeline refused at intake, by source"),
	)
	if err != nil {
		logger.Warn("failed to create intake errors counter", zap.Error(err))
	}
	return m
}

func (m sourceMetrics) received(ctx context.Context, source string) {
	if m.receivedTotal != nil {
		m.receivedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

func (m sourceMetrics) refused(ctx context.Context, source string) {
	if m.intakeErrors != nil {
		m.intakeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}
