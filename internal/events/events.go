// Package events publishes pipeline stage events to NATS.
//
// Every signal that survives the pipeline emits, in stage order:
// entity.resolved, signal.scored, zero or more alert.fired, and finally
// playbook.decided. All events for one signal are published by its single
// in-flight worker over one connection, so subscribers observe them in
// stage order.
//
// Subjects are fixed per event kind under the configured prefix, e.g.
// dealsignal.signal.scored. Signal identity rides in the payload: source
// assigned signal IDs are not guaranteed to be subject-safe.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
)

const instrumentationName = "github.com/InfinityXOneSystems/vision-cortex-sub000/internal/events"

// Event kinds, doubling as subject suffixes under Config.SubjectPrefix.
const (
	KindEntityResolved  = "entity.resolved"
	KindSignalScored    = "signal.scored"
	KindAlertFired      = "alert.fired"
	KindPlaybookDecided = "playbook.decided"
)

// Config holds the NATS connection and subject settings.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// SubjectPrefix roots every subject this process touches.
	SubjectPrefix string

	// Name identifies the connection to the server.
	Name string

	// MaxReconnects and ReconnectWait shape the reconnect posture.
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns the default NATS configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "dealsignal",
		Name:          "dealsignald",
		MaxReconnects: 5,
		ReconnectWait: time.Second,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("nats url is required")
	}
	if c.SubjectPrefix == "" {
		return errors.New("subject prefix is required")
	}
	return nil
}

// Connect dials NATS with the daemon's boot posture: keep retrying on a
// failed initial connect so the broker may come up after us.
func Connect(cfg Config, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}

	logger.Info("connected to nats", zap.String("url", cfg.URL))
	return nc, nil
}

// Publisher emits pipeline stage events. It does not own the connection;
// lifecycle (drain, close) belongs to whoever dialed it.
type Publisher interface {
	EntityResolved(ctx context.Context, res signal.Resolved) error
	SignalScored(ctx context.Context, sc signal.Scored) error
	AlertFired(ctx context.Context, a signal.Alert) error
	PlaybookDecided(ctx context.Context, d signal.Decision) error
}

type publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter

	publishedTotal metric.Int64Counter
}

// NewPublisher creates a stage event publisher over nc.
func NewPublisher(nc *nats.Conn, cfg Config, logger *zap.Logger) (Publisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	p := &publisher{
		nc:     nc,
		prefix: cfg.SubjectPrefix,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	p.initMetrics()
	return p, nil
}

func (p *publisher) initMetrics() {
	var err error

	p.publishedTotal, err = p.meter.Int64Counter(
		"dealsignal.events.published_total",
		metric.WithDescription("Stage events published, by kind"),
	)
	if err != nil {
		p.logger.Warn("failed to create published counter", zap.Error(err))
	}
}

func (p *publisher) EntityResolved(ctx context.Context, res signal.Resolved) error {
	if res.Signal == nil {
		return fmt.Errorf("%w: resolved event carries no signal", signal.ErrMalformedSignal)
	}
	return p.publish(ctx, KindEntityResolved, res.Signal.ID, res)
}

func (p *publisher) SignalScored(ctx context.Context, sc signal.Scored) error {
	if sc.Signal == nil {
		return fmt.Errorf("%w: scored event carries no signal", signal.ErrMalformedSignal)
	}
	return p.publish(ctx, KindSignalScored, sc.Signal.ID, sc)
}

func (p *publisher) AlertFired(ctx context.Context, a signal.Alert) error {
	if a.SignalID == "" {
		return fmt.Errorf("%w: alert event carries no signal id", signal.ErrMalformedSignal)
	}
	return p.publish(ctx, KindAlertFired, a.SignalID, a)
}

func (p *publisher) PlaybookDecided(ctx context.Context, d signal.Decision) error {
	if d.SignalID == "" {
		return fmt.Errorf("%w: decision event carries no signal id", signal.ErrMalformedSignal)
	}
	return p.publish(ctx, KindPlaybookDecided, d.SignalID, d)
}

func (p *publisher) publish(ctx context.Context, kind, signalID string, payload any) error {
	ctx, span := p.tracer.Start(ctx, "events.publish")
	defer span.End()

	subject := p.prefix + "." + kind
	span.SetAttributes(
		attribute.String("kind", kind),
		attribute.String("subject", subject),
		attribute.String("signal_id", signalID),
	)

	data, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}

	if err := p.nc.Publish(subject, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish %s event: %w", kind, err)
	}

	if p.publishedTotal != nil {
		p.publishedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
	p.logger.Debug("published stage event",
		zap.String("kind", kind),
		zap.String("subject", subject),
		zap.String("signal_id", signalID),
	)
	return nil
}
