package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig holds the NATS source settings.
type NATSConfig struct {
	// Subject is the inbound signal subject.
	Subject string

	// Queue is the queue group; multiple daemon instances in the same
	// group share the subject without duplicating work.
	Queue string
}

// DefaultNATSConfig returns the default NATS source configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Subject: "dealsignal.signals.inbound",
		Queue:   "dealsignal-intake",
	}
}

// Validate validates the configuration.
func (c NATSConfig) Validate() error {
	if c.Subject == "" {
		return errors.New("subject is required")
	}
	if c.Queue == "" {
		return errors.New("queue group is required")
	}
	return nil
}

type natsSource struct {
	cfg     NATSConfig
	nc      *nats.Conn
	logger  *zap.Logger
	metrics sourceMetrics
}

// NewNATSSource creates the default inbound source over an existing
// connection. The source does not own the connection.
func NewNATSSource(nc *nats.Conn, cfg NATSConfig, logger *zap.Logger) (Source, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &natsSource{
		cfg:     cfg,
		nc:      nc,
		logger:  logger,
		metrics: newSourceMetrics(logger),
	}, nil
}

func (s *natsSource) Name() string { return "nats" }

func (s *natsSource) Run(ctx context.Context, handler Handler) error {
	sub, err := s.nc.QueueSubscribeSync(s.cfg.Subject, s.cfg.Queue)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.cfg.Subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	s.logger.Info("nats source started",
		zap.String("subject", s.cfg.Subject),
		zap.String("queue", s.cfg.Queue),
	)
	defer s.logger.Info("nats source stopped")

	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return nil
			}
			return fmt.Errorf("receiving from %s: %w", s.cfg.Subject, err)
		}

		if err := handler(ctx, Message{Source: s.Name(), Data: msg.Data}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Core NATS has no redelivery; the payload is gone.
			s.metrics.refused(ctx, s.Name())
			s.logger.Warn("intake refused nats payload, dropping",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			continue
		}
		s.metrics.received(ctx, s.Name())
	}
}

func (s *natsSource) Close() error { return nil }
