package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig holds the Kafka source settings.
type KafkaConfig struct {
	// Brokers are the bootstrap broker addresses.
	Brokers []string

	// Topic is the inbound signal topic.
	Topic string

	// GroupID is the consumer group.
	GroupID string

	// PollTimeout bounds a single fetch; expiry is a normal idle tick.
	PollTimeout time.Duration
}

// DefaultKafkaConfig returns the default Kafka source configuration.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:     []string{"localhost:9092"},
		Topic:       "dealsignal.signals.inbound",
		GroupID:     "dealsignal-intake",
		PollTimeout: 5 * time.Second,
	}
}

// Validate validates the configuration.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if c.GroupID == "" {
		return errors.New("consumer group is required")
	}
	if c.PollTimeout <= 0 {
		return errors.New("poll timeout must be positive")
	}
	return nil
}

// fetchCommitter is the reader capability the run loop needs. *kafka.Reader
// satisfies it; tests substitute a fake.
type fetchCommitter interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaSource struct {
	cfg     KafkaConfig
	reader  fetchCommitter
	logger  *zap.Logger
	metrics sourceMetrics
}

// NewKafkaSource creates a consumer-group source over cfg.Topic. Offsets
// commit only after the pipeline accepts a payload, so an intake failure is
// redelivered after restart.
func NewKafkaSource(cfg KafkaConfig, logger *zap.Logger) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newKafkaSource(cfg, reader, logger), nil
}

func newKafkaSource(cfg KafkaConfig, reader fetchCommitter, logger *zap.Logger) *kafkaSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &kafkaSource{
		cfg:     cfg,
		reader:  reader,
		logger:  logger,
		metrics: newSourceMetrics(logger),
	}
}

func (s *kafkaSource) Name() string { return "kafka" }

func (s *kafkaSource) Run(ctx context.Context, handler Handler) error {
	s.logger.Info("kafka source started",
		zap.Strings("brokers", s.cfg.Brokers),
		zap.String("topic", s.cfg.Topic),
		zap.String("group", s.cfg.GroupID),
	)
	defer s.logger.Info("kafka source stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
		msg, err := s.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, kafka.ErrGroupClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			s.logger.Error("kafka fetch failed", zap.Error(err))
			continue
		}

		if err := handler(ctx, Message{Source: s.Name(), Data: msg.Value}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Left uncommitted: the group redelivers it later.
			s.metrics.refused(ctx, s.Name())
			s.logger.Warn("intake refused kafka payload, leaving uncommitted",
				zap.Int64("offset", msg.Offset),
				zap.Int("partition", msg.Partition),
				zap.Error(err),
			)
			continue
		}

		commitCtx, commitCancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
		if err := s.reader.CommitMessages(commitCtx, msg); err != nil {
			if !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
				s.logger.Error("kafka commit failed",
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}
		}
		commitCancel()
		s.metrics.received(ctx, s.Name())
	}
}

func (s *kafkaSource) Close() error {
	if s.reader == nil {
		return nil
	}
	return s.reader.Close()
}
