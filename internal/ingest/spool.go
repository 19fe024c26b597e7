package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// SpoolConfig holds the spool-directory source settings.
type SpoolConfig struct {
	// Dir is the watched drop directory. Producers should write a temp
	// file and rename it to *.json so a drop appears atomically.
	Dir string

	// ProcessedDir is where consumed drops are moved. Defaults to
	// Dir/processed.
	ProcessedDir string
}

// ApplyDefaults fills derived fields.
func (c *SpoolConfig) ApplyDefaults() {
	if c.ProcessedDir == "" && c.Dir != "" {
		c.ProcessedDir = filepath.Join(c.Dir, "processed")
	}
}

// Validate validates the configuration.
func (c SpoolConfig) Validate() error {
	if c.Dir == "" {
		return errors.New("spool directory is required")
	}
	return nil
}

type spoolSource struct {
	cfg     SpoolConfig
	logger  *zap.Logger
	metrics sourceMetrics
}

// NewSpoolSource creates a source that consumes *.json drops from a watched
// directory. Consumed drops move to the processed directory; drops the
// pipeline refuses stay in place and are retried on the next start.
func NewSpoolSource(cfg SpoolConfig, logger *zap.Logger) (Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	if err := os.MkdirAll(cfg.ProcessedDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating processed directory: %w", err)
	}
	return &spoolSource{
		cfg:     cfg,
		logger:  logger,
		metrics: newSourceMetrics(logger),
	}, nil
}

func (s *spoolSource) Name() string { return "spool" }

func (s *spoolSource) Run(ctx context.Context, handler Handler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.cfg.Dir); err != nil {
		return fmt.Errorf("watching %s: %w", s.cfg.Dir, err)
	}

	s.logger.Info("spool source started", zap.String("dir", s.cfg.Dir))
	defer s.logger.Info("spool source stopped")

	// Catch up on drops that arrived while we were down. The watch is
	// already armed, so a drop landing mid-scan is seen either way; the
	// second sighting finds the file already moved and skips.
	if err := s.scanExisting(ctx, handler); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			s.consume(ctx, handler, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("spool watcher error", zap.Error(err))
		}
	}
}

func (s *spoolSource) scanExisting(ctx context.Context, handler Handler) error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return fmt.Errorf("scanning spool directory: %w", err)
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		s.consume(ctx, handler, filepath.Join(s.cfg.Dir, entry.Name()))
	}
	return nil
}

func (s *spoolSource) consume(ctx context.Context, handler Handler, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Already consumed via the other sighting.
			return
		}
		s.logger.Warn("failed to read spool drop", zap.String("path", path), zap.Error(err))
		return
	}

	if err := handler(ctx, Message{Source: s.Name(), Data: data}); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.metrics.refused(ctx, s.Name())
		s.logger.Warn("intake refused spool drop, leaving in place",
			zap.String("path", path),
			zap.Error(err),
		)
		return
	}

	dest := filepath.Join(s.cfg.ProcessedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		s.logger.Warn("failed to move consumed drop",
			zap.String("path", path),
			zap.Error(err),
		)
	}
	s.metrics.received(ctx, s.Name())
}

func (s *spoolSource) Close() error { return nil }
