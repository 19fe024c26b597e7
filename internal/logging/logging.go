// Package logging builds the process logger.
//
// Output goes to stdout, the OTLP log bridge, or both. Entries below
// error level can be sampled; errors always pass through.
package logging

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration.
type Config struct {
	Level  zapcore.Level `koanf:"level"`
	Format string        `koanf:"format"` // json | console

	// Stdout and OTEL select the outputs. At least one must be enabled.
	Stdout bool `koanf:"stdout"`
	OTEL   bool `koanf:"otel"`

	// Sampling caps the volume of info-and-below entries per second.
	Sampling           bool `koanf:"sampling"`
	SamplingInitial    int  `koanf:"sampling_initial"`
	SamplingThereafter int  `koanf:"sampling_thereafter"`
}

// DefaultConfig returns production defaults: sampled JSON on stdout at
// info level.
func DefaultConfig() Config {
	return Config{
		Level:              zapcore.InfoLevel,
		Format:             "json",
		Stdout:             true,
		OTEL:               false,
		Sampling:           true,
		SamplingInitial:    100,
		SamplingThereafter: 100,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format %q (supported: json, console)", c.Format)
	}
	if !c.Stdout && !c.OTEL {
		return errors.New("at least one log output must be enabled")
	}
	if c.Sampling {
		if c.SamplingInitial <= 0 {
			return errors.New("sampling initial must be positive")
		}
		if c.SamplingThereafter < 0 {
			return errors.New("sampling thereafter must not be negative")
		}
	}
	return nil
}

// New builds a logger from config. otelProvider backs the OTEL output
// and may be nil, in which case that output is skipped.
func New(cfg Config, otelProvider log.LoggerProvider) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cores := make([]zapcore.Core, 0, 2)

	if cfg.Stdout {
		cores = append(cores, zapcore.NewCore(
			newEncoder(cfg.Format),
			zapcore.AddSync(os.Stdout),
			cfg.Level,
		))
	}

	if cfg.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore("dealsignald",
			otelzap.WithLoggerProvider(otelProvider),
		))
	}

	if len(cores) == 0 {
		return nil, errors.New("at least one log output must be enabled and available")
	}

	var core zapcore.Core
	if len(cores) == 1 {
		core = cores[0]
	} else {
		core = zapcore.NewTee(cores...)
	}

	core = newSampledCore(core, cfg)

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

// newEncoder creates a JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// newSampledCore wraps core with sampling. Errors and above are never
// sampled.
func newSampledCore(core zapcore.Core, cfg Config) zapcore.Core {
	if !cfg.Sampling {
		return core
	}

	errorCore := &levelFilterCore{
		Core:     core,
		minLevel: zapcore.ErrorLevel,
	}

	belowErrorCore := &levelFilterCore{
		Core:     core,
		maxLevel: zapcore.WarnLevel,
	}

	sampledCore := zapcore.NewSamplerWithOptions(
		belowErrorCore,
		time.Second,
		cfg.SamplingInitial,
		cfg.SamplingThereafter,
	)

	return zapcore.NewTee(errorCore, sampledCore)
}

// levelFilterCore passes through only entries inside a level range.
type levelFilterCore struct {
	zapcore.Core
	minLevel zapcore.Level // only log >= minLevel (0 = no min)
	maxLevel zapcore.Level // only log <= maxLevel (0 = no max)
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	if c.minLevel != 0 && lvl < c.minLevel {
		return false
	}
	if c.maxLevel != 0 && lvl > c.maxLevel {
		return false
	}
	return c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

// With creates a child core that preserves level filtering.
func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{
		Core:     c.Core.With(fields),
		minLevel: c.minLevel,
		maxLevel: c.maxLevel,
	}
}

// Sync flushes buffered entries, suppressing the harmless errors that
// syncing stdout returns on Linux.
func Sync(logger *zap.Logger) error {
	err := logger.Sync()
	if err != nil && isStdoutSyncError(err) {
		return nil
	}
	return err
}

func isStdoutSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}
