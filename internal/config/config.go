// Package config provides configuration loading for dealsignald.
//
// Configuration is merged from three layers: built-in defaults, an
// optional YAML file, and environment variable overrides. Sections map
// one-to-one onto the service packages; the accessor methods convert a
// section into the package's native config type.
package config

import (
	"fmt"
	"time"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/alert"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/deadletter"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/events"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/ingest"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/logging"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/pipeline"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/playbook"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/registry"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/resolver"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/scoring"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/semantic"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/telemetry"
)

// Config holds the complete dealsignald configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    logging.Config   `koanf:"logging"`
	Telemetry  telemetry.Config `koanf:"telemetry"`
	Store      StoreConfig      `koanf:"store"`
	Registry   RegistryConfig   `koanf:"registry"`
	Resolver   ResolverConfig   `koanf:"resolver"`
	Semantic   SemanticConfig   `koanf:"semantic"`
	Scoring    ScoringConfig    `koanf:"scoring"`
	Playbook   PlaybookConfig   `koanf:"playbook"`
	Alert      AlertConfig      `koanf:"alert"`
	Events     EventsConfig     `koanf:"events"`
	Ingest     IngestConfig     `koanf:"ingest"`
	DeadLetter DeadLetterConfig `koanf:"deadletter"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds the durable store configuration.
type StoreConfig struct {
	// Path is the SQLite database file. A leading ~ expands to the
	// user's home directory at load time.
	Path string `koanf:"path"`
}

// RegistryConfig holds the entity registry configuration.
type RegistryConfig struct {
	// SchemesPath points at a TOML identifier-scheme table. Empty uses
	// the built-in schemes.
	SchemesPath string `koanf:"schemes_path"`
}

// ResolverConfig holds the entity resolution configuration.
type ResolverConfig struct {
	FuzzyMatchThreshold    float64       `koanf:"fuzzy_match_threshold"`
	SemanticMatchThreshold float64       `koanf:"semantic_match_threshold"`
	Timeout                time.Duration `koanf:"timeout"`
	TopN                   int           `koanf:"top_n"`
	IndexWiden             int           `koanf:"index_widen"`
}

// SemanticConfig holds the semantic matcher and alias index
// configuration. The matcher is optional; when disabled the resolver
// skips the semantic stage and falls through to provisional creation.
type SemanticConfig struct {
	Enabled bool `koanf:"enabled"`

	// Provider selects the matcher: "vector" or "model".
	Provider string `koanf:"provider"`

	EmbedderProvider  string `koanf:"embedder_provider"`
	EmbedderBaseURL   string `koanf:"embedder_base_url"`
	EmbedderModel     string `koanf:"embedder_model"`
	EmbedderAPIKey    Secret `koanf:"embedder_api_key"`
	EmbedderCacheDir  string `koanf:"embedder_cache_dir"`
	EmbedderMaxLength int    `koanf:"embedder_max_length"`
	EmbedderDimension int    `koanf:"embedder_dimension"`

	IndexBackend    string `koanf:"index_backend"`
	IndexPath       string `koanf:"index_path"`
	IndexCollection string `koanf:"index_collection"`
	IndexVectorSize int    `koanf:"index_vector_size"`
	QdrantHost      string `koanf:"qdrant_host"`
	QdrantPort      int    `koanf:"qdrant_port"`
	QdrantUseTLS    bool   `koanf:"qdrant_use_tls"`

	ModelBaseURL string `koanf:"model_base_url"`
	ModelName    string `koanf:"model_name"`
	ModelAPIKey  Secret `koanf:"model_api_key"`
	ModelTimeout int    `koanf:"model_timeout_seconds"`
}

// ScoringConfig holds the scoring engine configuration.
type ScoringConfig struct {
	WeightUrgency               float64 `koanf:"weight_urgency"`
	WeightFinancialStress       float64 `koanf:"weight_financial_stress"`
	WeightOperationalDisruption float64 `koanf:"weight_operational_disruption"`
	DecayHalfLifeDays           float64 `koanf:"decay_half_life_days"`
	DecayFloor                  float64 `koanf:"decay_floor"`
	CriticalScore               float64 `koanf:"critical_score"`
	HighScore                   float64 `koanf:"high_score"`
	MediumScore                 float64 `koanf:"medium_score"`
}

// PlaybookConfig holds the routing table thresholds.
type PlaybookConfig struct {
	LitigateScore float64 `koanf:"litigate_score"`
	WalkScore     float64 `koanf:"walk_score"`
}

// AlertConfig holds the deadline countdown configuration.
type AlertConfig struct {
	Milestones    []int         `koanf:"milestones"`
	SweepSchedule string        `koanf:"sweep_schedule"`
	SweepTimeout  time.Duration `koanf:"sweep_timeout"`
}

// EventsConfig holds the NATS event publisher configuration.
type EventsConfig struct {
	URL           string        `koanf:"url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	Name          string        `koanf:"name"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// IngestConfig holds the inbound signal source configuration. Any
// combination of sources may be enabled; all feed the same pipeline.
type IngestConfig struct {
	NATSEnabled bool   `koanf:"nats_enabled"`
	NATSSubject string `koanf:"nats_subject"`
	NATSQueue   string `koanf:"nats_queue"`

	KafkaEnabled     bool          `koanf:"kafka_enabled"`
	KafkaBrokers     []string      `koanf:"kafka_brokers"`
	KafkaTopic       string        `koanf:"kafka_topic"`
	KafkaGroupID     string        `koanf:"kafka_group_id"`
	KafkaPollTimeout time.Duration `koanf:"kafka_poll_timeout"`

	SpoolEnabled bool   `koanf:"spool_enabled"`
	SpoolDir     string `koanf:"spool_dir"`
	// SpoolProcessedDir defaults to SpoolDir/processed.
	SpoolProcessedDir string `koanf:"spool_processed_dir"`
}

// DeadLetterConfig holds the dead-letter requeue configuration.
type DeadLetterConfig struct {
	RequeueSubject string `koanf:"requeue_subject"`
}

// PipelineConfig holds the processing pool configuration.
type PipelineConfig struct {
	Workers          int           `koanf:"workers"`
	MaxRetries       int           `koanf:"max_retries"`
	RetryBackoffBase time.Duration `koanf:"retry_backoff_base"`
	RetryBackoffCap  time.Duration `koanf:"retry_backoff_cap"`
	PersistTimeout   time.Duration `koanf:"persist_timeout"`
}

// DefaultConfig returns the built-in defaults. Section defaults are
// pulled from each package's own DefaultConfig so the two can not
// drift apart.
func DefaultConfig() *Config {
	res := resolver.DefaultConfig()
	sco := scoring.DefaultConfig()
	pb := playbook.DefaultConfig()
	al := alert.DefaultConfig()
	ev := events.DefaultConfig()
	dl := deadletter.DefaultConfig()
	pl := pipeline.DefaultConfig()
	na := ingest.DefaultNATSConfig()
	kf := ingest.DefaultKafkaConfig()

	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8090,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:   logging.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Store: StoreConfig{
			Path: "~/.local/share/dealsignald/dealsignal.db",
		},
		Registry: RegistryConfig{},
		Resolver: ResolverConfig{
			FuzzyMatchThreshold:    res.FuzzyThreshold,
			SemanticMatchThreshold: res.SemanticThreshold,
			Timeout:                res.Timeout,
			TopN:                   res.TopN,
			IndexWiden:             res.IndexWiden,
		},
		Semantic: SemanticConfig{
			Enabled:          false,
			Provider:         "vector",
			EmbedderProvider: "remote",
			EmbedderBaseURL:  "http://localhost:8080/v1",
			EmbedderModel:    "BAAI/bge-small-en-v1.5",
			ModelTimeout:     30,
		},
		Scoring: ScoringConfig{
			WeightUrgency:               sco.WeightUrgency,
			WeightFinancialStress:       sco.WeightFinancialStress,
			WeightOperationalDisruption: sco.WeightOperationalDisruption,
			DecayHalfLifeDays:           sco.DecayHalfLifeDays,
			DecayFloor:                  sco.DecayFloor,
			CriticalScore:               sco.CriticalScore,
			HighScore:                   sco.HighScore,
			MediumScore:                 sco.MediumScore,
		},
		Playbook: PlaybookConfig{
			LitigateScore: pb.LitigateScore,
			WalkScore:     pb.WalkScore,
		},
		Alert: AlertConfig{
			Milestones:    al.Milestones,
			SweepSchedule: al.SweepSchedule,
			SweepTimeout:  al.SweepTimeout,
		},
		Events: EventsConfig{
			URL:           ev.URL,
			SubjectPrefix: ev.SubjectPrefix,
			Name:          ev.Name,
			MaxReconnects: ev.MaxReconnects,
			ReconnectWait: ev.ReconnectWait,
		},
		Ingest: IngestConfig{
			NATSEnabled:      true,
			NATSSubject:      na.Subject,
			NATSQueue:        na.Queue,
			KafkaEnabled:     false,
			KafkaBrokers:     kf.Brokers,
			KafkaTopic:       kf.Topic,
			KafkaGroupID:     kf.GroupID,
			KafkaPollTimeout: kf.PollTimeout,
			SpoolEnabled:     false,
		},
		DeadLetter: DeadLetterConfig{
			RequeueSubject: dl.RequeueSubject,
		},
		Pipeline: PipelineConfig{
			Workers:          pl.Workers,
			MaxRetries:       pl.MaxRetries,
			RetryBackoffBase: pl.RetryBackoffBase,
			RetryBackoffCap:  pl.RetryBackoffCap,
			PersistTimeout:   pl.PersistTimeout,
		},
	}
}

// Validate validates the configuration. Section validation is
// delegated to the owning package wherever one exists.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown timeout must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if err := c.ResolverConfig().Validate(); err != nil {
		return fmt.Errorf("resolver: %w", err)
	}
	if err := c.ScoringConfig().Validate(); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	if c.Playbook.WalkScore >= c.Playbook.LitigateScore {
		return fmt.Errorf("playbook: walk score %.1f must be below litigate score %.1f",
			c.Playbook.WalkScore, c.Playbook.LitigateScore)
	}
	if err := c.AlertConfig().Validate(); err != nil {
		return fmt.Errorf("alert: %w", err)
	}
	if err := c.EventsConfig().Validate(); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	if c.Ingest.NATSEnabled {
		if err := c.NATSConfig().Validate(); err != nil {
			return fmt.Errorf("ingest nats: %w", err)
		}
	}
	if c.Ingest.KafkaEnabled {
		if err := c.KafkaConfig().Validate(); err != nil {
			return fmt.Errorf("ingest kafka: %w", err)
		}
	}
	if c.Ingest.SpoolEnabled {
		if err := c.SpoolConfig().Validate(); err != nil {
			return fmt.Errorf("ingest spool: %w", err)
		}
	}
	if err := c.DeadLetterConfig().Validate(); err != nil {
		return fmt.Errorf("deadletter: %w", err)
	}
	if err := c.PipelineConfig().Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if c.Semantic.Enabled {
		switch c.Semantic.Provider {
		case "vector", "model":
		default:
			return fmt.Errorf("semantic: unsupported provider %q (supported: vector, model)", c.Semantic.Provider)
		}
		if c.Semantic.Provider == "model" && !c.Semantic.ModelAPIKey.IsSet() {
			return fmt.Errorf("semantic: model provider requires an API key")
		}
	}
	return nil
}

// RegistryConfig returns the registry package configuration.
func (c *Config) RegistryConfig() *registry.Config {
	return &registry.Config{
		SchemesPath: c.Registry.SchemesPath,
	}
}

// ResolverConfig returns the resolver package configuration.
func (c *Config) ResolverConfig() resolver.Config {
	return resolver.Config{
		FuzzyThreshold:    c.Resolver.FuzzyMatchThreshold,
		SemanticThreshold: c.Resolver.SemanticMatchThreshold,
		Timeout:           c.Resolver.Timeout,
		TopN:              c.Resolver.TopN,
		IndexWiden:        c.Resolver.IndexWiden,
	}
}

// ScoringConfig returns the scoring package configuration.
func (c *Config) ScoringConfig() scoring.Config {
	return scoring.Config{
		WeightUrgency:               c.Scoring.WeightUrgency,
		WeightFinancialStress:       c.Scoring.WeightFinancialStress,
		WeightOperationalDisruption: c.Scoring.WeightOperationalDisruption,
		DecayHalfLifeDays:           c.Scoring.DecayHalfLifeDays,
		DecayFloor:                  c.Scoring.DecayFloor,
		CriticalScore:               c.Scoring.CriticalScore,
		HighScore:                   c.Scoring.HighScore,
		MediumScore:                 c.Scoring.MediumScore,
	}
}

// PlaybookConfig returns the playbook package configuration.
func (c *Config) PlaybookConfig() playbook.Config {
	return playbook.Config{
		LitigateScore: c.Playbook.LitigateScore,
		WalkScore:     c.Playbook.WalkScore,
	}
}

// AlertConfig returns the alert package configuration.
func (c *Config) AlertConfig() alert.Config {
	return alert.Config{
		Milestones:    c.Alert.Milestones,
		SweepSchedule: c.Alert.SweepSchedule,
		SweepTimeout:  c.Alert.SweepTimeout,
	}
}

// EventsConfig returns the events package configuration.
func (c *Config) EventsConfig() events.Config {
	return events.Config{
		URL:           c.Events.URL,
		SubjectPrefix: c.Events.SubjectPrefix,
		Name:          c.Events.Name,
		MaxReconnects: c.Events.MaxReconnects,
		ReconnectWait: c.Events.ReconnectWait,
	}
}

// NATSConfig returns the NATS ingest source configuration.
func (c *Config) NATSConfig() ingest.NATSConfig {
	return ingest.NATSConfig{
		Subject: c.Ingest.NATSSubject,
		Queue:   c.Ingest.NATSQueue,
	}
}

// KafkaConfig returns the Kafka ingest source configuration.
func (c *Config) KafkaConfig() ingest.KafkaConfig {
	return ingest.KafkaConfig{
		Brokers:     c.Ingest.KafkaBrokers,
		Topic:       c.Ingest.KafkaTopic,
		GroupID:     c.Ingest.KafkaGroupID,
		PollTimeout: c.Ingest.KafkaPollTimeout,
	}
}

// SpoolConfig returns the spool ingest source configuration.
func (c *Config) SpoolConfig() ingest.SpoolConfig {
	return ingest.SpoolConfig{
		Dir:          c.Ingest.SpoolDir,
		ProcessedDir: c.Ingest.SpoolProcessedDir,
	}
}

// DeadLetterConfig returns the dead-letter package configuration.
func (c *Config) DeadLetterConfig() deadletter.Config {
	return deadletter.Config{
		RequeueSubject: c.DeadLetter.RequeueSubject,
	}
}

// PipelineConfig returns the pipeline package configuration.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Workers:          c.Pipeline.Workers,
		MaxRetries:       c.Pipeline.MaxRetries,
		RetryBackoffBase: c.Pipeline.RetryBackoffBase,
		RetryBackoffCap:  c.Pipeline.RetryBackoffCap,
		PersistTimeout:   c.Pipeline.PersistTimeout,
	}
}

// MatcherConfig returns the semantic matcher configuration.
func (c *Config) MatcherConfig() semantic.Config {
	return semantic.Config{
		Provider: c.Semantic.Provider,
		Embedder: c.EmbedderConfig(),
		Model: semantic.ModelConfig{
			BaseURL: c.Semantic.ModelBaseURL,
			Model:   c.Semantic.ModelName,
			APIKey:  c.Semantic.ModelAPIKey.Value(),
			Timeout: c.Semantic.ModelTimeout,
		},
	}
}

// EmbedderConfig returns the embedding provider configuration.
func (c *Config) EmbedderConfig() semantic.EmbedderConfig {
	return semantic.EmbedderConfig{
		Provider:  c.Semantic.EmbedderProvider,
		BaseURL:   c.Semantic.EmbedderBaseURL,
		Model:     c.Semantic.EmbedderModel,
		APIKey:    c.Semantic.EmbedderAPIKey.Value(),
		CacheDir:  c.Semantic.EmbedderCacheDir,
		MaxLength: c.Semantic.EmbedderMaxLength,
		Dimension: c.Semantic.EmbedderDimension,
	}
}

// IndexConfig returns the alias index configuration. Unset fields are
// filled by the index constructor's own defaults.
func (c *Config) IndexConfig() semantic.IndexConfig {
	return semantic.IndexConfig{
		Backend:    c.Semantic.IndexBackend,
		Path:       c.Semantic.IndexPath,
		Collection: c.Semantic.IndexCollection,
		VectorSize: c.Semantic.IndexVectorSize,
		Host:       c.Semantic.QdrantHost,
		Port:       c.Semantic.QdrantPort,
		UseTLS:     c.Semantic.QdrantUseTLS,
	}
}
