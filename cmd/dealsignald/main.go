// Dealsignald is the deal-signal intelligence daemon.
//
// It ingests business signals from the configured transports (NATS,
// Kafka, spool directory), resolves entity mentions against the
// canonical registry, scores each signal with time decay, routes the
// result through the playbook table and publishes stage events over
// NATS. An admin HTTP API exposes signal submission, registry lookups,
// dead-letter review and pipeline statistics.
//
// Configuration is merged from built-in defaults, an optional YAML file
// and environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	dealsignald
//
//	# Use an explicit config file
//	dealsignald -config /etc/dealsignald/config.yaml
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9090 EVENTS_URL=nats://localhost:4222 dealsignald
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/alert"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/config"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/deadletter"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/events"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/httpapi"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/ingest"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/logging"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/pipeline"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/playbook"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/registry"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/resolver"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/scoring"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/semantic"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/store"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default ~/.config/dealsignald/config.yaml)")
	flag.Parse()
	args := flag.Args()

	// Handle subcommands
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  dealsignald            Start the deal-signal daemon\n")
			fmt.Fprintf(os.Stderr, "  dealsignald version    Show version information\n")
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("dealsignald\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
//
// Startup order:
//  1. Load and validate configuration
//  2. Initialize logger and telemetry
//  3. Open infrastructure (SQLite store, NATS, optional semantic stack)
//  4. Build the service graph (registry, resolver, scoring, alerts,
//     dead letters, pipeline)
//  5. Start the ingest sources, the processing pool and the admin API
//
// Shutdown runs in reverse: the admin server stops accepting requests,
// the sources stop consuming, the pipeline drains in-flight signals,
// and only then do the NATS connection and the store close.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger) // Best-effort sync on shutdown
	}()

	logger.Info("starting dealsignald",
		zap.String("version", version),
		zap.String("admin_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("store_path", cfg.Store.Path))

	tel, err := telemetry.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info("dependencies initialized",
		zap.Bool("nats_connected", deps.natsConn.IsConnected()),
		zap.Bool("semantic_enabled", deps.matcher != nil))

	svcs, err := initServices(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer svcs.Close()

	sources, err := initSources(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize ingest sources: %w", err)
	}

	srv, err := httpapi.NewServer(svcs.pipe, svcs.registry, svcs.deadletters, deps.store, logger, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin server: %w", err)
	}

	if err := svcs.alerts.Start(); err != nil {
		return fmt.Errorf("failed to start alert scheduler: %w", err)
	}
	defer svcs.alerts.Stop()

	// runCtx lets an admin server failure stop the sources and the
	// pipeline without waiting for an operator signal.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	pipeDone := make(chan error, 1)
	go func() {
		pipeDone <- svcs.pipe.Run(runCtx)
	}()

	srcDone := make(chan struct{}, len(sources))
	for _, src := range sources {
		go func() {
			if err := src.Run(runCtx, svcs.pipe.Handle); err != nil {
				logger.Error("ingest source stopped",
					zap.String("source", src.Name()),
					zap.Error(err))
			}
			srcDone <- struct{}{}
		}()
	}

	httpDone := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpDone <- err
			return
		}
		httpDone <- nil
	}()

	names := make([]string, 0, len(sources))
	for _, src := range sources {
		names = append(names, src.Name())
	}
	logger.Info("dealsignald running",
		zap.Strings("sources", names),
		zap.Int("workers", cfg.Pipeline.Workers))

	// Block until a shutdown signal arrives or the admin server fails
	// outright. A bind failure surfaces here, not at drain time.
	var runErr error
	select {
	case <-runCtx.Done():
	case err := <-httpDone:
		runErr = fmt.Errorf("admin server: %w", err)
		httpDone = nil
		stop()
	}

	logger.Info("shutting down")

	// Stop accepting admin requests. In-flight submissions finish
	// before Shutdown returns, so they still reach the pipeline.
	if httpDone != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		if err := srv.Shutdown(shCtx); err != nil {
			logger.Warn("admin server shutdown", zap.Error(err))
		}
		shCancel()
		if err := <-httpDone; err != nil {
			logger.Error("admin server error", zap.Error(err))
		}
	}

	// Sources exit on cancellation. Wait for them before draining so no
	// late intake races the pipeline's drain.
	for range sources {
		<-srcDone
	}
	for _, src := range sources {
		if err := src.Close(); err != nil {
			logger.Warn("closing ingest source",
				zap.String("source", src.Name()),
				zap.Error(err))
		}
	}

	// The pipeline finishes in-flight signals before returning.
	if err := <-pipeDone; err != nil {
		logger.Error("pipeline error", zap.Error(err))
	}

	return runErr
}

// dependencies holds the infrastructure the service graph is built on.
type dependencies struct {
	store    *store.Store
	natsConn *nats.Conn
	matcher  semantic.Matcher
	index    semantic.AliasIndex
	logger   *zap.Logger
}

// Close releases infrastructure resources. The semantic matcher and
// index are not closed here: the resolver owns them once constructed.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		// Flush pushes buffered publishes out before the connection
		// drops; stage events emitted during the final drain would
		// otherwise be lost.
		if err := d.natsConn.Flush(); err != nil {
			d.logger.Warn("flushing nats connection", zap.Error(err))
		}
		d.natsConn.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing store", zap.Error(err))
		}
	}
}

// initDependencies opens the durable store, dials NATS and, when
// semantic matching is enabled, builds the embedder, alias index and
// matcher.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.Store.Path, err)
	}
	logger.Info("store opened", zap.String("path", cfg.Store.Path))

	nc, err := events.Connect(cfg.EventsConfig(), logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	deps := &dependencies{
		store:    st,
		natsConn: nc,
		logger:   logger,
	}

	if cfg.Semantic.Enabled {
		embedder, err := semantic.NewEmbedder(cfg.EmbedderConfig())
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}

		index, err := semantic.NewAliasIndex(cfg.IndexConfig(), embedder, logger)
		if err != nil {
			_ = embedder.Close()
			deps.Close()
			return nil, fmt.Errorf("failed to create alias index: %w", err)
		}

		matcher, err := semantic.NewMatcher(cfg.MatcherConfig(), embedder, logger)
		if err != nil {
			_ = index.Close()
			_ = embedder.Close()
			deps.Close()
			return nil, fmt.Errorf("failed to create semantic matcher: %w", err)
		}

		deps.index = index
		deps.matcher = matcher

		logger.Info("semantic stack initialized",
			zap.String("provider", cfg.Semantic.Provider),
			zap.Int("dimension", embedder.Dimension()))
	}

	return deps, nil
}

// services holds the business service graph.
type services struct {
	registry    registry.Service
	resolver    resolver.Service
	scorer      scoring.Service
	publisher   events.Publisher
	alerts      *alert.Scheduler
	deadletters deadletter.Service
	pipe        *pipeline.Pipeline
	logger      *zap.Logger
}

// Close tears down the services that hold resources. The resolver
// closes the semantic matcher and alias index it was handed.
func (s *services) Close() {
	if s.resolver != nil {
		if err := s.resolver.Close(); err != nil {
			s.logger.Warn("closing resolver", zap.Error(err))
		}
	}
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			s.logger.Warn("closing registry", zap.Error(err))
		}
	}
}

// initServices builds the service graph on top of deps.
func initServices(cfg *config.Config, deps *dependencies, logger *zap.Logger) (*services, error) {
	reg, err := registry.NewService(cfg.RegistryConfig(), deps.store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	res, err := resolver.NewService(cfg.ResolverConfig(), reg, deps.matcher, deps.index, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	router := playbook.NewRouter(cfg.PlaybookConfig(), logger)

	scorer, err := scoring.NewService(cfg.ScoringConfig(), router, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scoring service: %w", err)
	}

	pub, err := events.NewPublisher(deps.natsConn, cfg.EventsConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	alerts, err := alert.NewScheduler(cfg.AlertConfig(), deps.store, pub, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert scheduler: %w", err)
	}

	dlq, err := deadletter.NewService(cfg.DeadLetterConfig(), deps.store, deps.natsConn, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dead-letter service: %w", err)
	}

	pipe, err := pipeline.NewPipeline(cfg.PipelineConfig(), deps.store, res, scorer, alerts, pub, dlq, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	return &services{
		registry:    reg,
		resolver:    res,
		scorer:      scorer,
		publisher:   pub,
		alerts:      alerts,
		deadletters: dlq,
		pipe:        pipe,
		logger:      logger,
	}, nil
}

// initSources builds the enabled ingest sources. The NATS source shares
// the daemon's event connection; Kafka and spool own their transports.
func initSources(cfg *config.Config, deps *dependencies, logger *zap.Logger) ([]ingest.Source, error) {
	var sources []ingest.Source

	if cfg.Ingest.NATSEnabled {
		src, err := ingest.NewNATSSource(deps.natsConn, cfg.NATSConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("nats source: %w", err)
		}
		sources = append(sources, src)
	}

	if cfg.Ingest.KafkaEnabled {
		src, err := ingest.NewKafkaSource(cfg.KafkaConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("kafka source: %w", err)
		}
		sources = append(sources, src)
	}

	if cfg.Ingest.SpoolEnabled {
		src, err := ingest.NewSpoolSource(cfg.SpoolConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("spool source: %w", err)
		}
		sources = append(sources, src)
	}

	if len(sources) == 0 {
		logger.Warn("no ingest sources enabled, accepting signals via the admin API only")
	}

	return sources, nil
}
