// Package testdata provides utilities for generating sample metrics data
// to test Grafana dashboards without using real production data.
//
// Run it, point Prometheus at :9090/metrics (or PORT), and the dealsignal
// dashboards light up with plausible pipeline activity.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingest metrics
var (
	ingestReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_ingest_received_total",
			Help: "Raw payloads received, by transport",
		},
		[]string{"source"},
	)
	ingestIntakeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_ingest_intake_errors_total",
			Help: "Payloads the intake handler returned an error for",
		},
		[]string{"source"},
	)
)

// Pipeline metrics
var (
	pipelineCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_pipeline_completed_total",
			Help: "Signals processed through decision publishing",
		},
		[]string{"playbook", "tier"},
	)
	pipelineRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_pipeline_retries_total",
			Help: "Retry attempts across all signals",
		},
		[]string{"stage"},
	)
	pipelineDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_pipeline_dead_lettered_total",
			Help: "Signals that terminally failed",
		},
		[]string{"stage"},
	)
	pipelineDuplicates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_pipeline_duplicates_total",
			Help: "Redeliveries dropped by deduplication",
		},
		[]string{"source"},
	)
	pipelineMalformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_pipeline_malformed_total",
			Help: "Payloads rejected at intake validation",
		},
		[]string{"source"},
	)
)

// Resolver metrics
var (
	resolverResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_resolver_resolutions_total",
			Help: "Mentions resolved, by method",
		},
		[]string{"method"},
	)
	resolverAmbiguous = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dealsignal_resolver_ambiguous_identifiers_total",
			Help: "Resolutions aborted because identifiers named two entities",
		},
	)
	resolverTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dealsignal_resolver_timeouts_total",
			Help: "Semantic stages that hit the resolution deadline",
		},
	)
)

// Registry metrics
var (
	registryEntitiesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_registry_entities_created_total",
			Help: "Canonical entities created",
		},
		[]string{"entity_type", "provisional"},
	)
	registryAliasesRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_registry_aliases_recorded_total",
			Help: "Alias names recorded on matched entities",
		},
		[]string{"entity_type"},
	)
	registryIdentifierConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_registry_identifier_conflicts_total",
			Help: "Identifier bindings rejected for uniqueness",
		},
		[]string{"scheme", "authoritative"},
	)
)

// Scoring metrics
var (
	scoringScored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_scoring_scored_total",
			Help: "Signals scored, by resulting tier and candidate playbook",
		},
		[]string{"tier", "playbook"},
	)
)

// Alert metrics
var (
	alertMilestoneFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_alert_milestone_fires_total",
			Help: "Deadline milestones fired",
		},
		[]string{"milestone"},
	)
	alertWatchesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dealsignal_alert_watches_expired_total",
			Help: "Watches removed after their deadline passed",
		},
	)
	alertSweepErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dealsignal_alert_sweep_errors_total",
			Help: "Watch evaluations that failed during a sweep",
		},
	)
)

// Event metrics
var (
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_events_published_total",
			Help: "Stage events published, by kind",
		},
		[]string{"kind"},
	)
)

// Dead-letter metrics
var (
	deadletterBuried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_deadletter_buried_total",
			Help: "Signals buried in the dead-letter queue",
		},
		[]string{"stage"},
	)
	deadletterRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dealsignal_deadletter_requeued_total",
			Help: "Dead letters requeued by an operator",
		},
	)
	deadletterEscalated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_deadletter_escalated_total",
			Help: "Integrity problems escalated to the operator queue",
		},
		[]string{"kind"},
	)
)

// Admin API metrics
var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealsignal_http_requests_total",
			Help: "Admin API requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dealsignal_http_request_duration_seconds",
			Help:    "Admin API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	httpResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dealsignal_http_response_size_bytes",
			Help:    "Admin API response sizes",
			Buckets: prometheus.ExponentialBuckets(128, 4, 6),
		},
		[]string{"method", "endpoint", "status"},
	)
	httpActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dealsignal_http_active_requests",
			Help: "Admin API requests currently in flight",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ingestReceived,
		ingestIntakeErrors,
		pipelineCompleted,
		pipelineRetries,
		pipelineDeadLettered,
		pipelineDuplicates,
		pipelineMalformed,
		resolverResolutions,
		resolverAmbiguous,
		resolverTimeouts,
		registryEntitiesCreated,
		registryAliasesRecorded,
		registryIdentifierConflicts,
		scoringScored,
		alertMilestoneFires,
		alertWatchesExpired,
		alertSweepErrors,
		eventsPublished,
		deadletterBuried,
		deadletterRequeued,
		deadletterEscalated,
		httpRequests,
		httpRequestDuration,
		httpResponseSize,
		httpActiveRequests,
	)
}

// Label pools matching what the daemon instrumentation emits.
var (
	sources       = []string{"nats", "kafka", "spool", "http"}
	stages        = []string{"resolve", "score", "alert", "decide"}
	methods       = []string{"exact", "fuzzy", "semantic", "created-new"}
	entityTypes   = []string{"company", "person", "property"}
	schemes       = []string{"tax_id", "registration_number", "duns"}
	tiers         = []string{"critical", "high", "medium", "low"}
	playbooks     = []string{"buy", "partner", "refinance", "rescue", "litigate", "walk"}
	milestones    = []string{"T-30", "T-14", "T-7", "T-2"}
	eventKinds    = []string{"entity.resolved", "signal.scored", "alert.fired", "playbook.decided"}
	operatorKinds = []string{"ambiguous_identifier", "identifier_conflict"}
	httpMethods   = []string{"GET", "POST"}
	httpEndpoints = []string{
		"/health",
		"/api/v1/signals",
		"/api/v1/entities",
		"/api/v1/entities/:id",
		"/api/v1/deadletters",
		"/api/v1/operator/queue",
		"/api/v1/stats",
	}
	httpStatuses = []string{"200", "202", "404", "409", "500"}
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}

	// Generate initial sample data so panels have history on first scrape
	log.Println("Generating initial sample data...")
	generateSampleData()

	// Start background data generation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go generateContinuousData(ctx)

	// Expose metrics endpoint
	http.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: ":" + port}

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutting down metrics generator...")
		cancel()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	fmt.Printf("Metrics generator listening on http://localhost:%s/metrics\n\n", port)
	fmt.Println("Add this scrape config to your prometheus.yml:")
	fmt.Println("  scrape_configs:")
	fmt.Println("    - job_name: 'dealsignald'")
	fmt.Println("      scrape_interval: 5s")
	fmt.Println("      static_configs:")
	fmt.Printf("        - targets: ['localhost:%s']\n", port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}

// generateSampleData seeds every metric family with a plausible day of
// pipeline history.
func generateSampleData() {
	// Intake volume skews heavily toward NATS, with the admin API a
	// distant last.
	intakeWeights := map[string]int{"nats": 4000, "kafka": 2500, "spool": 600, "http": 150}
	for source, weight := range intakeWeights {
		received := weight + rand.Intn(weight/2)
		ingestReceived.WithLabelValues(source).Add(float64(received))
		ingestIntakeErrors.WithLabelValues(source).Add(float64(rand.Intn(20)))
		pipelineDuplicates.WithLabelValues(source).Add(float64(rand.Intn(received / 20)))
		pipelineMalformed.WithLabelValues(source).Add(float64(rand.Intn(received / 50)))
	}

	// Resolution methods: most mentions carry identifiers, fuzzy catches
	// much of the rest, semantic and create-new split the tail.
	resolverResolutions.WithLabelValues("exact").Add(float64(3500 + rand.Intn(1000)))
	resolverResolutions.WithLabelValues("fuzzy").Add(float64(1800 + rand.Intn(600)))
	resolverResolutions.WithLabelValues("semantic").Add(float64(400 + rand.Intn(200)))
	resolverResolutions.WithLabelValues("created-new").Add(float64(700 + rand.Intn(300)))
	resolverAmbiguous.Add(float64(rand.Intn(8)))
	resolverTimeouts.Add(float64(rand.Intn(30)))

	for _, entityType := range entityTypes {
		registryEntitiesCreated.WithLabelValues(entityType, "false").Add(float64(50 + rand.Intn(400)))
		registryEntitiesCreated.WithLabelValues(entityType, "true").Add(float64(rand.Intn(120)))
		registryAliasesRecorded.WithLabelValues(entityType).Add(float64(100 + rand.Intn(900)))
	}
	for _, scheme := range schemes {
		registryIdentifierConflicts.WithLabelValues(scheme, "true").Add(float64(rand.Intn(5)))
	}

	// Scores cluster in the middle tiers
	tierWeights := map[string]int{"critical": 150, "high": 900, "medium": 2400, "low": 2800}
	for tier, weight := range tierWeights {
		for _, playbook := range playbooks {
			scoringScored.WithLabelValues(tier, playbook).Add(float64(rand.Intn(weight / 3)))
			pipelineCompleted.WithLabelValues(playbook, tier).Add(float64(rand.Intn(weight / 3)))
		}
	}

	for _, stage := range stages {
		pipelineRetries.WithLabelValues(stage).Add(float64(rand.Intn(120)))
		pipelineDeadLettered.WithLabelValues(stage).Add(float64(rand.Intn(15)))
		deadletterBuried.WithLabelValues(stage).Add(float64(rand.Intn(15)))
	}
	deadletterRequeued.Add(float64(rand.Intn(25)))
	for _, kind := range operatorKinds {
		deadletterEscalated.WithLabelValues(kind).Add(float64(rand.Intn(10)))
	}

	// Early milestones fire far more often than late ones: most deals
	// close or die before the final countdown.
	milestoneWeights := map[string]int{"T-30": 320, "T-14": 180, "T-7": 90, "T-2": 35}
	for milestone, weight := range milestoneWeights {
		alertMilestoneFires.WithLabelValues(milestone).Add(float64(weight + rand.Intn(weight)))
	}
	alertWatchesExpired.Add(float64(60 + rand.Intn(60)))
	alertSweepErrors.Add(float64(rand.Intn(5)))

	for _, kind := range eventKinds {
		eventsPublished.WithLabelValues(kind).Add(float64(2000 + rand.Intn(4000)))
	}

	// Admin API traffic, mostly healthy GETs
	for i := 0; i < 400; i++ {
		method := randomChoice(httpMethods)
		endpoint := randomChoice(httpEndpoints)
		status := "200"
		if rand.Float64() > 0.92 {
			status = randomChoice(httpStatuses)
		}
		httpRequests.WithLabelValues(method, endpoint, status).Inc()
		httpRequestDuration.WithLabelValues(method, endpoint, status).Observe(rand.Float64() * 0.15)
		httpResponseSize.WithLabelValues(method, endpoint, status).Observe(float64(200 + rand.Intn(8000)))
	}
	httpActiveRequests.Set(float64(rand.Intn(4)))
}

// generateContinuousData keeps the counters moving so rate() panels show a
// live system. Each tick pushes a small batch of signals through the whole
// funnel, with rare failure branches.
func generateContinuousData(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch := 1 + rand.Intn(6)
			for i := 0; i < batch; i++ {
				simulateSignal()
			}

			// Background sweeps and operator activity
			if rand.Float64() > 0.85 {
				alertMilestoneFires.WithLabelValues(randomChoice(milestones)).Inc()
				eventsPublished.WithLabelValues("alert.fired").Inc()
			}
			if rand.Float64() > 0.95 {
				alertWatchesExpired.Inc()
			}
			if rand.Float64() > 0.9 {
				deadletterRequeued.Inc()
				ingestReceived.WithLabelValues("nats").Inc()
			}

			// Admin API polling from dsctl and the dashboards
			simulateAdminRequest()
			if randomBool() {
				simulateAdminRequest()
			}
			httpActiveRequests.Set(float64(rand.Intn(4)))
		}
	}
}

// simulateSignal walks one synthetic signal through intake, resolution,
// scoring and routing, branching into the failure paths at roughly the
// rates a healthy deployment shows.
func simulateSignal() {
	source := randomChoice(sources)
	ingestReceived.WithLabelValues(source).Inc()

	// Intake rejections: rare duplicates and malformed payloads stop here
	if rand.Float64() > 0.96 {
		pipelineDuplicates.WithLabelValues(source).Inc()
		return
	}
	if rand.Float64() > 0.98 {
		pipelineMalformed.WithLabelValues(source).Inc()
		return
	}

	// Resolution
	method := randomChoice(methods)
	resolverResolutions.WithLabelValues(method).Inc()
	eventsPublished.WithLabelValues("entity.resolved").Inc()
	switch method {
	case "created-new":
		provisional := "false"
		if randomBool() {
			provisional = "true"
			resolverTimeouts.Inc()
		}
		registryEntitiesCreated.WithLabelValues(randomChoice(entityTypes), provisional).Inc()
	case "fuzzy", "semantic":
		registryAliasesRecorded.WithLabelValues(randomChoice(entityTypes)).Inc()
	}
	if rand.Float64() > 0.995 {
		resolverAmbiguous.Inc()
		deadletterEscalated.WithLabelValues(randomChoice(operatorKinds)).Inc()
		return
	}

	// Occasional transient failure: a retry, and very rarely a burial
	if rand.Float64() > 0.9 {
		stage := randomChoice(stages)
		pipelineRetries.WithLabelValues(stage).Inc()
		if rand.Float64() > 0.97 {
			pipelineDeadLettered.WithLabelValues(stage).Inc()
			deadletterBuried.WithLabelValues(stage).Inc()
			return
		}
	}

	// Scoring and routing
	tier := randomChoice(tiers)
	playbook := randomChoice(playbooks)
	scoringScored.WithLabelValues(tier, playbook).Inc()
	eventsPublished.WithLabelValues("signal.scored").Inc()
	pipelineCompleted.WithLabelValues(playbook, tier).Inc()
	eventsPublished.WithLabelValues("playbook.decided").Inc()
}

// simulateAdminRequest records one admin API request with realistic status
// and latency spread.
func simulateAdminRequest() {
	method := randomChoice(httpMethods)
	endpoint := randomChoice(httpEndpoints)
	status := "200"
	switch {
	case method == "POST" && endpoint == "/api/v1/signals":
		status = "202"
	case rand.Float64() > 0.95:
		status = randomChoice(httpStatuses)
	}

	duration := rand.Float64() * 0.1
	if rand.Float64() > 0.95 {
		duration = 0.5 + rand.Float64()*1.5
	}

	httpRequests.WithLabelValues(method, endpoint, status).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint, status).Observe(duration)
	httpResponseSize.WithLabelValues(method, endpoint, status).Observe(float64(200 + rand.Intn(8000)))
}

// randomBool returns true half the time.
func randomBool() bool {
	return rand.Float64() > 0.5
}

// randomChoice picks a random element from choices.
func randomChoice(choices []string) string {
	return choices[rand.Intn(len(choices))]
}
