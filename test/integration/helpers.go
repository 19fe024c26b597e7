// Package integration exercises the assembled signal pipeline end to end:
// an embedded NATS server feeds the intake source, workers resolve mentions
// against a real SQLite registry, and stage events come back out over the
// same broker.
package integration

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/alert"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/deadletter"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/events"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/ingest"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/pipeline"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/playbook"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/registry"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/resolver"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/scoring"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/store"
)

// intakeSubject is where crawlers drop signals. The requeue path publishes
// back to the same subject.
const intakeSubject = "dealsignal.signals.inbound"

// testStack is the full daemon assembly over throwaway state: SQLite in a
// temp dir, an embedded NATS server, and a running worker pool with the NATS
// intake source attached.
type testStack struct {
	Store    *store.Store
	Registry registry.Service
	DLQ      deadletter.Service
	Pipeline *pipeline.Pipeline
	Conn     *nats.Conn
}

// startTestNATSServer starts an embedded NATS server on a random port.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err, "Should create embedded NATS server")

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

// startTestStack wires and starts the pipeline the way cmd/dealsignald does.
// Everything shuts down with the test, run loops first.
func startTestStack(t *testing.T) *testStack {
	t.Helper()

	server := startTestNATSServer(t)
	logger := zap.NewNop()

	st, err := store.Open(filepath.Join(t.TempDir(), "dealsignal.db"))
	require.NoError(t, err, "Should open store")
	t.Cleanup(func() { _ = st.Close() })

	reg, err := registry.NewService(registry.DefaultConfig(), st, logger)
	require.NoError(t, err, "Should create registry")

	res, err := resolver.NewService(resolver.DefaultConfig(), reg, nil, nil, logger)
	require.NoError(t, err, "Should create resolver")

	router := playbook.NewRouter(playbook.DefaultConfig(), logger)
	scorer, err := scoring.NewService(scoring.DefaultConfig(), router, logger)
	require.NoError(t, err, "Should create scorer")

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err, "Should connect to embedded NATS")
	t.Cleanup(nc.Close)

	eventsCfg := events.DefaultConfig()
	eventsCfg.URL = server.ClientURL()
	pub, err := events.NewPublisher(nc, eventsCfg, logger)
	require.NoError(t, err, "Should create event publisher")

	alerts, err := alert.NewScheduler(alert.DefaultConfig(), st, pub, logger)
	require.NoError(t, err, "Should create alert scheduler")

	dlq, err := deadletter.NewService(deadletter.DefaultConfig(), st, nc, logger)
	require.NoError(t, err, "Should create dead-letter service")

	pipe, err := pipeline.NewPipeline(pipeline.DefaultConfig(), st, res, scorer, alerts, pub, dlq, logger)
	require.NoError(t, err, "Should create pipeline")

	source, err := ingest.NewNATSSource(nc, ingest.DefaultNATSConfig(), logger)
	require.NoError(t, err, "Should create NATS intake source")

	subsBefore := server.NumSubscriptions()

	ctx, cancel := context.WithCancel(context.Background())
	pipeDone := make(chan error, 1)
	go func() { pipeDone <- pipe.Run(ctx) }()
	sourceDone := make(chan error, 1)
	go func() { sourceDone <- source.Run(ctx, pipe.Handle) }()

	t.Cleanup(func() {
		cancel()
		waitStop(t, "intake source", sourceDone)
		waitStop(t, "pipeline", pipeDone)
	})

	// Core NATS drops messages published before a subscription lands; wait
	// until the server sees the intake source's queue subscription.
	deadline := time.Now().Add(5 * time.Second)
	for server.NumSubscriptions() <= subsBefore {
		if time.Now().After(deadline) {
			t.Fatal("intake source did not subscribe within 5s")
		}
		time.Sleep(10 * time.Millisecond)
	}

	return &testStack{
		Store:    st,
		Registry: reg,
		DLQ:      dlq,
		Pipeline: pipe,
		Conn:     nc,
	}
}

// waitStop waits for a run loop to exit after the stack context is cancelled.
func waitStop(t *testing.T, name string, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		assert.NoError(t, err, name+" should stop cleanly")
	case <-time.After(5 * time.Second):
		t.Errorf("%s did not stop within 5s", name)
	}
}

// subscribeSync opens a synchronous subscription and flushes so it is active
// before the caller publishes anything.
func subscribeSync(t *testing.T, nc *nats.Conn, subject string) *nats.Subscription {
	t.Helper()
	sub, err := nc.SubscribeSync(subject)
	require.NoError(t, err, "Should subscribe to "+subject)
	require.NoError(t, nc.Flush(), "Should flush subscription")
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return sub
}

// publishSignal marshals sig and drops it on the intake subject, returning
// the wire payload for redelivery scenarios.
func publishSignal(t *testing.T, nc *nats.Conn, sig *signal.Signal) []byte {
	t.Helper()
	data, err := json.Marshal(sig)
	require.NoError(t, err, "Should marshal signal")
	require.NoError(t, nc.Publish(intakeSubject, data), "Should publish to intake subject")
	return data
}

// seedEntity creates an established registry entity ahead of any signals.
func seedEntity(t *testing.T, reg registry.Service, name string, identifiers map[string]string) *signal.Entity {
	t.Helper()
	ent := signal.NewEntity(signal.Mention{
		CanonicalName: name,
		EntityType:    signal.EntityCompany,
		Identifiers:   identifiers,
	})
	require.NoError(t, reg.Create(context.Background(), ent), "Should seed entity "+name)
	return ent
}

// waitForLedgerStatus polls the processing ledger until the signal reaches
// the wanted status.
func waitForLedgerStatus(t *testing.T, st *store.Store, signalID string, want store.LedgerStatus, timeout time.Duration) *store.LedgerEntry {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		entry, err := st.GetLedgerEntry(context.Background(), signalID)
		if err == nil && entry.Status == want {
			return entry
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("signal %s did not reach ledger status %q within %s", signalID, want, timeout)
	return nil
}

// waitForSnapshot polls the pipeline's activity counters until cond holds.
func waitForSnapshot(t *testing.T, pipe *pipeline.Pipeline, timeout time.Duration, cond func(pipeline.Snapshot) bool) pipeline.Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		snap := pipe.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("pipeline counters did not converge within %s: %+v", timeout, snap)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// litigationSignal is a fresh high-urgency court filing that scores into the
// litigate playbook.
func litigationSignal(id string) *signal.Signal {
	return &signal.Signal{
		ID:     id,
		Type:   signal.TypeLitigation,
		Source: "pacer",
		Mention: signal.Mention{
			CanonicalName: "Meridian Holdings LLC",
			EntityType:    signal.EntityCompany,
			Identifiers:   map[string]string{"tax_id": "12-3456789"},
		},
		Triggers: signal.TriggerSet{
			Urgency:               9,
			FinancialStress:       8,
			OperationalDisruption: 6,
		},
		Payload:    map[string]any{"docket": "3:26-cv-01845", "court": "N.D. Cal."},
		ObservedAt: time.Now().UTC(),
	}
}

// refinanceSignal is a financial signal counting down to a refinance
// deadline; it routes to the refinance playbook.
func refinanceSignal(id string, deadline time.Time) *signal.Signal {
	return &signal.Signal{
		ID:     id,
		Type:   signal.TypeFinancial,
		Source: "sec-edgar",
		Mention: signal.Mention{
			CanonicalName: "Blue Harbor Logistics Inc",
			EntityType:    signal.EntityCompany,
			Identifiers:   map[string]string{"duns": "804352178"},
		},
		Triggers: signal.TriggerSet{
			Urgency:               6,
			FinancialStress:       8,
			OperationalDisruption: 2,
		},
		Payload:    map[string]any{"instrument": "term loan B"},
		ObservedAt: time.Now().UTC(),
		DeadlineAt: &deadline,
	}
}
