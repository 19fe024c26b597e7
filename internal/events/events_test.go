package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
)

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
	require.NoError(t, err)

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

func newTestPublisher(t *testing.T, cfg Config) (Publisher, *nats.Conn) {
	t.Helper()

	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	pub, err := NewPublisher(nc, cfg, zap.NewNop())
	require.NoError(t, err)
	return pub, nc
}

func scoredFixture(id string) signal.Scored {
	return signal.Scored{
		Resolved: signal.Resolved{
			Signal: &signal.Signal{
				ID:         id,
				Type:       signal.TypeFinancial,
				Mention:    signal.Mention{CanonicalName: "Acme Holdings"},
				ObservedAt: time.Now().UTC(),
			},
			EntityID:   "ent-001",
			Confidence: 0.95,
			Method:     signal.MethodExact,
		},
		Score:             72.5,
		Tier:              signal.TierHigh,
		CandidatePlaybook: signal.PlaybookBuy,
		ScoredAt:          time.Now().UTC(),
	}
}

func TestPublisher_SignalScored(t *testing.T) {
	pub, nc := newTestPublisher(t, DefaultConfig())

	sub, err := nc.SubscribeSync("dealsignal.signal.scored")
	require.NoError(t, err)

	require.NoError(t, pub.SignalScored(context.Background(), scoredFixture("sig-1")))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var got signal.Scored
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "sig-1", got.Signal.ID)
	assert.Equal(t, signal.TierHigh, got.Tier)
	assert.InDelta(t, 72.5, got.Score, 1e-9)
}

func TestPublisher_AlertFired(t *testing.T) {
	pub, nc := newTestPublisher(t, DefaultConfig())

	sub, err := nc.SubscribeSync("dealsignal.alert.fired")
	require.NoError(t, err)

	a := signal.Alert{
		SignalID:       "sig-1",
		EntityID:       "ent-001",
		MilestoneLabel: "T-14",
		MilestoneDays:  14,
		DaysRemaining:  13.2,
		FiredAt:        time.Now().UTC(),
	}
	require.NoError(t, pub.AlertFired(context.Background(), a))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var got signal.Alert
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "T-14", got.MilestoneLabel)
	assert.InDelta(t, 13.2, got.DaysRemaining, 1e-9)
}

func TestPublisher_StageOrderPreserved(t *testing.T) {
	pub, nc := newTestPublisher(t, DefaultConfig())

	sub, err := nc.SubscribeSync("dealsignal.>")
	require.NoError(t, err)

	sc := scoredFixture("sig-1")
	ctx := context.Background()
	require.NoError(t, pub.EntityResolved(ctx, sc.Resolved))
	require.NoError(t, pub.SignalScored(ctx, sc))
	require.NoError(t, pub.PlaybookDecided(ctx, signal.Decision{
		SignalID: "sig-1", EntityID: "ent-001",
		Playbook: signal.PlaybookBuy, Score: sc.Score, Tier: sc.Tier,
		DecidedAt: time.Now().UTC(),
	}))

	var subjects []string
	for range 3 {
		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err)
		subjects = append(subjects, msg.Subject)
	}
	assert.Equal(t, []string{
		"dealsignal.entity.resolved",
		"dealsignal.signal.scored",
		"dealsignal.playbook.decided",
	}, subjects)
}

func TestPublisher_CustomPrefix(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SubjectPrefix = "intel.staging"
	pub, nc := newTestPublisher(t, cfg)

	sub, err := nc.SubscribeSync("intel.staging.signal.scored")
	require.NoError(t, err)

	require.NoError(t, pub.SignalScored(context.Background(), scoredFixture("sig-1")))

	_, err = sub.NextMsg(2 * time.Second)
	assert.NoError(t, err)
}

func TestPublisher_RejectsEmptyEvents(t *testing.T) {
	pub, _ := newTestPublisher(t, DefaultConfig())
	ctx := context.Background()

	err := pub.EntityResolved(ctx, signal.Resolved{})
	assert.ErrorIs(t, err, signal.ErrMalformedSignal)

	err = pub.SignalScored(ctx, signal.Scored{})
	assert.ErrorIs(t, err, signal.ErrMalformedSignal)

	err = pub.AlertFired(ctx, signal.Alert{})
	assert.ErrorIs(t, err, signal.ErrMalformedSignal)

	err = pub.PlaybookDecided(ctx, signal.Decision{})
	assert.ErrorIs(t, err, signal.ErrMalformedSignal)
}

func TestNewPublisher_Validation(t *testing.T) {
	_, err := NewPublisher(nil, DefaultConfig(), zap.NewNop())
	require.Error(t, err)

	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	bad := DefaultConfig()
	bad.SubjectPrefix = ""
	_, err = NewPublisher(nc, bad, zap.NewNop())
	require.Error(t, err)
}

func TestConnect(t *testing.T) {
	server := startTestNATSServer(t)

	cfg := DefaultConfig()
	cfg.URL = server.ClientURL()
	nc, err := Connect(cfg, zap.NewNop())
	require.NoError(t, err)
	defer nc.Close()

	assert.True(t, nc.IsConnected())

	bad := DefaultConfig()
	bad.URL = ""
	_, err = Connect(bad, zap.NewNop())
	assert.Error(t, err)
}
