package alert

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/store"
)

// fakeClock is a settable wall clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// captureEmitter records fired alerts and can be made to fail.
type captureEmitter struct {
	mu     sync.Mutex
	alerts []signal.Alert
	err    error
}

func (e *captureEmitter) AlertFired(_ context.Context, a signal.Alert) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.alerts = append(e.alerts, a)
	return nil
}

func (e *captureEmitter) fired() []signal.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]signal.Alert, len(e.alerts))
	copy(out, e.alerts)
	return out
}

func (e *captureEmitter) labels() []string {
	var labels []string
	for _, a := range e.fired() {
		labels = append(labels, a.MilestoneLabel)
	}
	return labels
}

func newTestScheduler(t *testing.T, clk *fakeClock) (*Scheduler, *store.Store, *captureEmitter) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	emitter := &captureEmitter{}
	sched, err := NewScheduler(DefaultConfig(), st, emitter, zap.NewNop(), WithClock(clk.Now))
	require.NoError(t, err)
	return sched, st, emitter
}

func scoredWithDeadline(id string, deadline time.Time) signal.Scored {
	return signal.Scored{
		Resolved: signal.Resolved{
			Signal: &signal.Signal{
				ID:         id,
				Type:       signal.TypeFinancial,
				Mention:    signal.Mention{CanonicalName: "Acme Holdings"},
				ObservedAt: deadline.Add(-60 * 24 * time.Hour),
				DeadlineAt: &deadline,
			},
			EntityID: "ent-001",
		},
		Score: 72,
		Tier:  signal.TierHigh,
	}
}

func TestScheduler_WatchSkipsSignalsWithoutDeadline(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	sched, st, emitter := newTestScheduler(t, clk)
	ctx := context.Background()

	sc := scoredWithDeadline("sig-1", time.Time{})
	sc.Signal.DeadlineAt = nil

	require.NoError(t, sched.Watch(ctx, sc))

	watches, err := st.ActiveWatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, watches)
	assert.Empty(t, emitter.fired())
}

func TestScheduler_FiresMilestonesAsClockCrosses(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	deadline := start.Add(45 * 24 * time.Hour)
	clk := &fakeClock{t: start}
	sched, _, emitter := newTestScheduler(t, clk)
	ctx := context.Background()

	// 45 days out: nothing has crossed yet.
	require.NoError(t, sched.Watch(ctx, scoredWithDeadline("sig-1", deadline)))
	assert.Empty(t, emitter.fired())

	// 29 days out: T-30 crossed.
	clk.Set(deadline.Add(-29 * 24 * time.Hour))
	require.NoError(t, sched.Sweep(ctx))
	require.Equal(t, []string{"T-30"}, emitter.labels())

	a := emitter.fired()[0]
	assert.Equal(t, "sig-1", a.SignalID)
	assert.Equal(t, "ent-001", a.EntityID)
	assert.Equal(t, 30, a.MilestoneDays)
	assert.InDelta(t, 29.0, a.DaysRemaining, 1e-9)

	// 13 days out: T-14 crossed, T-30 must not repeat.
	clk.Set(deadline.Add(-13 * 24 * time.Hour))
	require.NoError(t, sched.Sweep(ctx))
	assert.Equal(t, []string{"T-30", "T-14"}, emitter.labels())
}

func TestScheduler_SweepIsIdempotent(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	deadline := start.Add(20 * 24 * time.Hour)
	clk := &fakeClock{t: start}
	sched, _, emitter := newTestScheduler(t, clk)
	ctx := context.Background()

	require.NoError(t, sched.Watch(ctx, scoredWithDeadline("sig-1", deadline)))
	clk.Set(deadline.Add(-10 * 24 * time.Hour))

	for range 3 {
		require.NoError(t, sched.Sweep(ctx))
	}
	assert.Equal(t, []string{"T-30", "T-14"}, emitter.labels(),
		"repeat sweeps must not re-fire")
}

func TestScheduler_CatchUpFiresEveryCrossedMilestoneOnce(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	deadline := start.Add(40 * 24 * time.Hour)
	clk := &fakeClock{t: start}
	sched, _, emitter := newTestScheduler(t, clk)
	ctx := context.Background()

	require.NoError(t, sched.Watch(ctx, scoredWithDeadline("sig-1", deadline)))

	// Jump straight from 40 days out to 1 day out, as if the daemon
	// slept through four crossings.
	clk.Set(deadline.Add(-24 * time.Hour))
	require.NoError(t, sched.Sweep(ctx))

	assert.Equal(t, []string{"T-30", "T-14", "T-7", "T-2"}, emitter.labels())
	for _, a := range emitter.fired() {
		assert.InDelta(t, 1.0, a.DaysRemaining, 1e-9,
			"catch-up carries the live countdown, not the nominal one")
	}
}

func TestScheduler_WatchFiresInlineWhenAlreadyInsideWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	deadline := now.Add(10 * 24 * time.Hour)
	clk := &fakeClock{t: now}
	sched, _, emitter := newTestScheduler(t, clk)

	// Registered with only 10 days left: T-30 and T-14 crossed before the
	// signal existed, so they fire immediately at registration.
	require.NoError(t, sched.Watch(context.Background(), scoredWithDeadline("sig-1", deadline)))
	assert.Equal(t, []string{"T-30", "T-14"}, emitter.labels())
}

func TestScheduler_ExpiresWatchAfterDeadline(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	deadline := start.Add(45 * 24 * time.Hour)
	clk := &fakeClock{t: start}
	sched, st, emitter := newTestScheduler(t, clk)
	ctx := context.Background()

	require.NoError(t, sched.Watch(ctx, scoredWithDeadline("sig-1", deadline)))
	require.Empty(t, emitter.fired())

	// Sleep through every crossing and the deadline itself.
	clk.Set(deadline.Add(time.Hour))
	require.NoError(t, sched.Sweep(ctx))

	watches, err := st.ActiveWatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, watches, "expired watch leaves the sweep set")
	assert.Empty(t, emitter.fired(), "milestones lapse once the deadline passed")

	// Expired watches stay expired on later sweeps.
	clk.Set(deadline.Add(48 * time.Hour))
	require.NoError(t, sched.Sweep(ctx))
	assert.Empty(t, emitter.fired())
}

func TestScheduler_ReregistrationDoesNotResetState(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	deadline := start.Add(20 * 24 * time.Hour)
	clk := &fakeClock{t: start}
	sched, _, emitter := newTestScheduler(t, clk)
	ctx := context.Background()

	require.NoError(t, sched.Watch(ctx, scoredWithDeadline("sig-1", deadline)))
	clk.Set(deadline.Add(-10 * 24 * time.Hour))
	require.NoError(t, sched.Sweep(ctx))
	require.Equal(t, []string{"T-30", "T-14"}, emitter.labels())

	// Redelivery of the same signal must not re-fire anything.
	require.NoError(t, sched.Watch(ctx, scoredWithDeadline("sig-1", deadline)))
	assert.Equal(t, []string{"T-30", "T-14"}, emitter.labels())
}

func TestScheduler_EmitFailureDoesNotRefire(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	deadline := start.Add(40 * 24 * time.Hour)
	clk := &fakeClock{t: start}
	sched, _, emitter := newTestScheduler(t, clk)
	ctx := context.Background()

	require.NoError(t, sched.Watch(ctx, scoredWithDeadline("sig-1", deadline)))
	require.Empty(t, emitter.fired())

	emitter.mu.Lock()
	emitter.err = errors.New("broker down")
	emitter.mu.Unlock()

	clk.Set(deadline.Add(-10 * 24 * time.Hour))
	require.NoError(t, sched.Sweep(ctx), "emit failures are logged, not returned")

	emitter.mu.Lock()
	emitter.err = nil
	emitter.mu.Unlock()

	require.NoError(t, sched.Sweep(ctx))
	assert.Empty(t, emitter.fired(),
		"the claim is durable: a lost emit is never retried")
}

func TestScheduler_SweepCoversMultipleWatches(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: start}
	sched, _, emitter := newTestScheduler(t, clk)
	ctx := context.Background()

	nearDeadline := start.Add(6 * 24 * time.Hour)
	farDeadline := start.Add(90 * 24 * time.Hour)
	require.NoError(t, sched.Watch(ctx, scoredWithDeadline("sig-near", nearDeadline)))
	require.NoError(t, sched.Watch(ctx, scoredWithDeadline("sig-far", farDeadline)))

	// sig-near is already inside T-30 and T-7 at registration.
	require.Equal(t, []string{"T-30", "T-14", "T-7"}, emitter.labels())

	clk.Set(start.Add(5 * 24 * time.Hour))
	require.NoError(t, sched.Sweep(ctx))

	byID := map[string][]string{}
	for _, a := range emitter.fired() {
		byID[a.SignalID] = append(byID[a.SignalID], a.MilestoneLabel)
	}
	assert.Equal(t, []string{"T-30", "T-14", "T-7", "T-2"}, byID["sig-near"])
	assert.Empty(t, byID["sig-far"], "85 days out, nothing crossed")
}

func TestScheduler_StartStop(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.SweepSchedule = "@every 1s"

	st, err := store.Open(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	emitter := &captureEmitter{}
	sched, err := NewScheduler(cfg, st, emitter, zap.NewNop(), WithClock(clk.Now))
	require.NoError(t, err)

	require.NoError(t, sched.Start())
	assert.Error(t, sched.Start(), "double start must fail")

	deadline := clk.Now().Add(10 * 24 * time.Hour)
	require.NoError(t, sched.Watch(context.Background(), scoredWithDeadline("sig-1", deadline)))

	clk.Set(deadline.Add(-36 * time.Hour))
	assert.Eventually(t, func() bool {
		return len(emitter.fired()) == 4
	}, 5*time.Second, 50*time.Millisecond, "background sweep picks up the T-7 and T-2 crossings")

	sched.Stop()
	sched.Stop() // idempotent
}

func TestScheduler_WatchRejectsNilSignal(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	sched, _, _ := newTestScheduler(t, clk)

	err := sched.Watch(context.Background(), signal.Scored{})
	require.Error(t, err)
	assert.ErrorIs(t, err, signal.ErrMalformedSignal)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no milestones", mutate: func(c *Config) { c.Milestones = nil }, wantErr: true},
		{name: "ascending milestones", mutate: func(c *Config) { c.Milestones = []int{2, 7} }, wantErr: true},
		{name: "duplicate milestones", mutate: func(c *Config) { c.Milestones = []int{7, 7} }, wantErr: true},
		{name: "zero milestone", mutate: func(c *Config) { c.Milestones = []int{30, 0} }, wantErr: true},
		{name: "cron spec schedule", mutate: func(c *Config) { c.SweepSchedule = "*/5 * * * *" }},
		{name: "bad schedule", mutate: func(c *Config) { c.SweepSchedule = "whenever" }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.SweepTimeout = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "T-30", Label(30))
	assert.Equal(t, "T-2", Label(2))
}
