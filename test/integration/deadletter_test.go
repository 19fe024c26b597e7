package integration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/deadletter"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/pipeline"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/store"
)

// TestPipelineEscalatesAmbiguousIdentifiers sends a mention whose identifiers
// point at two different registry entities and checks the pipeline treats it
// as terminal: buried on the first attempt and escalated for manual review.
func TestPipelineEscalatesAmbiguousIdentifiers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	stack := startTestStack(t)
	ctx := context.Background()

	// 1. Two established entities, one authoritative identifier each.
	meridian := seedEntity(t, stack.Registry, "Meridian Holdings LLC",
		map[string]string{"tax_id": "12-3456789"})
	blueHarbor := seedEntity(t, stack.Registry, "Blue Harbor Logistics Inc",
		map[string]string{"duns": "804352178"})

	// 2. A mention claiming both identifiers cannot be attributed safely.
	sig := litigationSignal("pacer-26-004412")
	sig.Mention.CanonicalName = "Meridian Blue Harbor JV"
	sig.Mention.Identifiers = map[string]string{
		"tax_id": "12-3456789",
		"duns":   "804352178",
	}
	publishSignal(t, stack.Conn, sig)

	// 3. Terminal failure: dead-lettered on the first attempt, no retries.
	snap := waitForSnapshot(t, stack.Pipeline, 5*time.Second, func(s pipeline.Snapshot) bool {
		return s.DeadLettered >= 1
	})
	assert.Equal(t, uint64(0), snap.Retries, "Ambiguity is terminal, not retried")
	assert.Equal(t, uint64(0), snap.Completed)

	entry := waitForLedgerStatus(t, stack.Store, sig.ID, store.LedgerDeadLettered, 5*time.Second)
	assert.Equal(t, 1, entry.Attempts)

	letters, err := stack.DLQ.List(ctx, true, 10)
	require.NoError(t, err, "Should list pending dead letters")
	require.Len(t, letters, 1)
	assert.Equal(t, sig.ID, letters[0].SignalID)
	assert.Equal(t, "resolve", letters[0].Stage)

	// 4. The conflict sits in the operator queue for manual review.
	items, err := stack.DLQ.OperatorItems(ctx, true, 10)
	require.NoError(t, err, "Should list operator items")
	require.Len(t, items, 1)
	assert.Equal(t, store.OperatorKindAmbiguousIdentifier, items[0].Kind)
	assert.Equal(t, sig.ID, items[0].SignalID)
	t.Logf("✅ Ambiguous mention escalated: %s", items[0].Detail)

	// 5. Neither entity absorbed the mention.
	ents, err := stack.Registry.List(ctx, "", 10)
	require.NoError(t, err, "Should list entities")
	assert.Len(t, ents, 2)
	for _, ent := range []*signal.Entity{meridian, blueHarbor} {
		refreshed, err := stack.Registry.Get(ctx, ent.ID)
		require.NoError(t, err, "Should load seeded entity")
		assert.Empty(t, refreshed.Aliases, "No alias should be recorded on %s", refreshed.CanonicalName)
	}
}

// TestDeadLetterRequeueRedelivers buries a signal the way a worker would
// after retry exhaustion, requeues it, and checks the payload flows back
// through the running pipeline to a decision.
func TestDeadLetterRequeueRedelivers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	stack := startTestStack(t)
	ctx := context.Background()

	// 1. Claim and bury a signal, simulating retry exhaustion during an
	// earlier run.
	sig := litigationSignal("pacer-26-007731")
	data, err := json.Marshal(sig)
	require.NoError(t, err, "Should marshal signal")

	ok, err := stack.Store.AcquireSignal(ctx, sig)
	require.NoError(t, err, "Should claim signal")
	require.True(t, ok, "First claim should win")

	dlID, err := stack.DLQ.Bury(ctx, sig.ID, "resolve", 4, errors.New("registry unavailable"), data)
	require.NoError(t, err, "Should bury signal")

	entry, err := stack.Store.GetLedgerEntry(ctx, sig.ID)
	require.NoError(t, err, "Should read ledger entry")
	assert.Equal(t, store.LedgerDeadLettered, entry.Status)

	pending, err := stack.DLQ.List(ctx, true, 10)
	require.NoError(t, err, "Should list pending dead letters")
	require.Len(t, pending, 1, "Buried signal should be pending")

	// 2. Requeue publishes the original payload back to the intake subject;
	// the running pipeline picks it up like any fresh delivery.
	decided := subscribeSync(t, stack.Conn, "dealsignal.playbook.decided")
	require.NoError(t, stack.DLQ.Requeue(ctx, dlID), "Should requeue dead letter")

	msg, err := decided.NextMsg(5 * time.Second)
	require.NoError(t, err, "Requeued signal should reach a decision")
	var dec signal.Decision
	require.NoError(t, json.Unmarshal(msg.Data, &dec), "Should decode decision event")
	assert.Equal(t, sig.ID, dec.SignalID)

	waitForLedgerStatus(t, stack.Store, sig.ID, store.LedgerCompleted, 5*time.Second)
	t.Logf("✅ Requeued signal completed: %s -> %s", dec.SignalID, dec.Playbook)

	// 3. The record is stamped, leaves the pending view, and cannot be
	// requeued twice.
	dl, err := stack.DLQ.Get(ctx, dlID)
	require.NoError(t, err, "Should load dead letter")
	assert.NotNil(t, dl.RequeuedAt, "Requeue should be stamped")

	pending, err = stack.DLQ.List(ctx, true, 10)
	require.NoError(t, err, "Should list pending dead letters")
	assert.Empty(t, pending, "Requeued letter should leave the pending view")

	err = stack.DLQ.Requeue(ctx, dlID)
	assert.ErrorIs(t, err, deadletter.ErrAlreadyRequeued)
}
