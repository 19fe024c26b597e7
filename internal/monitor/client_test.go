package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/httpapi"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/pipeline"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/store"
)

func TestNewStatsClient(t *testing.T) {
	client := NewStatsClient("http://localhost:8090")
	assert.NotNil(t, client)
	assert.Equal(t, "http://localhost:8090", client.baseURL)
	assert.NotNil(t, client.client)
}

func TestStatsClient_FetchStats_Success(t *testing.T) {
	body := `{
		"store": {
			"entities": 12,
			"provisional_entities": 3,
			"ledger_by_status": {"received": 2, "processing": 1, "completed": 40, "dead_lettered": 4},
			"decisions_by_playbook": {"rescue": 5, "walk": 2},
			"decisions_by_tier": {"critical": 2, "high": 9},
			"active_watches": 6,
			"milestone_fires": 11,
			"pending_dead_letters": 4,
			"open_operator_items": 1
		},
		"pipeline": {
			"workers": 8,
			"in_flight": 2,
			"received": 47,
			"completed": 40,
			"retries": 5,
			"dead_lettered": 4,
			"duplicates": 3,
			"malformed": 1,
			"recent_scores": [61.5, 72.3, 55.0]
		}
	}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stats", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	defer server.Close()

	client := NewStatsClient(server.URL)
	report, err := client.FetchStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(12), report.Store.Entities)
	assert.Equal(t, int64(3), report.Store.ProvisionalEntities)
	assert.Equal(t, int64(1), report.Store.LedgerByStatus["processing"])
	assert.Equal(t, int64(5), report.Store.DecisionsByPlaybook["rescue"])
	assert.Equal(t, int64(2), report.Store.DecisionsByTier["critical"])
	assert.Equal(t, int64(6), report.Store.ActiveWatches)
	assert.Equal(t, int64(11), report.Store.MilestoneFires)
	assert.Equal(t, int64(4), report.Store.PendingDeadLetters)
	assert.Equal(t, int64(1), report.Store.OpenOperatorItems)

	assert.Equal(t, 8, report.Pipeline.Workers)
	assert.Equal(t, 2, report.Pipeline.InFlight)
	assert.Equal(t, uint64(47), report.Pipeline.Received)
	assert.Equal(t, uint64(40), report.Pipeline.Completed)
	assert.Equal(t, uint64(5), report.Pipeline.Retries)
	assert.Equal(t, uint64(4), report.Pipeline.DeadLettered)
	assert.Equal(t, uint64(3), report.Pipeline.Duplicates)
	assert.Equal(t, uint64(1), report.Pipeline.Malformed)
	assert.Equal(t, []float64{61.5, 72.3, 55.0}, report.Pipeline.RecentScores)
}

// TestStatsClient_FetchStats_WireCompat decodes a body marshaled from the
// server-side response types, guarding against field-tag drift between the
// admin API and this client.
func TestStatsClient_FetchStats_WireCompat(t *testing.T) {
	resp := httpapi.StatsResponse{
		Store: &store.Stats{
			Entities:            7,
			ProvisionalEntities: 2,
			LedgerByStatus:      map[string]int64{"completed": 19, "dead_lettered": 1},
			DecisionsByPlaybook: map[string]int64{"buy": 4},
			DecisionsByTier:     map[string]int64{"medium": 12, "low": 7},
			ActiveWatches:       3,
			MilestoneFires:      8,
			PendingDeadLetters:  1,
			OpenOperatorItems:   2,
		},
		Pipeline: pipeline.Snapshot{
			Workers:      4,
			InFlight:     1,
			Received:     23,
			Completed:    19,
			Retries:      2,
			DeadLettered: 1,
			Duplicates:   2,
			Malformed:    1,
			RecentScores: []float64{48.2, 66.0},
		},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	client := NewStatsClient(server.URL)
	report, err := client.FetchStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(7), report.Store.Entities)
	assert.Equal(t, int64(2), report.Store.ProvisionalEntities)
	assert.Equal(t, int64(19), report.Store.LedgerByStatus["completed"])
	assert.Equal(t, int64(4), report.Store.DecisionsByPlaybook["buy"])
	assert.Equal(t, int64(12), report.Store.DecisionsByTier["medium"])
	assert.Equal(t, int64(1), report.Store.PendingDeadLetters)
	assert.Equal(t, 4, report.Pipeline.Workers)
	assert.Equal(t, uint64(23), report.Pipeline.Received)
	assert.Equal(t, []float64{48.2, 66.0}, report.Pipeline.RecentScores)
}

func TestStatsClient_FetchStats_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewStatsClient(server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.FetchStats(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context deadline exceeded")
}

func TestStatsClient_FetchStats_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
	}))
	defer server.Close()

	client := NewStatsClient(server.URL)
	_, err := client.FetchStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status code 500")
}

func TestStatsClient_FetchStats_MalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{invalid json"))
	}))
	defer server.Close()

	client := NewStatsClient(server.URL)
	_, err := client.FetchStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode response")
}

func TestStatsClient_FetchStats_EmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	client := NewStatsClient(server.URL)
	report, err := client.FetchStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Store.Entities)
	assert.Zero(t, report.Pipeline.Received)
	assert.Nil(t, report.Pipeline.RecentScores)
}
