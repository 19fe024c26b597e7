package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// StatsClient polls the dealsignald admin API for dashboard data.
type StatsClient struct {
	baseURL string
	client  *http.Client
}

// StatsReport mirrors the body of GET /api/v1/stats.
type StatsReport struct {
	Store    StoreStats    `json:"store"`
	Pipeline PipelineStats `json:"pipeline"`
}

// StoreStats holds the durable counters collected from the signal store.
type StoreStats struct {
	Entities            int64            `json:"entities"`
	ProvisionalEntities int64            `json:"provisional_entities"`
	LedgerByStatus      map[string]int64 `json:"ledger_by_status"`
	DecisionsByPlaybook map[string]int64 `json:"decisions_by_playbook"`
	DecisionsByTier     map[string]int64 `json:"decisions_by_tier"`
	ActiveWatches       int64            `json:"active_watches"`
	MilestoneFires      int64            `json:"milestone_fires"`
	PendingDeadLetters  int64            `json:"pending_dead_letters"`
	OpenOperatorItems   int64            `json:"open_operator_items"`
}

// PipelineStats holds the in-process worker counters since daemon start.
type PipelineStats struct {
	Workers      int       `json:"workers"`
	InFlight     int       `json:"in_flight"`
	Received     uint64    `json:"received"`
	Completed    uint64    `json:"completed"`
	Retries      uint64    `json:"retries"`
	DeadLettered uint64    `json:"dead_lettered"`
	Duplicates   uint64    `json:"duplicates"`
	Malformed    uint64    `json:"malformed"`
	RecentScores []float64 `json:"recent_scores"`
}

// NewStatsClient creates a client for the admin API at baseURL.
func NewStatsClient(baseURL string) *StatsClient {
	return &StatsClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// FetchStats retrieves a point-in-time stats snapshot.
func (c *StatsClient) FetchStats(ctx context.Context) (StatsReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/stats", nil)
	if err != nil {
		return StatsReport{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return StatsReport{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatsReport{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var report StatsReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return StatsReport{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return report, nil
}
