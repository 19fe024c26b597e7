package store

import (
	"context"
	"fmt"
)

// Stats is a point-in-time summary of pipeline state, served by the admin
// API and the watch dashboard.
type Stats struct {
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

// CollectStats runs the summary queries. Counts are read without a
// transaction; a snapshot that is a few writes stale is fine for dashboards.
func (s *Store) CollectStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		LedgerByStatus:      make(map[string]int64),
		DecisionsByPlaybook: make(map[string]int64),
		DecisionsByTier:     make(map[string]int64),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities`).Scan(&stats.Entities); err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE provisional = 1`).Scan(&stats.ProvisionalEntities); err != nil {
		return nil, fmt.Errorf("failed to count provisional entities: %w", err)
	}

	if err := s.countGrouped(ctx,
		`SELECT status, COUNT(*) FROM signal_ledger GROUP BY status`, stats.LedgerByStatus); err != nil {
		return nil, err
	}
	if err := s.countGrouped(ctx,
		`SELECT playbook, COUNT(*) FROM signal_ledger WHERE playbook IS NOT NULL GROUP BY playbook`,
		stats.DecisionsByPlaybook); err != nil {
		return nil, err
	}
	if err := s.countGrouped(ctx,
		`SELECT priority_tier, COUNT(*) FROM signal_ledger WHERE priority_tier IS NOT NULL GROUP BY priority_tier`,
		stats.DecisionsByTier); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deadline_watches WHERE expired = 0`).Scan(&stats.ActiveWatches); err != nil {
		return nil, fmt.Errorf("failed to count watches: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM milestone_fires`).Scan(&stats.MilestoneFires); err != nil {
		return nil, fmt.Errorf("failed to count milestone fires: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE requeued_at IS NULL`).Scan(&stats.PendingDeadLetters); err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operator_queue WHERE resolved_at IS NULL`).Scan(&stats.OpenOperatorItems); err != nil {
		return nil, fmt.Errorf("failed to count operator items: %w", err)
	}

	return stats, nil
}

func (s *Store) countGrouped(ctx context.Context, query string, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to run stats query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan stats row: %w", err)
		}
		into[key] = count
	}
	return rows.Err()
}
