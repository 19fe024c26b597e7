package store

import (
	"context"
	"fmt"
	"time"
)

// Watch is a deadline countdown registration for one signal.
type Watch struct {
	SignalID   string    `json:"signal_id"`
	EntityID   string    `json:"entity_id"`
	DeadlineAt time.Time `json:"deadline_at"`
	Expired    bool      `json:"expired"`
	CreatedAt  time.Time `json:"created_at"`
}

// MilestoneFire is one row of the append-only milestone log.
type MilestoneFire struct {
	SignalID      string    `json:"signal_id"`
	MilestoneDays int       `json:"milestone_days"`
	DaysRemaining float64   `json:"days_remaining"`
	FiredAt       time.Time `json:"fired_at"`
}

// PutWatch registers a deadline watch. Re-registering the same signal is a
// no-op so redeliveries cannot reset countdown state.
func (s *Store) PutWatch(ctx context.Context, w Watch) error {
	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO deadline_watches (signal_id, entity_id, deadline_at, expired, created_at)
			VALUES (?, ?, ?, 0, ?)`,
			w.SignalID, w.EntityID, w.DeadlineAt.UTC(), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to put watch: %w", err)
		}
		return nil
	}, 5)
}

// ActiveWatches returns all watches that have not been expired yet, soonest
// deadline first. The sweeper walks these on every tick.
func (s *Store) ActiveWatches(ctx context.Context) ([]Watch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_id, entity_id, deadline_at, expired, created_at
		FROM deadline_watches WHERE expired = 0
		ORDER BY deadline_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watches: %w", err)
	}
	defer rows.Close()

	var watches []Watch
	for rows.Next() {
		var w Watch
		var expired int
		if err := rows.Scan(&w.SignalID, &w.EntityID, &w.DeadlineAt, &expired, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watch: %w", err)
		}
		w.Expired = expired == 1
		watches = append(watches, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate watches: %w", err)
	}
	return watches, nil
}

// ExpireWatch removes a watch from the sweep set once its deadline passed.
// The milestone log is retained.
func (s *Store) ExpireWatch(ctx context.Context, signalID string) error {
	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE deadline_watches SET expired = 1 WHERE signal_id = ?`, signalID)
		if err != nil {
			return fmt.Errorf("failed to expire watch: %w", err)
		}
		return nil
	}, 5)
}

// RecordMilestoneFire appends to the milestone log. The primary key on
// (signal_id, milestone_days) makes firing idempotent: the first writer wins
// and gets true, every later attempt gets false. This is what keeps each
// milestone to exactly one alert across restarts and concurrent sweeps.
func (s *Store) RecordMilestoneFire(ctx context.Context, f MilestoneFire) (bool, error) {
	var fired bool
	err := s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO milestone_fires (signal_id, milestone_days, days_remaining, fired_at)
			VALUES (?, ?, ?, ?)`,
			f.SignalID, f.MilestoneDays, f.DaysRemaining, f.FiredAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to record milestone fire: %w", err)
		}
		n, _ := res.RowsAffected()
		fired = n > 0
		return nil
	}, 5)
	return fired, err
}

// FiredMilestones returns the set of milestone days already fired for a
// signal.
func (s *Store) FiredMilestones(ctx context.Context, signalID string) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT milestone_days FROM milestone_fires WHERE signal_id = ?`, signalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list milestone fires: %w", err)
	}
	defer rows.Close()

	fired := make(map[int]bool)
	for rows.Next() {
		var days int
		if err := rows.Scan(&days); err != nil {
			return nil, fmt.Errorf("failed to scan milestone fire: %w", err)
		}
		fired[days] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate milestone fires: %w", err)
	}
	return fired, nil
}

// ListMilestoneFires returns the full fire log for a signal, oldest first.
func (s *Store) ListMilestoneFires(ctx context.Context, signalID string) ([]MilestoneFire, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_id, milestone_days, days_remaining, fired_at
		FROM milestone_fires WHERE signal_id = ?
		ORDER BY milestone_days DESC`, signalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list milestone fires: %w", err)
	}
	defer rows.Close()

	var fires []MilestoneFire
	for rows.Next() {
		var f MilestoneFire
		if err := rows.Scan(&f.SignalID, &f.MilestoneDays, &f.DaysRemaining, &f.FiredAt); err != nil {
			return nil, fmt.Errorf("failed to scan milestone fire: %w", err)
		}
		fires = append(fires, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate milestone fires: %w", err)
	}
	return fires, nil
}
