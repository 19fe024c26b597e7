package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
)

// ErrSignalNotFound means the ledger has no row for the signal ID.
var ErrSignalNotFound = errors.New("signal not found in ledger")

// LedgerStatus tracks a signal through the pipeline.
type LedgerStatus string

const (
	// LedgerReceived marks a signal waiting for processing; only requeued
	// dead letters re-enter this state.
	LedgerReceived LedgerStatus = "received"

	// LedgerProcessing marks a signal a worker currently owns.
	LedgerProcessing LedgerStatus = "processing"

	// LedgerCompleted marks a signal whose decision was published.
	LedgerCompleted LedgerStatus = "completed"

	// LedgerDeadLettered marks a signal that exhausted retries.
	LedgerDeadLettered LedgerStatus = "dead_lettered"
)

// LedgerEntry is one row of the signal processing ledger: the durable
// status, attempt count and last error for audit and replay.
type LedgerEntry struct {
	SignalID   string       `json:"signal_id"`
	SignalType string       `json:"signal_type"`
	Source     string       `json:"source,omitempty"`
	Status     LedgerStatus `json:"status"`
	Attempts   int          `json:"attempts"`
	LastError  string       `json:"last_error,omitempty"`
	EntityID   string       `json:"entity_id,omitempty"`
	Score      float64      `json:"score,omitempty"`
	Tier       string       `json:"priority_tier,omitempty"`
	Playbook   string       `json:"playbook,omitempty"`
	ReceivedAt time.Time    `json:"received_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// AcquireSignal claims a signal for processing. It returns true when this
// worker owns the signal, false when the ledger already saw the ID — a
// redelivery of an in-flight, completed or dead-lettered signal. Requeued
// signals (status received) are re-claimable.
//
// The ledger row is the durable half of the at-most-one-in-flight guarantee;
// the coordinator's in-memory set is the fast path.
func (s *Store) AcquireSignal(ctx context.Context, sig *signal.Signal) (bool, error) {
	data, err := json.Marshal(sig)
	if err != nil {
		return false, fmt.Errorf("failed to marshal signal: %w", err)
	}

	now := time.Now().UTC()
	var acquired bool
	err = s.retryOnBusy(func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO signal_ledger (signal_id, signal_type, source, status, attempts, received_at, updated_at, data)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?)
			ON CONFLICT(signal_id) DO UPDATE
				SET status = excluded.status, updated_at = excluded.updated_at
				WHERE signal_ledger.status = ?`,
			sig.ID, string(sig.Type), sig.Source, string(LedgerProcessing), now, now, string(data),
			string(LedgerReceived),
		)
		if execErr != nil {
			return fmt.Errorf("failed to acquire signal: %w", execErr)
		}
		n, _ := res.RowsAffected()
		acquired = n > 0
		return nil
	}, 5)
	return acquired, err
}

// RecordAttempt updates the attempt counter and last error after a failed
// stage, before the retry backoff.
func (s *Store) RecordAttempt(ctx context.Context, signalID string, attempts int, lastErr string) error {
	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE signal_ledger SET attempts = ?, last_error = ?, updated_at = ?
			WHERE signal_id = ?`,
			attempts, lastErr, time.Now().UTC(), signalID)
		if err != nil {
			return fmt.Errorf("failed to record attempt: %w", err)
		}
		return nil
	}, 5)
}

// CompleteSignal finalizes the ledger row with the published decision.
func (s *Store) CompleteSignal(ctx context.Context, d signal.Decision) error {
	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE signal_ledger
			SET status = ?, entity_id = ?, score = ?, priority_tier = ?, playbook = ?, last_error = NULL, updated_at = ?
			WHERE signal_id = ?`,
			string(LedgerCompleted), d.EntityID, d.Score, string(d.Tier), string(d.Playbook), time.Now().UTC(), d.SignalID)
		if err != nil {
			return fmt.Errorf("failed to complete signal: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s: %w", d.SignalID, ErrSignalNotFound)
		}
		return nil
	}, 5)
}

// DeadLetterSignal marks the ledger row dead-lettered after retry
// exhaustion. The dead_letters table carries the payload and full context.
func (s *Store) DeadLetterSignal(ctx context.Context, signalID string, attempts int, lastErr string) error {
	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE signal_ledger SET status = ?, attempts = ?, last_error = ?, updated_at = ?
			WHERE signal_id = ?`,
			string(LedgerDeadLettered), attempts, lastErr, time.Now().UTC(), signalID)
		if err != nil {
			return fmt.Errorf("failed to dead-letter signal: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s: %w", signalID, ErrSignalNotFound)
		}
		return nil
	}, 5)
}

// ReleaseSignal returns a claimed signal to the received state without
// recording an outcome. Used on graceful shutdown for signals a worker never
// started, so a restart can claim them again.
func (s *Store) ReleaseSignal(ctx context.Context, signalID string) error {
	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE signal_ledger SET status = ?, updated_at = ?
			WHERE signal_id = ? AND status = ?`,
			string(LedgerReceived), time.Now().UTC(), signalID, string(LedgerProcessing))
		if err != nil {
			return fmt.Errorf("failed to release signal: %w", err)
		}
		return nil
	}, 5)
}

// RequeueSignal flips a dead-lettered ledger row back to received and
// returns the original payload for re-submission to the inbound queue.
func (s *Store) RequeueSignal(ctx context.Context, signalID string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM signal_ledger WHERE signal_id = ? AND status = ?`,
		signalID, string(LedgerDeadLettered)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s is not dead-lettered: %w", signalID, ErrSignalNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read signal payload: %w", err)
	}

	err = s.retryOnBusy(func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE signal_ledger SET status = ?, attempts = 0, updated_at = ?
			WHERE signal_id = ?`,
			string(LedgerReceived), time.Now().UTC(), signalID)
		return execErr
	}, 5)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue signal: %w", err)
	}
	return []byte(data), nil
}

// PendingSignal is a received ledger row awaiting reclaim, with the stored
// wire payload.
type PendingSignal struct {
	SignalID string
	Data     []byte
}

// PendingSignals returns every ledger row still in the received state,
// oldest first. These are signals no transport will redeliver: rows a
// shutdown released mid-backoff, or requeued dead letters whose republished
// payload was lost.
func (s *Store) PendingSignals(ctx context.Context) ([]PendingSignal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_id, data FROM signal_ledger WHERE status = ?
		ORDER BY received_at`,
		string(LedgerReceived))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending signals: %w", err)
	}
	defer rows.Close()

	var pending []PendingSignal
	for rows.Next() {
		var p PendingSignal
		var data string
		if err := rows.Scan(&p.SignalID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan pending signal: %w", err)
		}
		p.Data = []byte(data)
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending signals: %w", err)
	}
	return pending, nil
}

// GetLedgerEntry returns one row of the processing ledger.
func (s *Store) GetLedgerEntry(ctx context.Context, signalID string) (*LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT signal_id, signal_type, source, status, attempts, last_error,
		       entity_id, score, priority_tier, playbook, received_at, updated_at
		FROM signal_ledger WHERE signal_id = ?`, signalID)
	entry, err := scanLedgerEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", signalID, ErrSignalNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return entry, nil
}

// ListLedger returns up to limit ledger rows, optionally filtered by status,
// most recently updated first.
func (s *Store) ListLedger(ctx context.Context, status LedgerStatus, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT signal_id, signal_type, source, status, attempts, last_error,
		       entity_id, score, priority_tier, playbook, received_at, updated_at
		FROM signal_ledger`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger: %w", err)
	}
	return entries, nil
}

// SignalPayload returns the stored wire payload for audit and replay.
func (s *Store) SignalPayload(ctx context.Context, signalID string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM signal_ledger WHERE signal_id = ?`, signalID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", signalID, ErrSignalNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read signal payload: %w", err)
	}
	return []byte(data), nil
}

func scanLedgerEntry(scan func(dest ...any) error) (*LedgerEntry, error) {
	var e LedgerEntry
	var status string
	var source, lastError, entityID, tier, playbook sql.NullString
	var score sql.NullFloat64
	if err := scan(
		&e.SignalID, &e.SignalType, &source, &status, &e.Attempts, &lastError,
		&entityID, &score, &tier, &playbook, &e.ReceivedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.Status = LedgerStatus(status)
	e.Source = source.String
	e.LastError = lastError.String
	e.EntityID = entityID.String
	e.Score = score.Float64
	e.Tier = tier.String
	e.Playbook = playbook.String
	return &e, nil
}
