package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Common errors for the dead-letter and operator queues.
var (
	ErrDeadLetterNotFound   = errors.New("dead letter not found")
	ErrOperatorItemNotFound = errors.New("operator item not found")
)

// DeadLetter is a terminally failed signal with the context an operator
// needs to reprocess it: the failing stage, attempt count, last error and
// the original payload.
type DeadLetter struct {
	ID         int64      `json:"id"`
	SignalID   string     `json:"signal_id"`
	Stage      string     `json:"stage"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error"`
	Payload    []byte     `json:"payload"`
	CreatedAt  time.Time  `json:"created_at"`
	RequeuedAt *time.Time `json:"requeued_at,omitempty"`
}

// OperatorItem is a registry integrity problem surfaced for manual review,
// e.g. a mention whose identifiers point at two different entities.
type OperatorItem struct {
	ID         int64      `json:"id"`
	Kind       string     `json:"kind"`
	SignalID   string     `json:"signal_id"`
	Detail     string     `json:"detail"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Operator item kinds.
const (
	OperatorKindAmbiguousIdentifier = "ambiguous_identifier"
	OperatorKindIdentifierConflict  = "identifier_conflict"
)

// AddDeadLetter appends a dead-letter record and returns its ID.
func (s *Store) AddDeadLetter(ctx context.Context, dl DeadLetter) (int64, error) {
	var id int64
	err := s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO dead_letters (signal_id, stage, attempts, last_error, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			dl.SignalID, dl.Stage, dl.Attempts, dl.LastError, string(dl.Payload), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to add dead letter: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	}, 5)
	return id, err
}

// GetDeadLetter returns one dead-letter record by ID.
func (s *Store) GetDeadLetter(ctx context.Context, id int64) (*DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, signal_id, stage, attempts, last_error, payload, created_at, requeued_at
		FROM dead_letters WHERE id = ?`, id)
	dl, err := scanDeadLetter(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("id %d: %w", id, ErrDeadLetterNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return dl, nil
}

// ListDeadLetters returns up to limit dead letters, newest first. With
// pending true, records already requeued are excluded.
func (s *Store) ListDeadLetters(ctx context.Context, pending bool, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, signal_id, stage, attempts, last_error, payload, created_at, requeued_at
		FROM dead_letters`
	if pending {
		query += ` WHERE requeued_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}
	return letters, nil
}

// MarkDeadLetterRequeued stamps a dead letter after its payload was pushed
// back onto the inbound queue.
func (s *Store) MarkDeadLetterRequeued(ctx context.Context, id int64) error {
	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE dead_letters SET requeued_at = ? WHERE id = ?`, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to mark dead letter requeued: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("id %d: %w", id, ErrDeadLetterNotFound)
		}
		return nil
	}, 5)
}

// AddOperatorItem appends to the operator review queue.
func (s *Store) AddOperatorItem(ctx context.Context, item OperatorItem) (int64, error) {
	var id int64
	err := s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO operator_queue (kind, signal_id, detail, created_at)
			VALUES (?, ?, ?, ?)`,
			item.Kind, item.SignalID, item.Detail, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to add operator item: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	}, 5)
	return id, err
}

// ListOperatorItems returns up to limit operator queue items, newest first.
// With open true, resolved items are excluded.
func (s *Store) ListOperatorItems(ctx context.Context, open bool, limit int) ([]*OperatorItem, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, kind, signal_id, detail, created_at, resolved_at
		FROM operator_queue`
	if open {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list operator items: %w", err)
	}
	defer rows.Close()

	var items []*OperatorItem
	for rows.Next() {
		var item OperatorItem
		var resolvedAt sql.NullTime
		if err := rows.Scan(&item.ID, &item.Kind, &item.SignalID, &item.Detail, &item.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan operator item: %w", err)
		}
		if resolvedAt.Valid {
			item.ResolvedAt = &resolvedAt.Time
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operator items: %w", err)
	}
	return items, nil
}

// ResolveOperatorItem closes an operator queue item.
func (s *Store) ResolveOperatorItem(ctx context.Context, id int64) error {
	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE operator_queue SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
			time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to resolve operator item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("id %d: %w", id, ErrOperatorItemNotFound)
		}
		return nil
	}, 5)
}

func scanDeadLetter(scan func(dest ...any) error) (*DeadLetter, error) {
	var dl DeadLetter
	var payload string
	var requeuedAt sql.NullTime
	if err := scan(&dl.ID, &dl.SignalID, &dl.Stage, &dl.Attempts, &dl.LastError, &payload, &dl.CreatedAt, &requeuedAt); err != nil {
		return nil, err
	}
	dl.Payload = []byte(payload)
	if requeuedAt.Valid {
		dl.RequeuedAt = &requeuedAt.Time
	}
	return &dl, nil
}
