package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
)

// Common errors for registry persistence.
var (
	ErrEntityNotFound = errors.New("entity not found")

	// ErrIdentifierConflict means an authoritative identifier value is
	// already bound to a different entity. Callers surface this to the
	// operator queue; it is never auto-resolved.
	ErrIdentifierConflict = errors.New("identifier already bound to another entity")
)

// CreateEntity inserts a new registry record with its identifiers and
// aliases in one transaction. A UNIQUE violation on (scheme, value) rolls
// the whole insert back and returns ErrIdentifierConflict.
func (s *Store) CreateEntity(ctx context.Context, e *signal.Entity) error {
	return s.retryOnBusy(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO entities (entity_id, entity_type, canonical_name, active, provisional, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, string(e.Type), e.CanonicalName, boolToInt(e.Active), boolToInt(e.Provisional), e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert entity: %w", err)
		}

		for scheme, value := range e.Identifiers {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO entity_identifiers (scheme, value, entity_id, created_at)
				VALUES (?, ?, ?, ?)`,
				scheme, value, e.ID, e.CreatedAt,
			); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%s=%s: %w", scheme, value, ErrIdentifierConflict)
				}
				return fmt.Errorf("failed to insert identifier %s: %w", scheme, err)
			}
		}

		for _, alias := range e.Aliases {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO entity_aliases (entity_id, alias, created_at)
				VALUES (?, ?, ?)`,
				e.ID, alias, e.CreatedAt,
			); err != nil {
				return fmt.Errorf("failed to insert alias %q: %w", alias, err)
			}
		}

		return tx.Commit()
	}, 5)
}

// GetEntity retrieves one entity with its identifiers and aliases.
func (s *Store) GetEntity(ctx context.Context, id string) (*signal.Entity, error) {
	var e signal.Entity
	var entityType string
	var active, provisional int

	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id, entity_type, canonical_name, active, provisional, created_at, updated_at
		FROM entities WHERE entity_id = ?`, id).
		Scan(&e.ID, &entityType, &e.CanonicalName, &active, &provisional, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", id, ErrEntityNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	e.Type = signal.EntityType(entityType)
	e.Active = active == 1
	e.Provisional = provisional == 1

	if err := s.loadEntityDetails(ctx, []*signal.Entity{&e}); err != nil {
		return nil, err
	}
	return &e, nil
}

// EntityByIdentifier looks up the entity bound to an identifier value.
func (s *Store) EntityByIdentifier(ctx context.Context, scheme, value string) (*signal.Entity, error) {
	var entityID string
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id FROM entity_identifiers WHERE scheme = ? AND value = ?`,
		scheme, value).Scan(&entityID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s=%s: %w", scheme, value, ErrEntityNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up identifier: %w", err)
	}
	return s.GetEntity(ctx, entityID)
}

// CandidatesByType returns all active entities in one registry segment with
// their full match surface loaded. The fuzzy matcher scans these in-process.
func (s *Store) CandidatesByType(ctx context.Context, t signal.EntityType) ([]*signal.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, entity_type, canonical_name, active, provisional, created_at, updated_at
		FROM entities WHERE entity_type = ? AND active = 1
		ORDER BY created_at`, string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	defer rows.Close()

	var entities []*signal.Entity
	for rows.Next() {
		var e signal.Entity
		var entityType string
		var active, provisional int
		if err := rows.Scan(&e.ID, &entityType, &e.CanonicalName, &active, &provisional, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		e.Type = signal.EntityType(entityType)
		e.Active = active == 1
		e.Provisional = provisional == 1
		entities = append(entities, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate candidates: %w", err)
	}

	if err := s.loadEntityDetails(ctx, entities); err != nil {
		return nil, err
	}
	return entities, nil
}

// loadEntityDetails attaches identifiers and aliases to the given entities
// with two batched queries instead of two per entity.
func (s *Store) loadEntityDetails(ctx context.Context, entities []*signal.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	byID := make(map[string]*signal.Entity, len(entities))
	args := make([]any, 0, len(entities))
	placeholders := ""
	for i, e := range entities {
		byID[e.ID] = e
		args = append(args, e.ID)
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
	}

	idRows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, scheme, value FROM entity_identifiers WHERE entity_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to load identifiers: %w", err)
	}
	defer idRows.Close()
	for idRows.Next() {
		var entityID, scheme, value string
		if err := idRows.Scan(&entityID, &scheme, &value); err != nil {
			return fmt.Errorf("failed to scan identifier: %w", err)
		}
		e := byID[entityID]
		if e.Identifiers == nil {
			e.Identifiers = make(map[string]string)
		}
		e.Identifiers[scheme] = value
	}
	if err := idRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate identifiers: %w", err)
	}

	aliasRows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, alias FROM entity_aliases WHERE entity_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to load aliases: %w", err)
	}
	defer aliasRows.Close()
	for aliasRows.Next() {
		var entityID, alias string
		if err := aliasRows.Scan(&entityID, &alias); err != nil {
			return fmt.Errorf("failed to scan alias: %w", err)
		}
		e := byID[entityID]
		e.Aliases = append(e.Aliases, alias)
	}
	if err := aliasRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate aliases: %w", err)
	}
	for _, e := range entities {
		sort.Strings(e.Aliases)
	}
	return nil
}

// AddEntityAlias records an alias observed during resolution. Idempotent.
func (s *Store) AddEntityAlias(ctx context.Context, entityID, alias string) error {
	return s.retryOnBusy(func() error {
		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO entity_aliases (entity_id, alias, created_at)
			VALUES (?, ?, ?)`, entityID, alias, now)
		if err != nil {
			return fmt.Errorf("failed to add alias: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE entities SET updated_at = ? WHERE entity_id = ?`, now, entityID); err != nil {
				return fmt.Errorf("failed to touch entity: %w", err)
			}
		}
		return nil
	}, 5)
}

// AddEntityIdentifier binds an identifier to an entity. Rebinding the same
// (scheme, value) to the same entity is a no-op; to a different entity it is
// ErrIdentifierConflict.
func (s *Store) AddEntityIdentifier(ctx context.Context, entityID, scheme, value string) error {
	return s.retryOnBusy(func() error {
		now := time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO entity_identifiers (scheme, value, entity_id, created_at)
			VALUES (?, ?, ?, ?)`, scheme, value, entityID, now)
		if err == nil {
			_, err = s.db.ExecContext(ctx,
				`UPDATE entities SET updated_at = ? WHERE entity_id = ?`, now, entityID)
			return err
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("failed to add identifier: %w", err)
		}

		var boundTo string
		if scanErr := s.db.QueryRowContext(ctx,
			`SELECT entity_id FROM entity_identifiers WHERE scheme = ? AND value = ?`,
			scheme, value).Scan(&boundTo); scanErr != nil {
			return fmt.Errorf("failed to inspect identifier conflict: %w", scanErr)
		}
		if boundTo == entityID {
			return nil
		}
		return fmt.Errorf("%s=%s bound to %s: %w", scheme, value, boundTo, ErrIdentifierConflict)
	}, 5)
}

// SetEntityActive retires or reactivates an entity. Entities are never
// deleted.
func (s *Store) SetEntityActive(ctx context.Context, entityID string, active bool) error {
	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE entities SET active = ?, updated_at = ? WHERE entity_id = ?`,
			boolToInt(active), time.Now().UTC(), entityID)
		if err != nil {
			return fmt.Errorf("failed to update entity: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s: %w", entityID, ErrEntityNotFound)
		}
		return nil
	}, 5)
}

// PromoteEntity clears the provisional flag once an operator or the
// maintenance sweep confirms a timeout-created entity is genuinely new.
func (s *Store) PromoteEntity(ctx context.Context, entityID string) error {
	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE entities SET provisional = 0, updated_at = ? WHERE entity_id = ?`,
			time.Now().UTC(), entityID)
		if err != nil {
			return fmt.Errorf("failed to promote entity: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s: %w", entityID, ErrEntityNotFound)
		}
		return nil
	}, 5)
}

// ListEntities returns up to limit entities, optionally filtered by type,
// newest first. Used by the admin API.
func (s *Store) ListEntities(ctx context.Context, entityType string, limit int) ([]*signal.Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT entity_id, entity_type, canonical_name, active, provisional, created_at, updated_at
		FROM entities`
	args := []any{}
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []*signal.Entity
	for rows.Next() {
		var e signal.Entity
		var et string
		var active, provisional int
		if err := rows.Scan(&e.ID, &et, &e.CanonicalName, &active, &provisional, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		e.Type = signal.EntityType(et)
		e.Active = active == 1
		e.Provisional = provisional == 1
		entities = append(entities, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}
	if err := s.loadEntityDetails(ctx, entities); err != nil {
		return nil, err
	}
	return entities, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
