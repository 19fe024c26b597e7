package signal

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Entity is a canonical registry record: one real-world company, person or
// property that signals are attributed to.
//
// Entities are created on the first unresolved mention, gain aliases and
// identifiers on later partial matches, and are never deleted — only marked
// inactive. Identifier values under authoritative schemes (tax_id,
// registration_number) are globally unique across the registry; a collision
// is an integrity error, never a silent merge.
type Entity struct {
	// ID is the unique registry identifier (UUID).
	ID string `json:"entity_id"`

	// Type segments the registry; matching never crosses segments.
	Type EntityType `json:"entity_type"`

	// CanonicalName is the primary display name.
	CanonicalName string `json:"canonical_name"`

	// Identifiers maps scheme name to value, e.g. "tax_id" -> "12-3456789".
	// Keys are unique per entity.
	Identifiers map[string]string `json:"identifiers,omitempty"`

	// Aliases are alternate names observed during resolution. Set semantics:
	// inserts are idempotent.
	Aliases []string `json:"alias_names,omitempty"`

	// Active is false once the entity has been retired by an operator.
	// Inactive entities are excluded from candidate matching.
	Active bool `json:"active"`

	// Provisional marks an entity created under a resolver timeout. A later
	// registry-maintenance pass may fold it into an established record.
	Provisional bool `json:"provisional,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity creates a registry record from an unresolved mention.
func NewEntity(m Mention) *Entity {
	now := time.Now().UTC()
	ids := make(map[string]string, len(m.Identifiers))
	for scheme, value := range m.Identifiers {
		ids[scheme] = value
	}
	t := m.EntityType
	if t == "" {
		t = EntityCompany
	}
	return &Entity{
		ID:            uuid.New().String(),
		Type:          t,
		CanonicalName: m.CanonicalName,
		Identifiers:   ids,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// AddAlias inserts an alias if it is new and differs from the canonical
// name. It reports whether the entity changed.
func (e *Entity) AddAlias(alias string) bool {
	if alias == "" || alias == e.CanonicalName {
		return false
	}
	for _, a := range e.Aliases {
		if a == alias {
			return false
		}
	}
	e.Aliases = append(e.Aliases, alias)
	sort.Strings(e.Aliases)
	e.UpdatedAt = time.Now().UTC()
	return true
}

// Names returns the canonical name plus all aliases, the full match surface
// for fuzzy resolution.
func (e *Entity) Names() []string {
	names := make([]string, 0, len(e.Aliases)+1)
	names = append(names, e.CanonicalName)
	names = append(names, e.Aliases...)
	return names
}
