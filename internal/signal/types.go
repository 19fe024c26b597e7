package signal

import (
	"errors"
	"fmt"
	"time"
)

// Common errors for signal decoding and routing.
var (
	// ErrMalformedSignal indicates an inbound payload that failed validation.
	// Malformed payloads are rejected before registry contact and are never
	// retried or dead-lettered.
	ErrMalformedSignal = errors.New("malformed signal")

	// ErrInvalidSignalType indicates a signal whose type has no routing rule.
	// This is a configuration bug, not an input error: decoding only admits
	// known types, so the routing table must cover all of them.
	ErrInvalidSignalType = errors.New("invalid signal type")
)

// Type classifies the business event a signal reports.
type Type string

const (
	// TypeLitigation covers court filings, judgments and settlements.
	TypeLitigation Type = "litigation"

	// TypeRegulatory covers license grants, approvals and enforcement actions.
	TypeRegulatory Type = "regulatory"

	// TypePersonnel covers executive departures, layoffs and key hires.
	TypePersonnel Type = "personnel"

	// TypeFinancial covers debt events, defaults and refinance windows.
	TypeFinancial Type = "financial"

	// TypeOther covers observations that fit no specific category.
	TypeOther Type = "other"
)

// ParseType validates a wire-format signal type.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeLitigation, TypeRegulatory, TypePersonnel, TypeFinancial, TypeOther:
		return t, nil
	}
	return "", fmt.Errorf("unknown signal type %q: %w", s, ErrMalformedSignal)
}

// EntityType classifies what kind of entity a mention refers to.
type EntityType string

const (
	EntityCompany  EntityType = "company"
	EntityPerson   EntityType = "person"
	EntityProperty EntityType = "property"
)

// ParseEntityType validates a wire-format entity type. An empty string
// defaults to company, the overwhelmingly common case for crawled signals.
func ParseEntityType(s string) (EntityType, error) {
	if s == "" {
		return EntityCompany, nil
	}
	switch t := EntityType(s); t {
	case EntityCompany, EntityPerson, EntityProperty:
		return t, nil
	}
	return "", fmt.Errorf("unknown entity type %q: %w", s, ErrMalformedSignal)
}

// Mention is the raw entity reference carried by a signal: a name plus any
// external identifiers the source attached (tax ID, registration number).
// The resolver turns a Mention into a canonical registry entity.
type Mention struct {
	// CanonicalName is the entity name as the source reported it. Required.
	CanonicalName string `json:"canonical_name"`

	// EntityType narrows candidate matching to one registry segment.
	// Defaults to company when the source omits it.
	EntityType EntityType `json:"entity_type,omitempty"`

	// Identifiers maps identifier-scheme names to values, e.g.
	// "tax_id" -> "12-3456789". Authoritative schemes are globally unique
	// across the registry.
	Identifiers map[string]string `json:"identifiers,omitempty"`
}

// TriggerSet holds the named numeric scores a source attached to a signal.
// Each value is in [0,10]. A trigger the source did not report is zero; the
// scoring formula treats absence as zero, never as an error.
type TriggerSet struct {
	Urgency               float64 `json:"urgency,omitempty"`
	FinancialStress       float64 `json:"financial_stress,omitempty"`
	OperationalDisruption float64 `json:"operational_disruption,omitempty"`
	MarketOpportunity     float64 `json:"market_opportunity,omitempty"`
}

// IsZero reports whether no trigger carries a positive score.
func (t TriggerSet) IsZero() bool {
	return t.Urgency == 0 && t.FinancialStress == 0 && t.OperationalDisruption == 0 && t.MarketOpportunity == 0
}

// Signal is a single normalized observation from an external source.
//
// Signals are created by crawlers, consumed exactly once by the pipeline and
// retained in the processing ledger for audit and replay. They are immutable
// after decoding.
type Signal struct {
	// ID is the unique signal identifier, assigned by the source.
	ID string `json:"signal_id"`

	// Type classifies the business event.
	Type Type `json:"signal_type"`

	// Source identifies the origin crawler, e.g. "pacer" or "sec-edgar".
	Source string `json:"source,omitempty"`

	// Mention is the raw entity reference to resolve.
	Mention Mention `json:"raw_entity_mention"`

	// Triggers are the source-assigned scores driving the scoring formula.
	Triggers TriggerSet `json:"triggers,omitempty"`

	// Payload carries opaque source-specific data. The pipeline never
	// interprets it; it rides along for downstream consumers.
	Payload map[string]any `json:"payload,omitempty"`

	// ObservedAt is when the source observed the event. Score decay is
	// measured from this instant.
	ObservedAt time.Time `json:"observed_at"`

	// DeadlineAt, when set, is a hard date the signal counts down to
	// (a filing or refinance deadline). Drives alert milestones.
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`
}

// Validate checks the invariants decoding relies on. It returns an error
// wrapping ErrMalformedSignal so callers can classify with errors.Is.
func (s *Signal) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("signal_id is required: %w", ErrMalformedSignal)
	}
	if _, err := ParseType(string(s.Type)); err != nil {
		return err
	}
	if s.Mention.CanonicalName == "" {
		return fmt.Errorf("raw_entity_mention.canonical_name is required: %w", ErrMalformedSignal)
	}
	if _, err := ParseEntityType(string(s.Mention.EntityType)); err != nil {
		return err
	}
	if s.ObservedAt.IsZero() {
		return fmt.Errorf("observed_at is required: %w", ErrMalformedSignal)
	}
	for name, v := range map[string]float64{
		"urgency":                s.Triggers.Urgency,
		"financial_stress":       s.Triggers.FinancialStress,
		"operational_disruption": s.Triggers.OperationalDisruption,
		"market_opportunity":     s.Triggers.MarketOpportunity,
	} {
		if v < 0 || v > 10 {
			return fmt.Errorf("trigger %s=%v outside [0,10]: %w", name, v, ErrMalformedSignal)
		}
	}
	return nil
}

// HasDeadline reports whether the signal carries a countdown deadline.
func (s *Signal) HasDeadline() bool {
	return s.DeadlineAt != nil && !s.DeadlineAt.IsZero()
}

// ResolutionMethod records how a mention was bound to a registry entity.
type ResolutionMethod string

const (
	// MethodExact means an authoritative identifier matched directly.
	MethodExact ResolutionMethod = "exact"

	// MethodFuzzy means a normalized edit-distance name match succeeded.
	MethodFuzzy ResolutionMethod = "fuzzy"

	// MethodSemantic means the semantic matcher confirmed a candidate.
	MethodSemantic ResolutionMethod = "semantic"

	// MethodCreated means no match was found and a new entity was created.
	MethodCreated ResolutionMethod = "created-new"
)

// Resolved binds a Signal to a canonical entity with the confidence and
// method the resolver used.
type Resolved struct {
	Signal *Signal `json:"signal"`

	// EntityID is the canonical registry entity the mention resolved to.
	EntityID string `json:"entity_id"`

	// Confidence is in [0,1]: 0.95 for exact identifier matches, capped at
	// 0.80 for fuzzy matches, clamped to 0.90 for semantic matches, and 1.0
	// for freshly created entities.
	Confidence float64 `json:"confidence"`

	// Method is how the binding was established.
	Method ResolutionMethod `json:"method"`

	// Provisional marks an entity created because the semantic fallback
	// timed out; a later pass may merge it into an existing record.
	Provisional bool `json:"provisional,omitempty"`
}

// Tier buckets a score into an operator-facing priority.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierLow      Tier = "low"
)

// Playbook is a fixed category of downstream action.
type Playbook string

const (
	PlaybookBuy       Playbook = "buy"
	PlaybookPartner   Playbook = "partner"
	PlaybookRefinance Playbook = "refinance"
	PlaybookRescue    Playbook = "rescue"
	PlaybookLitigate  Playbook = "litigate"
	PlaybookWalk      Playbook = "walk"
)

// Breakdown exposes the intermediate terms of the scoring formula. It is
// carried for audit and for the admin API; routing only reads Final.
type Breakdown struct {
	Probability   float64 `json:"probability_to_win"`
	DaysToWin     float64 `json:"days_to_win_estimate"`
	ProfitLift    float64 `json:"profit_lift_estimate"`
	Base          float64 `json:"base_score"`
	UrgencyWeight float64 `json:"weighted_urgency"`
	Decay         float64 `json:"decay"`
	Final         float64 `json:"final_score"`
}

// Scored is a Resolved signal plus its viability score, priority tier and
// the candidate playbook computed at scoring time.
//
// Re-scoring the same signal later may yield a lower score due to decay;
// a score already recorded is never rewritten retroactively.
type Scored struct {
	Resolved

	// Score is the decayed viability score, typically 0-100 and unbounded
	// above.
	Score float64 `json:"score"`

	// Tier is the priority bucket assigned from Score.
	Tier Tier `json:"priority_tier"`

	// CandidatePlaybook is selected at scoring time and carried forward;
	// the router publishes it rather than re-deriving it.
	CandidatePlaybook Playbook `json:"candidate_playbook"`

	// ScoredAt is the evaluation instant decay was computed against.
	ScoredAt time.Time `json:"scored_at"`

	// Breakdown preserves the formula terms behind Score.
	Breakdown Breakdown `json:"breakdown"`
}

// Alert is a fired deadline milestone. Each (signal, milestone) pair fires
// at most once, ever; DaysRemaining is the live countdown at the instant the
// fire happened, which on catch-up after an outage can differ from the
// milestone's nominal day count.
type Alert struct {
	SignalID       string    `json:"signal_id"`
	EntityID       string    `json:"entity_id,omitempty"`
	MilestoneLabel string    `json:"milestone_label"`
	MilestoneDays  int       `json:"milestone_days"`
	DaysRemaining  float64   `json:"days_remaining"`
	DeadlineAt     time.Time `json:"deadline_at"`
	FiredAt        time.Time `json:"fired_at"`
}

// Decision is the terminal pipeline artifact: the unit of exchange with the
// outreach and outcome-memory consumers. Immutable once published.
type Decision struct {
	SignalID  string    `json:"signal_id"`
	EntityID  string    `json:"entity_id"`
	Playbook  Playbook  `json:"playbook"`
	Score     float64   `json:"score"`
	Tier      Tier      `json:"priority_tier"`
	DecidedAt time.Time `json:"decided_at"`
}
