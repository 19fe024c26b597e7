// Package signal defines the data model that flows through the deal-signal
// pipeline: inbound Signal records, their resolved and scored forms, and the
// terminal PlaybookDecision artifact.
//
// A Signal is a normalized observation produced by an external crawler
// (litigation filings, regulatory approvals, personnel moves, financial
// events). Signals are immutable once decoded; every downstream stage wraps
// rather than mutates them.
//
// # Wire Format
//
// Signals arrive as JSON. Unknown fields are ignored; the required fields are
// signal_id, signal_type, raw_entity_mention.canonical_name and observed_at.
// A payload missing any of them is rejected with ErrMalformedSignal before it
// touches the entity registry, and no dead-letter record is written (there is
// no identity to retry under).
//
//	{
//	  "signal_id": "pacer-2024-118822",
//	  "signal_type": "litigation",
//	  "source": "pacer",
//	  "raw_entity_mention": {
//	    "canonical_name": "Acme Holdings LLC",
//	    "entity_type": "company",
//	    "identifiers": {"tax_id": "12-3456789"}
//	  },
//	  "triggers": {"urgency": 9, "financial_stress": 8},
//	  "observed_at": "2026-08-20T14:00:00Z",
//	  "deadline_at": "2026-10-01T00:00:00Z"
//	}
package signal
