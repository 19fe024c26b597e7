// Package playbook routes scored signals to a downstream action category.
//
// Routing is a deterministic decision table evaluated top to bottom, first
// match wins. It is pure: no clock, no I/O, no external calls. The only
// failure mode is a signal type the table has never heard of, which is a
// configuration bug upstream, not an operational condition.
package playbook

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
)

// Input is everything routing is allowed to look at.
type Input struct {
	// SignalType is the signal's category.
	SignalType signal.Type

	// Score is the final viability score.
	Score float64

	// HasDeadline reports whether the signal carries a deadline.
	HasDeadline bool
}

// Config holds the router's score thresholds.
type Config struct {
	// LitigateScore is the exclusive lower bound for routing litigation
	// signals to the litigate playbook.
	LitigateScore float64

	// WalkScore is the inclusive upper bound for walking away.
	WalkScore float64
}

// DefaultConfig returns the default router thresholds.
func DefaultConfig() Config {
	return Config{
		LitigateScore: 85,
		WalkScore:     40,
	}
}

// rule is one row of the decision table.
type rule struct {
	name     string
	matches  func(Input) bool
	playbook signal.Playbook
}

// Router selects a playbook for a scored signal.
type Router struct {
	config Config
	rules  []rule
	logger *zap.Logger
}

// NewRouter builds the decision table with the given thresholds.
func NewRouter(cfg Config, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{config: cfg, logger: logger}
	r.rules = []rule{
		{
			name: "litigation high score",
			matches: func(in Input) bool {
				return in.SignalType == signal.TypeLitigation && in.Score > cfg.LitigateScore
			},
			playbook: signal.PlaybookLitigate,
		},
		{
			name:     "low score",
			matches:  func(in Input) bool { return in.Score <= cfg.WalkScore },
			playbook: signal.PlaybookWalk,
		},
		{
			name:     "regulatory",
			matches:  func(in Input) bool { return in.SignalType == signal.TypeRegulatory },
			playbook: signal.PlaybookPartner,
		},
		{
			name: "financial with deadline",
			matches: func(in Input) bool {
				return in.SignalType == signal.TypeFinancial && in.HasDeadline
			},
			playbook: signal.PlaybookRefinance,
		},
		{
			name:     "personnel",
			matches:  func(in Input) bool { return in.SignalType == signal.TypePersonnel },
			playbook: signal.PlaybookRescue,
		},
		{
			name:     "default",
			matches:  func(Input) bool { return true },
			playbook: signal.PlaybookBuy,
		},
	}
	return r
}

// Route picks the playbook for in. Unknown signal types return
// signal.ErrInvalidSignalType: the table has no rule and no default for
// them, so the caller dead-letters rather than guessing.
func (r *Router) Route(in Input) (signal.Playbook, error) {
	if _, err := signal.ParseType(string(in.SignalType)); err != nil {
		return "", fmt.Errorf("%w: no routing rule for signal type %q", signal.ErrInvalidSignalType, in.SignalType)
	}

	for _, rule := range r.rules {
		if rule.matches(in) {
			r.logger.Debug("routing rule matched",
				zap.String("rule", rule.name),
				zap.String("playbook", string(rule.playbook)),
				zap.String("signal_type", string(in.SignalType)),
				zap.Float64("score", in.Score),
			)
			return rule.playbook, nil
		}
	}

	// The default rule always matches; this is unreachable.
	return "", fmt.Errorf("%w: decision table exhausted for %q", signal.ErrInvalidSignalType, in.SignalType)
}
