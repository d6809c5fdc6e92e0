package models

import (
	"fmt"
	"time"
)

// RuleType tags the schedule rule variant.
type RuleType string

const (
	// RuleCron is a cron-expression rule (standard 5-field grammar).
	RuleCron RuleType = "cron"
	// RuleInterval fires every IntervalSeconds, anchored at the Unix epoch.
	RuleInterval RuleType = "interval"
	// RuleAnchor fires every IntervalSeconds, anchored at Anchor.
	RuleAnchor RuleType = "anchor"
)

// Schedule is a single recurrence rule attached to a deployment. Evaluation
// is a pure function of the rule and a point in time; the only persisted
// state associated with a schedule is the dispatcher's last-dispatched
// cursor, which lives outside this type.
type Schedule struct {
	ID   string   `json:"id"`
	Type RuleType `json:"type"`

	// Cron is set when Type == RuleCron.
	Cron string `json:"cron,omitempty"`
	// IntervalSeconds is set when Type is RuleInterval or RuleAnchor.
	IntervalSeconds int64 `json:"interval_seconds,omitempty"`
	// Anchor is set when Type == RuleAnchor.
	Anchor *time.Time `json:"anchor,omitempty"`

	Active bool `json:"active"`
}

// Interval returns the rule's interval as a duration.
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Validate checks that the rule variant carries the fields it needs.
func (s Schedule) Validate() error {
	switch s.Type {
	case RuleCron:
		if s.Cron == "" {
			return fmt.Errorf("cron schedule %q: empty expression", s.ID)
		}
	case RuleInterval:
		if s.IntervalSeconds <= 0 {
			return fmt.Errorf("interval schedule %q: interval must be positive", s.ID)
		}
	case RuleAnchor:
		if s.IntervalSeconds <= 0 {
			return fmt.Errorf("anchor schedule %q: interval must be positive", s.ID)
		}
		if s.Anchor == nil {
			return fmt.Errorf("anchor schedule %q: anchor timestamp required", s.ID)
		}
	default:
		return fmt.Errorf("schedule %q: unknown rule type %q", s.ID, s.Type)
	}
	return nil
}
