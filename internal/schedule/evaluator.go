// Package schedule evaluates recurrence rules against points in time.
// Evaluation is pure: every call recomputes from the rule itself, so edits
// to a schedule take effect on the next call with no stale cache.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"flowdeck/pkg/models"
)

// NextOccurrences returns up to limit occurrence timestamps of the rule
// strictly after `after`, in strictly increasing order. An inactive schedule
// yields nothing. Callers dedupe across schedules; two schedules producing
// the same timestamp both emit it here.
func NextOccurrences(s models.Schedule, after time.Time, limit int) ([]time.Time, error) {
	if limit <= 0 || !s.Active {
		return nil, nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	switch s.Type {
	case models.RuleCron:
		return nextCron(s.Cron, after, limit)
	case models.RuleInterval:
		return nextInterval(time.Unix(0, 0).UTC(), s.Interval(), after, limit), nil
	case models.RuleAnchor:
		return nextInterval(s.Anchor.UTC(), s.Interval(), after, limit), nil
	}
	return nil, nil
}

// OccurrencesWithin returns the occurrences in the half-open window
// (t0, t1]. It is a convenience over NextOccurrences for window dispatch.
func OccurrencesWithin(s models.Schedule, t0, t1 time.Time) ([]time.Time, error) {
	var out []time.Time
	after := t0
	for {
		batch, err := NextOccurrences(s, after, 64)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return out, nil
		}
		for _, ts := range batch {
			if ts.After(t1) {
				return out, nil
			}
			out = append(out, ts)
		}
		after = batch[len(batch)-1]
	}
}

func nextCron(expr string, after time.Time, limit int) ([]time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, limit)
	t := after
	for len(out) < limit {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// nextInterval computes anchor + k*interval occurrences strictly after
// `after`. The anchor may lie in the past or the future.
func nextInterval(anchor time.Time, interval time.Duration, after time.Time, limit int) []time.Time {
	first := anchor
	if after.After(anchor) || after.Equal(anchor) {
		elapsed := after.Sub(anchor)
		k := elapsed / interval
		first = anchor.Add((k + 1) * interval)
		// Guard against after landing exactly between steps.
		for !first.After(after) {
			first = first.Add(interval)
		}
	}
	out := make([]time.Time, 0, limit)
	for t := first; len(out) < limit; t = t.Add(interval) {
		out = append(out, t)
	}
	return out
}
