// Package agenda turns stored events into concrete occurrences.
package agenda

import (
	"errors"
	"sort"

	appLog "calendo/internal/log"
	"calendo/internal/model"
	"calendo/internal/recurrence"
)

// Config controls how events are expanded.
type Config struct {
	Window recurrence.Window

	// MaxOccurrencesPerEvent caps each series. Zero picks the engine default.
	MaxOccurrencesPerEvent int
	MaxIterations          int
}

type Result struct {
	Occurrences []model.Occurrence
	// TruncatedEvents lists the IDs of events that hit a cap.
	TruncatedEvents []string
}

// Expand produces every occurrence of events inside the window, sorted by
// start. Recurring events look up their rule in rules by ID; an event whose
// rule is missing is treated as a single occurrence. Events that cannot be
// expanded are logged and skipped.
func Expand(events []*model.Event, rules map[string]*model.RecurringRule, cfg Config) (Result, error) {
	var result Result

	if err := cfg.Window.Validate(); err != nil {
		return result, err
	}
	opts := recurrence.Options{
		MaxOccurrences: cfg.MaxOccurrencesPerEvent,
		MaxIterations:  cfg.MaxIterations,
	}

	all := make([]model.Occurrence, 0)
	for _, ev := range events {
		var rule *model.RecurringRule
		if ev.RecurringRuleID != nil {
			rule = rules[*ev.RecurringRuleID]
		}
		occ, truncated, err := expandEvent(ev, rule, cfg.Window, opts)
		if err != nil {
			appLog.Error("agenda: skipping event", err, "event_id", ev.ID, "title", ev.Title)
			continue
		}
		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.ID)
			appLog.Error("agenda: truncated occurrences for event due to cap",
				errors.New("max occurrences reached"),
				"event_id", ev.ID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		all = append(all, occ...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.StartUTC.Equal(b.StartUTC) {
			return a.StartUTC.Before(b.StartUTC)
		}
		if !a.EndUTC.Equal(b.EndUTC) {
			return a.EndUTC.Before(b.EndUTC)
		}
		return a.EventID < b.EventID
	})
	result.Occurrences = all
	return result, nil
}

func expandEvent(ev *model.Event, rule *model.RecurringRule, window recurrence.Window, opts recurrence.Options) ([]model.Occurrence, bool, error) {
	loc, err := recurrence.LoadLocation(ev.Timezone)
	if err != nil {
		return nil, false, err
	}
	length := ev.End.Sub(ev.Start.Time)

	if rule == nil {
		o, ok := recurrence.Single(ev.Start, length, loc, window)
		if !ok {
			return nil, false, nil
		}
		return []model.Occurrence{makeOccurrence(ev, o)}, false, nil
	}

	r, err := recurrence.ParseRRULE(rule.RRule)
	if err != nil {
		return nil, false, err
	}
	r.DTStart = ev.Start
	r.Duration = recurrence.Duration(length)
	r.ExDates = rule.ExDates

	res, err := recurrence.Expand(r, loc, window, opts)
	if err != nil {
		return nil, false, err
	}
	out := make([]model.Occurrence, 0, len(res.Occurrences))
	for _, o := range res.Occurrences {
		out = append(out, makeOccurrence(ev, o))
	}
	return out, res.Truncated, nil
}

func makeOccurrence(ev *model.Event, o recurrence.Occurrence) model.Occurrence {
	return model.Occurrence{
		EventID:        ev.ID,
		Title:          ev.Title,
		AllDay:         ev.AllDay,
		Timezone:       ev.Timezone,
		StartUTC:       o.StartUTC,
		EndUTC:         o.EndUTC,
		StartLocalRepr: o.StartLocalRepr,
		EndLocalRepr:   o.EndLocalRepr,
	}
}

// RuleIndex maps rules by ID for Expand.
func RuleIndex(rules []*model.RecurringRule) map[string]*model.RecurringRule {
	m := make(map[string]*model.RecurringRule, len(rules))
	for _, r := range rules {
		m[r.ID] = r
	}
	return m
}
