package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"calendo/internal/agenda"
	"calendo/internal/model"
	"calendo/internal/recurrence"
	"calendo/internal/store"
)

// generateArgs is the input of generate_recurrences. Rule is either RRULE
// text or a rule object; RuleID names a stored rule instead. The anchor
// fields override whatever the rule carries.
type generateArgs struct {
	Rule           json.RawMessage        `json:"rule"`
	RuleID         string                 `json:"rule_id"`
	DTStart        *recurrence.LocalTime  `json:"dtstart"`
	DTEnd          *recurrence.LocalTime  `json:"dtend"`
	Duration       *recurrence.Duration   `json:"duration"`
	ExDates        []recurrence.LocalTime `json:"ex_dates"`
	RDates         []recurrence.LocalTime `json:"r_dates"`
	Window         recurrence.Window      `json:"window"`
	Timezone       string                 `json:"timezone"`
	MaxOccurrences int                    `json:"max_occurrences"`
}

type generateResult struct {
	Success     bool                    `json:"success"`
	Rule        string                  `json:"rule"`
	Window      recurrence.Window       `json:"window"`
	Timezone    string                  `json:"timezone"`
	Truncated   bool                    `json:"truncated"`
	Occurrences []recurrence.Occurrence `json:"occurrences"`
}

func (s *service) generateRecurrences(ctx context.Context, args json.RawMessage) (any, error) {
	var a generateArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}

	rule, storedTZ, err := s.resolveRule(ctx, a)
	if err != nil {
		return nil, err
	}
	if a.DTStart != nil {
		rule.DTStart = *a.DTStart
	}
	if a.DTEnd != nil {
		rule.DTEnd = a.DTEnd
	}
	if a.Duration != nil {
		rule.Duration = *a.Duration
	}
	rule.ExDates = append(rule.ExDates, a.ExDates...)
	rule.RDates = append(rule.RDates, a.RDates...)

	tz := a.Timezone
	if tz == "" {
		tz = storedTZ
	}
	if tz == "" {
		tz = s.opts.DefaultTimezone
	}
	loc, err := recurrence.LoadLocation(tz)
	if err != nil {
		return nil, err
	}

	res, err := recurrence.Expand(rule, loc, a.Window, recurrence.Options{
		MaxOccurrences: s.capFor(a.MaxOccurrences),
	})
	if err != nil {
		return nil, err
	}
	return generateResult{
		Success:     true,
		Rule:        rule.String(),
		Window:      a.Window,
		Timezone:    loc.String(),
		Truncated:   res.Truncated,
		Occurrences: res.Occurrences,
	}, nil
}

func (s *service) resolveRule(ctx context.Context, a generateArgs) (recurrence.Rule, string, error) {
	raw := bytes.TrimSpace(a.Rule)
	switch {
	case len(raw) > 0 && raw[0] == '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return recurrence.Rule{}, "", fmt.Errorf("%w: %v", ErrBadArguments, err)
		}
		r, err := recurrence.ParseRRULE(text)
		return r, "", err
	case len(raw) > 0 && raw[0] == '{':
		var r recurrence.Rule
		if err := json.Unmarshal(raw, &r); err != nil {
			return recurrence.Rule{}, "", fmt.Errorf("%w: %v", ErrBadArguments, err)
		}
		return r, "", nil
	case len(raw) > 0 && !bytes.Equal(raw, []byte("null")):
		return recurrence.Rule{}, "", fmt.Errorf("%w: rule must be RRULE text or an object", ErrBadArguments)
	case a.RuleID != "":
		stored, err := s.store.GetRecurringRule(ctx, a.RuleID)
		if err != nil {
			return recurrence.Rule{}, "", err
		}
		r, err := recurrence.ParseRRULE(stored.RRule)
		if err != nil {
			return recurrence.Rule{}, "", err
		}
		r.ExDates = append(r.ExDates, stored.ExDates...)
		return r, stored.Timezone, nil
	default:
		return recurrence.Rule{}, "", fmt.Errorf("%w: rule or rule_id is required", ErrBadArguments)
	}
}

func (s *service) capFor(requested int) int {
	limit := s.opts.MaxOccurrences
	if limit <= 0 {
		limit = recurrence.DefaultMaxOccurrences
	}
	if requested > 0 && requested < limit {
		return requested
	}
	return limit
}

type occurrencesResult struct {
	Success         bool               `json:"success"`
	Window          recurrence.Window  `json:"window"`
	TruncatedEvents []string           `json:"truncated_events"`
	Occurrences     []model.Occurrence `json:"occurrences"`
}

// listEventOccurrences expands every stored event overlapping the window.
func (s *service) listEventOccurrences(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Window     recurrence.Window `json:"window"`
		CategoryID string            `json:"category_id"`
	}
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if err := a.Window.Validate(); err != nil {
		return nil, err
	}

	events, err := s.store.ListEvents(ctx, store.EventFilter{From: a.Window.Start, To: a.Window.End, CategoryID: a.CategoryID})
	if err != nil {
		return nil, err
	}
	rules, err := s.store.ListRecurringRules(ctx)
	if err != nil {
		return nil, err
	}
	res, err := agenda.Expand(events, agenda.RuleIndex(rules), agenda.Config{
		Window:                 a.Window,
		MaxOccurrencesPerEvent: s.capFor(0),
	})
	if err != nil {
		return nil, err
	}
	truncated := res.TruncatedEvents
	if truncated == nil {
		truncated = []string{}
	}
	return occurrencesResult{
		Success:         true,
		Window:          a.Window,
		TruncatedEvents: truncated,
		Occurrences:     res.Occurrences,
	}, nil
}
