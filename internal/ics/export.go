package ics

import (
	"context"
	"time"

	ical "github.com/arran4/golang-ical"

	"calendo/internal/model"
	"calendo/internal/recurrence"
	"calendo/internal/store"
)

const productID = "-//calendo//calendo//EN"

// Export renders every stored event as a VCALENDAR. Times carry their IANA
// TZID; fixed-offset zones have no TZID and are written in UTC.
func Export(ctx context.Context, st *store.Store) (string, error) {
	events, err := st.ListEvents(ctx, store.EventFilter{})
	if err != nil {
		return "", err
	}
	rules, err := st.ListRecurringRules(ctx)
	if err != nil {
		return "", err
	}
	cats, err := st.ListCategories(ctx)
	if err != nil {
		return "", err
	}
	people, err := st.ListParticipants(ctx)
	if err != nil {
		return "", err
	}

	ruleByID := make(map[string]*model.RecurringRule, len(rules))
	for _, r := range rules {
		ruleByID[r.ID] = r
	}
	catByID := make(map[string]*model.Category, len(cats))
	for _, c := range cats {
		catByID[c.ID] = c
	}
	personByID := make(map[string]*model.Participant, len(people))
	for _, p := range people {
		personByID[p.ID] = p
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)

	for _, ev := range events {
		uid := ev.ExternalUID
		if uid == "" {
			uid = ev.ID + "@calendo"
		}
		ve := cal.AddEvent(uid)
		ve.SetDtStampTime(ev.UpdatedAt)
		ve.SetCreatedTime(ev.CreatedAt)
		ve.SetModifiedAt(ev.UpdatedAt)
		ve.SetSummary(ev.Title)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}

		setTime(ve, ical.ComponentPropertyDtStart, ev.Start, ev.Timezone, ev.AllDay)
		setTime(ve, ical.ComponentPropertyDtEnd, ev.End, ev.Timezone, ev.AllDay)

		if ev.RecurringRuleID != nil {
			if r, ok := ruleByID[*ev.RecurringRuleID]; ok {
				ve.AddRrule(r.RRule)
				for _, ex := range r.ExDates {
					value, params := formatTime(ex, ev.Timezone, ev.AllDay)
					ve.AddProperty(ical.ComponentPropertyExdate, value, params...)
				}
			}
		}
		if ev.CategoryID != nil {
			if c, ok := catByID[*ev.CategoryID]; ok {
				ve.AddProperty(ical.ComponentPropertyCategories, c.Name)
			}
		}
		for _, pid := range ev.ParticipantIDs {
			p, ok := personByID[pid]
			if !ok || p.Email == "" {
				continue
			}
			ve.AddProperty(ical.ComponentPropertyAttendee, "mailto:"+p.Email,
				&ical.KeyValues{Key: string(ical.ParameterCn), Value: []string{p.Name}})
		}
	}

	return cal.Serialize(), nil
}

func setTime(ve *ical.VEvent, prop ical.ComponentProperty, l recurrence.LocalTime, tz string, allDay bool) {
	value, params := formatTime(l, tz, allDay)
	ve.SetProperty(prop, value, params...)
}

func formatTime(l recurrence.LocalTime, tz string, allDay bool) (string, []ical.PropertyParameter) {
	if allDay {
		return l.Format(icsDate), []ical.PropertyParameter{
			&ical.KeyValues{Key: string(ical.ParameterValue), Value: []string{"DATE"}},
		}
	}
	loc, err := recurrence.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	if loc == time.UTC || !isIANA(tz) {
		return l.In(loc).UTC().Format(icsUTC), nil
	}
	return l.Format(icsLocal), []ical.PropertyParameter{
		&ical.KeyValues{Key: string(ical.ParameterTzid), Value: []string{tz}},
	}
}

// isIANA reports whether tz names a zone database entry, as opposed to a
// fixed offset like "+05:45".
func isIANA(tz string) bool {
	_, err := time.LoadLocation(tz)
	return err == nil && tz != "" && tz != "UTC"
}
