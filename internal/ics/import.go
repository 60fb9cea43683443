package ics

import (
	"context"
	"errors"
	"sort"
	"strings"

	appLog "calendo/internal/log"
	"calendo/internal/model"
	"calendo/internal/recurrence"
	"calendo/internal/store"
)

type ImportResult struct {
	Source  string `json:"source,omitempty"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Removed int    `json:"removed"`
	Skipped int    `json:"skipped"`
}

// Importer upserts parsed VEVENTs into the store, keyed by feed and UID.
type Importer struct {
	store     *store.Store
	defaultTZ string
}

func NewImporter(st *store.Store, defaultTZ string) *Importer {
	return &Importer{store: st, defaultTZ: defaultTZ}
}

// Import parses body and writes its events. Recurring events get their own
// RecurringRule; an overridden instance (RECURRENCE-ID) is excluded from
// its series and stored as a separate event. With prune set, events of
// src.ID that are no longer in the feed are deleted.
func (im *Importer) Import(ctx context.Context, src Source, body []byte, prune bool) (ImportResult, error) {
	res := ImportResult{Source: src.ID}

	parsed, err := ParseICS(src, body, im.defaultTZ)
	if err != nil {
		return res, err
	}
	parsed = foldOverrides(parsed)

	lookup, err := im.newLookup(ctx)
	if err != nil {
		return res, err
	}

	keep := make([]string, 0, len(parsed))
	for _, pe := range parsed {
		created, err := im.upsert(ctx, src.ID, pe, lookup)
		if err != nil {
			if errors.Is(err, store.ErrInvalid) {
				appLog.Warn("ics event skipped", "id", src.ID, "uid", pe.UID, "err", err.Error())
				res.Skipped++
				continue
			}
			return res, err
		}
		keep = append(keep, pe.Key())
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}

	if prune && src.ID != "" {
		n, err := im.store.PruneSourceEvents(ctx, src.ID, keep)
		if err != nil {
			return res, err
		}
		res.Removed = n
	}

	appLog.Info("ics import completed", "id", src.ID,
		"created", res.Created, "updated", res.Updated, "removed", res.Removed, "skipped", res.Skipped)
	return res, nil
}

// foldOverrides adds each override's RECURRENCE-ID to the ex-dates of its
// series, keeping the highest SEQUENCE when a UID repeats. The RECURRENCE-ID
// is re-read in the series zone when the override carries another TZID.
func foldOverrides(events []ParsedEvent) []ParsedEvent {
	byKey := make(map[string]int, len(events))
	out := make([]ParsedEvent, 0, len(events))
	for _, ev := range events {
		if i, ok := byKey[ev.Key()]; ok {
			if ev.Seq >= out[i].Seq {
				out[i] = ev
			}
			continue
		}
		byKey[ev.Key()] = len(out)
		out = append(out, ev)
	}
	for _, ev := range out {
		if !ev.IsOverride {
			continue
		}
		if i, ok := byKey[ev.UID]; ok && out[i].RawRRule != "" {
			out[i].ExDates = append(out[i].ExDates, recurrenceInSeries(ev, out[i]))
		}
	}
	return out
}

func recurrenceInSeries(ov, series ParsedEvent) recurrence.LocalTime {
	rid := *ov.Recurrence
	if ov.AllDay || series.AllDay || ov.Timezone == series.Timezone {
		return rid
	}
	from, err := recurrence.LoadLocation(ov.Timezone)
	if err != nil {
		return rid
	}
	to, err := recurrence.LoadLocation(series.Timezone)
	if err != nil {
		return rid
	}
	return recurrence.Wall(rid.In(from).In(to))
}

// lookup caches categories and participants by name and email so an import
// creates each one at most once.
type lookup struct {
	categories   map[string]string
	participants map[string]string
}

func (im *Importer) newLookup(ctx context.Context) (*lookup, error) {
	l := &lookup{categories: map[string]string{}, participants: map[string]string{}}
	cats, err := im.store.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range cats {
		l.categories[strings.ToLower(c.Name)] = c.ID
	}
	ps, err := im.store.ListParticipants(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range ps {
		if p.Email != "" {
			l.participants[strings.ToLower(p.Email)] = p.ID
		}
	}
	return l, nil
}

func (im *Importer) categoryID(ctx context.Context, l *lookup, name string) (*string, error) {
	if id, ok := l.categories[strings.ToLower(name)]; ok {
		return &id, nil
	}
	c, err := im.store.CreateCategory(ctx, model.Category{Name: name})
	if err != nil {
		return nil, err
	}
	l.categories[strings.ToLower(c.Name)] = c.ID
	return &c.ID, nil
}

func (im *Importer) participantIDs(ctx context.Context, l *lookup, attendees []Attendee) ([]string, error) {
	ids := make([]string, 0, len(attendees))
	for _, a := range attendees {
		key := strings.ToLower(a.Email)
		if id, ok := l.participants[key]; ok && key != "" {
			ids = append(ids, id)
			continue
		}
		p, err := im.store.CreateParticipant(ctx, model.Participant{Name: a.Name, Email: a.Email})
		if errors.Is(err, store.ErrInvalid) {
			// An address net/mail cannot parse; keep the person by name.
			p, err = im.store.CreateParticipant(ctx, model.Participant{Name: a.Name})
		}
		if err != nil {
			return nil, err
		}
		if key != "" {
			l.participants[key] = p.ID
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (im *Importer) upsert(ctx context.Context, source string, pe ParsedEvent, l *lookup) (bool, error) {
	existing, err := im.store.FindEventByExternalUID(ctx, source, pe.Key())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	ev := model.Event{
		Title:       pe.Summary,
		Description: pe.Description,
		Location:    pe.Location,
		Start:       pe.Start,
		End:         pe.End,
		AllDay:      pe.AllDay,
		Timezone:    pe.Timezone,
		Source:      source,
		ExternalUID: pe.Key(),
	}
	if ev.Title == "" {
		ev.Title = "(untitled)"
	}
	if len(pe.Categories) > 0 {
		if ev.CategoryID, err = im.categoryID(ctx, l, pe.Categories[0]); err != nil {
			return false, err
		}
	}
	if ev.ParticipantIDs, err = im.participantIDs(ctx, l, pe.Attendees); err != nil {
		return false, err
	}

	var oldRuleID *string
	if existing != nil {
		ev.ID = existing.ID
		ev.CreatedAt = existing.CreatedAt
		oldRuleID = existing.RecurringRuleID
	}

	if pe.RawRRule != "" {
		rule := model.RecurringRule{RRule: pe.RawRRule, Timezone: pe.Timezone, ExDates: sortedLocal(pe.ExDates)}
		var saved *model.RecurringRule
		if oldRuleID != nil {
			rule.ID = *oldRuleID
			saved, err = im.store.UpdateRecurringRule(ctx, rule)
		} else {
			saved, err = im.store.CreateRecurringRule(ctx, rule)
		}
		if err != nil {
			return false, err
		}
		ev.RecurringRuleID = &saved.ID
	}

	if existing == nil {
		if _, err = im.store.CreateEvent(ctx, ev); err != nil {
			if ev.RecurringRuleID != nil {
				_ = im.store.DeleteRecurringRule(ctx, *ev.RecurringRuleID)
			}
			return false, err
		}
		return true, nil
	}
	if _, err = im.store.UpdateEvent(ctx, ev); err != nil {
		return false, err
	}
	if oldRuleID != nil && ev.RecurringRuleID == nil {
		if err := im.store.DeleteRecurringRule(ctx, *oldRuleID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}
	return false, nil
}

func sortedLocal(v []recurrence.LocalTime) []recurrence.LocalTime {
	out := append([]recurrence.LocalTime(nil), v...)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j].Time) })
	return out
}
