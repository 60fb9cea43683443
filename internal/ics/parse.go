package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calendo/internal/log"
	"calendo/internal/recurrence"
)

var ErrInvalidCalendar = errors.New("invalid calendar")

type Attendee struct {
	Name  string
	Email string
}

// ParsedEvent is a VEVENT reduced to the calendar model: times are
// wall-clock readings in Timezone, the way events are stored.
type ParsedEvent struct {
	UID string
	Seq int

	Summary     string
	Description string
	Location    string

	Start    recurrence.LocalTime
	End      recurrence.LocalTime
	AllDay   bool
	Timezone string

	RawRRule   string
	ExDates    []recurrence.LocalTime
	Recurrence *recurrence.LocalTime // RECURRENCE-ID in the event's own wall clock
	IsOverride bool

	Categories []string
	Attendees  []Attendee
}

// Key identifies the event within its feed. Overrides of a recurring
// instance get their own key so they can be stored next to the series.
func (p ParsedEvent) Key() string {
	if p.Recurrence == nil {
		return p.UID
	}
	return p.UID + "#" + p.Recurrence.Format(icsLocal)
}

const (
	icsLocal = "20060102T150405"
	icsUTC   = "20060102T150405Z"
	icsDate  = "20060102"
)

// ParseICS parses an iCalendar payload. Floating times and unknown TZIDs
// fall back to defaultTZ. Broken VEVENTs are logged and skipped.
func ParseICS(src Source, body []byte, defaultTZ string) ([]ParsedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidCalendar)
	}
	if _, err := recurrence.LoadLocation(defaultTZ); err != nil {
		return nil, err
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, fmt.Errorf("%w: %v", ErrInvalidCalendar, err)
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp, defaultTZ)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		events = append(events, ev)
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent, defaultTZ string) (ParsedEvent, error) {
	var out ParsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uidProp.Value)

	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			out.Seq = n
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = unescapeText(p.Value)
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, fmt.Errorf("event %s: missing DTSTART", out.UID)
	}
	start, err := parseTimeProp(startProp.Value, startProp.ICalParameters, defaultTZ)
	if err != nil {
		return out, fmt.Errorf("event %s: DTSTART: %w", out.UID, err)
	}
	out.Start = start.wall
	out.Timezone = start.tz
	out.AllDay = start.date
	loc, _ := recurrence.LoadLocation(out.Timezone)

	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		p := ve.GetProperty(ical.ComponentPropertyDtEnd)
		end, err := parseTimeProp(p.Value, p.ICalParameters, out.Timezone)
		if err != nil {
			return out, fmt.Errorf("event %s: DTEND: %w", out.UID, err)
		}
		out.End = end.inZone(loc)
	case ve.GetProperty(ical.ComponentPropertyDuration) != nil:
		d, err := recurrence.ParseDuration(ve.GetProperty(ical.ComponentPropertyDuration).Value)
		if err != nil {
			return out, fmt.Errorf("event %s: DURATION: %w", out.UID, err)
		}
		out.End = out.Start.Add(time.Duration(d))
	case out.AllDay:
		out.End = out.Start.Add(24 * time.Hour)
	default:
		out.End = out.Start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimSpace(p.Value)
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			ex, err := parseTimeProp(part, p.ICalParameters, out.Timezone)
			if err != nil {
				appLog.Warn("ics exdate skipped", "uid", out.UID, "value", part, "err", err.Error())
				continue
			}
			out.ExDates = append(out.ExDates, ex.inZone(loc))
		}
	}

	if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
		rid, err := parseTimeProp(p.Value, p.ICalParameters, out.Timezone)
		if err != nil {
			return out, fmt.Errorf("event %s: RECURRENCE-ID: %w", out.UID, err)
		}
		w := rid.inZone(loc)
		out.Recurrence = &w
		out.IsOverride = true
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyCategories) {
		for _, c := range strings.Split(p.Value, ",") {
			if c = strings.TrimSpace(unescapeText(c)); c != "" {
				out.Categories = append(out.Categories, c)
			}
		}
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyAttendee) {
		email := strings.TrimSpace(p.Value)
		if len(email) >= 7 && strings.EqualFold(email[:7], "mailto:") {
			email = email[7:]
		}
		a := Attendee{Email: email, Name: firstParam(p.ICalParameters, string(ical.ParameterCn))}
		if a.Name == "" {
			a.Name = a.Email
		}
		if a.Name != "" {
			out.Attendees = append(out.Attendees, a)
		}
	}

	return out, nil
}

// icsTime is a parsed DATE or DATE-TIME value.
type icsTime struct {
	wall recurrence.LocalTime
	tz   string
	date bool
}

// inZone re-reads the value as a wall clock in loc. Values already in loc
// pass through unchanged.
func (t icsTime) inZone(loc *time.Location) recurrence.LocalTime {
	if t.date || loc == nil || t.tz == loc.String() {
		return t.wall
	}
	src, err := recurrence.LoadLocation(t.tz)
	if err != nil {
		return t.wall
	}
	return recurrence.Wall(t.wall.In(src).In(loc))
}

func parseTimeProp(v string, params map[string][]string, defaultTZ string) (icsTime, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return icsTime{}, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse(icsUTC, v)
		if err != nil {
			return icsTime{}, err
		}
		return icsTime{wall: recurrence.Wall(t), tz: "UTC"}, nil
	}

	tz := strings.Trim(firstParam(params, string(ical.ParameterTzid)), `"`)
	if tz == "" {
		tz = defaultTZ
	} else if _, err := recurrence.LoadLocation(tz); err != nil {
		appLog.Warn("ics unknown TZID, using default", "tzid", tz, "default", defaultTZ)
		tz = defaultTZ
	}
	if tz == "" {
		tz = "UTC"
	}

	if strings.Contains(v, "T") {
		t, err := time.Parse(icsLocal, v)
		if err != nil {
			return icsTime{}, err
		}
		return icsTime{wall: recurrence.Wall(t), tz: tz}, nil
	}
	t, err := time.Parse(icsDate, v)
	if err != nil {
		return icsTime{}, err
	}
	return icsTime{wall: recurrence.Wall(t), tz: tz, date: true}, nil
}

func firstParam(params map[string][]string, key string) string {
	for k, vs := range params {
		if strings.EqualFold(k, key) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}
