package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calendo/internal/agenda"
	"calendo/internal/model"
	"calendo/internal/recurrence"
	"calendo/internal/store"
)

func calendar(events ...string) []byte {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}
	for _, e := range events {
		lines = append(lines, strings.Split(strings.TrimSpace(e), "\n")...)
	}
	lines = append(lines, "END:VCALENDAR", "")
	return []byte(strings.Join(lines, "\r\n"))
}

const weeklySeries = `BEGIN:VEVENT
UID:weekly@example.com
DTSTAMP:20240101T000000Z
SUMMARY:Team sync
DTSTART;TZID=America/New_York:20240304T090000
DTEND;TZID=America/New_York:20240304T093000
RRULE:FREQ=WEEKLY;BYDAY=MO
EXDATE;TZID=America/New_York:20240311T090000
CATEGORIES:Work
ATTENDEE;CN=Ana:mailto:ana@example.com
END:VEVENT`

const movedInstance = `BEGIN:VEVENT
UID:weekly@example.com
DTSTAMP:20240101T000000Z
RECURRENCE-ID;TZID=America/New_York:20240318T090000
SUMMARY:Team sync (moved)
DTSTART;TZID=America/New_York:20240318T140000
DTEND;TZID=America/New_York:20240318T143000
END:VEVENT`

const holiday = `BEGIN:VEVENT
UID:holiday@example.com
DTSTAMP:20240101T000000Z
SUMMARY:Holiday\, office closed
DTSTART;VALUE=DATE:20240401
END:VEVENT`

const call = `BEGIN:VEVENT
UID:call@example.com
DTSTAMP:20240101T000000Z
SUMMARY:Call
DTSTART:20240305T150000Z
DURATION:PT45M
END:VEVENT`

func local(t *testing.T, s string) recurrence.LocalTime {
	t.Helper()
	l, err := recurrence.ParseLocalTime(s)
	require.NoError(t, err)
	return l
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestParseICS(t *testing.T) {
	events, err := ParseICS(Source{ID: "team"}, calendar(weeklySeries, movedInstance, holiday, call), "Europe/Berlin")
	require.NoError(t, err)
	require.Len(t, events, 4)

	series := events[0]
	assert.Equal(t, "Team sync", series.Summary)
	assert.Equal(t, "America/New_York", series.Timezone)
	assert.Equal(t, "2024-03-04T09:00:00", series.Start.String())
	assert.Equal(t, "2024-03-04T09:30:00", series.End.String())
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", series.RawRRule)
	require.Len(t, series.ExDates, 1)
	assert.Equal(t, "2024-03-11T09:00:00", series.ExDates[0].String())
	assert.Equal(t, []string{"Work"}, series.Categories)
	assert.Equal(t, []Attendee{{Name: "Ana", Email: "ana@example.com"}}, series.Attendees)

	moved := events[1]
	assert.True(t, moved.IsOverride)
	assert.Equal(t, "weekly@example.com#20240318T090000", moved.Key())

	day := events[2]
	assert.True(t, day.AllDay)
	assert.Equal(t, "Holiday, office closed", day.Summary)
	assert.Equal(t, "Europe/Berlin", day.Timezone)
	assert.Equal(t, "2024-04-02T00:00:00", day.End.String())

	c := events[3]
	assert.Equal(t, "UTC", c.Timezone)
	assert.Equal(t, "2024-03-05T15:45:00", c.End.String())
}

func TestFoldOverridesConvertsRecurrenceIDToSeriesZone(t *testing.T) {
	// 13:00 London is 09:00 in New York on 2024-03-18.
	const movedFromLondon = `BEGIN:VEVENT
UID:weekly@example.com
DTSTAMP:20240101T000000Z
RECURRENCE-ID;TZID=Europe/London:20240318T130000
SUMMARY:Team sync (from London)
DTSTART;TZID=Europe/London:20240318T190000
DTEND;TZID=Europe/London:20240318T193000
END:VEVENT`

	events, err := ParseICS(Source{ID: "team"}, calendar(weeklySeries, movedFromLondon), "UTC")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NotNil(t, events[1].Recurrence)
	assert.Equal(t, "2024-03-18T13:00:00", events[1].Recurrence.String())

	folded := foldOverrides(events)
	require.Len(t, folded, 2)
	var exdates []string
	for _, ex := range folded[0].ExDates {
		exdates = append(exdates, ex.String())
	}
	assert.Equal(t, []string{"2024-03-11T09:00:00", "2024-03-18T09:00:00"}, exdates)
}

func TestParseICSErrors(t *testing.T) {
	_, err := ParseICS(Source{}, nil, "UTC")
	assert.ErrorIs(t, err, ErrInvalidCalendar)

	_, err = ParseICS(Source{}, calendar(call), "Not/AZone")
	assert.ErrorIs(t, err, recurrence.ErrUnknownTimezone)

	events, err := ParseICS(Source{}, calendar("BEGIN:VEVENT\nSUMMARY:no uid\nDTSTART:20240305T150000Z\nEND:VEVENT", call), "UTC")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestParseUTCExDateInSeriesZone(t *testing.T) {
	body := calendar(`BEGIN:VEVENT
UID:x@example.com
DTSTAMP:20240101T000000Z
SUMMARY:x
DTSTART;TZID=America/New_York:20240304T090000
RRULE:FREQ=DAILY
EXDATE:20240311T130000Z
END:VEVENT`)
	events, err := ParseICS(Source{}, body, "UTC")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Len(t, events[0].ExDates, 1)
	assert.Equal(t, "2024-03-11T09:00:00", events[0].ExDates[0].String())
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	im := NewImporter(st, "UTC")

	res, err := im.Import(ctx, Source{ID: "team"}, calendar(weeklySeries, movedInstance, holiday, call), true)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Source: "team", Created: 4}, res)

	series, err := st.FindEventByExternalUID(ctx, "team", "weekly@example.com")
	require.NoError(t, err)
	require.NotNil(t, series.RecurringRuleID)
	require.NotNil(t, series.CategoryID)
	require.Len(t, series.ParticipantIDs, 1)

	rule, err := st.GetRecurringRule(ctx, *series.RecurringRuleID)
	require.NoError(t, err)
	require.Len(t, rule.ExDates, 2)
	assert.Equal(t, "2024-03-11T09:00:00", rule.ExDates[0].String())
	assert.Equal(t, "2024-03-18T09:00:00", rule.ExDates[1].String())

	events, err := st.ListEvents(ctx, store.EventFilter{})
	require.NoError(t, err)
	rules, err := st.ListRecurringRules(ctx)
	require.NoError(t, err)
	out, err := agenda.Expand(events, agenda.RuleIndex(rules), agenda.Config{Window: recurrence.Window{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)
	var starts []string
	for _, o := range out.Occurrences {
		starts = append(starts, o.Title+" "+o.StartLocalRepr)
	}
	assert.Equal(t, []string{
		"Team sync 2024-03-04T09:00:00-05:00",
		"Call 2024-03-05T15:00:00Z",
		"Team sync (moved) 2024-03-18T14:00:00-04:00",
		"Team sync 2024-03-25T09:00:00-04:00",
	}, starts)

	res, err = im.Import(ctx, Source{ID: "team"}, calendar(weeklySeries, movedInstance, holiday, call), true)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Source: "team", Updated: 4}, res)

	cats, err := st.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, cats, 1)
	people, err := st.ListParticipants(ctx)
	require.NoError(t, err)
	assert.Len(t, people, 1)

	res, err = im.Import(ctx, Source{ID: "team"}, calendar(holiday, call), true)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Source: "team", Updated: 2, Removed: 2}, res)

	rules, err = st.ListRecurringRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestImportSkipsUnsupportedRules(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	res, err := NewImporter(st, "UTC").Import(ctx, Source{}, calendar(`BEGIN:VEVENT
UID:hourly@example.com
DTSTAMP:20240101T000000Z
SUMMARY:Ping
DTSTART:20240305T150000Z
RRULE:FREQ=HOURLY
END:VEVENT`, call), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Skipped)
}

func TestExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	cat, err := st.CreateCategory(ctx, model.Category{Name: "Work"})
	require.NoError(t, err)
	ana, err := st.CreateParticipant(ctx, model.Participant{Name: "Ana", Email: "ana@example.com"})
	require.NoError(t, err)
	rule, err := st.CreateRecurringRule(ctx, model.RecurringRule{
		RRule:   "FREQ=WEEKLY;BYDAY=MO",
		ExDates: []recurrence.LocalTime{local(t, "2024-03-11T09:00:00")},
	})
	require.NoError(t, err)
	_, err = st.CreateEvent(ctx, model.Event{
		Title: "Team sync", Timezone: "America/New_York",
		Start: local(t, "2024-03-04T09:00:00"), End: local(t, "2024-03-04T09:30:00"),
		CategoryID: &cat.ID, RecurringRuleID: &rule.ID, ParticipantIDs: []string{ana.ID},
	})
	require.NoError(t, err)
	_, err = st.CreateEvent(ctx, model.Event{
		Title: "Holiday", AllDay: true, Start: local(t, "2024-04-01"),
	})
	require.NoError(t, err)
	_, err = st.CreateEvent(ctx, model.Event{
		Title: "Kathmandu call", Timezone: "+05:45",
		Start: local(t, "2024-03-05T09:00:00"), End: local(t, "2024-03-05T10:00:00"),
	})
	require.NoError(t, err)

	text, err := Export(ctx, st)
	require.NoError(t, err)
	assert.Contains(t, text, "BEGIN:VCALENDAR")
	assert.Contains(t, text, "DTSTART;TZID=America/New_York:20240304T090000")
	assert.Contains(t, text, "RRULE:FREQ=WEEKLY;BYDAY=MO")
	assert.Contains(t, text, "EXDATE;TZID=America/New_York:20240311T090000")
	assert.Contains(t, text, "DTSTART;VALUE=DATE:20240401")
	assert.Contains(t, text, "DTSTART:20240305T031500Z")
	assert.Contains(t, text, "CATEGORIES:Work")

	other := newStore(t)
	res, err := NewImporter(other, "UTC").Import(ctx, Source{ID: "copy"}, []byte(text), true)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)

	events, err := other.ListEvents(ctx, store.EventFilter{})
	require.NoError(t, err)
	byTitle := map[string]*model.Event{}
	for _, e := range events {
		byTitle[e.Title] = e
	}
	sync := byTitle["Team sync"]
	require.NotNil(t, sync)
	assert.Equal(t, "America/New_York", sync.Timezone)
	assert.Equal(t, "2024-03-04T09:30:00", sync.End.String())
	require.NotNil(t, sync.RecurringRuleID)
	assert.Len(t, sync.ParticipantIDs, 1)

	hol := byTitle["Holiday"]
	require.NotNil(t, hol)
	assert.True(t, hol.AllDay)
}

func TestFetcherConditionalAndFallback(t *testing.T) {
	var (
		hits   atomic.Int32
		broken atomic.Bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if broken.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(calendar(call))
	}))
	defer srv.Close()

	ctx := context.Background()
	f := NewFetcher(t.TempDir(), srv.Client())
	src := Source{ID: "feed", URL: srv.URL + "/private.ics?token=secret"}

	first, err := f.FetchOne(ctx, src)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := f.FetchOne(ctx, src)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)

	broken.Store(true)
	third, err := f.FetchOne(ctx, src)
	require.NoError(t, err)
	assert.True(t, third.FromCache)
	assert.Equal(t, int32(3), hits.Load())

	fresh := NewFetcher(t.TempDir(), srv.Client())
	results, err := fresh.FetchAll(ctx, []Source{src, {ID: "empty"}})
	require.Error(t, err)
	assert.Empty(t, results)
	assert.Contains(t, err.Error(), "feed:")
	assert.Contains(t, err.Error(), "empty:")
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://calendar.example.com/...(redacted)",
		redactURL("https://calendar.example.com/u/42/basic.ics?token=abc"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
	assert.Equal(t, "", redactURL(""))
}
