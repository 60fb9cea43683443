package command

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calendo/internal/model"
	"calendo/internal/recurrence"
	"calendo/internal/store"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, Options{DefaultTimezone: "UTC", MaxOccurrences: 100, Now: func() time.Time { return now }})
}

func call(t *testing.T, r *Registry, name string, args string) (any, error) {
	t.Helper()
	return r.Invoke(context.Background(), name, json.RawMessage(args))
}

func mustCall[T any](t *testing.T, r *Registry, name string, args string) T {
	t.Helper()
	out, err := call(t, r, name, args)
	require.NoError(t, err, name)
	v, ok := out.(T)
	require.Truef(t, ok, "%s returned %T", name, out)
	return v
}

func TestInvokeUnknownAndBadArguments(t *testing.T) {
	r := newRegistry(t)

	_, err := call(t, r, "launch_rockets", `{}`)
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.Equal(t, CodeUnknownCommand, Code(err))

	_, err = call(t, r, "create_category", `[1,2]`)
	assert.ErrorIs(t, err, ErrBadArguments)
	assert.Equal(t, CodeInvalidArgument, Code(err))

	_, err = call(t, r, "get_category", `{}`)
	assert.Equal(t, CodeInvalidArgument, Code(err))
}

func TestRegistryNames(t *testing.T) {
	r := newRegistry(t)
	names := r.Names()
	for _, want := range []string{
		"create_event", "list_events", "update_task", "delete_time_entry", "get_recurring_rule",
		"start_time_entry", "stop_time_entry", "complete_task",
		"generate_recurrences", "list_event_occurrences", "import_ics", "export_ics",
	} {
		assert.Contains(t, names, want)
	}
	assert.IsIncreasing(t, names)
	assert.Panics(t, func() { r.Register("create_event", nil) })
}

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{store.ErrNotFound, CodeNotFound},
		{store.ErrConflict, CodeConflict},
		{store.ErrInvalid, CodeInvalidArgument},
		{recurrence.ErrInvalidRule, CodeInvalidArgument},
		{recurrence.ErrUnknownTimezone, CodeInvalidArgument},
		{recurrence.ErrInvalidWindow, CodeInvalidArgument},
		{errors.New("disk on fire"), CodeInternal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Code(c.err), c.err.Error())
	}

	f := FailureOf(errors.New("disk on fire"))
	assert.Equal(t, Failure{Code: CodeInternal, Error: "internal error"}, f)
	f = FailureOf(store.ErrNotFound)
	assert.Equal(t, "not found", f.Error)
}

func TestCategoryCommands(t *testing.T) {
	r := newRegistry(t)

	c := mustCall[*model.Category](t, r, "create_category", `{"name":"Work","color":"#f00"}`)
	assert.Equal(t, "Work", c.Name)

	_, err := call(t, r, "create_category", `{"name":"work"}`)
	assert.Equal(t, CodeConflict, Code(err))

	upd := mustCall[*model.Category](t, r, "update_category", `{"id":"`+c.ID+`","color":"#0f0"}`)
	assert.Equal(t, "Work", upd.Name)
	assert.Equal(t, "#0f0", upd.Color)

	list := mustCall[[]*model.Category](t, r, "list_categories", ``)
	assert.Len(t, list, 1)

	del := mustCall[deleted](t, r, "delete_category", `{"id":"`+c.ID+`"}`)
	assert.Equal(t, deleted{Success: true, ID: c.ID}, del)

	_, err = call(t, r, "get_category", `{"id":"`+c.ID+`"}`)
	assert.Equal(t, CodeNotFound, Code(err))
	_, err = call(t, r, "update_category", `{"id":"`+c.ID+`"}`)
	assert.Equal(t, CodeNotFound, Code(err))
}

func TestEventUpdateIsPatch(t *testing.T) {
	r := newRegistry(t)

	e := mustCall[*model.Event](t, r, "create_event",
		`{"title":"Standup","start":"2024-03-04T09:00:00","end":"2024-03-04T09:15:00","timezone":"Europe/Berlin"}`)

	upd := mustCall[*model.Event](t, r, "update_event", `{"id":"`+e.ID+`","title":"Daily standup"}`)
	assert.Equal(t, "Daily standup", upd.Title)
	assert.Equal(t, "2024-03-04T09:00:00", upd.Start.String())
	assert.Equal(t, "Europe/Berlin", upd.Timezone)

	_, err := call(t, r, "update_event", `{"id":"`+e.ID+`","end":"2024-03-04T08:00:00"}`)
	assert.Equal(t, CodeInvalidArgument, Code(err))

	_, err = call(t, r, "create_event", `{"title":"x","start":"2024-03-04T09:00:00+01:00"}`)
	assert.Equal(t, CodeInvalidArgument, Code(err))

	list := mustCall[[]*model.Event](t, r, "list_events",
		`{"from":"2024-03-01T00:00:00Z","to":"2024-03-31T00:00:00Z"}`)
	assert.Len(t, list, 1)

	_, err = call(t, r, "list_events", `{"from":"2024-03-31T00:00:00Z","to":"2024-03-01T00:00:00Z"}`)
	assert.Equal(t, CodeInvalidArgument, Code(err))
}

func TestTaskAndTimeEntryCommands(t *testing.T) {
	r := newRegistry(t)

	task := mustCall[*model.Task](t, r, "create_task", `{"title":"Report","priority":2}`)
	done := mustCall[*model.Task](t, r, "complete_task", `{"id":"`+task.ID+`"}`)
	assert.Equal(t, model.TaskDone, done.Status)
	require.NotNil(t, done.CompletedAt)

	open := mustCall[[]*model.Task](t, r, "list_tasks", `{"status":"todo"}`)
	assert.Empty(t, open)

	started := mustCall[*model.TimeEntry](t, r, "start_time_entry", `{"task_id":"`+task.ID+`","description":"writing"}`)
	assert.Equal(t, now, started.Start)

	_, err := call(t, r, "start_time_entry", `{}`)
	assert.Equal(t, CodeConflict, Code(err))

	stopped := mustCall[*model.TimeEntry](t, r, "stop_time_entry", `{"at":"2024-03-01T13:30:00Z"}`)
	assert.Equal(t, started.ID, stopped.ID)
	require.NotNil(t, stopped.End)
	assert.Equal(t, 90*time.Minute, stopped.End.Sub(stopped.Start))

	_, err = call(t, r, "stop_time_entry", `{}`)
	assert.Equal(t, CodeNotFound, Code(err))
	_, err = call(t, r, "stop_time_entry", `{"id":"`+started.ID+`"}`)
	assert.Equal(t, CodeConflict, Code(err))

	entries := mustCall[[]*model.TimeEntry](t, r, "list_time_entries", `{"task_id":"`+task.ID+`"}`)
	assert.Len(t, entries, 1)
}

func TestReminderCommands(t *testing.T) {
	r := newRegistry(t)

	task := mustCall[*model.Task](t, r, "create_task", `{"title":"Call mom"}`)
	mustCall[*model.Reminder](t, r, "create_reminder", `{"task_id":"`+task.ID+`","remind_at":"2024-03-01T11:00:00Z"}`)
	mustCall[*model.Reminder](t, r, "create_reminder", `{"task_id":"`+task.ID+`","remind_at":"2024-03-02T11:00:00Z"}`)

	due := mustCall[[]*model.Reminder](t, r, "list_reminders", `{"due":true}`)
	assert.Len(t, due, 1)
	all := mustCall[[]*model.Reminder](t, r, "list_reminders", `{"owner_id":"`+task.ID+`"}`)
	assert.Len(t, all, 2)

	_, err := call(t, r, "create_reminder", `{"remind_at":"2024-03-01T11:00:00Z"}`)
	assert.Equal(t, CodeInvalidArgument, Code(err))
}

func TestGenerateRecurrencesFromRRULE(t *testing.T) {
	r := newRegistry(t)

	out, err := call(t, r, "generate_recurrences", `{
		"rule": "FREQ=DAILY;COUNT=3",
		"dtstart": "2024-03-09T09:00:00",
		"duration": "PT1H",
		"window": {"start": "2024-03-01T00:00:00Z", "end": "2024-04-01T00:00:00Z"},
		"timezone": "America/New_York"
	}`)
	require.NoError(t, err)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))

	want := map[string]any{
		"success":   true,
		"rule":      "FREQ=DAILY;COUNT=3",
		"timezone":  "America/New_York",
		"truncated": false,
		"window":    map[string]any{"start": "2024-03-01T00:00:00Z", "end": "2024-04-01T00:00:00Z"},
		"occurrences": []any{
			map[string]any{
				"start_utc": "2024-03-09T14:00:00Z", "end_utc": "2024-03-09T15:00:00Z",
				"start_local_repr": "2024-03-09T09:00:00-05:00", "end_local_repr": "2024-03-09T10:00:00-05:00",
			},
			map[string]any{
				"start_utc": "2024-03-10T13:00:00Z", "end_utc": "2024-03-10T14:00:00Z",
				"start_local_repr": "2024-03-10T09:00:00-04:00", "end_local_repr": "2024-03-10T10:00:00-04:00",
			},
			map[string]any{
				"start_utc": "2024-03-11T13:00:00Z", "end_utc": "2024-03-11T14:00:00Z",
				"start_local_repr": "2024-03-11T09:00:00-04:00", "end_local_repr": "2024-03-11T10:00:00-04:00",
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("generate_recurrences mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateRecurrencesFromObject(t *testing.T) {
	r := newRegistry(t)

	res := mustCall[generateResult](t, r, "generate_recurrences", `{
		"rule": {"frequency": "monthly", "by_day": ["-1FR"], "count": 2, "dtstart": "2024-01-26T18:00:00"},
		"window": {"start": "2024-01-01T00:00:00Z", "end": "2024-03-01T00:00:00Z"},
		"timezone": "+05:45"
	}`)
	assert.Equal(t, "FREQ=MONTHLY;COUNT=2;BYDAY=-1FR", res.Rule)
	require.Len(t, res.Occurrences, 2)
	assert.Equal(t, "2024-01-26T18:00:00+05:45", res.Occurrences[0].StartLocalRepr)
	assert.Equal(t, time.Date(2024, 1, 26, 12, 15, 0, 0, time.UTC), res.Occurrences[0].StartUTC)
	assert.Equal(t, "2024-02-23T18:00:00+05:45", res.Occurrences[1].StartLocalRepr)
}

func TestGenerateRecurrencesFromStoredRule(t *testing.T) {
	r := newRegistry(t)

	rule := mustCall[*model.RecurringRule](t, r, "create_recurring_rule",
		`{"rrule":"FREQ=WEEKLY;COUNT=3","timezone":"Europe/Berlin","ex_dates":["2024-03-08T10:00:00"]}`)

	res := mustCall[generateResult](t, r, "generate_recurrences", `{
		"rule_id": "`+rule.ID+`",
		"dtstart": "2024-03-01T10:00:00",
		"window": {"start": "2024-03-01T00:00:00Z", "end": "2024-04-01T00:00:00Z"}
	}`)
	assert.Equal(t, "Europe/Berlin", res.Timezone)
	var starts []string
	for _, o := range res.Occurrences {
		starts = append(starts, o.StartUTC.Format(time.RFC3339))
	}
	assert.Equal(t, []string{"2024-03-01T09:00:00Z", "2024-03-15T09:00:00Z"}, starts)
}

func TestGenerateRecurrencesCapsOutput(t *testing.T) {
	r := newRegistry(t)

	res := mustCall[generateResult](t, r, "generate_recurrences", `{
		"rule": "FREQ=DAILY", "dtstart": "2024-01-01T08:00:00", "max_occurrences": 5,
		"window": {"start": "2024-01-01T00:00:00Z", "end": "2025-01-01T00:00:00Z"}
	}`)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Occurrences, 5)
	assert.Equal(t, "UTC", res.Timezone)

	res = mustCall[generateResult](t, r, "generate_recurrences", `{
		"rule": "FREQ=DAILY", "dtstart": "2024-01-01T08:00:00", "max_occurrences": 100000,
		"window": {"start": "2024-01-01T00:00:00Z", "end": "2025-01-01T00:00:00Z"}
	}`)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Occurrences, 100)
}

func TestGenerateRecurrencesErrors(t *testing.T) {
	r := newRegistry(t)
	window := `"window": {"start": "2024-01-01T00:00:00Z", "end": "2024-02-01T00:00:00Z"}`

	cases := map[string]struct {
		args string
		code string
	}{
		"no rule":         {`{` + window + `}`, CodeInvalidArgument},
		"rule not text":   {`{"rule": 7, ` + window + `}`, CodeInvalidArgument},
		"bad rrule":       {`{"rule": "FREQ=HOURLY", "dtstart": "2024-01-01T00:00:00", ` + window + `}`, CodeInvalidArgument},
		"no dtstart":      {`{"rule": "FREQ=DAILY", ` + window + `}`, CodeInvalidArgument},
		"bad timezone":    {`{"rule": "FREQ=DAILY", "dtstart": "2024-01-01T00:00:00", "timezone": "Mars/Base", ` + window + `}`, CodeInvalidArgument},
		"empty window":    {`{"rule": "FREQ=DAILY", "dtstart": "2024-01-01T00:00:00"}`, CodeInvalidArgument},
		"missing rule id": {`{"rule_id": "nope", "dtstart": "2024-01-01T00:00:00", ` + window + `}`, CodeNotFound},
		"count and until": {`{"rule": "FREQ=DAILY;COUNT=2;UNTIL=20240110T000000Z", "dtstart": "2024-01-01T00:00:00", ` + window + `}`, CodeInvalidArgument},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := call(t, r, "generate_recurrences", c.args)
			require.Error(t, err)
			assert.Equal(t, c.code, Code(err), err.Error())
		})
	}
}

func TestListEventOccurrences(t *testing.T) {
	r := newRegistry(t)

	rule := mustCall[*model.RecurringRule](t, r, "create_recurring_rule", `{"rrule":"FREQ=WEEKLY;BYDAY=MO"}`)
	mustCall[*model.Event](t, r, "create_event", `{"title":"Sync","start":"2024-03-04T09:00:00",
		"end":"2024-03-04T09:30:00","timezone":"America/New_York","recurring_rule_id":"`+rule.ID+`"}`)
	mustCall[*model.Event](t, r, "create_event", `{"title":"Dentist","start":"2024-03-06T15:00:00",
		"end":"2024-03-06T16:00:00","timezone":"UTC"}`)
	mustCall[*model.Event](t, r, "create_event", `{"title":"Later","start":"2024-06-06T15:00:00","timezone":"UTC"}`)

	res := mustCall[occurrencesResult](t, r, "list_event_occurrences",
		`{"window":{"start":"2024-03-01T00:00:00Z","end":"2024-03-15T00:00:00Z"}}`)
	var titles []string
	for _, o := range res.Occurrences {
		titles = append(titles, o.Title+" "+o.StartUTC.Format(time.RFC3339))
	}
	assert.Equal(t, []string{
		"Sync 2024-03-04T14:00:00Z",
		"Dentist 2024-03-06T15:00:00Z",
		"Sync 2024-03-11T13:00:00Z",
	}, titles)
	assert.Empty(t, res.TruncatedEvents)

	_, err := call(t, r, "list_event_occurrences", `{}`)
	assert.Equal(t, CodeInvalidArgument, Code(err))
}

func TestICSCommands(t *testing.T) {
	r := newRegistry(t)

	mustCall[*model.Event](t, r, "create_event", `{"title":"Launch","start":"2024-03-06T15:00:00","timezone":"Europe/Paris"}`)
	out, err := call(t, r, "export_ics", ``)
	require.NoError(t, err)
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	var exported struct {
		Success  bool   `json:"success"`
		Calendar string `json:"calendar"`
	}
	require.NoError(t, json.Unmarshal(raw, &exported))
	assert.True(t, exported.Success)
	assert.Contains(t, exported.Calendar, "SUMMARY:Launch")

	other := newRegistry(t)
	args, err := json.Marshal(map[string]any{"source": "backup", "calendar": exported.Calendar, "prune": true})
	require.NoError(t, err)
	_, err = other.Invoke(context.Background(), "import_ics", args)
	require.NoError(t, err)

	events := mustCall[[]*model.Event](t, other, "list_events", `{"source":"backup"}`)
	require.Len(t, events, 1)
	assert.Equal(t, "Launch", events[0].Title)
	assert.Equal(t, "Europe/Paris", events[0].Timezone)

	_, err = call(t, other, "import_ics", `{}`)
	assert.Equal(t, CodeInvalidArgument, Code(err))
	_, err = call(t, other, "import_ics", `{"calendar":"   "}`)
	assert.Equal(t, CodeInvalidArgument, Code(err))
}
