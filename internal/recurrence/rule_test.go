package recurrence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRRULE(t *testing.T) {
	r, err := ParseRRULE("RRULE:FREQ=MONTHLY;INTERVAL=2;BYDAY=MO,-1FR;BYSETPOS=1;COUNT=6;WKST=SU")
	require.NoError(t, err)

	assert.Equal(t, Monthly, r.Frequency)
	assert.Equal(t, 2, r.Interval)
	assert.Equal(t, 6, r.Count)
	assert.Equal(t, []WeekdaySel{{Day: time.Monday}, {Day: time.Friday, N: -1}}, r.ByDay)
	assert.Equal(t, []int{1}, r.BySetPos)
	assert.Equal(t, "SU", r.WeekStart)
	assert.Equal(t, "FREQ=MONTHLY;INTERVAL=2;COUNT=6;BYDAY=MO,-1FR;BYSETPOS=1;WKST=SU", r.String())
}

func TestParseRRULE_Until(t *testing.T) {
	r, err := ParseRRULE("FREQ=WEEKLY;UNTIL=20240301T120000Z")
	require.NoError(t, err)
	require.NotNil(t, r.Until)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), *r.Until)
	assert.Equal(t, "FREQ=WEEKLY;UNTIL=20240301T120000Z", r.String())
}

func TestParseRRULE_FloatingUntil(t *testing.T) {
	r, err := ParseRRULE("FREQ=DAILY;UNTIL=20240301T120000")
	require.NoError(t, err)
	require.NotNil(t, r.Until)
	assert.True(t, r.UntilFloating)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), *r.Until)
	assert.Equal(t, "FREQ=DAILY;UNTIL=20240301T120000", r.String())

	r, err = ParseRRULE("FREQ=DAILY;UNTIL=20240301T120000Z")
	require.NoError(t, err)
	assert.False(t, r.UntilFloating)
}

func TestParseRRULE_Rejects(t *testing.T) {
	for _, text := range []string{
		"",
		"FREQ=HOURLY",
		"FREQ=DAILY;BYHOUR=9",
		"FREQ=SOMETIMES",
	} {
		_, err := ParseRRULE(text)
		assert.ErrorIs(t, err, ErrInvalidRule, "text %q", text)
	}
}

func TestRuleValidate(t *testing.T) {
	until := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		rule Rule
		ok   bool
	}{
		{"plain daily", Rule{Frequency: Daily}, true},
		{"unknown frequency", Rule{Frequency: "hourly"}, false},
		{"negative interval", Rule{Frequency: Daily, Interval: -1}, false},
		{"count and until", Rule{Frequency: Daily, Count: 2, Until: &until}, false},
		{"ordinal on weekly", Rule{Frequency: Weekly, ByDay: []WeekdaySel{{Day: time.Monday, N: 1}}}, false},
		{"ordinal on monthly", Rule{Frequency: Monthly, ByDay: []WeekdaySel{{Day: time.Monday, N: -1}}}, true},
		{"monthly ordinal too large", Rule{Frequency: Monthly, ByDay: []WeekdaySel{{Day: time.Monday, N: 6}}}, false},
		{"month day on weekly", Rule{Frequency: Weekly, ByMonthDay: []int{1}}, false},
		{"month day zero", Rule{Frequency: Monthly, ByMonthDay: []int{0}}, false},
		{"month thirteen", Rule{Frequency: Yearly, ByMonth: []int{13}}, false},
		{"lonely set position", Rule{Frequency: Monthly, BySetPos: []int{1}}, false},
		{"bad week start", Rule{Frequency: Weekly, WeekStart: "XX"}, false},
		{"negative duration", Rule{Frequency: Daily, Duration: Duration(-time.Minute)}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rule.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRule)
			}
		})
	}
}

func TestRuleJSON(t *testing.T) {
	payload := `{
		"frequency": "annual",
		"by_day": ["2SU"],
		"by_month": [3],
		"dtstart": "2024-01-01T09:00:00",
		"duration": "PT1H30M",
		"ex_dates": ["2025-03-09T09:00:00"]
	}`
	var r Rule
	require.NoError(t, json.Unmarshal([]byte(payload), &r))

	assert.Equal(t, Yearly, r.Frequency)
	assert.Equal(t, []WeekdaySel{{Day: time.Sunday, N: 2}}, r.ByDay)
	assert.Equal(t, Date(2024, 1, 1, 9, 0, 0), r.DTStart)
	assert.Equal(t, 90*time.Minute, r.OccurrenceLength())
	require.Len(t, r.ExDates, 1)

	out, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"dtstart":"2024-01-01T09:00:00"`)
	assert.Contains(t, string(out), `"duration":"PT1H30M"`)
	assert.Contains(t, string(out), `"by_day":["2SU"]`)
}

func TestOccurrenceLength(t *testing.T) {
	end := Date(2024, 1, 2, 10, 0, 0)
	r := Rule{Frequency: Daily, DTStart: Date(2024, 1, 1, 9, 0, 0), DTEnd: &end}
	assert.Equal(t, 25*time.Hour, r.OccurrenceLength())

	r.Duration = Duration(time.Hour)
	assert.Equal(t, time.Hour, r.OccurrenceLength(), "explicit duration wins")
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"PT1H":      time.Hour,
		"P1D":       24 * time.Hour,
		"P1W":       7 * 24 * time.Hour,
		"P1DT2H30M": 26*time.Hour + 30*time.Minute,
		"PT45S":     45 * time.Second,
		"90m":       90 * time.Minute,
		"":          0,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, Duration(want), got, in)
	}

	for _, bad := range []string{"P", "PT", "P1Y", "soon"} {
		_, err := ParseDuration(bad)
		assert.ErrorIs(t, err, ErrInvalidRule, bad)
	}

	assert.Equal(t, "P1DT2H30M", Duration(26*time.Hour+30*time.Minute).String())
}

func TestParseLocalTime(t *testing.T) {
	for _, in := range []string{"2024-03-10T02:30:00", "2024-03-10T02:30", "20240310T023000"} {
		got, err := ParseLocalTime(in)
		require.NoError(t, err, in)
		assert.Equal(t, Date(2024, 3, 10, 2, 30, 0), got, in)
	}

	_, err := ParseLocalTime("2024-03-10T02:30:00Z")
	assert.ErrorIs(t, err, ErrInvalidRule)
}
