package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLocation(t *testing.T) {
	tests := []struct {
		in         string
		wantOffset int
	}{
		{"", 0},
		{"UTC", 0},
		{"Z", 0},
		{"+05:45", 5*3600 + 45*60},
		{"UTC-03:30", -(3*3600 + 30*60)},
		{"GMT+14", 14 * 3600},
		{"+0530", 5*3600 + 30*60},
		{"-00:00", 0},
	}
	ref := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, tc := range tests {
		loc, err := LoadLocation(tc.in)
		require.NoError(t, err, tc.in)
		_, off := ref.In(loc).Zone()
		assert.Equal(t, tc.wantOffset, off, tc.in)
	}

	loc, err := LoadLocation("Asia/Kathmandu")
	require.NoError(t, err)
	_, off := ref.In(loc).Zone()
	assert.Equal(t, 5*3600+45*60, off)

	for _, bad := range []string{"Mars/Olympus_Mons", "+15:00", "UTC+12:75"} {
		_, err := LoadLocation(bad)
		assert.ErrorIs(t, err, ErrUnknownTimezone, bad)
	}
}

func TestResolveWallClock(t *testing.T) {
	ny := mustLoc(t, "America/New_York")

	tests := []struct {
		name string
		wall time.Time
		want string
	}{
		{"ordinary winter", time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), "2024-01-15T09:00:00-05:00"},
		{"ordinary summer", time.Date(2024, 7, 15, 9, 0, 0, 0, time.UTC), "2024-07-15T09:00:00-04:00"},
		{"just before gap", time.Date(2024, 3, 10, 1, 59, 0, 0, time.UTC), "2024-03-10T01:59:00-05:00"},
		{"inside gap", time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC), "2024-03-10T03:00:00-04:00"},
		{"end of gap", time.Date(2024, 3, 10, 2, 59, 0, 0, time.UTC), "2024-03-10T03:59:00-04:00"},
		{"after gap", time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC), "2024-03-10T03:00:00-04:00"},
		{"start of overlap", time.Date(2024, 11, 3, 1, 0, 0, 0, time.UTC), "2024-11-03T01:00:00-04:00"},
		{"inside overlap", time.Date(2024, 11, 3, 1, 45, 0, 0, time.UTC), "2024-11-03T01:45:00-04:00"},
		{"after overlap", time.Date(2024, 11, 3, 2, 0, 0, 0, time.UTC), "2024-11-03T02:00:00-05:00"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveWallClock(tc.wall, ny)
			assert.Equal(t, tc.want, got.Format(time.RFC3339))
		})
	}
}

func TestResolveWallClock_IgnoresSourceZone(t *testing.T) {
	tokyo := mustLoc(t, "Asia/Tokyo")
	wall := time.Date(2024, 1, 15, 9, 0, 0, 0, tokyo)
	got := ResolveWallClock(wall, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), got)
}
