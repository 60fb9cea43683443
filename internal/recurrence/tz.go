package recurrence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var fixedOffsetRe = regexp.MustCompile(`^(?:UTC|GMT)?\s*([+-])(\d{1,2})(?::?(\d{2}))?$`)

// LoadLocation resolves an IANA zone name, "UTC"/"Z"/"GMT", or a fixed
// offset such as "+05:45", "UTC-03:30" or "GMT+14". An empty name is UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	switch strings.ToUpper(name) {
	case "", "UTC", "Z", "GMT", "ETC/UTC":
		return time.UTC, nil
	}

	if m := fixedOffsetRe.FindStringSubmatch(strings.ToUpper(name)); m != nil {
		hours, _ := strconv.Atoi(m[2])
		mins := 0
		if m[3] != "" {
			mins, _ = strconv.Atoi(m[3])
		}
		if hours > 14 || mins > 59 || (hours == 14 && mins > 0) {
			return nil, fmt.Errorf("%w: offset %q out of range", ErrUnknownTimezone, name)
		}
		secs := hours*3600 + mins*60
		if m[1] == "-" {
			secs = -secs
		}
		if secs == 0 {
			return time.UTC, nil
		}
		return time.FixedZone(formatOffset(secs), secs), nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnknownTimezone, name, err)
	}
	return loc, nil
}

func formatOffset(secs int) string {
	sign := '+'
	if secs < 0 {
		sign = '-'
		secs = -secs
	}
	return fmt.Sprintf("UTC%c%02d:%02d", sign, secs/3600, (secs%3600)/60)
}

// Offsets are sampled this far on either side of a wall-clock time. It has
// to exceed the largest UTC offset swing plus the longest known gap (Samoa
// skipped a whole day in 2011).
const (
	probeSpan = 48 * time.Hour
	probeStep = 3 * time.Hour
)

// ResolveWallClock maps a wall-clock reading in loc to an instant.
//
// Times in a spring-forward gap use the offset in force before the gap, so
// the reading moves forward by the gap length (02:30 becomes 03:30 when
// 02:00 jumps to 03:00). Times in a fall-back overlap take the earlier of
// the two instants. Only the date and clock fields of wall are used.
func ResolveWallClock(wall time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	naive := floating(wall)

	off := offsetAt(naive, loc)
	if offsetAt(naive.Add(-26*time.Hour), loc) == off && offsetAt(naive.Add(26*time.Hour), loc) == off {
		return naive.Add(-time.Duration(off) * time.Second).In(loc)
	}

	offsets := make(map[int]struct{})
	for d := -probeSpan; d <= probeSpan; d += probeStep {
		offsets[offsetAt(naive.Add(d), loc)] = struct{}{}
	}

	var (
		best      time.Time
		found     bool
		gapPick   time.Time
		gapShift  time.Duration
		gapPicked bool
	)
	for o := range offsets {
		t := naive.Add(-time.Duration(o) * time.Second)
		shown := floating(t.In(loc))
		if shown.Equal(naive) {
			if !found || t.Before(best) {
				best, found = t, true
			}
			continue
		}
		if shift := shown.Sub(naive); shift > 0 && (!gapPicked || shift < gapShift || (shift == gapShift && t.Before(gapPick))) {
			gapPick, gapShift, gapPicked = t, shift, true
		}
	}
	if found {
		return best.In(loc)
	}
	if gapPicked {
		return gapPick.In(loc)
	}
	return naive.Add(-time.Duration(off) * time.Second).In(loc)
}

// floating returns t's wall clock as a UTC time.
func floating(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func offsetAt(t time.Time, loc *time.Location) int {
	_, off := t.In(loc).Zone()
	return off
}
