package recurrence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// LocalTime is a wall-clock reading with no zone attached. It is stored as
// a UTC time.Time whose fields are the wall-clock fields.
type LocalTime struct {
	time.Time
}

const LocalLayout = "2006-01-02T15:04:05"

var localLayouts = []string{
	LocalLayout,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"20060102T150405",
	"2006-01-02",
	"20060102",
}

// Wall returns the wall clock of t in its own location.
func Wall(t time.Time) LocalTime {
	return LocalTime{Time: floating(t)}
}

// Date builds a LocalTime from fields.
func Date(year int, month time.Month, day, hour, min, sec int) LocalTime {
	return LocalTime{Time: time.Date(year, month, day, hour, min, sec, 0, time.UTC)}
}

// ParseLocalTime accepts ISO-8601 date or date-time text without an offset.
// Text carrying a zone designator is rejected: the zone of a series comes
// from its timezone field.
func ParseLocalTime(s string) (LocalTime, error) {
	s = strings.TrimSpace(s)
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return LocalTime{Time: t}, nil
		}
	}
	return LocalTime{}, fmt.Errorf("%w: %q is not a local date-time", ErrInvalidRule, s)
}

// In resolves the reading to an instant in loc.
func (l LocalTime) In(loc *time.Location) time.Time {
	return ResolveWallClock(l.Time, loc)
}

func (l LocalTime) Add(d time.Duration) LocalTime {
	return LocalTime{Time: l.Time.Add(d)}
}

func (l LocalTime) String() string {
	if l.IsZero() {
		return ""
	}
	return l.Format(LocalLayout)
}

func (l LocalTime) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *LocalTime) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*l = LocalTime{}
		return nil
	}
	v, err := ParseLocalTime(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// MarshalJSON and UnmarshalJSON shadow the promoted time.Time methods.
func (l LocalTime) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(l.String())), nil
}

func (l *LocalTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*l = LocalTime{}
		return nil
	}
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("%w: local date-time must be a string", ErrInvalidRule)
	}
	return l.UnmarshalText([]byte(s))
}

// Duration is a wall-clock length. Its text form is ISO 8601 ("PT1H30M",
// "P1D"); Go duration strings ("90m") are accepted on input.
type Duration time.Duration

var isoDurationRe = regexp.MustCompile(`^P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if m := isoDurationRe.FindStringSubmatch(strings.ToUpper(s)); m != nil && s != "P" && !strings.HasSuffix(strings.ToUpper(s), "T") {
		units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
		var total time.Duration
		for i, u := range units {
			if m[i+1] == "" {
				continue
			}
			n, err := strconv.Atoi(m[i+1])
			if err != nil {
				return 0, fmt.Errorf("%w: bad duration %q", ErrInvalidRule, s)
			}
			total += time.Duration(n) * u
		}
		return Duration(total), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad duration %q", ErrInvalidRule, s)
	}
	return Duration(d), nil
}

func (d Duration) String() string {
	if d <= 0 {
		return "PT0S"
	}
	rest := time.Duration(d)
	var b strings.Builder
	b.WriteByte('P')
	if days := rest / (24 * time.Hour); days > 0 {
		fmt.Fprintf(&b, "%dD", days)
		rest -= days * 24 * time.Hour
	}
	if rest > 0 {
		b.WriteByte('T')
		if h := rest / time.Hour; h > 0 {
			fmt.Fprintf(&b, "%dH", h)
			rest -= h * time.Hour
		}
		if m := rest / time.Minute; m > 0 {
			fmt.Fprintf(&b, "%dM", m)
			rest -= m * time.Minute
		}
		if s := rest / time.Second; s > 0 {
			fmt.Fprintf(&b, "%dS", s)
		}
	}
	return b.String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
