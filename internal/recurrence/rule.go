package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

var (
	ErrInvalidRule     = errors.New("invalid recurrence rule")
	ErrUnknownTimezone = errors.New("unknown timezone")
	ErrInvalidWindow   = errors.New("invalid window")
)

// Frequency is the base stepping unit of a rule.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

// ParseFrequency accepts the lowercase names, the RFC 5545 spellings and
// "annual"/"annually" as aliases of yearly.
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily":
		return Daily, nil
	case "weekly":
		return Weekly, nil
	case "monthly":
		return Monthly, nil
	case "yearly", "annual", "annually":
		return Yearly, nil
	}
	return "", fmt.Errorf("%w: unsupported frequency %q", ErrInvalidRule, s)
}

func (f *Frequency) UnmarshalText(b []byte) error {
	v, err := ParseFrequency(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

var rruleFreq = map[Frequency]rrule.Frequency{
	Daily:   rrule.DAILY,
	Weekly:  rrule.WEEKLY,
	Monthly: rrule.MONTHLY,
	Yearly:  rrule.YEARLY,
}

var dayCodes = [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

func parseDayCode(s string) (time.Weekday, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, c := range dayCodes {
		if c == s {
			return time.Weekday(i), nil
		}
	}
	return 0, fmt.Errorf("%w: bad weekday %q", ErrInvalidRule, s)
}

// rruleWeekday maps time.Weekday (Sunday first) onto rrule-go's Monday-first set.
func rruleWeekday(d time.Weekday) rrule.Weekday {
	days := [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}
	return days[d]
}

// fromRRuleDay converts rrule-go's 0=Monday numbering.
func fromRRuleDay(d int) time.Weekday {
	return time.Weekday((d + 1) % 7)
}

// WeekdaySel is one BYDAY entry: MO, 2TU, -1FR.
type WeekdaySel struct {
	Day time.Weekday
	N   int
}

func ParseWeekdaySel(s string) (WeekdaySel, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 2 {
		return WeekdaySel{}, fmt.Errorf("%w: bad weekday %q", ErrInvalidRule, s)
	}
	code := s[len(s)-2:]
	day, err := parseDayCode(code)
	if err != nil {
		return WeekdaySel{}, err
	}
	sel := WeekdaySel{Day: day}
	if prefix := s[:len(s)-2]; prefix != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(prefix, "+"))
		if err != nil || n == 0 {
			return WeekdaySel{}, fmt.Errorf("%w: bad weekday ordinal %q", ErrInvalidRule, s)
		}
		sel.N = n
	}
	return sel, nil
}

func (w WeekdaySel) String() string {
	if w.N == 0 {
		return dayCodes[w.Day]
	}
	return strconv.Itoa(w.N) + dayCodes[w.Day]
}

func (w WeekdaySel) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

func (w *WeekdaySel) UnmarshalText(b []byte) error {
	v, err := ParseWeekdaySel(string(b))
	if err != nil {
		return err
	}
	*w = v
	return nil
}

// Rule is a recurrence pattern plus the series it is anchored to.
//
// The RRULE parts (frequency through WeekStart) follow RFC 5545. DTStart,
// DTEnd, ExDates and RDates are local wall-clock values; they are bound to
// a timezone only at expansion time.
type Rule struct {
	Frequency  Frequency    `json:"frequency"`
	Interval   int          `json:"interval,omitempty"`
	ByDay      []WeekdaySel `json:"by_day,omitempty"`
	ByMonthDay []int        `json:"by_month_day,omitempty"`
	ByMonth    []int        `json:"by_month,omitempty"`
	BySetPos   []int        `json:"by_set_pos,omitempty"`
	Count      int          `json:"count,omitempty"`
	Until      *time.Time   `json:"until,omitempty"`
	// UntilFloating marks an UNTIL written without "Z". Until then holds the
	// wall clock as a UTC reading and is resolved in the series zone.
	UntilFloating bool   `json:"until_floating,omitempty"`
	WeekStart     string `json:"week_start,omitempty"`

	DTStart  LocalTime   `json:"dtstart"`
	DTEnd    *LocalTime  `json:"dtend,omitempty"`
	Duration Duration    `json:"duration,omitempty"`
	ExDates  []LocalTime `json:"ex_dates,omitempty"`
	RDates   []LocalTime `json:"r_dates,omitempty"`
}

// ParseRRULE parses an RFC 5545 RRULE value such as
// "FREQ=MONTHLY;BYDAY=MO,TU;BYSETPOS=-1". The returned rule has no DTStart.
func ParseRRULE(text string) (Rule, error) {
	text = strings.TrimSpace(text)
	if len(text) >= 6 && strings.EqualFold(text[:6], "RRULE:") {
		text = text[6:]
	}
	if text == "" {
		return Rule{}, fmt.Errorf("%w: empty rule", ErrInvalidRule)
	}

	opt, err := rrule.StrToROption(text)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	var r Rule
	switch opt.Freq {
	case rrule.DAILY:
		r.Frequency = Daily
	case rrule.WEEKLY:
		r.Frequency = Weekly
	case rrule.MONTHLY:
		r.Frequency = Monthly
	case rrule.YEARLY:
		r.Frequency = Yearly
	default:
		return Rule{}, fmt.Errorf("%w: unsupported frequency %v", ErrInvalidRule, opt.Freq)
	}
	if len(opt.Byhour) > 0 || len(opt.Byminute) > 0 || len(opt.Bysecond) > 0 ||
		len(opt.Byyearday) > 0 || len(opt.Byweekno) > 0 || len(opt.Byeaster) > 0 {
		return Rule{}, fmt.Errorf("%w: unsupported rule part in %q", ErrInvalidRule, text)
	}

	r.Interval = opt.Interval
	r.Count = opt.Count
	if !opt.Until.IsZero() {
		u := opt.Until.UTC()
		r.Until = &u
		r.UntilFloating = untilIsFloating(text)
	}
	r.ByMonth = opt.Bymonth
	r.ByMonthDay = opt.Bymonthday
	r.BySetPos = opt.Bysetpos
	for _, wd := range opt.Byweekday {
		r.ByDay = append(r.ByDay, WeekdaySel{Day: fromRRuleDay(wd.Day()), N: wd.N()})
	}
	if strings.Contains(strings.ToUpper(text), "WKST=") {
		r.WeekStart = dayCodes[fromRRuleDay(opt.Wkst.Day())]
	}
	return r, nil
}

// String renders the RRULE parts of r. Series fields are not included.
func (r Rule) String() string {
	parts := []string{"FREQ=" + strings.ToUpper(string(r.Frequency))}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if r.Count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(r.Count))
	}
	if r.Until != nil {
		layout := "20060102T150405Z"
		if r.UntilFloating {
			layout = "20060102T150405"
		}
		parts = append(parts, "UNTIL="+r.Until.UTC().Format(layout))
	}
	if len(r.ByMonth) > 0 {
		parts = append(parts, "BYMONTH="+joinInts(r.ByMonth))
	}
	if len(r.ByMonthDay) > 0 {
		parts = append(parts, "BYMONTHDAY="+joinInts(r.ByMonthDay))
	}
	if len(r.ByDay) > 0 {
		days := make([]string, len(r.ByDay))
		for i, d := range r.ByDay {
			days[i] = d.String()
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	if len(r.BySetPos) > 0 {
		parts = append(parts, "BYSETPOS="+joinInts(r.BySetPos))
	}
	if r.WeekStart != "" {
		parts = append(parts, "WKST="+strings.ToUpper(r.WeekStart))
	}
	return strings.Join(parts, ";")
}

func joinInts(v []int) string {
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ",")
}

// Validate checks the RFC 5545 constraints the engine relies on.
// DTStart is not checked here; see ValidateSeries.
func (r Rule) Validate() error {
	if _, ok := rruleFreq[r.Frequency]; !ok {
		return fmt.Errorf("%w: unsupported frequency %q", ErrInvalidRule, r.Frequency)
	}
	if r.Interval < 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidRule)
	}
	if r.Count < 0 {
		return fmt.Errorf("%w: count must not be negative", ErrInvalidRule)
	}
	if r.Count > 0 && r.Until != nil {
		return fmt.Errorf("%w: count and until are mutually exclusive", ErrInvalidRule)
	}
	for _, d := range r.ByDay {
		if d.Day < time.Sunday || d.Day > time.Saturday {
			return fmt.Errorf("%w: bad weekday %d", ErrInvalidRule, d.Day)
		}
		if d.N == 0 {
			continue
		}
		switch r.Frequency {
		case Monthly:
			if d.N < -5 || d.N > 5 {
				return fmt.Errorf("%w: monthly weekday ordinal %d out of range", ErrInvalidRule, d.N)
			}
		case Yearly:
			if d.N < -53 || d.N > 53 {
				return fmt.Errorf("%w: yearly weekday ordinal %d out of range", ErrInvalidRule, d.N)
			}
		default:
			return fmt.Errorf("%w: weekday ordinals need a monthly or yearly rule", ErrInvalidRule)
		}
	}
	if len(r.ByMonthDay) > 0 && r.Frequency == Weekly {
		return fmt.Errorf("%w: by_month_day is not allowed with a weekly rule", ErrInvalidRule)
	}
	for _, d := range r.ByMonthDay {
		if d == 0 || d < -31 || d > 31 {
			return fmt.Errorf("%w: month day %d out of range", ErrInvalidRule, d)
		}
	}
	for _, m := range r.ByMonth {
		if m < 1 || m > 12 {
			return fmt.Errorf("%w: month %d out of range", ErrInvalidRule, m)
		}
	}
	for _, p := range r.BySetPos {
		if p == 0 || p < -366 || p > 366 {
			return fmt.Errorf("%w: set position %d out of range", ErrInvalidRule, p)
		}
	}
	if len(r.BySetPos) > 0 && len(r.ByDay) == 0 && len(r.ByMonthDay) == 0 && len(r.ByMonth) == 0 {
		return fmt.Errorf("%w: by_set_pos needs another by-rule", ErrInvalidRule)
	}
	if r.WeekStart != "" {
		if _, err := parseDayCode(r.WeekStart); err != nil {
			return err
		}
	}
	if r.Duration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidRule)
	}
	if r.DTEnd != nil && !r.DTStart.IsZero() && r.DTEnd.Before(r.DTStart.Time) {
		return fmt.Errorf("%w: dtend before dtstart", ErrInvalidRule)
	}
	return nil
}

// ValidateSeries is Validate plus the requirement of an anchor.
func (r Rule) ValidateSeries() error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.DTStart.IsZero() {
		return fmt.Errorf("%w: dtstart is required", ErrInvalidRule)
	}
	return nil
}

// OccurrenceLength is the wall-clock length of each occurrence. An explicit
// duration wins over dtend.
func (r Rule) OccurrenceLength() time.Duration {
	if r.Duration > 0 {
		return time.Duration(r.Duration)
	}
	if r.DTEnd != nil && !r.DTStart.IsZero() {
		return r.DTEnd.Sub(r.DTStart.Time)
	}
	return 0
}

// untilIsFloating reports whether the UNTIL part of text lacks the UTC
// designator.
func untilIsFloating(text string) bool {
	for _, part := range strings.Split(text, ";") {
		k, v, ok := strings.Cut(part, "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "UNTIL") {
			v = strings.TrimSpace(v)
			return !strings.HasSuffix(strings.ToUpper(v), "Z")
		}
	}
	return false
}

// untilIn returns the UNTIL instant for a series in loc and the same bound
// as a wall-clock reading.
func (r Rule) untilIn(loc *time.Location) (instant, wall time.Time) {
	if r.UntilFloating {
		wall = r.Until.UTC()
		return ResolveWallClock(wall, loc), wall
	}
	return *r.Until, floating(r.Until.In(loc))
}

// roption builds the rrule-go options in floating (UTC) wall-clock time.
// untilWall is a wall-clock bound at or past UNTIL; callers apply the exact
// bound to resolved instants.
func (r Rule) roption(untilWall time.Time) rrule.ROption {
	interval := r.Interval
	if interval == 0 {
		interval = 1
	}
	o := rrule.ROption{
		Freq:       rruleFreq[r.Frequency],
		Dtstart:    r.DTStart.Time,
		Interval:   interval,
		Count:      r.Count,
		Until:      untilWall,
		Bymonth:    r.ByMonth,
		Bymonthday: r.ByMonthDay,
		Bysetpos:   r.BySetPos,
		Wkst:       rrule.MO,
	}
	if r.WeekStart != "" {
		if d, err := parseDayCode(r.WeekStart); err == nil {
			o.Wkst = rruleWeekday(d)
		}
	}
	for _, d := range r.ByDay {
		wd := rruleWeekday(d.Day)
		if d.N != 0 {
			wd = wd.Nth(d.N)
		}
		o.Byweekday = append(o.Byweekday, wd)
	}
	return o
}
