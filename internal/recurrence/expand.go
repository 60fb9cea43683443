package recurrence

import (
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calendo/internal/log"
)

const (
	DefaultMaxOccurrences = 5000
	DefaultMaxIterations  = 500000

	// Wall-clock readings this far outside the window are never examined.
	// Covers the widest offset difference plus a full-day gap.
	windowPad = 48 * time.Hour
)

// Window is the half-open instant range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidWindow)
	}
	if !w.End.After(w.Start) {
		return fmt.Errorf("%w: end must be after start", ErrInvalidWindow)
	}
	return nil
}

// Contains reports whether [start, end) overlaps the window. Zero-length
// spans count when start lies inside it.
func (w Window) Contains(start, end time.Time) bool {
	if !end.After(start) {
		return !start.Before(w.Start) && start.Before(w.End)
	}
	return start.Before(w.End) && end.After(w.Start)
}

// Occurrence is one concrete instance of a series.
type Occurrence struct {
	StartUTC       time.Time `json:"start_utc"`
	EndUTC         time.Time `json:"end_utc"`
	StartLocalRepr string    `json:"start_local_repr"`
	EndLocalRepr   string    `json:"end_local_repr"`
}

// Options bounds an expansion. Zero values pick the defaults.
type Options struct {
	MaxOccurrences int
	MaxIterations  int
}

type Result struct {
	Occurrences []Occurrence
	// Truncated is set when either bound in Options cut the expansion short.
	Truncated bool
}

// Expand produces the occurrences of rule in loc that overlap window.
//
// Stepping is done on floating wall-clock readings, so DST never moves the
// local time of day; each reading is then bound to an instant with
// ResolveWallClock. Output is sorted by start, then end, with duplicate
// starts removed. The result depends only on the arguments.
func Expand(rule Rule, loc *time.Location, window Window, opts Options) (Result, error) {
	var res Result

	if err := rule.ValidateSeries(); err != nil {
		return res, err
	}
	if err := window.Validate(); err != nil {
		return res, err
	}
	if loc == nil {
		loc = time.UTC
	}
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = DefaultMaxOccurrences
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}

	length := rule.OccurrenceLength()

	// rrule-go only sees wall clock, so it gets a padded UNTIL and the exact
	// bound is applied to resolved instants below.
	var until, untilWall time.Time
	if rule.Until != nil {
		until, untilWall = rule.untilIn(loc)
		untilWall = untilWall.Add(windowPad)
	}
	rr, err := rrule.NewRRule(rule.roption(untilWall))
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	var set rrule.Set
	set.RRule(rr)
	for _, ex := range sortedWalls(rule.ExDates) {
		set.ExDate(ex)
	}
	rdates := make(map[time.Time]bool, len(rule.RDates))
	for _, rd := range sortedWalls(rule.RDates) {
		set.RDate(rd)
		rdates[rd] = true
	}

	lower := floating(window.Start.In(loc)).Add(-windowPad - length)
	upper := floating(window.End.In(loc)).Add(windowPad)

	out := make([]Occurrence, 0)
	var (
		cutoff     time.Time
		iterations int
	)
	next := set.Iterator()
	for {
		wall, ok := next()
		if !ok || wall.After(upper) {
			break
		}
		if !cutoff.IsZero() && wall.After(cutoff) {
			break
		}
		iterations++
		if iterations > opts.MaxIterations {
			res.Truncated = true
			break
		}
		if wall.Before(lower) {
			continue
		}

		start := ResolveWallClock(wall, loc)
		if rule.Until != nil && start.After(until) && !rdates[wall] {
			continue
		}
		end := ResolveWallClock(wall.Add(length), loc)
		if end.Before(start) {
			end = start
		}
		if !window.Contains(start, end) {
			continue
		}
		out = append(out, makeOccurrence(start, end, loc))

		// Past the cap, keep reading only long enough to catch readings that
		// a gap shift could move ahead of what we already have.
		if cutoff.IsZero() && len(out) > opts.MaxOccurrences {
			cutoff = wall.Add(windowPad)
		}
	}

	out = sortAndDedupe(out)
	if len(out) > opts.MaxOccurrences {
		out = out[:opts.MaxOccurrences]
		res.Truncated = true
	}
	if res.Truncated {
		appLog.Warn("recurrence expansion truncated",
			"rule", rule.String(),
			"max_occurrences", opts.MaxOccurrences,
			"iterations", iterations,
		)
	}

	res.Occurrences = out
	return res, nil
}

func sortedWalls(v []LocalTime) []time.Time {
	out := make([]time.Time, len(v))
	for i, l := range v {
		out[i] = l.Time
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func makeOccurrence(start, end time.Time, loc *time.Location) Occurrence {
	return Occurrence{
		StartUTC:       start.UTC(),
		EndUTC:         end.UTC(),
		StartLocalRepr: start.In(loc).Format(time.RFC3339),
		EndLocalRepr:   end.In(loc).Format(time.RFC3339),
	}
}

func sortAndDedupe(occ []Occurrence) []Occurrence {
	sort.SliceStable(occ, func(i, j int) bool {
		if !occ[i].StartUTC.Equal(occ[j].StartUTC) {
			return occ[i].StartUTC.Before(occ[j].StartUTC)
		}
		return occ[i].EndUTC.Before(occ[j].EndUTC)
	})
	out := occ[:0]
	for i, o := range occ {
		if i > 0 && o.StartUTC.Equal(out[len(out)-1].StartUTC) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Single returns the one occurrence of a non-recurring span if it overlaps
// window. It shares resolution and formatting with Expand.
func Single(start LocalTime, length time.Duration, loc *time.Location, window Window) (Occurrence, bool) {
	if loc == nil {
		loc = time.UTC
	}
	s := start.In(loc)
	e := start.Add(length).In(loc)
	if e.Before(s) {
		e = s
	}
	if !window.Contains(s, e) {
		return Occurrence{}, false
	}
	return makeOccurrence(s, e, loc), true
}
