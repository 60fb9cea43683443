package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"calendo/internal/recurrence"
)

type expandFlags struct {
	rrule    string
	dtstart  string
	duration string
	tz       string
	from     string
	to       string
	max      int
	asJSON   bool
}

var expandOpts expandFlags

var expandCmd = &cobra.Command{
	Use:   "expand",
	Short: "Print the occurrences of an RRULE inside a window",
	Long: `Expand an RRULE anchored at a wall-clock dtstart in a timezone and print
each occurrence that overlaps [from, to).

Example:
  calendo expand --rrule "FREQ=MONTHLY;BYDAY=-1FR" --dtstart 2024-01-26T18:00:00 \
    --duration PT2H --tz Europe/Berlin --from 2024-01-01T00:00:00Z --to 2024-07-01T00:00:00Z`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runExpand(cmd.OutOrStdout(), expandOpts)
	},
}

func init() {
	f := expandCmd.Flags()
	f.StringVar(&expandOpts.rrule, "rrule", "", "RRULE text, e.g. FREQ=WEEKLY;BYDAY=MO,WE")
	f.StringVar(&expandOpts.dtstart, "dtstart", "", "Series start as wall clock, e.g. 2024-03-04T09:00:00")
	f.StringVar(&expandOpts.duration, "duration", "", "Occurrence length as ISO 8601, e.g. PT1H")
	f.StringVar(&expandOpts.tz, "tz", "UTC", "IANA timezone or fixed offset")
	f.StringVar(&expandOpts.from, "from", "", "Window start (RFC 3339)")
	f.StringVar(&expandOpts.to, "to", "", "Window end (RFC 3339)")
	f.IntVar(&expandOpts.max, "max", 0, "Maximum occurrences (0 for the default cap)")
	f.BoolVar(&expandOpts.asJSON, "json", false, "Print JSON instead of one line per occurrence")
	_ = expandCmd.MarkFlagRequired("rrule")
	_ = expandCmd.MarkFlagRequired("dtstart")
}

func runExpand(w io.Writer, o expandFlags) error {
	rule, err := recurrence.ParseRRULE(o.rrule)
	if err != nil {
		return err
	}
	if rule.DTStart, err = recurrence.ParseLocalTime(o.dtstart); err != nil {
		return err
	}
	if o.duration != "" {
		if rule.Duration, err = recurrence.ParseDuration(o.duration); err != nil {
			return err
		}
	}
	loc, err := recurrence.LoadLocation(o.tz)
	if err != nil {
		return err
	}

	window, err := expandWindow(rule.DTStart.In(loc), o.from, o.to)
	if err != nil {
		return err
	}

	res, err := recurrence.Expand(rule, loc, window, recurrence.Options{MaxOccurrences: o.max})
	if err != nil {
		return err
	}
	if o.asJSON {
		return printJSON(w, map[string]any{
			"rule":        rule.String(),
			"timezone":    loc.String(),
			"window":      window,
			"truncated":   res.Truncated,
			"occurrences": res.Occurrences,
		})
	}
	for _, occ := range res.Occurrences {
		if _, err := fmt.Fprintf(w, "%s  %s\n", occ.StartLocalRepr, occ.EndLocalRepr); err != nil {
			return err
		}
	}
	if res.Truncated {
		_, err = fmt.Fprintf(w, "# truncated after %d occurrences\n", len(res.Occurrences))
	}
	return err
}

// expandWindow parses --from/--to. A missing bound defaults to the series
// start and one year after the start.
func expandWindow(anchor time.Time, from, to string) (recurrence.Window, error) {
	w := recurrence.Window{Start: anchor.UTC(), End: anchor.AddDate(1, 0, 0).UTC()}
	var err error
	if from != "" {
		if w.Start, err = time.Parse(time.RFC3339, from); err != nil {
			return w, fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if w.End, err = time.Parse(time.RFC3339, to); err != nil {
			return w, fmt.Errorf("--to: %w", err)
		}
	}
	if !w.End.After(w.Start) {
		return w, errors.New("--to must be after --from")
	}
	return w, nil
}
