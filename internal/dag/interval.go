package dag

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DataInterval computes the data window covered by a run at the given logical
// date. A cron-scheduled DAG covers [logical, next tick); an unscheduled DAG
// gets the degenerate [logical, logical] interval.
func (d *DAG) DataInterval(logical time.Time) (time.Time, time.Time, error) {
	logical = logical.UTC()
	if d.Schedule == "" {
		return logical, logical, nil
	}
	sched, err := cron.ParseStandard(d.Schedule)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("dag %s: parse schedule %q: %w", d.ID, d.Schedule, err)
	}
	return logical, sched.Next(logical).UTC(), nil
}

// ValidateSchedule reports whether the DAG's schedule expression parses.
func (d *DAG) ValidateSchedule() error {
	if d.Schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(d.Schedule); err != nil {
		return fmt.Errorf("dag %s: parse schedule %q: %w", d.ID, d.Schedule, err)
	}
	return nil
}

// Run id conventions: the run type, a double underscore and the logical date.
func ManualRunID(logical time.Time) string {
	return "manual__" + logical.UTC().Format(time.RFC3339)
}

func ScheduledRunID(logical time.Time) string {
	return "scheduled__" + logical.UTC().Format(time.RFC3339)
}

func BackfillRunID(logical time.Time) string {
	return "backfill__" + logical.UTC().Format(time.RFC3339)
}
