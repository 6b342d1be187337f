package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitsmaxft/nanoclaw/internal/store"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ComputeNextRun implements spec.md §4.8/§4.9's next_run computation: cron
// via a standard 5-field parser in the configured timezone, interval as
// now+ms, once as the parsed absolute instant. Returns a nil time for a
// "once" schedule whose instant has already passed, signalling completion.
func ComputeNextRun(kind store.ScheduleKind, value string, tz string, now time.Time) (*time.Time, error) {
	switch kind {
	case store.ScheduleCron:
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler: load timezone %q: %w", tz, err)
		}
		sched, err := cronParser.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("scheduler: parse cron expression %q: %w", value, err)
		}
		next := sched.Next(now.In(loc))
		return &next, nil

	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("scheduler: parse interval %q: %w", value, err)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil

	case store.ScheduleOnce:
		at, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return nil, fmt.Errorf("scheduler: parse once-instant %q: %w", value, err)
		}
		if !at.After(now) {
			return nil, nil
		}
		return &at, nil

	default:
		return nil, fmt.Errorf("scheduler: unknown schedule kind %q", kind)
	}
}
