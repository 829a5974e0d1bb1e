package controller

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts standard 5-field cron expressions as well as descriptors such
// as @every 30s and @hourly.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a poll schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := Parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// ScheduleInterval estimates the typical interval between ticks by comparing
// two consecutive activations after now.
func ScheduleInterval(schedule cron.Schedule, now time.Time) time.Duration {
	next := schedule.Next(now)
	return schedule.Next(next).Sub(next)
}

// ValidateSchedule parses expr and returns a warning when ticks fire more often
// than a single tick may run. Overlapping ticks are skipped, so such a schedule
// silently polls less often than configured.
func ValidateSchedule(expr string, tickTimeout time.Duration) (warning string, err error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return "", err
	}

	interval := ScheduleInterval(schedule, time.Now().UTC())
	if interval < tickTimeout {
		warning = fmt.Sprintf("poll interval %v is shorter than the tick timeout %v; ticks still running when the next one is due are skipped", interval, tickTimeout)
	}
	return warning, nil
}
