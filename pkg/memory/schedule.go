package memory

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind selects how the consolidation loop computes its next run.
type ScheduleKind string

const (
	// ScheduleKindEvery runs on a fixed interval.
	ScheduleKindEvery ScheduleKind = "every"
	// ScheduleKindCron runs on a cron expression, timezone-aware.
	ScheduleKindCron ScheduleKind = "cron"
)

// Schedule describes when consolidation runs.
type Schedule struct {
	Kind         ScheduleKind `json:"kind" mapstructure:"kind"`
	EverySeconds int          `json:"every_seconds" mapstructure:"every_seconds"`
	Expr         string       `json:"expr" mapstructure:"expr"`
	TZ           string       `json:"tz" mapstructure:"tz"`
}

func (s *Schedule) applyDefaults() {
	if s.Kind == "" {
		s.Kind = ScheduleKindEvery
	}
	if s.Kind == ScheduleKindEvery && s.EverySeconds <= 0 {
		s.EverySeconds = 300
	}
}

// NextRun computes the next run time after now.
func (s Schedule) NextRun(now time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleKindEvery:
		if s.EverySeconds <= 0 {
			return time.Time{}, fmt.Errorf("'every' schedule requires positive 'every_seconds' value")
		}
		return now.Add(time.Duration(s.EverySeconds) * time.Second), nil
	case ScheduleKindCron:
		return s.nextCronRun(now)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
}

func (s Schedule) nextCronRun(now time.Time) (time.Time, error) {
	if s.Expr == "" {
		return time.Time{}, fmt.Errorf("'cron' schedule requires 'expr' field")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(s.Expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}

	if s.TZ != "" {
		loc, err := time.LoadLocation(s.TZ)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
		}
		now = now.In(loc)
	}

	return sched.Next(now), nil
}

// Validate reports whether the schedule can produce a next run.
func (s Schedule) Validate() error {
	_, err := s.NextRun(time.Now())
	return err
}
