// Package schedule evaluates cron expressions for triggered jobs.
package schedule

import (
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Never is returned by GetNextInterval for expressions that have no future
// occurrence.
const Never = time.Duration(math.MaxInt64)

// parser accepts standard 5-field expressions, 6-field expressions with a
// leading seconds field, descriptors such as @hourly and @every 5m, and a
// CRON_TZ= prefix.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule is an immutable parsed cron expression.
type Schedule struct {
	expr  string
	sched cron.Schedule
	now   func() time.Time
}

// Option configures a Schedule.
type Option func(*Schedule)

// WithClock overrides the time source GetNextInterval measures against.
func WithClock(now func() time.Time) Option {
	return func(s *Schedule) { s.now = now }
}

// Parse parses expr.
func Parse(expr string, opts ...Option) (*Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s := &Schedule{expr: expr, sched: sched, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BuildSchedule parses expr and returns nil, after logging a warning, when
// it is malformed. A nil Schedule means "not scheduled".
func BuildSchedule(expr string, logger *zap.Logger, opts ...Option) *Schedule {
	s, err := Parse(expr, opts...)
	if err != nil {
		if logger != nil {
			logger.Warn("ignoring invalid schedule", zap.String("schedule", expr), zap.Error(err))
		}
		return nil
	}
	return s
}

// String returns the expression the schedule was built from.
func (s *Schedule) String() string {
	return s.expr
}

// Next returns the first occurrence strictly after t, or the zero time if
// there is none within the search window.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.sched.Next(t)
}

// GetNextInterval returns how long to wait from now until the first
// occurrence after lastRun. It returns 0 when that occurrence is now or
// already past: the job is due.
//
// However many occurrences were missed, a due job yields a single 0, so the
// result does not depend on ignoreMissed. The flag is accepted so callers
// state their catch-up policy at the call site; it is not read. A caller
// that wants each missed occurrence replays them itself by advancing lastRun
// to Next(lastRun) and asking again. A zero lastRun means the job never ran
// and is always due.
func (s *Schedule) GetNextInterval(lastRun time.Time, ignoreMissed bool) time.Duration {
	now := s.now()

	if lastRun.IsZero() {
		return 0
	}

	next := s.sched.Next(lastRun)
	if next.IsZero() {
		// Nothing in the window after lastRun. If something follows now,
		// occurrences were missed while lastRun went stale.
		if s.sched.Next(now).IsZero() {
			return Never
		}
		return 0
	}

	if !next.After(now) {
		return 0
	}
	return next.Sub(now)
}
