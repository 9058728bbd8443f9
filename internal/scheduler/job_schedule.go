package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"deployagent/internal/schedule"
)

// Schedule states.
const (
	StateUnscheduled = "unscheduled"
	StateArmed       = "armed"
	StateFiring      = "firing"
	StateDisposed    = "disposed"
)

// Snapshot is a point-in-time view of one job schedule.
type Snapshot struct {
	Job      string    `json:"job"`
	Schedule string    `json:"schedule"`
	State    string    `json:"state"`
	NextRun  time.Time `json:"next_run,omitempty"`
}

// JobSchedule binds one triggered job to a Schedule and keeps a single timer
// armed for its next occurrence.
type JobSchedule struct {
	name     string
	onFire   func(*JobSchedule)
	logger   *zap.Logger
	maxTimer time.Duration
	now      func() time.Time

	mu       sync.Mutex
	sched    *schedule.Schedule
	timer    *time.Timer
	gen      uint64
	nextRun  time.Time
	firing   bool
	disposed bool

	// fireMu is held for the whole callback so Dispose can wait it out.
	fireMu sync.Mutex
}

func newJobSchedule(name string, onFire func(*JobSchedule), logger *zap.Logger, maxTimer time.Duration, now func() time.Time) *JobSchedule {
	return &JobSchedule{
		name:     name,
		onFire:   onFire,
		logger:   logger.With(zap.String("job", name)),
		maxTimer: maxTimer,
		now:      now,
	}
}

// Name returns the job name.
func (s *JobSchedule) Name() string {
	return s.name
}

// Schedule returns the current schedule.
func (s *JobSchedule) Schedule() *schedule.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

// Reschedule replaces the schedule when sched is non-nil and re-arms the
// timer for the first occurrence after lastRun. Any previously armed timer
// is superseded. It does nothing once disposed.
func (s *JobSchedule) Reschedule(lastRun time.Time, sched *schedule.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}
	if sched != nil {
		s.sched = sched
	}
	if s.sched == nil {
		return
	}

	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	interval := s.sched.GetNextInterval(lastRun, true)
	if interval == schedule.Never {
		s.nextRun = time.Time{}
		s.logger.Info("schedule has no future occurrence", zap.String("schedule", s.sched.String()))
		return
	}
	s.nextRun = s.now().Add(interval)

	// Long waits are split so a host that slept through the deadline
	// notices within maxTimer.
	wait := interval
	if s.maxTimer > 0 && wait > s.maxTimer {
		wait = s.maxTimer
	}

	gen := s.gen
	s.timer = time.AfterFunc(wait, func() { s.fire(gen) })
	s.logger.Debug("job scheduled",
		zap.String("schedule", s.sched.String()),
		zap.Time("next_run", s.nextRun),
		zap.Duration("wait", wait),
	)
}

func (s *JobSchedule) fire(gen uint64) {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()

	s.mu.Lock()
	if s.disposed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.firing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.firing = false
		s.mu.Unlock()
	}()
	s.onFire(s)
}

// Dispose cancels the pending timer. When it returns no callback is running
// and none will run again. It must not be called from the fire callback.
func (s *JobSchedule) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.nextRun = time.Time{}
	s.mu.Unlock()

	// Wait for an in-flight callback.
	s.fireMu.Lock()
	s.fireMu.Unlock()
}

// NextRun returns when the job is next due, or the zero time if nothing is
// armed.
func (s *JobSchedule) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// Snapshot returns the current state.
func (s *JobSchedule) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Job: s.name, NextRun: s.nextRun}
	if s.sched != nil {
		snap.Schedule = s.sched.String()
	}
	switch {
	case s.disposed:
		snap.State = StateDisposed
	case s.firing:
		snap.State = StateFiring
	case s.timer != nil:
		snap.State = StateArmed
	default:
		snap.State = StateUnscheduled
	}
	return snap
}
