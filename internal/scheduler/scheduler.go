// Package scheduler arms timers for scheduled triggered jobs and keeps them
// in step with the job settings on disk.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"deployagent/internal/history"
	"deployagent/internal/jobs"
	"deployagent/internal/metrics"
	"deployagent/internal/schedule"
	"deployagent/internal/status"
)

// DefaultMaxTimer caps a single timer wait.
const DefaultMaxTimer = time.Hour

// JobsManager is the triggered job collaborator.
type JobsManager interface {
	GetJob(name string) (*jobs.Job, error)
	LatestRun(ctx context.Context, name string) (*history.JobRun, error)
	InvokeTriggeredJob(ctx context.Context, name string, args []string, trigger string) (string, error)
}

// Settings exposes the site capabilities consulted before arming a schedule.
type Settings interface {
	ScheduledJobsAllowed() bool
}

// Options configures a Scheduler.
type Options struct {
	Project   string
	Jobs      JobsManager
	Settings  Settings
	Dir       string
	List      func() ([]string, error)
	Analytics status.Analytics
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Debounce  time.Duration
	MaxTimer  time.Duration
	Now       func() time.Time
}

// Scheduler owns one JobSchedule per scheduled triggered job.
type Scheduler struct {
	project   string
	jobs      JobsManager
	settings  Settings
	analytics status.Analytics
	metrics   *metrics.Metrics
	logger    *zap.Logger
	maxTimer  time.Duration
	now       func() time.Time

	watcher *Watcher
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	schedules map[string]*JobSchedule
	state     int
}

const (
	stateNew = iota
	stateStarted
	stateStopped
)

// New creates a Scheduler. Nothing is watched or armed until Start.
func New(opts Options) (*Scheduler, error) {
	if opts.Jobs == nil {
		return nil, fmt.Errorf("jobs manager is required")
	}
	if opts.Settings == nil {
		return nil, fmt.Errorf("settings provider is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxTimer <= 0 {
		opts.MaxTimer = DefaultMaxTimer
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	s := &Scheduler{
		project:   opts.Project,
		jobs:      opts.Jobs,
		settings:  opts.Settings,
		analytics: opts.Analytics,
		metrics:   opts.Metrics,
		logger:    opts.Logger.Named("scheduler").With(zap.String("project", opts.Project)),
		maxTimer:  opts.MaxTimer,
		now:       opts.Now,
		schedules: make(map[string]*JobSchedule),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if opts.Dir != "" {
		w, err := NewWatcher(opts.Dir, opts.List, s.OnJobChanged, opts.Debounce, s.logger)
		if err != nil {
			return nil, err
		}
		s.watcher = w
	}
	return s, nil
}

// Start begins watching the jobs directory. Every existing job is evaluated
// before Start returns.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.state != stateNew {
		s.mu.Unlock()
		return fmt.Errorf("scheduler cannot be started twice")
	}
	s.state = stateStarted
	s.mu.Unlock()

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			return err
		}
	}
	s.logger.Info("triggered job scheduler started")
	return nil
}

// Stop stops watching and disposes every schedule. No job is invoked by the
// scheduler after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == stateStopped {
		s.mu.Unlock()
		return
	}
	s.state = stateStopped
	s.mu.Unlock()

	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.cancel()

	s.mu.Lock()
	schedules := s.schedules
	s.schedules = make(map[string]*JobSchedule)
	s.mu.Unlock()

	for _, js := range schedules {
		js.Dispose()
	}
	s.updateGauge()
	s.logger.Info("triggered job scheduler stopped")
}

// OnJobChanged re-reads one job's settings and creates, re-arms or disposes
// its schedule.
func (s *Scheduler) OnJobChanged(name string) {
	logger := s.logger.With(zap.String("job", name))

	job, err := s.jobs.GetJob(name)
	if err != nil {
		logger.Warn("failed to read job", zap.Error(err))
		return
	}

	var sched *schedule.Schedule
	if job != nil && job.Settings.Schedule != "" {
		if s.settings.ScheduledJobsAllowed() {
			sched = schedule.BuildSchedule(job.Settings.Schedule, logger, schedule.WithClock(s.now))
		} else {
			logger.Warn("scheduled jobs are not available on this site tier, schedule ignored",
				zap.String("schedule", job.Settings.Schedule))
		}
	} else if job != nil && job.SettingsErr != nil {
		logger.Warn("job settings ignored", zap.Error(job.SettingsErr))
	}

	var lastRun time.Time
	if sched != nil {
		if lastRun, err = s.lastRun(name); err != nil {
			logger.Warn("failed to read last run, scheduling from now", zap.Error(err))
			lastRun = s.now()
		}
	}

	s.mu.Lock()
	if s.state == stateStopped {
		s.mu.Unlock()
		return
	}
	existing := s.schedules[name]
	switch {
	case sched == nil && existing != nil:
		delete(s.schedules, name)
	case sched != nil && existing == nil:
		existing = newJobSchedule(name, s.onSchedule, s.logger, s.maxTimer, s.now)
		s.schedules[name] = existing
	}
	s.mu.Unlock()

	if sched == nil {
		if existing != nil {
			existing.Dispose()
			logger.Info("job unscheduled")
		}
	} else {
		existing.Reschedule(lastRun, sched)
		logger.Info("job scheduled", zap.String("schedule", sched.String()), zap.Time("next_run", existing.NextRun()))
	}
	s.updateGauge()
}

// onSchedule runs when a job's timer fires. The job is only invoked if it is
// still due; either way the timer is re-armed.
func (s *Scheduler) onSchedule(js *JobSchedule) {
	logger := s.logger.With(zap.String("job", js.Name()))
	next := s.now()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in scheduled job %s: %v", js.Name(), r)
			logger.Error("scheduled fire failed", zap.Error(err))
			if s.analytics != nil {
				s.analytics.UnexpectedException(err, false)
			}
			js.Reschedule(s.now(), nil)
		}
	}()

	lastRun, err := s.lastRun(js.Name())
	if err != nil {
		logger.Warn("failed to read last run, skipping this occurrence", zap.Error(err))
		js.Reschedule(next, nil)
		return
	}

	if js.Schedule().GetNextInterval(lastRun, true) > 0 {
		// Not due yet: a clamped timer or a run from elsewhere moved lastRun.
		js.Reschedule(lastRun, nil)
		return
	}

	runID, err := s.jobs.InvokeTriggeredJob(s.ctx, js.Name(), nil, jobs.TriggerSchedule)
	switch {
	case err == nil:
		logger.Info("scheduled job invoked", zap.String("run_id", runID))
	case errors.Is(err, jobs.ErrConflict):
		// Best-effort single run: someone else is already running it.
		logger.Debug("scheduled job already running, occurrence skipped")
	default:
		logger.Warn("failed to invoke scheduled job", zap.Error(err))
	}

	js.Reschedule(s.now(), nil)
}

func (s *Scheduler) lastRun(name string) (time.Time, error) {
	run, err := s.jobs.LatestRun(s.ctx, name)
	if err != nil {
		return time.Time{}, err
	}
	if run == nil {
		return time.Time{}, nil
	}
	return run.StartedAt, nil
}

// Schedules returns a snapshot of every scheduled job, sorted by name.
func (s *Scheduler) Schedules() []Snapshot {
	s.mu.Lock()
	list := make([]*JobSchedule, 0, len(s.schedules))
	for _, js := range s.schedules {
		list = append(list, js)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, js := range list {
		out = append(out, js.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

func (s *Scheduler) updateGauge() {
	if s.metrics == nil {
		return
	}
	s.mu.Lock()
	n := len(s.schedules)
	s.mu.Unlock()
	s.metrics.ScheduledJobs.WithLabelValues(s.project).Set(float64(n))
}
