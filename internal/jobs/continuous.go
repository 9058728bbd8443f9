package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"deployagent/internal/lock"
	"deployagent/internal/metrics"
	"deployagent/pkg/cmdutil"
)

// DefaultRestartDelay is the pause before a continuous job that exited is
// started again.
const DefaultRestartDelay = 60 * time.Second

// Continuous job states.
const (
	StateStarting      = "starting"
	StateRunning       = "running"
	StateRestarting    = "restarting"
	StateWaitingOnLock = "waiting_on_lock"
	StateStopped       = "stopped"
)

// ContinuousStatus is a snapshot of one continuous job.
type ContinuousStatus struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Script    string    `json:"script"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastExit  *int      `json:"last_exit,omitempty"`
}

// RunnerOptions configures a ContinuousRunner.
type RunnerOptions struct {
	Project      string
	Catalog      *Catalog
	Locks        *lock.Set
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	RestartDelay time.Duration
	MaxOutput    int
}

// ContinuousRunner keeps every continuous job running, restarting scripts
// that exit.
type ContinuousRunner struct {
	project      string
	catalog      *Catalog
	locks        *lock.Set
	metrics      *metrics.Metrics
	logger       *zap.Logger
	restartDelay time.Duration
	maxOutput    int

	mu      sync.Mutex
	workers map[string]*worker
	ctx     context.Context
	cancel  context.CancelFunc
}

type worker struct {
	job    *Job
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status ContinuousStatus
}

func (w *worker) set(fn func(*ContinuousStatus)) {
	w.mu.Lock()
	fn(&w.status)
	w.mu.Unlock()
}

func (w *worker) snapshot() ContinuousStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// NewContinuousRunner creates a runner. Nothing runs until Start.
func NewContinuousRunner(opts RunnerOptions) (*ContinuousRunner, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("job catalog is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("lock set is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = DefaultMaxOutput
	}

	return &ContinuousRunner{
		project:      opts.Project,
		catalog:      opts.Catalog,
		locks:        opts.Locks,
		metrics:      opts.Metrics,
		logger:       opts.Logger.Named("continuous").With(zap.String("project", opts.Project)),
		restartDelay: opts.RestartDelay,
		maxOutput:    opts.MaxOutput,
		workers:      make(map[string]*worker),
	}, nil
}

// Start launches every continuous job currently on disk.
func (r *ContinuousRunner) Start() error {
	r.mu.Lock()
	if r.ctx != nil {
		r.mu.Unlock()
		return fmt.Errorf("continuous runner already started")
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	names, err := r.catalog.Names(Continuous)
	if err != nil {
		return err
	}
	for _, name := range names {
		r.Refresh(name)
	}
	return nil
}

// Stop kills every running script and waits for the workers to exit.
func (r *ContinuousRunner) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	workers := r.workers
	r.workers = make(map[string]*worker)
	r.mu.Unlock()

	for _, w := range workers {
		<-w.done
	}
}

// Refresh reconciles one job with disk: a removed job is stopped, a new job
// is started and a changed job is restarted.
func (r *ContinuousRunner) Refresh(name string) {
	job, err := r.catalog.Get(Continuous, name)
	if err != nil {
		r.logger.Warn("failed to read continuous job", zap.String("job", name), zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil || r.ctx.Err() != nil {
		return
	}

	existing := r.workers[name]
	if existing != nil {
		if job != nil && sameJob(existing.job, job) {
			return
		}
		existing.cancel()
		<-existing.done
		delete(r.workers, name)
		r.logger.Info("continuous job stopped", zap.String("job", name))
	}

	if job == nil {
		return
	}
	if job.SettingsErr != nil {
		r.logger.Warn("continuous job settings ignored", zap.String("job", name), zap.Error(job.SettingsErr))
	}

	ctx, cancel := context.WithCancel(r.ctx)
	w := &worker{
		job:    job,
		cancel: cancel,
		done:   make(chan struct{}),
		status: ContinuousStatus{Name: name, State: StateStarting, Script: job.ScriptPath},
	}
	r.workers[name] = w
	go r.loop(ctx, w)
}

func sameJob(a, b *Job) bool {
	return a.ScriptPath == b.ScriptPath && a.Settings == b.Settings
}

// Status returns a snapshot of every managed job, sorted by name.
func (r *ContinuousRunner) Status() []ContinuousStatus {
	r.mu.Lock()
	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	out := make([]ContinuousStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *ContinuousRunner) loop(ctx context.Context, w *worker) {
	defer close(w.done)
	defer w.set(func(s *ContinuousStatus) { s.State = StateStopped })

	job := w.job
	logger := r.logger.With(zap.String("job", job.Name))
	delay := job.Settings.RestartDelay
	if delay <= 0 {
		delay = r.restartDelay
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if r.metrics != nil {
				r.metrics.ContinuousJobRestarts.WithLabelValues(r.project, job.Name).Inc()
			}
			w.set(func(s *ContinuousStatus) {
				s.State = StateRestarting
				s.Restarts++
			})
			if !sleep(ctx, delay) {
				return
			}
		}

		var l *lock.OperationLock
		if job.Settings.IsSingleton {
			var err error
			if l, err = r.locks.Get(job.Name); err != nil {
				logger.Error("continuous job cannot be locked", zap.Error(err))
				return
			}
			if !l.Lock() {
				w.set(func(s *ContinuousStatus) { s.State = StateWaitingOnLock })
				logger.Debug("singleton job is running elsewhere")
				for !l.Lock() {
					if !sleep(ctx, delay) {
						return
					}
				}
			}
		}

		w.set(func(s *ContinuousStatus) {
			s.State = StateRunning
			s.StartedAt = time.Now().UTC()
		})
		logger.Info("continuous job starting", zap.String("script", job.ScriptPath))

		opts := cmdutil.ExecOptions{
			Dir:        job.Dir,
			Env:        jobEnv(r.project, job, "", "continuous"),
			MaxCapture: r.maxOutput,
		}
		result, err := cmdutil.Run(ctx, opts, job.Command(nil))
		if l != nil {
			l.Release()
		}

		if result != nil {
			code := result.ExitCode
			w.set(func(s *ContinuousStatus) { s.LastExit = &code })
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn("continuous job exited",
			zap.Error(err),
			zap.String("output", tail(result)),
			zap.Duration("restart_in", delay),
		)
	}
}

func tail(r *cmdutil.Result) string {
	const max = 2048
	if r == nil {
		return ""
	}
	out := r.Output
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return string(out)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
