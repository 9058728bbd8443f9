package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"deployagent/internal/history"
	"deployagent/internal/lock"
	"deployagent/internal/metrics"
	"deployagent/pkg/cmdutil"
)

const (
	// DefaultMaxOutput is how much trailing job output is kept in history.
	DefaultMaxOutput = 64 * 1024

	// DefaultTimeout bounds a triggered run when neither the job nor the
	// manager sets one.
	DefaultTimeout = 2 * time.Hour
)

// Run triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerAPI      = "api"
)

// RunStore persists job runs.
type RunStore interface {
	RecordStart(ctx context.Context, run *history.JobRun) error
	RecordCompletion(ctx context.Context, id string, c history.Completion) error
	LatestRun(ctx context.Context, project, job string) (*history.JobRun, error)
	Runs(ctx context.Context, project, job string, limit int) ([]history.JobRun, error)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Project   string
	Catalog   *Catalog
	History   RunStore
	Locks     *lock.Set
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Timeout   time.Duration
	MaxOutput int
}

// Manager runs triggered jobs and records their history.
type Manager struct {
	project   string
	catalog   *Catalog
	history   RunStore
	locks     *lock.Set
	metrics   *metrics.Metrics
	logger    *zap.Logger
	timeout   time.Duration
	maxOutput int

	// runs outlive the request that started them; Shutdown cancels them.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a triggered job Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("job catalog is required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("run history is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("lock set is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = DefaultMaxOutput
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		project:   opts.Project,
		catalog:   opts.Catalog,
		history:   opts.History,
		locks:     opts.Locks,
		metrics:   opts.Metrics,
		logger:    opts.Logger.Named("jobs").With(zap.String("project", opts.Project)),
		timeout:   opts.Timeout,
		maxOutput: opts.MaxOutput,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Catalog returns the catalog jobs are read from.
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// ListJobs returns every triggered job.
func (m *Manager) ListJobs() ([]*Job, error) {
	return m.catalog.List(Triggered)
}

// GetJob returns the named triggered job, or nil if it does not exist.
func (m *Manager) GetJob(name string) (*Job, error) {
	return m.catalog.Get(Triggered, name)
}

// LatestRun returns the most recent run of the job, or nil if it never ran.
func (m *Manager) LatestRun(ctx context.Context, name string) (*history.JobRun, error) {
	return m.history.LatestRun(ctx, m.project, name)
}

// Runs returns up to limit runs of the job, newest first.
func (m *Manager) Runs(ctx context.Context, name string, limit int) ([]history.JobRun, error) {
	return m.history.Runs(ctx, m.project, name, limit)
}

// InvokeTriggeredJob starts the job in the background and returns the run
// id. It returns ErrNotFound for an unknown job and ErrConflict when the job
// is already running.
func (m *Manager) InvokeTriggeredJob(ctx context.Context, name string, args []string, trigger string) (string, error) {
	job, err := m.GetJob(name)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if m.ctx.Err() != nil {
		return "", fmt.Errorf("job manager is shut down")
	}

	l, err := m.locks.Get(name)
	if err != nil {
		return "", err
	}
	if !l.Lock() {
		m.countInvocation(name, "conflict")
		return "", fmt.Errorf("%w: %s", ErrConflict, name)
	}

	run := &history.JobRun{
		Project: m.project,
		Job:     name,
		Trigger: trigger,
	}
	if err := m.history.RecordStart(ctx, run); err != nil {
		l.Release()
		return "", fmt.Errorf("failed to record job start: %w", err)
	}

	m.countInvocation(name, "started")
	m.logger.Info("triggered job started",
		zap.String("job", name),
		zap.String("run_id", run.ID),
		zap.String("trigger", trigger),
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer l.Release()
		m.execute(job, run, args)
	}()

	return run.ID, nil
}

func (m *Manager) execute(job *Job, run *history.JobRun, args []string) {
	timeout := job.Settings.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}

	opts := cmdutil.ExecOptions{
		Dir:        job.Dir,
		Timeout:    timeout,
		Env:        jobEnv(m.project, job, run.ID, run.Trigger),
		MaxCapture: m.maxOutput,
	}
	result, err := cmdutil.Run(m.ctx, opts, job.Command(args))

	c := history.Completion{Status: history.StatusSuccess}
	if result != nil {
		c.Output = string(result.Output)
		code := result.ExitCode
		c.ExitCode = &code
	}
	switch {
	case err == nil:
	case errors.Is(m.ctx.Err(), context.Canceled):
		c.Status = history.StatusAborted
		c.Error = "agent shutting down"
	default:
		c.Status = history.StatusFailed
		c.Error = err.Error()
	}

	// The run context may already be cancelled; the record must still land.
	if err := m.history.RecordCompletion(context.Background(), run.ID, c); err != nil {
		m.logger.Error("failed to record job completion", zap.String("job", job.Name), zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("job", job.Name),
		zap.String("run_id", run.ID),
		zap.String("status", c.Status),
	}
	if result != nil {
		fields = append(fields, zap.Duration("duration", result.Duration), zap.Int("exit_code", result.ExitCode))
		if m.metrics != nil {
			m.metrics.JobRunDurationSeconds.WithLabelValues(m.project, job.Name, c.Status).Observe(result.Duration.Seconds())
		}
	}
	if c.Status == history.StatusSuccess {
		m.logger.Info("triggered job finished", fields...)
	} else {
		m.logger.Warn("triggered job finished", append(fields, zap.String("error", c.Error))...)
	}
	m.countInvocation(job.Name, c.Status)
}

func (m *Manager) countInvocation(job, result string) {
	if m.metrics != nil {
		m.metrics.JobInvocationsTotal.WithLabelValues(m.project, job, result).Inc()
	}
}

// Wait blocks until all running jobs have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown stops accepting new runs, kills running ones and waits for them
// to be recorded as aborted.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

func jobEnv(project string, job *Job, runID, trigger string) []string {
	return []string{
		"DEPLOYAGENT_PROJECT=" + project,
		"DEPLOYAGENT_JOB_NAME=" + job.Name,
		"DEPLOYAGENT_JOB_TYPE=" + string(job.Type),
		"DEPLOYAGENT_JOB_RUN_ID=" + runID,
		"DEPLOYAGENT_JOB_TRIGGER=" + trigger,
		"DEPLOYAGENT_JOB_DIR=" + job.Dir,
	}
}
