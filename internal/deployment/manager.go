package deployment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deployagent/internal/lock"
	"deployagent/internal/logger"
	"deployagent/internal/metrics"
	"deployagent/internal/repository"
	"deployagent/internal/status"
	"deployagent/pkg/fileutil"
)

const (
	// DefaultLockTimeout bounds how long Deploy waits for the lock.
	DefaultLockTimeout = 2 * time.Second

	// DefaultKeep is how many records survive a purge.
	DefaultKeep = 20

	// DefaultFetchTimeout bounds a webhook fetch.
	DefaultFetchTimeout = 60 * time.Second

	temporaryPrefix = "temp-"
	fetchingMessage = "Fetching changes."
)

// Options configures a Manager.
type Options struct {
	Project    string
	OutputPath string
	Branch     string

	Repository Repository
	Builder    Builder
	Status     *status.Manager
	Lock       *lock.DeploymentLock
	Notifiers  []Notifier
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	LockTimeout  time.Duration
	FetchTimeout time.Duration
	Keep         int
}

// Manager runs deployments for one site.
type Manager struct {
	project    string
	outputPath string
	branch     string

	repo      Repository
	builder   Builder
	status    *status.Manager
	lock      *lock.DeploymentLock
	notifiers []Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger

	lockTimeout  time.Duration
	fetchTimeout time.Duration
	keep         int

	// pending holds the latest fetch nobody has run yet. Later requests
	// replace earlier ones.
	pending atomic.Pointer[FetchRequest]

	wg sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if opts.Builder == nil {
		return nil, fmt.Errorf("builder is required")
	}
	if opts.Status == nil {
		return nil, fmt.Errorf("status manager is required")
	}
	if opts.Lock == nil {
		return nil, fmt.Errorf("deployment lock is required")
	}
	if opts.OutputPath == "" {
		return nil, fmt.Errorf("output path cannot be empty")
	}

	m := &Manager{
		project:      opts.Project,
		outputPath:   opts.OutputPath,
		branch:       opts.Branch,
		repo:         opts.Repository,
		builder:      opts.Builder,
		status:       opts.Status,
		lock:         opts.Lock,
		notifiers:    opts.Notifiers,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		lockTimeout:  opts.LockTimeout,
		fetchTimeout: opts.FetchTimeout,
		keep:         opts.Keep,
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.Named("deployment").With(zap.String("project", m.project))
	if m.lockTimeout <= 0 {
		m.lockTimeout = DefaultLockTimeout
	}
	if m.fetchTimeout <= 0 {
		m.fetchTimeout = DefaultFetchTimeout
	}
	if m.keep <= 0 {
		m.keep = DefaultKeep
	}
	return m, nil
}

// Deploy deploys cs. It returns ErrConflict without touching any record when
// the lock stays busy for the lock timeout. A failed build is not an error:
// the returned record is Failed and carries the reason.
func (m *Manager) Deploy(ctx context.Context, cs *repository.ChangeSet, deployer string, clean bool) (*status.File, error) {
	if cs == nil {
		return nil, fmt.Errorf("change set is required")
	}
	if err := m.acquire(ctx, "deploy"); err != nil {
		return nil, err
	}
	defer m.release()

	return m.deployLocked(ctx, cs, deployer, clean)
}

// DeployAsync takes the lock like Deploy and runs the deployment in the
// background. Wait blocks until it is done.
func (m *Manager) DeployAsync(ctx context.Context, cs *repository.ChangeSet, deployer string, clean bool) error {
	if cs == nil {
		return fmt.Errorf("change set is required")
	}
	if err := m.acquire(ctx, "deploy"); err != nil {
		return err
	}
	m.background(ctx, func(ctx context.Context) {
		_, _ = m.deployLocked(ctx, cs, deployer, clean)
	})
	return nil
}

// Redeploy deploys id, an earlier deployment or any revision the repository
// knows. A short revision resolves to the record of its full revision.
func (m *Manager) Redeploy(ctx context.Context, id, deployer string, clean bool) (*status.File, error) {
	if err := m.acquire(ctx, "redeploy"); err != nil {
		return nil, err
	}
	defer m.release()

	cs, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.deployLocked(ctx, cs, deployer, clean)
}

// RedeployAsync checks id under the lock and redeploys it in the background.
func (m *Manager) RedeployAsync(ctx context.Context, id, deployer string, clean bool) error {
	if err := m.acquire(ctx, "redeploy"); err != nil {
		return err
	}

	cs, err := m.resolve(ctx, id)
	if err != nil {
		m.release()
		return err
	}
	m.background(ctx, func(ctx context.Context) {
		_, _ = m.deployLocked(ctx, cs, deployer, clean)
	})
	return nil
}

// Rollback redeploys the most recent successful deployment other than the
// active one.
func (m *Manager) Rollback(ctx context.Context, deployer string) (*status.File, error) {
	files, err := m.status.All()
	if err != nil {
		return nil, err
	}
	active := m.status.ActiveID()

	var candidates []*status.File
	for _, f := range files {
		if f.ID != active && !f.IsTemporary && !f.LastSuccessEndTime.IsZero() {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no previous successful deployment", ErrNotFound)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LastSuccessEndTime.After(candidates[j].LastSuccessEndTime)
	})

	return m.Redeploy(ctx, candidates[0].ID, deployer, false)
}

// Fetch fetches req.Branch and deploys its tip. When the lock is busy the
// request is left for the current holder, replacing any request already
// waiting, and Fetch returns Queued. Otherwise the fetch runs in the
// background.
func (m *Manager) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	if req.Branch == "" {
		req.Branch = m.branch
	}
	if req.Branch == "" {
		return FetchResult{}, fmt.Errorf("branch is required")
	}

	m.pending.Store(&req)

	if !m.lock.Lock() {
		m.logger.Info("deployment lock busy, fetch queued", zap.String("branch", req.Branch))
		if m.metrics != nil {
			m.metrics.FetchesQueuedTotal.WithLabelValues(m.project).Inc()
		}
		return FetchResult{Queued: true}, nil
	}

	m.wg.Add(1)
	go m.drain(context.WithoutCancel(ctx))
	return FetchResult{}, nil
}

// Deployments returns every record, newest first.
func (m *Manager) Deployments() ([]*status.File, error) {
	return m.status.All()
}

// Get returns the record for id.
func (m *Manager) Get(id string) (*status.File, error) {
	f := m.status.Open(id)
	if f == nil {
		return nil, ErrNotFound
	}
	return f, nil
}

// Log returns the deployment log of id.
func (m *Manager) Log(id string) ([]logger.Entry, error) {
	if m.status.Open(id) == nil {
		return nil, ErrNotFound
	}
	return logger.ReadEntries(m.status.LogPath(id))
}

// Active returns the active deployment, or nil.
func (m *Manager) Active() *status.File {
	id := m.status.ActiveID()
	if id == "" {
		return nil
	}
	return m.status.Open(id)
}

// Delete removes the record for id. The active deployment cannot be deleted.
func (m *Manager) Delete(ctx context.Context, id string) error {
	err := m.lock.LockOperation(ctx, m.lockTimeout, func() error {
		if id == "" || m.status.Open(id) == nil {
			return ErrNotFound
		}
		if id == m.status.ActiveID() {
			return fmt.Errorf("%w: deployment %s is active", ErrConflict, id)
		}
		return m.status.Delete(id)
	}, func() error {
		m.conflict("delete")
		return ErrConflict
	})
	m.kick()
	return err
}

// CleanupTemporary removes temporary records left by a fetch that never
// finished. It does nothing when the lock is busy.
func (m *Manager) CleanupTemporary() int {
	if !m.lock.Lock() {
		return 0
	}
	defer m.release()

	n := m.status.DeleteTemporary()
	if n > 0 {
		m.logger.Info("removed temporary deployments", zap.Int("count", n))
	}
	return n
}

// Wait blocks until background deployments and fetches are done.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) acquire(ctx context.Context, source string) error {
	ok, err := m.lock.Acquire(ctx, m.lockTimeout)
	if err != nil {
		return err
	}
	if !ok {
		m.conflict(source)
		return ErrConflict
	}
	return nil
}

func (m *Manager) conflict(source string) {
	m.logger.Info("deployment lock busy", zap.String("source", source))
	if m.metrics != nil {
		m.metrics.LockConflictsTotal.WithLabelValues(m.project, source).Inc()
	}
}

// release gives up the lock and hands it to a queued fetch, if any.
func (m *Manager) release() {
	m.lock.Release()
	m.kick()
}

func (m *Manager) kick() {
	if m.pending.Load() == nil || !m.lock.Lock() {
		return
	}
	m.wg.Add(1)
	go m.drain(context.Background())
}

// background runs fn holding the already acquired lock.
func (m *Manager) background(ctx context.Context, fn func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release()
		fn(ctx)
	}()
}

// drain runs queued fetches. It is entered holding the lock and returns
// without it.
func (m *Manager) drain(ctx context.Context) {
	defer m.wg.Done()
	for {
		if req := m.pending.Swap(nil); req != nil {
			m.fetchLocked(ctx, *req)
		}
		m.lock.Release()
		if m.pending.Load() == nil || !m.lock.Lock() {
			return
		}
	}
}

func (m *Manager) fetchLocked(ctx context.Context, req FetchRequest) {
	log := m.logger.With(zap.String("branch", req.Branch))

	id := temporaryPrefix + uuid.NewString()[:8]
	rec, err := m.status.Create(id)
	if err != nil {
		log.Error("failed to create fetch record", zap.Error(err))
		return
	}
	rec.IsTemporary = true
	rec.Message = fetchingMessage
	rec.Progress = fetchingMessage
	rec.Deployer = req.Deployer
	rec.SiteName = m.project
	if err := rec.Save(); err != nil {
		log.Error("failed to save fetch record", zap.Error(err))
	}

	fctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	cs, err := m.repo.Fetch(fctx, req.Branch)
	cancel()

	if err != nil {
		rec.IsTemporary = false
		rec.Message = fmt.Sprintf("Fetch of %s failed", req.Branch)
		if saveErr := rec.MarkFailed(err.Error()); saveErr != nil {
			log.Error("failed to save fetch failure", zap.Error(saveErr))
		}
		log.Error("fetch failed", zap.String("id", id), zap.Error(err))
		m.observe(rec, 0)
		m.notify(ctx, rec)
		return
	}

	if err := m.status.Delete(id); err != nil {
		log.Warn("failed to remove fetch record", zap.String("id", id), zap.Error(err))
	}
	if _, err := m.deployLocked(ctx, cs, req.Deployer, false); err != nil {
		log.Error("deployment after fetch failed", zap.String("id", cs.ID), zap.Error(err))
	}
}

// resolve maps id to the change set of its commit.
func (m *Manager) resolve(ctx context.Context, id string) (*repository.ChangeSet, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: revision is required", ErrNotFound)
	}
	// Records are keyed by the full revision, so a short or never deployed
	// revision goes through the repository as well.
	cs, err := m.repo.ChangeSet(ctx, id)
	if errors.Is(err, repository.ErrUnknownRevision) || errors.Is(err, repository.ErrInvalidRef) {
		return nil, fmt.Errorf("%w: revision %s is not in the repository", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// deployLocked runs one attempt for cs. The caller holds the lock.
func (m *Manager) deployLocked(ctx context.Context, cs *repository.ChangeSet, deployer string, clean bool) (*status.File, error) {
	// A deployment that started must reach an outcome.
	ctx = context.WithoutCancel(ctx)
	started := time.Now()

	if n := m.status.DeleteTemporary(); n > 0 {
		m.logger.Debug("removed stale temporary deployments", zap.Int("count", n))
	}

	rec := m.status.Open(cs.ID)
	if rec == nil {
		var err error
		if rec, err = m.status.Create(cs.ID); err != nil {
			return nil, err
		}
		rec.Deployer = deployer
	} else if rec.Deployer == "" {
		rec.Deployer = deployer
	}
	rec.AuthorName = cs.AuthorName
	rec.AuthorEmail = cs.AuthorEmail
	rec.Message = cs.Message
	rec.SiteName = m.project
	rec.IsTemporary = false
	rec.BeginAttempt()

	logPath := m.status.LogPath(cs.ID)
	if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove old deployment log", zap.String("id", cs.ID), zap.Error(err))
	}
	if err := rec.Save(); err != nil {
		return nil, err
	}

	dlog, closeLog, err := logger.NewFileLogger(logPath)
	if err != nil {
		m.logger.Warn("deployment log unavailable", zap.String("id", cs.ID), zap.Error(err))
		dlog, closeLog = zap.NewNop(), func() error { return nil }
	}
	defer func() { _ = closeLog() }()

	m.notify(ctx, rec)
	dlog.Info("deployment started",
		zap.String("id", cs.ID),
		zap.String("deployer", rec.Deployer),
		zap.String("message", cs.Message),
	)

	if err := m.run(ctx, rec, dlog, clean); err != nil {
		if rec.Status.Terminal() {
			// Only the final save failed.
			m.logger.Error("failed to save deployment outcome", zap.String("id", rec.ID), zap.Error(err))
		} else {
			dlog.Error("deployment failed", zap.Error(err))
			m.logger.Error("deployment failed", zap.String("id", rec.ID))
			if saveErr := rec.MarkFailed(err.Error()); saveErr != nil {
				m.logger.Error("failed to save deployment outcome", zap.String("id", rec.ID), zap.Error(saveErr))
			}
		}
	} else {
		dlog.Info("deployment successful", zap.Duration("duration", time.Since(started)))
		m.logger.Info("deployment successful", zap.String("id", rec.ID), zap.String("deployer", rec.Deployer))
	}

	m.observe(rec, time.Since(started))
	m.purge(rec.ID)
	m.notify(ctx, rec)
	return rec, nil
}

func (m *Manager) run(ctx context.Context, rec *status.File, dlog *zap.Logger, clean bool) error {
	if err := rec.SetProgress("Updating to " + short(rec.ID)); err != nil {
		return err
	}
	if err := m.repo.Update(ctx, rec.ID); err != nil {
		return fmt.Errorf("failed to update repository to %s: %w", short(rec.ID), err)
	}
	if clean {
		dlog.Info("cleaning working copy")
		if err := m.repo.Clean(ctx); err != nil {
			return fmt.Errorf("failed to clean repository: %w", err)
		}
	}

	if err := rec.Transition(status.Building); err != nil {
		return err
	}
	if err := rec.SetProgress("Building"); err != nil {
		return err
	}

	bc := &BuildContext{
		ID:           rec.ID,
		SourcePath:   m.repo.Path(),
		OutputPath:   m.outputPath,
		Logger:       dlog,
		NextManifest: m.status.ManifestPath(rec.ID),
	}
	if active := m.status.ActiveID(); active != "" {
		if prev := m.status.ManifestPath(active); fileutil.FileExists(prev) {
			bc.PreviousManifest = prev
		}
	}
	if err := m.builder.Build(ctx, bc); err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	if err := rec.Transition(status.Deploying); err != nil {
		return err
	}
	if err := rec.SetProgress("Activating"); err != nil {
		return err
	}
	if err := m.status.SetActiveID(rec.ID); err != nil {
		return fmt.Errorf("failed to activate deployment: %w", err)
	}
	dlog.Info("deployment activated")

	return rec.MarkSuccess()
}

// purge deletes the oldest records beyond keep. The active record and the
// one just deployed are never removed.
func (m *Manager) purge(current string) {
	files, err := m.status.All()
	if err != nil {
		m.logger.Warn("failed to list deployments for purge", zap.Error(err))
		return
	}
	active := m.status.ActiveID()

	for i, f := range files {
		if i < m.keep || f.ID == active || f.ID == current {
			continue
		}
		if err := m.status.Delete(f.ID); err != nil {
			m.logger.Warn("failed to purge deployment", zap.String("id", f.ID), zap.Error(err))
			continue
		}
		m.logger.Debug("purged deployment", zap.String("id", f.ID))
	}
}

func (m *Manager) notify(ctx context.Context, rec *status.File) {
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, rec); err != nil {
			m.logger.Warn("deployment notification failed",
				zap.String("id", rec.ID),
				zap.String("status", string(rec.Status)),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) observe(rec *status.File, d time.Duration) {
	if m.metrics == nil {
		return
	}
	outcome := strings.ToLower(string(rec.Status))
	m.metrics.DeploymentsTotal.WithLabelValues(m.project, outcome).Inc()
	if d > 0 {
		m.metrics.DeploymentDurationSeconds.WithLabelValues(m.project, outcome).Observe(d.Seconds())
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
