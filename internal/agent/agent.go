// Package agent wires every component serving one site: deployments, the
// triggered job manager and its scheduler, and the continuous job runner.
package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"deployagent/internal/builder"
	"deployagent/internal/deployment"
	"deployagent/internal/history"
	"deployagent/internal/jobs"
	"deployagent/internal/lock"
	"deployagent/internal/metrics"
	"deployagent/internal/notify"
	"deployagent/internal/project"
	"deployagent/internal/repository"
	"deployagent/internal/scheduler"
	"deployagent/internal/status"
)

// Options are the service-wide settings every site shares.
type Options struct {
	History *history.History
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	// ScriptHosts decide which job scripts can run and how. Nil means
	// jobs.DefaultScriptHosts.
	ScriptHosts []jobs.ScriptHost
	// Notifiers are added to the site's own (GitHub) notifier.
	Notifiers []deployment.Notifier

	LockTimeout  time.Duration
	Keep         int
	JobsDebounce time.Duration
	JobsTimeout  time.Duration
	RestartDelay time.Duration
	MaxTimer     time.Duration
}

// Agent serves one site.
type Agent struct {
	project *project.Project
	logger  *zap.Logger
	history *history.History

	deployments *deployment.Manager
	jobs        *jobs.Manager
	scheduler   *scheduler.Scheduler
	continuous  *jobs.ContinuousRunner
	watcher     *scheduler.Watcher
}

// New builds the components for p. Nothing runs until Start.
func New(p *project.Project, opts Options) (*Agent, error) {
	if p == nil {
		return nil, fmt.Errorf("project is required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("job history is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ScriptHosts == nil {
		opts.ScriptHosts = jobs.DefaultScriptHosts()
	}
	logger := opts.Logger.With(zap.String("project", p.Name))
	reporter := metrics.NewReporter(opts.Metrics, logger)

	st, err := status.NewManager(p.DeploymentsPath(), reporter, logger)
	if err != nil {
		return nil, err
	}
	dl, err := lock.NewDeploymentLock(p.DeploymentLockPath(), p.RepositoryPath())
	if err != nil {
		return nil, err
	}
	repo, err := repository.New(p.RepositoryPath(), p.FetchTimeout, logger)
	if err != nil {
		return nil, err
	}

	secrets := []string{p.Secret}
	notifiers := append([]deployment.Notifier(nil), opts.Notifiers...)
	if p.GitHub != nil {
		token := p.GitHub.Token()
		if token == "" {
			logger.Warn("github token not set, commit statuses disabled", zap.String("token_env", p.GitHub.TokenEnv))
		} else {
			secrets = append(secrets, token)
			gh, err := notify.NewGitHub(notify.GitHubOptions{
				Owner:   p.GitHub.Owner,
				Repo:    p.GitHub.Repo,
				Token:   token,
				Context: p.GitHub.Context,
				Logger:  logger,
			})
			if err != nil {
				return nil, err
			}
			notifiers = append(notifiers, gh)
		}
	}

	keep := opts.Keep
	if p.Keep > 0 {
		keep = p.Keep
	}
	dm, err := deployment.NewManager(deployment.Options{
		Project:    p.Name,
		OutputPath: p.OutputPath(),
		Branch:     p.Branch,
		Repository: repo,
		Builder: builder.New(builder.Options{
			Commands: p.Build,
			Timeout:  p.BuildTimeout,
			Secrets:  secrets,
		}),
		Status:       st,
		Lock:         dl,
		Notifiers:    notifiers,
		Metrics:      opts.Metrics,
		Logger:       logger,
		LockTimeout:  opts.LockTimeout,
		FetchTimeout: p.FetchTimeout,
		Keep:         keep,
	})
	if err != nil {
		return nil, err
	}

	catalog, err := jobs.NewCatalog(p.JobsPath(), opts.ScriptHosts)
	if err != nil {
		return nil, err
	}
	// Each job type has its own lock directory, since a triggered and a
	// continuous job may share a name.
	jobLocks := func(t jobs.Type) *lock.Set {
		return lock.NewSet(filepath.Join(p.LocksPath(), "jobs", string(t)))
	}

	jobTimeout := opts.JobsTimeout
	if p.JobTimeout > 0 {
		jobTimeout = p.JobTimeout
	}
	jm, err := jobs.NewManager(jobs.ManagerOptions{
		Project: p.Name,
		Catalog: catalog,
		History: opts.History,
		Locks:   jobLocks(jobs.Triggered),
		Metrics: opts.Metrics,
		Logger:  logger,
		Timeout: jobTimeout,
	})
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(scheduler.Options{
		Project:   p.Name,
		Jobs:      jm,
		Settings:  p,
		Dir:       catalog.Dir(jobs.Triggered),
		List:      func() ([]string, error) { return catalog.Names(jobs.Triggered) },
		Analytics: reporter,
		Metrics:   opts.Metrics,
		Logger:    logger,
		Debounce:  opts.JobsDebounce,
		MaxTimer:  opts.MaxTimer,
	})
	if err != nil {
		return nil, err
	}

	runner, err := jobs.NewContinuousRunner(jobs.RunnerOptions{
		Project:      p.Name,
		Catalog:      catalog,
		Locks:        jobLocks(jobs.Continuous),
		Metrics:      opts.Metrics,
		Logger:       logger,
		RestartDelay: opts.RestartDelay,
	})
	if err != nil {
		return nil, err
	}
	watcher, err := scheduler.NewWatcher(
		catalog.Dir(jobs.Continuous),
		func() ([]string, error) { return catalog.Names(jobs.Continuous) },
		runner.Refresh,
		opts.JobsDebounce,
		logger.Named("continuous"),
	)
	if err != nil {
		return nil, err
	}

	return &Agent{
		project:     p,
		logger:      logger.Named("agent"),
		history:     opts.History,
		deployments: dm,
		jobs:        jm,
		scheduler:   sched,
		continuous:  runner,
		watcher:     watcher,
	}, nil
}

// Project returns the site configuration.
func (a *Agent) Project() *project.Project { return a.project }

// Deployments returns the site's deployment manager.
func (a *Agent) Deployments() *deployment.Manager { return a.deployments }

// Jobs returns the site's triggered job manager.
func (a *Agent) Jobs() *jobs.Manager { return a.jobs }

// Scheduler returns the site's triggered job scheduler.
func (a *Agent) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Continuous returns the site's continuous job runner.
func (a *Agent) Continuous() *jobs.ContinuousRunner { return a.continuous }

// Start recovers from an unclean shutdown and starts the background job
// machinery.
func (a *Agent) Start(ctx context.Context) error {
	a.deployments.CleanupTemporary()

	if n, err := a.history.AbortRunning(ctx, a.project.Name); err != nil {
		a.logger.Warn("failed to abort stale job runs", zap.Error(err))
	} else if n > 0 {
		a.logger.Info("aborted job runs left by a previous process", zap.Int64("count", n))
	}

	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if err := a.continuous.Start(); err != nil {
		a.scheduler.Stop()
		return fmt.Errorf("starting continuous jobs: %w", err)
	}
	if err := a.watcher.Start(); err != nil {
		a.continuous.Stop()
		a.scheduler.Stop()
		return fmt.Errorf("watching continuous jobs: %w", err)
	}

	a.logger.Info("site started", zap.String("path", a.project.Path))
	return nil
}

// Stop halts the scheduler and every job, then waits for in-flight
// deployments until ctx expires.
func (a *Agent) Stop(ctx context.Context) error {
	a.scheduler.Stop()
	a.watcher.Stop()
	a.continuous.Stop()
	a.jobs.Shutdown()

	done := make(chan struct{})
	go func() {
		a.deployments.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("site stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for deployments of %s: %w", a.project.Name, ctx.Err())
	}
}
