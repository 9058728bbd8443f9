package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"deployagent/internal/agent"
	"deployagent/internal/config"
	"deployagent/internal/history"
	"deployagent/internal/logger"
	"deployagent/internal/metrics"
	"deployagent/internal/project"
	"deployagent/pkg/fileutil"
)

const projectsFileName = "projects.yaml"

// loadProjects reads the projects file named in the config, or the first one
// found in the default locations.
func loadProjects(cfg *config.Config) (*project.Registry, string, error) {
	path := cfg.ProjectsFile
	if path == "" {
		searchPaths := fileutil.DefaultConfigPaths(projectsFileName)
		path = fileutil.SearchPathsOptional(searchPaths)
		if path == "" {
			fmt.Fprintf(os.Stderr, "No %s found in default locations:\n", projectsFileName)
			for _, p := range searchPaths {
				fmt.Fprintf(os.Stderr, "  - %s\n", p)
			}
			fmt.Fprintf(os.Stderr, "Use --projects to specify a custom location\n")
			return nil, "", fmt.Errorf("projects file not found")
		}
	}

	projects, err := project.LoadConfig(path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return project.NewRegistry(projects), path, nil
}

func buildInfo() map[string]string {
	return map[string]string{
		"version": version,
		"commit":  gitCommit,
		"date":    buildDate,
	}
}

func agentOptions(cfg *config.Config, hist *history.History, m *metrics.Metrics, log *zap.Logger) agent.Options {
	return agent.Options{
		History:      hist,
		Metrics:      m,
		Logger:       log,
		LockTimeout:  cfg.DeployLockTimeout,
		Keep:         cfg.DeployKeep,
		JobsDebounce: cfg.JobsDebounce,
		JobsTimeout:  cfg.JobsTimeout,
		RestartDelay: cfg.JobsRestartDelay,
		MaxTimer:     cfg.JobsMaxTimer,
	}
}

// siteSession is one site opened by a command-line operation. Its background
// job machinery is not started.
type siteSession struct {
	agent   *agent.Agent
	history *history.History
	logger  *zap.Logger
}

func (s *siteSession) Close() {
	s.agent.Deployments().Wait()
	s.agent.Jobs().Wait()
	_ = s.history.Close()
	_ = s.logger.Sync()
}

// openSite loads the configuration and builds the named site. Logs go to
// stderr so command output stays readable.
func openSite(name string) (*siteSession, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.LogLevel, "console", "stderr")
	if err != nil {
		return nil, err
	}

	reg, _, err := loadProjects(cfg)
	if err != nil {
		return nil, err
	}
	p, err := reg.Get(name)
	if err != nil {
		return nil, err
	}

	hist, err := history.NewHistory(cfg.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	a, err := agent.New(p, agentOptions(cfg, hist, nil, log))
	if err != nil {
		_ = hist.Close()
		return nil, err
	}
	return &siteSession{agent: a, history: hist, logger: log}, nil
}
