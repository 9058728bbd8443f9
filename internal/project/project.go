package project

import (
	"os"
	"path/filepath"
	"time"
)

// Site tiers. Scheduled jobs are unavailable on the free tier.
const (
	SKUFree     = "free"
	SKUShared   = "shared"
	SKUBasic    = "basic"
	SKUStandard = "standard"
	SKUPremium  = "premium"
)

// Layout of a site directory.
const (
	RepositoryDir  = "repository"
	OutputDir      = "wwwroot"
	DeploymentsDir = "deployments"
	LocksDir       = "locks"
	JobsDir        = "jobs"
)

// Project represents a validated site configuration
type Project struct {
	Name   string
	Path   string
	Secret string
	Branch string
	SKU    string

	// Build holds the parsed build commands, run in the output directory
	// after the repository has been synced into it.
	Build        [][]string
	BuildTimeout time.Duration
	FetchTimeout time.Duration
	JobTimeout   time.Duration

	// Keep is how many deployment records are retained. Zero means the
	// service default.
	Keep int

	// GitHub is set when commit statuses should be reported.
	GitHub *GitHub
}

// GitHub identifies the repository commit statuses are reported to.
type GitHub struct {
	Owner    string
	Repo     string
	TokenEnv string
	Context  string
}

// Token returns the API token from the configured environment variable.
func (g *GitHub) Token() string {
	if g == nil || g.TokenEnv == "" {
		return ""
	}
	return os.Getenv(g.TokenEnv)
}

// RepositoryPath is the git working copy deployments are built from.
func (p *Project) RepositoryPath() string { return filepath.Join(p.Path, RepositoryDir) }

// OutputPath is the directory the site is served from.
func (p *Project) OutputPath() string { return filepath.Join(p.Path, OutputDir) }

// DeploymentsPath is the root of the deployment records.
func (p *Project) DeploymentsPath() string { return filepath.Join(p.Path, DeploymentsDir) }

// LocksPath holds the site's lock files.
func (p *Project) LocksPath() string { return filepath.Join(p.Path, LocksDir) }

// DeploymentLockPath is the site-wide deployment lock file.
func (p *Project) DeploymentLockPath() string {
	return filepath.Join(p.LocksPath(), "deployment.lock")
}

// JobsPath is the root of the triggered and continuous job directories.
func (p *Project) JobsPath() string { return filepath.Join(p.Path, JobsDir) }

// ScheduledJobsAllowed reports whether the site tier may run scheduled jobs.
func (p *Project) ScheduledJobsAllowed() bool {
	return p.SKU != SKUFree
}

// ProjectConfig represents the YAML configuration for a project
type ProjectConfig struct {
	Path         string        `yaml:"path"`
	Secret       string        `yaml:"secret"`
	Branch       string        `yaml:"branch"`
	SKU          string        `yaml:"sku"`
	Build        []interface{} `yaml:"build"`
	BuildTimeout int           `yaml:"build_timeout"`
	FetchTimeout int           `yaml:"fetch_timeout"`
	JobTimeout   int           `yaml:"job_timeout"`
	Keep         int           `yaml:"keep"`
	GitHub       *GitHubConfig `yaml:"github"`
}

// GitHubConfig is the optional commit status section of a project.
type GitHubConfig struct {
	Repository string `yaml:"repository"`
	TokenEnv   string `yaml:"token_env"`
	Context    string `yaml:"context"`
}

// Config represents the root configuration structure
type Config struct {
	Projects map[string]ProjectConfig `yaml:"projects"`
}
