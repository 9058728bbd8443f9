package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"deployagent/internal/security"
	"deployagent/pkg/cmdutil"
)

const (
	DefaultBranch        = "main"
	DefaultSKU           = SKUBasic
	DefaultFetchTimeout  = 60
	DefaultBuildTimeout  = 600
	DefaultStatusContext = "deployagent"
)

var validSKUs = map[string]bool{
	SKUFree:     true,
	SKUShared:   true,
	SKUBasic:    true,
	SKUStandard: true,
	SKUPremium:  true,
}

// LoadConfig loads and validates the configuration from a YAML file
func LoadConfig(configPath string) (map[string]*Project, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig validates YAML configuration and builds the projects it
// describes.
func ParseConfig(data []byte) (map[string]*Project, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Initialize Projects map if it's nil (happens with empty YAML files)
	if config.Projects == nil {
		config.Projects = make(map[string]ProjectConfig)
	}

	projects := make(map[string]*Project)
	for name, projectConfig := range config.Projects {
		errors := ValidateProjectConfig(name, projectConfig)
		if len(errors) > 0 {
			return nil, fmt.Errorf("invalid configuration for project '%s':\n%s",
				name, strings.Join(errors, "\n"))
		}

		p, err := newProject(name, projectConfig)
		if err != nil {
			return nil, err
		}
		projects[name] = p
	}

	return projects, nil
}

func newProject(name string, cfg ProjectConfig) (*Project, error) {
	realPath, err := filepath.EvalSymlinks(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve symlinks for project '%s': %w", name, err)
	}

	p := &Project{
		Name:         name,
		Path:         realPath,
		Secret:       cfg.Secret,
		Branch:       orDefault(cfg.Branch, DefaultBranch),
		SKU:          strings.ToLower(orDefault(cfg.SKU, DefaultSKU)),
		BuildTimeout: seconds(cfg.BuildTimeout, DefaultBuildTimeout),
		FetchTimeout: seconds(cfg.FetchTimeout, DefaultFetchTimeout),
		JobTimeout:   time.Duration(cfg.JobTimeout) * time.Second,
		Keep:         cfg.Keep,
	}

	for i, raw := range cfg.Build {
		parts, err := cmdutil.ParseCommandList(raw)
		if err != nil {
			return nil, fmt.Errorf("project '%s': build[%d]: %w", name, i, err)
		}
		p.Build = append(p.Build, parts)
	}

	if cfg.GitHub != nil {
		owner, repo, _ := strings.Cut(cfg.GitHub.Repository, "/")
		p.GitHub = &GitHub{
			Owner:    owner,
			Repo:     repo,
			TokenEnv: cfg.GitHub.TokenEnv,
			Context:  orDefault(cfg.GitHub.Context, DefaultStatusContext),
		}
	}

	return p, nil
}

// ValidateProjectConfig validates a single project configuration
func ValidateProjectConfig(name string, config ProjectConfig) []string {
	var errors []string
	add := func(format string, args ...interface{}) {
		errors = append(errors, fmt.Sprintf("  - Project '%s': ", name)+fmt.Sprintf(format, args...))
	}

	if err := security.ValidateProjectName(name); err != nil {
		add("invalid project name: %v", err)
	}

	// Validate path
	if config.Path == "" {
		add("missing required 'path' field")
	} else if !filepath.IsAbs(config.Path) {
		add("path must be absolute, got '%s'", config.Path)
	} else {
		errors = append(errors, validateSitePath(name, config.Path)...)
	}

	// Validate secret
	if config.Secret == "" {
		add("missing required 'secret' field")
	} else if err := security.ValidateSecret(config.Secret); err != nil {
		add("%v", err)
	}

	// Validate timeouts (must be positive if set, zero uses defaults)
	timeouts := []struct {
		field string
		value int
	}{
		{"build_timeout", config.BuildTimeout},
		{"fetch_timeout", config.FetchTimeout},
		{"job_timeout", config.JobTimeout},
	}
	for _, t := range timeouts {
		if t.value < 0 {
			add("%s must be a positive integer, got %d", t.field, t.value)
		}
	}
	if config.Keep < 0 {
		add("keep must be a positive integer, got %d", config.Keep)
	}

	// Validate branch
	if config.Branch != "" {
		if err := security.ValidateBranchName(config.Branch); err != nil {
			add("%v", err)
		}
	}

	if config.SKU != "" && !validSKUs[strings.ToLower(config.SKU)] {
		add("unknown sku '%s' (must be free, shared, basic, standard, or premium)", config.SKU)
	}

	// Validate build commands
	for i, cmd := range config.Build {
		if _, err := cmdutil.ParseCommandList(cmd); err != nil {
			add("build[%d]: %v", i, err)
		}
	}

	if gh := config.GitHub; gh != nil {
		if err := security.ValidateRepository(gh.Repository); err != nil {
			add("github: %v", err)
		}
		if gh.TokenEnv == "" {
			add("github: missing required 'token_env' field")
		}
	}

	return errors
}

func validateSitePath(name, path string) []string {
	var errors []string
	add := func(format string, args ...interface{}) {
		errors = append(errors, fmt.Sprintf("  - Project '%s': ", name)+fmt.Sprintf(format, args...))
	}

	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		add("cannot resolve path '%s': %v", path, err)
		return errors
	}

	info, err := os.Stat(realPath)
	if err != nil {
		add("cannot stat path '%s': %v", realPath, err)
		return errors
	}
	if !info.IsDir() {
		add("path is not a directory: '%s'", realPath)
		return errors
	}

	// The repository must be cloned before the agent can deploy from it.
	gitDir := filepath.Join(realPath, RepositoryDir, ".git")
	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		add("repository is not a git clone (missing %s)", gitDir)
	}

	// Check path is within allowed root if configured
	if projectsRoot := os.Getenv("DEPLOYAGENT_PROJECTS_ROOT"); projectsRoot != "" {
		rootPath, err := filepath.EvalSymlinks(projectsRoot)
		if err == nil {
			relPath, err := filepath.Rel(rootPath, realPath)
			if err != nil || relPath == ".." || strings.HasPrefix(relPath, "../") {
				add("path '%s' is outside allowed root '%s'", realPath, rootPath)
			}
		}
	}

	return errors
}

// MatchesRef checks if a git ref matches the project's target branch
func (p *Project) MatchesRef(ref string) bool {
	return ref == fmt.Sprintf("refs/heads/%s", p.Branch)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func seconds(v, def int) time.Duration {
	if v == 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}
