// Package jobs discovers site jobs on disk and runs them.
//
// Jobs live under the site's jobs root, one directory per job:
//
//	jobs/triggered/<name>/run.sh
//	jobs/triggered/<name>/settings.job
//	jobs/continuous/<name>/run.py
//
// Triggered jobs run on demand or on a schedule; continuous jobs are kept
// running by a ContinuousRunner.
package jobs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"deployagent/internal/security"
)

// Type distinguishes triggered from continuous jobs.
type Type string

const (
	Triggered  Type = "triggered"
	Continuous Type = "continuous"
)

// SettingsFileName is the per-job settings file. It may be JSON or YAML.
const SettingsFileName = "settings.job"

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrConflict is returned when a job is already running. Single-run is
	// best effort: it holds across processes sharing the lock directory but
	// is not an exactly-once guarantee.
	ErrConflict = errors.New("job is already running")
)

// Settings are read from settings.job.
type Settings struct {
	Schedule     string        `yaml:"schedule"`
	IsSingleton  bool          `yaml:"is_singleton"`
	Timeout      time.Duration `yaml:"timeout"`
	RestartDelay time.Duration `yaml:"restart_delay"`
}

// Job is one discovered job.
type Job struct {
	Name       string
	Type       Type
	Dir        string
	ScriptPath string
	Host       *ScriptHost
	Settings   Settings

	// SettingsErr is set when settings.job exists but cannot be parsed. The
	// job is still listed with zero settings.
	SettingsErr error
}

// Command returns the argv that runs the job's script.
func (j *Job) Command(args []string) []string {
	return j.Host.Command(j.ScriptPath, args)
}

// ScriptHost knows how to run scripts with a set of extensions.
type ScriptHost struct {
	Name       string
	Extensions []string
	Command    func(script string, args []string) []string
}

// Supports reports whether the host runs files with the given extension.
func (h *ScriptHost) Supports(ext string) bool {
	for _, e := range h.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func interpreter(bin string) func(string, []string) []string {
	return func(script string, args []string) []string {
		return append([]string{bin, script}, args...)
	}
}

// DefaultScriptHosts returns the hosts used when none are configured, in
// priority order.
func DefaultScriptHosts() []ScriptHost {
	return []ScriptHost{
		{Name: "bash", Extensions: []string{".sh", ".bash"}, Command: interpreter("bash")},
		{Name: "python", Extensions: []string{".py"}, Command: interpreter("python3")},
		{Name: "node", Extensions: []string{".js"}, Command: interpreter("node")},
		{Name: "php", Extensions: []string{".php"}, Command: interpreter("php")},
	}
}

// Catalog lists jobs from a jobs root.
type Catalog struct {
	root  string
	hosts []ScriptHost
}

// NewCatalog creates a Catalog over root using the given script hosts.
func NewCatalog(root string, hosts []ScriptHost) (*Catalog, error) {
	if root == "" {
		return nil, fmt.Errorf("jobs root cannot be empty")
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("at least one script host is required")
	}
	for i := range hosts {
		if hosts[i].Command == nil || len(hosts[i].Extensions) == 0 {
			return nil, fmt.Errorf("script host %q is incomplete", hosts[i].Name)
		}
	}
	return &Catalog{root: root, hosts: hosts}, nil
}

// Dir returns the directory holding jobs of type t.
func (c *Catalog) Dir(t Type) string {
	return filepath.Join(c.root, string(t))
}

// Names returns the names of all job directories of type t, sorted. A
// missing directory has no jobs.
func (c *Catalog) Names(t Type) ([]string, error) {
	entries, err := os.ReadDir(c.Dir(t))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s jobs: %w", t, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && security.ValidateJobName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// List returns every runnable job of type t. Directories without a script
// are skipped.
func (c *Catalog) List(t Type) ([]*Job, error) {
	names, err := c.Names(t)
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(names))
	for _, name := range names {
		job, err := c.Get(t, name)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Get loads one job. It returns nil, nil when the job directory or its script
// does not exist.
func (c *Catalog) Get(t Type, name string) (*Job, error) {
	if err := security.ValidateJobName(name); err != nil {
		return nil, nil
	}

	dir := filepath.Join(c.Dir(t), name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read job %q: %w", name, err)
	}

	script, host := c.findScript(entries)
	if host == nil {
		return nil, nil
	}

	job := &Job{
		Name:       name,
		Type:       t,
		Dir:        dir,
		ScriptPath: filepath.Join(dir, script),
		Host:       host,
	}
	job.Settings, job.SettingsErr = readSettings(filepath.Join(dir, SettingsFileName))
	return job, nil
}

// findScript prefers run.<ext>; otherwise the first file any host supports.
func (c *Catalog) findScript(entries []os.DirEntry) (string, *ScriptHost) {
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	sort.SliceStable(files, func(i, j int) bool {
		return isRunFile(files[i]) && !isRunFile(files[j])
	})

	for _, f := range files {
		ext := filepath.Ext(f)
		for i := range c.hosts {
			if c.hosts[i].Supports(ext) {
				return f, &c.hosts[i]
			}
		}
	}
	return "", nil
}

func isRunFile(name string) bool {
	return strings.TrimSuffix(name, filepath.Ext(name)) == "run"
}

func readSettings(path string) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("failed to read %s: %w", SettingsFileName, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse %s: %w", SettingsFileName, err)
	}
	return s, nil
}
