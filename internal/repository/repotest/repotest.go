// Package repotest builds throwaway git repositories for tests.
package repotest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when git is not installed.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// Run runs git in dir and returns its trimmed output.
func Run(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test User",
		"GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test User",
		"GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// Origin is a bare repository with a working clone used to push commits.
type Origin struct {
	Bare string
	Work string
}

// NewOrigin creates a bare origin with one commit on main.
func NewOrigin(t testing.TB) *Origin {
	t.Helper()
	RequireGit(t)

	root := t.TempDir()
	o := &Origin{
		Bare: filepath.Join(root, "origin.git"),
		Work: filepath.Join(root, "work"),
	}
	Run(t, root, "init", "--bare", "--initial-branch=main", o.Bare)
	Run(t, root, "clone", "--quiet", o.Bare, o.Work)
	Run(t, o.Work, "checkout", "--quiet", "-B", "main")
	o.Commit(t, "README.md", "hello\n", "Initial commit")
	return o
}

// Commit writes file, commits it, pushes main and returns the commit id.
func (o *Origin) Commit(t testing.TB, file, content, message string) string {
	t.Helper()
	path := filepath.Join(o.Work, file)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	Run(t, o.Work, "add", "--all")
	Run(t, o.Work, "commit", "--quiet", "-m", message)
	Run(t, o.Work, "push", "--quiet", "origin", "main")
	return Run(t, o.Work, "rev-parse", "HEAD")
}

// Clone clones the origin into dir.
func (o *Origin) Clone(t testing.TB, dir string) {
	t.Helper()
	Run(t, filepath.Dir(dir), "clone", "--quiet", "--branch", "main", o.Bare, dir)
}
