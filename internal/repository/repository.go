// Package repository drives the site's git working copy.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"deployagent/internal/security"
)

// DefaultRemote is the remote fetched from.
const DefaultRemote = "origin"

// ErrUnknownRevision is returned when a ref or revision does not exist.
var ErrUnknownRevision = errors.New("unknown revision")

// ErrInvalidRef is returned for a ref that is neither a revision nor a
// branch name.
var ErrInvalidRef = errors.New("invalid ref")

// changeSetFormat separates fields with the ASCII unit separator.
const changeSetFormat = "--format=%H%x1f%an%x1f%ae%x1f%cI%x1f%s"

// ChangeSet describes one commit.
type ChangeSet struct {
	ID          string    `json:"id"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// Git runs git commands in one working copy through the sandboxed executor.
type Git struct {
	path     string
	remote   string
	executor *security.SandboxedExecutor
	logger   *zap.Logger
}

// New creates a Git for the working copy at path. timeout bounds each git
// command.
func New(path string, timeout time.Duration, logger *zap.Logger) (*Git, error) {
	if path == "" {
		return nil, fmt.Errorf("repository path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	executor := security.NewSandboxedExecutor(path)
	executor.AllowedCommands = map[string]bool{"git": true}
	executor.Timeout = timeout
	executor.Env = []string{"GIT_TERMINAL_PROMPT=0", "LC_ALL=C"}

	return &Git{
		path:     path,
		remote:   DefaultRemote,
		executor: executor,
		logger:   logger.Named("git").With(zap.String("repository", path)),
	}, nil
}

// Path returns the working copy path.
func (g *Git) Path() string {
	return g.path
}

// ChangeSet resolves ref (a branch, a revision or HEAD) to its commit.
func (g *Git) ChangeSet(ctx context.Context, ref string) (*ChangeSet, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}

	out, err := g.git(ctx, "log", "-1", changeSetFormat, ref, "--")
	if err != nil {
		return nil, err
	}
	return parseChangeSet(out)
}

// Update checks out the given revision, discarding local changes.
func (g *Git) Update(ctx context.Context, id string) error {
	if err := security.ValidateRevision(id); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownRevision, err)
	}
	_, err := g.git(ctx, "reset", "--hard", id)
	return err
}

// Clean removes untracked and ignored files.
func (g *Git) Clean(ctx context.Context) error {
	_, err := g.git(ctx, "clean", "-xdf")
	return err
}

// Fetch updates the remote tracking branch and returns its head.
func (g *Git) Fetch(ctx context.Context, branch string) (*ChangeSet, error) {
	if err := security.ValidateBranchName(branch); err != nil {
		return nil, err
	}

	tracking := "refs/remotes/" + g.remote + "/" + branch
	refspec := "+refs/heads/" + branch + ":" + tracking
	if _, err := g.git(ctx, "fetch", "--quiet", g.remote, refspec); err != nil {
		return nil, err
	}
	return g.ChangeSet(ctx, tracking)
}

func (g *Git) git(ctx context.Context, args ...string) (string, error) {
	cmd := append([]string{"git"}, args...)
	out, err := g.executor.Execute(ctx, cmd)
	if err != nil {
		text := strings.TrimSpace(string(out))
		g.logger.Debug("git command failed",
			zap.Strings("args", args),
			zap.String("output", text),
			zap.Error(err),
		)
		if isUnknownRevision(text) {
			return "", fmt.Errorf("%w: %s", ErrUnknownRevision, firstLine(text))
		}
		if text != "" {
			return "", fmt.Errorf("git %s: %w: %s", args[0], err, firstLine(text))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}

var unknownRevisionMarkers = []string{
	"unknown revision",
	"bad revision",
	"bad object",
	"not a valid object name",
	"needed a single revision",
	"could not parse object",
	"couldn't find remote ref",
	"does not have any commits yet",
}

func isUnknownRevision(output string) bool {
	lower := strings.ToLower(output)
	for _, m := range unknownRevisionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func validateRef(ref string) error {
	if ref == "HEAD" || security.ValidateRevision(ref) == nil {
		return nil
	}
	if err := security.ValidateBranchName(ref); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidRef, ref, err)
	}
	return nil
}

func parseChangeSet(out string) (*ChangeSet, error) {
	fields := strings.Split(strings.TrimRight(out, "\n"), "\x1f")
	if len(fields) != 5 {
		return nil, fmt.Errorf("unexpected git log output %q", out)
	}
	ts, err := time.Parse(time.RFC3339, fields[3])
	if err != nil {
		return nil, fmt.Errorf("invalid commit time %q: %w", fields[3], err)
	}
	return &ChangeSet{
		ID:          fields[0],
		AuthorName:  fields[1],
		AuthorEmail: fields[2],
		Timestamp:   ts,
		Message:     fields[4],
	}, nil
}
