package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// MaxNameLength bounds deployment ids and job names; both become path segments.
const MaxNameLength = 128

// ActiveLinkName is the reserved entry under the deployments root that points
// at the active deployment.
const ActiveLinkName = "active"

var (
	branchPattern     = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	projectPattern    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	namePattern       = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	revisionPattern   = regexp.MustCompile(`^[0-9a-fA-F]{4,64}$`)
	repositoryPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+/[a-zA-Z0-9_.-]+$`)
)

// ValidateBranchName ensures branch name is safe for git operations.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if strings.Contains(branch, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateProjectName ensures project name is safe for use in paths and URLs.
func ValidateProjectName(name string) error {
	if name == "" {
		return fmt.Errorf("project name cannot be empty")
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("project name cannot start with '-'")
	}
	if !projectPattern.MatchString(name) {
		return fmt.Errorf("project name contains invalid characters (only a-z, A-Z, 0-9, _, - allowed)")
	}
	return nil
}

// ValidateDeploymentID checks that id can be used as a directory name under
// the deployments root.
func ValidateDeploymentID(id string) error {
	if err := validateName("deployment id", id); err != nil {
		return err
	}
	if id == ActiveLinkName {
		return fmt.Errorf("deployment id %q is reserved", id)
	}
	return nil
}

// ValidateJobName checks that name can be used as a job directory name.
func ValidateJobName(name string) error {
	return validateName("job name", name)
}

func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%s too long (maximum %d characters)", kind, MaxNameLength)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%s cannot contain '..'", kind)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%s contains invalid characters", kind)
	}
	return nil
}

// ValidateRevision ensures a commit id is a plain hexadecimal object name.
func ValidateRevision(rev string) error {
	if !revisionPattern.MatchString(rev) {
		return fmt.Errorf("invalid revision %q", rev)
	}
	return nil
}

// ValidateRepository checks a GitHub "owner/name" repository reference.
func ValidateRepository(repo string) error {
	if !repositoryPattern.MatchString(repo) {
		return fmt.Errorf("repository must be in owner/name form, got %q", repo)
	}
	return nil
}

// SanitizePath ensures a path is absolute and doesn't contain traversal attempts.
func SanitizePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}

	// Check before cleaning; Clean would hide them.
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path contains traversal elements: %s", path)
	}

	return filepath.Clean(path), nil
}

// ContainedPath joins rel onto base and fails if the result escapes base.
// Unlike a symlink-resolving check it works for paths that do not exist yet.
func ContainedPath(base, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative: %s", rel)
	}
	joined := filepath.Join(base, rel)
	relPath, err := filepath.Rel(filepath.Clean(base), joined)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q is outside %q", rel, base)
	}
	return joined, nil
}
