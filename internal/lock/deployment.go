package lock

import (
	"os"
	"path/filepath"
)

// staleGitLocks are left behind when git is killed mid-operation and make
// every later git command in the repository fail.
var staleGitLocks = []string{
	filepath.Join(".git", "index.lock"),
	filepath.Join(".git", "HEAD.lock"),
	filepath.Join(".git", "shallow.lock"),
}

// DeploymentLock is the site-wide deployment lock. Whoever acquires it is the
// only writer of the repository, so any git lock files present at that point
// are stale and get removed.
type DeploymentLock struct {
	*OperationLock
	repoPath string
}

// NewDeploymentLock creates the deployment lock at path guarding the
// repository at repoPath.
func NewDeploymentLock(path, repoPath string) (*DeploymentLock, error) {
	ol, err := New(path)
	if err != nil {
		return nil, err
	}
	dl := &DeploymentLock{OperationLock: ol, repoPath: repoPath}
	ol.onAcquire = dl.repair
	return dl, nil
}

func (d *DeploymentLock) repair() {
	if d.repoPath == "" {
		return
	}
	for _, rel := range staleGitLocks {
		_ = os.Remove(filepath.Join(d.repoPath, rel))
	}
}
