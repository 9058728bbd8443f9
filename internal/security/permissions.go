package security

import (
	"fmt"
	"os"
)

const (
	// PermConfigFile is for configuration files containing secrets (rw-r-----).
	PermConfigFile os.FileMode = 0640

	// PermDataFile is for status records, manifests, lock files and
	// deployment logs (rw-r-----).
	PermDataFile os.FileMode = 0640

	// PermDBFile is for the job history database (rw-r-----).
	PermDBFile os.FileMode = 0640

	// PermDirectory is for agent-owned directories (rwxr-x---).
	PermDirectory os.FileMode = 0750
)

// CreateSecureDir creates a directory (and parents) and forces perm on it,
// bypassing the umask.
func CreateSecureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set directory permissions: %w", err)
	}

	return nil
}

// EnsureSecurePermissions checks that a file is not more permissive than
// expectedPerm.
func EnsureSecurePermissions(path string, expectedPerm os.FileMode) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	actualPerm := info.Mode().Perm()
	if actualPerm&^expectedPerm != 0 {
		return fmt.Errorf("file %s has too permissive permissions: %04o (expected: %04o)",
			path, actualPerm, expectedPerm)
	}

	return nil
}
