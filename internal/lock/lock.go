// Package lock provides inter-process mutual exclusion backed by advisory
// file locks.
//
// An OperationLock guards one named resource (a deployment, a job). Lock never
// blocks and never returns an error: contention and IO failures both read as
// "not acquired", leaving the caller to decide between failing fast and
// retrying through LockOperation.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"deployagent/internal/security"
)

const (
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = time.Second
)

// ErrTimeout is returned by LockOperation when the lock could not be acquired
// before the timeout and no onLocked callback was given.
var ErrTimeout = errors.New("timed out waiting for lock")

// OperationLock is a non-blocking exclusive lock on a file path. It excludes
// other processes and other OperationLock instances on the same path; a
// single instance is also safe for concurrent use by several goroutines.
type OperationLock struct {
	path string

	mu   sync.Mutex
	file *os.File

	// onAcquire runs right after a successful acquire, before Lock returns.
	onAcquire func()
}

// Holder describes the current owner of a lock file.
type Holder struct {
	PID        int
	AcquiredAt time.Time
}

// New creates an OperationLock for path. The file is created on first Lock.
func New(path string) (*OperationLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path cannot be empty")
	}
	return &OperationLock{path: path}, nil
}

// Path returns the lock file path.
func (l *OperationLock) Path() string {
	return l.path
}

// Lock tries to acquire the lock without waiting. It returns false when the
// lock is held elsewhere, already held by this instance, or on any IO error.
func (l *OperationLock) Lock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return false
	}

	if err := os.MkdirAll(filepath.Dir(l.path), security.PermDirectory); err != nil {
		return false
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, security.PermDataFile)
	if err != nil {
		return false
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return false
	}

	l.file = f
	l.writeHolder()

	if l.onAcquire != nil {
		l.onAcquire()
	}
	return true
}

// Release releases the lock. It is a no-op when the lock is not held, so it
// is safe to call more than once. The lock file is left in place.
func (l *OperationLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}

	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
}

// IsHeld reports whether this instance currently holds the lock.
func (l *OperationLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// Holder reads the owner recorded in the lock file. The information is only
// meaningful while some process holds the lock.
func (l *OperationLock) Holder() (Holder, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return Holder{}, false
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return Holder{}, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return Holder{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, fields[1])
	if err != nil {
		return Holder{}, false
	}
	return Holder{PID: pid, AcquiredAt: at}, true
}

func (l *OperationLock) writeHolder() {
	if err := l.file.Truncate(0); err != nil {
		return
	}
	line := fmt.Sprintf("%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano))
	_, _ = l.file.WriteAt([]byte(line), 0)
}

// LockOperation waits up to timeout for the lock, polling with exponential
// backoff. Once acquired it runs operation and releases the lock afterwards,
// even if operation panics. If the lock cannot be acquired in time, operation
// is not run and the result of onLocked is returned instead (ErrTimeout when
// onLocked is nil). Cancelling ctx stops the wait and returns ctx.Err().
func (l *OperationLock) LockOperation(ctx context.Context, timeout time.Duration, operation func() error, onLocked func() error) error {
	acquired, err := l.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	if !acquired {
		if onLocked != nil {
			return onLocked()
		}
		return ErrTimeout
	}

	defer l.Release()
	return operation()
}

// TryLockOperation is LockOperation that reports contention as false instead
// of calling back.
func (l *OperationLock) TryLockOperation(ctx context.Context, timeout time.Duration, operation func() error) (bool, error) {
	ran := false
	err := l.LockOperation(ctx, timeout, func() error {
		ran = true
		return operation()
	}, func() error { return nil })
	return ran, err
}

// Acquire waits up to timeout for the lock with the same backoff as
// LockOperation, but leaves it held on success. The caller must Release it.
func (l *OperationLock) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	if l.Lock() {
		return true, nil
	}
	if timeout <= 0 {
		return false, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	backoff := initialBackoff
	for {
		wait := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			wait.Stop()
			return false, ctx.Err()
		case <-deadline.C:
			wait.Stop()
			// One last attempt so a release that raced the deadline still counts.
			return l.Lock(), nil
		case <-wait.C:
		}

		if l.Lock() {
			return true, nil
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
