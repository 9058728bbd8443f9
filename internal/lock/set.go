package lock

import (
	"fmt"
	"path/filepath"
	"sync"

	"deployagent/internal/security"
)

// Set hands out one OperationLock per name, all stored under a common
// directory. Different names lock independently; the same name always maps
// to the same instance.
type Set struct {
	dir string

	mu    sync.Mutex
	locks map[string]*OperationLock
}

// NewSet creates a Set storing "<name>.lock" files under dir.
func NewSet(dir string) *Set {
	return &Set{
		dir:   dir,
		locks: make(map[string]*OperationLock),
	}
}

// Get returns the lock for name, creating it on first use.
func (s *Set) Get(name string) (*OperationLock, error) {
	if err := security.ValidateJobName(name); err != nil {
		return nil, fmt.Errorf("invalid lock name: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.locks[name]; ok {
		return l, nil
	}
	l, err := New(filepath.Join(s.dir, name+".lock"))
	if err != nil {
		return nil, err
	}
	s.locks[name] = l
	return l, nil
}
