package status

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"deployagent/internal/security"
	"deployagent/pkg/fileutil"
)

const (
	statusFileName   = "status.xml"
	logFileName      = "log.log"
	manifestFileName = "manifest"
)

// Manager owns the records under a deployments root.
type Manager struct {
	root      string
	analytics Analytics
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager rooted at root, creating the directory if
// needed.
func NewManager(root string, analytics Analytics, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("deployments root cannot be empty")
	}
	if analytics == nil {
		return nil, fmt.Errorf("analytics sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := security.CreateSecureDir(root, security.PermDirectory); err != nil {
		return nil, fmt.Errorf("failed to create deployments root: %w", err)
	}

	m := &Manager{
		root:      root,
		analytics: analytics,
		logger:    logger.Named("status"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Root returns the deployments root directory.
func (m *Manager) Root() string {
	return m.root
}

// Dir returns the directory holding everything for id.
func (m *Manager) Dir(id string) string {
	return filepath.Join(m.root, id)
}

// LogPath returns the deployment log path for id.
func (m *Manager) LogPath(id string) string {
	return filepath.Join(m.root, id, logFileName)
}

// ManifestPath returns the output manifest path for id.
func (m *Manager) ManifestPath(id string) string {
	return filepath.Join(m.root, id, manifestFileName)
}

// Create writes a fresh Pending record for id, replacing whatever record was
// there before.
func (m *Manager) Create(id string) (*File, error) {
	if err := security.ValidateDeploymentID(id); err != nil {
		return nil, err
	}
	if err := security.CreateSecureDir(m.Dir(id), security.PermDirectory); err != nil {
		return nil, fmt.Errorf("failed to create deployment directory: %w", err)
	}

	f := &File{
		ID:           id,
		Status:       Pending,
		ReceivedTime: m.now(),
		mgr:          m,
	}
	if err := m.save(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Open loads the record for id. It returns nil when the id is invalid or has
// no record. A record that cannot be parsed is reported to analytics, its
// directory is removed, and nil is returned.
func (m *Manager) Open(id string) *File {
	if security.ValidateDeploymentID(id) != nil {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(m.Dir(id), statusFileName))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("failed to read deployment record", zap.String("id", id), zap.Error(err))
		}
		return nil
	}

	f, err := decode(id, data)
	if err != nil {
		m.analytics.UnexpectedException(err, true)
		m.logger.Warn("removing corrupted deployment record", zap.String("id", id), zap.Error(err))
		if rmErr := os.RemoveAll(m.Dir(id)); rmErr != nil {
			m.logger.Error("failed to remove corrupted deployment record", zap.String("id", id), zap.Error(rmErr))
		}
		return nil
	}

	f.mgr = m
	return f
}

// Delete removes the record and everything else stored for id.
func (m *Manager) Delete(id string) error {
	if err := security.ValidateDeploymentID(id); err != nil {
		return err
	}
	if err := os.RemoveAll(m.Dir(id)); err != nil {
		return fmt.Errorf("failed to delete deployment %q: %w", id, err)
	}
	return nil
}

// List returns the ids that have a record directory, in name order.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || security.ValidateDeploymentID(e.Name()) != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// All opens every record, newest first. Corrupted records are dropped along
// the way.
func (m *Manager) All() ([]*File, error) {
	ids, err := m.List()
	if err != nil {
		return nil, err
	}

	files := make([]*File, 0, len(ids))
	for _, id := range ids {
		if f := m.Open(id); f != nil {
			files = append(files, f)
		}
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].ReceivedTime.After(files[j].ReceivedTime)
	})
	return files, nil
}

// ActiveID returns the id of the active deployment, or "" if none is set.
func (m *Manager) ActiveID() string {
	return fileutil.ReadSymlink(filepath.Join(m.root, security.ActiveLinkName))
}

// SetActiveID points the active pointer at id.
func (m *Manager) SetActiveID(id string) error {
	if err := security.ValidateDeploymentID(id); err != nil {
		return err
	}
	return fileutil.UpdateSymlinkAtomic(filepath.Join(m.root, security.ActiveLinkName), id)
}

// DeleteTemporary removes temporary records left behind by an interrupted
// fetch and returns how many were removed.
func (m *Manager) DeleteTemporary() int {
	files, err := m.All()
	if err != nil {
		m.logger.Warn("failed to scan for temporary deployments", zap.Error(err))
		return 0
	}

	removed := 0
	for _, f := range files {
		if !f.IsTemporary {
			continue
		}
		if err := m.Delete(f.ID); err != nil {
			m.logger.Warn("failed to delete temporary deployment", zap.String("id", f.ID), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

func (m *Manager) save(f *File) error {
	data, err := encode(f)
	if err != nil {
		return err
	}
	path := filepath.Join(m.Dir(f.ID), statusFileName)
	if err := fileutil.WriteFileAtomic(path, data, security.PermDataFile); err != nil {
		return fmt.Errorf("failed to save deployment %q: %w", f.ID, err)
	}
	return nil
}
