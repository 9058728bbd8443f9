package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"deployagent/internal/security"
)

// DefaultDebounce is how long the watcher waits for file events to settle.
const DefaultDebounce = 5 * time.Second

// Watcher reports changed job names under a jobs directory. Events are
// debounced; every flush re-lists the directory so missed events heal on
// the next one. Callbacks are serialized.
type Watcher struct {
	dir      string
	list     func() ([]string, error)
	onChange func(name string)
	debounce time.Duration
	logger   *zap.Logger

	fsw  *fsnotify.Watcher
	done chan struct{}

	mu      sync.Mutex
	pending map[string]struct{}
	known   map[string]bool
	timer   *time.Timer
	stopped bool

	// cbMu serializes flushes and thus callbacks.
	cbMu sync.Mutex
}

// NewWatcher creates a watcher over dir. list returns the current job names;
// onChange is called once per changed name.
func NewWatcher(dir string, list func() ([]string, error), onChange func(string), debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("watch directory cannot be empty")
	}
	if list == nil || onChange == nil {
		return nil, fmt.Errorf("list and onChange callbacks are required")
	}
	if debounce < 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		list:     list,
		onChange: onChange,
		debounce: debounce,
		logger:   logger.With(zap.String("dir", dir)),
		pending:  make(map[string]struct{}),
		known:    make(map[string]bool),
	}, nil
}

// Start begins watching and notifies every existing job before returning.
// The directory is created if missing.
func (w *Watcher) Start() error {
	if err := security.CreateSecureDir(w.dir, security.PermDirectory); err != nil {
		return fmt.Errorf("failed to create jobs directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.fsw = fsw
	w.done = make(chan struct{})

	go w.loop()

	// The initial sweep treats every job on disk as added.
	w.flush()
	return nil
}

// Stop ends watching. No callback runs after Stop returns.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if w.fsw != nil {
		_ = w.fsw.Close()
		<-w.done
	}

	// Wait out a flush already in progress.
	w.cbMu.Lock()
	w.cbMu.Unlock()
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Events may have been dropped; the relist on flush covers them.
			w.logger.Warn("file watcher error", zap.Error(err))
			w.schedule("")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	rel, err := filepath.Rel(w.dir, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		w.schedule("")
		return
	}
	name, _, _ := strings.Cut(rel, string(filepath.Separator))
	w.schedule(name)
}

// schedule records name (if any) and pushes the flush out by the debounce
// interval.
func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if name != "" && security.ValidateJobName(name) == nil {
		w.pending[name] = struct{}{}
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()

	names, err := w.list()
	if err != nil {
		// Keep the pending names for the next attempt.
		w.logger.Warn("failed to list jobs", zap.Error(err))
		return
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	changed := w.pending
	w.pending = make(map[string]struct{})

	current := make(map[string]bool, len(names))
	for _, name := range names {
		current[name] = true
		if !w.known[name] {
			changed[name] = struct{}{}
		}
	}
	for name := range w.known {
		if !current[name] {
			changed[name] = struct{}{}
		}
	}
	w.known = current
	w.mu.Unlock()

	// Job directories are watched too so edits inside them are seen.
	for _, name := range names {
		if err := w.fsw.Add(filepath.Join(w.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Debug("failed to watch job directory", zap.String("job", name), zap.Error(err))
		}
	}

	ordered := make([]string, 0, len(changed))
	for name := range changed {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	for _, name := range ordered {
		w.mu.Lock()
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			return
		}
		w.onChange(name)
	}
}
