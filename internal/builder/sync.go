package builder

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"deployagent/internal/security"
	"deployagent/pkg/fileutil"
)

// skipDirs are never copied to the output.
var skipDirs = map[string]bool{
	".git": true,
}

type syncStats struct {
	// files are the slash-separated paths present in the output after the
	// sync, relative to it.
	files  []string
	copied int
}

// syncTree copies regular files and symlinks from src to dst. Files whose
// size and modification time already match are left alone.
func syncTree(src, dst string) (*syncStats, error) {
	stats := &syncStats{}

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() && skipDirs[d.Name()] {
			return filepath.SkipDir
		}

		target, err := security.ContainedPath(dst, rel)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if existing, err := os.Lstat(target); err == nil && !existing.IsDir() {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			return os.MkdirAll(target, security.PermDirectory)
		case info.Mode()&os.ModeSymlink != 0:
			if err := copySymlink(path, target); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			changed, err := copyIfChanged(path, target, info)
			if err != nil {
				return err
			}
			if changed {
				stats.copied++
			}
		default:
			// Sockets, devices and pipes have no place in a site.
			return nil
		}

		stats.files = append(stats.files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(stats.files)
	return stats, nil
}

func copyIfChanged(src, dst string, info fs.FileInfo) (bool, error) {
	if existing, err := os.Lstat(dst); err == nil {
		if existing.Mode().IsRegular() && existing.Size() == info.Size() && existing.ModTime().Equal(info.ModTime()) {
			return false, nil
		}
		if existing.IsDir() {
			if err := os.RemoveAll(dst); err != nil {
				return false, err
			}
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".sync-*")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Chtimes(tmpName, info.ModTime(), info.ModTime()); err != nil {
		return false, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return false, err
	}
	return true, nil
}

func copySymlink(src, dst string) error {
	link, err := os.Readlink(src)
	if err != nil {
		return err
	}
	if current, err := os.Readlink(dst); err == nil && current == link {
		return nil
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return os.Symlink(link, dst)
}

// removeStale deletes files listed in previous that the sync did not
// produce, along with directories left empty. It returns how many files it
// removed.
func removeStale(root string, previous, current []string, log *zap.Logger) int {
	keep := make(map[string]bool, len(current))
	for _, p := range current {
		keep[p] = true
	}

	removed := 0
	for _, rel := range previous {
		if keep[rel] {
			continue
		}
		path, err := security.ContainedPath(root, filepath.FromSlash(rel))
		if err != nil {
			log.Warn("ignoring manifest entry", zap.String("path", rel), zap.Error(err))
			continue
		}
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warn("failed to remove stale file", zap.String("path", rel), zap.Error(err))
			}
			continue
		}
		removed++
		pruneEmptyDirs(root, filepath.Dir(path))
	}
	return removed
}

func pruneEmptyDirs(root, dir string) {
	root = filepath.Clean(root)
	for dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)) {
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// readManifest returns the entries of the manifest at path. An empty path or
// a missing file is an empty manifest.
func readManifest(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var entries []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			entries = append(entries, line)
		}
	}
	return entries, sc.Err()
}

func writeManifest(path string, entries []string) error {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e)
		buf.WriteByte('\n')
	}
	if err := fileutil.WriteFileAtomic(path, buf.Bytes(), security.PermDataFile); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
