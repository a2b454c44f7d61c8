// Package durable provides the write primitives file-backed handlers
// rely on: atomic replace, corruption detection with recovery, and a
// versioned backup manager. All three are stateless apart from the
// backup manager's version counters; none of them touch the pipeline.
package durable

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AtomicWrite replaces the file at path with data without ever leaving
// a partially written target. The content goes to a temporary file
// (`<path>.tmp.<random>`) in the same directory, is flushed to stable
// storage, and is then renamed over the target. If the rename fails
// the temp file is left in place for inspection and the write reports
// failure; the target is untouched either way.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp.")
	if err != nil {
		return fmt.Errorf("atomic write %s: create temp: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("atomic write %s: write temp: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("atomic write %s: sync temp: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("atomic write %s: close temp: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("atomic write %s: chmod temp: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		// Temp left behind deliberately.
		return fmt.Errorf("atomic write %s: rename: %w", path, err)
	}

	// Persist the rename itself. Errors here are not fatal to the
	// write: the data is already safely renamed in the namespace.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// IsTempFile reports whether name looks like an atomic-write temp file.
func IsTempFile(name string) bool {
	return strings.Contains(filepath.Base(name), ".tmp.")
}

// CleanupOrphans removes temp files left in dir by writes interrupted
// before rename. Called on startup; returns the number removed.
func CleanupOrphans(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("cleanup orphans %s: %w", dir, err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !IsTempFile(entry.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
