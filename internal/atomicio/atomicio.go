// Package atomicio provides crash-safe file writes for every persistent
// mutation in the pipeline: manifest saves, artifact commits, CalDoc saves.
package atomicio

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile writes content to target atomically: it writes to a sibling
// temp file, fsyncs it, then renames it over target. POSIX rename is atomic
// within a filesystem, so a reader never observes a partially-written file.
// If an error occurs after the temp file is created, it is removed.
func WriteFile(target string, content []byte, perm os.FileMode) (retErr error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicio: create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("atomicio: create temp file for %s: %w", target, err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if retErr != nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicio: write temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicio: fsync temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicio: close temp file %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("atomicio: chmod temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("atomicio: rename %s to %s: %w", tmpPath, target, err)
	}
	return nil
}

// WriteString is a convenience wrapper around WriteFile for string content.
func WriteString(target string, content string, perm os.FileMode) error {
	return WriteFile(target, []byte(content), perm)
}
