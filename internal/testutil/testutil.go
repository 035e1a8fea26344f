package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/allaspectsdev/dubpipe/internal/config"
)

// NewTestConfig returns a minimal valid config for testing, rooted at a
// fresh temporary directory.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workspace.RootDir = t.TempDir()
	return cfg
}

// NewWorkspace creates an empty temporary workspace directory and seeds
// the conventional source/input.media file the pipeline's root phases
// read by convention, returning the workspace root.
func NewWorkspace(t *testing.T, sourceMediaContent string) string {
	t.Helper()
	ws := t.TempDir()
	WriteFile(t, ws, filepath.Join("source", "input.media"), sourceMediaContent)
	return ws
}

// WriteFile writes content to a file in the given directory, creating any
// intermediate directories.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	return path
}
