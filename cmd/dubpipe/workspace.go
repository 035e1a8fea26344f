package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/allaspectsdev/dubpipe/internal/config"
)

// resolveWorkspaceDir maps a workspace id to its directory under the
// configured workspace root, creating it if absent. This mirrors the
// sanitization the daemon's HTTP resolver applies, so a CLI run and an
// HTTP-triggered run against the same id land in the same directory.
func resolveWorkspaceDir(cfg *config.Config, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid workspace id %q", id)
	}

	rootDir := expandHome(cfg.Workspace.RootDir)
	rootDir, err := filepath.Abs(rootDir)
	if err != nil {
		return "", fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace root %s: %w", rootDir, err)
	}

	dir := filepath.Join(rootDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace directory %s: %w", dir, err)
	}
	return dir, nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
