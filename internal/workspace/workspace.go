// Package workspace manages the on-disk state layout that a supervised
// run needs around the agent's working directory.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// StateDir is the directory holding parco's own state inside a
// workspace root.
const StateDir = ".parco"

// RequiredDirectories lists the directories a run expects to exist,
// relative to the workspace root.
func RequiredDirectories() []string {
	return []string{
		StateDir,                           // core.db, audit.log
		filepath.Join(StateDir, "arbiter"), // arbiter transcripts kept for review
	}
}

// ArbiterDir returns the directory holding arbiter transcripts for the
// given workspace root.
func ArbiterDir(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, StateDir, "arbiter")
}

// Initialize creates the state directories with 0700 permissions.
// Idempotent: safe to call on every startup.
func Initialize(workspaceRoot string) error {
	for _, dir := range RequiredDirectories() {
		path := filepath.Join(workspaceRoot, dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// IsInitialized reports whether the workspace has all state directories.
func IsInitialized(workspaceRoot string) (bool, error) {
	for _, dir := range RequiredDirectories() {
		path := filepath.Join(workspaceRoot, dir)
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}
