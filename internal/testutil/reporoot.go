package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// ErrNoModuleRoot is returned when no go.mod exists above the start directory.
var ErrNoModuleRoot = errors.New("testutil: go.mod not found")

// RepoRoot walks up from the working directory (the package directory under
// go test) to the nearest directory holding go.mod.
func RepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil && !info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoModuleRoot
		}
		dir = parent
	}
}

// MustRepoRoot returns RepoRoot or fails the test.
func MustRepoRoot(t testing.TB) string {
	t.Helper()
	root, err := RepoRoot()
	if err != nil {
		t.Fatalf("repo root: %v", err)
	}
	return root
}
