package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound indicates no Lean project was found.
var ErrNotFound = errors.New("not inside a Lean project")

// Markers used to detect a Lean project root.
const (
	// ToolchainMarker is the file pinning the project's Lean version. Every
	// provisioned project has one, which makes it the primary marker.
	ToolchainMarker = "lean-toolchain"

	// LakefileMarkerLean and LakefileMarkerTOML identify a Lake package for
	// projects that keep the toolchain pinned elsewhere.
	LakefileMarkerLean = "lakefile.lean"
	LakefileMarkerTOML = "lakefile.toml"
)

// Find locates the Lean project root by walking up from the given directory.
// Symlinks are not resolved, to stay consistent with os.Getwd(). Returns
// ErrNotFound when no marker appears anywhere up the tree.
func Find(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	current := absDir
	for {
		if ok, err := IsProjectRoot(current); err != nil {
			return "", err
		} else if ok {
			return current, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("%w (searched from %s)", ErrNotFound, absDir)
		}
		current = parent
	}
}

// FindFromCwd locates the Lean project root from the current working
// directory.
func FindFromCwd() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	return Find(cwd)
}

// IsProjectRoot reports whether dir itself is a Lean project root.
func IsProjectRoot(dir string) (bool, error) {
	for _, marker := range []string{ToolchainMarker, LakefileMarkerLean, LakefileMarkerTOML} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true, nil
		} else if !os.IsNotExist(err) {
			return false, fmt.Errorf("checking %s: %w", filepath.Join(dir, marker), err)
		}
	}
	return false, nil
}
