package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFind_ToolchainMarker(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, ToolchainMarker))

	got, err := Find(root)
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if got != root {
		t.Errorf("Find() = %q, want %q", got, root)
	}
}

func TestFind_WalksUpFromNestedDir(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, LakefileMarkerTOML))
	nested := filepath.Join(root, "Project", "Sub")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := Find(nested)
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if got != root {
		t.Errorf("Find() = %q, want %q", got, root)
	}
}

func TestFind_InnerProjectWins(t *testing.T) {
	outer := t.TempDir()
	touch(t, filepath.Join(outer, ToolchainMarker))
	inner := filepath.Join(outer, "vendored")
	touch(t, filepath.Join(inner, ToolchainMarker))

	got, err := Find(inner)
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if got != inner {
		t.Errorf("Find() = %q, want innermost root %q", got, inner)
	}
}

func TestFind_NotFound(t *testing.T) {
	_, err := Find(t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Find() error = %v, want ErrNotFound", err)
	}
}

func TestIsProjectRoot(t *testing.T) {
	dir := t.TempDir()
	if ok, _ := IsProjectRoot(dir); ok {
		t.Error("empty dir should not be a project root")
	}
	touch(t, filepath.Join(dir, LakefileMarkerLean))
	if ok, _ := IsProjectRoot(dir); !ok {
		t.Error("dir with lakefile should be a project root")
	}
}
