package safeio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCanonicalCollapsesSpellings(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "a.js"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	root, err := NewRoot(dir)
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	a, err := root.Canonical("src/a.js")
	if err != nil {
		t.Fatalf("canonical relative: %v", err)
	}
	b, err := root.Canonical(filepath.Join(root.Path(), "src", "..", "src", "a.js"))
	if err != nil {
		t.Fatalf("canonical absolute: %v", err)
	}
	if a != b {
		t.Fatalf("expected one identity, got %q and %q", a, b)
	}
	if got := root.Rel(a); got != "src/a.js" {
		t.Fatalf("rel = %q", got)
	}
}

func TestCanonicalRejectsOutsideRoot(t *testing.T) {
	outer := t.TempDir()
	inner := filepath.Join(outer, "project")
	if err := os.MkdirAll(inner, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outer, "secret.js"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	root, err := NewRoot(inner)
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	if _, err := root.Canonical("../secret.js"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot, got %v", err)
	}
}

func TestReadFileRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "pkg"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	root, err := NewRoot(dir)
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	if _, err := root.ReadFile("pkg"); !errors.Is(err, ErrIsDir) {
		t.Fatalf("expected ErrIsDir, got %v", err)
	}
	if !root.IsDir("pkg") || root.IsFile("pkg") {
		t.Fatalf("IsDir/IsFile mismatch")
	}
}
