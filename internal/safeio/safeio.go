// Package safeio locks file access for a build to the project root. Every
// module identity handed out by the resolver goes through Canonical so that
// two spellings of the same file collapse to one key.
package safeio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

var (
	// ErrOutsideRoot is returned for paths that resolve outside the project.
	ErrOutsideRoot = errors.New("safeio: path resolves outside project root")
	// ErrIsDir is returned when a file read targets a directory.
	ErrIsDir = errors.New("safeio: path is a directory")
)

// Root is a project directory with symlinks resolved.
type Root struct {
	abs string
}

// NewRoot resolves dir to an absolute, symlink-free directory.
func NewRoot(dir string) (*Root, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("safeio: empty root")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("safeio: root is not a directory")
	}
	return &Root{abs: abs}, nil
}

// Path returns the absolute root directory.
func (r *Root) Path() string {
	if r == nil {
		return ""
	}
	return r.abs
}

// Join returns the absolute path of a root-relative path without touching disk.
func (r *Root) Join(rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(r.abs, filepath.FromSlash(rel))
}

// Canonical returns the absolute, symlink-free form of p. Relative paths are
// taken relative to the root. The result must stay inside the root.
func (r *Root) Canonical(p string) (string, error) {
	if r == nil {
		return "", errors.New("safeio: root not configured")
	}
	if p == "" {
		return "", errors.New("safeio: empty path")
	}
	resolved, err := filepath.EvalSymlinks(r.Join(p))
	if err != nil {
		return "", err
	}
	if !hasPathPrefix(resolved, r.abs) {
		return "", fmt.Errorf("%w (root=%s, path=%s)", ErrOutsideRoot, r.abs, resolved)
	}
	return resolved, nil
}

// Rel returns the slash-separated path of abs relative to the root. It is the
// stable module id used in emitted code.
func (r *Root) Rel(abs string) string {
	rel, err := filepath.Rel(r.abs, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// Stat reports metadata for a path under the root.
func (r *Root) Stat(p string) (fs.FileInfo, error) {
	if r == nil {
		return nil, errors.New("safeio: root not configured")
	}
	return os.Stat(r.Join(p))
}

// IsFile reports whether p exists and is a regular file.
func (r *Root) IsFile(p string) bool {
	info, err := r.Stat(p)
	return err == nil && !info.IsDir()
}

// IsDir reports whether p exists and is a directory.
func (r *Root) IsDir(p string) bool {
	info, err := r.Stat(p)
	return err == nil && info.IsDir()
}

// ReadFile reads a file under the root.
func (r *Root) ReadFile(p string) ([]byte, error) {
	c, err := r.Canonical(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(c)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrIsDir
	}
	return os.ReadFile(c)
}

// Within reports whether abs lies under the root-relative directory dir.
func (r *Root) Within(abs, dir string) bool {
	return hasPathPrefix(abs, r.Join(dir))
}

func hasPathPrefix(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if runtime.GOOS == "windows" {
		path = strings.ToLower(path)
		root = strings.ToLower(root)
	}
	if len(root) == 0 || path == root {
		return true
	}
	sep := string(os.PathSeparator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(path, root)
}
