// Package resolve maps module specifiers to canonical file identities.
//
// Relative specifiers ("./x", "../x") resolve against the importer's
// directory, absolute ones against the filesystem, and bare ones ("react",
// "components/App") against each configured search root in order. For every
// base path the exact file is tried first, then each extension in priority
// order, then a directory's package.json main/module field and index file.
package resolve

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"modbundle/internal/config"
	"modbundle/internal/safeio"
)

// ResolutionError reports a specifier that matched no candidate file.
type ResolutionError struct {
	Importer  string
	Specifier string
	Tried     []string
}

func (e *ResolutionError) Error() string {
	importer := e.Importer
	if importer == "" {
		importer = "<entry>"
	}
	return fmt.Sprintf("resolve: cannot resolve %q from %s", e.Specifier, importer)
}

// Resolver is safe for concurrent use.
type Resolver struct {
	root       *safeio.Root
	extensions []string
	modules    []string
}

func New(root *safeio.Root, cfg config.ResolveConfig) *Resolver {
	exts := make([]string, 0, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		ext = strings.TrimSpace(ext)
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	return &Resolver{
		root:       root,
		extensions: exts,
		modules:    append([]string(nil), cfg.Modules...),
	}
}

// Session memoises lookups for one build generation.
type Session struct {
	r    *Resolver
	mu   sync.Mutex
	memo map[string]string
}

// Session starts a per-generation lookup cache.
func (r *Resolver) Session() *Session {
	return &Session{r: r, memo: make(map[string]string)}
}

// Resolve maps specifier, imported from the module identity from, to a module
// identity. An empty from resolves entry points relative to the project root.
func (s *Session) Resolve(specifier, from string) (string, error) {
	key := filepath.Dir(from) + "\x00" + specifier
	if from == "" {
		key = "\x00" + specifier
	}
	s.mu.Lock()
	if id, ok := s.memo[key]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	id, err := s.r.Resolve(specifier, from)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.memo[key] = id
	s.mu.Unlock()
	return id, nil
}

// Resolve resolves without memoisation.
func (r *Resolver) Resolve(specifier, from string) (string, error) {
	spec := stripQuery(specifier)
	var tried []string
	for _, base := range r.bases(spec, from) {
		if id, ok := r.tryBase(base, &tried); ok {
			return id, nil
		}
	}
	return "", &ResolutionError{Importer: from, Specifier: specifier, Tried: tried}
}

func (r *Resolver) bases(spec, from string) []string {
	switch {
	case spec == "":
		return nil
	case isRelative(spec):
		dir := r.root.Path()
		if from != "" {
			dir = filepath.Dir(from)
		}
		return []string{filepath.Join(dir, filepath.FromSlash(spec))}
	case filepath.IsAbs(spec) || strings.HasPrefix(spec, "/"):
		// Root-relative, unless it already names a path inside the root.
		clean := filepath.Clean(filepath.FromSlash(spec))
		if root := r.root.Path(); clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return []string{clean}
		}
		return []string{filepath.Join(r.root.Path(), clean)}
	}
	out := make([]string, 0, len(r.modules))
	for _, dir := range r.modules {
		out = append(out, filepath.Join(r.root.Join(dir), filepath.FromSlash(spec)))
	}
	return out
}

func (r *Resolver) tryBase(base string, tried *[]string) (string, bool) {
	if id, ok := r.tryFile(base, tried); ok {
		return id, true
	}
	for _, ext := range r.extensions {
		if id, ok := r.tryFile(base+ext, tried); ok {
			return id, true
		}
	}
	if r.root.IsDir(base) {
		return r.tryDir(base, tried)
	}
	return "", false
}

func (r *Resolver) tryDir(dir string, tried *[]string) (string, bool) {
	if main := packageMain(filepath.Join(dir, "package.json")); main != "" {
		target := filepath.Join(dir, filepath.FromSlash(main))
		if id, ok := r.tryFile(target, tried); ok {
			return id, true
		}
		for _, ext := range r.extensions {
			if id, ok := r.tryFile(target+ext, tried); ok {
				return id, true
			}
		}
		if r.root.IsDir(target) {
			if id, ok := r.tryIndex(target, tried); ok {
				return id, true
			}
		}
	}
	return r.tryIndex(dir, tried)
}

func (r *Resolver) tryIndex(dir string, tried *[]string) (string, bool) {
	for _, ext := range r.extensions {
		if id, ok := r.tryFile(filepath.Join(dir, "index"+ext), tried); ok {
			return id, true
		}
	}
	return "", false
}

func (r *Resolver) tryFile(path string, tried *[]string) (string, bool) {
	*tried = append(*tried, path)
	if !r.root.IsFile(path) {
		return "", false
	}
	id, err := r.root.Canonical(path)
	if err != nil {
		return "", false
	}
	return id, true
}

func packageMain(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var pkg struct {
		Main   string `json:"main"`
		Module string `json:"module"`
	}
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return ""
	}
	if pkg.Main != "" {
		return pkg.Main
	}
	return pkg.Module
}

func isRelative(spec string) bool {
	return spec == "." || spec == ".." || strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}

func stripQuery(spec string) string {
	if i := strings.IndexAny(spec, "?#"); i > 0 {
		return spec[:i]
	}
	return spec
}
