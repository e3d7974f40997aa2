package resolve

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"modbundle/internal/config"
	"modbundle/internal/safeio"
)

func write(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func newResolver(t *testing.T, dir string) (*Resolver, *safeio.Root) {
	t.Helper()
	root, err := safeio.NewRoot(dir)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	return New(root, config.ResolveConfig{
		Extensions: []string{".tsx", ".ts", ".jsx", ".js"},
		Modules:    []string{"src", "node_modules"},
	}), root
}

func TestResolveRelativeWithExtensionPriority(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "src/index.tsx", "")
	write(t, dir, "src/components/App.ts", "")
	write(t, dir, "src/components/App.js", "")

	r, root := newResolver(t, dir)
	from, _ := root.Canonical("src/index.tsx")

	got, err := r.Resolve("./components/App", from)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rel := root.Rel(got); rel != "src/components/App.ts" {
		t.Fatalf("expected .ts to win over .js, got %s", rel)
	}
}

func TestResolveBareSearchRootsInOrder(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "src/index.js", "")
	write(t, dir, "src/shared/util.js", "")
	write(t, dir, "node_modules/shared/util.js", "")
	write(t, dir, "node_modules/react/package.json", `{"main": "lib/react.js"}`)
	write(t, dir, "node_modules/react/lib/react.js", "")
	write(t, dir, "node_modules/left-pad/index.js", "")

	r, root := newResolver(t, dir)
	from, _ := root.Canonical("src/index.js")

	cases := map[string]string{
		"shared/util": "src/shared/util.js",
		"react":       "node_modules/react/lib/react.js",
		"left-pad":    "node_modules/left-pad/index.js",
	}
	for spec, want := range cases {
		got, err := r.Resolve(spec, from)
		if err != nil {
			t.Fatalf("resolve %s: %v", spec, err)
		}
		if rel := root.Rel(got); rel != want {
			t.Fatalf("resolve %s = %s, want %s", spec, rel, want)
		}
	}
}

func TestResolveSharesIdentityAcrossSpellings(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "src/a.js", "")
	write(t, dir, "src/lib/b.js", "")
	write(t, dir, "src/lib/c.js", "")

	r, root := newResolver(t, dir)
	a, _ := root.Canonical("src/a.js")
	c, _ := root.Canonical("src/lib/c.js")

	fromA, err := r.Resolve("./lib/b", a)
	if err != nil {
		t.Fatalf("resolve from a: %v", err)
	}
	fromC, err := r.Resolve("./b.js", c)
	if err != nil {
		t.Fatalf("resolve from c: %v", err)
	}
	bare, err := r.Resolve("lib/b", a)
	if err != nil {
		t.Fatalf("resolve bare: %v", err)
	}
	if fromA != fromC || fromA != bare {
		t.Fatalf("identities differ: %s %s %s", fromA, fromC, bare)
	}
}

func TestResolveNotFoundNamesImporter(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "src/a.js", "")
	r, root := newResolver(t, dir)
	a, _ := root.Canonical("src/a.js")

	_, err := r.Session().Resolve("./missing", a)
	var rerr *ResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if rerr.Importer != a || rerr.Specifier != "./missing" {
		t.Fatalf("unexpected error fields: %+v", rerr)
	}
	if len(rerr.Tried) == 0 {
		t.Fatalf("expected tried candidates")
	}
}

func TestResolveEntryFromRoot(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "src/index.tsx", "")
	r, root := newResolver(t, dir)

	s := r.Session()
	got, err := s.Resolve("./src/index.tsx", "")
	if err != nil {
		t.Fatalf("resolve entry: %v", err)
	}
	again, err := s.Resolve("./src/index.tsx", "")
	if err != nil || again != got {
		t.Fatalf("memoised resolve mismatch: %v %s %s", err, got, again)
	}
	if root.Rel(got) != "src/index.tsx" {
		t.Fatalf("got %s", root.Rel(got))
	}
}

func TestResolveStripsQuery(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "src/a.js", "")
	write(t, dir, "src/font.woff2", "")
	r, root := newResolver(t, dir)
	a, _ := root.Canonical("src/a.js")
	got, err := r.Resolve("./font.woff2?v=4.7.0", a)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if root.Rel(got) != "src/font.woff2" {
		t.Fatalf("got %s", root.Rel(got))
	}
}

func TestResolveAbsoluteAgainstProjectRoot(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "src/a.js", "")
	write(t, dir, "src/lib/x.ts", "")
	r, root := newResolver(t, dir)
	a, _ := root.Canonical("src/a.js")

	got, err := r.Resolve("/src/lib/x", a)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if root.Rel(got) != "src/lib/x.ts" {
		t.Fatalf("got %s", root.Rel(got))
	}

	inside := filepath.Join(root.Path(), "src", "lib", "x.ts")
	got, err = r.Resolve(inside, "")
	if err != nil {
		t.Fatalf("resolve path inside root: %v", err)
	}
	if root.Rel(got) != "src/lib/x.ts" {
		t.Fatalf("got %s", root.Rel(got))
	}
}
