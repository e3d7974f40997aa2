package emit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbundle/internal/chunk"
	"modbundle/internal/config"
	"modbundle/internal/graph"
	"modbundle/internal/transform"
)

func newConfig(t *testing.T, mode config.Mode, edit func(*config.Config)) *config.Config {
	t.Helper()
	cfg, err := config.New(t.TempDir(), mode, func(c *config.Config) {
		c.Entry = map[string]string{"main": "./src/a.js"}
		if edit != nil {
			edit(c)
		}
	})
	require.NoError(t, err)
	return cfg
}

func module(g *graph.Graph, id, code string, edges ...graph.Edge) *graph.Module {
	m := &graph.Module{
		Identity: "/p/" + id,
		ID:       id,
		Edges:    edges,
		Result:   &transform.Result{Code: []byte(code), SideEffects: true},
	}
	g.Modules[m.Identity] = m
	return m
}

func edge(spec, id string, async bool) graph.Edge {
	return graph.Edge{Specifier: spec, Target: "/p/" + id, Async: async}
}

// sampleGraph is main -> {b, vendor x, stylesheet -> logo}, plus a lazy page.
func sampleGraph() *graph.Graph {
	g := &graph.Graph{Modules: map[string]*graph.Module{}}
	module(g, "src/a.js",
		"var b = require(\"./b.js\");\nvar x = require(\"x\");\nrequire(\"./app.css\");\nimport(\"./about.js\").then(function (m) { console.log(m); });\nconsole.log(b, x);\n",
		edge("./b.js", "src/b.js", false),
		edge("x", "node_modules/x/index.js", false),
		edge("./app.css", "src/app.css", false),
		edge("./about.js", "src/about.js", true),
	)
	module(g, "src/b.js", "module.exports = 1;\n")
	module(g, "node_modules/x/index.js", "module.exports = \"x\";\n")
	module(g, "src/about.js", "module.exports = \"about\";\n")
	css := module(g, "src/app.css", "module.exports = {};\n", edge("./logo.png", "src/logo.png", false))
	css.Result.Side = []transform.SideArtifact{{Kind: transform.SideStyle, Content: []byte(".app { background: url(./logo.png); }\n")}}
	logo := module(g, "src/logo.png", "module.exports = \"/static/img/logo.0123456.png\";\n")
	logo.Result.PublicURL = "/static/img/logo.0123456.png"
	logo.Result.SideEffects = false
	logo.Result.Side = []transform.SideArtifact{{Kind: transform.SideFile, Path: "static/img/logo.0123456.png", Content: []byte("PNG")}}
	g.Entries = []graph.EntryPoint{{Name: "main", Identity: "/p/src/a.js"}}
	return g
}

func partition(t *testing.T, cfg *config.Config, g *graph.Graph) []*chunk.Chunk {
	t.Helper()
	chunks, err := chunk.Partition(g, chunk.PolicyFromConfig(cfg))
	require.NoError(t, err)
	return chunks
}

func TestEmitProductionIsDeterministic(t *testing.T) {
	var manifests [][]byte
	var files [][]string
	for i := 0; i < 2; i++ {
		cfg := newConfig(t, config.ModeProduction, nil)
		g := sampleGraph()
		sink := NewDirSink(cfg.OutputDir())
		man, err := New(cfg, sink).Emit(context.Background(), uint64(i+1), g, partition(t, cfg, g))
		require.NoError(t, err)
		raw, err := os.ReadFile(filepath.Join(cfg.OutputDir(), "manifest.json"))
		require.NoError(t, err)
		manifests = append(manifests, raw)
		files = append(files, man.Files)
	}
	assert.Equal(t, string(manifests[0]), string(manifests[1]))
	assert.Equal(t, files[0], files[1])
}

func TestEmitProductionLayout(t *testing.T) {
	cfg := newConfig(t, config.ModeProduction, nil)
	g := sampleGraph()
	sink := NewDirSink(cfg.OutputDir())
	man, err := New(cfg, sink).Emit(context.Background(), 1, g, partition(t, cfg, g))
	require.NoError(t, err)

	main := man.Chunks["main"]
	assert.Regexp(t, regexp.MustCompile(`^static/js/main\.[0-9a-f]{20}\.js$`), main.JS)
	assert.Regexp(t, regexp.MustCompile(`^static/css/main\.[0-9a-f]{20}\.css$`), main.CSS)
	assert.Equal(t, []string{"manifest", "vendor"}, main.Requires)
	assert.Equal(t, []string{"manifest", "vendor", "main"}, man.Entrypoints["main"])
	assert.Equal(t, []string{"node_modules/x/index.js"}, man.Chunks["vendor"].Modules)

	lazy, ok := man.Chunks["src-about"]
	require.True(t, ok)
	assert.Equal(t, chunk.KindAsync, lazy.Kind)
	assert.Regexp(t, regexp.MustCompile(`^static/js/src-about\.[0-9a-f]{20}\.js$`), lazy.JS)

	css, err := os.ReadFile(filepath.Join(cfg.OutputDir(), main.CSS))
	require.NoError(t, err)
	assert.Contains(t, string(css), "/static/img/logo.0123456.png")

	js, err := os.ReadFile(filepath.Join(cfg.OutputDir(), main.JS))
	require.NoError(t, err)
	assert.Contains(t, string(js), "src-about")
	assert.Contains(t, string(js), "src/about.js")
	assert.NotContains(t, string(js), "require.style")

	_, err = os.Stat(filepath.Join(cfg.OutputDir(), "static/img/logo.0123456.png"))
	assert.NoError(t, err)
	assert.Contains(t, man.Assets, "static/img/logo.0123456.png")

	html, err := os.ReadFile(filepath.Join(cfg.OutputDir(), "index.html"))
	require.NoError(t, err)
	doc := string(html)
	iManifest := strings.Index(doc, man.Chunks["manifest"].JS)
	iVendor := strings.Index(doc, man.Chunks["vendor"].JS)
	iMain := strings.Index(doc, main.JS)
	require.True(t, iManifest >= 0 && iVendor >= 0 && iMain >= 0)
	assert.Less(t, iManifest, iVendor)
	assert.Less(t, iVendor, iMain)
	assert.NotContains(t, doc, lazy.JS)

	entries, err := filepath.Glob(filepath.Join(cfg.OutputDir(), "static/js/*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEmitManifestOmitsGeneration(t *testing.T) {
	cfg := newConfig(t, config.ModeProduction, nil)
	g := sampleGraph()
	sink := NewMemorySink()
	_, err := New(cfg, sink).Emit(context.Background(), 42, g, partition(t, cfg, g))
	require.NoError(t, err)
	raw, ok := sink.Get("manifest.json")
	require.True(t, ok)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.NotContains(t, doc, "generation")
	assert.Contains(t, doc, "chunks")
}

func TestEmitDevelopmentEmbedsStyles(t *testing.T) {
	cfg := newConfig(t, config.ModeDevelopment, nil)
	g := sampleGraph()
	sink := NewMemorySink()
	man, err := New(cfg, sink).Emit(context.Background(), 1, g, partition(t, cfg, g))
	require.NoError(t, err)

	main := man.Chunks["main"]
	assert.Empty(t, main.CSS)
	js, ok := sink.Get(main.JS)
	require.True(t, ok)
	assert.Contains(t, string(js), `require.style("src/app.css", `)
	assert.Contains(t, string(js), `require("src/b.js")`)
	assert.Contains(t, string(js), `__bundle.entry("main", "src/a.js", ["manifest","vendor"]);`)

	runtime, ok := sink.Get(man.Chunks["manifest"].JS)
	require.True(t, ok)
	assert.Contains(t, string(runtime), `"/__hmr"`)
	assert.Contains(t, string(runtime), `var hmr = true;`)
	assert.Contains(t, string(runtime), `"src-about":{"js":"`)
	assert.NotContains(t, string(runtime), `"manifest":{`)
	for _, p := range man.Files {
		assert.False(t, strings.HasSuffix(p, ".gz"), p)
	}
}

func TestEmitGzipCompanions(t *testing.T) {
	cfg := newConfig(t, config.ModeProduction, func(c *config.Config) {
		c.Compression.Threshold = 64
	})
	g := sampleGraph()
	big := strings.Repeat("console.log(\"repeated line of output\");\n", 200)
	g.Modules["/p/src/b.js"].Result.Code = []byte(big)
	sink := NewMemorySink()
	man, err := New(cfg, sink).Emit(context.Background(), 1, g, partition(t, cfg, g))
	require.NoError(t, err)

	main := man.Chunks["main"]
	require.Contains(t, main.Gzip, main.JS+".gz")
	gz, ok := sink.Get(main.JS + ".gz")
	require.True(t, ok)
	plain, _ := sink.Get(main.JS)
	assert.Less(t, len(gz), len(plain))
	assert.NotContains(t, man.Files, "index.html.gz")
}

func TestEmitStaticCopyHonoursIgnore(t *testing.T) {
	cfg := newConfig(t, config.ModeProduction, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Root, "static/fonts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Root, "static/robots.txt"), []byte("User-agent: *"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Root, "static/.DS_Store"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Root, "static/fonts/a.woff"), []byte("font"), 0o644))

	g := sampleGraph()
	sink := NewMemorySink()
	man, err := New(cfg, sink).Emit(context.Background(), 1, g, partition(t, cfg, g))
	require.NoError(t, err)
	assert.Contains(t, man.Assets, "static/robots.txt")
	assert.Contains(t, man.Assets, "static/fonts/a.woff")
	assert.NotContains(t, man.Assets, "static/.DS_Store")
	_, ok := sink.Get("static/robots.txt")
	assert.True(t, ok)
}

func TestEmitStaleGenerationLeavesLiveSet(t *testing.T) {
	cfg := newConfig(t, config.ModeDevelopment, nil)
	g := sampleGraph()
	chunks := partition(t, cfg, g)
	sink := NewMemorySink()
	em := New(cfg, sink)

	_, err := em.Emit(context.Background(), 1, g, chunks)
	require.NoError(t, err)
	before := sink.Files()

	sink.Fence(3)
	_, err = em.Emit(context.Background(), 2, g, chunks)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStale))
	var ioErr *EmitIOError
	assert.True(t, errors.As(err, &ioErr))
	assert.Equal(t, uint64(1), sink.Generation())
	assert.Equal(t, before, sink.Files())

	_, err = em.Emit(context.Background(), 3, g, chunks)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sink.Generation())
}

func TestEmitCancelled(t *testing.T) {
	cfg := newConfig(t, config.ModeDevelopment, nil)
	g := sampleGraph()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := NewMemorySink()
	_, err := New(cfg, sink).Emit(ctx, 1, g, partition(t, cfg, g))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sink.Generation())
}

func TestDirSinkRejectsEscapingPaths(t *testing.T) {
	sink := NewDirSink(t.TempDir())
	err := sink.Write(context.Background(), 1, File{Path: "../outside.js", Data: []byte("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestDirSinkDiscardRemovesTemps(t *testing.T) {
	dir := t.TempDir()
	sink := NewDirSink(dir)
	require.NoError(t, sink.Write(context.Background(), 7, File{Path: "static/js/a.js", Data: []byte("a")}))
	sink.Discard(7)
	matches, err := filepath.Glob(filepath.Join(dir, "static/js/*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestJSStringEscapesMarkup(t *testing.T) {
	got := jsString("a</style>\n\"b\"\u2028")
	assert.Equal(t, `"a\u003c/style>\n\"b\"\u2028"`, got)
}

func TestGzipCompanionRespectsRatio(t *testing.T) {
	_, ok, err := gzipCompanion([]byte("tiny"), 10, 0.8)
	require.NoError(t, err)
	assert.False(t, ok)

	noisy := make([]byte, 4096)
	for i := range noisy {
		noisy[i] = byte((i*7919 + i*i*31) % 251)
	}
	_, ok, err = gzipCompanion(noisy, 10, 0.1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = gzipCompanion([]byte(strings.Repeat("abc", 1000)), 10, 0.8)
	require.NoError(t, err)
	assert.True(t, ok)
}
