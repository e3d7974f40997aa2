package chunk

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbundle/internal/graph"
)

// builder assembles graphs by module id; identities are "/p/<id>".
type builder struct {
	g *graph.Graph
}

func newGraph() *builder {
	return &builder{g: &graph.Graph{Modules: map[string]*graph.Module{}}}
}

func (b *builder) mod(id string, deps ...string) *builder {
	m := &graph.Module{Identity: "/p/" + id, ID: id}
	for _, d := range deps {
		async := false
		if d[0] == '~' {
			async, d = true, d[1:]
		}
		m.Edges = append(m.Edges, graph.Edge{Specifier: d, Target: "/p/" + d, Async: async})
	}
	b.g.Modules[m.Identity] = m
	return b
}

func (b *builder) entry(name, id string) *builder {
	b.g.Entries = append(b.g.Entries, graph.EntryPoint{Name: name, Identity: "/p/" + id})
	return b
}

func policy() Policy {
	return Policy{Vendor: "vendor", Manifest: "manifest", Common: "common", ExternalRoot: "vendor"}
}

func layout(chunks []*Chunk) map[string][]string {
	out := map[string][]string{}
	for _, c := range chunks {
		ids := []string{}
		for _, m := range c.Modules {
			ids = append(ids, m.ID)
		}
		out[c.Name] = ids
	}
	return out
}

func find(chunks []*Chunk, name string) *Chunk {
	for _, c := range chunks {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestPartitionEntryAndVendor(t *testing.T) {
	g := newGraph().
		mod("src/a.src", "src/b.src").
		mod("src/b.src", "vendor/x.src").
		mod("vendor/x.src").
		entry("main", "src/a.src").g

	chunks, err := Partition(g, policy())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"manifest": {},
		"vendor":   {"vendor/x.src"},
		"main":     {"src/b.src", "src/a.src"},
	}, layout(chunks))

	var order []string
	for _, c := range chunks {
		order = append(order, c.Name)
	}
	assert.Equal(t, []string{"manifest", "vendor", "main"}, order)
	main := find(chunks, "main")
	assert.Equal(t, KindEntry, main.Kind)
	assert.Equal(t, []string{"manifest", "vendor"}, main.Requires)
	assert.Equal(t, "/p/src/a.src", main.EntryModule)
}

func TestPartitionSharedModuleLandsOnce(t *testing.T) {
	g := newGraph().
		mod("src/one.js", "src/shared.js", "vendor/react.js").
		mod("src/two.js", "src/shared.js", "vendor/react.js").
		mod("src/shared.js").
		mod("vendor/react.js").
		entry("one", "src/one.js").
		entry("two", "src/two.js").g

	chunks, err := Partition(g, policy())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"manifest": {},
		"vendor":   {"vendor/react.js"},
		"common":   {"src/shared.js"},
		"one":      {"src/one.js"},
		"two":      {"src/two.js"},
	}, layout(chunks))
	assert.Equal(t, []string{"manifest", "vendor", "common"}, find(chunks, "one").Requires)

	seen := map[string]int{}
	for _, c := range chunks {
		for _, m := range c.Modules {
			seen[m.ID]++
		}
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestPartitionCommonDisabledIsPolicyError(t *testing.T) {
	g := newGraph().
		mod("src/one.js", "src/shared.js").
		mod("src/two.js", "src/shared.js").
		mod("src/shared.js").
		entry("one", "src/one.js").
		entry("two", "src/two.js").g

	p := policy()
	p.Common = ""
	_, err := Partition(g, p)
	var perr *ChunkingPolicyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "src/shared.js", perr.Module)
	assert.Equal(t, []string{"one", "two"}, perr.Entries)
}

func TestPartitionManifestWinsOverVendor(t *testing.T) {
	g := newGraph().
		mod("src/a.js", "vendor/runtime/core.js", "vendor/lib.js").
		mod("vendor/runtime/core.js").
		mod("vendor/lib.js").
		entry("main", "src/a.js").g

	p := policy()
	p.ManifestModules = []string{"vendor/runtime/**"}
	chunks, err := Partition(g, p)
	require.NoError(t, err)
	layoutGot := layout(chunks)
	assert.Equal(t, []string{"vendor/runtime/core.js"}, layoutGot["manifest"])
	assert.Equal(t, []string{"vendor/lib.js"}, layoutGot["vendor"])
}

func TestPartitionAsyncSplitPoints(t *testing.T) {
	g := newGraph().
		mod("src/a.js", "~src/pages/about.js", "~src/pages/home.js", "src/util.js").
		mod("src/pages/about.js", "src/pages/shared.js", "src/util.js").
		mod("src/pages/home.js", "src/pages/shared.js", "~src/util.js").
		mod("src/pages/shared.js").
		mod("src/util.js").
		entry("main", "src/a.js").g

	chunks, err := Partition(g, policy())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"manifest":        {},
		"main":            {"src/util.js", "src/a.js"},
		"src-pages-about": {"src/pages/shared.js", "src/pages/about.js"},
		"src-pages-home":  {"src/pages/home.js"},
	}, layout(chunks))

	home := find(chunks, "src-pages-home")
	assert.Equal(t, KindAsync, home.Kind)
	assert.Equal(t, []string{"src-pages-about"}, home.Requires)
	assert.Equal(t, "/p/src/pages/home.js", home.EntryModule)
	assert.Equal(t, []string{"main"}, find(chunks, "src-pages-about").Requires)
}

func TestPartitionCycleAndDeterminism(t *testing.T) {
	mk := func() *graph.Graph {
		return newGraph().
			mod("src/a.js", "src/b.js").
			mod("src/b.js", "src/a.js").
			entry("main", "src/a.js").g
	}
	first, err := Partition(mk(), policy())
	require.NoError(t, err)
	second, err := Partition(mk(), policy())
	require.NoError(t, err)
	assert.Equal(t, layout(first), layout(second))
	assert.Equal(t, []string{"src/b.js", "src/a.js"}, layout(first)["main"])
}

func TestAssignment(t *testing.T) {
	g := newGraph().mod("src/a.js", "vendor/x.js").mod("vendor/x.js").entry("main", "src/a.js").g
	chunks, err := Partition(g, policy())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"/p/src/a.js": "main", "/p/vendor/x.js": "vendor"}, Assignment(chunks))
}

func TestPartitionSplitInsideEarlierSplit(t *testing.T) {
	g := newGraph().
		mod("src/a.js", "~src/pages/about.js", "~src/pages/tab.js").
		mod("src/pages/about.js", "src/pages/tab.js").
		mod("src/pages/tab.js").
		entry("main", "src/a.js").g

	chunks, err := Partition(g, policy())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"manifest":        {},
		"main":            {"src/a.js"},
		"src-pages-about": {"src/pages/tab.js", "src/pages/about.js"},
	}, layout(chunks))
	assert.Equal(t, "src-pages-about", Assignment(chunks)["/p/src/pages/tab.js"])
}

func TestPartitionVendorTestKeepsStylesWithImporter(t *testing.T) {
	g := newGraph().
		mod("src/a.js", "vendor/x.js", "vendor/x.css").
		mod("vendor/x.js").
		mod("vendor/x.css").
		entry("main", "src/a.js").g

	p := policy()
	p.VendorTest = regexp.MustCompile(`\.(js|ts)x?$`)
	chunks, err := Partition(g, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"vendor/x.js"}, layout(chunks)["vendor"])
	assert.Equal(t, []string{"vendor/x.css", "src/a.js"}, layout(chunks)["main"])
}
