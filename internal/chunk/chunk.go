// Package chunk partitions a module graph into output chunks.
//
// Every module lands in exactly one chunk. Assignment precedence is
// manifest globs, then the external dependency root (vendor), then the single
// entry that reaches the module synchronously, then the common chunk for
// modules several entries share. Modules reachable only through import()
// form one async chunk per split point.
package chunk

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"

	"modbundle/internal/config"
	"modbundle/internal/graph"
)

type Kind string

const (
	KindEntry    Kind = "entry"
	KindVendor   Kind = "vendor"
	KindCommon   Kind = "common"
	KindManifest Kind = "manifest"
	KindAsync    Kind = "async"
)

type Chunk struct {
	Name    string
	Kind    Kind
	Modules []*graph.Module
	// Requires lists chunks that must load before this one, in load order.
	Requires []string
	// EntryModule is the identity an entry chunk starts.
	EntryModule string
}

// Policy is the chunking configuration.
type Policy struct {
	Vendor          string
	Manifest        string
	Common          string
	ManifestModules []string
	ExternalRoot    string
	// VendorTest filters which external modules go to vendor; nil takes all.
	VendorTest *regexp.Regexp
}

func PolicyFromConfig(cfg *config.Config) Policy {
	var vendorTest *regexp.Regexp
	if cfg.Chunks.VendorTest != "" {
		vendorTest, _ = regexp.Compile(cfg.Chunks.VendorTest)
	}
	return Policy{
		VendorTest:      vendorTest,
		Vendor:          cfg.Chunks.Vendor,
		Manifest:        cfg.Chunks.Manifest,
		Common:          cfg.Chunks.Common,
		ManifestModules: append([]string(nil), cfg.Chunks.ManifestModules...),
		ExternalRoot:    strings.Trim(cfg.ExternalRoot(), "/"),
	}
}

// ChunkingPolicyError reports a module the policy cannot place.
type ChunkingPolicyError struct {
	Module  string
	Entries []string
}

func (e *ChunkingPolicyError) Error() string {
	return fmt.Sprintf("chunk: module %s is reachable from entries %s and no common chunk is configured",
		e.Module, strings.Join(e.Entries, ", "))
}

// Partition assigns every module of g to a chunk. The result is ordered
// manifest, vendor, common, entry chunks by name, async chunks by name.
func Partition(g *graph.Graph, p Policy) ([]*Chunk, error) {
	for _, pattern := range p.ManifestModules {
		if _, err := doublestar.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("chunk: manifest glob %q: %w", pattern, err)
		}
	}

	owners := syncOwners(g)
	assign := map[string]string{}
	chunks := map[string]*Chunk{}
	get := func(name string, kind Kind) *Chunk {
		c, ok := chunks[name]
		if !ok {
			c = &Chunk{Name: name, Kind: kind}
			chunks[name] = c
		}
		return c
	}
	get(p.Manifest, KindManifest)
	for _, e := range g.Entries {
		get(e.Name, KindEntry).EntryModule = e.Identity
	}

	for _, m := range g.Sorted() {
		entries, sync := owners[m.Identity]
		if !sync {
			continue
		}
		var name string
		switch {
		case p.matchesManifest(m.ID):
			name = p.Manifest
		case p.isVendor(m.ID):
			get(p.Vendor, KindVendor)
			name = p.Vendor
		case len(entries) == 1:
			name = entries[0]
		default:
			if p.Common == "" {
				return nil, &ChunkingPolicyError{Module: m.ID, Entries: entries}
			}
			get(p.Common, KindCommon)
			name = p.Common
		}
		assign[m.Identity] = name
	}

	for _, split := range asyncSplits(g, owners) {
		// The root already rides in an earlier split; import() loads that chunk.
		if _, taken := assign[split.root.Identity]; taken {
			continue
		}
		name := uniqueName(chunks, asyncName(split.root.ID))
		c := get(name, KindAsync)
		c.EntryModule = split.root.Identity
		for _, identity := range split.members {
			if _, taken := assign[identity]; !taken {
				assign[identity] = name
			}
		}
	}

	for identity, name := range assign {
		c := chunks[name]
		c.Modules = append(c.Modules, g.Modules[identity])
	}
	for _, c := range chunks {
		c.Modules = order(g, c.Modules)
		c.Requires = requires(g, c, assign, p)
	}
	return sortChunks(chunks), nil
}

// Assignment maps module identity to the name of its chunk.
func Assignment(chunks []*Chunk) map[string]string {
	out := map[string]string{}
	for _, c := range chunks {
		for _, m := range c.Modules {
			out[m.Identity] = c.Name
		}
	}
	return out
}

func (p Policy) matchesManifest(id string) bool {
	for _, pattern := range p.ManifestModules {
		if ok, _ := doublestar.Match(pattern, id); ok {
			return true
		}
	}
	return false
}

func (p Policy) isVendor(id string) bool {
	if p.ExternalRoot == "" || !strings.HasPrefix(id, p.ExternalRoot+"/") {
		return false
	}
	return p.VendorTest == nil || p.VendorTest.MatchString(id)
}

// syncOwners maps each module reachable without crossing an import() edge to
// the sorted names of the entries that reach it.
func syncOwners(g *graph.Graph) map[string][]string {
	owners := map[string][]string{}
	for _, e := range g.Entries {
		seen := map[string]bool{}
		stack := []string{e.Identity}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[id] {
				continue
			}
			seen[id] = true
			m := g.Modules[id]
			if m == nil {
				continue
			}
			owners[id] = appendUnique(owners[id], e.Name)
			for _, edge := range m.Edges {
				if !edge.Async {
					stack = append(stack, edge.Target)
				}
			}
		}
	}
	for id := range owners {
		sort.Strings(owners[id])
	}
	return owners
}

type split struct {
	root    *graph.Module
	members []string
}

// asyncSplits returns one split per import() target that no entry reaches
// synchronously, ordered by module id. Members are the target's synchronous
// closure minus everything entries already load.
func asyncSplits(g *graph.Graph, owners map[string][]string) []split {
	roots := map[string]bool{}
	for _, m := range g.Modules {
		for _, e := range m.Edges {
			if _, sync := owners[e.Target]; e.Async && !sync && g.Modules[e.Target] != nil {
				roots[e.Target] = true
			}
		}
	}
	var out []split
	for id := range roots {
		out = append(out, split{root: g.Modules[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].root.ID < out[j].root.ID })

	for i := range out {
		seen := map[string]bool{}
		stack := []string{out[i].root.Identity}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, sync := owners[id]; sync {
				continue
			}
			m := g.Modules[id]
			if m == nil {
				continue
			}
			out[i].members = append(out[i].members, id)
			for _, edge := range m.Edges {
				if !edge.Async {
					stack = append(stack, edge.Target)
				}
			}
		}
		sort.Strings(out[i].members)
	}
	return out
}

// order lists modules dependencies first: a depth-first post-order over
// synchronous edges, roots and edges visited in module id order.
func order(g *graph.Graph, mods []*graph.Module) []*graph.Module {
	member := make(map[string]bool, len(mods))
	for _, m := range mods {
		member[m.Identity] = true
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].ID < mods[j].ID })

	out := make([]*graph.Module, 0, len(mods))
	seen := map[string]bool{}
	var visit func(m *graph.Module)
	visit = func(m *graph.Module) {
		if seen[m.Identity] {
			return
		}
		seen[m.Identity] = true
		var deps []*graph.Module
		for _, target := range m.EdgeTargets() {
			if dep := g.Modules[target]; dep != nil && member[target] && !isAsyncOnly(m, target) {
				deps = append(deps, dep)
			}
		}
		sort.Slice(deps, func(i, j int) bool { return deps[i].ID < deps[j].ID })
		for _, dep := range deps {
			visit(dep)
		}
		out = append(out, m)
	}
	for _, m := range mods {
		visit(m)
	}
	return out
}

func isAsyncOnly(m *graph.Module, target string) bool {
	for _, e := range m.Edges {
		if e.Target == target && !e.Async {
			return false
		}
	}
	return true
}

// requires collects the chunks holding synchronous dependencies of c's
// modules. Entry chunks always require the manifest.
func requires(g *graph.Graph, c *Chunk, assign map[string]string, p Policy) []string {
	set := map[string]bool{}
	if c.Kind == KindEntry {
		set[p.Manifest] = true
	}
	for _, m := range c.Modules {
		for _, e := range m.Edges {
			if e.Async {
				continue
			}
			if name, ok := assign[e.Target]; ok && name != c.Name {
				set[name] = true
			}
		}
	}
	delete(set, c.Name)
	if c.Kind == KindManifest {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	rank := func(name string) int {
		switch name {
		case p.Manifest:
			return 0
		case p.Vendor:
			return 1
		case p.Common:
			return 2
		}
		return 3
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := rank(names[i]), rank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	return names
}

func sortChunks(chunks map[string]*Chunk) []*Chunk {
	out := make([]*Chunk, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c)
	}
	rank := map[Kind]int{KindManifest: 0, KindVendor: 1, KindCommon: 2, KindEntry: 3, KindAsync: 4}
	sort.Slice(out, func(i, j int) bool {
		if rank[out[i].Kind] != rank[out[j].Kind] {
			return rank[out[i].Kind] < rank[out[j].Kind]
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func asyncName(id string) string {
	if i := strings.LastIndex(id, "."); i > strings.LastIndex(id, "/") {
		id = id[:i]
	}
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func uniqueName(chunks map[string]*Chunk, name string) string {
	if _, taken := chunks[name]; !taken {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", name, i)
		if _, taken := chunks[candidate]; !taken {
			return candidate
		}
	}
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
