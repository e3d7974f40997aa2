// Package graph builds the module graph for one generation.
package graph

import (
	"path"
	"sort"
	"strings"

	"modbundle/internal/transform"
)

// Edge is one resolved import. Several specifiers may share a target.
type Edge struct {
	Specifier string
	Target    string
	Async     bool
}

// Module is one file in the graph. A module is written only by the worker
// that loaded it and is read-only once handed to the coordinator.
type Module struct {
	Identity   string
	ID         string
	Type       string
	Raw        []byte
	Hash       string
	Edges      []Edge
	Result     *transform.Result
	Generation uint64
}

func (m *Module) SideEffects() bool {
	return m.Result == nil || m.Result.SideEffects
}

// SelfAccepting reports whether the module registered module.hot.accept().
func (m *Module) SelfAccepting() bool {
	return m.Result != nil && m.Result.Hot.SelfAccepting
}

// Accepts reports whether the module accepts hot updates of target.
func (m *Module) Accepts(target string) bool {
	if m.Result == nil {
		return false
	}
	for _, spec := range m.Result.Hot.Accepts {
		for _, e := range m.Edges {
			if e.Specifier == spec && e.Target == target {
				return true
			}
		}
	}
	return false
}

// EdgeTargets returns the distinct targets in edge order.
func (m *Module) EdgeTargets() []string {
	seen := make(map[string]bool, len(m.Edges))
	out := make([]string, 0, len(m.Edges))
	for _, e := range m.Edges {
		if !seen[e.Target] {
			seen[e.Target] = true
			out = append(out, e.Target)
		}
	}
	return out
}

type EntryPoint struct {
	Name     string
	Identity string
}

type Graph struct {
	Generation uint64
	Modules    map[string]*Module
	Entries    []EntryPoint
	// Transformed lists identities whose chain actually ran this generation.
	Transformed []string
	// Errors holds per-module failures of a partial build.
	Errors []error

	byID map[string]string
}

func (g *Graph) Module(identity string) *Module {
	if g == nil {
		return nil
	}
	return g.Modules[identity]
}

func (g *Graph) ByID(id string) *Module {
	if g == nil {
		return nil
	}
	if g.byID == nil {
		g.byID = make(map[string]string, len(g.Modules))
		for identity, m := range g.Modules {
			g.byID[m.ID] = identity
		}
	}
	return g.Modules[g.byID[id]]
}

// Sorted returns every module ordered by id.
func (g *Graph) Sorted() []*Module {
	out := make([]*Module, 0, len(g.Modules))
	for _, m := range g.Modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Importers maps each identity to the sorted identities importing it.
func (g *Graph) Importers() map[string][]string {
	out := make(map[string][]string, len(g.Modules))
	for _, m := range g.Modules {
		for _, target := range m.EdgeTargets() {
			out[target] = append(out[target], m.Identity)
		}
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}

// IsEntry reports whether identity is one of the entry modules.
func (g *Graph) IsEntry(identity string) bool {
	for _, e := range g.Entries {
		if e.Identity == identity {
			return true
		}
	}
	return false
}

func moduleType(id string) string {
	return strings.TrimPrefix(path.Ext(id), ".")
}
