// Package hmr decides how a new generation reaches running clients: as
// in-place module replacement or as a full reload.
//
// A changed module is replaced in place when it accepts its own updates or
// when the importer that reached it accepts updates of it. Otherwise the
// update propagates to its importers; reaching an entry module that does not
// accept itself means the page has to reload.
package hmr

import (
	"fmt"
	"sort"

	"modbundle/internal/chunk"
	"modbundle/internal/graph"
)

// Renderer produces the runtime definition of a module.
type Renderer interface {
	Module(m *graph.Module) []byte
}

type ModuleUpdate struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`
	Content  string `json:"content"`
}

// Boundary is where an update stops. Dep is empty for a self-accepting
// module, otherwise the accepted dependency's id.
type Boundary struct {
	ID  string `json:"id"`
	Dep string `json:"dep,omitempty"`
}

// Plan is the outcome for one generation.
type Plan struct {
	Generation uint64
	// Changed holds ids of modules whose content or edges changed.
	Changed    []string
	Updates    []ModuleUpdate
	Invalidate []string
	Boundaries []Boundary
	Reload     bool
	Reason     string
}

// Empty reports a generation with nothing to push.
func (p *Plan) Empty() bool {
	return p == nil || (!p.Reload && len(p.Updates) == 0)
}

// Accepts is the capability query behind propagation: whether importer takes
// hot updates of target. importer == target asks about self-acceptance.
func Accepts(g *graph.Graph, importer, target string) bool {
	m := g.Module(importer)
	if m == nil {
		return false
	}
	if importer == target {
		return m.SelfAccepting()
	}
	return m.Accepts(target)
}

// Affected returns, sorted, the identities in next whose content hash or
// resolved edge set differs from prev, including modules new to next.
func Affected(prev, next *graph.Graph) []string {
	var out []string
	for identity, m := range next.Modules {
		old := prev.Module(identity)
		if old == nil || old.Hash != m.Hash || !sameEdges(old, m) {
			out = append(out, identity)
		}
	}
	sort.Strings(out)
	return out
}

func sameEdges(a, b *graph.Module) bool {
	if len(a.Edges) != len(b.Edges) {
		return false
	}
	for i := range a.Edges {
		if a.Edges[i] != b.Edges[i] {
			return false
		}
	}
	return true
}

// NewPlan compares two successful generations.
func NewPlan(prev *graph.Graph, prevChunks []*chunk.Chunk, next *graph.Graph, nextChunks []*chunk.Chunk, r Renderer) *Plan {
	p := &Plan{Generation: next.Generation}
	affected := Affected(prev, next)
	for _, identity := range affected {
		p.Changed = append(p.Changed, next.Modules[identity].ID)
	}
	if len(affected) == 0 {
		return p
	}
	if reason := layoutChange(prev, prevChunks, next, nextChunks); reason != "" {
		p.Reload, p.Reason = true, reason
		return p
	}

	boundaries, invalidate, reason := propagate(next, affected)
	if reason != "" {
		p.Reload, p.Reason = true, reason
		return p
	}
	p.Boundaries = boundaries
	p.Invalidate = invalidate
	for _, identity := range affected {
		m := next.Modules[identity]
		p.Updates = append(p.Updates, ModuleUpdate{ID: m.ID, Identity: m.Identity, Content: string(r.Module(m))})
	}
	return p
}

// layoutChange reports why the chunk layout no longer matches the one the
// client loaded, or "" when it does.
func layoutChange(prev *graph.Graph, prevChunks []*chunk.Chunk, next *graph.Graph, nextChunks []*chunk.Chunk) string {
	if len(prev.Entries) != len(next.Entries) {
		return "entry points changed"
	}
	for i := range prev.Entries {
		if prev.Entries[i] != next.Entries[i] {
			return "entry points changed"
		}
	}
	names := map[string]bool{}
	for _, c := range prevChunks {
		names[c.Name] = true
	}
	if len(names) != len(nextChunks) {
		return "chunk set changed"
	}
	for _, c := range nextChunks {
		if !names[c.Name] {
			return fmt.Sprintf("new chunk %s", c.Name)
		}
	}
	before := chunk.Assignment(prevChunks)
	for identity, name := range chunk.Assignment(nextChunks) {
		if was, ok := before[identity]; ok && was != name {
			return fmt.Sprintf("module %s moved from chunk %s to %s", next.Modules[identity].ID, was, name)
		}
	}
	return ""
}

// propagate walks from each affected module towards the entries. It returns
// the boundaries and invalidated ids, or a reload reason.
func propagate(g *graph.Graph, affected []string) ([]Boundary, []string, string) {
	importers := g.Importers()
	invalid := map[string]bool{}
	bounds := map[Boundary]bool{}

	for _, start := range affected {
		queue := []string{start}
		seen := map[string]bool{start: true}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			m := g.Modules[cur]
			invalid[m.ID] = true
			if Accepts(g, cur, cur) {
				bounds[Boundary{ID: m.ID}] = true
				continue
			}
			if g.IsEntry(cur) {
				return nil, nil, fmt.Sprintf("%s reached entry module without an accept handler", m.ID)
			}
			parents := importers[cur]
			if len(parents) == 0 {
				return nil, nil, fmt.Sprintf("%s has no importer to accept it", m.ID)
			}
			for _, parent := range parents {
				if Accepts(g, parent, cur) {
					bounds[Boundary{ID: g.Modules[parent].ID, Dep: m.ID}] = true
					continue
				}
				if !seen[parent] {
					seen[parent] = true
					queue = append(queue, parent)
				}
			}
		}
	}

	boundaries := make([]Boundary, 0, len(bounds))
	for b := range bounds {
		boundaries = append(boundaries, b)
	}
	sort.Slice(boundaries, func(i, j int) bool {
		if boundaries[i].ID != boundaries[j].ID {
			return boundaries[i].ID < boundaries[j].ID
		}
		return boundaries[i].Dep < boundaries[j].Dep
	})
	invalidate := make([]string, 0, len(invalid))
	for id := range invalid {
		invalidate = append(invalidate, id)
	}
	sort.Strings(invalidate)
	return boundaries, invalidate, ""
}
