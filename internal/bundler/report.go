package bundler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"modbundle/internal/chunk"
	"modbundle/internal/config"
	"modbundle/internal/emit"
	"modbundle/internal/graph"
	"modbundle/internal/resolve"
	"modbundle/internal/transform"
)

// Result describes one successful generation.
type Result struct {
	Generation  uint64
	Mode        config.Mode
	Graph       *graph.Graph
	Chunks      []*chunk.Chunk
	Manifest    *emit.Manifest
	Diagnostics []ModuleDiagnostic
	// Errors is non-empty only for partial builds.
	Errors   []error
	Duration time.Duration
}

// ModuleDiagnostic is an advisory diagnostic attributed to a module.
type ModuleDiagnostic struct {
	Module string
	transform.Diagnostic
}

func (d ModuleDiagnostic) String() string {
	return d.Module + ": " + d.Diagnostic.String()
}

func collectDiagnostics(g *graph.Graph) []ModuleDiagnostic {
	var out []ModuleDiagnostic
	for _, m := range g.Sorted() {
		if m.Result == nil {
			continue
		}
		for _, d := range m.Result.Diagnostics {
			out = append(out, ModuleDiagnostic{Module: m.ID, Diagnostic: d})
		}
	}
	return out
}

// Summary renders the chunk table printed after a build.
func (r *Result) Summary() string {
	if r == nil || r.Manifest == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "generation %d (%s) done in %s\n", r.Generation, r.Mode, r.Duration.Round(time.Millisecond))
	names := make([]string, 0, len(r.Manifest.Chunks))
	for name := range r.Manifest.Chunks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cf := r.Manifest.Chunks[name]
		fmt.Fprintf(&b, "  %-10s %-8s %3d modules  %s", name, cf.Kind, len(cf.Modules), cf.JS)
		if cf.CSS != "" {
			fmt.Fprintf(&b, " + %s", cf.CSS)
		}
		b.WriteByte('\n')
	}
	if n := len(r.Manifest.Assets); n > 0 {
		fmt.Fprintf(&b, "  %d assets\n", n)
	}
	for _, d := range r.Diagnostics {
		fmt.Fprintf(&b, "  %s\n", d)
	}
	for _, err := range r.Errors {
		fmt.Fprintf(&b, "  error: %v\n", err)
	}
	return b.String()
}

// Describe turns a generation failure into a short message naming the
// offending module.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var re *resolve.ResolutionError
	var te *transform.TransformError
	var pe *chunk.ChunkingPolicyError
	var ee *emit.EmitIOError
	switch {
	case errors.As(err, &re):
		return fmt.Sprintf("Module not found: cannot resolve %q in %s", re.Specifier, re.Importer)
	case errors.As(err, &te):
		return fmt.Sprintf("Failed to compile %s (%s): %v", te.Module, te.Step, te.Err)
	case errors.As(err, &pe):
		return fmt.Sprintf("Cannot place %s: shared by %s", pe.Module, strings.Join(pe.Entries, ", "))
	case errors.As(err, &ee):
		return fmt.Sprintf("Could not write %s: %v", ee.Path, ee.Err)
	}
	return err.Error()
}
