package emit

import (
	"bytes"
	"strconv"

	"modbundle/internal/chunk"
	"modbundle/internal/graph"
	"modbundle/internal/transform"
)

// Renderer turns graph modules into registry definitions. It is shared by the
// emitter and the dev server's hot update payloads, so both produce the same
// module text.
type Renderer struct {
	g             *graph.Graph
	assign        map[string]string
	extractStyles bool
}

func NewRenderer(g *graph.Graph, chunks []*chunk.Chunk, extractStyles bool) *Renderer {
	return &Renderer{g: g, assign: chunk.Assignment(chunks), extractStyles: extractStyles}
}

// Module renders one __bundle.define(...) statement.
func (r *Renderer) Module(m *graph.Module) []byte {
	var buf bytes.Buffer
	buf.WriteString("__bundle.define(")
	buf.WriteString(strconv.Quote(m.ID))
	buf.WriteString(", function (module, exports, require) {\n")
	if m.Result != nil {
		code := transform.RewriteImports(m.Result.Code, r.targetOf(m), r.lazyOf(m))
		buf.Write(code)
		if len(code) > 0 && code[len(code)-1] != '\n' {
			buf.WriteByte('\n')
		}
		if css := r.styleOf(m); css != "" && !r.extractStyles {
			buf.WriteString("require.style(")
			buf.WriteString(strconv.Quote(m.ID))
			buf.WriteString(", ")
			buf.WriteString(jsString(css))
			buf.WriteString(");\n")
		}
	}
	buf.WriteString("});\n")
	return buf.Bytes()
}

// Style returns the module's stylesheet text with url() references rewritten
// to asset URLs, or "" for modules without one.
func (r *Renderer) Style(m *graph.Module) string {
	return r.styleOf(m)
}

func (r *Renderer) styleOf(m *graph.Module) string {
	if m.Result == nil {
		return ""
	}
	var css bytes.Buffer
	for _, side := range m.Result.Side {
		if side.Kind == transform.SideStyle {
			css.Write(side.Content)
		}
	}
	if css.Len() == 0 {
		return ""
	}
	return transform.RewriteURLs(css.String(), func(spec string) (string, bool) {
		for _, e := range m.Edges {
			if e.Specifier != spec {
				continue
			}
			if dep := r.g.Module(e.Target); dep != nil && dep.Result != nil && dep.Result.PublicURL != "" {
				return dep.Result.PublicURL, true
			}
		}
		return "", false
	})
}

func (r *Renderer) targetOf(m *graph.Module) func(string) (string, bool) {
	return func(spec string) (string, bool) {
		for _, e := range m.Edges {
			if e.Specifier == spec {
				if dep := r.g.Module(e.Target); dep != nil {
					return dep.ID, true
				}
			}
		}
		return "", false
	}
}

func (r *Renderer) lazyOf(m *graph.Module) func(string) (string, bool) {
	return func(spec string) (string, bool) {
		for _, e := range m.Edges {
			if e.Specifier != spec {
				continue
			}
			dep := r.g.Module(e.Target)
			if dep == nil {
				return "", false
			}
			return "require.lazy(" + strconv.Quote(r.assign[e.Target]) + ", " + strconv.Quote(dep.ID) + ")", true
		}
		return "", false
	}
}

func jsString(s string) string {
	var buf bytes.Buffer
	buf.WriteByte('"')
	for _, c := range s {
		switch c {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '<':
			// Keeps "</style>" and "</script>" out of inline documents.
			buf.WriteString(`\u003c`)
		case '\u2028':
			buf.WriteString(`\u2028`)
		case '\u2029':
			buf.WriteString(`\u2029`)
		default:
			buf.WriteRune(c)
		}
	}
	buf.WriteByte('"')
	return buf.String()
}
