package transform

import (
	"context"
	"regexp"
	"strings"
)

var (
	reRequire     = regexp.MustCompile(`(?:^|[^\w$.])require\(\s*(?:'([^'\n]+)'|"([^"\n]+)")\s*\)`)
	reDynImport   = regexp.MustCompile(`(?:^|[^\w$.])import\(\s*(?:'([^'\n]+)'|"([^"\n]+)")\s*\)`)
	reStaticFrom  = regexp.MustCompile(`(?m)^\s*(?:import|export)\s[^'";]*?\sfrom\s*(?:'([^'\n]+)'|"([^"\n]+)")`)
	reBareImport  = regexp.MustCompile(`(?m)^\s*import\s*(?:'([^'\n]+)'|"([^"\n]+)")`)
	reHotAccept   = regexp.MustCompile(`module\.hot\.accept\(\s*([^)]*)`)
	reQuotedSpecs = regexp.MustCompile(`'([^'\n]+)'|"([^"\n]+)"`)
)

// script discovers dependency specifiers and HMR registrations. The content
// passes through unchanged; the emitter rewrites specifiers to module ids.
type script struct {
	sideEffects bool
}

func newScript(opts Options) (Transform, error) {
	return &script{sideEffects: opts.Bool("sideEffects", true)}, nil
}

func (s *script) Name() string { return "script" }

func (s *script) Apply(_ context.Context, content []byte, tc *Context) (Output, error) {
	src := string(maskComments(content))
	for _, spec := range ScanRequires(src) {
		tc.AddDependency(spec, false)
	}
	for _, re := range []*regexp.Regexp{reStaticFrom, reBareImport} {
		for _, m := range re.FindAllStringSubmatch(src, -1) {
			tc.AddDependency(firstGroup(m), false)
		}
	}
	for _, spec := range ScanDynamicImports(src) {
		tc.AddDependency(spec, true)
	}
	for _, m := range reHotAccept.FindAllStringSubmatch(src, -1) {
		args := strings.TrimSpace(m[1])
		specs := reQuotedSpecs.FindAllStringSubmatch(args, -1)
		if len(specs) == 0 || !(strings.HasPrefix(args, "'") || strings.HasPrefix(args, `"`) || strings.HasPrefix(args, "[")) {
			tc.AcceptSelf()
			continue
		}
		for _, q := range specs {
			tc.AcceptDependency(firstGroup(q))
		}
	}
	tc.SetSideEffects(s.sideEffects)
	return Output{Content: content}, nil
}

// ScanRequires returns the require("x") specifiers in src, in order.
func ScanRequires(src string) []string {
	return scanAll(reRequire, src)
}

// ScanDynamicImports returns the import("x") specifiers in src, in order.
func ScanDynamicImports(src string) []string {
	return scanAll(reDynImport, src)
}

func scanAll(re *regexp.Regexp, src string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(src, -1) {
		if spec := firstGroup(m); spec != "" {
			out = append(out, spec)
		}
	}
	return out
}

func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

// maskComments blanks out // and /* */ comments while keeping string
// literals, line structure and byte offsets intact.
func maskComments(content []byte) []byte {
	out := make([]byte, len(content))
	copy(out, content)
	var quote byte
	for i := 0; i < len(out); i++ {
		c := out[i]
		if quote != 0 {
			switch {
			case c == '\\':
				i++
			case c == quote:
				quote = 0
			case c == '\n' && quote != '`':
				quote = 0
			}
			continue
		}
		switch {
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '/' && i+1 < len(out) && out[i+1] == '/':
			for ; i < len(out) && out[i] != '\n'; i++ {
				out[i] = ' '
			}
		case c == '/' && i+1 < len(out) && out[i+1] == '*':
			out[i], out[i+1] = ' ', ' '
			i += 2
			for ; i < len(out); i++ {
				if out[i] == '*' && i+1 < len(out) && out[i+1] == '/' {
					out[i], out[i+1] = ' ', ' '
					i++
					break
				}
				if out[i] != '\n' {
					out[i] = ' '
				}
			}
		}
	}
	return out
}
