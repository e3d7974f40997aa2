package transform

import (
	"context"
	"regexp"
	"strings"
)

var (
	reCSSImport = regexp.MustCompile(`(?m)^\s*@import\s+(?:url\(\s*)?(?:'([^']+)'|"([^"]+)"|([^'"\s);]+))\s*\)?[^;]*;[ \t]*\r?\n?`)
	reCSSURL    = regexp.MustCompile(`url\(\s*(?:'([^']+)'|"([^"]+)"|([^'"\s)]+))\s*\)`)
)

// style turns a stylesheet into an empty JS module plus a style side
// artifact. @import targets become ordinary edges so their CSS is placed
// before the importer's; local url() references become edges to asset
// modules and are rewritten to public URLs at emit time.
type style struct{}

func newStyle(Options) (Transform, error) { return &style{}, nil }

func (s *style) Name() string { return "style" }

func (s *style) Apply(_ context.Context, content []byte, tc *Context) (Output, error) {
	css := reCSSImport.ReplaceAllStringFunc(string(content), func(m string) string {
		sub := reCSSImport.FindStringSubmatch(m)
		spec := firstGroup(sub)
		if IsLocalURL(spec) {
			tc.AddDependency(RequestFor(spec), false)
			return ""
		}
		return m
	})
	for _, m := range reCSSURL.FindAllStringSubmatch(css, -1) {
		if spec := firstGroup(m); IsLocalURL(spec) {
			tc.AddDependency(RequestFor(spec), false)
		}
	}
	if tc.Env != nil && tc.Env.HMR {
		tc.AcceptSelf()
	}
	tc.SetSideEffects(true)
	return Output{
		Content: []byte("module.exports = {};\n"),
		Side:    []SideArtifact{{Kind: SideStyle, Content: []byte(css)}},
	}, nil
}

// RewriteURLs replaces every local url() reference in css using lookup.
// References lookup does not know are left as written.
func RewriteURLs(css string, lookup func(spec string) (string, bool)) string {
	return reCSSURL.ReplaceAllStringFunc(css, func(m string) string {
		spec := firstGroup(reCSSURL.FindStringSubmatch(m))
		if !IsLocalURL(spec) {
			return m
		}
		if u, ok := lookup(RequestFor(spec)); ok {
			return `url("` + u + `")`
		}
		return m
	})
}

// IsLocalURL reports whether a CSS reference points into the project.
func IsLocalURL(spec string) bool {
	switch {
	case spec == "", strings.HasPrefix(spec, "data:"), strings.HasPrefix(spec, "#"),
		strings.HasPrefix(spec, "//"), strings.HasPrefix(spec, "/"),
		strings.Contains(spec, "://"):
		return false
	}
	return true
}

// RequestFor maps a CSS reference to a module specifier. css-loader treats
// "~pkg/x" as a bare specifier and everything else as relative.
func RequestFor(spec string) string {
	if strings.HasPrefix(spec, "~") {
		return strings.TrimPrefix(spec, "~")
	}
	if strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") {
		return spec
	}
	return "./" + spec
}
