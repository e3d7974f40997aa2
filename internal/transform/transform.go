// Package transform holds the per-file-type transform chains.
//
// A chain is an ordered list of named steps selected by the first matching
// rule. Each step rewrites the module content and may route side artifacts
// (extracted stylesheet text, copied asset files) to the emitter instead of
// the JavaScript output.
package transform

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrNoRule is wrapped by TransformError when no rule matches a file.
var ErrNoRule = errors.New("no rule matches this file type")

// TransformError carries the offending module and chain step.
type TransformError struct {
	Module string
	Step   string
	Err    error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform: %s [%s]: %v", e.Module, e.Step, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

type SideKind string

const (
	// SideStyle is stylesheet text aggregated per chunk.
	SideStyle SideKind = "style"
	// SideFile is a file copied verbatim to Path.
	SideFile SideKind = "file"
)

type SideArtifact struct {
	Kind    SideKind `json:"kind"`
	Path    string   `json:"path,omitempty"`
	Content []byte   `json:"content"`
}

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Diagnostic struct {
	Step     string   `json:"step"`
	Severity Severity `json:"severity"`
	Line     int      `json:"line,omitempty"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%s:%d [%s] %s", d.Severity, d.Line, d.Step, d.Message)
	}
	return fmt.Sprintf("%s [%s] %s", d.Severity, d.Step, d.Message)
}

// Dependency is a specifier discovered in module content.
type Dependency struct {
	Specifier string `json:"specifier"`
	Async     bool   `json:"async,omitempty"`
}

// HotInfo records module.hot.accept registrations.
type HotInfo struct {
	SelfAccepting bool     `json:"selfAccepting,omitempty"`
	Accepts       []string `json:"accepts,omitempty"`
}

// Result is the complete output of a chain for one module. Results are shared
// across generations through the cache and must be treated as read-only.
type Result struct {
	Code        []byte         `json:"code"`
	Deps        []Dependency   `json:"deps,omitempty"`
	Side        []SideArtifact `json:"side,omitempty"`
	Diagnostics []Diagnostic   `json:"diagnostics,omitempty"`
	Hot         HotInfo        `json:"hot"`
	SideEffects bool           `json:"sideEffects"`
	PublicURL   string         `json:"publicUrl,omitempty"`
}

// Output is what one step returns.
type Output struct {
	Content []byte
	Side    []SideArtifact
}

// Transform is one step of a chain.
type Transform interface {
	Name() string
	Apply(ctx context.Context, content []byte, tc *Context) (Output, error)
}

// Context is the per-module scratch space steps report into.
type Context struct {
	// Path is the module identity, ID its stable project-relative id.
	Path string
	ID   string
	Env  *Env

	deps        []Dependency
	depIndex    map[string]int
	diags       []Diagnostic
	hot         HotInfo
	sideEffects bool
	publicURL   string
}

func NewContext(path, id string, env *Env) *Context {
	return &Context{Path: path, ID: id, Env: env, depIndex: map[string]int{}, sideEffects: true}
}

// AddDependency records a specifier. A specifier seen both synchronously and
// asynchronously is synchronous.
func (c *Context) AddDependency(spec string, async bool) {
	if spec == "" {
		return
	}
	if i, ok := c.depIndex[spec]; ok {
		if !async {
			c.deps[i].Async = false
		}
		return
	}
	c.depIndex[spec] = len(c.deps)
	c.deps = append(c.deps, Dependency{Specifier: spec, Async: async})
}

func (c *Context) Report(d Diagnostic) { c.diags = append(c.diags, d) }

func (c *Context) AcceptSelf() { c.hot.SelfAccepting = true }

func (c *Context) AcceptDependency(spec string) {
	for _, s := range c.hot.Accepts {
		if s == spec {
			return
		}
	}
	c.hot.Accepts = append(c.hot.Accepts, spec)
}

func (c *Context) SetSideEffects(v bool) { c.sideEffects = v }

func (c *Context) SetPublicURL(u string) { c.publicURL = u }

// Chain is the ordered step list selected for one rule.
type Chain struct {
	Rule        string
	Steps       []Transform
	Fingerprint string
}

// Run applies every step in order. The first failing step aborts the chain.
func (ch *Chain) Run(ctx context.Context, path, id string, content []byte, env *Env) (*Result, error) {
	tc := NewContext(path, id, env)
	var side []SideArtifact
	cur := content
	for _, step := range ch.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := step.Apply(ctx, cur, tc)
		if err != nil {
			return nil, &TransformError{Module: path, Step: step.Name(), Err: err}
		}
		cur = out.Content
		side = append(side, out.Side...)
	}
	accepts := append([]string(nil), tc.hot.Accepts...)
	sort.Strings(accepts)
	return &Result{
		Code:        cur,
		Deps:        tc.deps,
		Side:        side,
		Diagnostics: tc.diags,
		Hot:         HotInfo{SelfAccepting: tc.hot.SelfAccepting, Accepts: accepts},
		SideEffects: tc.sideEffects,
		PublicURL:   tc.publicURL,
	}, nil
}
