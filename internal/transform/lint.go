package transform

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar"
)

// ErrLint is wrapped by the error a blocking lint step returns.
var ErrLint = errors.New("lint violation")

type lintRule struct {
	name  string
	check func(line string) (string, bool)
}

var (
	reDebugger = regexp.MustCompile(`(^|[^\w$.])debugger\b`)
	reConsole  = regexp.MustCompile(`(^|[^\w$.])console\.(log|debug|info|warn|error|trace)\s*\(`)
	reVar      = regexp.MustCompile(`(^|[^\w$.])var\s+[\w$]`)
)

func lintRules(maxLine int) map[string]lintRule {
	return map[string]lintRule{
		"no-debugger": {name: "no-debugger", check: func(line string) (string, bool) {
			return "use of debugger statement", reDebugger.MatchString(line)
		}},
		"no-console": {name: "no-console", check: func(line string) (string, bool) {
			return "calls to console are not allowed", reConsole.MatchString(line)
		}},
		"no-var": {name: "no-var", check: func(line string) (string, bool) {
			return "forbidden 'var' keyword, use 'let' or 'const'", reVar.MatchString(line)
		}},
		"max-line-length": {name: "max-line-length", check: func(line string) (string, bool) {
			return fmt.Sprintf("exceeds maximum line length of %d", maxLine), len(line) > maxLine
		}},
	}
}

// lint checks source lines against a fixed rule set. Advisory mode reports
// warnings; blocking mode fails the module on the first violation.
type lint struct {
	blocking bool
	rules    []lintRule
	exclude  []string
}

func newLint(opts Options) (Transform, error) {
	mode := opts.String("mode", "advisory")
	if mode != "advisory" && mode != "blocking" {
		return nil, fmt.Errorf("unknown lint mode %q", mode)
	}
	maxLine, err := opts.Int("maxLineLength", 120)
	if err != nil {
		return nil, err
	}
	names := opts.Strings("rules")
	if len(names) == 0 {
		names = []string{"no-debugger"}
	}
	table := lintRules(maxLine)
	l := &lint{blocking: mode == "blocking", exclude: opts.Strings("exclude")}
	for _, name := range names {
		r, ok := table[name]
		if !ok {
			return nil, fmt.Errorf("unknown lint rule %q", name)
		}
		l.rules = append(l.rules, r)
	}
	for _, pattern := range l.exclude {
		if _, err := doublestar.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("lint exclude %q: %w", pattern, err)
		}
	}
	return l, nil
}

func (l *lint) Name() string { return "lint" }

func (l *lint) Apply(_ context.Context, content []byte, tc *Context) (Output, error) {
	if l.excluded(tc.ID) {
		return Output{Content: content}, nil
	}
	masked := string(maskComments(content))
	for i, line := range strings.Split(masked, "\n") {
		for _, rule := range l.rules {
			msg, bad := rule.check(strings.TrimRight(line, "\r"))
			if !bad {
				continue
			}
			if l.blocking {
				tc.Report(Diagnostic{Step: l.Name(), Severity: SeverityError, Line: i + 1, Message: rule.name + ": " + msg})
				return Output{}, fmt.Errorf("%w: line %d: %s: %s", ErrLint, i+1, rule.name, msg)
			}
			tc.Report(Diagnostic{Step: l.Name(), Severity: SeverityWarning, Line: i + 1, Message: rule.name + ": " + msg})
		}
	}
	return Output{Content: content}, nil
}

func (l *lint) excluded(id string) bool {
	for _, pattern := range l.exclude {
		if ok, _ := doublestar.Match(pattern, id); ok {
			return true
		}
	}
	return false
}
