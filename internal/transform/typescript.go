package transform

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// typescript transpiles one TS/TSX/JSX/JS file to CommonJS with esbuild's
// transform API. Bundling stays ours; esbuild only sees a single file.
type typescript struct {
	target     api.Target
	jsxFactory string
	jsxFrag    string
}

func newTypeScript(opts Options) (Transform, error) {
	target, err := parseTarget(opts.String("target", "es2017"))
	if err != nil {
		return nil, err
	}
	return &typescript{
		target:     target,
		jsxFactory: opts.String("jsxFactory", "React.createElement"),
		jsxFrag:    opts.String("jsxFragment", "React.Fragment"),
	}, nil
}

func (t *typescript) Name() string { return "typescript" }

func (t *typescript) Apply(ctx context.Context, content []byte, tc *Context) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	res := api.Transform(string(content), api.TransformOptions{
		Loader:        loaderFor(tc.ID),
		Format:        api.FormatCommonJS,
		Target:        t.target,
		Sourcefile:    tc.ID,
		JSXFactory:    t.jsxFactory,
		JSXFragment:   t.jsxFrag,
		Supported:     map[string]bool{"dynamic-import": true},
		LegalComments: api.LegalCommentsNone,
		Charset:       api.CharsetUTF8,
		LogLevel:      api.LogLevelSilent,
		TreeShaking:   api.TreeShakingFalse,
	})
	for _, w := range res.Warnings {
		tc.Report(Diagnostic{Step: t.Name(), Severity: SeverityWarning, Line: messageLine(w), Message: w.Text})
	}
	if len(res.Errors) > 0 {
		msgs := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			if line := messageLine(e); line > 0 {
				msgs = append(msgs, fmt.Sprintf("line %d: %s", line, e.Text))
				continue
			}
			msgs = append(msgs, e.Text)
		}
		return Output{}, errors.New(strings.Join(msgs, "; "))
	}
	return Output{Content: res.Code}, nil
}

func loaderFor(id string) api.Loader {
	switch strings.ToLower(path.Ext(id)) {
	case ".ts", ".mts", ".cts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".jsx":
		return api.LoaderJSX
	default:
		return api.LoaderJS
	}
}

func messageLine(m api.Message) int {
	if m.Location == nil {
		return 0
	}
	return m.Location.Line
}

func parseTarget(s string) (api.Target, error) {
	switch strings.ToLower(s) {
	case "es2015", "es6":
		return api.ES2015, nil
	case "es2016":
		return api.ES2016, nil
	case "es2017":
		return api.ES2017, nil
	case "es2018":
		return api.ES2018, nil
	case "es2019":
		return api.ES2019, nil
	case "es2020":
		return api.ES2020, nil
	case "esnext":
		return api.ESNext, nil
	}
	return 0, fmt.Errorf("unknown target %q", s)
}
