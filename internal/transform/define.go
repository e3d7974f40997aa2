package transform

import (
	"bytes"
	"context"
	"sort"
)

// define substitutes compile-time constants such as process.env.NODE_ENV.
// Only whole tokens are replaced: "process.env.NODE_ENV_X" and
// "a.process.env.NODE_ENV" are left alone.
type define struct {
	extra map[string]string
}

func newDefine(opts Options) (Transform, error) {
	extra := map[string]string{}
	for k, v := range opts {
		if s, ok := v.(string); ok {
			extra[k] = s
		}
	}
	return &define{extra: extra}, nil
}

func (d *define) Name() string { return "define" }

func (d *define) Apply(_ context.Context, content []byte, tc *Context) (Output, error) {
	values := map[string]string{}
	if tc.Env != nil {
		for k, v := range tc.Env.Define {
			values[k] = v
		}
	}
	for k, v := range d.extra {
		values[k] = v
	}
	if len(values) == 0 {
		return Output{Content: content}, nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	// Longest first so "process.env.NODE_ENV" wins over "process.env".
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	out := content
	for _, k := range keys {
		out = replaceToken(out, []byte(k), []byte(values[k]))
	}
	return Output{Content: out}, nil
}

func replaceToken(src, token, value []byte) []byte {
	if len(token) == 0 || !bytes.Contains(src, token) {
		return src
	}
	var buf bytes.Buffer
	buf.Grow(len(src))
	for {
		i := bytes.Index(src, token)
		if i < 0 {
			buf.Write(src)
			return buf.Bytes()
		}
		end := i + len(token)
		before := i == 0 || !(isIdentByte(src[i-1]) || src[i-1] == '.')
		after := end >= len(src) || !isIdentByte(src[end])
		buf.Write(src[:i])
		if before && after {
			buf.Write(value)
		} else {
			buf.Write(token)
		}
		src = src[end:]
	}
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
