package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// raw exports the file content as a string.
type raw struct{}

func newRaw(Options) (Transform, error) { return &raw{}, nil }

func (r *raw) Name() string { return "raw" }

func (r *raw) Apply(_ context.Context, content []byte, tc *Context) (Output, error) {
	lit, err := json.Marshal(string(content))
	if err != nil {
		return Output{}, err
	}
	tc.SetSideEffects(false)
	return Output{Content: exportLiteral(lit)}, nil
}

// jsonStep validates a JSON document and exports it.
type jsonStep struct{}

func newJSON(Options) (Transform, error) { return &jsonStep{}, nil }

func (j *jsonStep) Name() string { return "json" }

func (j *jsonStep) Apply(_ context.Context, content []byte, tc *Context) (Output, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, content); err != nil {
		return Output{}, fmt.Errorf("invalid JSON: %w", err)
	}
	tc.SetSideEffects(false)
	return Output{Content: exportLiteral(buf.Bytes())}, nil
}

func exportLiteral(lit []byte) []byte {
	out := make([]byte, 0, len(lit)+20)
	out = append(out, "module.exports = "...)
	out = append(out, lit...)
	return append(out, ";\n"...)
}
