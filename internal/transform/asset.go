package transform

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"mime"
	"path"
	"strings"

	"modbundle/internal/pathtmpl"
)

// asset inlines small files as data URIs when inlining is enabled and
// otherwise copies them to a hashed output path. Either way the module
// exports the URL.
type asset struct {
	limit int
	name  string
}

func newAsset(opts Options) (Transform, error) {
	limit, err := opts.Int("limit", 10000)
	if err != nil {
		return nil, err
	}
	return &asset{limit: limit, name: opts.String("name", "static/media/[name].[hash:7].[ext]")}, nil
}

func (a *asset) Name() string { return "asset" }

func (a *asset) Apply(_ context.Context, content []byte, tc *Context) (Output, error) {
	tc.SetSideEffects(false)
	var url string
	var side []SideArtifact
	inline := tc.Env != nil && tc.Env.InlineAssets
	if inline && len(content) < a.limit {
		url = "data:" + mimeFor(tc.ID) + ";base64," + base64.StdEncoding.EncodeToString(content)
	} else {
		sum := sha256.Sum256(content)
		ext := path.Ext(tc.ID)
		out := pathtmpl.Expand(a.name, pathtmpl.Vars{
			Name: strings.TrimSuffix(path.Base(tc.ID), ext),
			Ext:  strings.TrimPrefix(ext, "."),
			Hash: hex.EncodeToString(sum[:]),
		})
		publicPath := "/"
		if tc.Env != nil && tc.Env.PublicPath != "" {
			publicPath = tc.Env.PublicPath
		}
		url = strings.TrimSuffix(publicPath, "/") + "/" + out
		side = []SideArtifact{{Kind: SideFile, Path: out, Content: content}}
	}
	tc.SetPublicURL(url)
	lit, err := json.Marshal(url)
	if err != nil {
		return Output{}, err
	}
	return Output{Content: exportLiteral(lit), Side: side}, nil
}

func mimeFor(id string) string {
	if t := mime.TypeByExtension(path.Ext(id)); t != "" {
		if i := strings.Index(t, ";"); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return "application/octet-stream"
}
