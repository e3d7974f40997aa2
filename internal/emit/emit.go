// Package emit renders chunks into content-addressed artifacts and persists
// them through a Sink.
package emit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"

	"github.com/tdewolff/minify/v2"
	"golang.org/x/sync/errgroup"

	"modbundle/internal/chunk"
	"modbundle/internal/config"
	"modbundle/internal/graph"
	"modbundle/internal/pathtmpl"
	"modbundle/internal/transform"
)

// EmitIOError reports an artifact that could not be persisted.
type EmitIOError struct {
	Path string
	Err  error
}

func (e *EmitIOError) Error() string {
	return fmt.Sprintf("emit: write %s: %v", e.Path, e.Err)
}

func (e *EmitIOError) Unwrap() error { return e.Err }

// ChunkFiles lists what one logical chunk was emitted as.
type ChunkFiles struct {
	Kind     chunk.Kind `json:"kind"`
	Hash     string     `json:"hash"`
	JS       string     `json:"js"`
	CSS      string     `json:"css,omitempty"`
	Gzip     []string   `json:"gzip,omitempty"`
	Requires []string   `json:"requires,omitempty"`
	Modules  []string   `json:"modules"`
}

// Manifest maps logical chunk names to emitted paths. Only the latest one is
// persisted.
type Manifest struct {
	Chunks map[string]ChunkFiles `json:"chunks"`
	// Entrypoints lists, per entry, the chunks to load in order.
	Entrypoints map[string][]string `json:"entrypoints"`
	Assets      []string            `json:"assets,omitempty"`
	HTML        string              `json:"html,omitempty"`
	// Files is every artifact path except the manifest itself.
	Files []string `json:"files"`

	Generation uint64 `json:"-"`
	Path       string `json:"-"`
}

type Emitter struct {
	cfg  *config.Config
	sink Sink
	min  *minify.M
}

func New(cfg *config.Config, sink Sink) *Emitter {
	return &Emitter{cfg: cfg, sink: sink, min: newMinifier()}
}

// Emit renders and persists every chunk of one generation. The manifest is
// committed last; on failure nothing of the generation becomes visible.
func (e *Emitter) Emit(ctx context.Context, gen uint64, g *graph.Graph, chunks []*chunk.Chunk) (*Manifest, error) {
	if e == nil || e.sink == nil {
		return nil, errors.New("emit: emitter is not configured")
	}
	r := NewRenderer(g, chunks, e.cfg.ExtractStyles)
	man := &Manifest{
		Chunks:      map[string]ChunkFiles{},
		Entrypoints: map[string][]string{},
		Generation:  gen,
		Path:        e.cfg.Output.Manifest,
	}
	var files []File
	table := map[string]tableEntry{}
	var manifestChunk *chunk.Chunk

	for _, c := range chunks {
		if c.Kind == chunk.KindManifest {
			manifestChunk = c
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		js, css := e.renderChunk(r, g, c)
		cf, out, err := e.finish(c, js, css)
		if err != nil {
			return nil, err
		}
		files = append(files, out...)
		man.Chunks[c.Name] = cf
		if c.Kind == chunk.KindAsync {
			table[c.Name] = tableEntry{JS: cf.JS, CSS: cf.CSS, Requires: c.Requires}
		}
		if c.Kind == chunk.KindEntry {
			man.Entrypoints[c.Name] = append(append([]string(nil), c.Requires...), c.Name)
		}
	}
	if manifestChunk == nil {
		return nil, errors.New("emit: chunk set has no manifest chunk")
	}

	js, css := e.renderManifestChunk(r, g, manifestChunk, table)
	cf, out, err := e.finish(manifestChunk, js, css)
	if err != nil {
		return nil, err
	}
	files = append(files, out...)
	man.Chunks[manifestChunk.Name] = cf

	assets := assetFiles(g)
	for _, f := range assets {
		man.Assets = append(man.Assets, f.Path)
	}
	files = append(files, assets...)

	if e.cfg.CopyStatic {
		static, err := staticFiles(e.cfg)
		if err != nil {
			return nil, fmt.Errorf("emit: static copy: %w", err)
		}
		for _, f := range static {
			man.Assets = append(man.Assets, f.Path)
		}
		files = append(files, static...)
	}

	if name := e.cfg.Output.HTML.Filename; name != "" {
		doc, err := e.renderDocument(chunks, man)
		if err != nil {
			return nil, err
		}
		man.HTML = name
		files = append(files, File{Path: name, Data: doc})
	}

	if e.cfg.Compress {
		files, err = e.compress(files, man)
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	for _, f := range files {
		man.Files = append(man.Files, f.Path)
	}
	if err := e.persist(ctx, gen, files, man); err != nil {
		return nil, err
	}
	log.Printf("emit: generation %d wrote %d artifacts", gen, len(files))
	return man, nil
}

func (e *Emitter) renderChunk(r *Renderer, g *graph.Graph, c *chunk.Chunk) ([]byte, []byte) {
	var js, css bytes.Buffer
	for _, m := range c.Modules {
		js.Write(r.Module(m))
		if e.cfg.ExtractStyles {
			css.WriteString(r.Style(m))
		}
	}
	if c.Kind == chunk.KindEntry {
		id := ""
		if m := g.Module(c.EntryModule); m != nil {
			id = m.ID
		}
		requires, _ := json.Marshal(nonNil(c.Requires))
		fmt.Fprintf(&js, "__bundle.entry(%s, %s, %s);\n", strconv.Quote(c.Name), strconv.Quote(id), requires)
	} else {
		fmt.Fprintf(&js, "__bundle.loaded(%s);\n", strconv.Quote(c.Name))
	}
	return js.Bytes(), css.Bytes()
}

// renderManifestChunk prepends the runtime. Its chunk table lists async chunks
// only; sync chunks are loaded by the document, so application edits outside
// async chunks leave the manifest hash unchanged.
func (e *Emitter) renderManifestChunk(r *Renderer, g *graph.Graph, c *chunk.Chunk, table map[string]tableEntry) ([]byte, []byte) {
	var js bytes.Buffer
	js.WriteString(renderRuntime(table, e.cfg.Output.PublicPath, e.cfg.HMR))
	body, css := e.renderChunk(r, g, c)
	js.Write(body)
	if e.cfg.HMR {
		js.WriteString(renderHMRClient(e.cfg.DevServer.HMRPath))
	}
	return js.Bytes(), css
}

// finish minifies, hashes and names a chunk's files.
func (e *Emitter) finish(c *chunk.Chunk, js, css []byte) (ChunkFiles, []File, error) {
	if e.cfg.Minify {
		var err error
		if js, err = e.min.Bytes(mimeJS, js); err != nil {
			return ChunkFiles{}, nil, fmt.Errorf("emit: minify chunk %s: %w", c.Name, err)
		}
		if len(css) > 0 {
			if css, err = e.min.Bytes(mimeCSS, css); err != nil {
				return ChunkFiles{}, nil, fmt.Errorf("emit: minify styles of %s: %w", c.Name, err)
			}
		}
	}
	hash := e.hash(js)
	tmpl := e.cfg.Output.Filename
	if c.Kind == chunk.KindAsync {
		tmpl = e.cfg.Output.ChunkFilename
	}
	cf := ChunkFiles{
		Kind:     c.Kind,
		Hash:     hash,
		JS:       pathtmpl.Expand(tmpl, pathtmpl.Vars{Name: c.Name, ID: c.Name, Ext: "js", Hash: hash}),
		Requires: c.Requires,
		Modules:  []string{},
	}
	for _, m := range c.Modules {
		cf.Modules = append(cf.Modules, m.ID)
	}
	out := []File{{Path: cf.JS, Data: js}}
	if len(bytes.TrimSpace(css)) > 0 {
		cf.CSS = pathtmpl.Expand(e.cfg.Output.CSSFilename, pathtmpl.Vars{Name: c.Name, ID: c.Name, Ext: "css", Hash: e.hash(css)})
		out = append(out, File{Path: cf.CSS, Data: css})
	}
	return cf, out, nil
}

func (e *Emitter) renderDocument(chunks []*chunk.Chunk, man *Manifest) ([]byte, error) {
	var styles, scripts []string
	for _, c := range chunks {
		if c.Kind == chunk.KindAsync {
			continue
		}
		cf := man.Chunks[c.Name]
		if cf.CSS != "" {
			styles = append(styles, publicURL(e.cfg.Output.PublicPath, cf.CSS))
		}
		scripts = append(scripts, publicURL(e.cfg.Output.PublicPath, cf.JS))
	}
	doc, err := renderHTML(e.cfg, styles, scripts)
	if err != nil {
		return nil, err
	}
	if e.cfg.Minify {
		if doc, err = e.min.Bytes(mimeHTML, doc); err != nil {
			return nil, fmt.Errorf("emit: minify html: %w", err)
		}
	}
	return doc, nil
}

func (e *Emitter) compress(files []File, man *Manifest) ([]File, error) {
	out := files
	for _, f := range files {
		if !compressible(f.Path) {
			continue
		}
		gz, ok, err := gzipCompanion(f.Data, e.cfg.Compression.Threshold, e.cfg.Compression.MinRatio)
		if err != nil {
			return nil, fmt.Errorf("emit: gzip %s: %w", f.Path, err)
		}
		if !ok {
			continue
		}
		path := f.Path + ".gz"
		out = append(out, File{Path: path, Data: gz})
		for name, cf := range man.Chunks {
			if cf.JS == f.Path || cf.CSS == f.Path {
				cf.Gzip = append(cf.Gzip, path)
				man.Chunks[name] = cf
			}
		}
	}
	return out, nil
}

func (e *Emitter) persist(ctx context.Context, gen uint64, files []File, man *Manifest) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.Parallelism)
	for _, f := range files {
		f := f
		eg.Go(func() error {
			if err := e.sink.Write(egCtx, gen, f); err != nil {
				return &EmitIOError{Path: f.Path, Err: err}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		e.sink.Discard(gen)
		return err
	}
	raw, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		e.sink.Discard(gen)
		return err
	}
	if err := e.sink.Commit(ctx, gen, File{Path: man.Path, Data: append(raw, '\n')}); err != nil {
		e.sink.Discard(gen)
		return &EmitIOError{Path: man.Path, Err: err}
	}
	return nil
}

func (e *Emitter) hash(data []byte) string {
	sum := sha256.Sum256(data)
	h := hex.EncodeToString(sum[:])
	if n := e.cfg.Output.HashLength; n > 0 && n < len(h) {
		h = h[:n]
	}
	return h
}

// assetFiles collects file side artifacts, deduplicated by path.
func assetFiles(g *graph.Graph) []File {
	seen := map[string]bool{}
	var out []File
	for _, m := range g.Sorted() {
		if m.Result == nil {
			continue
		}
		for _, side := range m.Result.Side {
			if side.Kind != transform.SideFile || seen[side.Path] {
				continue
			}
			seen[side.Path] = true
			out = append(out, File{Path: side.Path, Data: side.Content})
		}
	}
	return out
}

func publicURL(publicPath, p string) string {
	if publicPath == "" {
		publicPath = "/"
	}
	if publicPath[len(publicPath)-1] != '/' {
		publicPath += "/"
	}
	return publicPath + p
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
