// Package bundler runs one build generation end to end: graph, chunks,
// artifacts.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"modbundle/internal/cache"
	"modbundle/internal/chunk"
	"modbundle/internal/config"
	"modbundle/internal/emit"
	"modbundle/internal/graph"
	"modbundle/internal/resolve"
	"modbundle/internal/safeio"
	"modbundle/internal/transform"
)

// Pipeline owns the long-lived parts of a build: resolver, transform
// registry and cache. Build may be called repeatedly with increasing
// generations; the cache makes later generations incremental.
type Pipeline struct {
	cfg      *config.Config
	root     *safeio.Root
	registry *transform.Registry
	cache    *cache.Cache
	builder  *graph.Builder
	emitter  *emit.Emitter
	policy   chunk.Policy
}

// Options adjusts New. A zero value uses the configured disk cache.
type Options struct {
	Steps map[string]transform.Factory
	// MemoryOnly disables the disk cache tier.
	MemoryOnly bool
}

func New(cfg *config.Config, sink emit.Sink, opts Options) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("bundler: config is nil")
	}
	root, err := safeio.NewRoot(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("bundler: project root: %w", err)
	}
	steps := opts.Steps
	if steps == nil {
		steps = transform.Builtins()
	}
	registry, err := transform.NewRegistryWith(cfg, steps)
	if err != nil {
		return nil, fmt.Errorf("bundler: %w", err)
	}
	cacheCfg := cache.DefaultConfig("")
	if !opts.MemoryOnly && cfg.CacheDir != "" {
		dir := cfg.CacheDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(cfg.Root, dir)
		}
		cacheCfg.Dir = dir
	}
	c, err := cache.New(cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("bundler: transform cache: %w", err)
	}
	return &Pipeline{
		cfg:      cfg,
		root:     root,
		registry: registry,
		cache:    c,
		builder:  graph.NewBuilder(cfg, root, resolve.New(root, cfg.Resolve), registry, c),
		emitter:  emit.New(cfg, sink),
		policy:   chunk.PolicyFromConfig(cfg),
	}, nil
}

func (p *Pipeline) Config() *config.Config { return p.cfg }

func (p *Pipeline) CacheStats() cache.Stats { return p.cache.Stats() }

// Build runs generation gen. On any failure nothing is committed and the
// previously emitted manifest stays in place.
func (p *Pipeline) Build(ctx context.Context, gen uint64) (*Result, error) {
	if p == nil {
		return nil, errors.New("bundler: pipeline is nil")
	}
	start := time.Now()
	g, err := p.builder.Build(ctx, gen, p.cfg.Entries())
	if err != nil {
		return nil, err
	}
	chunks, err := chunk.Partition(g, p.policy)
	if err != nil {
		return nil, fmt.Errorf("bundler: %w", err)
	}
	man, err := p.emitter.Emit(ctx, gen, g, chunks)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Generation:  gen,
		Mode:        p.cfg.Mode,
		Graph:       g,
		Chunks:      chunks,
		Manifest:    man,
		Diagnostics: collectDiagnostics(g),
		Errors:      g.Errors,
		Duration:    time.Since(start),
	}
	for _, d := range res.Diagnostics {
		log.Printf("bundler: %s", d)
	}
	log.Printf("bundler: generation %d built %d modules (%d transformed) into %d chunks in %s",
		gen, len(g.Modules), len(g.Transformed), len(chunks), res.Duration.Round(time.Millisecond))
	return res, nil
}
