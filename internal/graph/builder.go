package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"modbundle/internal/cache"
	"modbundle/internal/config"
	"modbundle/internal/resolve"
	"modbundle/internal/safeio"
	"modbundle/internal/transform"
)

// Builder walks the import graph from the entry points. One coordinator
// goroutine owns the graph; a bounded pool of workers loads modules.
type Builder struct {
	root         *safeio.Root
	resolver     *resolve.Resolver
	registry     *transform.Registry
	cache        *cache.Cache
	parallelism  int
	allowPartial bool
}

func NewBuilder(cfg *config.Config, root *safeio.Root, resolver *resolve.Resolver, registry *transform.Registry, c *cache.Cache) *Builder {
	n := cfg.Parallelism
	if n <= 0 {
		n = 1
	}
	return &Builder{
		root:         root,
		resolver:     resolver,
		registry:     registry,
		cache:        c,
		parallelism:  n,
		allowPartial: cfg.AllowPartial,
	}
}

type job struct {
	identity string
}

type loaded struct {
	identity    string
	module      *Module
	transformed bool
	// resolveErrs are unresolvable edges; the module itself loaded.
	resolveErrs []error
	err         error
}

// Build resolves and transforms every module reachable from entries. Any
// resolution or transform error fails the generation unless partial builds
// are enabled, in which case failures are collected in Graph.Errors.
func (b *Builder) Build(ctx context.Context, gen uint64, entries []config.Entry) (*Graph, error) {
	if b == nil {
		return nil, errors.New("graph: builder is nil")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session := b.resolver.Session()
	g := &Graph{Generation: gen, Modules: map[string]*Module{}}
	claimed := map[string]bool{}
	var pending []string

	for _, e := range entries {
		identity, err := session.Resolve(e.Path, "")
		if err != nil {
			if !b.allowPartial {
				return nil, fmt.Errorf("graph: entry %s: %w", e.Name, err)
			}
			g.Errors = append(g.Errors, fmt.Errorf("entry %s: %w", e.Name, err))
			continue
		}
		g.Entries = append(g.Entries, EntryPoint{Name: e.Name, Identity: identity})
		if !claimed[identity] {
			claimed[identity] = true
			pending = append(pending, identity)
		}
	}

	jobs := make(chan job)
	results := make(chan loaded, b.parallelism)
	var wg sync.WaitGroup
	for i := 0; i < b.parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				select {
				case results <- b.load(ctx, session, gen, j.identity):
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	defer func() {
		cancel()
		close(jobs)
		wg.Wait()
	}()

	var failure error
	inflight := 0
loop:
	for len(pending) > 0 || inflight > 0 {
		var send chan<- job
		var next job
		if len(pending) > 0 {
			send = jobs
			next = job{identity: pending[0]}
		}
		select {
		case send <- next:
			pending = pending[1:]
			inflight++
		case r := <-results:
			inflight--
			if r.err != nil {
				if !b.allowPartial {
					failure = r.err
					break loop
				}
				g.Errors = append(g.Errors, r.err)
				continue
			}
			if len(r.resolveErrs) > 0 && !b.allowPartial {
				failure = r.resolveErrs[0]
				break loop
			}
			g.Errors = append(g.Errors, r.resolveErrs...)
			g.Modules[r.identity] = r.module
			if r.transformed {
				g.Transformed = append(g.Transformed, r.identity)
			}
			for _, e := range r.module.Edges {
				if !claimed[e.Target] {
					claimed[e.Target] = true
					pending = append(pending, e.Target)
				}
			}
		case <-ctx.Done():
			failure = ctx.Err()
			break loop
		}
	}

	// Workers drop unsent results once ctx is cancelled, so the deferred
	// wait cannot block on a full results channel.
	if failure != nil {
		cancel()
		log.Printf("graph: generation %d failed: %v", gen, failure)
		if errors.Is(failure, context.Canceled) || errors.Is(failure, context.DeadlineExceeded) {
			return nil, failure
		}
		return nil, fmt.Errorf("graph: %w", failure)
	}

	if b.allowPartial {
		pruneDangling(g)
	}
	sort.Strings(g.Transformed)
	if err := b.cache.Flush(); err != nil {
		log.Printf("graph: cache flush: %v", err)
	}
	return g, nil
}

func (b *Builder) load(ctx context.Context, session *resolve.Session, gen uint64, identity string) loaded {
	out := loaded{identity: identity}
	if err := ctx.Err(); err != nil {
		out.err = err
		return out
	}
	raw, err := b.root.ReadFile(identity)
	if err != nil {
		out.err = &transform.TransformError{Module: identity, Step: "read", Err: err}
		return out
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	id := b.root.Rel(identity)

	chain, err := b.registry.ChainFor(identity)
	if err != nil {
		out.err = err
		return out
	}
	key := cache.Key(identity, hash, chain.Fingerprint)
	res, ok := b.cache.Get(ctx, key)
	if !ok {
		res, err = chain.Run(ctx, identity, id, raw, b.registry.Env())
		if err != nil {
			out.err = err
			return out
		}
		b.cache.Put(ctx, key, res)
		out.transformed = true
	}

	m := &Module{
		Identity:   identity,
		ID:         id,
		Type:       moduleType(id),
		Raw:        raw,
		Hash:       hash,
		Result:     res,
		Generation: gen,
	}
	for _, dep := range res.Deps {
		target, err := session.Resolve(dep.Specifier, identity)
		if err != nil {
			out.resolveErrs = append(out.resolveErrs, err)
			continue
		}
		m.Edges = append(m.Edges, Edge{Specifier: dep.Specifier, Target: target, Async: dep.Async})
	}
	out.module = m
	return out
}

// pruneDangling drops edges to modules that failed in a partial build.
func pruneDangling(g *Graph) {
	for _, m := range g.Modules {
		kept := m.Edges[:0:0]
		for _, e := range m.Edges {
			if _, ok := g.Modules[e.Target]; ok {
				kept = append(kept, e)
			}
		}
		m.Edges = kept
	}
}
