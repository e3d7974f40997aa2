// Package devserver wraps the build pipeline in a long-lived incremental
// loop, serves the live artifact set from memory and pushes hot updates to
// connected runtimes.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"modbundle/internal/buildlog"
	"modbundle/internal/bundler"
	"modbundle/internal/config"
	"modbundle/internal/emit"
	"modbundle/internal/hmr"
)

type State string

const (
	StateIdle     State = "idle"
	StateBuilding State = "building"
	StateServing  State = "serving"
	StateFailed   State = "failed"
)

// Status is the snapshot served on /__status.
type Status struct {
	State State `json:"state"`
	// Generation is the newest generation started, Live the one served.
	Generation  uint64   `json:"generation"`
	Live        uint64   `json:"live"`
	Error       string   `json:"error,omitempty"`
	Clients     int      `json:"clients"`
	Diagnostics []string `json:"diagnostics,omitempty"`
	// History holds the most recent ledger records, newest first.
	History []buildlog.Record `json:"history,omitempty"`
}

type Options struct {
	// Watch enables the file system watcher in ListenAndServe.
	Watch bool
	// Ledger records every generation's outcome when set.
	Ledger   *buildlog.Ledger
	Pipeline bundler.Options
}

type Server struct {
	cfg      *config.Config
	sink     *emit.MemorySink
	pipeline *bundler.Pipeline
	hub      *Hub
	ledger   *buildlog.Ledger
	watch    bool
	triggers chan []string

	mu      sync.RWMutex
	state   State
	gen     uint64
	last    *bundler.Result
	lastErr string
}

func New(cfg *config.Config, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("devserver: config is nil")
	}
	sink := emit.NewMemorySink()
	p, err := bundler.New(cfg, sink, opts.Pipeline)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		sink:     sink,
		pipeline: p,
		ledger:   opts.Ledger,
		watch:    opts.Watch,
		triggers: make(chan []string, 1),
		state:    StateIdle,
	}
	s.hub = NewHub(s.helloMessages)
	return s, nil
}

// Trigger schedules a new generation for the given changed paths. Batches
// arriving while one is already queued are folded into it.
func (s *Server) Trigger(paths []string) {
	select {
	case s.triggers <- paths:
	default:
	}
}

func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		State:      s.state,
		Generation: s.gen,
		Live:       s.sink.Generation(),
		Error:      s.lastErr,
		Clients:    s.hub.Len(),
	}
	if s.last != nil {
		for _, d := range s.last.Diagnostics {
			st.Diagnostics = append(st.Diagnostics, d.String())
		}
	}
	return st
}

func (s *Server) helloMessages() []hmr.Message {
	st := s.Status()
	out := []hmr.Message{{Type: hmr.TypeHello, Generation: st.Live}}
	if st.State == StateFailed {
		out = append(out, hmr.ErrorMessage(st.Generation, st.Error))
	}
	return out
}

type outcome struct {
	gen     uint64
	started time.Time
	res     *bundler.Result
	err     error
}

// Run is the scheduling loop. It builds once immediately, then once per
// trigger batch. Only one generation runs at a time: a trigger during a build
// cancels it and fences its writes, and the next generation starts as soon as
// it has returned.
func (s *Server) Run(ctx context.Context) error {
	done := make(chan outcome, 1)
	var cancel context.CancelFunc = func() {}
	running := false
	pending := true

	for {
		if pending && !running {
			pending = false
			gen := s.begin()
			s.sink.Fence(gen)
			var bctx context.Context
			bctx, cancel = context.WithCancel(ctx)
			running = true
			go func(bctx context.Context) {
				started := time.Now()
				res, err := s.pipeline.Build(bctx, gen)
				done <- outcome{gen: gen, started: started, res: res, err: err}
			}(bctx)
		}

		select {
		case <-ctx.Done():
			cancel()
			if running {
				<-done
			}
			return nil
		case paths := <-s.triggers:
			log.Printf("devserver: %d changed paths", len(paths))
			pending = true
			if running {
				s.sink.Fence(s.currentGeneration() + 1)
				cancel()
			}
		case out := <-done:
			running = false
			cancel()
			if out.err != nil && pending {
				log.Printf("devserver: generation %d superseded", out.gen)
				s.record(ctx, out, "superseded")
				continue
			}
			s.finish(ctx, out)
		}
	}
}

func (s *Server) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.state = StateBuilding
	return s.gen
}

func (s *Server) currentGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

func (s *Server) finish(ctx context.Context, out outcome) {
	if out.err != nil {
		msg := bundler.Describe(out.err)
		s.mu.Lock()
		s.state = StateFailed
		s.lastErr = msg
		s.mu.Unlock()
		log.Printf("devserver: generation %d failed: %s", out.gen, msg)
		s.hub.Broadcast(hmr.ErrorMessage(out.gen, msg))
		s.record(ctx, out, msg)
		return
	}

	s.mu.Lock()
	prev := s.last
	s.last = out.res
	s.state = StateServing
	s.lastErr = ""
	s.mu.Unlock()

	msg := hmr.Message{Type: hmr.TypeOK, Generation: out.gen}
	if prev != nil {
		r := emit.NewRenderer(out.res.Graph, out.res.Chunks, s.cfg.ExtractStyles)
		plan := hmr.NewPlan(prev.Graph, prev.Chunks, out.res.Graph, out.res.Chunks, r)
		msg = plan.Message()
		switch {
		case plan.Reload:
			log.Printf("devserver: generation %d needs a full reload: %s", out.gen, plan.Reason)
		case len(plan.Updates) > 0:
			log.Printf("devserver: generation %d hot-updates %v", out.gen, plan.Changed)
		}
	}
	s.hub.Broadcast(msg)
	s.record(ctx, out, "")
}

func (s *Server) record(ctx context.Context, out outcome, failure string) {
	if s.ledger == nil {
		return
	}
	r := buildlog.Record{
		Generation: out.gen,
		Mode:       string(s.cfg.Mode),
		Status:     buildlog.StatusOK,
		StartedAt:  out.started,
		Duration:   time.Since(out.started),
		Error:      failure,
	}
	if failure != "" {
		r.Status = buildlog.StatusFailed
	}
	if out.res != nil {
		r.Chunks = len(out.res.Chunks)
		r.Transformed = len(out.res.Graph.Transformed)
	}
	if err := s.ledger.Record(context.WithoutCancel(ctx), r); err != nil {
		log.Printf("devserver: %v", err)
	}
}

// skipPaths are absolute paths the watcher ignores: build output and the
// tool's own state.
func (s *Server) skipPaths() []string {
	var out []string
	for _, p := range []string{s.cfg.Output.Path, s.cfg.CacheDir, filepath.Dir(s.cfg.HistoryDB)} {
		if p == "" || p == "." {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Root, p)
		}
		out = append(out, p)
	}
	return out
}

// ListenAndServe runs the build loop, the optional watcher and the HTTP
// server until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	if s.watch {
		w, err := NewWatcher(s.cfg.Root, s.cfg.DevServer.Debounce, s.skipPaths(), s.Trigger)
		if err != nil {
			return fmt.Errorf("devserver: watch: %w", err)
		}
		eg.Go(func() error { return w.Run(ctx) })
	}

	addr := net.JoinHostPort(s.cfg.DevServer.Host, s.cfg.DevServer.Port)
	srv := newHTTPServer(addr, s.Handler())
	eg.Go(func() error { return s.Run(ctx) })
	eg.Go(srv.Start)
	eg.Go(func() error {
		<-ctx.Done()
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
