package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"mime"
	"net/http"
	"path"
	"strings"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Handler routes the update channel, the status endpoint and the live
// artifacts.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.DevServer.HMRPath, s.hub.ServeWS)
	mux.HandleFunc("/__status", s.handleStatus)
	mux.HandleFunc("/", s.handleArtifact)
	return withCORS(mux)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st := s.Status()
	if s.ledger != nil {
		history, err := s.ledger.Recent(r.Context(), 10)
		if err != nil {
			log.Printf("devserver: history: %v", err)
		}
		st.History = history
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(st)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.sink.Generation() == 0 {
		st := s.Status()
		if st.State == StateFailed {
			http.Error(w, st.Error, http.StatusInternalServerError)
			return
		}
		http.Error(w, "initial build in progress", http.StatusServiceUnavailable)
		return
	}

	rel := s.artifactPath(r.URL.Path)
	data, ok := s.sink.Get(rel)
	if !ok && s.cfg.DevServer.HistoryAPIFallback && path.Ext(rel) == "" && s.cfg.Output.HTML.Filename != "" {
		rel = s.cfg.Output.HTML.Filename
		data, ok = s.sink.Get(rel)
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	ct := mime.TypeByExtension(path.Ext(rel))
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-cache")
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

// artifactPath maps a request path to a sink path under the public path.
func (s *Server) artifactPath(reqPath string) string {
	p := path.Clean("/" + reqPath)
	public := "/" + strings.Trim(s.cfg.Output.PublicPath, "/")
	if public != "/" {
		p = strings.TrimPrefix(p, public)
	}
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return s.cfg.Output.HTML.Filename
	}
	return p
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		if r.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(w, r)
	})
}

type httpServer struct {
	srv *http.Server
}

func newHTTPServer(addr string, handler http.Handler) *httpServer {
	return &httpServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: h2c.NewHandler(handler, &http2.Server{}),
		},
	}
}

func (s *httpServer) Start() error {
	log.Printf("devserver: listening on http://%s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *httpServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
