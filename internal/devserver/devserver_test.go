package devserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbundle/internal/buildlog"
	"modbundle/internal/bundler"
	"modbundle/internal/config"
	"modbundle/internal/hmr"
	"modbundle/internal/transform"
)

const entrySource = "var b = require(\"./b\");\nif (module.hot) { module.hot.accept(); }\nmodule.exports = b;\n"

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

type harness struct {
	dir string
	srv *Server
	ts  *httptest.Server
}

func start(t *testing.T, steps map[string]transform.Factory, edit func(*config.Config)) *harness {
	t.Helper()
	return startWith(t, Options{Pipeline: bundler.Options{MemoryOnly: true, Steps: steps}}, edit)
}

func startWith(t *testing.T, opts Options, edit func(*config.Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	write(t, dir, "src/a.js", entrySource)
	write(t, dir, "src/b.js", "module.exports = 1;\n")
	cfg, err := config.New(dir, config.ModeDevelopment, func(c *config.Config) {
		c.Entry = map[string]string{"main": "./src/a.js"}
		if edit != nil {
			edit(c)
		}
	})
	require.NoError(t, err)
	srv, err := New(cfg, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = srv.Run(ctx)
	}()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.hub.Close()
		ts.Close()
		cancel()
		<-stopped
	})
	return &harness{dir: dir, srv: srv, ts: ts}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) get(t *testing.T, p string) (int, string, http.Header) {
	t.Helper()
	resp, err := http.Get(h.ts.URL + p)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body), resp.Header
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/__hmr"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) hmr.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		var msg hmr.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func TestServesLiveArtifacts(t *testing.T) {
	h := start(t, nil, nil)
	waitFor(t, "first generation", func() bool { return h.srv.Status().Live == 1 })

	code, body, _ := h.get(t, "/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `<div id="App"></div>`)

	code, body, _ = h.get(t, "/manifest.json")
	require.Equal(t, http.StatusOK, code)
	var man struct {
		Chunks map[string]struct {
			JS string `json:"js"`
		} `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &man))
	mainJS := man.Chunks["main"].JS
	require.NotEmpty(t, mainJS)

	code, body, hdr := h.get(t, "/"+mainJS)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, hdr.Get("Content-Type"), "javascript")
	assert.Contains(t, body, `__bundle.define("src/b.js"`)

	code, body, _ = h.get(t, "/dashboard/settings")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<!DOCTYPE html>")

	code, _, _ = h.get(t, "/static/js/missing.js")
	assert.Equal(t, http.StatusNotFound, code)

	code, body, _ = h.get(t, "/__status")
	assert.Equal(t, http.StatusOK, code)
	var st Status
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, StateServing, st.State)
	assert.Equal(t, uint64(1), st.Live)
}

func TestHotUpdateOverWebsocket(t *testing.T) {
	h := start(t, nil, nil)
	waitFor(t, "first generation", func() bool { return h.srv.Status().Live == 1 })

	conn := h.dial(t)
	hello := readUntil(t, conn, hmr.TypeHello)
	assert.Equal(t, uint64(1), hello.Generation)
	waitFor(t, "client registration", func() bool { return h.srv.Status().Clients == 1 })

	write(t, h.dir, "src/b.js", "module.exports = 2;\n")
	h.srv.Trigger([]string{filepath.Join(h.dir, "src/b.js")})

	update := readUntil(t, conn, hmr.TypeUpdate)
	assert.Equal(t, uint64(2), update.Generation)
	require.Len(t, update.Modules, 1)
	assert.Equal(t, "src/b.js", update.Modules[0].ID)
	assert.Contains(t, update.Modules[0].Content, "module.exports = 2")
	assert.Equal(t, []hmr.Boundary{{ID: "src/a.js"}}, update.Boundaries)
	assert.Equal(t, []string{"src/a.js", "src/b.js"}, update.Invalidate)
}

func TestFailedBuildKeepsServing(t *testing.T) {
	h := start(t, nil, nil)
	waitFor(t, "first generation", func() bool { return h.srv.Status().Live == 1 })
	conn := h.dial(t)
	readUntil(t, conn, hmr.TypeHello)
	waitFor(t, "client registration", func() bool { return h.srv.Status().Clients == 1 })

	write(t, h.dir, "src/a.js", "require(\"./missing\");\n")
	h.srv.Trigger(nil)
	failure := readUntil(t, conn, hmr.TypeError)
	assert.Contains(t, failure.Message, "./missing")

	st := h.srv.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, uint64(1), st.Live)
	code, _, _ := h.get(t, "/")
	assert.Equal(t, http.StatusOK, code)

	write(t, h.dir, "src/a.js", entrySource)
	h.srv.Trigger(nil)
	ok := readUntil(t, conn, hmr.TypeOK)
	assert.Equal(t, uint64(3), ok.Generation)
	assert.Equal(t, StateServing, h.srv.Status().State)
}

func TestStatusIncludesHistory(t *testing.T) {
	ledger, err := buildlog.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	h := startWith(t, Options{Ledger: ledger, Pipeline: bundler.Options{MemoryOnly: true}}, nil)
	waitFor(t, "first generation", func() bool { return h.srv.Status().Live == 1 })
	waitFor(t, "ledger record", func() bool {
		recs, err := ledger.Recent(context.Background(), 1)
		return err == nil && len(recs) == 1
	})

	code, body, _ := h.get(t, "/__status")
	require.Equal(t, http.StatusOK, code)
	var st Status
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	require.Len(t, st.History, 1)
	assert.Equal(t, uint64(1), st.History[0].Generation)
	assert.Equal(t, buildlog.StatusOK, st.History[0].Status)
	assert.Equal(t, "development", st.History[0].Mode)
}

// gate blocks the first transform it sees until the build is cancelled.
type gate struct {
	calls atomic.Int32
}

func (g *gate) Name() string { return "gate" }

func (g *gate) Apply(ctx context.Context, content []byte, _ *transform.Context) (transform.Output, error) {
	if g.calls.Add(1) == 1 {
		<-ctx.Done()
		return transform.Output{}, ctx.Err()
	}
	return transform.Output{Content: content}, nil
}

func TestNewGenerationSupersedesRunningOne(t *testing.T) {
	g := &gate{}
	steps := transform.Builtins()
	steps["gate"] = func(transform.Options) (transform.Transform, error) { return g, nil }
	h := start(t, steps, func(c *config.Config) {
		c.Parallelism = 1
		c.Rules = []config.RuleConfig{{Test: `\.js$`, Steps: []config.StepConfig{{Name: "gate"}, {Name: "script"}}}}
	})

	waitFor(t, "first transform", func() bool { return g.calls.Load() >= 1 })
	assert.Equal(t, StateBuilding, h.srv.Status().State)
	h.srv.Trigger(nil)

	waitFor(t, "second generation", func() bool { return h.srv.Status().Live == 2 })
	st := h.srv.Status()
	assert.Equal(t, StateServing, st.State)
	assert.Equal(t, uint64(2), st.Generation)
}

func TestWatcherBatchesChanges(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "src/a.js", "1")
	write(t, dir, "node_modules/x/index.js", "1")
	write(t, dir, "dist/main.js", "1")

	batches := make(chan []string, 4)
	w, err := NewWatcher(dir, 50*time.Millisecond, []string{filepath.Join(dir, "dist")}, func(b []string) { batches <- b })
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	write(t, dir, "src/a.js", "2")
	write(t, dir, "src/b.js", "2")
	write(t, dir, "node_modules/x/index.js", "2")
	write(t, dir, "dist/main.js", "2")

	var got []string
	deadline := time.After(5 * time.Second)
	for !(contains(got, filepath.Join(dir, "src/a.js")) && contains(got, filepath.Join(dir, "src/b.js"))) {
		select {
		case b := <-batches:
			got = append(got, b...)
		case <-deadline:
			t.Fatalf("no batch, got %v", got)
		}
	}
	for _, p := range got {
		assert.NotContains(t, p, "node_modules")
		assert.NotContains(t, p, filepath.Join(dir, "dist"))
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func TestHubDeliversBroadcastDuringHello(t *testing.T) {
	var hub *Hub
	hub = NewHub(func() []hmr.Message {
		go hub.Broadcast(hmr.Message{Type: hmr.TypeOK, Generation: 2})
		time.Sleep(50 * time.Millisecond)
		return []hmr.Message{{Type: hmr.TypeHello, Generation: 1}}
	})
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readUntil(t, conn, hmr.TypeHello)
	assert.Equal(t, uint64(1), hello.Generation)
	ok := readUntil(t, conn, hmr.TypeOK)
	assert.Equal(t, uint64(2), ok.Generation)
}
