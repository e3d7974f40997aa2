package devserver

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
)

// Watcher turns file system events under a root into debounced batches of
// changed paths.
type Watcher struct {
	fs      *fsnotify.Watcher
	root    string
	skip    []string
	emit    func([]string)
	trigger func(func())

	mu      sync.Mutex
	pending map[string]struct{}
}

// skipNames are directory names never watched.
var skipNames = map[string]bool{".git": true, "node_modules": true}

// NewWatcher watches root recursively. Paths under skip (absolute) are
// ignored. emit receives each batch from the debounce goroutine.
func NewWatcher(root string, delay time.Duration, skip []string, emit func([]string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:      fw,
		root:    root,
		skip:    skip,
		emit:    emit,
		trigger: debounce.New(delay),
		pending: map[string]struct{}{},
	}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) ignored(path string) bool {
	for _, s := range w.skip {
		if path == s || strings.HasPrefix(path, s+string(os.PathSeparator)) {
			return true
		}
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		if skipNames[part] {
			return true
		}
	}
	return false
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(p) {
			return filepath.SkipDir
		}
		return w.fs.Add(p)
	})
}

// Run consumes events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			log.Printf("devserver: watch error: %v", err)
		}
	}
}

func (w *Watcher) Close() error { return w.fs.Close() }

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	info, err := os.Stat(ev.Name)
	isDir := err == nil && info.IsDir()
	if w.ignored(ev.Name) {
		return
	}
	if isDir && ev.Has(fsnotify.Create) {
		if err := w.addTree(ev.Name); err != nil {
			log.Printf("devserver: watch %s: %v", ev.Name, err)
		}
	}
	w.mu.Lock()
	w.pending[ev.Name] = struct{}{}
	w.mu.Unlock()
	w.trigger(w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	batch := make([]string, 0, len(w.pending))
	for p := range w.pending {
		batch = append(batch, p)
	}
	w.pending = map[string]struct{}{}
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	sort.Strings(batch)
	w.emit(batch)
}
