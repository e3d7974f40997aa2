package emit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrStale is returned when a superseded generation tries to write or commit.
var ErrStale = errors.New("emit: generation superseded")

// File is one output artifact, addressed by its slash path under the output
// root.
type File struct {
	Path string
	Data []byte
}

// Sink receives a generation's artifacts. Nothing written for a generation is
// visible until Commit, which publishes the manifest last.
type Sink interface {
	Write(ctx context.Context, gen uint64, f File) error
	Commit(ctx context.Context, gen uint64, manifest File) error
	Discard(gen uint64)
}

// DirSink writes to a directory through generation-scoped temp names and
// renames them into place on commit.
type DirSink struct {
	dir string

	mu     sync.Mutex
	staged map[uint64][]string
}

func NewDirSink(dir string) *DirSink {
	return &DirSink{dir: dir, staged: map[uint64][]string{}}
}

func (s *DirSink) Dir() string { return s.dir }

func (s *DirSink) Write(ctx context.Context, gen uint64, f File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	final, err := s.target(f.Path)
	if err != nil {
		return err
	}
	tmp := tempName(final, gen)
	if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, f.Data, 0o644); err != nil {
		return err
	}
	s.mu.Lock()
	s.staged[gen] = append(s.staged[gen], final)
	s.mu.Unlock()
	return nil
}

func (s *DirSink) Commit(ctx context.Context, gen uint64, manifest File) error {
	s.mu.Lock()
	files := s.staged[gen]
	delete(s.staged, gen)
	s.mu.Unlock()

	sort.Strings(files)
	for i, final := range files {
		if err := ctx.Err(); err != nil {
			removeTemps(files[i:], gen)
			return err
		}
		if err := os.Rename(tempName(final, gen), final); err != nil {
			removeTemps(files[i+1:], gen)
			return err
		}
	}
	final, err := s.target(manifest.Path)
	if err != nil {
		return err
	}
	tmp := tempName(final, gen)
	if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, manifest.Data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func (s *DirSink) Discard(gen uint64) {
	s.mu.Lock()
	files := s.staged[gen]
	delete(s.staged, gen)
	s.mu.Unlock()
	removeTemps(files, gen)
}

func (s *DirSink) target(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(rel, "/")))
	if clean == "." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) || clean == ".." {
		return "", fmt.Errorf("emit: artifact path %q escapes the output directory", rel)
	}
	return filepath.Join(s.dir, clean), nil
}

func tempName(final string, gen uint64) string {
	return fmt.Sprintf("%s.gen-%d.tmp", final, gen)
}

func removeTemps(files []string, gen uint64) {
	for _, f := range files {
		_ = os.Remove(tempName(f, gen))
	}
}

// MemorySink keeps the live artifact set in memory for the dev server. Each
// generation stages separately; commit swaps the whole set at once.
type MemorySink struct {
	mu      sync.RWMutex
	staged  map[uint64]map[string][]byte
	live    map[string][]byte
	liveGen uint64
	fence   uint64
}

func NewMemorySink() *MemorySink {
	return &MemorySink{staged: map[uint64]map[string][]byte{}, live: map[string][]byte{}}
}

// Fence rejects writes and commits from generations older than gen and drops
// whatever they staged.
func (s *MemorySink) Fence(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen > s.fence {
		s.fence = gen
	}
	for g := range s.staged {
		if g < s.fence {
			delete(s.staged, g)
		}
	}
}

func (s *MemorySink) Write(ctx context.Context, gen uint64, f File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen < s.fence {
		return ErrStale
	}
	files := s.staged[gen]
	if files == nil {
		files = map[string][]byte{}
		s.staged[gen] = files
	}
	files[strings.TrimPrefix(f.Path, "/")] = f.Data
	return nil
}

func (s *MemorySink) Commit(ctx context.Context, gen uint64, manifest File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	files := s.staged[gen]
	delete(s.staged, gen)
	if gen < s.fence || (s.liveGen != 0 && gen <= s.liveGen) {
		return ErrStale
	}
	if files == nil {
		files = map[string][]byte{}
	}
	path := strings.TrimPrefix(manifest.Path, "/")
	files[path] = manifest.Data
	s.live = files
	s.liveGen = gen
	return nil
}

func (s *MemorySink) Discard(gen uint64) {
	s.mu.Lock()
	delete(s.staged, gen)
	s.mu.Unlock()
}

// Get returns a live artifact.
func (s *MemorySink) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.live[strings.TrimPrefix(path, "/")]
	return data, ok
}

// Generation is the generation currently live, 0 before the first commit.
func (s *MemorySink) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveGen
}

// Files lists live artifact paths in order.
func (s *MemorySink) Files() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.live))
	for p := range s.live {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
