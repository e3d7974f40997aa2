// Package disk is the persistent tier of the transform cache. Values live in
// sha256-named files under data/, and an index.json tracks size and access
// time for LRU eviction across process restarts.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Config struct {
	Dir        string
	MaxEntries int
	MaxBytes   int64
	// MaxAge drops entries not read for this long. Zero keeps them forever.
	MaxAge time.Duration
}

type entry struct {
	File       string    `json:"file"`
	Size       int64     `json:"size"`
	AccessedAt time.Time `json:"accessed_at"`
	Seq        uint64    `json:"seq"`
}

type index struct {
	Entries map[string]entry `json:"entries"`
}

// Store is safe for concurrent use. The index is written on Flush and on
// eviction, not on every read.
type Store struct {
	mu sync.Mutex

	dataDir   string
	indexPath string

	maxEntries int
	maxBytes   int64
	maxAge     time.Duration

	totalBytes int64
	entries    map[string]entry
	seq        uint64
	dirty      bool
}

func Open(cfg Config) (*Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 4096
	}
	s := &Store{
		dataDir:    filepath.Join(dir, "data"),
		indexPath:  filepath.Join(dir, "index.json"),
		maxEntries: cfg.MaxEntries,
		maxBytes:   cfg.MaxBytes,
		maxAge:     cfg.MaxAge,
		entries:    map[string]entry{},
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return nil, err
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now())
	return s, s.persistLocked()
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, fmt.Errorf("store is nil")
	}
	if key == "" {
		return nil, false, fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	raw, err := os.ReadFile(filepath.Join(s.dataDir, ent.File))
	if err != nil {
		if os.IsNotExist(err) {
			s.removeLocked(key, ent)
			return nil, false, nil
		}
		return nil, false, err
	}
	s.seq++
	ent.AccessedAt = time.Now()
	ent.Seq = s.seq
	s.entries[key] = ent
	s.dirty = true
	return raw, true, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	if key == "" {
		return fmt.Errorf("key is required")
	}
	file := fileName(key)
	if err := writeAtomic(s.dataDir, file, value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[key]; ok {
		s.totalBytes -= old.Size
	}
	s.seq++
	s.entries[key] = entry{File: file, Size: int64(len(value)), AccessedAt: time.Now(), Seq: s.seq}
	s.totalBytes += int64(len(value))
	s.dirty = true
	if s.pruneLocked(time.Now()) {
		return s.persistLocked()
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	if s == nil || key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ent, ok := s.entries[key]; ok {
		s.removeLocked(key, ent)
	}
	return nil
}

// Flush writes the index if anything changed since the last write.
func (s *Store) Flush() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.persistLocked()
}

func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) loadIndex() error {
	raw, err := os.ReadFile(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var idx index
	if err := json.Unmarshal(raw, &idx); err != nil {
		// A torn index only costs a cold cache.
		return nil
	}
	for key, ent := range idx.Entries {
		s.entries[key] = ent
		s.totalBytes += ent.Size
		if ent.Seq > s.seq {
			s.seq = ent.Seq
		}
	}
	return nil
}

// pruneLocked drops aged and missing entries, then evicts least recently used
// entries until the limits hold. It reports whether anything was removed.
func (s *Store) pruneLocked(now time.Time) bool {
	removed := false
	for key, ent := range s.entries {
		if s.maxAge > 0 && now.Sub(ent.AccessedAt) > s.maxAge {
			s.removeLocked(key, ent)
			removed = true
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dataDir, ent.File)); os.IsNotExist(err) {
			s.removeLocked(key, ent)
			removed = true
		}
	}
	if !s.overLimitLocked() {
		return removed
	}
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := s.entries[keys[i]].Seq, s.entries[keys[j]].Seq
		if a == b {
			return keys[i] < keys[j]
		}
		return a < b
	})
	for _, key := range keys {
		if !s.overLimitLocked() {
			break
		}
		s.removeLocked(key, s.entries[key])
		removed = true
	}
	return removed
}

func (s *Store) overLimitLocked() bool {
	if len(s.entries) > s.maxEntries {
		return true
	}
	return s.maxBytes > 0 && s.totalBytes > s.maxBytes
}

func (s *Store) removeLocked(key string, ent entry) {
	delete(s.entries, key)
	s.totalBytes -= ent.Size
	if s.totalBytes < 0 {
		s.totalBytes = 0
	}
	s.dirty = true
	_ = os.Remove(filepath.Join(s.dataDir, ent.File))
}

func (s *Store) persistLocked() error {
	raw, err := json.MarshalIndent(index{Entries: s.entries}, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Dir(s.indexPath), filepath.Base(s.indexPath), raw); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// writeAtomic writes through a temp file and rename so readers never see a
// partial value.
func writeAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".bin"
}
