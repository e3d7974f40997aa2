// Package cache memoises transform results across generations. Keys combine
// the module identity, its content hash and the chain fingerprint, so a hit is
// always safe to reuse verbatim.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"

	"modbundle/internal/cache/disk"
	"modbundle/internal/transform"
)

type Config struct {
	MemoryEntries int
	// Dir enables the disk tier when set.
	Dir         string
	DiskEntries int
	DiskBytes   int64
}

func DefaultConfig(dir string) Config {
	return Config{
		MemoryEntries: 8192,
		Dir:           dir,
		DiskEntries:   16384,
		DiskBytes:     256 << 20,
	}
}

type Stats struct {
	Hits     uint64
	DiskHits uint64
	Misses   uint64
	Stores   uint64
}

// Cache is a two-tier transform cache: an in-memory LRU in front of an
// optional disk store. Disk failures degrade to misses.
type Cache struct {
	mem  *lru.Cache[string, *transform.Result]
	disk *disk.Store

	hits     atomic.Uint64
	diskHits atomic.Uint64
	misses   atomic.Uint64
	stores   atomic.Uint64
}

func New(cfg Config) (*Cache, error) {
	if cfg.MemoryEntries <= 0 {
		cfg.MemoryEntries = DefaultConfig("").MemoryEntries
	}
	mem, err := lru.New[string, *transform.Result](cfg.MemoryEntries)
	if err != nil {
		return nil, err
	}
	c := &Cache{mem: mem}
	if cfg.Dir != "" {
		store, err := disk.Open(disk.Config{Dir: cfg.Dir, MaxEntries: cfg.DiskEntries, MaxBytes: cfg.DiskBytes})
		if err != nil {
			return nil, err
		}
		c.disk = store
	}
	return c, nil
}

// Key builds a cache key.
func Key(identity, contentHash, fingerprint string) string {
	return fingerprint + ":" + contentHash + ":" + identity
}

func (c *Cache) Get(ctx context.Context, key string) (*transform.Result, bool) {
	if c == nil {
		return nil, false
	}
	if res, ok := c.mem.Get(key); ok {
		c.hits.Add(1)
		return res, true
	}
	if c.disk != nil {
		raw, ok, err := c.disk.Get(ctx, key)
		if err != nil {
			log.Printf("cache: disk read failed: %v", err)
		}
		if ok {
			res, err := decode(raw)
			if err == nil {
				c.diskHits.Add(1)
				c.mem.Add(key, res)
				return res, true
			}
			log.Printf("cache: dropping unreadable entry: %v", err)
			_ = c.disk.Delete(ctx, key)
		}
	}
	c.misses.Add(1)
	return nil, false
}

func (c *Cache) Put(ctx context.Context, key string, res *transform.Result) {
	if c == nil || res == nil {
		return
	}
	c.stores.Add(1)
	c.mem.Add(key, res)
	if c.disk == nil {
		return
	}
	raw, err := encode(res)
	if err != nil {
		log.Printf("cache: encode failed: %v", err)
		return
	}
	if err := c.disk.Put(ctx, key, raw); err != nil {
		log.Printf("cache: disk write failed: %v", err)
	}
}

// Flush persists the disk index.
func (c *Cache) Flush() error {
	if c == nil || c.disk == nil {
		return nil
	}
	return c.disk.Flush()
}

func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Hits:     c.hits.Load(),
		DiskHits: c.diskHits.Load(),
		Misses:   c.misses.Load(),
		Stores:   c.stores.Load(),
	}
}

func encode(res *transform.Result) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(res); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(raw []byte) (*transform.Result, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	var res transform.Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
