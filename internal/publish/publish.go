// Package publish uploads a finished production build to object storage.
// Every artifact goes up before the manifest, so readers that follow the
// manifest never see a path that is not there yet.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"modbundle/internal/emit"
)

const (
	cacheImmutable  = "public, max-age=31536000, immutable"
	cacheRevalidate = "no-cache"
)

type Publisher struct {
	store       Store
	prefix      string
	parallelism int
}

func New(store Store, prefix string, parallelism int) *Publisher {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Publisher{store: store, prefix: strings.Trim(prefix, "/"), parallelism: parallelism}
}

// Publish uploads the artifacts listed in man from dir, then the manifest.
// It returns the number of objects written.
func (p *Publisher) Publish(ctx context.Context, dir string, man *emit.Manifest) (int, error) {
	if p == nil || p.store == nil {
		return 0, errors.New("publish: publisher is not configured")
	}
	if man == nil {
		return 0, errors.New("publish: manifest is nil")
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.parallelism)
	for _, rel := range man.Files {
		rel := rel
		eg.Go(func() error {
			return p.upload(egCtx, dir, rel, cacheControl(rel, man))
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}
	if err := p.upload(ctx, dir, man.Path, cacheRevalidate); err != nil {
		return 0, err
	}
	log.Printf("publish: uploaded %d objects under %q", len(man.Files)+1, p.prefix)
	return len(man.Files) + 1, nil
}

func (p *Publisher) upload(ctx context.Context, dir, rel, cache string) error {
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("publish: read %s: %w", rel, err)
	}
	obj := Object{Key: objectKey(p.prefix, rel), Data: data, CacheControl: cache}
	obj.ContentType, obj.ContentEncoding = contentType(rel)
	if err := p.store.Put(ctx, obj); err != nil {
		return fmt.Errorf("publish: put %s: %w", obj.Key, err)
	}
	return nil
}

func objectKey(prefix, rel string) string {
	normalized := strings.TrimLeft(strings.TrimSpace(rel), "/")
	if prefix == "" {
		return normalized
	}
	return prefix + "/" + normalized
}

// contentType derives the object type; gzip companions keep the type of the
// file they compress and carry a gzip encoding.
func contentType(rel string) (string, string) {
	encoding := ""
	if strings.HasSuffix(rel, ".gz") {
		encoding = "gzip"
		rel = strings.TrimSuffix(rel, ".gz")
	}
	ct := mime.TypeByExtension(path.Ext(rel))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return ct, encoding
}

// cacheControl caches hashed chunk files forever. The document and copied
// assets keep stable names and revalidate.
func cacheControl(rel string, man *emit.Manifest) string {
	if rel == man.HTML {
		return cacheRevalidate
	}
	for _, cf := range man.Chunks {
		if rel == cf.JS || rel == cf.CSS {
			return cacheImmutable
		}
		for _, gz := range cf.Gzip {
			if rel == gz {
				return cacheImmutable
			}
		}
	}
	return cacheRevalidate
}
